package config

import (
	"errors"
	"fmt"
	"time"
)

const (
	DefaultMaxConcurrentCalls      = 1
	DefaultMessageLockTimeout      = 5 * time.Minute
	DefaultDeadLetterDeliveryLimit = 5

	DefaultLeasePeriod          = 60 * time.Second
	DefaultMinRenewInterval     = time.Second
	DefaultAcquireRetryInterval = 10 * time.Second
)

// ProcessingSettings controls how a channel consumes its topic.
type ProcessingSettings struct {
	// MaxConcurrentCalls bounds the number of messages dispatched at once.
	MaxConcurrentCalls int
	// PrefetchCount is how many received messages may wait for a free worker.
	PrefetchCount int
	// MessageLockTimeout caps the processing time of a single message.
	MessageLockTimeout time.Duration
	// DeadLetterDeliveryLimit is the highest delivery count that is still
	// processed; later deliveries are dead-lettered without running the processor.
	DeadLetterDeliveryLimit int
}

// WithDefaults fills unset fields with the package defaults.
func (p ProcessingSettings) WithDefaults() ProcessingSettings {
	return p.Or(ProcessingSettings{
		MaxConcurrentCalls:      DefaultMaxConcurrentCalls,
		MessageLockTimeout:      DefaultMessageLockTimeout,
		DeadLetterDeliveryLimit: DefaultDeadLetterDeliveryLimit,
	})
}

// Or fills each unset field of p from fallback.
func (p ProcessingSettings) Or(fallback ProcessingSettings) ProcessingSettings {
	if p.MaxConcurrentCalls == 0 {
		p.MaxConcurrentCalls = fallback.MaxConcurrentCalls
	}
	if p.PrefetchCount == 0 {
		p.PrefetchCount = fallback.PrefetchCount
	}
	if p.MessageLockTimeout == 0 {
		p.MessageLockTimeout = fallback.MessageLockTimeout
	}
	if p.DeadLetterDeliveryLimit == 0 {
		p.DeadLetterDeliveryLimit = fallback.DeadLetterDeliveryLimit
	}
	return p
}

// Validate reports negative settings.
func (p ProcessingSettings) Validate() error {
	return errors.Join(p.validate("processing")...)
}

func (p ProcessingSettings) validate(prefix string) []error {
	var errs []error
	if p.MaxConcurrentCalls < 0 {
		errs = append(errs, fmt.Errorf("%s: max concurrent calls cannot be negative", prefix))
	}
	if p.PrefetchCount < 0 {
		errs = append(errs, fmt.Errorf("%s: prefetch count cannot be negative", prefix))
	}
	if p.MessageLockTimeout < 0 {
		errs = append(errs, fmt.Errorf("%s: message lock timeout cannot be negative", prefix))
	}
	if p.DeadLetterDeliveryLimit < 0 {
		errs = append(errs, fmt.Errorf("%s: dead letter delivery limit cannot be negative", prefix))
	}
	return errs
}

// LeaseSettings controls how singleton channels hold their lease.
type LeaseSettings struct {
	LeasePeriod time.Duration
	// RenewInterval defaults to half the lease period.
	RenewInterval time.Duration
	// MinRenewInterval floors the shortened delay used after transient
	// renewal failures.
	MinRenewInterval time.Duration
	// AcquireRetryInterval is how long a replica waits before trying again
	// to acquire a lease held elsewhere.
	AcquireRetryInterval time.Duration
}

// WithDefaults fills unset fields.
func (l LeaseSettings) WithDefaults() LeaseSettings {
	if l.LeasePeriod == 0 {
		l.LeasePeriod = DefaultLeasePeriod
	}
	if l.RenewInterval == 0 {
		l.RenewInterval = l.LeasePeriod / 2
	}
	if l.MinRenewInterval == 0 {
		l.MinRenewInterval = DefaultMinRenewInterval
	}
	if l.AcquireRetryInterval == 0 {
		l.AcquireRetryInterval = DefaultAcquireRetryInterval
	}
	return l
}

func (l LeaseSettings) validate() []error {
	var errs []error
	if l.LeasePeriod < 0 || l.RenewInterval < 0 || l.MinRenewInterval < 0 || l.AcquireRetryInterval < 0 {
		errs = append(errs, errors.New("lease: durations cannot be negative"))
	}
	if l.LeasePeriod > 0 && l.RenewInterval >= l.LeasePeriod {
		errs = append(errs, errors.New("lease: renew interval must be shorter than the lease period"))
	}
	return errs
}
