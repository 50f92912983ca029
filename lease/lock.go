// Package lease implements a renewable lease lock that keeps an exclusive
// job on a single worker across a fleet. Backends live in sub-packages and
// only provide a Handle and a Locker; renewal bookkeeping, failure
// classification and the renewal loop are shared.
package lease

import (
	"context"
	"sync"
	"time"

	loggingpkg "github.com/drblury/busflow/internal/runtime/logging"
)

// TimestampLayout formats renewal timestamps in diagnostics.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Handle is the leasable resource behind a Lock. Implementations classify
// their failures with Transient, Gone and Conflict.
type Handle interface {
	RenewLease(ctx context.Context, leaseID string) error
	ReleaseLease(ctx context.Context, leaseID string) error
}

// Locker acquires leases. TryAcquire returns ErrLockHeld when another owner
// currently holds lockID.
type Locker interface {
	TryAcquire(ctx context.Context, lockID string, leasePeriod time.Duration) (*Lock, error)
}

// State is a snapshot of a lease.
type State struct {
	LeaseID            string        `json:"lease_id"`
	LockID             string        `json:"lock_id"`
	LeasePeriod        time.Duration `json:"lease_period"`
	AcquiredAt         time.Time     `json:"acquired_at"`
	LastRenewal        time.Time     `json:"last_renewal"`
	LastRenewalLatency time.Duration `json:"last_renewal_latency"`
}

// Lock is one held lease. It is owned by a single job and answers whether a
// renewal attempt succeeded and, if not, whether it may be retried.
type Lock struct {
	leaseID     string
	lockID      string
	leasePeriod time.Duration
	handle      Handle
	logger      loggingpkg.ServiceLogger
	metrics     *Metrics
	now         func() time.Time

	mu                 sync.Mutex
	acquiredAt         time.Time
	lastRenewal        time.Time
	lastRenewalLatency time.Duration
}

// Option configures a Lock.
type Option func(*Lock)

func WithLogger(logger loggingpkg.ServiceLogger) Option {
	return func(l *Lock) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(l *Lock) { l.metrics = m }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Lock) {
		if now != nil {
			l.now = now
		}
	}
}

// NewLock wraps a lease that was just acquired. The acquisition counts as
// the first successful renewal.
func NewLock(leaseID, lockID string, leasePeriod time.Duration, handle Handle, opts ...Option) (*Lock, error) {
	if handle == nil {
		return nil, ErrHandleRequired
	}
	if leaseID == "" {
		return nil, ErrLeaseIDRequired
	}
	l := &Lock{
		leaseID:     leaseID,
		lockID:      lockID,
		leasePeriod: leasePeriod,
		handle:      handle,
		logger:      loggingpkg.NewNopServiceLogger(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.acquiredAt = l.now()
	l.lastRenewal = l.acquiredAt
	l.metrics.held(lockID, 1)
	return l, nil
}

func (l *Lock) LeaseID() string            { return l.leaseID }
func (l *Lock) LockID() string             { return l.lockID }
func (l *Lock) LeasePeriod() time.Duration { return l.leasePeriod }

// State returns the current lease telemetry.
func (l *Lock) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return State{
		LeaseID:            l.leaseID,
		LockID:             l.lockID,
		LeasePeriod:        l.leasePeriod,
		AcquiredAt:         l.acquiredAt,
		LastRenewal:        l.lastRenewal,
		LastRenewalLatency: l.lastRenewalLatency,
	}
}

// Renew extends the lease. It returns true when the lease was extended and
// false with a nil error after a transient backend failure, in which case
// the caller should retry before the normal interval. Any other failure is
// returned unchanged and means the lease can no longer be trusted. A done
// ctx yields its error, never success.
func (l *Lock) Renew(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	started := l.now()
	err := l.handle.RenewLease(ctx, l.leaseID)
	finished := l.now()

	if err == nil {
		latency := finished.Sub(started)
		l.mu.Lock()
		if finished.After(l.lastRenewal) {
			l.lastRenewal = finished
		}
		l.lastRenewalLatency = latency
		l.mu.Unlock()
		l.metrics.renewal(l.lockID, "renewed", latency)
		return true, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		l.metrics.renewal(l.lockID, "cancelled", 0)
		l.logger.Debug("Singleton lock renewal cancelled", loggingpkg.LogFields{"lock_id": l.lockID})
		return false, ctxErr
	}

	if IsTransient(err) {
		l.metrics.renewal(l.lockID, "transient", 0)
		l.logger.Warn("Singleton lock renewal failed", err, loggingpkg.LogFields{"lock_id": l.lockID})
		return false, nil
	}

	state := l.State()
	l.metrics.renewal(l.lockID, "lost", 0)
	l.logger.Error("Singleton lock renewal failed", err, loggingpkg.LogFields{
		"lock_id":                 l.lockID,
		"lease_period_ms":         l.leasePeriod.Milliseconds(),
		"last_renewal":            state.LastRenewal.UTC().Format(TimestampLayout),
		"since_last_renewal_ms":   finished.Sub(state.LastRenewal).Milliseconds(),
		"last_renewal_latency_ms": state.LastRenewalLatency.Milliseconds(),
	})
	return false, err
}

// Release gives the lease up. A resource that is already gone or already
// leased by someone else counts as released.
func (l *Lock) Release(ctx context.Context) error {
	err := l.handle.ReleaseLease(ctx, l.leaseID)
	switch {
	case err == nil:
		l.metrics.release(l.lockID, "released")
	case IsGone(err):
		l.metrics.release(l.lockID, "gone")
		l.logger.Debug("Singleton lock already gone on release", loggingpkg.LogFields{"lock_id": l.lockID})
	case IsConflict(err):
		l.metrics.release(l.lockID, "conflict")
		l.logger.Debug("Singleton lock held by another lease on release", loggingpkg.LogFields{"lock_id": l.lockID})
	default:
		l.metrics.release(l.lockID, "failed")
		return err
	}
	l.metrics.held(l.lockID, 0)
	return nil
}
