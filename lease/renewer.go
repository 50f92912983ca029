package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// RenewalPolicy controls how often RunExclusive renews a lease.
type RenewalPolicy struct {
	// Interval between renewals while they succeed. Defaults to half the
	// lease period.
	Interval time.Duration
	// MinInterval bounds the delay after repeated transient failures.
	MinInterval time.Duration
}

func (p RenewalPolicy) withDefaults(leasePeriod time.Duration) RenewalPolicy {
	if p.Interval <= 0 {
		p.Interval = leasePeriod / 2
	}
	if p.Interval <= 0 {
		p.Interval = 30 * time.Second
	}
	if p.MinInterval <= 0 {
		p.MinInterval = time.Second
	}
	if p.MinInterval > p.Interval {
		p.MinInterval = p.Interval
	}
	return p
}

// NextDelay returns the wait before the next renewal after the given number
// of consecutive transient failures. Each failure shortens the wait so the
// lease is retried well before it expires.
func (p RenewalPolicy) NextDelay(failures int) time.Duration {
	if failures <= 0 {
		return p.Interval
	}
	d := p.Interval / time.Duration(failures+1)
	if d < p.MinInterval {
		d = p.MinInterval
	}
	return d
}

// RunExclusive runs job while keeping lock renewed and releases the lock
// when job returns. If the lease is lost the job context is cancelled with
// a cause wrapping ErrLeaseLost, and that error is returned.
func RunExclusive(ctx context.Context, lock *Lock, policy RenewalPolicy, job func(ctx context.Context) error) error {
	policy = policy.withDefaults(lock.LeasePeriod())

	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	stop := make(chan struct{})
	var (
		wg      sync.WaitGroup
		lostErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := keepAlive(jobCtx, lock, policy, stop); err != nil {
			lostErr = err
			cancel(err)
		}
	}()

	jobErr := job(jobCtx)
	close(stop)
	wg.Wait()

	releaseErr := lock.Release(context.WithoutCancel(ctx))
	if lostErr != nil {
		return errors.Join(lostErr, releaseErr)
	}
	return errors.Join(jobErr, releaseErr)
}

func keepAlive(ctx context.Context, lock *Lock, policy RenewalPolicy, stop <-chan struct{}) error {
	failures := 0
	timer := time.NewTimer(policy.NextDelay(0))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		case <-timer.C:
		}

		renewed, err := lock.Renew(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: %s: %w", ErrLeaseLost, lock.LockID(), err)
		}
		if renewed {
			failures = 0
		} else {
			failures++
		}
		timer.Reset(policy.NextDelay(failures))
	}
}
