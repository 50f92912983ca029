package runtime

import (
	"context"
	"errors"
	"time"

	loggingpkg "github.com/drblury/busflow/internal/runtime/logging"
	"github.com/drblury/busflow/lease"
)

// LeasePrefix namespaces the lock ids of singleton channels.
const LeasePrefix = "busflow/"

// runSingleton consumes ch only while this replica holds its lease. When the
// lease is lost the pump is cancelled and the replica goes back to trying
// to acquire it.
func (s *Service) runSingleton(ctx context.Context, ch *channel) error {
	settings := s.Conf.Lease.WithDefaults()
	lockID := LeasePrefix + ch.Name
	policy := lease.RenewalPolicy{
		Interval:    settings.RenewInterval,
		MinInterval: settings.MinRenewInterval,
	}
	fields := loggingpkg.LogFields{"channel": ch.Name, "lock_id": lockID}

	for {
		lock, err := s.locker.TryAcquire(ctx, lockID, settings.LeasePeriod)
		switch {
		case err == nil:
			s.Logger.Info("Acquired channel lease", fields)
			s.trackLease(ch.Name, lock)
			err = lease.RunExclusive(ctx, lock, policy, func(jobCtx context.Context) error {
				subs, err := s.subscribe(jobCtx, ch)
				if err != nil {
					return err
				}
				return s.pump(jobCtx, ch, subs)
			})
			s.untrackLease(ch.Name)
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, lease.ErrLeaseLost) {
				s.Logger.Warn("Lost channel lease", err, fields)
			} else {
				s.Logger.Warn("Singleton channel stopped while holding its lease", err, fields)
			}
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, lease.ErrLockHeld):
			s.Logger.Debug("Channel lease held by another replica", fields)
		default:
			s.Logger.Warn("Failed to acquire channel lease", err, fields)
		}

		timer := time.NewTimer(settings.AcquireRetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (s *Service) trackLease(channel string, lock *lease.Lock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leases[channel] = lock
}

func (s *Service) untrackLease(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.leases, channel)
}

// HeldLeases returns the state of the channel leases this replica holds,
// keyed by channel name.
func (s *Service) HeldLeases() map[string]lease.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]lease.State, len(s.leases))
	for name, lock := range s.leases {
		out[name] = lock.State()
	}
	return out
}
