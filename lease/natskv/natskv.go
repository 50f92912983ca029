// Package natskv keeps lease locks in a NATS JetStream key-value bucket.
// The bucket TTL is the lease period: an entry that is not rewritten in time
// expires and the lock becomes free.
package natskv

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/google/uuid"

	"github.com/drblury/busflow/lease"
)

const DefaultBucket = "busflow_locks"

var ErrLeasePeriodMismatch = errors.New("natskv: lease period must match the bucket TTL")

// Config describes the lock bucket.
type Config struct {
	Bucket      string
	LeasePeriod time.Duration
	Replicas    int
	// Memory keeps the bucket in memory instead of on disk.
	Memory bool
}

type keyValue interface {
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)
	Delete(ctx context.Context, key string, revision uint64) error
}

type bucket struct {
	kv jetstream.KeyValue
}

func (b bucket) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	return b.kv.Create(ctx, key, value)
}

func (b bucket) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	return b.kv.Update(ctx, key, value, revision)
}

func (b bucket) Delete(ctx context.Context, key string, revision uint64) error {
	return b.kv.Delete(ctx, key, jetstream.LastRevision(revision))
}

// Locker acquires leases as bucket entries.
type Locker struct {
	kv          keyValue
	leasePeriod time.Duration
	lockOpts    []lease.Option
	newID       func() string
}

// New creates or updates the lock bucket so its TTL equals cfg.LeasePeriod.
func New(ctx context.Context, js jetstream.JetStream, cfg Config, opts ...lease.Option) (*Locker, error) {
	if cfg.LeasePeriod <= 0 {
		return nil, fmt.Errorf("natskv: lease period is required")
	}
	if cfg.Bucket == "" {
		cfg.Bucket = DefaultBucket
	}
	storage := jetstream.FileStorage
	if cfg.Memory {
		storage = jetstream.MemoryStorage
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "busflow singleton leases",
		History:     1,
		TTL:         cfg.LeasePeriod,
		Storage:     storage,
		Replicas:    cfg.Replicas,
	})
	if err != nil {
		return nil, fmt.Errorf("natskv: bucket %s: %w", cfg.Bucket, err)
	}
	return newLocker(bucket{kv: kv}, cfg.LeasePeriod, opts...), nil
}

func newLocker(kv keyValue, leasePeriod time.Duration, opts ...lease.Option) *Locker {
	return &Locker{
		kv:          kv,
		leasePeriod: leasePeriod,
		lockOpts:    opts,
		newID:       uuid.NewString,
	}
}

// TryAcquire writes lockID if no live entry exists. It returns
// lease.ErrLockHeld when another owner holds it.
func (l *Locker) TryAcquire(ctx context.Context, lockID string, leasePeriod time.Duration) (*lease.Lock, error) {
	if leasePeriod != l.leasePeriod {
		return nil, fmt.Errorf("%w: got %s, bucket TTL %s", ErrLeasePeriodMismatch, leasePeriod, l.leasePeriod)
	}
	leaseID := l.newID()
	rev, err := l.kv.Create(ctx, lockID, []byte(leaseID))
	if err != nil {
		if isWrongRevision(err) {
			return nil, fmt.Errorf("%w: %s", lease.ErrLockHeld, lockID)
		}
		return nil, fmt.Errorf("natskv: acquire %s: %w", lockID, Classify(err))
	}
	h := &entryHandle{kv: l.kv, key: lockID, revision: rev}
	return lease.NewLock(leaseID, lockID, leasePeriod, h, l.lockOpts...)
}

type entryHandle struct {
	kv  keyValue
	key string

	mu       sync.Mutex
	revision uint64
}

func (h *entryHandle) RenewLease(ctx context.Context, leaseID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	rev, err := h.kv.Update(ctx, h.key, []byte(leaseID), h.revision)
	if err != nil {
		return Classify(err)
	}
	h.revision = rev
	return nil
}

func (h *entryHandle) ReleaseLease(ctx context.Context, _ string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Classify(h.kv.Delete(ctx, h.key, h.revision))
}

// Classify maps JetStream failures onto lease failure kinds. An unreachable
// or timing out server is transient; a missing key is gone and a revision
// mismatch means someone else wrote the entry.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, jetstream.ErrKeyNotFound), errors.Is(err, jetstream.ErrKeyDeleted):
		return lease.Gone(err)
	case isWrongRevision(err):
		return lease.Conflict(err)
	case errors.Is(err, nats.ErrTimeout),
		errors.Is(err, nats.ErrNoResponders),
		errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrConnectionReconnecting),
		errors.Is(err, context.DeadlineExceeded):
		return lease.Transient(err)
	}
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) && apiErr.Code >= 500 {
		return lease.Transient(err)
	}
	return err
}

func isWrongRevision(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}
