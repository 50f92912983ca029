package natskv

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/busflow/lease"
)

type entry struct {
	value    string
	revision uint64
}

// memoryKV mimics the revision checks of a history-1 bucket.
type memoryKV struct {
	mu       sync.Mutex
	seq      uint64
	entries  map[string]entry
	failNext error
}

func newMemoryKV() *memoryKV {
	return &memoryKV{entries: map[string]entry{}}
}

func wrongSequence() error {
	return &jetstream.APIError{Code: 400, ErrorCode: jetstream.JSErrCodeStreamWrongLastSequence, Description: "wrong last sequence"}
}

func (m *memoryKV) takeFailure() error {
	err := m.failNext
	m.failNext = nil
	return err
}

func (m *memoryKV) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return 0, err
	}
	if _, ok := m.entries[key]; ok {
		return 0, jetstream.ErrKeyExists
	}
	m.seq++
	m.entries[key] = entry{value: string(value), revision: m.seq}
	return m.seq, nil
}

func (m *memoryKV) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return 0, err
	}
	cur, ok := m.entries[key]
	if !ok || cur.revision != revision {
		return 0, wrongSequence()
	}
	m.seq++
	m.entries[key] = entry{value: string(value), revision: m.seq}
	return m.seq, nil
}

func (m *memoryKV) Delete(ctx context.Context, key string, revision uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	cur, ok := m.entries[key]
	if !ok {
		return jetstream.ErrKeyNotFound
	}
	if cur.revision != revision {
		return wrongSequence()
	}
	delete(m.entries, key)
	return nil
}

// expire drops key the way the bucket TTL would.
func (m *memoryKV) expire(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

func (m *memoryKV) steal(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.entries[key] = entry{value: "intruder", revision: m.seq}
}

func (m *memoryKV) fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

func newTestLocker(kv keyValue) *Locker {
	l := newLocker(kv, 30*time.Second)
	ids := 0
	l.newID = func() string {
		ids++
		return []string{"lease-a", "lease-b", "lease-c"}[ids-1]
	}
	return l
}

func TestAcquireRenewRelease(t *testing.T) {
	kv := newMemoryKV()
	locker := newTestLocker(kv)

	lock, err := locker.TryAcquire(context.Background(), "busflow/reports", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "lease-a", lock.LeaseID())

	for range 3 {
		ok, err := lock.Renew(context.Background())
		require.NoError(t, err)
		require.True(t, ok)
	}

	require.NoError(t, lock.Release(context.Background()))
	assert.Empty(t, kv.entries)
}

func TestTryAcquireHeld(t *testing.T) {
	kv := newMemoryKV()
	locker := newTestLocker(kv)

	_, err := locker.TryAcquire(context.Background(), "nightly", 30*time.Second)
	require.NoError(t, err)

	_, err = locker.TryAcquire(context.Background(), "nightly", 30*time.Second)
	assert.ErrorIs(t, err, lease.ErrLockHeld)
}

func TestTryAcquireAfterExpiry(t *testing.T) {
	kv := newMemoryKV()
	locker := newTestLocker(kv)

	first, err := locker.TryAcquire(context.Background(), "nightly", 30*time.Second)
	require.NoError(t, err)
	kv.expire("nightly")

	second, err := locker.TryAcquire(context.Background(), "nightly", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "lease-b", second.LeaseID())

	ok, err := first.Renew(context.Background())
	assert.False(t, ok)
	require.Error(t, err)
	assert.True(t, lease.IsConflict(err))

	assert.NoError(t, first.Release(context.Background()))
	assert.Contains(t, kv.entries, "nightly")
}

func TestTryAcquireLeasePeriodMismatch(t *testing.T) {
	_, err := newTestLocker(newMemoryKV()).TryAcquire(context.Background(), "nightly", time.Minute)
	assert.ErrorIs(t, err, ErrLeasePeriodMismatch)
}

func TestRenewTransientThenRecovered(t *testing.T) {
	kv := newMemoryKV()
	lock, err := newTestLocker(kv).TryAcquire(context.Background(), "nightly", 30*time.Second)
	require.NoError(t, err)

	kv.fail(nats.ErrTimeout)
	ok, err := lock.Renew(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = lock.Renew(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRenewAfterSteal(t *testing.T) {
	kv := newMemoryKV()
	lock, err := newTestLocker(kv).TryAcquire(context.Background(), "nightly", 30*time.Second)
	require.NoError(t, err)
	kv.steal("nightly")

	ok, err := lock.Renew(context.Background())
	assert.False(t, ok)
	assert.True(t, lease.IsConflict(err))
	assert.NoError(t, lock.Release(context.Background()))
	assert.Equal(t, "intruder", kv.entries["nightly"].value)
}

func TestClassify(t *testing.T) {
	assert.Nil(t, Classify(nil))
	assert.True(t, lease.IsGone(Classify(jetstream.ErrKeyNotFound)))
	assert.True(t, lease.IsConflict(Classify(wrongSequence())))
	assert.True(t, lease.IsConflict(Classify(jetstream.ErrKeyExists)))
	assert.True(t, lease.IsTransient(Classify(nats.ErrNoResponders)))
	assert.True(t, lease.IsTransient(Classify(&jetstream.APIError{Code: 503, Description: "jetstream unavailable"})))
	assert.False(t, lease.IsTransient(Classify(errors.New("permission denied"))))
}
