package lockmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojolock/core/lockstore"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func setupManager(t *testing.T) (*Manager, lockstore.Store, *clock.Mock) {
	t.Helper()
	store := lockstore.NewMemoryStore(4)
	t.Cleanup(func() { store.Close() })
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC))
	return New(store, zap.NewNop(), Options{Clock: mock}), store, mock
}

func getLock(t *testing.T, s lockstore.Store, id string) *lockstore.ResourceLock {
	t.Helper()
	l, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	return l
}

func TestAcquireReleaseScenario(t *testing.T) {
	ctx := context.Background()
	m, store, mock := setupManager(t)

	// T1 acquires R1.
	granted, err := m.Acquire(ctx, "T1", "R1")
	require.NoError(t, err)
	require.True(t, granted)
	l := getLock(t, store, "R1")
	assert.Equal(t, "T1", l.Holder)
	assert.Empty(t, l.Waiters)
	assert.True(t, mock.Now().Equal(l.AcquiredAt))

	// T2 queues behind T1.
	granted, err = m.Acquire(ctx, "T2", "R1")
	require.NoError(t, err)
	require.False(t, granted)
	assert.Equal(t, []string{"T2"}, getLock(t, store, "R1").Waiters)

	// T1 releases; T2 is promoted with a fresh acquisition time.
	mock.Add(time.Minute)
	require.NoError(t, m.Release(ctx, "T1", "R1"))
	l = getLock(t, store, "R1")
	assert.Equal(t, "T2", l.Holder)
	assert.Empty(t, l.Waiters)
	assert.True(t, mock.Now().Equal(l.AcquiredAt))
}

func TestAcquire_Reentrant(t *testing.T) {
	ctx := context.Background()
	m, store, mock := setupManager(t)

	granted, err := m.Acquire(ctx, "T1", "R1")
	require.NoError(t, err)
	require.True(t, granted)
	before := getLock(t, store, "R1")

	mock.Add(time.Second)
	granted, err = m.Acquire(ctx, "T1", "R1")
	require.NoError(t, err)
	require.True(t, granted)
	assert.Equal(t, before, getLock(t, store, "R1"), "re-acquire must not touch the record")

	// Not reference counted: one release frees it.
	require.NoError(t, m.Release(ctx, "T1", "R1"))
	_, err = store.Get(ctx, "R1")
	require.ErrorIs(t, err, lockstore.ErrNotFound)
}

func TestAcquire_NoDuplicateWaiters(t *testing.T) {
	ctx := context.Background()
	m, store, _ := setupManager(t)

	_, err := m.Acquire(ctx, "T1", "R1")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		granted, err := m.Acquire(ctx, "T2", "R1")
		require.NoError(t, err)
		require.False(t, granted)
	}
	assert.Equal(t, []string{"T2"}, getLock(t, store, "R1").Waiters)
}

func TestRelease_FIFOPromotion(t *testing.T) {
	ctx := context.Background()
	m, store, _ := setupManager(t)

	for _, txn := range []string{"T1", "T2", "T3", "T4"} {
		_, err := m.Acquire(ctx, txn, "R1")
		require.NoError(t, err)
	}
	for _, next := range []string{"T2", "T3", "T4"} {
		holder := getLock(t, store, "R1").Holder
		require.NoError(t, m.Release(ctx, holder, "R1"))
		require.Equal(t, next, getLock(t, store, "R1").Holder)
	}
	require.NoError(t, m.Release(ctx, "T4", "R1"))
	_, err := store.Get(ctx, "R1")
	require.ErrorIs(t, err, lockstore.ErrNotFound, "idle record is garbage collected")
}

func TestRelease_NotHolderIsNoop(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zap.WarnLevel)
	store := lockstore.NewMemoryStore(1)
	defer store.Close()
	m := New(store, zap.New(core), Options{})

	_, err := m.Acquire(ctx, "T1", "R1")
	require.NoError(t, err)
	_, err = m.Acquire(ctx, "T2", "R1")
	require.NoError(t, err)
	before := getLock(t, store, "R1")

	require.NoError(t, m.Release(ctx, "T2", "R1"))
	require.NoError(t, m.Release(ctx, "T3", "R1"))
	require.NoError(t, m.Release(ctx, "T1", "missing"))
	assert.Equal(t, before, getLock(t, store, "R1"))
	assert.Equal(t, 3, logs.FilterMessage("Release by a transaction that does not hold the lock").Len())

	// Idempotent: the second release of the same lock changes nothing.
	require.NoError(t, m.Release(ctx, "T1", "R1"))
	after := getLock(t, store, "R1")
	require.NoError(t, m.Release(ctx, "T1", "R1"))
	assert.Equal(t, after, getLock(t, store, "R1"))
}

func TestCancelWait(t *testing.T) {
	ctx := context.Background()
	m, store, _ := setupManager(t)

	for _, txn := range []string{"T1", "T2", "T3"} {
		_, err := m.Acquire(ctx, txn, "R1")
		require.NoError(t, err)
	}
	require.NoError(t, m.CancelWait(ctx, "T2", "R1"))
	assert.Equal(t, []string{"T3"}, getLock(t, store, "R1").Waiters)

	// Not waiting, or the holder itself: nothing happens.
	require.NoError(t, m.CancelWait(ctx, "T2", "R1"))
	require.NoError(t, m.CancelWait(ctx, "T1", "R1"))
	require.NoError(t, m.CancelWait(ctx, "T9", "nope"))
	l := getLock(t, store, "R1")
	assert.Equal(t, "T1", l.Holder)
	assert.Equal(t, []string{"T3"}, l.Waiters)
}

func TestReleaseAll(t *testing.T) {
	ctx := context.Background()
	m, store, _ := setupManager(t)

	mustAcquire := func(txn, res string) {
		_, err := m.Acquire(ctx, txn, res)
		require.NoError(t, err)
	}
	mustAcquire("T1", "R1")
	mustAcquire("T1", "R2")
	mustAcquire("T2", "R3")
	mustAcquire("T2", "R1")
	mustAcquire("T1", "R3")

	released, err := m.ReleaseAll(ctx, "T1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"R1", "R2"}, released)

	assert.Equal(t, "T2", getLock(t, store, "R1").Holder)
	_, err = store.Get(ctx, "R2")
	require.ErrorIs(t, err, lockstore.ErrNotFound)
	assert.Empty(t, getLock(t, store, "R3").Waiters)

	held, err := m.HeldBy(ctx, "T2")
	require.NoError(t, err)
	assert.Equal(t, []string{"R1", "R3"}, held)

	locks, err := m.Locks(ctx)
	require.NoError(t, err)
	assert.Len(t, locks, 2)
}

func TestInvalidArguments(t *testing.T) {
	ctx := context.Background()
	m, _, _ := setupManager(t)

	_, err := m.Acquire(ctx, "", "R1")
	require.ErrorIs(t, err, ErrInvalidArgument)
	require.ErrorIs(t, m.Release(ctx, "T1", ""), ErrInvalidArgument)
	require.ErrorIs(t, m.CancelWait(ctx, "", ""), ErrInvalidArgument)
	_, err = m.ReleaseAll(ctx, "")
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	store := lockstore.NewMemoryStore(1)
	m := New(store, nil, Options{})
	require.NoError(t, store.Close())

	granted, err := m.Acquire(ctx, "T1", "R1")
	require.False(t, granted)
	require.ErrorIs(t, err, lockstore.ErrStoreUnavailable)
	require.ErrorIs(t, m.Release(ctx, "T1", "R1"), lockstore.ErrStoreUnavailable)
	_, err = m.ReleaseAll(ctx, "T1")
	require.ErrorIs(t, err, lockstore.ErrStoreUnavailable)
}

type flakyStore struct {
	lockstore.Store
	fail atomic.Bool
}

func (f *flakyStore) Update(ctx context.Context, id string, fn lockstore.MutateFunc) error {
	if f.fail.Load() && id == "R2" {
		return lockstore.Unavailable("update", errors.New("connection reset"))
	}
	return f.Store.Update(ctx, id, fn)
}

func TestReleaseAll_ContinuesPastFailures(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: lockstore.NewMemoryStore(1)}
	defer store.Close()
	m := New(store, nil, Options{})

	for _, res := range []string{"R1", "R2", "R3"} {
		_, err := m.Acquire(ctx, "T1", res)
		require.NoError(t, err)
	}
	store.fail.Store(true)
	released, err := m.ReleaseAll(ctx, "T1")
	require.ErrorIs(t, err, lockstore.ErrStoreUnavailable)
	assert.Equal(t, []string{"R1", "R3"}, released)
}

// TestMutualExclusion hammers one resource from many goroutines; at any time
// the record has exactly one holder and every waiter appears once.
func TestMutualExclusion(t *testing.T) {
	ctx := context.Background()
	m, store, _ := setupManager(t)

	const workers = 20
	var wg sync.WaitGroup
	var grants atomic.Int32
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			granted, err := m.Acquire(ctx, fmt.Sprintf("T%02d", i), "R1")
			assert.NoError(t, err)
			if granted {
				grants.Add(1)
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, int32(1), grants.Load())
	l := getLock(t, store, "R1")
	require.NoError(t, l.Validate())
	require.Len(t, l.Waiters, workers-1)

	// Drain the queue in FIFO order.
	for i := 0; i < workers; i++ {
		cur := getLock(t, store, "R1")
		require.NoError(t, m.Release(ctx, cur.Holder, "R1"))
	}
	_, err := store.Get(ctx, "R1")
	require.ErrorIs(t, err, lockstore.ErrNotFound)
}
