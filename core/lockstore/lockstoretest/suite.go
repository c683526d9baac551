// Package lockstoretest holds the behaviour every lockstore.Store backend
// must share. Backend packages call Run from their own tests.
package lockstoretest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojolock/core/lockstore"
)

// Factory returns a fresh, empty store. The store is closed by the suite.
type Factory func(t *testing.T) lockstore.Store

// Run executes the shared store tests against the backend built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore) })
	t.Run("SetGetRemove", func(t *testing.T) { testSetGetRemove(t, newStore) })
	t.Run("ListSnapshot", func(t *testing.T) { testList(t, newStore) })
	t.Run("UpdateCreatesAndVersions", func(t *testing.T) { testUpdateVersions(t, newStore) })
	t.Run("UpdateNilDeletes", func(t *testing.T) { testUpdateDeletes(t, newStore) })
	t.Run("UpdateNoop", func(t *testing.T) { testUpdateNoop(t, newStore) })
	t.Run("UpdateRejectsInvalid", func(t *testing.T) { testUpdateInvalid(t, newStore) })
	t.Run("ConcurrentUpdates", func(t *testing.T) { testConcurrentUpdates(t, newStore) })
	t.Run("Closed", func(t *testing.T) { testClosed(t, newStore) })
}

func open(t *testing.T, newStore Factory) lockstore.Store {
	t.Helper()
	s := newStore(t)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testGetMissing(t *testing.T, newStore Factory) {
	s := open(t, newStore)
	_, err := s.Get(context.Background(), "nope")
	require.ErrorIs(t, err, lockstore.ErrNotFound)
	require.NoError(t, s.Remove(context.Background(), "nope"))
}

func testSetGetRemove(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := open(t, newStore)

	acquired := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	l := lockstore.NewResourceLock("R1", "T1", acquired)
	l.Waiters = []string{"T2", "T3"}
	require.NoError(t, s.Set(ctx, "R1", l))

	got, err := s.Get(ctx, "R1")
	require.NoError(t, err)
	require.Equal(t, "R1", got.ResourceID)
	require.Equal(t, "T1", got.Holder)
	require.Equal(t, []string{"T2", "T3"}, got.Waiters)
	require.True(t, acquired.Equal(got.AcquiredAt))

	// The returned record is a copy.
	got.Waiters[0] = "mutated"
	again, err := s.Get(ctx, "R1")
	require.NoError(t, err)
	require.Equal(t, "T2", again.Waiters[0])

	require.NoError(t, s.Remove(ctx, "R1"))
	_, err = s.Get(ctx, "R1")
	require.ErrorIs(t, err, lockstore.ErrNotFound)
}

func testList(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := open(t, newStore)

	locks, err := s.List(ctx)
	require.NoError(t, err)
	require.Empty(t, locks)

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("R%d", i)
		require.NoError(t, s.Set(ctx, id, lockstore.NewResourceLock(id, fmt.Sprintf("T%d", i), time.Now())))
	}
	locks, err = s.List(ctx)
	require.NoError(t, err)
	require.Len(t, locks, 5)
	seen := map[string]string{}
	for _, l := range locks {
		seen[l.ResourceID] = l.Holder
	}
	require.Equal(t, "T3", seen["R3"])
}

func testUpdateVersions(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := open(t, newStore)

	err := s.Update(ctx, "R1", func(cur *lockstore.ResourceLock) (*lockstore.ResourceLock, error) {
		require.Nil(t, cur)
		return lockstore.NewResourceLock("ignored", "T1", time.Now()), nil
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, "R1")
	require.NoError(t, err)
	require.Equal(t, "R1", got.ResourceID, "store stamps the resource id")
	require.Equal(t, uint64(1), got.Version)

	err = s.Update(ctx, "R1", func(cur *lockstore.ResourceLock) (*lockstore.ResourceLock, error) {
		require.NotNil(t, cur)
		cur.Enqueue("T2")
		return cur, nil
	})
	require.NoError(t, err)
	got, err = s.Get(ctx, "R1")
	require.NoError(t, err)
	require.Equal(t, uint64(2), got.Version)
	require.Equal(t, []string{"T2"}, got.Waiters)
}

func testUpdateDeletes(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := open(t, newStore)
	require.NoError(t, s.Set(ctx, "R1", lockstore.NewResourceLock("R1", "T1", time.Now())))

	require.NoError(t, s.Update(ctx, "R1", func(cur *lockstore.ResourceLock) (*lockstore.ResourceLock, error) {
		return nil, nil
	}))
	_, err := s.Get(ctx, "R1")
	require.ErrorIs(t, err, lockstore.ErrNotFound)

	// An idle record is garbage collected as well.
	require.NoError(t, s.Set(ctx, "R2", lockstore.NewResourceLock("R2", "T1", time.Now())))
	require.NoError(t, s.Update(ctx, "R2", func(cur *lockstore.ResourceLock) (*lockstore.ResourceLock, error) {
		cur.PromoteNext(time.Now())
		return cur, nil
	}))
	_, err = s.Get(ctx, "R2")
	require.ErrorIs(t, err, lockstore.ErrNotFound)
}

func testUpdateNoop(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := open(t, newStore)
	require.NoError(t, s.Set(ctx, "R1", lockstore.NewResourceLock("R1", "T1", time.Now())))
	before, err := s.Get(ctx, "R1")
	require.NoError(t, err)

	require.NoError(t, s.Update(ctx, "R1", func(cur *lockstore.ResourceLock) (*lockstore.ResourceLock, error) {
		cur.Holder = "someone-else"
		return nil, lockstore.ErrNoop
	}))
	after, err := s.Get(ctx, "R1")
	require.NoError(t, err)
	require.Equal(t, before, after)

	boom := errors.New("boom")
	err = s.Update(ctx, "R1", func(cur *lockstore.ResourceLock) (*lockstore.ResourceLock, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)
	_, err = s.Get(ctx, "R1")
	require.NoError(t, err)
}

func testUpdateInvalid(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := open(t, newStore)
	err := s.Update(ctx, "R1", func(cur *lockstore.ResourceLock) (*lockstore.ResourceLock, error) {
		return &lockstore.ResourceLock{Waiters: []string{"T1"}}, nil
	})
	require.ErrorIs(t, err, lockstore.ErrInvalidResourceState)
	_, err = s.Get(ctx, "R1")
	require.ErrorIs(t, err, lockstore.ErrNotFound)
}

// testConcurrentUpdates enqueues many transactions on one resource from
// parallel goroutines. Lost updates would show up as missing waiters.
func testConcurrentUpdates(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := open(t, newStore)
	require.NoError(t, s.Set(ctx, "R1", lockstore.NewResourceLock("R1", "holder", time.Now())))

	const workers = 16
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			txn := fmt.Sprintf("T%02d", i)
			errs <- s.Update(ctx, "R1", func(cur *lockstore.ResourceLock) (*lockstore.ResourceLock, error) {
				cur.Enqueue(txn)
				return cur, nil
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := s.Get(ctx, "R1")
	require.NoError(t, err)
	require.Equal(t, "holder", got.Holder)
	require.Len(t, got.Waiters, workers)
	require.NoError(t, got.Validate())
}

func testClosed(t *testing.T, newStore Factory) {
	s := newStore(t)
	require.NoError(t, s.Close())
	_, err := s.Get(context.Background(), "R1")
	require.ErrorIs(t, err, lockstore.ErrStoreUnavailable)
	err = s.Update(context.Background(), "R1", func(cur *lockstore.ResourceLock) (*lockstore.ResourceLock, error) {
		return lockstore.NewResourceLock("R1", "T1", time.Now()), nil
	})
	require.ErrorIs(t, err, lockstore.ErrStoreUnavailable)
}
