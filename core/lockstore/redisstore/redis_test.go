package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojolock/core/lockstore"
	"github.com/sushant-115/gojolock/core/lockstore/lockstoretest"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := New(context.Background(), Config{Addr: mr.Addr(), KeyPrefix: "test:"}, zap.NewNop())
	require.NoError(t, err)
	return s, mr
}

func TestRedisStore(t *testing.T) {
	lockstoretest.Run(t, func(t *testing.T) lockstore.Store {
		s, _ := newTestStore(t)
		return s
	})
}

func TestRedisStore_KeyLayout(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)
	defer s.Close()

	require.NoError(t, s.Update(ctx, "R1", func(cur *lockstore.ResourceLock) (*lockstore.ResourceLock, error) {
		return lockstore.NewResourceLock("R1", "T1", time.Now()), nil
	}))
	require.True(t, mr.Exists("test:lock:R1"))
	members, err := mr.Members("test:locks")
	require.NoError(t, err)
	require.Equal(t, []string{"R1"}, members)

	require.NoError(t, s.Update(ctx, "R1", func(cur *lockstore.ResourceLock) (*lockstore.ResourceLock, error) {
		return nil, nil
	}))
	require.False(t, mr.Exists("test:lock:R1"))
	require.False(t, mr.Exists("test:locks"), "empty index set is dropped by redis")
}

func TestRedisStore_PrunesStaleIndexEntries(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)
	defer s.Close()

	require.NoError(t, s.Set(ctx, "R1", lockstore.NewResourceLock("R1", "T1", time.Now())))
	require.NoError(t, s.Set(ctx, "R2", lockstore.NewResourceLock("R2", "T2", time.Now())))
	mr.Del("test:lock:R2")

	locks, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, locks, 1)
	require.Equal(t, "R1", locks[0].ResourceID)

	members, err := mr.Members("test:locks")
	require.NoError(t, err)
	require.Equal(t, []string{"R1"}, members)
}

func TestRedisStore_PruneKeepsRecreatedKeys(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)
	defer s.Close()

	// R1 vanished and came back after List read its value; R2 is gone.
	_, err := mr.SAdd("test:locks", "R1", "R2")
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "R1", lockstore.NewResourceLock("R1", "T1", time.Now())))

	removed, err := s.prune(ctx, []string{"R1", "R2"})
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)

	members, err := mr.Members("test:locks")
	require.NoError(t, err)
	require.Equal(t, []string{"R1"}, members)

	locks, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, locks, 1)
	require.Equal(t, "T1", locks[0].Holder)
}

func TestRedisStore_ListMarksUndecodableRecords(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)
	defer s.Close()

	require.NoError(t, mr.Set("test:lock:R9", "garbage"))
	_, err := mr.SAdd("test:locks", "R9")
	require.NoError(t, err)

	locks, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, locks, 1)
	require.Equal(t, "R9", locks[0].ResourceID)
	require.ErrorIs(t, locks[0].Validate(), lockstore.ErrInvalidResourceState)
}

func TestRedisStore_ServerDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	s := NewWithClient(client, Config{}, nil)
	defer s.Close()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := s.Get(ctx, "R1")
	require.ErrorIs(t, err, lockstore.ErrStoreUnavailable)

	err = s.Update(ctx, "R1", func(cur *lockstore.ResourceLock) (*lockstore.ResourceLock, error) {
		return lockstore.NewResourceLock("R1", "T1", time.Now()), nil
	})
	require.ErrorIs(t, err, lockstore.ErrStoreUnavailable)
}

func TestNew_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := New(ctx, Config{Addr: addr}, nil)
	require.ErrorIs(t, err, lockstore.ErrStoreUnavailable)
}
