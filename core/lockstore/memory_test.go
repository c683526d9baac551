package lockstore_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojolock/core/lockstore"
	"github.com/sushant-115/gojolock/core/lockstore/lockstoretest"
)

func TestMemoryStore(t *testing.T) {
	lockstoretest.Run(t, func(t *testing.T) lockstore.Store {
		return lockstore.NewMemoryStore(4)
	})
}

func TestResourceLock_QueueOperations(t *testing.T) {
	now := time.Now()
	l := lockstore.NewResourceLock("R1", "T1", now)

	require.True(t, l.Enqueue("T2"))
	require.True(t, l.Enqueue("T3"))
	require.False(t, l.Enqueue("T2"), "waiter registration is idempotent")
	require.Equal(t, []string{"T2", "T3"}, l.Waiters)

	later := now.Add(time.Second)
	require.Equal(t, "T2", l.PromoteNext(later), "first waiter is promoted")
	require.Equal(t, "T2", l.Holder)
	require.Equal(t, later, l.AcquiredAt)
	require.Equal(t, []string{"T3"}, l.Waiters)

	require.True(t, l.Dequeue("T3"))
	require.False(t, l.Dequeue("T3"))
	require.Nil(t, l.Waiters)

	require.Equal(t, "", l.PromoteNext(later))
	require.True(t, l.Idle())
}

func TestResourceLock_Validate(t *testing.T) {
	tests := []struct {
		name string
		lock *lockstore.ResourceLock
		ok   bool
	}{
		{"held", &lockstore.ResourceLock{ResourceID: "R", Holder: "T1", Waiters: []string{"T2"}}, true},
		{"waiters without holder", &lockstore.ResourceLock{ResourceID: "R", Waiters: []string{"T2"}}, false},
		{"holder waiting", &lockstore.ResourceLock{ResourceID: "R", Holder: "T1", Waiters: []string{"T1"}}, false},
		{"duplicate waiter", &lockstore.ResourceLock{ResourceID: "R", Holder: "T1", Waiters: []string{"T2", "T2"}}, false},
		{"missing id", &lockstore.ResourceLock{Holder: "T1"}, false},
		{"corrupt", lockstore.CorruptRecord("R", errors.New("unexpected EOF")), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.lock.Validate()
			if tt.ok {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, lockstore.ErrInvalidResourceState)
		})
	}
}

func TestDecode_Malformed(t *testing.T) {
	_, err := lockstore.Decode([]byte("{not json"))
	require.ErrorIs(t, err, lockstore.ErrInvalidResourceState)

	// A listed placeholder for the record is never mistaken for an idle lock.
	corrupt := lockstore.CorruptRecord("R1", err)
	require.ErrorIs(t, corrupt.Validate(), lockstore.ErrInvalidResourceState)
	require.ErrorIs(t, corrupt.Clone().Validate(), lockstore.ErrInvalidResourceState)

	l := lockstore.NewResourceLock("R1", "T1", time.Unix(100, 0).UTC())
	data, err := lockstore.Encode(l)
	require.NoError(t, err)
	back, err := lockstore.Decode(data)
	require.NoError(t, err)
	require.Equal(t, l, back)
}
