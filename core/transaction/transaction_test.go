package transaction

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojolock/core/lockmanager"
	"github.com/sushant-115/gojolock/core/lockstore"
	"go.uber.org/zap"
)

func setupRegistry(t *testing.T) (*Registry, *lockmanager.Manager, *clock.Mock) {
	t.Helper()
	store := lockstore.NewMemoryStore(2)
	t.Cleanup(func() { store.Close() })
	mock := clock.NewMock()
	m := lockmanager.New(store, zap.NewNop(), lockmanager.Options{Clock: mock})
	return NewRegistry(m, mock, zap.NewNop()), m, mock
}

func TestRegistry_Lifecycle(t *testing.T) {
	ctx := context.Background()
	r, m, mock := setupRegistry(t)

	txn := r.Begin("planner")
	require.NotEmpty(t, txn.ID)
	require.Equal(t, TxnStateRunning, txn.State)
	require.Equal(t, "planner", txn.Agent)

	granted, err := m.Acquire(ctx, txn.ID, "R1")
	require.NoError(t, err)
	require.True(t, granted)

	mock.Add(time.Minute)
	require.NoError(t, r.Commit(ctx, txn.ID))
	got, ok := r.Get(txn.ID)
	require.True(t, ok)
	assert.Equal(t, TxnStateCommitted, got.State)
	assert.Equal(t, mock.Now(), got.EndedAt)

	held, err := m.HeldBy(ctx, txn.ID)
	require.NoError(t, err)
	assert.Empty(t, held)

	require.ErrorIs(t, r.Commit(ctx, txn.ID), ErrTransactionFinished)
	require.ErrorIs(t, r.Rollback(ctx, txn.ID), ErrTransactionFinished)

	r.Forget(txn.ID)
	_, ok = r.Get(txn.ID)
	assert.False(t, ok)
}

func TestRegistry_RollbackNotifiesListeners(t *testing.T) {
	ctx := context.Background()
	r, m, _ := setupRegistry(t)

	_, err := r.Register("T1", "coder")
	require.NoError(t, err)
	_, err = r.Register("T2", "reviewer")
	require.NoError(t, err)
	_, err = r.Register("T1", "dup")
	require.ErrorIs(t, err, ErrTransactionExists)

	for _, step := range [][2]string{{"T1", "R1"}, {"T2", "R1"}} {
		_, err := m.Acquire(ctx, step[0], step[1])
		require.NoError(t, err)
	}

	var aborted []Transaction
	r.OnAbort(func(txn Transaction) { aborted = append(aborted, txn) })

	require.NoError(t, r.Rollback(ctx, "T1"))
	require.Len(t, aborted, 1)
	assert.Equal(t, "T1", aborted[0].ID)
	assert.Equal(t, TxnStateAborted, aborted[0].State)
	assert.Equal(t, ReasonDeadlockVictim, aborted[0].AbortReason)

	// T2 was promoted when T1's lock was released.
	held, err := m.HeldBy(ctx, "T2")
	require.NoError(t, err)
	assert.Equal(t, []string{"R1"}, held)

	active := r.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "T2", active[0].ID)

	require.ErrorIs(t, r.Rollback(ctx, "nope"), ErrUnknownTransaction)
}

type failingReleaser struct{ err error }

func (f failingReleaser) ReleaseAll(ctx context.Context, txnID string) ([]string, error) {
	return nil, f.err
}

func TestRegistry_ReleaseFailureKeepsTransactionRunning(t *testing.T) {
	boom := errors.New("store down")
	r := NewRegistry(failingReleaser{err: boom}, nil, nil)
	txn := r.Begin("agent")

	notified := false
	r.OnAbort(func(Transaction) { notified = true })

	require.ErrorIs(t, r.Rollback(context.Background(), txn.ID), boom)
	got, _ := r.Get(txn.ID)
	assert.Equal(t, TxnStateRunning, got.State)
	assert.False(t, notified)

	r.Forget(txn.ID)
	_, ok := r.Get(txn.ID)
	assert.True(t, ok, "running transactions are not forgotten")
}

func TestRegistry_CommitWaitsForAdmittedAcquire(t *testing.T) {
	ctx := context.Background()
	r, m, _ := setupRegistry(t)
	txn := r.Begin("agent")

	done, err := r.Enter(txn.ID)
	require.NoError(t, err)

	committed := make(chan error, 1)
	go func() { committed <- r.Commit(ctx, txn.ID) }()

	// Once the commit has started no further operation is admitted.
	require.Eventually(t, func() bool {
		_, err := r.Enter(txn.ID)
		return errors.Is(err, ErrTransactionFinished)
	}, 2*time.Second, time.Millisecond)
	select {
	case err := <-committed:
		t.Fatalf("commit finished before the admitted acquire: %v", err)
	default:
	}

	// The admitted acquire lands while the commit waits for it.
	granted, err := m.Acquire(ctx, txn.ID, "R1")
	require.NoError(t, err)
	require.True(t, granted)
	done()
	done()

	require.NoError(t, <-committed)
	held, err := m.HeldBy(ctx, txn.ID)
	require.NoError(t, err)
	assert.Empty(t, held, "locks taken by admitted operations are released on commit")

	_, err = r.Enter(txn.ID)
	require.ErrorIs(t, err, ErrTransactionFinished)

	release, err := r.Enter("unmanaged")
	require.NoError(t, err)
	release()
}

func TestTransactionStateString(t *testing.T) {
	assert.Equal(t, "running", TxnStateRunning.String())
	assert.Equal(t, "committed", TxnStateCommitted.String())
	assert.Equal(t, "aborted", TxnStateAborted.String())
	assert.Equal(t, "TransactionState(9)", TransactionState(9).String())
}
