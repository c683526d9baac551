package lockservice

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojolock/core/deadlock"
	"github.com/sushant-115/gojolock/core/lockmanager"
	"github.com/sushant-115/gojolock/core/lockstore"
	"github.com/sushant-115/gojolock/core/lockstore/raftstore"
	"github.com/sushant-115/gojolock/core/transaction"
	internaltelemetry "github.com/sushant-115/gojolock/internal/telemetry"
	"github.com/sushant-115/gojolock/pkg/connection"
	applog "github.com/sushant-115/gojolock/pkg/logger"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type testNode struct {
	client   *Client
	registry *transaction.Registry
	manager  *lockmanager.Manager
	lis      *bufconn.Listener
}

func dialer(lis *bufconn.Listener) grpc.DialOption {
	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
}

func startServer(t *testing.T, deps Deps, opts ...grpc.ServerOption) *bufconn.Listener {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(opts...)
	RegisterLockServiceServer(srv, NewServer(deps, zaptest.NewLogger(t)))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)
	return lis
}

func dial(t *testing.T, lis *bufconn.Listener) *Client {
	t.Helper()
	cc, err := grpc.NewClient("passthrough:///bufnet", grpc.WithTransportCredentials(insecure.NewCredentials()), dialer(lis))
	require.NoError(t, err)
	t.Cleanup(func() { cc.Close() })
	return NewClient(cc)
}

func newTestNode(t *testing.T, opts ...grpc.ServerOption) *testNode {
	t.Helper()
	store := lockstore.NewMemoryStore(4)
	t.Cleanup(func() { store.Close() })
	manager := lockmanager.New(store, zap.NewNop(), lockmanager.Options{})
	registry := transaction.NewRegistry(manager, nil, zap.NewNop())
	coordinator := deadlock.NewCoordinator(store, registry, nil, zap.NewNop(), deadlock.Config{})

	lis := startServer(t, Deps{Manager: manager, Registry: registry, Coordinator: coordinator}, opts...)
	return &testNode{client: dial(t, lis), registry: registry, manager: manager, lis: lis}
}

func TestLockService_AcquireReleaseQueue(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t)

	granted, err := n.client.Acquire(ctx, "T1", "R1")
	require.NoError(t, err)
	assert.True(t, granted)

	granted, err = n.client.Acquire(ctx, "T2", "R1")
	require.NoError(t, err)
	assert.False(t, granted)

	locks, err := n.client.ListLocks(ctx)
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, "T1", locks[0].Holder)
	assert.Equal(t, []string{"T2"}, locks[0].Waiters)

	require.NoError(t, n.client.Release(ctx, "T1", "R1"))
	locks, err = n.client.ListLocks(ctx)
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, "T2", locks[0].Holder)

	_, err = n.client.Acquire(ctx, "T3", "R1")
	require.NoError(t, err)
	require.NoError(t, n.client.CancelWait(ctx, "T3", "R1"))

	released, err := n.client.ReleaseAll(ctx, "T2")
	require.NoError(t, err)
	assert.Equal(t, []string{"R1"}, released)
	locks, err = n.client.ListLocks(ctx)
	require.NoError(t, err)
	assert.Empty(t, locks)
}

func TestLockService_Transactions(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t)

	txn, err := n.client.Begin(ctx, "planner", "")
	require.NoError(t, err)
	require.NotEmpty(t, txn.ID)
	assert.Equal(t, transaction.TxnStateRunning, txn.State)

	_, err = n.client.Begin(ctx, "planner", txn.ID)
	require.ErrorIs(t, err, transaction.ErrTransactionExists)

	granted, err := n.client.Acquire(ctx, txn.ID, "repo")
	require.NoError(t, err)
	require.True(t, granted)

	committed, err := n.client.Commit(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, transaction.TxnStateCommitted, committed.State)

	locks, err := n.client.ListLocks(ctx)
	require.NoError(t, err)
	assert.Empty(t, locks)

	_, err = n.client.Acquire(ctx, txn.ID, "repo")
	require.ErrorIs(t, err, transaction.ErrTransactionFinished)

	_, err = n.client.Commit(ctx, "ghost")
	require.ErrorIs(t, err, transaction.ErrUnknownTransaction)

	other, err := n.client.Begin(ctx, "reviewer", "T-review")
	require.NoError(t, err)
	aborted, err := n.client.Abort(ctx, other.ID, "")
	require.NoError(t, err)
	assert.Equal(t, transaction.TxnStateAborted, aborted.State)
	assert.Equal(t, "aborted by client", aborted.AbortReason)
}

func TestLockService_ScanResolvesDeadlock(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t)

	for _, id := range []string{"T1", "T2"} {
		_, err := n.client.Begin(ctx, "agent-"+id, id)
		require.NoError(t, err)
	}
	steps := []struct {
		txn, res string
		granted  bool
	}{
		{"T1", "R1", true},
		{"T2", "R2", true},
		{"T1", "R2", false},
		{"T2", "R1", false},
	}
	for _, s := range steps {
		granted, err := n.client.Acquire(ctx, s.txn, s.res)
		require.NoError(t, err)
		require.Equal(t, s.granted, granted, "%s on %s", s.txn, s.res)
	}

	graph, err := n.client.Graph(ctx)
	require.NoError(t, err)
	require.Equal(t, [][]string{{"T1", "T2"}}, graph.Cycles)
	assert.Contains(t, graph.DOT, "digraph waitfor")

	report, err := n.client.Scan(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, report.ScanID)
	assert.Equal(t, [][]string{{"T1", "T2"}}, report.Cycles)
	assert.Equal(t, []string{"T1"}, report.Victims)

	victimTxn, ok := n.registry.Get("T1")
	require.True(t, ok)
	assert.Equal(t, transaction.TxnStateAborted, victimTxn.State)
	assert.Equal(t, transaction.ReasonDeadlockVictim, victimTxn.AbortReason)

	held, err := n.manager.HeldBy(ctx, "T2")
	require.NoError(t, err)
	assert.Equal(t, []string{"R1", "R2"}, held)

	graph, err = n.client.Graph(ctx)
	require.NoError(t, err)
	assert.Empty(t, graph.Cycles)
}

func TestLockService_ErrorMapping(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t)

	_, err := n.client.Acquire(ctx, "", "R1")
	require.ErrorIs(t, err, lockmanager.ErrInvalidArgument)
	_, err = n.client.ReleaseAll(ctx, "")
	require.ErrorIs(t, err, lockmanager.ErrInvalidArgument)

	err = n.client.ApplyCommand(ctx, []byte(`{}`))
	require.ErrorIs(t, err, ErrUnsupported)
	err = n.client.Join(ctx, "node2", "127.0.0.1:7071")
	require.ErrorIs(t, err, ErrUnsupported)

	// Scan and transactions are unsupported without a coordinator or registry.
	store := lockstore.NewMemoryStore(1)
	defer store.Close()
	bare := dial(t, startServer(t, Deps{Manager: lockmanager.New(store, nil, lockmanager.Options{})}))
	_, err = bare.Scan(ctx)
	require.ErrorIs(t, err, ErrUnsupported)
	_, err = bare.Begin(ctx, "a", "")
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestStatusRoundTrip(t *testing.T) {
	cases := []struct {
		err, want error
	}{
		{lockstore.Unavailable("get", assert.AnError), lockstore.ErrStoreUnavailable},
		{lockstore.ErrConflict, lockstore.ErrConflict},
		{lockstore.ErrInvalidResourceState, lockstore.ErrInvalidResourceState},
		{transaction.ErrTransactionFinished, transaction.ErrTransactionFinished},
		{deadlock.ErrScanInProgress, deadlock.ErrScanInProgress},
		{raft.ErrNotLeader, lockstore.ErrStoreUnavailable},
		{context.DeadlineExceeded, context.DeadlineExceeded},
	}
	for _, tc := range cases {
		assert.ErrorIs(t, fromStatus(toStatus(tc.err)), tc.want, tc.err.Error())
	}

	assert.Equal(t, codes.Internal, status.Code(toStatus(assert.AnError)))
	assert.Nil(t, toStatus(nil))
	assert.Nil(t, fromStatus(nil))
	already := status.Error(codes.PermissionDenied, "no")
	assert.Equal(t, already, toStatus(already))
	assert.Equal(t, already, fromStatus(already))
}

func TestUnaryServerInterceptor_MetricsAndRecovery(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := internaltelemetry.NewRPCMetrics(provider.Meter("test"))
	require.NoError(t, err)

	n := newTestNode(t, grpc.UnaryInterceptor(UnaryServerInterceptor(metrics, zaptest.NewLogger(t))))
	_, err = n.client.Acquire(context.Background(), "T1", "R1")
	require.NoError(t, err)
	_, err = n.client.Acquire(context.Background(), "", "R1")
	require.Error(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	totals := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					totals[m.Name] += dp.Value
				}
			}
		}
	}
	assert.EqualValues(t, 2, totals["gojolock.grpc.server.started_total"])
	assert.EqualValues(t, 2, totals["gojolock.grpc.server.handled_total"])
	assert.EqualValues(t, 0, totals["gojolock.grpc.server.active_rpcs"])

	interceptor := UnaryServerInterceptor(nil, nil)
	resp, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: MethodScan},
		func(context.Context, any) (any, error) { panic("boom") })
	assert.Nil(t, resp)
	assert.Equal(t, codes.Internal, status.Code(err))
}

func newRaftLeader(t *testing.T) *raftstore.Store {
	t.Helper()
	config := raft.DefaultConfig()
	config.LocalID = "node1"
	config.HeartbeatTimeout = 50 * time.Millisecond
	config.ElectionTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 50 * time.Millisecond
	config.CommitTimeout = 5 * time.Millisecond
	config.Logger = applog.HCLog(zap.NewNop())

	store := raft.NewInmemStore()
	addr, transport := raft.NewInmemTransport("")
	fsm := raftstore.NewFSM(zap.NewNop())
	r, err := raft.NewRaft(config, fsm, store, store, raft.NewInmemSnapshotStore(), transport)
	require.NoError(t, err)
	require.NoError(t, r.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{{ID: config.LocalID, Address: addr}},
	}).Error())
	require.Eventually(t, func() bool { return r.State() == raft.Leader }, 5*time.Second, 10*time.Millisecond)

	s := raftstore.NewStore(r, fsm, raftstore.Options{}, zap.NewNop())
	t.Cleanup(func() { s.Close() })
	return s
}

func TestForwarder_AppliesOnLeader(t *testing.T) {
	ctx := context.Background()
	leader := newRaftLeader(t)
	manager := lockmanager.New(leader, zap.NewNop(), lockmanager.Options{})
	lis := startServer(t, Deps{Manager: manager, Raft: leader})

	pool := connection.NewPoolManager(1, grpc.WithTransportCredentials(insecure.NewCredentials()), dialer(lis))
	defer pool.Close()
	fwd := NewForwarder(pool)

	cmd, err := json.Marshal(raftstore.Command{
		Op:         raftstore.OpSetLock,
		ResourceID: "R1",
		Lock:       lockstore.NewResourceLock("R1", "T1", time.Now()),
	})
	require.NoError(t, err)
	require.NoError(t, fwd.Forward(ctx, "passthrough:///leader", cmd))

	got, err := leader.Get(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, "T1", got.Holder)

	// A compare-and-swap against a stale version comes back as ErrConflict.
	stale, err := json.Marshal(raftstore.Command{
		Op:              raftstore.OpCompareAndSwap,
		ResourceID:      "R1",
		Lock:            lockstore.NewResourceLock("R1", "T9", time.Now()),
		ExpectedVersion: 0,
	})
	require.NoError(t, err)
	require.ErrorIs(t, fwd.Forward(ctx, "passthrough:///leader", stale), lockstore.ErrConflict)

	// Join is validated before touching raft.
	client := dial(t, lis)
	require.ErrorIs(t, client.Join(ctx, "", ""), lockmanager.ErrInvalidArgument)
}
