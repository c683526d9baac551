package lockservice

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/raft"
	"github.com/sushant-115/gojolock/core/deadlock"
	"github.com/sushant-115/gojolock/core/lockmanager"
	"github.com/sushant-115/gojolock/core/lockstore"
	"github.com/sushant-115/gojolock/core/lockstore/raftstore"
	"github.com/sushant-115/gojolock/core/transaction"
	"github.com/sushant-115/gojolock/core/waitgraph"
	"go.uber.org/zap"
)

const joinTimeout = 10 * time.Second

// Deps are the node components served by a Server. Raft is nil unless the
// node uses the raft backend.
type Deps struct {
	Manager     *lockmanager.Manager
	Registry    *transaction.Registry
	Coordinator *deadlock.Coordinator
	Raft        *raftstore.Store
}

// Server implements LockServiceServer.
type Server struct {
	deps   Deps
	logger *zap.Logger
}

var _ LockServiceServer = (*Server)(nil)

// NewServer returns a server over deps.
func NewServer(deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{deps: deps, logger: logger.Named("lock_service")}
}

// enter admits a lock operation for txnID. Finished transactions the
// registry knows about are rejected. Unknown ids are allowed: callers may
// manage transaction ids themselves.
func (s *Server) enter(txnID string) (func(), error) {
	if s.deps.Registry == nil {
		return func() {}, nil
	}
	return s.deps.Registry.Enter(txnID)
}

func (s *Server) Acquire(ctx context.Context, req LockRequest) (AcquireResponse, error) {
	done, err := s.enter(req.TxnID)
	if err != nil {
		return AcquireResponse{}, err
	}
	defer done()
	granted, err := s.deps.Manager.Acquire(ctx, req.TxnID, req.ResourceID)
	return AcquireResponse{Granted: granted}, err
}

func (s *Server) Release(ctx context.Context, req LockRequest) (Empty, error) {
	return Empty{}, s.deps.Manager.Release(ctx, req.TxnID, req.ResourceID)
}

func (s *Server) CancelWait(ctx context.Context, req LockRequest) (Empty, error) {
	return Empty{}, s.deps.Manager.CancelWait(ctx, req.TxnID, req.ResourceID)
}

func (s *Server) ReleaseAll(ctx context.Context, req TxnRequest) (ReleaseAllResponse, error) {
	if req.TxnID == "" {
		return ReleaseAllResponse{}, fmt.Errorf("%w: empty transaction id", lockmanager.ErrInvalidArgument)
	}
	released, err := s.deps.Manager.ReleaseAll(ctx, req.TxnID)
	return ReleaseAllResponse{Released: released}, err
}

func (s *Server) ListLocks(ctx context.Context, _ Empty) (ListLocksResponse, error) {
	locks, err := s.deps.Manager.Locks(ctx)
	return ListLocksResponse{Locks: locks}, err
}

func (s *Server) Scan(ctx context.Context, _ Empty) (ScanResponse, error) {
	if s.deps.Coordinator == nil {
		return ScanResponse{}, fmt.Errorf("%w: deadlock detection is disabled", ErrUnsupported)
	}
	report, err := s.deps.Coordinator.ScanOnce(ctx)
	return ScanResponse{Report: report}, err
}

func (s *Server) Graph(ctx context.Context, _ Empty) (GraphResponse, error) {
	locks, err := s.deps.Manager.Locks(ctx)
	if err != nil {
		return GraphResponse{}, err
	}
	g := waitgraph.Build(locks)
	cycles := g.FindCycles()
	return GraphResponse{Cycles: cycles, DOT: g.DOT(cycles)}, nil
}

func (s *Server) Begin(_ context.Context, req BeginRequest) (TransactionResponse, error) {
	if s.deps.Registry == nil {
		return TransactionResponse{}, fmt.Errorf("%w: no transaction registry", ErrUnsupported)
	}
	if req.TxnID == "" {
		return TransactionResponse{Transaction: s.deps.Registry.Begin(req.Agent)}, nil
	}
	t, err := s.deps.Registry.Register(req.TxnID, req.Agent)
	return TransactionResponse{Transaction: t}, err
}

func (s *Server) Commit(ctx context.Context, req TxnRequest) (TransactionResponse, error) {
	if s.deps.Registry == nil {
		return TransactionResponse{}, fmt.Errorf("%w: no transaction registry", ErrUnsupported)
	}
	if err := s.deps.Registry.Commit(ctx, req.TxnID); err != nil {
		return TransactionResponse{}, err
	}
	t, _ := s.deps.Registry.Get(req.TxnID)
	return TransactionResponse{Transaction: t}, nil
}

func (s *Server) Abort(ctx context.Context, req AbortRequest) (TransactionResponse, error) {
	if s.deps.Registry == nil {
		return TransactionResponse{}, fmt.Errorf("%w: no transaction registry", ErrUnsupported)
	}
	reason := req.Reason
	if reason == "" {
		reason = "aborted by client"
	}
	if err := s.deps.Registry.Abort(ctx, req.TxnID, reason); err != nil {
		return TransactionResponse{}, err
	}
	t, _ := s.deps.Registry.Get(req.TxnID)
	return TransactionResponse{Transaction: t}, nil
}

// ApplyCommand is the receiving end of follower forwarding. Only the leader
// accepts commands so a forwarded command is never forwarded again.
func (s *Server) ApplyCommand(ctx context.Context, req ApplyCommandRequest) (Empty, error) {
	if s.deps.Raft == nil {
		return Empty{}, ErrUnsupported
	}
	if !s.deps.Raft.IsLeader() {
		return Empty{}, lockstore.Unavailable("apply forwarded command", raft.ErrNotLeader)
	}
	return Empty{}, s.deps.Raft.ApplyCommand(ctx, req.Command)
}

// Join adds a voter to the cluster. It must be sent to the leader.
func (s *Server) Join(_ context.Context, req JoinRequest) (Empty, error) {
	if s.deps.Raft == nil {
		return Empty{}, ErrUnsupported
	}
	if req.NodeID == "" || req.RaftAddr == "" {
		return Empty{}, fmt.Errorf("%w: node_id and raft_addr are required", lockmanager.ErrInvalidArgument)
	}
	r := s.deps.Raft.Raft()
	if r.State() != raft.Leader {
		return Empty{}, lockstore.Unavailable("join", raft.ErrNotLeader)
	}
	future := r.AddVoter(raft.ServerID(req.NodeID), raft.ServerAddress(req.RaftAddr), 0, joinTimeout)
	if err := future.Error(); err != nil {
		return Empty{}, lockstore.Unavailable("join", err)
	}
	s.logger.Info("Node joined raft cluster", zap.String("node_id", req.NodeID), zap.String("raft_addr", req.RaftAddr))
	return Empty{}, nil
}
