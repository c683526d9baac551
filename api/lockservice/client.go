package lockservice

import (
	"context"

	"github.com/sushant-115/gojolock/core/deadlock"
	"github.com/sushant-115/gojolock/core/lockstore"
	"github.com/sushant-115/gojolock/core/lockstore/raftstore"
	"github.com/sushant-115/gojolock/core/transaction"
	"github.com/sushant-115/gojolock/pkg/connection"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls a remote lock service. Errors match the server-side sentinels
// (lockstore.ErrStoreUnavailable, transaction.ErrUnknownTransaction, ...).
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps a connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, req any, opts ...grpc.CallOption) (Resp, error) {
	var out Resp
	in, err := toStruct(req)
	if err != nil {
		return out, err
	}
	reply := new(structpb.Struct)
	if err := cc.Invoke(ctx, method, in, reply, opts...); err != nil {
		return out, fromStatus(err)
	}
	if err := fromStruct(reply, &out); err != nil {
		return out, err
	}
	return out, nil
}

// Acquire requests the lock; false means the transaction was queued.
func (c *Client) Acquire(ctx context.Context, txnID, resourceID string) (bool, error) {
	resp, err := invoke[AcquireResponse](ctx, c.cc, MethodAcquire, LockRequest{TxnID: txnID, ResourceID: resourceID})
	return resp.Granted, err
}

func (c *Client) Release(ctx context.Context, txnID, resourceID string) error {
	_, err := invoke[Empty](ctx, c.cc, MethodRelease, LockRequest{TxnID: txnID, ResourceID: resourceID})
	return err
}

func (c *Client) CancelWait(ctx context.Context, txnID, resourceID string) error {
	_, err := invoke[Empty](ctx, c.cc, MethodCancelWait, LockRequest{TxnID: txnID, ResourceID: resourceID})
	return err
}

func (c *Client) ReleaseAll(ctx context.Context, txnID string) ([]string, error) {
	resp, err := invoke[ReleaseAllResponse](ctx, c.cc, MethodReleaseAll, TxnRequest{TxnID: txnID})
	return resp.Released, err
}

func (c *Client) ListLocks(ctx context.Context) ([]*lockstore.ResourceLock, error) {
	resp, err := invoke[ListLocksResponse](ctx, c.cc, MethodListLocks, Empty{})
	return resp.Locks, err
}

// Scan runs a deadlock scan on the server and returns its report.
func (c *Client) Scan(ctx context.Context) (deadlock.Report, error) {
	resp, err := invoke[ScanResponse](ctx, c.cc, MethodScan, Empty{})
	return resp.Report, err
}

// Graph returns the wait-for graph cycles and its DOT rendering.
func (c *Client) Graph(ctx context.Context) (GraphResponse, error) {
	return invoke[GraphResponse](ctx, c.cc, MethodGraph, Empty{})
}

// Begin starts a transaction. An empty txnID lets the server pick one.
func (c *Client) Begin(ctx context.Context, agent, txnID string) (transaction.Transaction, error) {
	resp, err := invoke[TransactionResponse](ctx, c.cc, MethodBegin, BeginRequest{Agent: agent, TxnID: txnID})
	return resp.Transaction, err
}

func (c *Client) Commit(ctx context.Context, txnID string) (transaction.Transaction, error) {
	resp, err := invoke[TransactionResponse](ctx, c.cc, MethodCommit, TxnRequest{TxnID: txnID})
	return resp.Transaction, err
}

func (c *Client) Abort(ctx context.Context, txnID, reason string) (transaction.Transaction, error) {
	resp, err := invoke[TransactionResponse](ctx, c.cc, MethodAbort, AbortRequest{TxnID: txnID, Reason: reason})
	return resp.Transaction, err
}

// ApplyCommand sends a serialized raft command to the leader.
func (c *Client) ApplyCommand(ctx context.Context, command []byte) error {
	_, err := invoke[Empty](ctx, c.cc, MethodApplyCommand, ApplyCommandRequest{Command: command})
	return err
}

// Join asks the leader to add a voter.
func (c *Client) Join(ctx context.Context, nodeID, raftAddr string) error {
	_, err := invoke[Empty](ctx, c.cc, MethodJoin, JoinRequest{NodeID: nodeID, RaftAddr: raftAddr})
	return err
}

// Forwarder implements raftstore.Forwarder over pooled gRPC connections.
type Forwarder struct {
	pool *connection.PoolManager
}

var _ raftstore.Forwarder = (*Forwarder)(nil)

// NewForwarder forwards through pool.
func NewForwarder(pool *connection.PoolManager) *Forwarder {
	return &Forwarder{pool: pool}
}

func (f *Forwarder) Forward(ctx context.Context, grpcAddr string, command []byte) error {
	cc, err := f.pool.Get(grpcAddr)
	if err != nil {
		return lockstore.Unavailable("forward dial", err)
	}
	return NewClient(cc).ApplyCommand(ctx, command)
}
