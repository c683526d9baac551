// Package raftstore replicates the lock table across a cluster of gojolock
// nodes with HashiCorp Raft. Reads are served from the local FSM; writes are
// compare-and-swap commands applied through the leader, so concurrent
// read-modify-write cycles on the same resource cannot both succeed.
package raftstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/hashicorp/raft"
	"github.com/sushant-115/gojolock/core/lockstore"
	"go.uber.org/zap"
)

const (
	defaultApplyTimeout = 5 * time.Second
	defaultMaxRetries   = 32
	conflictBackoff     = 5 * time.Millisecond
)

// Forwarder ships a serialized Command to the leader when this node is a
// follower. grpcAddr is the leader's lock service address.
type Forwarder interface {
	Forward(ctx context.Context, grpcAddr string, command []byte) error
}

// Options tune a Store.
type Options struct {
	// Forwarder is used on followers; without one, writes on a follower fail
	// with ErrStoreUnavailable.
	Forwarder Forwarder
	// Peers maps raft server ids to lock service addresses for forwarding.
	Peers map[string]string
	// ApplyTimeout bounds a single raft Apply when ctx has no deadline.
	ApplyTimeout time.Duration
	// MaxRetries bounds compare-and-swap retries per Update.
	MaxRetries int
	// Closers are closed after raft shuts down (log stores, transports).
	Closers []io.Closer
}

// Store implements lockstore.Store on a raft cluster.
type Store struct {
	raft   *raft.Raft
	fsm    *FSM
	opts   Options
	logger *zap.Logger
	closed atomic.Bool
}

// NewStore wraps a running raft node whose FSM is fsm.
func NewStore(r *raft.Raft, fsm *FSM, opts Options, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ApplyTimeout <= 0 {
		opts.ApplyTimeout = defaultApplyTimeout
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	return &Store{raft: r, fsm: fsm, opts: opts, logger: logger}
}

func (s *Store) checkOpen(op string) error {
	if s.closed.Load() {
		return lockstore.Unavailable(op, raft.ErrRaftShutdown)
	}
	return nil
}

// Get implements lockstore.Store. The answer reflects this node's applied
// log, which may trail the leader by a few entries on followers.
func (s *Store) Get(ctx context.Context, resourceID string) (*lockstore.ResourceLock, error) {
	if err := s.checkOpen("get"); err != nil {
		return nil, err
	}
	l := s.fsm.Lock(resourceID)
	if l == nil {
		return nil, lockstore.ErrNotFound
	}
	return l, nil
}

// Set implements lockstore.Store.
func (s *Store) Set(ctx context.Context, resourceID string, lock *lockstore.ResourceLock) error {
	if err := s.checkOpen("set"); err != nil {
		return err
	}
	return s.apply(ctx, Command{Op: OpSetLock, ResourceID: resourceID, Lock: lock.Clone()})
}

// Remove implements lockstore.Store.
func (s *Store) Remove(ctx context.Context, resourceID string) error {
	if err := s.checkOpen("remove"); err != nil {
		return err
	}
	return s.apply(ctx, Command{Op: OpRemoveLock, ResourceID: resourceID})
}

// List implements lockstore.Store.
func (s *Store) List(ctx context.Context) ([]*lockstore.ResourceLock, error) {
	if err := s.checkOpen("list"); err != nil {
		return nil, err
	}
	return s.fsm.Locks(), nil
}

// Update implements lockstore.Store with optimistic compare-and-swap on the
// record version.
func (s *Store) Update(ctx context.Context, resourceID string, fn lockstore.MutateFunc) error {
	if err := s.checkOpen("update"); err != nil {
		return err
	}
	for attempt := 0; attempt < s.opts.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		current := s.fsm.Lock(resourceID)
		next, write, err := lockstore.Apply(resourceID, current, fn)
		if err != nil || !write {
			return err
		}
		var expected uint64
		if current != nil {
			expected = current.Version
		}
		err = s.apply(ctx, Command{
			Op:              OpCompareAndSwap,
			ResourceID:      resourceID,
			Lock:            next,
			ExpectedVersion: expected,
		})
		if !errors.Is(err, lockstore.ErrConflict) {
			return err
		}
		s.logger.Debug("Lock update conflicted, retrying", zap.String("resource_id", resourceID), zap.Int("attempt", attempt+1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(conflictBackoff):
		}
	}
	return fmt.Errorf("%w: resource %q after %d attempts", lockstore.ErrConflict, resourceID, s.opts.MaxRetries)
}

// ApplyCommand applies a serialized Command on the leader. It is the
// receiving end of Forwarder.
func (s *Store) ApplyCommand(ctx context.Context, data []byte) error {
	if err := s.checkOpen("apply"); err != nil {
		return err
	}
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return fmt.Errorf("invalid forwarded command: %w", err)
	}
	return s.apply(ctx, cmd)
}

func (s *Store) apply(ctx context.Context, cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal raft command: %w", err)
	}

	if s.raft.State() != raft.Leader {
		return s.forward(ctx, data)
	}

	timeout := s.opts.ApplyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return context.DeadlineExceeded
		}
	}
	future := s.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		return lockstore.Unavailable("raft apply", err)
	}
	if resp, ok := future.Response().(error); ok && resp != nil {
		return resp
	}
	return nil
}

func (s *Store) forward(ctx context.Context, data []byte) error {
	_, leaderID := s.raft.LeaderWithID()
	if leaderID == "" {
		return lockstore.Unavailable("forward", raft.ErrNotLeader)
	}
	if s.opts.Forwarder == nil {
		return lockstore.Unavailable("forward", fmt.Errorf("%w: no forwarder configured, leader is %s", raft.ErrNotLeader, leaderID))
	}
	addr, ok := s.opts.Peers[string(leaderID)]
	if !ok {
		return lockstore.Unavailable("forward", fmt.Errorf("no lock service address known for leader %s", leaderID))
	}
	return s.opts.Forwarder.Forward(ctx, addr, data)
}

// IsLeader reports whether this node currently leads the cluster. The
// deadlock detector runs only on the leader.
func (s *Store) IsLeader() bool {
	return s.raft.State() == raft.Leader
}

// Raft exposes the underlying raft node, e.g. for membership changes.
func (s *Store) Raft() *raft.Raft {
	return s.raft
}

// Close shuts raft down and closes the log stores.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := s.raft.Shutdown().Error()
	for _, c := range s.opts.Closers {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
