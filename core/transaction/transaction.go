// Package transaction tracks the agent transactions that take locks through
// the lock manager. The Registry is the rollback collaborator of the deadlock
// coordinator: rolling a transaction back releases all of its locks and
// notifies the owning agent through abort listeners.
package transaction

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TransactionState represents the lifecycle state of an agent transaction.
type TransactionState int

const (
	TxnStateRunning   TransactionState = iota // Transaction is active and may take locks
	TxnStateCommitted                         // Transaction finished and released its locks
	TxnStateAborted                           // Transaction was rolled back
)

func (s TransactionState) String() string {
	switch s {
	case TxnStateRunning:
		return "running"
	case TxnStateCommitted:
		return "committed"
	case TxnStateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("TransactionState(%d)", int(s))
	}
}

var (
	ErrUnknownTransaction  = errors.New("transaction: unknown transaction")
	ErrTransactionFinished = errors.New("transaction: transaction already finished")
	ErrTransactionExists   = errors.New("transaction: transaction id already registered")
)

// ReasonDeadlockVictim is the abort reason recorded by Rollback.
const ReasonDeadlockVictim = "deadlock victim"

// Transaction is a snapshot of one agent transaction.
type Transaction struct {
	ID          string           `json:"id"`
	Agent       string           `json:"agent,omitempty"`
	State       TransactionState `json:"state"`
	StartedAt   time.Time        `json:"started_at"`
	EndedAt     time.Time        `json:"ended_at,omitempty"`
	AbortReason string           `json:"abort_reason,omitempty"`

	ending   bool // a Commit or Abort is releasing locks
	inflight int  // lock operations admitted by Enter and not yet done
}

// Releaser frees every lock of a transaction. lockmanager.Manager implements it.
type Releaser interface {
	ReleaseAll(ctx context.Context, txnID string) ([]string, error)
}

// AbortListener is told about every aborted transaction.
type AbortListener func(txn Transaction)

// Registry keeps the transactions of this node.
type Registry struct {
	mu        sync.Mutex
	drained   *sync.Cond // signalled when a transaction's inflight drops to zero
	txns      map[string]*Transaction
	listeners []AbortListener
	releaser  Releaser
	clock     clock.Clock
	logger    *zap.Logger
}

// NewRegistry creates an empty registry. clk may be nil.
func NewRegistry(releaser Releaser, clk clock.Clock, logger *zap.Logger) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		txns:     make(map[string]*Transaction),
		releaser: releaser,
		clock:    clk,
		logger:   logger,
	}
	r.drained = sync.NewCond(&r.mu)
	return r
}

// Begin starts a transaction with a fresh id on behalf of agent.
func (r *Registry) Begin(agent string) Transaction {
	t, _ := r.Register(uuid.NewString(), agent)
	return t
}

// Register starts a transaction under a caller-chosen id.
func (r *Registry) Register(id, agent string) (Transaction, error) {
	if id == "" {
		return Transaction{}, fmt.Errorf("%w: empty id", ErrUnknownTransaction)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.txns[id]; ok {
		return Transaction{}, fmt.Errorf("%w: %s", ErrTransactionExists, id)
	}
	t := &Transaction{ID: id, Agent: agent, State: TxnStateRunning, StartedAt: r.clock.Now()}
	r.txns[id] = t
	r.logger.Debug("Transaction started", zap.String("txn_id", id), zap.String("agent", agent))
	return *t, nil
}

// Get returns a snapshot of the transaction.
func (r *Registry) Get(id string) (Transaction, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.txns[id]
	if !ok {
		return Transaction{}, false
	}
	return *t, true
}

// Active returns the running transactions sorted by id.
func (r *Registry) Active() []Transaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Transaction
	for _, t := range r.txns {
		if t.State == TxnStateRunning {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Forget drops a finished transaction from the registry.
func (r *Registry) Forget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.txns[id]; ok && t.State != TxnStateRunning {
		delete(r.txns, id)
	}
}

// Enter admits a lock operation of transaction id. It fails with
// ErrTransactionFinished once a Commit or Abort of id has started, and those
// wait for admitted operations to call done before releasing locks. Unknown
// ids are admitted without tracking.
func (r *Registry) Enter(id string) (done func(), err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.txns[id]
	if !ok {
		return func() {}, nil
	}
	if t.ending {
		return nil, fmt.Errorf("%w: %s is finishing", ErrTransactionFinished, id)
	}
	if t.State != TxnStateRunning {
		return nil, fmt.Errorf("%w: %s is %s", ErrTransactionFinished, id, t.State)
	}
	t.inflight++
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			t.inflight--
			if t.inflight == 0 {
				r.drained.Broadcast()
			}
		})
	}, nil
}

// OnAbort registers a listener for aborted transactions.
func (r *Registry) OnAbort(l AbortListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Commit releases the transaction's locks and marks it committed.
func (r *Registry) Commit(ctx context.Context, id string) error {
	_, err := r.finish(ctx, id, TxnStateCommitted, "")
	return err
}

// Abort releases the transaction's locks, marks it aborted and notifies the
// abort listeners.
func (r *Registry) Abort(ctx context.Context, id, reason string) error {
	t, err := r.finish(ctx, id, TxnStateAborted, reason)
	if err != nil {
		return err
	}
	r.mu.Lock()
	listeners := append([]AbortListener(nil), r.listeners...)
	r.mu.Unlock()
	for _, l := range listeners {
		l(t)
	}
	return nil
}

// Rollback aborts a deadlock victim.
func (r *Registry) Rollback(ctx context.Context, id string) error {
	return r.Abort(ctx, id, ReasonDeadlockVictim)
}

// finish moves a running transaction to a final state once its in-flight lock
// operations are done. If releasing its locks fails the transaction stays
// running so the call can be retried.
func (r *Registry) finish(ctx context.Context, id string, state TransactionState, reason string) (Transaction, error) {
	r.mu.Lock()
	t, ok := r.txns[id]
	switch {
	case !ok:
		r.mu.Unlock()
		return Transaction{}, fmt.Errorf("%w: %s", ErrUnknownTransaction, id)
	case t.State != TxnStateRunning || t.ending:
		r.mu.Unlock()
		return Transaction{}, fmt.Errorf("%w: %s is %s", ErrTransactionFinished, id, t.State)
	}
	t.ending = true
	for t.inflight > 0 {
		r.drained.Wait()
	}
	r.mu.Unlock()

	released, err := r.releaser.ReleaseAll(ctx, id)

	r.mu.Lock()
	defer r.mu.Unlock()
	t.ending = false
	if err != nil {
		r.logger.Error("Failed to release locks of finishing transaction", zap.String("txn_id", id), zap.Stringer("target_state", state), zap.Error(err))
		return Transaction{}, fmt.Errorf("finish %s: %w", id, err)
	}
	t.State = state
	t.EndedAt = r.clock.Now()
	t.AbortReason = reason
	r.logger.Info("Transaction finished",
		zap.String("txn_id", id),
		zap.Stringer("state", state),
		zap.String("reason", reason),
		zap.Strings("released", released))
	return *t, nil
}
