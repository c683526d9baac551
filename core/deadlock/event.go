package deadlock

import (
	"context"
	"time"
)

// EventKind tags a resolution event.
type EventKind string

const (
	// EventDeadlockDetected is logged once per cycle found in a scan.
	EventDeadlockDetected EventKind = "deadlock_detected"
	// EventVictimRolledBack is logged after a victim was rolled back.
	EventVictimRolledBack EventKind = "victim_rolled_back"
	// EventRollbackFailed is logged when the rollbacker returned an error.
	EventRollbackFailed EventKind = "rollback_failed"
	// EventRollbackDeferred is logged when the rollback rate limit postponed
	// a victim to a later scan.
	EventRollbackDeferred EventKind = "rollback_deferred"
	// EventStaleCycle is logged when a cycle dissolved between the snapshot
	// and its resolution.
	EventStaleCycle EventKind = "stale_cycle"
	// EventInvalidState is logged for every malformed record removed.
	EventInvalidState EventKind = "invalid_state"
)

// Event is one entry of the resolution log.
type Event struct {
	Kind       EventKind `json:"kind"`
	ScanID     string    `json:"scan_id"`
	Cycle      []string  `json:"cycle,omitempty"`
	Victim     string    `json:"victim,omitempty"`
	ResourceID string    `json:"resource_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Error      string    `json:"error,omitempty"`
}

// EventLogger records resolution events. Failures are reported but never
// interrupt a scan.
type EventLogger interface {
	Log(ctx context.Context, ev Event) error
}

// EventLoggerFunc adapts a function to EventLogger.
type EventLoggerFunc func(ctx context.Context, ev Event) error

func (f EventLoggerFunc) Log(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Rollbacker aborts a transaction. A successful Rollback must release every
// lock the transaction holds and withdraw it from every wait queue.
type Rollbacker interface {
	Rollback(ctx context.Context, txnID string) error
}

// RollbackFunc adapts a function to Rollbacker.
type RollbackFunc func(ctx context.Context, txnID string) error

func (f RollbackFunc) Rollback(ctx context.Context, txnID string) error { return f(ctx, txnID) }
