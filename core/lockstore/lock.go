// Package lockstore defines the shared, durable mapping from resource
// identifiers to lock state used by the gojolock lock manager and deadlock
// detector, together with the in-memory backend. Networked and replicated
// backends live in the boltstore, redisstore and raftstore sub-packages.
package lockstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ResourceLock is the persisted lock state of one contended resource.
// It is designed to be JSON serializable so every backend can store it as an
// opaque value under a string key.
type ResourceLock struct {
	ResourceID string    `json:"resource_id"`
	Holder     string    `json:"holder,omitempty"`  // Transaction currently holding the lock, empty if unheld
	Waiters    []string  `json:"waiters,omitempty"` // FIFO queue of waiting transactions
	AcquiredAt time.Time `json:"acquired_at"`       // When the current holder took the lock
	Version    uint64    `json:"version"`           // Bumped by the store on every write

	// Corrupt is set by List on records whose stored value could not be
	// decoded. Such a record carries only its ResourceID.
	Corrupt error `json:"-"`
}

// CorruptRecord returns the placeholder List yields for an undecodable
// record stored under resourceID.
func CorruptRecord(resourceID string, err error) *ResourceLock {
	return &ResourceLock{ResourceID: resourceID, Corrupt: err}
}

// NewResourceLock returns a lock held by holder since acquiredAt.
func NewResourceLock(resourceID, holder string, acquiredAt time.Time) *ResourceLock {
	return &ResourceLock{
		ResourceID: resourceID,
		Holder:     holder,
		AcquiredAt: acquiredAt,
	}
}

// Clone returns a deep copy of the lock. Clone of nil is nil.
func (l *ResourceLock) Clone() *ResourceLock {
	if l == nil {
		return nil
	}
	c := *l
	if l.Waiters != nil {
		c.Waiters = make([]string, len(l.Waiters))
		copy(c.Waiters, l.Waiters)
	}
	return &c
}

// Held reports whether some transaction holds the lock.
func (l *ResourceLock) Held() bool {
	return l != nil && l.Holder != ""
}

// Idle reports whether the lock has neither a holder nor waiters and can be
// garbage collected.
func (l *ResourceLock) Idle() bool {
	return l == nil || (l.Holder == "" && len(l.Waiters) == 0)
}

// IsWaiting reports whether txnID is queued on this resource.
func (l *ResourceLock) IsWaiting(txnID string) bool {
	if l == nil {
		return false
	}
	for _, w := range l.Waiters {
		if w == txnID {
			return true
		}
	}
	return false
}

// Enqueue appends txnID to the wait queue unless it is already queued.
// It returns false if nothing changed.
func (l *ResourceLock) Enqueue(txnID string) bool {
	if l.IsWaiting(txnID) {
		return false
	}
	l.Waiters = append(l.Waiters, txnID)
	return true
}

// Dequeue removes txnID from the wait queue, keeping the order of the
// remaining waiters. It returns false if txnID was not queued.
func (l *ResourceLock) Dequeue(txnID string) bool {
	for i, w := range l.Waiters {
		if w == txnID {
			l.Waiters = append(l.Waiters[:i], l.Waiters[i+1:]...)
			if len(l.Waiters) == 0 {
				l.Waiters = nil
			}
			return true
		}
	}
	return false
}

// PromoteNext hands the lock to the first waiter. It returns the new holder,
// or an empty string if nobody was waiting (the lock is then unheld).
func (l *ResourceLock) PromoteNext(now time.Time) string {
	if len(l.Waiters) == 0 {
		l.Holder = ""
		l.AcquiredAt = time.Time{}
		return ""
	}
	next := l.Waiters[0]
	l.Waiters = l.Waiters[1:]
	if len(l.Waiters) == 0 {
		l.Waiters = nil
	}
	l.Holder = next
	l.AcquiredAt = now
	return next
}

// Validate checks the structural invariants of a lock record:
// waiters require a holder, the holder never waits on its own resource and
// each transaction is queued at most once. Corrupt records never validate.
func (l *ResourceLock) Validate() error {
	if l == nil {
		return nil
	}
	if l.Corrupt != nil {
		if errors.Is(l.Corrupt, ErrInvalidResourceState) {
			return fmt.Errorf("resource %q: %w", l.ResourceID, l.Corrupt)
		}
		return fmt.Errorf("%w: resource %q: %v", ErrInvalidResourceState, l.ResourceID, l.Corrupt)
	}
	if l.ResourceID == "" {
		return fmt.Errorf("%w: empty resource id", ErrInvalidResourceState)
	}
	if l.Holder == "" && len(l.Waiters) > 0 {
		return fmt.Errorf("%w: resource %q has %d waiters but no holder", ErrInvalidResourceState, l.ResourceID, len(l.Waiters))
	}
	seen := make(map[string]struct{}, len(l.Waiters))
	for _, w := range l.Waiters {
		if w == "" {
			return fmt.Errorf("%w: resource %q has an empty waiter", ErrInvalidResourceState, l.ResourceID)
		}
		if w == l.Holder {
			return fmt.Errorf("%w: holder %q of resource %q is also waiting", ErrInvalidResourceState, w, l.ResourceID)
		}
		if _, dup := seen[w]; dup {
			return fmt.Errorf("%w: transaction %q queued twice on resource %q", ErrInvalidResourceState, w, l.ResourceID)
		}
		seen[w] = struct{}{}
	}
	return nil
}

// Encode serializes the lock for storage.
func Encode(l *ResourceLock) ([]byte, error) {
	data, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lock %q: %w", l.ResourceID, err)
	}
	return data, nil
}

// Decode parses a stored lock. A record that cannot be parsed is reported as
// ErrInvalidResourceState so the detector can drop it.
func Decode(data []byte) (*ResourceLock, error) {
	var l ResourceLock
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("%w: undecodable lock record: %v", ErrInvalidResourceState, err)
	}
	return &l, nil
}
