package lockstore

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by Get when the resource has no lock record.
	ErrNotFound = errors.New("lockstore: lock not found")
	// ErrStoreUnavailable wraps every connectivity or shutdown failure of a
	// backend. Callers may retry operations that fail with it.
	ErrStoreUnavailable = errors.New("lockstore: store unavailable")
	// ErrInvalidResourceState marks a malformed lock record.
	ErrInvalidResourceState = errors.New("lockstore: invalid resource state")
	// ErrConflict is returned when an optimistic update lost a race and ran
	// out of retries.
	ErrConflict = errors.New("lockstore: concurrent modification")
	// ErrNoop may be returned by a MutateFunc to abandon an update without
	// writing anything. Update then returns nil.
	ErrNoop = errors.New("lockstore: no change")
)

// MutateFunc computes the next state of a lock from its current state.
// current is a private copy (nil when no record exists). Returning a nil lock
// deletes the record; returning ErrNoop leaves the store untouched; any other
// error aborts the update and is returned to the caller.
type MutateFunc func(current *ResourceLock) (*ResourceLock, error)

// Store is the shared lock table. All implementations must make Update atomic
// with respect to other Updates of the same resource, using whatever native
// primitive the backend offers.
type Store interface {
	// Get returns the lock for resourceID or ErrNotFound.
	Get(ctx context.Context, resourceID string) (*ResourceLock, error)
	// Set overwrites the lock record for resourceID.
	Set(ctx context.Context, resourceID string, lock *ResourceLock) error
	// Remove deletes the record. Removing a missing record is not an error.
	Remove(ctx context.Context, resourceID string) error
	// List returns a point-in-time snapshot of every record.
	List(ctx context.Context) ([]*ResourceLock, error)
	// Update performs an atomic read-modify-write of one record.
	Update(ctx context.Context, resourceID string, fn MutateFunc) error
	// Close releases backend resources.
	Close() error
}

// Unavailable wraps a backend error so that it matches ErrStoreUnavailable
// while keeping the original cause inspectable.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

// Apply runs fn against current and prepares the record to be written:
// it stamps the resource id and the next version. write is false when fn
// returned ErrNoop. Backends call it inside their atomic section.
func Apply(resourceID string, current *ResourceLock, fn MutateFunc) (next *ResourceLock, write bool, err error) {
	next, err = fn(current.Clone())
	if errors.Is(err, ErrNoop) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if next == nil || next.Idle() {
		return nil, true, nil
	}
	next.ResourceID = resourceID
	if current != nil {
		next.Version = current.Version + 1
	} else {
		next.Version = 1
	}
	if err := next.Validate(); err != nil {
		return nil, false, err
	}
	return next, true, nil
}
