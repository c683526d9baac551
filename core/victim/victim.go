// Package victim chooses which transaction to abort to break a deadlock
// cycle. Every policy is deterministic: the same cycle and lock table always
// yield the same victim.
package victim

import (
	"fmt"

	"github.com/sushant-115/gojolock/core/lockstore"
)

// Policy names accepted by ForPolicy.
const (
	PolicyFirstInCycle   = "first_in_cycle"
	PolicyYoungestHolder = "youngest_holder"
	PolicyFewestLocks    = "fewest_locks"
)

// Selector picks one transaction of a non-empty cycle to roll back. locks is
// the lock table snapshot the cycle was found in.
type Selector interface {
	Select(cycle []string, locks []*lockstore.ResourceLock) string
}

// SelectorFunc adapts a function to Selector.
type SelectorFunc func(cycle []string, locks []*lockstore.ResourceLock) string

func (f SelectorFunc) Select(cycle []string, locks []*lockstore.ResourceLock) string {
	return f(cycle, locks)
}

// FirstInCycle picks the first transaction of the cycle as reported by the
// cycle detector. It is the default policy.
type FirstInCycle struct{}

func (FirstInCycle) Select(cycle []string, _ []*lockstore.ResourceLock) string {
	if len(cycle) == 0 {
		return ""
	}
	return cycle[0]
}

// YoungestHolder picks the transaction whose most recent acquisition is the
// latest, so the least work is lost. Ties and transactions holding nothing
// fall back to cycle order.
type YoungestHolder struct{}

func (YoungestHolder) Select(cycle []string, locks []*lockstore.ResourceLock) string {
	if len(cycle) == 0 {
		return ""
	}
	latest := make(map[string]int64, len(cycle))
	for _, l := range locks {
		if l == nil || l.Holder == "" {
			continue
		}
		ts := l.AcquiredAt.UnixNano()
		if cur, ok := latest[l.Holder]; !ok || ts > cur {
			latest[l.Holder] = ts
		}
	}
	best := cycle[0]
	bestTS, bestOK := latest[best]
	for _, txn := range cycle[1:] {
		ts, ok := latest[txn]
		if ok && (!bestOK || ts > bestTS) {
			best, bestTS, bestOK = txn, ts, true
		}
	}
	return best
}

// FewestLocks picks the transaction holding the fewest resources. Ties fall
// back to cycle order.
type FewestLocks struct{}

func (FewestLocks) Select(cycle []string, locks []*lockstore.ResourceLock) string {
	if len(cycle) == 0 {
		return ""
	}
	held := make(map[string]int, len(cycle))
	for _, l := range locks {
		if l != nil && l.Holder != "" {
			held[l.Holder]++
		}
	}
	best := cycle[0]
	for _, txn := range cycle[1:] {
		if held[txn] < held[best] {
			best = txn
		}
	}
	return best
}

// ForPolicy returns the selector registered under name. The empty name maps
// to FirstInCycle.
func ForPolicy(name string) (Selector, error) {
	switch name {
	case "", PolicyFirstInCycle:
		return FirstInCycle{}, nil
	case PolicyYoungestHolder:
		return YoungestHolder{}, nil
	case PolicyFewestLocks:
		return FewestLocks{}, nil
	default:
		return nil, fmt.Errorf("unknown victim policy %q", name)
	}
}
