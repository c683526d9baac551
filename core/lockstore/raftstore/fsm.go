package raftstore

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/golang/snappy"
	"github.com/hashicorp/raft"
	"github.com/sushant-115/gojolock/core/lockstore"
	"go.uber.org/zap"
)

// Command defines the structure of commands applied to the FSM via Raft.
// This is what gets replicated.
type Command struct {
	Op         string                  `json:"op"`
	ResourceID string                  `json:"resource_id"`
	Lock       *lockstore.ResourceLock `json:"lock,omitempty"`
	// ExpectedVersion is the version the record must have for a
	// compare-and-swap to succeed; 0 means the record must not exist.
	ExpectedVersion uint64 `json:"expected_version,omitempty"`
}

// Operation types for the FSM
const (
	OpSetLock        = "set_lock"
	OpRemoveLock     = "remove_lock"
	OpCompareAndSwap = "cas_lock"
)

// FSM implements the raft.FSM interface.
// It holds the replicated lock table.
type FSM struct {
	mu               sync.RWMutex
	locks            map[string]*lockstore.ResourceLock
	lastAppliedIndex uint64
	logger           *zap.Logger
}

// NewFSM creates an empty lock table.
func NewFSM(logger *zap.Logger) *FSM {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FSM{
		locks:  make(map[string]*lockstore.ResourceLock),
		logger: logger,
	}
}

// Apply applies a Raft log entry to the FSM.
// This method is called by Raft on the leader and followers to update the state machine.
// The returned value is nil on success or an error; compare-and-swap
// mismatches are reported as lockstore.ErrConflict.
func (f *FSM) Apply(logEntry *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(logEntry.Data, &cmd); err != nil {
		f.logger.Error("Failed to unmarshal Raft log entry", zap.Uint64("index", logEntry.Index), zap.Error(err))
		return fmt.Errorf("invalid command at index %d: %w", logEntry.Index, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.lastAppliedIndex = logEntry.Index

	switch cmd.Op {
	case OpSetLock:
		if cmd.Lock == nil {
			return fmt.Errorf("%s without a lock for %q", OpSetLock, cmd.ResourceID)
		}
		l := cmd.Lock.Clone()
		l.ResourceID = cmd.ResourceID
		l.Version = 1
		if prev, ok := f.locks[cmd.ResourceID]; ok {
			l.Version = prev.Version + 1
		}
		f.locks[cmd.ResourceID] = l
		return nil
	case OpRemoveLock:
		delete(f.locks, cmd.ResourceID)
		return nil
	case OpCompareAndSwap:
		var current uint64
		if prev, ok := f.locks[cmd.ResourceID]; ok {
			current = prev.Version
		}
		if current != cmd.ExpectedVersion {
			f.logger.Debug("Compare-and-swap rejected",
				zap.String("resource_id", cmd.ResourceID),
				zap.Uint64("expected", cmd.ExpectedVersion),
				zap.Uint64("actual", current),
				zap.Uint64("index", logEntry.Index))
			return fmt.Errorf("%w: resource %q at version %d, expected %d", lockstore.ErrConflict, cmd.ResourceID, current, cmd.ExpectedVersion)
		}
		if cmd.Lock == nil {
			delete(f.locks, cmd.ResourceID)
			return nil
		}
		l := cmd.Lock.Clone()
		l.ResourceID = cmd.ResourceID
		f.locks[cmd.ResourceID] = l
		return nil
	default:
		f.logger.Warn("Unknown FSM command operation", zap.String("op", cmd.Op), zap.Uint64("index", logEntry.Index))
		return fmt.Errorf("unknown FSM command operation: %s", cmd.Op)
	}
}

// Snapshot returns a snapshot of the FSM's state.
// This is used by Raft to truncate the log and recover faster.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	locksCopy := make(map[string]*lockstore.ResourceLock, len(f.locks))
	for k, v := range f.locks {
		locksCopy[k] = v.Clone()
	}

	f.logger.Debug("FSM snapshot created", zap.Uint64("index", f.lastAppliedIndex), zap.Int("locks", len(locksCopy)))
	return &fsmSnapshot{locks: locksCopy, logger: f.logger}, nil
}

// Restore restores the FSM's state from a snapshot.
// This is used by Raft when a node joins a cluster or recovers from a crash.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snapshotData struct {
		Locks map[string]*lockstore.ResourceLock `json:"locks"`
	}
	if err := json.NewDecoder(snappy.NewReader(rc)).Decode(&snapshotData); err != nil {
		return fmt.Errorf("failed to decode FSM snapshot: %w", err)
	}
	if snapshotData.Locks == nil {
		snapshotData.Locks = make(map[string]*lockstore.ResourceLock)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.locks = snapshotData.Locks

	f.logger.Info("FSM state restored from snapshot", zap.Int("locks", len(f.locks)))
	return nil
}

// --- FSM Query Methods (Read-only access to the state) ---

// Lock returns a copy of the record for resourceID, or nil.
func (f *FSM) Lock(resourceID string) *lockstore.ResourceLock {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.locks[resourceID].Clone()
}

// Locks returns a copy of every record sorted by resource id.
func (f *FSM) Locks() []*lockstore.ResourceLock {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]*lockstore.ResourceLock, 0, len(f.locks))
	for _, l := range f.locks {
		out = append(out, l.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceID < out[j].ResourceID })
	return out
}

// LastAppliedIndex returns the index of the last applied log entry.
func (f *FSM) LastAppliedIndex() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastAppliedIndex
}

// --- FSMSnapshot Implementation ---

type fsmSnapshot struct {
	locks  map[string]*lockstore.ResourceLock
	logger *zap.Logger
}

// Persist writes the snappy-compressed snapshot to the given sink.
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	snapshotData := struct {
		Locks map[string]*lockstore.ResourceLock `json:"locks"`
	}{Locks: s.locks}

	w := snappy.NewBufferedWriter(sink)
	if err := json.NewEncoder(w).Encode(snapshotData); err != nil {
		sink.Cancel()
		return fmt.Errorf("failed to write FSM snapshot to sink: %w", err)
	}
	if err := w.Close(); err != nil {
		sink.Cancel()
		return fmt.Errorf("failed to flush FSM snapshot: %w", err)
	}
	return sink.Close()
}

// Release is called when the snapshot is no longer needed.
func (s *fsmSnapshot) Release() {}
