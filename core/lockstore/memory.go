package lockstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/zeebo/xxh3"
)

// DefaultMemoryShards is the number of independently locked shards a
// MemoryStore spreads its records over.
const DefaultMemoryShards = 32

type memoryShard struct {
	mu    sync.Mutex
	locks map[string]*ResourceLock
}

// MemoryStore is a process-local Store. Records are spread over shards picked
// by an xxh3 hash of the resource id, so updates of unrelated resources do not
// contend while updates of the same resource are serialized by its shard
// mutex.
type MemoryStore struct {
	shards []*memoryShard
	closed atomic.Bool
}

// NewMemoryStore creates an empty store with the given number of shards
// (DefaultMemoryShards when shards <= 0).
func NewMemoryStore(shards int) *MemoryStore {
	if shards <= 0 {
		shards = DefaultMemoryShards
	}
	s := &MemoryStore{shards: make([]*memoryShard, shards)}
	for i := range s.shards {
		s.shards[i] = &memoryShard{locks: make(map[string]*ResourceLock)}
	}
	return s
}

func (s *MemoryStore) shardFor(resourceID string) *memoryShard {
	return s.shards[xxh3.HashString(resourceID)%uint64(len(s.shards))]
}

func (s *MemoryStore) checkOpen(op string) error {
	if s.closed.Load() {
		return Unavailable(op, fmt.Errorf("memory store closed"))
	}
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, resourceID string) (*ResourceLock, error) {
	if err := s.checkOpen("get"); err != nil {
		return nil, err
	}
	sh := s.shardFor(resourceID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	l, ok := sh.locks[resourceID]
	if !ok {
		return nil, ErrNotFound
	}
	return l.Clone(), nil
}

// Set implements Store.
func (s *MemoryStore) Set(ctx context.Context, resourceID string, lock *ResourceLock) error {
	if err := s.checkOpen("set"); err != nil {
		return err
	}
	c := lock.Clone()
	c.ResourceID = resourceID
	sh := s.shardFor(resourceID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.locks[resourceID] = c
	return nil
}

// Remove implements Store.
func (s *MemoryStore) Remove(ctx context.Context, resourceID string) error {
	if err := s.checkOpen("remove"); err != nil {
		return err
	}
	sh := s.shardFor(resourceID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.locks, resourceID)
	return nil
}

// List implements Store. Each shard is copied under its own mutex, so the
// result is a per-shard consistent snapshot sorted by resource id.
func (s *MemoryStore) List(ctx context.Context) ([]*ResourceLock, error) {
	if err := s.checkOpen("list"); err != nil {
		return nil, err
	}
	var out []*ResourceLock
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, l := range sh.locks {
			out = append(out, l.Clone())
		}
		sh.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceID < out[j].ResourceID })
	return out, nil
}

// Update implements Store.
func (s *MemoryStore) Update(ctx context.Context, resourceID string, fn MutateFunc) error {
	if err := s.checkOpen("update"); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	sh := s.shardFor(resourceID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	next, write, err := Apply(resourceID, sh.locks[resourceID], fn)
	if err != nil || !write {
		return err
	}
	if next == nil {
		delete(sh.locks, resourceID)
		return nil
	}
	sh.locks[resourceID] = next
	return nil
}

// Close implements Store. Subsequent operations fail with
// ErrStoreUnavailable.
func (s *MemoryStore) Close() error {
	s.closed.Store(true)
	return nil
}
