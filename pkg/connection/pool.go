// Package connection keeps a small pool of gRPC client connections per remote
// node. Followers use it to forward lock-table writes to the raft leader and
// the CLI uses it to reach a server.
package connection

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
)

// ErrPoolClosed is returned by Get after Close.
var ErrPoolClosed = errors.New("connection: pool closed")

// addrPool manages the connections for a single remote address. Connections
// are multiplexed, so callers share them instead of checking them out.
type addrPool struct {
	mu      sync.Mutex
	conns   []*grpc.ClientConn
	next    atomic.Uint64
	factory func() (*grpc.ClientConn, error)
	maxSize int
	address string
}

// PoolManager manages one addrPool per remote host.
type PoolManager struct {
	mu       sync.RWMutex
	pools    map[string]*addrPool
	maxSize  int // Max connections per address
	dialOpts []grpc.DialOption
	closed   bool
}

// NewPoolManager creates a manager holding at most maxSize connections per
// address. opts are passed to grpc.NewClient for every connection.
func NewPoolManager(maxSize int, opts ...grpc.DialOption) *PoolManager {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &PoolManager{
		pools:    make(map[string]*addrPool),
		maxSize:  maxSize,
		dialOpts: opts,
	}
}

// Get returns a connection to address, creating the pool on first use.
func (m *PoolManager) Get(address string) (*grpc.ClientConn, error) {
	m.mu.RLock()
	pool, ok := m.pools[address]
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrPoolClosed
	}

	if !ok {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrPoolClosed
		}
		// Double-check after acquiring write lock
		pool, ok = m.pools[address]
		if !ok {
			opts := m.dialOpts
			pool = &addrPool{
				factory: func() (*grpc.ClientConn, error) {
					return grpc.NewClient(address, opts...)
				},
				maxSize: m.maxSize,
				address: address,
			}
			m.pools[address] = pool
		}
		m.mu.Unlock()
	}
	return pool.get()
}

// Size reports how many connections are open to address.
func (m *PoolManager) Size(address string) int {
	m.mu.RLock()
	pool, ok := m.pools[address]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	pool.mu.Lock()
	defer pool.mu.Unlock()
	return len(pool.conns)
}

// Remove closes and forgets the connections to address.
func (m *PoolManager) Remove(address string) error {
	m.mu.Lock()
	pool, ok := m.pools[address]
	delete(m.pools, address)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return pool.close()
}

// Close shuts down every pool.
func (m *PoolManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, pool := range m.pools {
		errs = append(errs, pool.close())
	}
	m.pools = make(map[string]*addrPool)
	m.closed = true
	return errors.Join(errs...)
}

// get grows the pool up to maxSize and then round-robins over it. Shut down
// connections are replaced.
func (p *addrPool) get() (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.conns) < p.maxSize {
		conn, err := p.factory()
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", p.address, err)
		}
		p.conns = append(p.conns, conn)
		return conn, nil
	}

	i := int(p.next.Add(1) % uint64(len(p.conns)))
	conn := p.conns[i]
	if conn.GetState() == connectivity.Shutdown {
		fresh, err := p.factory()
		if err != nil {
			return nil, fmt.Errorf("redial %s: %w", p.address, err)
		}
		p.conns[i] = fresh
		conn = fresh
	}
	return conn, nil
}

func (p *addrPool) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for _, conn := range p.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.conns = nil
	return errors.Join(errs...)
}
