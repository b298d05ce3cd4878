package cluster

import (
	"net"
	"sync"
	"time"
)

const (
	// DefaultMaxPerPeer bounds the idle sockets retained per peer.
	DefaultMaxPerPeer = 4
	// DefaultPoolTimeout applies to connect, send and receive on pooled
	// sockets.
	DefaultPoolTimeout = 500 * time.Millisecond
)

// PooledConn is a socket checked out of the pool. It belongs to the caller
// until released or discarded.
type PooledConn struct {
	Conn    net.Conn
	Address string
}

// Pool keeps a bounded LIFO of idle TCP connections per peer. A single
// pool-wide mutex guards the idle lists; it is only held for push/pop.
type Pool struct {
	mu         sync.Mutex
	idle       map[string][]net.Conn
	maxPerPeer int
	timeout    time.Duration
}

// NewPool creates a connection pool. maxPerPeer <= 0 and timeout <= 0 fall
// back to the defaults.
func NewPool(maxPerPeer int, timeout time.Duration) *Pool {
	if maxPerPeer <= 0 {
		maxPerPeer = DefaultMaxPerPeer
	}
	if timeout <= 0 {
		timeout = DefaultPoolTimeout
	}
	return &Pool{
		idle:       make(map[string][]net.Conn),
		maxPerPeer: maxPerPeer,
		timeout:    timeout,
	}
}

// Timeout returns the socket timeout callers should apply per send/receive.
func (p *Pool) Timeout() time.Duration {
	return p.timeout
}

// Acquire returns an idle connection to address, or dials a new one. The
// returned connection is owned by the caller.
func (p *Pool) Acquire(address string) (*PooledConn, error) {
	p.mu.Lock()
	if conns := p.idle[address]; len(conns) > 0 {
		conn := conns[len(conns)-1]
		p.idle[address] = conns[:len(conns)-1]
		p.mu.Unlock()
		return &PooledConn{Conn: conn, Address: address}, nil
	}
	p.mu.Unlock()

	conn, err := net.DialTimeout("tcp", address, p.timeout)
	if err != nil {
		return nil, err
	}
	return &PooledConn{Conn: conn, Address: address}, nil
}

// Release returns a healthy connection to its peer's idle list, or closes
// it when the list is full.
func (p *Pool) Release(pc *PooledConn) {
	// Clear any deadline a previous operation set.
	pc.Conn.SetDeadline(time.Time{})

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.idle[pc.Address]) < p.maxPerPeer {
		p.idle[pc.Address] = append(p.idle[pc.Address], pc.Conn)
		return
	}
	pc.Conn.Close()
}

// Discard closes a connection instead of pooling it. Used after I/O errors
// and timeouts, where the stream state is unknown.
func (p *Pool) Discard(pc *PooledConn) {
	pc.Conn.Close()
}

// CloseAll closes every idle connection and clears the pool.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, conns := range p.idle {
		for _, c := range conns {
			c.Close()
		}
	}
	p.idle = make(map[string][]net.Conn)
}

// IdleCount returns the number of idle connections held for address.
func (p *Pool) IdleCount(address string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle[address])
}
