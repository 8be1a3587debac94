package tcp

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// connPool keeps idle connections per peer address.
type connPool struct {
	mu      sync.Mutex
	idle    map[string][]net.Conn
	maxIdle int
	dialer  net.Dialer
	closed  bool
}

func newConnPool(maxIdle int, dialTimeout time.Duration) *connPool {
	return &connPool{
		idle:    make(map[string][]net.Conn),
		maxIdle: maxIdle,
		dialer:  net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second},
	}
}

// get returns an idle connection to addr or dials a new one.
func (p *connPool) get(ctx context.Context, addr string) (net.Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, net.ErrClosed
	}
	if conns := p.idle[addr]; len(conns) > 0 {
		c := conns[len(conns)-1]
		p.idle[addr] = conns[:len(conns)-1]
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	c, err := p.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("peer", addr).Msg("tcp connection opened")
	return c, nil
}

// put hands a healthy connection back for reuse.
func (p *connPool) put(addr string, c net.Conn) {
	_ = c.SetDeadline(time.Time{})

	p.mu.Lock()
	if p.closed || len(p.idle[addr]) >= p.maxIdle {
		p.mu.Unlock()
		_ = c.Close()
		return
	}
	p.idle[addr] = append(p.idle[addr], c)
	p.mu.Unlock()
}

// discard closes a connection whose stream state is unknown.
func (p *connPool) discard(addr string, c net.Conn) {
	_ = c.Close()
	log.Debug().Str("peer", addr).Msg("tcp connection discarded")
}

// count returns the number of idle connections.
func (p *connPool) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, conns := range p.idle {
		n += len(conns)
	}
	return n
}

// closeAll closes every idle connection and refuses new ones.
func (p *connPool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	for addr, conns := range p.idle {
		for _, c := range conns {
			_ = c.Close()
		}
		delete(p.idle, addr)
	}
	log.Debug().Msg("all tcp connections closed")
}
