package transport

import (
	"bufio"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

// RecordProtocol is the libp2p stream protocol ID SentinelFS's record
// format is registered under, the same pattern as the teacher's
// protoChat/protoFile constants.
const RecordProtocol = "/sentinelfs/record/1.0.0"

// IdleTimeout closes a pooled stream that has carried no traffic for
// this long, per spec.md §4.4.
const IdleTimeout = 5 * time.Minute

// conn is one pooled, multiplexed libp2p stream to a peer plus the
// session state layered on top of it. libp2p already pools/multiplexes
// the underlying transport connection per peer, so Pool tracks
// per-peer session state (handshake status, sequence counters, idle
// deadline) rather than raw sockets.
type conn struct {
	stream   network.Stream
	writer   *bufio.Writer
	session  *Session
	lastUsed time.Time
}

// Pool maintains one record-protocol stream per peer ID, handling lazy
// reconnect and idle eviction.
type Pool struct {
	h host.Host

	mu    sync.Mutex
	conns map[peer.ID]*conn
}

func NewPool(h host.Host) *Pool {
	p := &Pool{h: h, conns: make(map[peer.ID]*conn)}
	h.SetStreamHandler(RecordProtocol, p.handleIncoming)
	return p
}

// IncomingHandler is invoked for every newly accepted inbound stream;
// callers wire this to the orchestrator's handshake/record dispatch.
type IncomingHandler func(network.Stream)

// SetIncomingHandler overrides the default incoming-stream handler.
func (p *Pool) SetIncomingHandler(fn IncomingHandler) {
	p.h.SetStreamHandler(RecordProtocol, network.StreamHandler(fn))
}

func (p *Pool) handleIncoming(s network.Stream) {
	// Default no-op handler; production wiring replaces this via
	// SetIncomingHandler before the orchestrator starts accepting peers.
	_ = s
}

// Get returns the pooled stream for pid, dialing a fresh one (with
// exponential backoff up to maxAttempts) if none is cached or the
// cached one has gone idle past IdleTimeout.
func (p *Pool) Get(ctx context.Context, pid peer.ID) (network.Stream, error) {
	p.mu.Lock()
	c, ok := p.conns[pid]
	if ok && time.Since(c.lastUsed) < IdleTimeout {
		p.mu.Unlock()
		return c.stream, nil
	}
	p.mu.Unlock()

	if ok {
		c.stream.Close()
	}

	s, err := p.dialWithBackoff(ctx, pid)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.conns[pid] = &conn{stream: s, writer: bufio.NewWriter(s), lastUsed: time.Now()}
	p.mu.Unlock()
	return s, nil
}

func (p *Pool) dialWithBackoff(ctx context.Context, pid peer.ID) (network.Stream, error) {
	backoff := 100 * time.Millisecond
	const maxAttempts = 5
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		s, err := p.h.NewStream(ctx, pid, RecordProtocol)
		if err == nil {
			return s, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("transport: dial %s failed after %d attempts: %w", pid, maxAttempts, lastErr)
}

// Touch refreshes a connection's idle deadline after successful use.
func (p *Pool) Touch(pid peer.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.conns[pid]; ok {
		c.lastUsed = time.Now()
	}
}

// BindSession associates a negotiated Session with pid's pooled stream.
func (p *Pool) BindSession(pid peer.ID, sess *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.conns[pid]; ok {
		c.session = sess
	}
}

// Session returns the negotiated session for pid, if any.
func (p *Pool) Session(pid peer.ID) (*Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.conns[pid]
	if !ok || c.session == nil {
		return nil, false
	}
	return c.session, true
}

// Evict closes and drops pid's pooled stream, forcing a fresh dial and
// re-handshake on next use — used when a session closes due to a
// sequence gap or detected security event.
func (p *Pool) Evict(pid peer.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.conns[pid]; ok {
		c.stream.Close()
		delete(p.conns, pid)
	}
}

// Sweep closes every connection idle past IdleTimeout. Intended to run
// from the orchestrator's periodic maintenance loop.
func (p *Pool) Sweep() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for pid, c := range p.conns {
		if time.Since(c.lastUsed) >= IdleTimeout {
			c.stream.Close()
			delete(p.conns, pid)
		}
	}
}
