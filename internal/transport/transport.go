package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/reicalasso/sentinelfs-node/internal/keymanager"
)

// ErrTimeout is returned when a record's per-call deadline expires
// before the operation completes.
var ErrTimeout = errors.New("transport: operation deadline exceeded")

// Transport is SentinelFS's secure record layer over a libp2p host: it
// owns the connection pool, runs handshakes, and frames/seals/opens
// records. The raw socket/stream plumbing is libp2p's; everything
// above the wire format is this package's.
type Transport struct {
	host host.Host
	pool *Pool
	mgr  *keymanager.Manager

	localPeerID      string
	sessionDuration  time.Duration
}

// New wraps an already-constructed libp2p host. Constructing the host
// itself (transports, listen addrs, security, muxers) stays in the
// caller's wiring code, grounded on the teacher's newNode.
func New(h host.Host, mgr *keymanager.Manager, localPeerID string, sessionDuration time.Duration) *Transport {
	return &Transport{
		host:            h,
		pool:            NewPool(h),
		mgr:             mgr,
		localPeerID:     localPeerID,
		sessionDuration: sessionDuration,
	}
}

// Pool exposes the underlying connection pool for maintenance-loop wiring.
func (t *Transport) Pool() *Pool { return t.pool }

// Handshake performs the initiator side of the HELLO/HELLO_ACK exchange
// against pid and returns the resulting Session.
func (t *Transport) Handshake(ctx context.Context, pid peer.ID) (*Session, error) {
	stream, err := t.pool.Get(ctx, pid)
	if err != nil {
		return nil, err
	}

	hello, localEphPriv, err := BuildHello(t.mgr, t.localPeerID)
	if err != nil {
		return nil, err
	}
	if err := writeFrame(stream, encodeHello(hello)); err != nil {
		return nil, fmt.Errorf("transport: send hello: %w", err)
	}

	ackBytes, err := readFrame(stream)
	if err != nil {
		return nil, fmt.Errorf("transport: read hello_ack: %w", err)
	}
	ack, err := decodeHelloAck(ackBytes)
	if err != nil {
		return nil, err
	}
	if err := VerifyHelloAck(hello, ack); err != nil {
		return nil, err
	}

	send, recv, err := DeriveKeys(t.mgr, string(pid), localEphPriv, ack.EphemeralX25519Pub, true, t.sessionDuration)
	if err != nil {
		return nil, err
	}

	sess := NewSession(string(pid), send, recv)
	t.pool.BindSession(pid, sess)
	return sess, nil
}

// AcceptHandshake performs the responder side on an inbound stream
// already carrying a Hello frame.
func (t *Transport) AcceptHandshake(stream network.Stream) (*Session, error) {
	helloBytes, err := readFrame(stream)
	if err != nil {
		return nil, fmt.Errorf("transport: read hello: %w", err)
	}
	hello, err := decodeHello(helloBytes)
	if err != nil {
		return nil, err
	}
	if err := VerifyHello(hello); err != nil {
		return nil, err
	}

	ack, localEphPriv, err := BuildHelloAck(t.mgr, t.localPeerID, hello)
	if err != nil {
		return nil, err
	}
	if err := writeFrame(stream, encodeHelloAck(ack)); err != nil {
		return nil, fmt.Errorf("transport: send hello_ack: %w", err)
	}

	send, recv, err := DeriveKeys(t.mgr, hello.PeerID, localEphPriv, hello.EphemeralX25519Pub, false, t.sessionDuration)
	if err != nil {
		return nil, err
	}
	return NewSession(hello.PeerID, send, recv), nil
}

// Send seals plaintext under sess and writes it as a length-prefixed
// frame to pid's pooled stream, aborting with ErrTimeout if deadline
// elapses first.
func (t *Transport) Send(ctx context.Context, pid peer.ID, sess *Session, plaintext []byte) error {
	raw, err := sess.Seal(plaintext)
	if err != nil {
		return err
	}
	stream, err := t.pool.Get(ctx, pid)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- writeFrame(stream, raw) }()

	select {
	case err := <-done:
		if err == nil {
			t.pool.Touch(pid)
		}
		return err
	case <-ctx.Done():
		return ErrTimeout
	}
}

// Receive reads one framed record from stream and opens it under sess.
// On a sequence gap the session closes itself and pid's pooled stream
// is evicted; an authentication failure is returned as is, leaving the
// session open and the stream pooled.
func (t *Transport) Receive(ctx context.Context, pid peer.ID, sess *Session, stream network.Stream) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		raw, err := readFrame(stream)
		if err != nil {
			ch <- result{nil, err}
			return
		}
		pt, err := sess.Open(raw)
		ch <- result{pt, err}
	}()

	select {
	case r := <-ch:
		if errors.Is(r.err, ErrReplay) {
			t.pool.Evict(pid)
		}
		return r.data, r.err
	case <-ctx.Done():
		return nil, ErrTimeout
	}
}

// --- length-prefixed framing over a libp2p stream ---

func writeFrame(w io.Writer, payload []byte) error {
	var lenBytes [4]byte
	binary.BigEndian.PutUint32(lenBytes[:], uint32(len(payload)))
	bw := bufio.NewWriter(w)
	if _, err := bw.Write(lenBytes[:]); err != nil {
		return err
	}
	if _, err := bw.Write(payload); err != nil {
		return err
	}
	return bw.Flush()
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBytes [4]byte
	if _, err := io.ReadFull(r, lenBytes[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBytes[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
