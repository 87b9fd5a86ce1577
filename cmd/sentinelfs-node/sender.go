package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/reicalasso/sentinelfs-node/internal/transport"
)

// transportSender implements orchestrator.PeerSender over the secure
// record transport, handshaking lazily on first send to each peer and
// reusing the negotiated session afterward.
type transportSender struct {
	xport *transport.Transport
	host  host.Host

	mu       sync.Mutex
	sessions map[peer.ID]*transport.Session
}

func newTransportSender(xport *transport.Transport, h host.Host) *transportSender {
	return &transportSender{xport: xport, host: h, sessions: make(map[peer.ID]*transport.Session)}
}

func (s *transportSender) Send(ctx context.Context, peerID string, payload []byte) error {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return fmt.Errorf("transportSender: decode peer id %q: %w", peerID, err)
	}

	sess, err := s.sessionFor(ctx, pid)
	if err != nil {
		return err
	}
	if err := s.xport.Send(ctx, pid, sess, payload); err != nil {
		s.mu.Lock()
		delete(s.sessions, pid)
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *transportSender) sessionFor(ctx context.Context, pid peer.ID) (*transport.Session, error) {
	s.mu.Lock()
	sess, ok := s.sessions[pid]
	s.mu.Unlock()
	if ok && !sess.Closed() {
		return sess, nil
	}

	sess, err := s.xport.Handshake(ctx, pid)
	if err != nil {
		return nil, fmt.Errorf("transportSender: handshake with %s: %w", pid, err)
	}
	s.mu.Lock()
	s.sessions[pid] = sess
	s.mu.Unlock()
	return sess, nil
}

// inboundHandler accepts an inbound record stream, performs the
// responder handshake, and dispatches every decrypted delta to the
// orchestrator until the peer disconnects or the session closes.
func inboundHandler(xport *transport.Transport) func(network.Stream) {
	return func(stream network.Stream) {
		defer stream.Close()

		sess, err := xport.AcceptHandshake(stream)
		if err != nil {
			log.Printf("[inbound] handshake from %s failed: %v", stream.Conn().RemotePeer(), err)
			return
		}
		pid := stream.Conn().RemotePeer()

		for {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			plaintext, err := xport.Receive(ctx, pid, sess, stream)
			cancel()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					log.Printf("[inbound] receive from %s: %v", sess.PeerID, err)
				}
				return
			}
			if orchestratorRef != nil {
				if err := orchestratorRef.HandleInboundDelta(context.Background(), sess.PeerID, plaintext); err != nil {
					log.Printf("[inbound] delta from %s: %v", sess.PeerID, err)
				}
			}
		}
	}
}
