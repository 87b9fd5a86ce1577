// Package discovery finds peers on the local network and exposes them
// as catalog.PeerLink candidates to the mesh optimizer, behind a Port
// abstraction with an encrypted-UDP-beacon/mDNS adapter.
package discovery

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/reicalasso/sentinelfs-node/internal/catalog"
)

// Port is what the orchestrator depends on: announce presence and read
// back whatever peers have been observed so far.
type Port interface {
	Announce(ctx context.Context) error
	Peers() []catalog.PeerLink
	Close() error
}

// Announcement is the decoded form of spec.md's ASCII discovery
// packet: "DISCOVERY|<session_code>|<tcp_port>|<node_id>".
type Announcement struct {
	SessionCode string
	TCPPort     int
	NodeID      string
}

// Encode renders a onto the wire as the plaintext ASCII line carried
// inside the encrypted beacon envelope.
func (a Announcement) Encode() string {
	return fmt.Sprintf("DISCOVERY|%s|%d|%s", a.SessionCode, a.TCPPort, a.NodeID)
}

// ParseAnnouncement decodes a discovery line, rejecting anything that
// doesn't match spec.md's 4-field pipe-delimited format.
func ParseAnnouncement(line string) (*Announcement, error) {
	parts := strings.Split(line, "|")
	if len(parts) != 4 || parts[0] != "DISCOVERY" {
		return nil, fmt.Errorf("discovery: malformed announcement %q", line)
	}
	port, err := strconv.Atoi(parts[2])
	if err != nil || port <= 0 || port >= 65536 {
		return nil, fmt.Errorf("discovery: bad tcp_port in %q", line)
	}
	if parts[1] == "" || parts[3] == "" {
		return nil, fmt.Errorf("discovery: empty session_code or node_id in %q", line)
	}
	return &Announcement{SessionCode: parts[1], TCPPort: port, NodeID: parts[3]}, nil
}

// registry is the adapter-agnostic peer table shared by the UDP beacon
// and mDNS sides of the default Port implementation.
type registry struct {
	mu    sync.RWMutex
	peers map[string]catalog.PeerLink
}

func newRegistry() *registry {
	return &registry{peers: make(map[string]catalog.PeerLink)}
}

func (r *registry) upsert(link catalog.PeerLink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[link.PeerID] = link
}

func (r *registry) snapshot() []catalog.PeerLink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]catalog.PeerLink, 0, len(r.peers))
	for _, link := range r.peers {
		out = append(out, link)
	}
	return out
}

func (r *registry) prune(maxAge time.Duration, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, link := range r.peers {
		if now.Sub(link.LastSeen) > maxAge {
			delete(r.peers, id)
		}
	}
}
