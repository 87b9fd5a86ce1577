package discovery

import (
	"context"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	lmdns "github.com/libp2p/go-libp2p/p2p/discovery/mdns"

	"github.com/reicalasso/sentinelfs-node/internal/catalog"
)

// mdnsTag namespaces LAN discovery so unrelated libp2p apps on the
// same segment don't interleave.
const mdnsTag = "sentinelfs-mdns"

// notifee adapts libp2p's mDNS callback into a registry upsert,
// grounded on the teacher's mdnsNotifeeImpl.
type notifee struct {
	h   host.Host
	reg *registry
}

func (n *notifee) HandlePeerFound(info peer.AddrInfo) {
	_ = n.h.Connect(context.Background(), info)
	addr := ""
	if len(info.Addrs) > 0 {
		addr = info.Addrs[0].String()
	}
	n.reg.upsert(catalog.PeerLink{
		PeerID:   info.ID.String(),
		Address:  addr,
		Active:   true,
		LastSeen: time.Now(),
	})
}

// MDNSAdapter is a Port backed purely by libp2p's local-segment mDNS
// service; it never leaves the LAN and carries no payload of its own
// (libp2p handles the wire format), so it needs no beacon encryption.
type MDNSAdapter struct {
	h       host.Host
	reg     *registry
	service lmdns.Service
}

func NewMDNSAdapter(h host.Host) *MDNSAdapter {
	return &MDNSAdapter{h: h, reg: newRegistry()}
}

func (m *MDNSAdapter) Announce(ctx context.Context) error {
	svc := lmdns.NewMdnsService(m.h, mdnsTag, &notifee{h: m.h, reg: m.reg})
	m.service = svc
	return nil
}

func (m *MDNSAdapter) Peers() []catalog.PeerLink {
	return m.reg.snapshot()
}

func (m *MDNSAdapter) Close() error {
	if m.service != nil {
		return m.service.Close()
	}
	return nil
}
