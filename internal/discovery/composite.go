package discovery

import (
	"context"

	"github.com/reicalasso/sentinelfs-node/internal/catalog"
)

// Composite fans Announce/Close out to every configured Port and
// merges their Peers() snapshots, so a node can run the WAN-capable
// UDP beacon and LAN-only mDNS side by side as spec.md's default
// adapter does.
type Composite struct {
	ports []Port
}

func NewComposite(ports ...Port) *Composite {
	return &Composite{ports: ports}
}

func (c *Composite) Announce(ctx context.Context) error {
	for _, p := range c.ports {
		if err := p.Announce(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (c *Composite) Peers() []catalog.PeerLink {
	seen := make(map[string]catalog.PeerLink)
	for _, p := range c.ports {
		for _, link := range p.Peers() {
			seen[link.PeerID] = link
		}
	}
	out := make([]catalog.PeerLink, 0, len(seen))
	for _, link := range seen {
		out = append(out, link)
	}
	return out
}

func (c *Composite) Close() error {
	var firstErr error
	for _, p := range c.ports {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
