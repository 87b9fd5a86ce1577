package discovery

import (
	"context"
	"log"
	"net"
	"time"

	"github.com/reicalasso/sentinelfs-node/internal/catalog"
)

// BeaconConfig configures the encrypted UDP broadcaster/listener pair,
// grounded on go-node/discover.go's startBroadcaster/startListener.
type BeaconConfig struct {
	MulticastGroup string // e.g. "239.255.42.99"
	Port           int    // default 8081 per spec.md §6
	Interval       time.Duration
	MaxPeerAge     time.Duration
	GroupKey       []byte // shared XChaCha20-Poly1305 key, distributed at bootstrap
	SessionCode    string
	TCPPort        int
	NodeID         string
	Iface          *net.Interface // nil selects the default multicast interface
}

// UDPBeacon implements Port by broadcasting an encrypted announcement
// on a UDP multicast group and recording whatever others it hears.
type UDPBeacon struct {
	cfg BeaconConfig
	reg *registry

	conn   *net.UDPConn
	cancel context.CancelFunc
}

func NewUDPBeacon(cfg BeaconConfig) *UDPBeacon {
	if cfg.Port == 0 {
		cfg.Port = 8081
	}
	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MaxPeerAge == 0 {
		cfg.MaxPeerAge = 5 * time.Minute
	}
	return &UDPBeacon{cfg: cfg, reg: newRegistry()}
}

// Announce starts the broadcaster and listener goroutines; it returns
// once both UDP sockets are bound.
func (b *UDPBeacon) Announce(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	groupAddr := &net.UDPAddr{IP: net.ParseIP(b.cfg.MulticastGroup), Port: b.cfg.Port}

	listenConn, err := net.ListenMulticastUDP("udp", b.cfg.Iface, groupAddr)
	if err != nil {
		cancel()
		return err
	}
	_ = listenConn.SetReadBuffer(1 << 20)

	sendConn, err := net.DialUDP("udp", nil, groupAddr)
	if err != nil {
		listenConn.Close()
		cancel()
		return err
	}
	b.conn = sendConn

	go b.broadcastLoop(runCtx, sendConn)
	go b.listenLoop(runCtx, listenConn)
	go b.pruneLoop(runCtx)
	return nil
}

func (b *UDPBeacon) broadcastLoop(ctx context.Context, conn *net.UDPConn) {
	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			line := Announcement{SessionCode: b.cfg.SessionCode, TCPPort: b.cfg.TCPPort, NodeID: b.cfg.NodeID}.Encode()
			pkt, err := encryptBeacon([]byte(line), b.cfg.GroupKey)
			if err != nil {
				log.Printf("[discovery] beacon encryption failed: %v", err)
				continue
			}
			if _, err := conn.Write(pkt); err != nil {
				log.Printf("[discovery] beacon write failed: %v", err)
			}
		}
	}
}

func (b *UDPBeacon) listenLoop(ctx context.Context, conn *net.UDPConn) {
	defer conn.Close()
	buf := make([]byte, 65535)
	for {
		select {
		case <-ctx.Done():
			return
		default:
			_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			n, src, err := conn.ReadFromUDP(buf)
			if err != nil {
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				log.Printf("[discovery] beacon read error: %v", err)
				continue
			}
			b.handlePacket(buf[:n], src)
		}
	}
}

func (b *UDPBeacon) handlePacket(pkt []byte, src *net.UDPAddr) {
	plain, err := decryptBeacon(pkt, b.cfg.GroupKey)
	if err != nil {
		return
	}
	ann, err := ParseAnnouncement(string(plain))
	if err != nil {
		return
	}
	if ann.SessionCode != b.cfg.SessionCode {
		return
	}
	if ann.NodeID == b.cfg.NodeID {
		return
	}
	b.reg.upsert(catalog.PeerLink{
		PeerID:   ann.NodeID,
		Address:  src.IP.String(),
		Port:     ann.TCPPort,
		Active:   true,
		LastSeen: time.Now(),
	})
	log.Printf("[discovery] peer %s at %s:%d", ann.NodeID, src.IP.String(), ann.TCPPort)
}

func (b *UDPBeacon) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.MaxPeerAge / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			b.reg.prune(b.cfg.MaxPeerAge, now)
		}
	}
}

func (b *UDPBeacon) Peers() []catalog.PeerLink {
	return b.reg.snapshot()
}

func (b *UDPBeacon) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}
