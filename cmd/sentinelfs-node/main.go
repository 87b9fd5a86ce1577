// Command sentinelfs-node runs one SentinelFS peer: it bootstraps the
// node's encrypted identity, joins the LAN mesh via encrypted UDP
// beacon and mDNS, and wires the sync orchestrator to the secure
// transport layer; no filesystem watcher is started here. Flag and
// bootstrap flow follows the
// teacher's main.go (flags override a loaded config, identity is
// unlocked by a passphrase from flag or environment).
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"

	"github.com/reicalasso/sentinelfs-node/internal/bandwidth"
	"github.com/reicalasso/sentinelfs-node/internal/catalog"
	"github.com/reicalasso/sentinelfs-node/internal/checkpoint"
	"github.com/reicalasso/sentinelfs-node/internal/config"
	"github.com/reicalasso/sentinelfs-node/internal/conflict"
	"github.com/reicalasso/sentinelfs-node/internal/cryptoutil"
	"github.com/reicalasso/sentinelfs-node/internal/delta"
	"github.com/reicalasso/sentinelfs-node/internal/discovery"
	"github.com/reicalasso/sentinelfs-node/internal/eventlog"
	"github.com/reicalasso/sentinelfs-node/internal/filelock"
	"github.com/reicalasso/sentinelfs-node/internal/keymanager"
	"github.com/reicalasso/sentinelfs-node/internal/mesh"
	"github.com/reicalasso/sentinelfs-node/internal/orchestrator"
	"github.com/reicalasso/sentinelfs-node/internal/policy"
	"github.com/reicalasso/sentinelfs-node/internal/scheduler"
	"github.com/reicalasso/sentinelfs-node/internal/transport"
	"github.com/reicalasso/sentinelfs-node/internal/version"
)

func main() {
	cfg := config.Default()

	var configPath, identityPass string
	flag.StringVar(&configPath, "config", "", "path to a YAML config overlay")
	flag.StringVar(&cfg.SessionCode, "session", cfg.SessionCode, "shared session code identifying this mesh")
	flag.StringVar(&cfg.SyncRoot, "sync-root", cfg.SyncRoot, "directory to synchronize")
	flag.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "directory for keys, catalog, events, checkpoints")
	flag.IntVar(&cfg.ListenPort, "listen-port", cfg.ListenPort, "libp2p TCP listen port (0 = random)")
	flag.IntVar(&cfg.DiscoveryPort, "discovery-port", cfg.DiscoveryPort, "UDP beacon port")
	flag.BoolVar(&cfg.Verbose, "verbose", cfg.Verbose, "verbose logging")
	flag.StringVar(&identityPass, "identity-pass", "", "passphrase for the encrypted key store (or set SENTINELFS_KEYSTORE_PASS)")
	flag.Parse()

	if configPath != "" {
		if err := config.LoadFile(cfg, configPath); err != nil {
			log.Fatalf("config: %v", err)
		}
		// Re-apply the command line so explicit flags win over the file.
		flag.Parse()
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	if identityPass == "" {
		identityPass = os.Getenv("SENTINELFS_KEYSTORE_PASS")
	}
	if identityPass == "" {
		log.Fatalf("identity passphrase missing: supply --identity-pass or set SENTINELFS_KEYSTORE_PASS")
	}

	if err := os.MkdirAll(cfg.SyncRoot, 0o700); err != nil {
		log.Fatalf("sync root: %v", err)
	}
	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		log.Fatalf("state dir: %v", err)
	}

	keyStore, err := keymanager.NewFileKeyStore(filepath.Join(cfg.StateDir, "keys"), []byte(identityPass))
	if err != nil {
		log.Fatalf("key store: %v", err)
	}
	keyMgr := keymanager.New(keyStore)
	hostname, _ := os.Hostname()
	identity, err := keyMgr.LoadIdentity()
	if err != nil {
		identity, err = keyMgr.GenerateIdentity(hostname)
		if err != nil {
			log.Fatalf("identity: %v", err)
		}
		log.Printf("[identity] generated new identity %s", identity.Fingerprint())
	} else {
		log.Printf("[identity] loaded identity %s", identity.Fingerprint())
	}
	localPeerID := identity.KeyID

	p2pPriv, err := loadOrCreateLibp2pKey(filepath.Join(cfg.StateDir, "libp2p.key"))
	if err != nil {
		log.Fatalf("libp2p identity: %v", err)
	}
	h, err := libp2p.New(
		libp2p.Identity(p2pPriv),
		libp2p.DefaultSecurity,
		libp2p.DefaultMuxers,
		libp2p.DefaultTransports,
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.ListenPort)),
	)
	if err != nil {
		log.Fatalf("libp2p host: %v", err)
	}
	defer h.Close()
	log.Printf("[net] libp2p peer id=%s addrs=%v", h.ID(), h.Addrs())

	catalogStore, err := catalog.NewSQLiteStore(filepath.Join(cfg.StateDir, "catalog.db"))
	if err != nil {
		log.Fatalf("catalog: %v", err)
	}
	defer catalogStore.Close()

	events, err := eventlog.Open(cfg.StateDir)
	if err != nil {
		log.Fatalf("eventlog: %v", err)
	}
	defer events.Close()

	policyEngine, err := policy.New(nil)
	if err != nil {
		log.Fatalf("policy: %v", err)
	}

	bwLimiter := bandwidth.New(
		bandwidth.Config{MaxBytesPerSec: cfg.BandwidthUploadBps},
		bandwidth.Config{MaxBytesPerSec: cfg.BandwidthDownloadBps},
		cfg.AdaptiveBandwidth,
		nil,
	)

	checkpointStore, err := checkpoint.NewStore(filepath.Join(cfg.StateDir, "checkpoints"))
	if err != nil {
		log.Fatalf("checkpoints: %v", err)
	}

	versionStore, err := version.NewStore(cfg.SyncRoot, version.Retention{
		MaxVersions: cfg.MaxVersionsPerFile,
		MaxAge:      cfg.MaxVersionAge,
	})
	if err != nil {
		log.Fatalf("versions: %v", err)
	}

	meshOpt := mesh.New(mesh.DefaultWeights, mesh.Thresholds{
		LatencyMS:      cfg.RemeshLatencyThresholdMS,
		MinBandwidthMb: cfg.RemeshMinBandwidthMb,
	})

	xport := transport.New(h, keyMgr, localPeerID, time.Hour)
	sender := newTransportSender(xport, h)
	xport.Pool().SetIncomingHandler(inboundHandler(xport))

	orch := orchestrator.New(orchestrator.Config{
		Root:             cfg.SyncRoot,
		LocalPeerID:      localPeerID,
		LockTimeout:      cfg.LockTimeout,
		Catalog:          catalogStore,
		DeltaEngine:      delta.New(delta.DefaultBlockSize),
		Locker:           filelock.New(),
		Policy:           policyEngine,
		Bandwidth:        bwLimiter,
		Checkpoints:      checkpointStore,
		Versions:         versionStore,
		Mesh:             meshOpt,
		KeyManager:       keyMgr,
		Events:           events,
		Sender:           sender,
		ConflictStrategy: conflict.StrategyBackup,
	})
	orchestratorRef = orch

	groupKey, err := cryptoutil.HKDFExpand([]byte(cfg.SessionCode), nil, "sentinelfs-beacon-key", 32)
	if err != nil {
		log.Fatalf("beacon key derivation: %v", err)
	}
	udpBeacon := discovery.NewUDPBeacon(discovery.BeaconConfig{
		Port:        cfg.DiscoveryPort,
		Interval:    cfg.DiscoveryInterval,
		GroupKey:    groupKey,
		SessionCode: cfg.SessionCode,
		TCPPort:     cfg.ListenPort,
		NodeID:      localPeerID,
	})
	mdnsAdapter := discovery.NewMDNSAdapter(h)
	disco := discovery.NewComposite(udpBeacon, mdnsAdapter)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := disco.Announce(ctx); err != nil {
		log.Fatalf("discovery: %v", err)
	}
	defer disco.Close()

	sched := scheduler.New()
	sched.Register(orch, cfg.MaintenanceInterval, false)
	sched.Register(scheduler.TaskFunc{
		TaskName: "mesh-peer-import",
		Fn: func(_ context.Context, _ time.Time) error {
			for _, p := range disco.Peers() {
				meshOpt.AddPeer(mesh.Peer{
					PeerID:      p.PeerID,
					Address:     p.Address,
					Port:        p.Port,
					LatencyMS:   p.LatencyMS,
					BandwidthMb: p.BandwidthMb,
					Active:      p.Active,
					LastSeen:    p.LastSeen,
				})
			}
			return nil
		},
	}, cfg.DiscoveryInterval, true)

	log.Printf("[sentinelfs] node %s syncing %s under session %q", localPeerID, cfg.SyncRoot, cfg.SessionCode)
	sched.Run(ctx)
	log.Printf("[sentinelfs] shutting down")
}

// orchestratorRef lets the transport's incoming-stream handler (wired
// before the orchestrator exists) reach it once constructed.
var orchestratorRef *orchestrator.Orchestrator

func loadOrCreateLibp2pKey(path string) (p2pcrypto.PrivKey, error) {
	if raw, err := os.ReadFile(path); err == nil {
		return p2pcrypto.UnmarshalPrivateKey(raw)
	}
	priv, _, err := p2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, err
	}
	raw, err := p2pcrypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, err
	}
	return priv, nil
}
