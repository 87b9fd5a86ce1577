// Package orchestrator wires components A-H into the event-driven
// per-file pipeline spec.md §4.5 describes: local filesystem events
// flow through selective-sync, locking, delta computation, cataloging
// and versioning out to peers; inbound deltas reverse the flow with
// conflict detection and path sanitization.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/reicalasso/sentinelfs-node/internal/bandwidth"
	"github.com/reicalasso/sentinelfs-node/internal/catalog"
	"github.com/reicalasso/sentinelfs-node/internal/checkpoint"
	"github.com/reicalasso/sentinelfs-node/internal/conflict"
	"github.com/reicalasso/sentinelfs-node/internal/delta"
	"github.com/reicalasso/sentinelfs-node/internal/eventlog"
	"github.com/reicalasso/sentinelfs-node/internal/filelock"
	"github.com/reicalasso/sentinelfs-node/internal/keymanager"
	"github.com/reicalasso/sentinelfs-node/internal/mesh"
	"github.com/reicalasso/sentinelfs-node/internal/policy"
	"github.com/reicalasso/sentinelfs-node/internal/version"
)

// FSEventKind distinguishes the three shapes of local change the
// watcher reports.
type FSEventKind int

const (
	FSCreated FSEventKind = iota
	FSModified
	FSDeleted
)

// FSEvent is one local filesystem change, as delivered by the Watcher
// port (the raw OS-level watch API is out of scope, per spec.md §1).
type FSEvent struct {
	Path string
	Kind FSEventKind
	Size int64
}

// Watcher is the abstract source of local filesystem events.
type Watcher interface {
	Events() <-chan FSEvent
}

// PeerSender abstracts the secure transport layer: fan-out only needs
// to hand an already-serialized, already-encrypted payload to a peer
// by id.
type PeerSender interface {
	Send(ctx context.Context, peerID string, payload []byte) error
}

// AccessChecker gates which peers may receive or submit changes to a
// given path, independent of the selective-sync include/exclude rules.
type AccessChecker interface {
	HasFileAccess(peerID, path string) bool
}

// trustAccessChecker is the default AccessChecker: any peer whose key
// manager trust is pairing or better has access to every path. Revoked
// or unknown peers never do, matching scenario 6 of spec.md §8.
type trustAccessChecker struct {
	keyMgr *keymanager.Manager
}

func (c trustAccessChecker) HasFileAccess(peerID, path string) bool {
	switch c.keyMgr.PeerTrust(peerID) {
	case keymanager.TrustPairing, keymanager.TrustVerified:
		return true
	default:
		return false
	}
}

// Config bundles the wiring New needs.
type Config struct {
	Root        string // sync_root, absolute path on disk
	LocalPeerID string
	LockTimeout time.Duration // default 5s per spec.md §4.5 step 2

	Catalog     catalog.Store
	DeltaEngine *delta.Engine
	Locker      *filelock.Locker
	Policy      *policy.Engine
	Bandwidth   *bandwidth.Limiter
	Checkpoints *checkpoint.Store
	Versions    *version.Store
	Mesh        *mesh.Optimizer
	KeyManager  *keymanager.Manager
	Events      *eventlog.Sink
	Sender      PeerSender
	Access      AccessChecker // nil uses the default trust-based checker

	ConflictStrategy conflict.Strategy
	ConflictVoter    conflict.PeerVoter

	// CompressionAlgo selects the codec handleLocalWrite passes to
	// ComputeCompressed; defaults to delta.CompressionGzip.
	CompressionAlgo string
}

// Orchestrator is the process-wide singleton wiring components A-H
// into the pipeline described by spec.md §4.5.
type Orchestrator struct {
	root        string
	localPeerID string
	lockTimeout time.Duration

	catalog     catalog.Store
	deltaEngine *delta.Engine
	locker      *filelock.Locker
	policy      *policy.Engine
	bw          *bandwidth.Limiter
	checkpoints *checkpoint.Store
	versions    *version.Store
	meshOpt     *mesh.Optimizer
	keyMgr      *keymanager.Manager
	events      *eventlog.Sink
	sender      PeerSender
	access      AccessChecker

	conflictStrategy conflict.Strategy
	conflictVoter    conflict.PeerVoter
	compressionAlgo  string

	maintenanceCycles int
}

func New(cfg Config) *Orchestrator {
	if cfg.LockTimeout == 0 {
		cfg.LockTimeout = 5 * time.Second
	}
	if cfg.ConflictStrategy == "" {
		cfg.ConflictStrategy = conflict.StrategyBackup
	}
	if cfg.CompressionAlgo == "" {
		cfg.CompressionAlgo = delta.CompressionGzip
	}
	access := cfg.Access
	if access == nil {
		access = trustAccessChecker{keyMgr: cfg.KeyManager}
	}
	return &Orchestrator{
		root:             cfg.Root,
		localPeerID:      cfg.LocalPeerID,
		lockTimeout:      cfg.LockTimeout,
		catalog:          cfg.Catalog,
		deltaEngine:      cfg.DeltaEngine,
		locker:           cfg.Locker,
		policy:           cfg.Policy,
		bw:               cfg.Bandwidth,
		checkpoints:      cfg.Checkpoints,
		versions:         cfg.Versions,
		meshOpt:          cfg.Mesh,
		keyMgr:           cfg.KeyManager,
		events:           cfg.Events,
		sender:           cfg.Sender,
		access:           access,
		conflictStrategy: cfg.ConflictStrategy,
		conflictVoter:    cfg.ConflictVoter,
		compressionAlgo:  cfg.CompressionAlgo,
	}
}

// sanitizePath enforces the path traversal guard of spec.md §3/§7: a
// normalized POSIX-style relative path, rejecting absolute paths and
// any ".." segment.
func sanitizePath(path string) (string, error) {
	clean := filepath.ToSlash(filepath.Clean(path))
	if strings.HasPrefix(clean, "/") || clean == ".." || strings.HasPrefix(clean, "../") || strings.Contains(clean, "/../") {
		return "", fmt.Errorf("orchestrator: path traversal rejected: %q", path)
	}
	return clean, nil
}

func (o *Orchestrator) absPath(relPath string) string {
	return filepath.Join(o.root, filepath.FromSlash(relPath))
}

// latestVersionBytes returns the most recently snapshotted bytes for
// path, or nil if the path has no recorded history yet.
func (o *Orchestrator) latestVersionBytes(path string) ([]byte, error) {
	versions := o.versions.Versions(path)
	if len(versions) == 0 {
		return nil, nil
	}
	return o.versions.Restore(versions[len(versions)-1].VersionID)
}

// findVersionByHash searches path's retained version history for a
// snapshot whose checksum matches hash, newest first, so a conflict's
// common ancestor can be reconstructed even though the Catalog itself
// only tracks the current content_hash.
func (o *Orchestrator) findVersionByHash(path string, hash [32]byte) ([]byte, bool) {
	wantHex := fmt.Sprintf("%x", hash)
	versions := o.versions.Versions(path)
	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].Checksum != wantHex {
			continue
		}
		data, err := o.versions.Restore(versions[i].VersionID)
		if err != nil {
			continue
		}
		return data, true
	}
	return nil, false
}

// authorizedPeers returns the peer ids the mesh currently ranks as
// reachable and that the access checker allows for path.
func (o *Orchestrator) authorizedPeers(path string) []string {
	if o.meshOpt == nil {
		return nil
	}
	topo := o.meshOpt.Topology()
	out := make([]string, 0, len(topo.BestPeers))
	for _, peerID := range topo.BestPeers {
		if o.keyMgr.PeerTrust(peerID) == keymanager.TrustRevoked {
			continue
		}
		if !o.access.HasFileAccess(peerID, path) {
			continue
		}
		out = append(out, peerID)
	}
	return out
}

// HandleLocalEvent runs the outbound pipeline of spec.md §4.5 for one
// locally observed filesystem change.
func (o *Orchestrator) HandleLocalEvent(ctx context.Context, ev FSEvent) error {
	path, err := sanitizePath(ev.Path)
	if err != nil {
		o.logEvent(eventlog.KindPathTraversal, "orchestrator", err.Error(), path)
		return err
	}

	// Step 1: selective gate.
	if o.policy != nil && !o.policy.ShouldSync(path, ev.Size, time.Now()) {
		o.logEvent(eventlog.KindPolicyDenied, "orchestrator", "selective-sync exclude", path)
		return nil
	}

	// Step 2: lock.
	handle, err := o.locker.Acquire(path, filelock.Write, o.lockTimeout)
	if err != nil {
		o.logEvent(eventlog.KindTimeout, "orchestrator", "lock acquire timed out", path)
		return fmt.Errorf("orchestrator: acquire lock for %s: %w", path, err)
	}
	defer handle.Release()

	if ev.Kind == FSDeleted {
		return o.handleLocalDelete(ctx, path)
	}
	return o.handleLocalWrite(ctx, path)
}

func (o *Orchestrator) handleLocalDelete(ctx context.Context, path string) error {
	prior, err := o.catalog.GetFile(path)
	version := uint32(1)
	if err == nil {
		version = prior.Version + 1
	}
	return o.catalog.UpsertFile(catalog.FileRecord{
		Path:          path,
		ModTime:       time.Now(),
		DeviceID:      o.localPeerID,
		Version:       version,
		ConflictState: catalog.ConflictNone,
		Deleted:       true,
	})
}

func (o *Orchestrator) handleLocalWrite(ctx context.Context, path string) error {
	newBytes, err := os.ReadFile(o.absPath(path))
	if err != nil {
		o.logEvent(eventlog.KindIoError, "orchestrator", err.Error(), path)
		return err
	}

	prior, err := o.catalog.GetFile(path)
	nextVersion := uint32(1)
	if err == nil {
		nextVersion = prior.Version + 1
	}

	oldBytes, err := o.latestVersionBytes(path)
	if err != nil {
		o.logEvent(eventlog.KindIoError, "orchestrator", err.Error(), path)
		return err
	}

	// Step 5: hash + delta.
	d, err := o.deltaEngine.ComputeCompressed(path, oldBytes, newBytes, o.compressionAlgo)
	if err != nil {
		return err
	}
	newHash := sha256.Sum256(newBytes)

	// Step 4: catalog upsert.
	if err := o.catalog.UpsertFile(catalog.FileRecord{
		Path:        path,
		ContentHash: newHash,
		Size:        int64(len(newBytes)),
		ModTime:     time.Now(),
		DeviceID:    o.localPeerID,
		Version:     nextVersion,
	}); err != nil {
		return err
	}

	// Step 6: version snapshot of the content being replaced.
	if _, err := o.versions.Create(path, oldBytes, "local change", o.localPeerID, nil); err != nil {
		return err
	}

	// Step 7: peer fan-out.
	o.fanOut(ctx, path, d)
	return nil
}

func (o *Orchestrator) fanOut(ctx context.Context, path string, d *delta.Delta) {
	payload, err := delta.Serialize(d)
	if err != nil {
		log.Printf("[orchestrator] serialize delta for %s: %v", path, err)
		return
	}

	for _, peerID := range o.authorizedPeers(path) {
		if o.bw != nil {
			if err := o.bw.Throttle(ctx, bandwidth.Upload, int64(len(payload))); err != nil {
				o.logEvent(eventlog.KindRateLimited, "orchestrator", err.Error(), path)
				continue
			}
		}
		if err := o.sender.Send(ctx, peerID, payload); err != nil {
			log.Printf("[orchestrator] send to %s failed: %v", peerID, err)
			continue
		}
		o.keyMgr.RecordUsage(peerID, keymanager.DirectionInitiator, uint64(len(payload)))
	}
}

func (o *Orchestrator) logEvent(kind eventlog.Kind, component, message, path string) {
	if o.events == nil {
		return
	}
	o.events.Log(eventlog.Event{Kind: kind, Component: component, Message: message, Path: path})
}
