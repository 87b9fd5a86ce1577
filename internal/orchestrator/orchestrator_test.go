package orchestrator

import (
	"context"
	"crypto/ed25519"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/reicalasso/sentinelfs-node/internal/bandwidth"
	"github.com/reicalasso/sentinelfs-node/internal/catalog"
	"github.com/reicalasso/sentinelfs-node/internal/checkpoint"
	"github.com/reicalasso/sentinelfs-node/internal/conflict"
	"github.com/reicalasso/sentinelfs-node/internal/delta"
	"github.com/reicalasso/sentinelfs-node/internal/filelock"
	"github.com/reicalasso/sentinelfs-node/internal/keymanager"
	"github.com/reicalasso/sentinelfs-node/internal/mesh"
	"github.com/reicalasso/sentinelfs-node/internal/policy"
	"github.com/reicalasso/sentinelfs-node/internal/version"
)

// fakeSender captures every payload handed to it, keyed by peer id.
type fakeSender struct {
	mu   sync.Mutex
	sent map[string][][]byte
}

func newFakeSender() *fakeSender { return &fakeSender{sent: make(map[string][][]byte)} }

func (f *fakeSender) Send(ctx context.Context, peerID string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[peerID] = append(f.sent[peerID], payload)
	return nil
}

func (f *fakeSender) count(peerID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent[peerID])
}

func (f *fakeSender) last(peerID string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.sent[peerID]
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

func newTestOrchestrator(t *testing.T, root string) (*Orchestrator, *fakeSender, *keymanager.Manager) {
	t.Helper()
	store, err := keymanager.NewFileKeyStore(t.TempDir(), []byte("test-pass"))
	if err != nil {
		t.Fatal(err)
	}
	keyMgr := keymanager.New(store)
	if _, err := keyMgr.GenerateIdentity("test-node"); err != nil {
		t.Fatal(err)
	}

	policyEngine, err := policy.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	versionStore, err := version.NewStore(root, version.Retention{MaxVersions: 10})
	if err != nil {
		t.Fatal(err)
	}
	sender := newFakeSender()

	o := New(Config{
		Root:        root,
		LocalPeerID: "local-node",
		Catalog:     catalog.NewMemoryStore(),
		DeltaEngine: delta.New(4),
		Locker:      filelock.New(),
		Policy:      policyEngine,
		Bandwidth:   bandwidth.New(bandwidth.Config{MaxBytesPerSec: 1 << 30}, bandwidth.Config{MaxBytesPerSec: 1 << 30}, false, nil),
		Checkpoints: mustCheckpointStore(t),
		Versions:    versionStore,
		Mesh:        mesh.New(mesh.DefaultWeights, mesh.Thresholds{LatencyMS: 500, MinBandwidthMb: 1}),
		KeyManager:  keyMgr,
		Sender:      sender,
	})
	return o, sender, keyMgr
}

func mustCheckpointStore(t *testing.T) *checkpoint.Store {
	t.Helper()
	s, err := checkpoint.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func authorizePeer(o *Orchestrator, keyMgr *keymanager.Manager, peerID string) {
	_, pub, _ := ed25519.GenerateKey(nil)
	keyMgr.AddPeerKey(peerID, pub, true)
	o.meshOpt.AddPeer(mesh.Peer{PeerID: peerID, Active: true, LatencyMS: 10, BandwidthMb: 100})
	o.meshOpt.Recompute(o.localPeerID)
}

func TestHandleLocalEventCreateFansOutToAuthorizedPeer(t *testing.T) {
	root := t.TempDir()
	o, sender, keyMgr := newTestOrchestrator(t, root)
	authorizePeer(o, keyMgr, "peer-a")

	if err := os.WriteFile(filepath.Join(root, "notes.txt"), []byte("hello"), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := o.HandleLocalEvent(context.Background(), FSEvent{Path: "notes.txt", Kind: FSCreated, Size: 5}); err != nil {
		t.Fatal(err)
	}

	rec, err := o.catalog.GetFile("notes.txt")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Version != 1 || rec.DeviceID != "local-node" {
		t.Fatalf("unexpected catalog record: %+v", rec)
	}
	if sender.count("peer-a") != 1 {
		t.Fatalf("expected 1 send to peer-a, got %d", sender.count("peer-a"))
	}
}

func TestHandleLocalEventSkipsUnauthorizedPeer(t *testing.T) {
	root := t.TempDir()
	o, sender, keyMgr := newTestOrchestrator(t, root)
	// peer known but never verified: trust stays unknown.
	_, pub, _ := ed25519.GenerateKey(nil)
	keyMgr.AddPeerKey("peer-b", pub, false)
	o.meshOpt.AddPeer(mesh.Peer{PeerID: "peer-b", Active: true, LatencyMS: 10, BandwidthMb: 100})
	o.meshOpt.Recompute(o.localPeerID)

	if err := os.WriteFile(filepath.Join(root, "notes.txt"), []byte("hello"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := o.HandleLocalEvent(context.Background(), FSEvent{Path: "notes.txt", Kind: FSCreated, Size: 5}); err != nil {
		t.Fatal(err)
	}
	if sender.count("peer-b") != 0 {
		t.Fatal("expected unauthorized peer to receive nothing")
	}
}

func TestHandleLocalEventRejectsSelectiveSyncExclude(t *testing.T) {
	root := t.TempDir()
	o, sender, keyMgr := newTestOrchestrator(t, root)
	authorizePeer(o, keyMgr, "peer-a")

	policyEngine, err := policy.New([]policy.Rule{{Pattern: "*.tmp", Include: false, Priority: policy.PriorityHigh}})
	if err != nil {
		t.Fatal(err)
	}
	o.policy = policyEngine

	if err := os.WriteFile(filepath.Join(root, "cache.tmp"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := o.HandleLocalEvent(context.Background(), FSEvent{Path: "cache.tmp", Kind: FSCreated, Size: 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := o.catalog.GetFile("cache.tmp"); err == nil {
		t.Fatal("expected excluded path to never reach the catalog")
	}
	if sender.count("peer-a") != 0 {
		t.Fatal("expected no fan-out for excluded path")
	}
}

func TestHandleLocalEventRejectsPathTraversal(t *testing.T) {
	root := t.TempDir()
	o, _, _ := newTestOrchestrator(t, root)
	err := o.HandleLocalEvent(context.Background(), FSEvent{Path: "../../etc/passwd", Kind: FSCreated, Size: 1})
	if err == nil {
		t.Fatal("expected path traversal to be rejected")
	}
}

func TestHandleLocalEventDeleteTombstonesCatalog(t *testing.T) {
	root := t.TempDir()
	o, _, keyMgr := newTestOrchestrator(t, root)
	authorizePeer(o, keyMgr, "peer-a")

	if err := os.WriteFile(filepath.Join(root, "doc.txt"), []byte("hello"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := o.HandleLocalEvent(context.Background(), FSEvent{Path: "doc.txt", Kind: FSCreated, Size: 5}); err != nil {
		t.Fatal(err)
	}
	if err := o.HandleLocalEvent(context.Background(), FSEvent{Path: "doc.txt", Kind: FSDeleted}); err != nil {
		t.Fatal(err)
	}
	rec, err := o.catalog.GetFile("doc.txt")
	if err != nil {
		t.Fatal(err)
	}
	if !rec.Deleted || rec.Version != 2 {
		t.Fatalf("expected tombstoned v2 record, got %+v", rec)
	}
}

func TestHandleInboundDeltaCleanSync(t *testing.T) {
	root := t.TempDir()
	o, _, keyMgr := newTestOrchestrator(t, root)
	_, pub, _ := ed25519.GenerateKey(nil)
	keyMgr.AddPeerKey("peer-a", pub, true)

	d, err := o.deltaEngine.Compute("shared.txt", nil, []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	payload, err := delta.Serialize(d)
	if err != nil {
		t.Fatal(err)
	}

	if err := o.HandleInboundDelta(context.Background(), "peer-a", payload); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(filepath.Join(root, "shared.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q", got)
	}
	rec, err := o.catalog.GetFile("shared.txt")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Version != 1 || rec.DeviceID != "peer-a" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestHandleInboundDeltaRejectsUnauthorizedPeer(t *testing.T) {
	root := t.TempDir()
	o, _, _ := newTestOrchestrator(t, root)
	// peer-x never added to key manager: trust defaults to unknown.

	d, err := o.deltaEngine.Compute("shared.txt", nil, []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	payload, _ := delta.Serialize(d)

	if err := o.HandleInboundDelta(context.Background(), "peer-x", payload); err != nil {
		t.Fatal(err)
	}
	if _, err := o.catalog.GetFile("shared.txt"); err == nil {
		t.Fatal("expected unauthorized peer's delta to be discarded")
	}
	if _, err := os.Stat(filepath.Join(root, "shared.txt")); err == nil {
		t.Fatal("expected no file to be written for unauthorized peer")
	}
}

func TestHandleInboundDeltaRejectsPathTraversal(t *testing.T) {
	root := t.TempDir()
	o, _, keyMgr := newTestOrchestrator(t, root)
	_, pub, _ := ed25519.GenerateKey(nil)
	keyMgr.AddPeerKey("peer-a", pub, true)

	d := &delta.Delta{Path: "../../etc/passwd", NewHash: sha256OfEmpty()}
	payload, _ := delta.Serialize(d)
	if err := o.HandleInboundDelta(context.Background(), "peer-a", payload); err == nil {
		t.Fatal("expected path traversal to be rejected")
	}
}

func TestHandleInboundDeltaReplayOfEmptyAncestorDeltaIsIdempotent(t *testing.T) {
	root := t.TempDir()
	o, _, keyMgr := newTestOrchestrator(t, root)
	_, pub, _ := ed25519.GenerateKey(nil)
	keyMgr.AddPeerKey("peer-a", pub, true)

	d, err := o.deltaEngine.Compute("shared.txt", nil, []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	payload, _ := delta.Serialize(d)
	if err := o.HandleInboundDelta(context.Background(), "peer-a", payload); err != nil {
		t.Fatal(err)
	}

	// Deliver the same delta again: it has old_hash unset for an
	// empty-ancestor delta so this specific replay re-applies cleanly
	// (idempotent), matching the round-trip/idempotence property.
	if err := o.HandleInboundDelta(context.Background(), "peer-a", payload); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(filepath.Join(root, "shared.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestHandleInboundDeltaConflictBackupStrategy(t *testing.T) {
	root := t.TempDir()
	o, _, keyMgr := newTestOrchestrator(t, root)
	_, pub, _ := ed25519.GenerateKey(nil)
	keyMgr.AddPeerKey("peer-a", pub, true)
	o.conflictStrategy = conflict.StrategyBackup

	// Common ancestor H0.
	ancestor := []byte("H0-common")
	d0, err := o.deltaEngine.Compute("doc.txt", nil, ancestor)
	if err != nil {
		t.Fatal(err)
	}
	payload0, _ := delta.Serialize(d0)
	if err := o.HandleInboundDelta(context.Background(), "peer-a", payload0); err != nil {
		t.Fatal(err)
	}

	// Local diverges to HB.
	if err := os.WriteFile(filepath.Join(root, "doc.txt"), []byte("HB-local-edit"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := o.HandleLocalEvent(context.Background(), FSEvent{Path: "doc.txt", Kind: FSModified, Size: 13}); err != nil {
		t.Fatal(err)
	}

	// Remote (peer-a) independently advanced from H0 to HA and its
	// delta arrives first.
	dA, err := o.deltaEngine.Compute("doc.txt", ancestor, []byte("HA-remote-edit"))
	if err != nil {
		t.Fatal(err)
	}
	payloadA, _ := delta.Serialize(dA)
	if err := o.HandleInboundDelta(context.Background(), "peer-a", payloadA); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(filepath.Join(root, "doc.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "HA-remote-edit" {
		t.Fatalf("expected incoming HA content to win, got %q", got)
	}

	rec, err := o.catalog.GetFile("doc.txt")
	if err != nil {
		t.Fatal(err)
	}
	if rec.ConflictState != catalog.ConflictResolved {
		t.Fatalf("expected conflict_state resolved, got %v", rec.ConflictState)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatal(err)
	}
	foundBackup := false
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "doc.txt.backup_") {
			foundBackup = true
		}
	}
	if !foundBackup {
		t.Fatalf("expected a doc.txt.backup_<ts> file, got entries: %v", entries)
	}
}

func TestOrchestratorMaintenanceStepDoesNotError(t *testing.T) {
	root := t.TempDir()
	o, _, keyMgr := newTestOrchestrator(t, root)
	authorizePeer(o, keyMgr, "peer-a")
	if err := o.Step(context.Background(), time.Now()); err != nil {
		t.Fatal(err)
	}
}

func sha256OfEmpty() [32]byte {
	d, _ := delta.New(4).Compute("x", nil, nil)
	return d.NewHash
}
