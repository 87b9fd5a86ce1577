package orchestrator

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/reicalasso/sentinelfs-node/internal/catalog"
	"github.com/reicalasso/sentinelfs-node/internal/conflict"
	"github.com/reicalasso/sentinelfs-node/internal/delta"
	"github.com/reicalasso/sentinelfs-node/internal/eventlog"
	"github.com/reicalasso/sentinelfs-node/internal/filelock"
)

// HandleInboundDelta runs the inbound pipeline of spec.md §4.5 for a
// delta payload already authenticated and decrypted by the transport
// layer for peerID.
func (o *Orchestrator) HandleInboundDelta(ctx context.Context, peerID string, payload []byte) error {
	d, err := delta.Deserialize(payload)
	if err != nil {
		o.logEvent(eventlog.KindIoError, "orchestrator", fmt.Sprintf("deserialize delta: %v", err), "")
		return err
	}

	// Step 2: sanitize remote path.
	path, err := sanitizePath(d.Path)
	if err != nil {
		o.logEvent(eventlog.KindPathTraversal, "orchestrator", err.Error(), d.Path)
		return err
	}

	// Access check: an unauthorized (unknown/revoked-trust) peer never
	// applies, even after its handshake signature verified — scenario 6.
	if !o.access.HasFileAccess(peerID, path) {
		o.logEvent(eventlog.KindPolicyDenied, "orchestrator", "peer lacks file access", path)
		return nil
	}

	// Step 3: lock target path.
	handle, err := o.locker.Acquire(path, filelock.Write, o.lockTimeout)
	if err != nil {
		o.logEvent(eventlog.KindTimeout, "orchestrator", "lock acquire timed out", path)
		return fmt.Errorf("orchestrator: acquire lock for %s: %w", path, err)
	}
	defer handle.Release()

	current, _ := os.ReadFile(o.absPath(path))
	prior, priorErr := o.catalog.GetFile(path)

	// Step 4: conflict detection.
	if d.HasOldHash && priorErr == nil {
		localHash := sha256.Sum256(current)
		if localHash != d.OldHash && prior.Version >= 1 {
			resolved, err := o.resolveConflict(path, peerID, prior, current, d)
			if err != nil {
				return err
			}
			return o.commitInbound(path, peerID, resolved, prior, catalog.ConflictResolved)
		}
	}

	// Step 5: apply delta, verifying resulting hash.
	newBytes, err := o.deltaEngine.ApplyCompressed(d, current)
	if err != nil {
		o.logEvent(eventlog.KindHashMismatch, "orchestrator", err.Error(), path)
		return o.restoreFromVersion(path)
	}

	return o.commitInbound(path, peerID, newBytes, prior, catalog.ConflictNone)
}

// resolveConflict dispatches to the configured conflict strategy and
// returns the winning bytes to commit.
func (o *Orchestrator) resolveConflict(path, peerID string, prior *catalog.FileRecord, localBytes []byte, d *delta.Delta) ([]byte, error) {
	resolver, err := conflict.Dispatch(o.conflictStrategy, o.conflictVoter, o.authorizedPeers(path))
	if err != nil {
		return nil, err
	}

	// The delta was computed against the common ancestor (old_hash),
	// not against our current (already diverged) bytes, so reconstruct
	// it against whichever retained version snapshot matches old_hash.
	ancestor, _ := o.findVersionByHash(path, d.OldHash)
	remoteBytes, err := o.deltaEngine.ApplyCompressed(d, ancestor)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: cannot reconstruct remote side of conflict: %w", err)
	}

	local := conflict.Side{PeerID: o.localPeerID, ContentHash: prior.ContentHash, Version: prior.Version, ModTime: prior.ModTime, Data: localBytes}
	remote := conflict.Side{PeerID: peerID, ContentHash: d.NewHash, Version: prior.Version + 1, ModTime: time.Now(), Data: remoteBytes}

	resolution, err := resolver.Resolve(path, local, remote)
	if err != nil {
		return nil, err
	}

	if resolution.Record.BackupPath != "" {
		if err := os.WriteFile(o.absPath(resolution.Record.BackupPath), localBytes, 0o600); err != nil {
			return nil, err
		}
	}
	o.logEvent(eventlog.KindConflict, "orchestrator", fmt.Sprintf("resolved via %s, winner=%s", resolution.Record.Strategy, resolution.Record.WinnerPeer), path)
	return resolution.Data, nil
}

func (o *Orchestrator) commitInbound(path, peerID string, data []byte, prior *catalog.FileRecord, conflictState catalog.ConflictState) error {
	if err := os.MkdirAll(filepath.Dir(o.absPath(path)), 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(o.absPath(path), data, 0o600); err != nil {
		o.logEvent(eventlog.KindIoError, "orchestrator", err.Error(), path)
		return err
	}

	nextVersion := uint32(1)
	var oldBytes []byte
	if prior != nil {
		nextVersion = prior.Version + 1
		oldBytes, _ = o.latestVersionBytes(path)
	}

	if err := o.catalog.UpsertFile(catalog.FileRecord{
		Path:          path,
		ContentHash:   sha256.Sum256(data),
		Size:          int64(len(data)),
		ModTime:       time.Now(),
		DeviceID:      peerID,
		Version:       nextVersion,
		ConflictState: conflictState,
	}); err != nil {
		return err
	}

	_, err := o.versions.Create(path, oldBytes, fmt.Sprintf("applied from %s", peerID), peerID, nil)
	return err
}

func (o *Orchestrator) restoreFromVersion(path string) error {
	versions := o.versions.Versions(path)
	if len(versions) == 0 {
		return fmt.Errorf("orchestrator: no version to restore %s from after hash mismatch", path)
	}
	bytes, err := o.versions.Restore(versions[len(versions)-1].VersionID)
	if err != nil {
		return err
	}
	return os.WriteFile(o.absPath(path), bytes, 0o600)
}
