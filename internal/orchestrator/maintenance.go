package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/reicalasso/sentinelfs-node/internal/checkpoint"
)

func readFileRelative(root, path string) ([]byte, error) {
	return os.ReadFile(filepath.Join(root, filepath.FromSlash(path)))
}

// catalogMaintainEvery gates how many maintenance ticks pass between
// catalog Maintain (VACUUM) runs, per spec.md §4.5's periodic loop.
const catalogMaintainEvery = 10

// transferResumer bridges the checkpoint recovery loop to whatever
// component actually re-issues chunk transfers; the orchestrator does
// not itself know how to resume a transfer in flight.
type transferResumer interface {
	checkpoint.Resumer
}

// partialFileReader reads back a transfer's on-disk partial bytes for
// checksum verification during recovery.
type partialFileReader struct{ root string }

func (r partialFileReader) ReadPartial(path string) ([]byte, error) {
	return readFileRelative(r.root, path)
}

// Name implements scheduler.Task.
func (o *Orchestrator) Name() string { return "orchestrator-maintenance" }

// Step implements scheduler.Task: it runs the periodic loop spec.md
// §4.5 describes — mesh evaluation, session cleanup, checkpoint
// cleanup, and (every catalogMaintainEvery cycles) catalog VACUUM.
func (o *Orchestrator) Step(ctx context.Context, now time.Time) error {
	o.maintenanceCycles++

	if o.meshOpt != nil && o.meshOpt.NeedsRemesh() {
		o.meshOpt.Recompute(o.localPeerID)
	}

	o.keyMgr.CleanupExpired()

	if o.checkpoints != nil {
		resumer, _ := o.sender.(transferResumer)
		if resumer != nil {
			totalChunksOf := func(cp checkpoint.Checkpoint) uint64 {
				if cp.ChunkSize == 0 {
					return 0
				}
				n := cp.TotalSize / int64(cp.ChunkSize)
				if cp.TotalSize%int64(cp.ChunkSize) != 0 {
					n++
				}
				return uint64(n)
			}
			_ = checkpoint.RecoverOnce(o.checkpoints, partialFileReader{root: o.root}, resumer, totalChunksOf, now)
		}
	}

	if o.versions != nil {
		_ = o.versions.CompressAged(now)
	}

	if o.maintenanceCycles%catalogMaintainEvery == 0 {
		_ = o.catalog.Maintain()
	}
	return nil
}
