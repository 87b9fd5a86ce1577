package checkpoint

import (
	"fmt"
	"time"
)

// PartialReader fetches the current on-disk bytes for a transfer's
// target path, so the recovery loop can verify its checksum before
// resuming.
type PartialReader interface {
	ReadPartial(path string) ([]byte, error)
}

// Resumer is invoked once a checkpoint passes its checksum check,
// with the ascending list of missing chunk indices to fetch next.
type Resumer interface {
	Resume(cp Checkpoint, missingChunks []uint64) error
}

// RecoverOnce runs one pass of the 30-second recovery scan: for every
// pending checkpoint, purge stale ones, verify the partial file's
// checksum, and hand the rest to resumer. A checkpoint whose retries
// exceed MaxRetries is marked Failed and kept; later passes skip it
// until it goes stale and is purged.
func RecoverOnce(store *Store, reader PartialReader, resumer Resumer, totalChunksOf func(Checkpoint) uint64, now time.Time) error {
	ids, err := store.ListPending()
	if err != nil {
		return err
	}

	for _, id := range ids {
		cp, err := store.Load(id)
		if err != nil {
			continue
		}

		if now.Sub(cp.LastUpdate) > MaxAge {
			_ = store.Purge(id)
			continue
		}
		if cp.Failed {
			continue
		}

		partial, err := reader.ReadPartial(cp.Path)
		if err != nil {
			cp.Retries++
			if cp.Retries > MaxRetries {
				cp.Failed = true
			}
			_ = store.Save(*cp)
			continue
		}
		if PartialChecksum(partial) != cp.Checksum {
			cp.Retries++
			if cp.Retries > MaxRetries {
				cp.Failed = true
				_ = store.Save(*cp)
				continue
			}
			_ = store.Save(*cp)
			continue
		}

		missing := cp.MissingChunks(totalChunksOf(*cp))
		if len(missing) == 0 {
			_ = store.Purge(id)
			continue
		}
		if err := resumer.Resume(*cp, missing); err != nil {
			cp.Retries++
			if cp.Retries > MaxRetries {
				cp.Failed = true
			}
			_ = store.Save(*cp)
			continue
		}
	}
	return nil
}

// ErrTransferFailed is returned by callers that observe a checkpoint's
// Failed flag after exhausting MaxRetries.
func ErrTransferFailed(transferID string) error {
	return fmt.Errorf("checkpoint: transfer %s moved to failed set after %d retries", transferID, MaxRetries)
}
