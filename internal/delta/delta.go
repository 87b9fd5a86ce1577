// Package delta implements the block-based, rsync-inspired diff/apply
// engine that turns two versions of a file into a small change-set and
// back. Compression of changed blocks is pluggable (gzip, zstd).
package delta

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// DefaultBlockSize matches the original implementation's 1 MiB stride.
const DefaultBlockSize = 1 << 20

// ErrHashMismatch is returned by Apply when the receiver's old_hash
// does not match the bytes it actually holds — the sender and receiver
// have diverged and the delta cannot be safely applied.
var ErrHashMismatch = errors.New("delta: old_hash mismatch")

// Block describes one fixed-size region of a file. Data is nil for
// blocks the receiver already has (identified by checksum match);
// non-nil Data carries the new bytes for that offset.
type Block struct {
	Offset   uint64
	Length   uint64
	Checksum [32]byte
	Data     []byte
}

// Delta is the change-set produced by Compute: everything the receiver
// needs to reconstruct New from Old plus the blocks it already has.
type Delta struct {
	Path             string
	OldHash          [32]byte
	HasOldHash       bool
	NewHash          [32]byte
	Chunks           []Block
	Compressed       bool
	CompressionAlgo  string
}

// Engine computes and applies deltas with a fixed block size.
type Engine struct {
	BlockSize uint64
}

// New returns an Engine using blockSize, or DefaultBlockSize if 0.
func New(blockSize uint64) *Engine {
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	return &Engine{BlockSize: blockSize}
}

// Compute partitions old into fixed blocks and diffs new against it
// stride-by-stride, emitting payload-bearing blocks only for content
// the old map does not already contain. An empty old produces a Delta
// whose every block carries data; identical inputs produce an empty
// Chunks set with matching old/new hashes.
func (e *Engine) Compute(path string, old, new []byte) (*Delta, error) {
	oldBlocks := e.blockIndex(old)

	d := &Delta{
		Path:    path,
		NewHash: sha256.Sum256(new),
	}
	if len(old) > 0 {
		d.OldHash = sha256.Sum256(old)
		d.HasOldHash = true
	}
	if d.HasOldHash && d.OldHash == d.NewHash {
		return d, nil
	}

	for offset := uint64(0); offset < uint64(len(new)); offset += e.BlockSize {
		end := offset + e.BlockSize
		if end > uint64(len(new)) {
			end = uint64(len(new))
		}
		chunk := new[offset:end]
		sum := sha256.Sum256(chunk)

		block := Block{Offset: offset, Length: uint64(len(chunk)), Checksum: sum}
		if _, known := oldBlocks[sum]; !known {
			block.Data = append([]byte(nil), chunk...)
		}
		d.Chunks = append(d.Chunks, block)
	}

	// Receiver needs to know the reconstructed length even when the
	// tail shrank relative to old; the sender always appends a
	// terminal zero-length marker in that case.
	if uint64(len(new)) < uint64(len(old)) {
		d.Chunks = append(d.Chunks, Block{Offset: uint64(len(new)), Length: 0})
	}

	return d, nil
}

func (e *Engine) blockIndex(data []byte) map[[32]byte]struct{} {
	idx := make(map[[32]byte]struct{})
	for offset := uint64(0); offset < uint64(len(data)); offset += e.BlockSize {
		end := offset + e.BlockSize
		if end > uint64(len(data)) {
			end = uint64(len(data))
		}
		idx[sha256.Sum256(data[offset:end])] = struct{}{}
	}
	return idx
}

// Apply reconstructs target's new bytes from base (the receiver's
// current content) and delta. Blocks carrying Data overwrite that
// offset; blocks without Data keep whatever bytes base already has
// there. A terminal zero-length block truncates the result to its
// offset.
func (e *Engine) Apply(delta *Delta, base []byte) ([]byte, error) {
	if delta.HasOldHash {
		got := sha256.Sum256(base)
		if got != delta.OldHash {
			return nil, fmt.Errorf("%w: path %s", ErrHashMismatch, delta.Path)
		}
	}

	maxLen := uint64(len(base))
	for _, b := range delta.Chunks {
		if end := b.Offset + b.Length; end > maxLen {
			maxLen = end
		}
	}

	out := make([]byte, maxLen)
	copy(out, base)

	truncateAt := uint64(len(out))
	for _, b := range delta.Chunks {
		if b.Length == 0 {
			truncateAt = b.Offset
			continue
		}
		if b.Data != nil {
			copy(out[b.Offset:b.Offset+b.Length], b.Data)
		}
	}
	if truncateAt < uint64(len(out)) {
		out = out[:truncateAt]
	}

	got := sha256.Sum256(out)
	if got != delta.NewHash {
		return nil, fmt.Errorf("delta: reconstructed hash mismatch for %s: got %s want %s",
			delta.Path, hex.EncodeToString(got[:]), hex.EncodeToString(delta.NewHash[:]))
	}
	return out, nil
}
