// Package catalog owns FileRecord and PeerLink rows behind a Store
// port, with both an in-memory adapter (testing, small deployments)
// and a modernc.org/sqlite-backed adapter grounded on the teacher's
// keysaver-server storage.go.
package catalog

import (
	"errors"
	"time"
)

// ConflictState mirrors spec.md's FileRecord.conflict_state.
type ConflictState int

const (
	ConflictNone ConflictState = iota
	ConflictConflicted
	ConflictResolved
)

// FileRecord is the Catalog's unit of tracked state per path.
type FileRecord struct {
	Path          string
	ContentHash   [32]byte
	Size          int64
	ModTime       time.Time
	DeviceID      string
	Version       uint32
	ConflictState ConflictState
	Tags          []string
	// Deleted marks a tombstoned row: the catalog keeps the record
	// rather than hard-deleting it, so peers that were offline at
	// delete time still learn of the removal on reconnect.
	Deleted bool
}

// PeerLink is the Catalog's view of a mesh candidate, consumed by the
// mesh optimizer.
type PeerLink struct {
	PeerID      string
	Address     string
	Port        int
	LatencyMS   float64
	BandwidthMb float64
	Active      bool
	LastSeen    time.Time
	// Score caches the mesh optimizer's computed edge weight so
	// introspection doesn't need to recompute it.
	Score float64
}

// ErrNotFound is returned by Get* methods when no row matches.
var ErrNotFound = errors.New("catalog: not found")

// Store is the abstract catalog port: orchestrator borrows immutable
// snapshots and issues mutations through it.
type Store interface {
	GetFile(path string) (*FileRecord, error)
	UpsertFile(rec FileRecord) error
	DeleteFile(path string) error
	ListFiles() ([]FileRecord, error)

	UpsertPeer(link PeerLink) error
	GetPeer(peerID string) (*PeerLink, error)
	ListPeers() ([]PeerLink, error)
	RemovePeer(peerID string) error

	// Maintain runs periodic housekeeping (VACUUM for the SQLite
	// adapter; a no-op for the in-memory adapter).
	Maintain() error
	Close() error
}
