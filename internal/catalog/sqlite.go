package catalog

import (
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the durable Store backend, grounded on the teacher's
// keysaver-server storage.go: a single sql.DB opened against the
// modernc.org/sqlite driver, schema created on open, upserts expressed
// as INSERT ... ON CONFLICT DO UPDATE.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if absent) the catalog database at
// dbPath and ensures its schema exists.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("catalog: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS file_records (
			path TEXT PRIMARY KEY,
			content_hash TEXT NOT NULL,
			size INTEGER NOT NULL,
			mtime INTEGER NOT NULL,
			device_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			conflict_state INTEGER NOT NULL,
			tags TEXT NOT NULL DEFAULT '',
			deleted INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_file_records_device ON file_records(device_id)`,
		`CREATE INDEX IF NOT EXISTS idx_file_records_conflict ON file_records(conflict_state)`,
		`CREATE TABLE IF NOT EXISTS peer_links (
			peer_id TEXT PRIMARY KEY,
			address TEXT NOT NULL,
			port INTEGER NOT NULL,
			latency_ms REAL NOT NULL,
			bandwidth_mbps REAL NOT NULL,
			active INTEGER NOT NULL,
			last_seen INTEGER NOT NULL,
			score REAL NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_peer_links_active ON peer_links(active)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("catalog: init schema: %w", err)
		}
	}
	return nil
}

func encodeTags(tags []string) string { return strings.Join(tags, ",") }

func decodeTags(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

func (s *SQLiteStore) GetFile(path string) (*FileRecord, error) {
	row := s.db.QueryRow(`SELECT path, content_hash, size, mtime, device_id, version, conflict_state, tags, deleted
		FROM file_records WHERE path = ?`, path)
	return scanFileRecord(row.Scan, path)
}

func scanFileRecord(scan func(dest ...any) error, path string) (*FileRecord, error) {
	var rec FileRecord
	var hashHex, tagsRaw string
	var mtimeUnix int64
	var deleted int
	if err := scan(&rec.Path, &hashHex, &rec.Size, &mtimeUnix, &rec.DeviceID, &rec.Version, &rec.ConflictState, &tagsRaw, &deleted); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rec.ModTime = time.Unix(mtimeUnix, 0).UTC()
	rec.Tags = decodeTags(tagsRaw)
	rec.Deleted = deleted != 0
	h, err := hex.DecodeString(hashHex)
	if err != nil || len(h) != 32 {
		return nil, fmt.Errorf("catalog: corrupt content_hash for %s", path)
	}
	copy(rec.ContentHash[:], h)
	return &rec, nil
}

func (s *SQLiteStore) UpsertFile(rec FileRecord) error {
	deleted := 0
	if rec.Deleted {
		deleted = 1
	}
	_, err := s.db.Exec(`INSERT INTO file_records (path, content_hash, size, mtime, device_id, version, conflict_state, tags, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			content_hash = excluded.content_hash,
			size = excluded.size,
			mtime = excluded.mtime,
			device_id = excluded.device_id,
			version = excluded.version,
			conflict_state = excluded.conflict_state,
			tags = excluded.tags,
			deleted = excluded.deleted`,
		rec.Path, hex.EncodeToString(rec.ContentHash[:]), rec.Size, rec.ModTime.Unix(), rec.DeviceID, rec.Version, rec.ConflictState, encodeTags(rec.Tags), deleted)
	return err
}

func (s *SQLiteStore) DeleteFile(path string) error {
	_, err := s.db.Exec(`DELETE FROM file_records WHERE path = ?`, path)
	return err
}

func (s *SQLiteStore) ListFiles() ([]FileRecord, error) {
	rows, err := s.db.Query(`SELECT path, content_hash, size, mtime, device_id, version, conflict_state, tags, deleted FROM file_records`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FileRecord
	for rows.Next() {
		rec, err := scanFileRecord(rows.Scan, "")
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertPeer(link PeerLink) error {
	active := 0
	if link.Active {
		active = 1
	}
	_, err := s.db.Exec(`INSERT INTO peer_links (peer_id, address, port, latency_ms, bandwidth_mbps, active, last_seen, score)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			address = excluded.address,
			port = excluded.port,
			latency_ms = excluded.latency_ms,
			bandwidth_mbps = excluded.bandwidth_mbps,
			active = excluded.active,
			last_seen = excluded.last_seen,
			score = excluded.score`,
		link.PeerID, link.Address, link.Port, link.LatencyMS, link.BandwidthMb, active, link.LastSeen.Unix(), link.Score)
	return err
}

func (s *SQLiteStore) GetPeer(peerID string) (*PeerLink, error) {
	row := s.db.QueryRow(`SELECT peer_id, address, port, latency_ms, bandwidth_mbps, active, last_seen, score
		FROM peer_links WHERE peer_id = ?`, peerID)
	return scanPeerLink(row.Scan)
}

func scanPeerLink(scan func(dest ...any) error) (*PeerLink, error) {
	var link PeerLink
	var active int
	var lastSeenUnix int64
	if err := scan(&link.PeerID, &link.Address, &link.Port, &link.LatencyMS, &link.BandwidthMb, &active, &lastSeenUnix, &link.Score); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	link.Active = active != 0
	link.LastSeen = time.Unix(lastSeenUnix, 0).UTC()
	return &link, nil
}

func (s *SQLiteStore) ListPeers() ([]PeerLink, error) {
	rows, err := s.db.Query(`SELECT peer_id, address, port, latency_ms, bandwidth_mbps, active, last_seen, score FROM peer_links`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PeerLink
	for rows.Next() {
		link, err := scanPeerLink(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *link)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RemovePeer(peerID string) error {
	_, err := s.db.Exec(`DELETE FROM peer_links WHERE peer_id = ?`, peerID)
	return err
}

func (s *SQLiteStore) Maintain() error {
	_, err := s.db.Exec(`VACUUM`)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
