// Package version implements per-path version history: a snapshot on
// every committed change, age-based compression, retention pruning
// with importance exemptions, and restore.
package version

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"
)

// FileVersion is one retained snapshot, mirroring spec.md's FileVersion.
type FileVersion struct {
	VersionID     string
	Path          string
	Checksum      string
	Size          int64
	CreatedAt     time.Time
	AuthorPeerID  string
	CommitMessage string
	Compressed    bool
	Tags          map[string]bool
}

func (v *FileVersion) important(importantPatterns []*regexp.Regexp) bool {
	if v.Tags["important"] || v.Tags["critical"] {
		return true
	}
	for _, re := range importantPatterns {
		if re.MatchString(v.Path) {
			return true
		}
	}
	return false
}

// Retention bounds how many versions and how much age a path's history
// keeps, except importance-exempt versions which are never purged.
type Retention struct {
	MaxVersions       int
	MaxAge            time.Duration
	ImportantPatterns []string
}

const compressAfter = 24 * time.Hour

// Store persists version snapshots under <root>/.sentinelfs/versions/.
type Store struct {
	root      string
	retention Retention
	important []*regexp.Regexp

	mu    sync.Mutex
	index map[string][]*FileVersion // path -> versions, newest last
}

func NewStore(root string, retention Retention) (*Store, error) {
	dir := filepath.Join(root, ".sentinelfs", "versions")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	patterns := make([]*regexp.Regexp, 0, len(retention.ImportantPatterns))
	for _, p := range retention.ImportantPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, re)
	}
	return &Store{
		root:      root,
		retention: retention,
		important: patterns,
		index:     make(map[string][]*FileVersion),
	}, nil
}

func (s *Store) versionPath(versionID string, compressed bool) string {
	name := versionID
	if compressed {
		name += ".gz"
	}
	return filepath.Join(s.root, ".sentinelfs", "versions", name)
}

// Create snapshots priorBytes (the content being replaced) as a new
// version of path and applies retention pruning afterward.
func (s *Store) Create(path string, priorBytes []byte, commitMessage, authorPeerID string, tags []string) (*FileVersion, error) {
	sum := sha256.Sum256(priorBytes)
	now := time.Now()
	versionID := fmt.Sprintf("%x-%d", sum[:8], now.UnixNano())

	tagSet := make(map[string]bool, len(tags))
	for _, t := range tags {
		tagSet[t] = true
	}
	v := &FileVersion{
		VersionID:     versionID,
		Path:          path,
		Checksum:      fmt.Sprintf("%x", sum),
		Size:          int64(len(priorBytes)),
		CreatedAt:     now,
		AuthorPeerID:  authorPeerID,
		CommitMessage: commitMessage,
		Tags:          tagSet,
	}

	if err := os.WriteFile(s.versionPath(versionID, false), priorBytes, 0o600); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.index[path] = append(s.index[path], v)
	s.mu.Unlock()

	s.enforceRetention(path)
	return v, nil
}

// CompressAged gzips every stored version older than 24h that isn't
// already compressed. Intended to run from the maintenance loop.
func (s *Store) CompressAged(now time.Time) error {
	s.mu.Lock()
	all := make([]*FileVersion, 0)
	for _, versions := range s.index {
		all = append(all, versions...)
	}
	s.mu.Unlock()

	for _, v := range all {
		if v.Compressed || now.Sub(v.CreatedAt) < compressAfter {
			continue
		}
		raw, err := os.ReadFile(s.versionPath(v.VersionID, false))
		if err != nil {
			continue
		}
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		if _, err := gw.Write(raw); err != nil {
			return err
		}
		if err := gw.Close(); err != nil {
			return err
		}
		if err := os.WriteFile(s.versionPath(v.VersionID, true), buf.Bytes(), 0o600); err != nil {
			return err
		}
		if err := os.Remove(s.versionPath(v.VersionID, false)); err != nil {
			return err
		}
		v.Compressed = true
	}
	return nil
}

// Restore streams version_id's bytes back, decompressing on the fly if
// needed.
func (s *Store) Restore(versionID string) ([]byte, error) {
	v := s.find(versionID)
	if v == nil {
		return nil, fmt.Errorf("version: unknown version_id %s", versionID)
	}
	raw, err := os.ReadFile(s.versionPath(versionID, v.Compressed))
	if err != nil {
		return nil, err
	}
	if !v.Compressed {
		return raw, nil
	}
	r, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (s *Store) find(versionID string) *FileVersion {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, versions := range s.index {
		for _, v := range versions {
			if v.VersionID == versionID {
				return v
			}
		}
	}
	return nil
}

// Versions returns path's retained versions, oldest first.
func (s *Store) Versions(path string) []*FileVersion {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*FileVersion, len(s.index[path]))
	copy(out, s.index[path])
	return out
}

// enforceRetention drops the oldest non-exempt versions of path until
// both MaxVersions and MaxAge are satisfied.
func (s *Store) enforceRetention(path string) {
	s.mu.Lock()
	versions := s.index[path]
	s.mu.Unlock()
	if len(versions) == 0 {
		return
	}

	sort.Slice(versions, func(i, j int) bool { return versions[i].CreatedAt.Before(versions[j].CreatedAt) })

	now := time.Now()
	var kept []*FileVersion
	eligible := make([]*FileVersion, 0, len(versions))
	for _, v := range versions {
		if v.important(s.important) {
			kept = append(kept, v)
			continue
		}
		eligible = append(eligible, v)
	}

	// Age-based purge first.
	var survivors []*FileVersion
	for _, v := range eligible {
		if s.retention.MaxAge > 0 && now.Sub(v.CreatedAt) > s.retention.MaxAge {
			s.remove(v)
			continue
		}
		survivors = append(survivors, v)
	}

	// Count-based purge: drop oldest survivors beyond MaxVersions.
	if s.retention.MaxVersions > 0 && len(survivors) > s.retention.MaxVersions {
		excess := len(survivors) - s.retention.MaxVersions
		for i := 0; i < excess; i++ {
			s.remove(survivors[i])
		}
		survivors = survivors[excess:]
	}

	kept = append(kept, survivors...)
	sort.Slice(kept, func(i, j int) bool { return kept[i].CreatedAt.Before(kept[j].CreatedAt) })

	s.mu.Lock()
	s.index[path] = kept
	s.mu.Unlock()
}

func (s *Store) remove(v *FileVersion) {
	_ = os.Remove(s.versionPath(v.VersionID, v.Compressed))
}
