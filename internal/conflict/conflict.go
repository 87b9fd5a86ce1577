// Package conflict implements the strategy-dispatched conflict
// resolution that runs whenever two peers independently advance a
// file's version from a common ancestor.
package conflict

import (
	"fmt"
	"sort"
	"time"
)

// Strategy names the resolution policy to run for one conflict.
type Strategy string

const (
	StrategyTimestamp Strategy = "timestamp"
	StrategyLatest    Strategy = "latest"
	StrategyMerge     Strategy = "merge"
	StrategyBackup    Strategy = "backup"
	StrategyPeerVote  Strategy = "peer_vote"
)

// Side is one party's view of the conflicting file at detection time.
type Side struct {
	PeerID      string
	ContentHash [32]byte
	Version     uint32
	ModTime     time.Time
	Data        []byte
	IsText      bool
}

// Record is the event-log entry emitted alongside a resolution.
type Record struct {
	Path       string
	Strategy   Strategy
	WinnerPeer string
	LocalVer   uint32
	RemoteVer  uint32
	ResolvedAt time.Time
	BackupPath string
}

// Resolution is the outcome of running a Resolver: the bytes to write
// at path and the record to append to the event log.
type Resolution struct {
	Data   []byte
	Record Record
}

// Resolver resolves one conflict between local and remote.
type Resolver interface {
	Resolve(path string, local, remote Side) (Resolution, error)
}

// PeerVoter is consulted by the peer_vote strategy for each authorized
// peer's current content hash of path.
type PeerVoter interface {
	QueryContentHash(peerID, path string) ([32]byte, error)
}

// Dispatch returns the Resolver implementing strategy. voter is only
// used by StrategyPeerVote and may be nil for the other strategies.
func Dispatch(strategy Strategy, voter PeerVoter, authorizedPeers []string) (Resolver, error) {
	switch strategy {
	case StrategyTimestamp:
		return timestampResolver{}, nil
	case StrategyLatest:
		return latestResolver{}, nil
	case StrategyMerge:
		return mergeResolver{fallback: backupResolver{}}, nil
	case StrategyBackup:
		return backupResolver{}, nil
	case StrategyPeerVote:
		if voter == nil {
			return nil, fmt.Errorf("conflict: peer_vote strategy requires a PeerVoter")
		}
		return peerVoteResolver{voter: voter, peers: authorizedPeers, fallback: backupResolver{}}, nil
	default:
		return nil, fmt.Errorf("conflict: unknown strategy %q", strategy)
	}
}

// timestampResolver: winner = newer mtime; ties favor the incoming side.
type timestampResolver struct{}

func (timestampResolver) Resolve(path string, local, remote Side) (Resolution, error) {
	winner := remote
	if local.ModTime.After(remote.ModTime) {
		winner = local
	}
	return Resolution{
		Data: winner.Data,
		Record: Record{
			Path: path, Strategy: StrategyTimestamp, WinnerPeer: winner.PeerID,
			LocalVer: local.Version, RemoteVer: remote.Version, ResolvedAt: time.Now(),
		},
	}, nil
}

// latestResolver: the incoming side is always the source of truth.
type latestResolver struct{}

func (latestResolver) Resolve(path string, local, remote Side) (Resolution, error) {
	return Resolution{
		Data: remote.Data,
		Record: Record{
			Path: path, Strategy: StrategyLatest, WinnerPeer: remote.PeerID,
			LocalVer: local.Version, RemoteVer: remote.Version, ResolvedAt: time.Now(),
		},
	}, nil
}

// mergeResolver concatenates text files with a separator marker;
// non-text files fall back to keeping both copies.
type mergeResolver struct {
	fallback Resolver
}

const mergeSeparator = "\n<<<<<<< SENTINELFS CONFLICT >>>>>>>\n"

func (m mergeResolver) Resolve(path string, local, remote Side) (Resolution, error) {
	if !local.IsText || !remote.IsText {
		return m.fallback.Resolve(path, local, remote)
	}
	merged := make([]byte, 0, len(local.Data)+len(mergeSeparator)+len(remote.Data))
	merged = append(merged, local.Data...)
	merged = append(merged, []byte(mergeSeparator)...)
	merged = append(merged, remote.Data...)
	return Resolution{
		Data: merged,
		Record: Record{
			Path: path, Strategy: StrategyMerge, WinnerPeer: remote.PeerID,
			LocalVer: local.Version, RemoteVer: remote.Version, ResolvedAt: time.Now(),
		},
	}, nil
}

// backupResolver keeps both: remote wins at path, local is preserved
// at path.backup_<unix_ts>.
type backupResolver struct{}

func (backupResolver) Resolve(path string, local, remote Side) (Resolution, error) {
	now := time.Now()
	backupPath := fmt.Sprintf("%s.backup_%d", path, now.Unix())
	return Resolution{
		Data: remote.Data,
		Record: Record{
			Path: path, Strategy: StrategyBackup, WinnerPeer: remote.PeerID,
			LocalVer: local.Version, RemoteVer: remote.Version,
			ResolvedAt: now, BackupPath: backupPath,
		},
	}, nil
}

// peerVoteResolver queries every authorized peer for its current
// content hash of path, in lexicographic peer_id order; the majority
// hash wins. Any tie between the largest groups falls back to
// backupResolver.
type peerVoteResolver struct {
	voter    PeerVoter
	peers    []string
	fallback Resolver
}

func (p peerVoteResolver) Resolve(path string, local, remote Side) (Resolution, error) {
	sortedPeers := append([]string(nil), p.peers...)
	sort.Strings(sortedPeers)

	counts := make(map[[32]byte]int)
	firstVoter := make(map[[32]byte]string)
	for _, peerID := range sortedPeers {
		hash, err := p.voter.QueryContentHash(peerID, path)
		if err != nil {
			continue
		}
		counts[hash]++
		if _, ok := firstVoter[hash]; !ok {
			firstVoter[hash] = peerID
		}
	}

	best := struct {
		hash  [32]byte
		count int
	}{}
	tied := false
	for hash, count := range counts {
		switch {
		case count > best.count:
			best.hash, best.count = hash, count
			tied = false
		case count == best.count && count > 0:
			tied = true
		}
	}
	if tied || best.count == 0 {
		return p.fallback.Resolve(path, local, remote)
	}

	// The winning hash may belong to a third authorized peer this
	// resolver never fetched content from (QueryContentHash only
	// confirms a hash, not bytes) — only local and remote have Data to
	// write, so any other winner falls back rather than commit a hash
	// with no matching bytes.
	winnerData := remote.Data
	winnerPeer := remote.PeerID
	switch best.hash {
	case remote.ContentHash:
	case local.ContentHash:
		winnerData = local.Data
		winnerPeer = local.PeerID
	default:
		return p.fallback.Resolve(path, local, remote)
	}
	return Resolution{
		Data: winnerData,
		Record: Record{
			Path: path, Strategy: StrategyPeerVote, WinnerPeer: winnerPeer,
			LocalVer: local.Version, RemoteVer: remote.Version, ResolvedAt: time.Now(),
		},
	}, nil
}
