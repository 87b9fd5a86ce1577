package conflict

import (
	"testing"
	"time"
)

func TestTimestampResolverNewerWins(t *testing.T) {
	r, err := Dispatch(StrategyTimestamp, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	local := Side{PeerID: "local", ModTime: time.Unix(100, 0), Data: []byte("local")}
	remote := Side{PeerID: "remote", ModTime: time.Unix(200, 0), Data: []byte("remote")}

	res, err := r.Resolve("f.txt", local, remote)
	if err != nil {
		t.Fatal(err)
	}
	if string(res.Data) != "remote" {
		t.Fatalf("expected newer mtime (remote) to win, got %q", res.Data)
	}
}

func TestTimestampResolverTieFavorsIncoming(t *testing.T) {
	r, _ := Dispatch(StrategyTimestamp, nil, nil)
	same := time.Unix(100, 0)
	local := Side{PeerID: "local", ModTime: same, Data: []byte("local")}
	remote := Side{PeerID: "remote", ModTime: same, Data: []byte("remote")}

	res, err := r.Resolve("f.txt", local, remote)
	if err != nil {
		t.Fatal(err)
	}
	if string(res.Data) != "remote" {
		t.Fatal("expected tie to favor incoming side")
	}
}

func TestLatestResolverAlwaysTakesIncoming(t *testing.T) {
	r, _ := Dispatch(StrategyLatest, nil, nil)
	local := Side{PeerID: "local", ModTime: time.Unix(999, 0), Data: []byte("local")}
	remote := Side{PeerID: "remote", ModTime: time.Unix(1, 0), Data: []byte("remote")}

	res, err := r.Resolve("f.txt", local, remote)
	if err != nil {
		t.Fatal(err)
	}
	if string(res.Data) != "remote" {
		t.Fatal("latest strategy must always take the incoming side")
	}
}

func TestMergeResolverConcatenatesTextFiles(t *testing.T) {
	r, _ := Dispatch(StrategyMerge, nil, nil)
	local := Side{PeerID: "local", Data: []byte("hello"), IsText: true}
	remote := Side{PeerID: "remote", Data: []byte("world"), IsText: true}

	res, err := r.Resolve("notes.txt", local, remote)
	if err != nil {
		t.Fatal(err)
	}
	if res.Record.Strategy != StrategyMerge {
		t.Fatal("expected merge record")
	}
	if len(res.Data) <= len(local.Data)+len(remote.Data) {
		t.Fatal("expected merged output to contain a separator")
	}
}

func TestMergeResolverFallsBackToBackupForBinary(t *testing.T) {
	r, _ := Dispatch(StrategyMerge, nil, nil)
	local := Side{PeerID: "local", Data: []byte{0x00, 0x01}, IsText: false}
	remote := Side{PeerID: "remote", Data: []byte{0x02, 0x03}, IsText: false}

	res, err := r.Resolve("image.bin", local, remote)
	if err != nil {
		t.Fatal(err)
	}
	if res.Record.Strategy != StrategyBackup {
		t.Fatalf("expected binary merge to fall back to backup, got %s", res.Record.Strategy)
	}
	if res.Record.BackupPath == "" {
		t.Fatal("expected a backup path to be recorded")
	}
}

func TestBackupResolverKeepsBoth(t *testing.T) {
	r, _ := Dispatch(StrategyBackup, nil, nil)
	local := Side{PeerID: "local", Data: []byte("local")}
	remote := Side{PeerID: "remote", Data: []byte("remote")}

	res, err := r.Resolve("doc.txt", local, remote)
	if err != nil {
		t.Fatal(err)
	}
	if string(res.Data) != "remote" {
		t.Fatal("expected incoming to win at the original path")
	}
	if res.Record.BackupPath == "" {
		t.Fatal("expected non-empty backup path")
	}
}

type fakeVoter struct {
	hashes map[string][32]byte
	errs   map[string]error
}

func (f fakeVoter) QueryContentHash(peerID, path string) ([32]byte, error) {
	if err, ok := f.errs[peerID]; ok {
		return [32]byte{}, err
	}
	return f.hashes[peerID], nil
}

func TestPeerVoteMajorityWins(t *testing.T) {
	majorityHash := [32]byte{0xAA}
	minorityHash := [32]byte{0xBB}
	voter := fakeVoter{hashes: map[string][32]byte{
		"peer-a": majorityHash,
		"peer-b": majorityHash,
		"peer-c": minorityHash,
	}}
	r, err := Dispatch(StrategyPeerVote, voter, []string{"peer-a", "peer-b", "peer-c"})
	if err != nil {
		t.Fatal(err)
	}

	local := Side{PeerID: "local", ContentHash: minorityHash, Data: []byte("local")}
	remote := Side{PeerID: "remote", ContentHash: majorityHash, Data: []byte("remote")}

	res, err := r.Resolve("f.txt", local, remote)
	if err != nil {
		t.Fatal(err)
	}
	if string(res.Data) != "remote" {
		t.Fatal("expected majority hash (remote) to win")
	}
}

func TestPeerVoteTieFallsBackToBackup(t *testing.T) {
	hashA := [32]byte{0xAA}
	hashB := [32]byte{0xBB}
	voter := fakeVoter{hashes: map[string][32]byte{
		"peer-a": hashA,
		"peer-b": hashB,
	}}
	r, err := Dispatch(StrategyPeerVote, voter, []string{"peer-a", "peer-b"})
	if err != nil {
		t.Fatal(err)
	}

	local := Side{PeerID: "local", ContentHash: hashA, Data: []byte("local")}
	remote := Side{PeerID: "remote", ContentHash: hashB, Data: []byte("remote")}

	res, err := r.Resolve("f.txt", local, remote)
	if err != nil {
		t.Fatal(err)
	}
	if res.Record.Strategy != StrategyBackup {
		t.Fatalf("expected tie to fall back to backup, got %s", res.Record.Strategy)
	}
}

func TestPeerVoteThirdPeerMajorityFallsBackToBackup(t *testing.T) {
	thirdPeerHash := [32]byte{0xCC}
	voter := fakeVoter{hashes: map[string][32]byte{
		"peer-a": thirdPeerHash,
		"peer-b": thirdPeerHash,
	}}
	r, err := Dispatch(StrategyPeerVote, voter, []string{"peer-a", "peer-b"})
	if err != nil {
		t.Fatal(err)
	}

	local := Side{PeerID: "local", ContentHash: [32]byte{0xAA}, Data: []byte("local")}
	remote := Side{PeerID: "remote", ContentHash: [32]byte{0xBB}, Data: []byte("remote")}

	res, err := r.Resolve("f.txt", local, remote)
	if err != nil {
		t.Fatal(err)
	}
	if res.Record.Strategy != StrategyBackup {
		t.Fatalf("expected third-peer majority to fall back to backup, got %s", res.Record.Strategy)
	}
	if string(res.Data) != "remote" {
		t.Fatal("expected backup fallback to keep remote at path")
	}
}

func TestDispatchUnknownStrategy(t *testing.T) {
	if _, err := Dispatch(Strategy("bogus"), nil, nil); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}

func TestDispatchPeerVoteRequiresVoter(t *testing.T) {
	if _, err := Dispatch(StrategyPeerVote, nil, nil); err == nil {
		t.Fatal("expected error when no PeerVoter is supplied")
	}
}
