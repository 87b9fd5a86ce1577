package checkpoint

import (
	"testing"
	"time"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cp := Checkpoint{
		TransferID:      "t1",
		Path:            "/sync/file.bin",
		PeerID:          "peer-1",
		TotalSize:       100,
		CompletedChunks: map[uint64]bool{0: true},
		ChunkSize:       10,
		Checksum:        "abc",
		IsUpload:        true,
	}
	if err := store.Save(cp); err != nil {
		t.Fatal(err)
	}

	loaded, err := store.Load("t1")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Path != cp.Path || !loaded.CompletedChunks[0] {
		t.Fatalf("loaded checkpoint mismatch: %+v", loaded)
	}
}

func TestSaveAppendsHistoryLoadReturnsLatest(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cp := Checkpoint{TransferID: "t1", CompletedChunks: map[uint64]bool{0: true}}
	if err := store.Save(cp); err != nil {
		t.Fatal(err)
	}
	cp.CompletedChunks[1] = true
	if err := store.Save(cp); err != nil {
		t.Fatal(err)
	}

	loaded, err := store.Load("t1")
	if err != nil {
		t.Fatal(err)
	}
	if !loaded.CompletedChunks[1] {
		t.Fatal("expected latest snapshot to include chunk 1")
	}
}

func TestMissingChunks(t *testing.T) {
	cp := Checkpoint{CompletedChunks: map[uint64]bool{0: true, 2: true}}
	missing := cp.MissingChunks(4)
	if len(missing) != 2 || missing[0] != 1 || missing[1] != 3 {
		t.Fatalf("unexpected missing chunks: %v", missing)
	}
}

func TestListPendingAndPurge(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Save(Checkpoint{TransferID: "t1"}); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(Checkpoint{TransferID: "t2"}); err != nil {
		t.Fatal(err)
	}

	ids, err := store.ListPending()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 pending transfers, got %v", ids)
	}

	if err := store.Purge("t1"); err != nil {
		t.Fatal(err)
	}
	ids, err = store.ListPending()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "t2" {
		t.Fatalf("expected only t2 to remain, got %v", ids)
	}
}

type fakeReader struct{ data map[string][]byte }

func (f fakeReader) ReadPartial(path string) ([]byte, error) { return f.data[path], nil }

type fakeResumer struct{ resumed []string }

func (f *fakeResumer) Resume(cp Checkpoint, missing []uint64) error {
	f.resumed = append(f.resumed, cp.TransferID)
	return nil
}

func TestRecoverOnceResumesValidCheckpoint(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	data := []byte("partial-bytes")
	cp := Checkpoint{
		TransferID:      "t1",
		Path:            "/f.bin",
		Checksum:        PartialChecksum(data),
		CompletedChunks: map[uint64]bool{0: true},
		LastUpdate:      time.Now(),
	}
	if err := store.Save(cp); err != nil {
		t.Fatal(err)
	}

	reader := fakeReader{data: map[string][]byte{"/f.bin": data}}
	resumer := &fakeResumer{}
	totalChunks := func(Checkpoint) uint64 { return 2 }

	if err := RecoverOnce(store, reader, resumer, totalChunks, time.Now()); err != nil {
		t.Fatal(err)
	}
	if len(resumer.resumed) != 1 || resumer.resumed[0] != "t1" {
		t.Fatalf("expected t1 to be resumed, got %v", resumer.resumed)
	}
}

func TestRecoverOncePurgesStaleCheckpoints(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cp := Checkpoint{TransferID: "old"}
	if err := store.Save(cp); err != nil {
		t.Fatal(err)
	}

	reader := fakeReader{data: map[string][]byte{}}
	resumer := &fakeResumer{}
	totalChunks := func(Checkpoint) uint64 { return 1 }

	// Save stamps LastUpdate with the current time, so scan eight days later.
	if err := RecoverOnce(store, reader, resumer, totalChunks, time.Now().Add(8*24*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Load("old"); err == nil {
		t.Fatal("expected stale checkpoint to be purged")
	}
}

func TestRecoverOnceMarksFailedAfterMaxRetries(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cp := Checkpoint{TransferID: "bad", Checksum: "wrong", Retries: MaxRetries, LastUpdate: time.Now()}
	if err := store.Save(cp); err != nil {
		t.Fatal(err)
	}

	reader := fakeReader{data: map[string][]byte{}}
	resumer := &fakeResumer{}
	totalChunks := func(Checkpoint) uint64 { return 1 }

	if err := RecoverOnce(store, reader, resumer, totalChunks, time.Now()); err != nil {
		t.Fatal(err)
	}
	loaded, err := store.Load("bad")
	if err != nil {
		t.Fatal(err)
	}
	if !loaded.Failed {
		t.Fatal("expected checkpoint to be marked failed after exceeding max retries")
	}
}
