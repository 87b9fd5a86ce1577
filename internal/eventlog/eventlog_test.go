package eventlog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestEmitAppendsJSONLLines(t *testing.T) {
	dir := t.TempDir()
	sink, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer sink.Close()

	sink.Emit(KindAuthFailed, "transport", "gcm tag mismatch", map[string]any{"peer_id": "p1"})
	sink.Emit(KindPolicyDenied, "orchestrator", "selective-sync exclude", nil)

	f, err := os.Open(filepath.Join(dir, "events.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}

	var ev Event
	if err := json.Unmarshal([]byte(lines[0]), &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Kind != KindAuthFailed || ev.Component != "transport" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Time.IsZero() {
		t.Fatal("expected non-zero timestamp to be stamped")
	}
}

func TestOpenCreatesStateDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	sink, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer sink.Close()
	if _, err := os.Stat(dir); err != nil {
		t.Fatal(err)
	}
}
