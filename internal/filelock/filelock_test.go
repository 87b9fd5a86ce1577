package filelock

import (
	"testing"
	"time"
)

func TestWriteLockExcludesSecondWriter(t *testing.T) {
	l := New()
	h, err := l.Acquire("/f.txt", Write, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Release()

	if _, err := l.Acquire("/f.txt", Write, 50*time.Millisecond); err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestWriteLockReleaseUnblocksWaiter(t *testing.T) {
	l := New()
	h, err := l.Acquire("/f.txt", Write, time.Second)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		h2, err := l.Acquire("/f.txt", Write, time.Second)
		if err == nil {
			h2.Release()
		}
		done <- err
	}()

	time.Sleep(30 * time.Millisecond)
	h.Release()

	if err := <-done; err != nil {
		t.Fatalf("expected second writer to acquire after release, got %v", err)
	}
}

func TestMultipleReadersAllowed(t *testing.T) {
	l := New()
	h1, err := l.Acquire("/f.txt", Read, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer h1.Release()

	h2, err := l.Acquire("/f.txt", Read, time.Second)
	if err != nil {
		t.Fatalf("expected concurrent readers to be allowed: %v", err)
	}
	h2.Release()
}

func TestWriterExcludesReader(t *testing.T) {
	l := New()
	h, err := l.Acquire("/f.txt", Write, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Release()

	if _, err := l.Acquire("/f.txt", Read, 50*time.Millisecond); err != ErrTimeout {
		t.Fatalf("expected reader to time out while writer holds lock, got %v", err)
	}
}

func TestDistinctPathsDoNotContend(t *testing.T) {
	l := New()
	h1, err := l.Acquire("/a.txt", Write, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer h1.Release()

	h2, err := l.Acquire("/b.txt", Write, time.Second)
	if err != nil {
		t.Fatalf("expected independent path to acquire immediately: %v", err)
	}
	h2.Release()
}
