package wal

import (
	"errors"
	"testing"
	"time"
)

func TestCheckpointFlushesThenTruncates(t *testing.T) {
	// A checkpoint runs the flush callback and, once everything is
	// durable, empties both journal files.
	j := tempJournal(t)
	if err := j.Open(); err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	appendTxn(t, j, 1, true,
		&Entry{Type: EntryInsert, Key: []byte("k"), Record: []byte("v")},
	)

	flushed := false
	cp := NewCheckpointer(j, func() error {
		flushed = true
		j.MarkDurable(j.CurrentLSN())
		return nil
	})
	if err := cp.Checkpoint(); err != nil {
		t.Fatal(err)
	}

	if !flushed {
		t.Error("flush callback was not invoked")
	}
	entries, err := ReadAll(j.Files())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty journal after checkpoint, got %d entries", len(entries))
	}
}

func TestCheckpointKeepsUndurableEntries(t *testing.T) {
	// If the flush callback leaves entries past the durability
	// watermark, the truncation is skipped.
	j := tempJournal(t)
	if err := j.Open(); err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	appendTxn(t, j, 1, true,
		&Entry{Type: EntryInsert, Key: []byte("k"), Record: []byte("v")},
	)

	cp := NewCheckpointer(j, func() error { return nil }) // never marks durable
	if err := cp.Checkpoint(); err != nil {
		t.Fatal(err)
	}

	entries, err := ReadAll(j.Files())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) == 0 {
		t.Error("checkpoint truncated entries that were never made durable")
	}
}

func TestCheckpointFlushError(t *testing.T) {
	// A failing flush aborts the checkpoint and leaves the journal alone.
	j := tempJournal(t)
	if err := j.Open(); err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	appendTxn(t, j, 1, true,
		&Entry{Type: EntryInsert, Key: []byte("k"), Record: []byte("v")},
	)

	wantErr := errors.New("disk on fire")
	cp := NewCheckpointer(j, func() error { return wantErr })
	err := cp.Checkpoint()
	if err == nil || !errors.Is(err, wantErr) {
		t.Fatalf("expected wrapped flush error, got %v", err)
	}

	entries, readErr := ReadAll(j.Files())
	if readErr != nil {
		t.Fatal(readErr)
	}
	if len(entries) == 0 {
		t.Error("journal was truncated despite the failed flush")
	}
}

func TestCheckpointerBackgroundLoop(t *testing.T) {
	// The background loop checkpoints on its interval until stopped.
	j := tempJournal(t)
	if err := j.Open(); err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	flushes := make(chan struct{}, 16)
	cp := NewCheckpointer(j, func() error {
		j.MarkDurable(j.CurrentLSN())
		select {
		case flushes <- struct{}{}:
		default:
		}
		return nil
	})
	cp.SetInterval(10 * time.Millisecond)
	cp.Start()

	select {
	case <-flushes:
	case <-time.After(2 * time.Second):
		t.Fatal("background checkpoint never fired")
	}
	cp.Stop()
}

func TestCheckpointerStopIsSynchronous(t *testing.T) {
	// Stop blocks until the goroutine has exited.
	j := tempJournal(t)
	if err := j.Open(); err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	cp := NewCheckpointer(j, func() error { return nil })
	cp.SetInterval(time.Hour)
	cp.Start()
	done := make(chan struct{})
	go func() {
		cp.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}
