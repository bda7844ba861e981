package team

import (
	"errors"
	"testing"
	"time"
)

func TestRecorderSequenceBreaksTimestampTies(t *testing.T) {
	// A frozen clock simulates entries landing in the same instant.
	instant := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	r := NewRecorder(func() time.Time { return instant })

	r.Append(LogBroadcast, "a", "", 1, "first")
	r.Append(LogBroadcast, "b", "", 1, "second")
	r.Append(LogVote, "c", "", 1, "third")

	entries := r.Entries()
	for i, e := range entries {
		if e.Seq != i {
			t.Fatalf("entry %d has seq %d", i, e.Seq)
		}
	}

	// Shuffle, then restore total order.
	shuffled := []LogEntry{entries[2], entries[0], entries[1]}
	SortEntries(shuffled)
	for i, e := range shuffled {
		if e.Seq != i {
			t.Fatalf("after sort, position %d has seq %d", i, e.Seq)
		}
	}
}

func TestRecorderFreeze(t *testing.T) {
	r := NewRecorder(nil)
	if err := r.Append(LogDelegation, "a", "b", 1, "go"); err != nil {
		t.Fatalf("append: %v", err)
	}
	r.Freeze()
	if err := r.Append(LogBroadcast, "a", "", 1, "late"); !errors.Is(err, ErrLogFrozen) {
		t.Fatalf("append after freeze = %v", err)
	}
	if got := len(r.Entries()); got != 1 {
		t.Fatalf("entries = %d", got)
	}
}

func TestRecorderEntriesAreACopy(t *testing.T) {
	r := NewRecorder(nil)
	r.Append(LogVote, "a", "", 1, "original")
	entries := r.Entries()
	entries[0].Content = "mutated"
	if r.Entries()[0].Content != "original" {
		t.Fatal("caller mutation leaked into the recorder")
	}
}
