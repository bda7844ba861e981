package team

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// LogEntryType classifies a cross-agent interaction.
type LogEntryType string

const (
	LogDelegation   LogEntryType = "delegation"
	LogBroadcast    LogEntryType = "broadcast"
	LogToolShare    LogEntryType = "tool_share"
	LogVote         LogEntryType = "vote"
	LogConsensus    LogEntryType = "consensus"
	LogIntervention LogEntryType = "intervention"
)

// LogEntry is one record in the collaboration log. Seq is a monotonic
// insertion sequence that breaks timestamp ties, guaranteeing total order.
type LogEntry struct {
	Seq       int          `json:"seq"`
	Type      LogEntryType `json:"type"`
	FromAgent string       `json:"from_agent,omitempty"`
	ToAgent   string       `json:"to_agent,omitempty"`
	Round     int          `json:"round,omitempty"`
	Content   string       `json:"content"`
	Timestamp time.Time    `json:"timestamp"`
}

// ErrLogFrozen is returned when appending after the run reached a
// terminal state.
var ErrLogFrozen = errors.New("collaboration log is frozen")

// Recorder is the append-only collaboration log. Timestamps come from a
// single clock owned by the orchestrator, never from agent executors, so
// entries are totally ordered even under concurrent agent runs.
type Recorder struct {
	mu      sync.Mutex
	clock   func() time.Time
	entries []LogEntry
	frozen  bool
}

// NewRecorder creates a recorder stamped by the given clock.
func NewRecorder(clock func() time.Time) *Recorder {
	if clock == nil {
		clock = time.Now
	}
	return &Recorder{clock: clock}
}

// Append records one interaction, assigning its timestamp and sequence.
func (r *Recorder) Append(typ LogEntryType, from, to string, round int, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrLogFrozen
	}
	r.entries = append(r.entries, LogEntry{
		Seq:       len(r.entries),
		Type:      typ,
		FromAgent: from,
		ToAgent:   to,
		Round:     round,
		Content:   content,
		Timestamp: r.clock(),
	})
	return nil
}

// Freeze seals the log; further appends fail.
func (r *Recorder) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Entries returns a copy of the log in total order.
func (r *Recorder) Entries() []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LogEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// SortEntries restores total order for entries reloaded from storage:
// timestamp first, insertion sequence breaking ties.
func SortEntries(entries []LogEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].Seq < entries[j].Seq
		}
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
}
