package detection

import (
	"time"

	"github.com/mbd888/aurawatch/internal/risk"
)

// LogKind classifies a detection log entry.
type LogKind string

const (
	LogInfo      LogKind = "info"
	LogSafe      LogKind = "safe"
	LogPaused    LogKind = "paused"
	LogCooldown  LogKind = "cooldown"
	LogWaiting   LogKind = "waiting"
	LogCleared   LogKind = "cleared"
	LogFlagged   LogKind = "flagged"
	LogError     LogKind = "error"
	LogSimulated LogKind = "simulated"
)

// LogEntry is one observable step of the pipeline.
type LogEntry struct {
	At         time.Time     `json:"at"`
	Kind       LogKind       `json:"kind"`
	AppID      string        `json:"appId,omitempty"`
	AppName    string        `json:"appName,omitempty"`
	Message    string        `json:"message"`
	Severity   risk.Severity `json:"severity,omitempty"`
	Confidence float64       `json:"confidence,omitempty"`
}

// LogBuffer keeps the newest entries first and drops the oldest past
// capacity. Not safe for concurrent use; the detector goroutine owns it.
type LogBuffer struct {
	capacity int
	entries  []LogEntry
}

// NewLogBuffer creates a buffer holding at most capacity entries.
func NewLogBuffer(capacity int) *LogBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &LogBuffer{capacity: capacity, entries: make([]LogEntry, 0, capacity)}
}

// Add inserts e at the head.
func (b *LogBuffer) Add(e LogEntry) {
	if len(b.entries) < b.capacity {
		b.entries = append(b.entries, LogEntry{})
	}
	copy(b.entries[1:], b.entries[:len(b.entries)-1])
	b.entries[0] = e
}

// Entries returns a copy, newest first.
func (b *LogBuffer) Entries() []LogEntry {
	out := make([]LogEntry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Len returns the number of entries.
func (b *LogBuffer) Len() int { return len(b.entries) }
