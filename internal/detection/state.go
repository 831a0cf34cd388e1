package detection

import (
	"maps"
	"time"

	"github.com/mbd888/aurawatch/internal/risk"
)

// PendingAlert is the single outstanding UI-facing alert.
type PendingAlert struct {
	AlertID        string        `json:"alertId,omitempty"`
	AppName        string        `json:"appName"`
	AppID          string        `json:"appId"`
	Category       string        `json:"category"`
	Severity       risk.Severity `json:"severity"`
	Reasoning      string        `json:"reasoning"`
	Confidence     float64       `json:"confidence"`
	PenaltyApplied bool          `json:"auraDeducted"`
	Simulated      bool          `json:"simulated"`
	RaisedAt       time.Time     `json:"raisedAt"`
}

// Snapshot is an immutable copy of a detector's state.
type Snapshot struct {
	ChildID        string               `json:"childId"`
	IsDetecting    bool                 `json:"isDetecting"`
	FlagCountToday int                  `json:"flagCountToday"`
	MaxFlagsPerDay int                  `json:"maxFlagsPerDay"`
	Paused         bool                 `json:"paused"`
	LastCheckedApp string               `json:"lastCheckedApp,omitempty"`
	LastCheckedAt  time.Time            `json:"lastCheckedAt,omitzero"`
	PendingAlert   *PendingAlert        `json:"pendingAlert,omitempty"`
	Cooldowns      map[string]time.Time `json:"cooldowns"`
	SessionStarts  map[string]time.Time `json:"sessionStarts"`
	AppFlags       map[string]int       `json:"appFlags"`
	Logs           []LogEntry           `json:"logs"`
	UpdatedAt      time.Time            `json:"updatedAt"`
}

// state is the detector's runtime state. Only the detector goroutine reads
// or writes it.
type state struct {
	isDetecting    bool
	cooldowns      map[string]time.Time // app id -> last dispatched flag
	sessionStarts  map[string]time.Time // app id -> first sighting this session
	appFlags       map[string]int       // app id -> flags today
	flagCountToday int
	lastCheckedApp string
	lastCheckedAt  time.Time
	pendingAlert   *PendingAlert
	logs           *LogBuffer
}

func newState(logCapacity int) *state {
	return &state{
		cooldowns:     make(map[string]time.Time),
		sessionStarts: make(map[string]time.Time),
		appFlags:      make(map[string]int),
		logs:          NewLogBuffer(logCapacity),
	}
}

// endSession clears what belongs to one enabled window. The daily counters,
// the log and the pending alert survive so stop/start cannot bypass the
// daily ceiling.
func (s *state) endSession() {
	s.isDetecting = false
	clear(s.cooldowns)
	clear(s.sessionStarts)
	s.lastCheckedApp = ""
	s.lastCheckedAt = time.Time{}
}

func (s *state) resetDaily() {
	s.flagCountToday = 0
	clear(s.appFlags)
}

func (s *state) snapshot(childID string, maxFlags int, now time.Time) *Snapshot {
	snap := &Snapshot{
		ChildID:        childID,
		IsDetecting:    s.isDetecting,
		FlagCountToday: s.flagCountToday,
		MaxFlagsPerDay: maxFlags,
		Paused:         s.flagCountToday >= maxFlags,
		LastCheckedApp: s.lastCheckedApp,
		LastCheckedAt:  s.lastCheckedAt,
		Cooldowns:      maps.Clone(s.cooldowns),
		SessionStarts:  maps.Clone(s.sessionStarts),
		AppFlags:       maps.Clone(s.appFlags),
		Logs:           s.logs.Entries(),
		UpdatedAt:      now,
	}
	if s.pendingAlert != nil {
		p := *s.pendingAlert
		snap.PendingAlert = &p
	}
	return snap
}
