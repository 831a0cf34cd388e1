// Package risk holds the static registry of known-risk apps and the Tier-1
// matcher that runs against it.
//
// Every foreground app the detector sees is checked here first. A registry
// hit is advisory only: the entry's base severity is informational and the
// authoritative verdict comes from the Tier-2 arbiter.
package risk

import (
	"fmt"
	"strings"
)

// Severity is the weight of a flagged activity.
type Severity string

const (
	SeverityMinor    Severity = "minor"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	return s == SeverityMinor || s == SeverityCritical
}

// ParseSeverity converts a case-insensitive string to a Severity.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if !sev.Valid() {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// Entry describes one class of risky app.
type Entry struct {
	Patterns             []string `json:"patterns" yaml:"patterns"`
	Category             string   `json:"category" yaml:"category"`
	BaseSeverity         Severity `json:"baseSeverity" yaml:"severity"`
	MinMinutesBeforeFlag int      `json:"minMinutesBeforeFlag" yaml:"min_minutes"`
	Description          string   `json:"description" yaml:"description"`
}

// Validate checks a single entry.
func (e Entry) Validate() error {
	if e.Category == "" {
		return fmt.Errorf("category is required")
	}
	if len(e.Patterns) == 0 {
		return fmt.Errorf("%s: at least one pattern is required", e.Category)
	}
	for _, p := range e.Patterns {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("%s: empty pattern", e.Category)
		}
	}
	if !e.BaseSeverity.Valid() {
		return fmt.Errorf("%s: unknown severity %q", e.Category, e.BaseSeverity)
	}
	if e.MinMinutesBeforeFlag < 0 {
		return fmt.Errorf("%s: min minutes must be >= 0", e.Category)
	}
	return nil
}
