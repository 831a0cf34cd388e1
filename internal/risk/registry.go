package risk

import (
	"fmt"
	"strings"
)

// Registry is an ordered, immutable list of risk entries.
type Registry struct {
	entries []Entry
}

// NewRegistry validates entries and lowercases their patterns. Order is kept:
// the first matching entry always wins.
func NewRegistry(entries []Entry) (*Registry, error) {
	out := make([]Entry, 0, len(entries))
	for i, e := range entries {
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("risk entry %d: %w", i, err)
		}
		patterns := make([]string, len(e.Patterns))
		for j, p := range e.Patterns {
			patterns[j] = strings.ToLower(strings.TrimSpace(p))
		}
		e.Patterns = patterns
		out = append(out, e)
	}
	return &Registry{entries: out}, nil
}

// MustRegistry is NewRegistry for static tables; it panics on invalid input.
func MustRegistry(entries []Entry) *Registry {
	r, err := NewRegistry(entries)
	if err != nil {
		panic(err)
	}
	return r
}

// Match returns the first entry whose pattern is contained in either the app
// identifier or its display name, compared case-insensitively.
func (r *Registry) Match(appID, appName string) (Entry, bool) {
	id := strings.ToLower(appID)
	name := strings.ToLower(appName)
	for _, e := range r.entries {
		for _, p := range e.Patterns {
			if strings.Contains(id, p) || (name != "" && strings.Contains(name, p)) {
				return e, true
			}
		}
	}
	return Entry{}, false
}

// Entries returns a copy of the registry in match order.
func (r *Registry) Entries() []Entry {
	out := make([]Entry, len(r.entries))
	for i, e := range r.entries {
		e.Patterns = append([]string(nil), e.Patterns...)
		out[i] = e
	}
	return out
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	return len(r.entries)
}

// DefaultEntries is the built-in registry. Critical categories come first so
// they win when an app matches more than one entry.
func DefaultEntries() []Entry {
	return []Entry{
		{
			Patterns:     []string{"tinder", "bumble", "hinge", "grindr", "badoo", "okcupid", "com.match."},
			Category:     "Dating App",
			BaseSeverity: SeverityCritical,
			Description:  "Adult dating platforms expose minors to contact with adult strangers.",
		},
		{
			Patterns:     []string{"bet365", "draftkings", "fanduel", "pokerstars", "betway", "casino", "com.stake", "slots"},
			Category:     "Gambling",
			BaseSeverity: SeverityCritical,
			Description:  "Real-money betting and casino apps.",
		},
		{
			Patterns:     []string{"pornhub", "xvideos", "onlyfans", "xxx", "xhamster"},
			Category:     "Adult Content",
			BaseSeverity: SeverityCritical,
			Description:  "Sexually explicit content.",
		},
		{
			Patterns:     []string{"omegle", "chatroulette", "azar", "yubo", "holla", "monkey.app", "wink.app"},
			Category:     "Stranger Chat",
			BaseSeverity: SeverityCritical,
			Description:  "Random video or text chat with strangers, a common grooming vector.",
		},
		{
			Patterns:             []string{"org.torproject", "tor browser", "onion"},
			Category:             "Anonymous Browsing",
			BaseSeverity:         SeverityCritical,
			MinMinutesBeforeFlag: 1,
			Description:          "Anonymising browsers that bypass content filtering.",
		},
		{
			Patterns:             []string{"discord", "telegram", "kik", "snapchat", "whisper"},
			Category:             "Social Messaging",
			BaseSeverity:         SeverityMinor,
			MinMinutesBeforeFlag: 3,
			Description:          "Messaging with public servers or disappearing messages; risky with unknown contacts.",
		},
		{
			Patterns:             []string{"zhiliaoapp.musically", "tiktok", "musical.ly", "likee"},
			Category:             "Short Video",
			BaseSeverity:         SeverityMinor,
			MinMinutesBeforeFlag: 10,
			Description:          "Endless short-video feeds with unmoderated comments and DMs.",
		},
		{
			Patterns:             []string{"vpn", "proxy"},
			Category:             "VPN / Proxy",
			BaseSeverity:         SeverityMinor,
			MinMinutesBeforeFlag: 2,
			Description:          "Tunnelling apps that can hide browsing from parental filters.",
		},
	}
}

// DefaultRegistry returns the built-in registry.
func DefaultRegistry() *Registry {
	return MustRegistry(DefaultEntries())
}
