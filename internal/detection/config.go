package detection

import "time"

// Config holds the detection tunables.
type Config struct {
	PollInterval        time.Duration
	ConfidenceThreshold float64
	AlertCooldown       time.Duration
	SameAppSkip         time.Duration
	MaxFlagsPerDay      int
	SelfPackage         string
	LogCapacity         int
	ForegroundTimeout   time.Duration
	// SimulatedDwell is the session length reported to Tier-2 by Simulate.
	SimulatedDwell time.Duration
	// Location renders the time of day passed to Tier-2.
	Location *time.Location
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:        10 * time.Second,
		ConfidenceThreshold: 0.6,
		AlertCooldown:       15 * time.Minute,
		SameAppSkip:         30 * time.Second,
		MaxFlagsPerDay:      10,
		SelfPackage:         "com.aura.app",
		LogCapacity:         50,
		ForegroundTimeout:   5 * time.Second,
		SimulatedDwell:      10 * time.Minute,
		Location:            time.Local,
	}
}

// withDefaults fills zero fields. A zero ConfidenceThreshold is kept: it
// means "act on every suspicious verdict".
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		c.ConfidenceThreshold = d.ConfidenceThreshold
	}
	if c.AlertCooldown < 0 {
		c.AlertCooldown = d.AlertCooldown
	}
	if c.SameAppSkip < 0 {
		c.SameAppSkip = d.SameAppSkip
	}
	if c.MaxFlagsPerDay <= 0 {
		c.MaxFlagsPerDay = d.MaxFlagsPerDay
	}
	if c.LogCapacity <= 0 {
		c.LogCapacity = d.LogCapacity
	}
	if c.ForegroundTimeout <= 0 {
		c.ForegroundTimeout = d.ForegroundTimeout
	}
	if c.SimulatedDwell <= 0 {
		c.SimulatedDwell = d.SimulatedDwell
	}
	if c.Location == nil {
		c.Location = d.Location
	}
	return c
}
