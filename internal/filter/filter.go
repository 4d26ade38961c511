// Package filter rejects noise and transient jumps in raw infrared readings.
// This package has NO external dependencies (no serial, no clock).
package filter

// Default tuning, matching the sensor's factory behaviour.
const (
	DefaultMaxChange          = 10.0
	DefaultStabilityThreshold = 5
	DefaultStableRange        = 5.0
)

// Config holds the filter tuning.
type Config struct {
	// MaxChange is the largest accepted step between consecutive trusted readings.
	MaxChange float64
	// StabilityThreshold is the history length required to accept a jump.
	StabilityThreshold int
	// StableRange is the max spread of the history for a jump to count as stabilized.
	StableRange float64
}

// DefaultConfig returns the factory tuning.
func DefaultConfig() Config {
	return Config{
		MaxChange:          DefaultMaxChange,
		StabilityThreshold: DefaultStabilityThreshold,
		StableRange:        DefaultStableRange,
	}
}

// Filter turns raw samples into trusted temperatures.
// Not safe for concurrent use; owned by the control loop.
type Filter struct {
	cfg     Config
	history *history
	last    float64
	seeded  bool
}

// New creates a Filter. A non-positive StabilityThreshold falls back to the default.
func New(cfg Config) *Filter {
	if cfg.StabilityThreshold <= 0 {
		cfg.StabilityThreshold = DefaultStabilityThreshold
	}
	return &Filter{
		cfg:     cfg,
		history: newHistory(cfg.StabilityThreshold),
	}
}

// Observe feeds one raw reading and returns the trusted value, if any.
//
// A rejected jump is kept in the history: if the following readings settle
// within StableRange of each other it is accepted as the new baseline.
func (f *Filter) Observe(raw float64) (float64, bool) {
	if !f.seeded {
		f.seeded = true
		f.last = raw
		f.history.push(raw)
		return raw, true
	}

	if abs(raw-f.last) <= f.cfg.MaxChange {
		f.history.push(raw)
		f.last = raw
		return raw, true
	}

	f.history.push(raw)
	if f.history.full() && f.history.spread() <= f.cfg.StableRange {
		f.last = raw
		return raw, true
	}
	return 0, false
}

// Last returns the most recently accepted value and whether one exists.
func (f *Filter) Last() (float64, bool) {
	return f.last, f.seeded
}

// Reset forgets all history, as at the start of a new run.
func (f *Filter) Reset() {
	f.seeded = false
	f.last = 0
	f.history = newHistory(f.cfg.StabilityThreshold)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
