// Package status provides a thread-safe status tracker for the controller.
// It is written by the control loop (as a display) and read by HTTP
// handlers, heartbeats and the websocket stream.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/anneal-control/internal/control"
)

// MaxWarnings is how many recent warnings a snapshot keeps.
const MaxWarnings = 20

// Config contains daemon configuration for display.
type Config struct {
	HeartbeatMs int64
	Broker      string
	HTTPAddr    string
	Instrument  string
	Sensor      string
}

// WarningEntry is a timestamped operator warning.
type WarningEntry struct {
	Time time.Time
	Kind control.Warning
}

// Run describes the active or most recent control run.
type Run struct {
	ID          string
	Mode        control.Mode
	Profile     *control.Profile
	HeatingTime time.Duration
	Voltage     float64
	MaxCurrent  float64
	Started     time.Time
	Running     bool
	Result      *control.Result
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	Reading       control.Reading
	HaveReading   bool
	Run           *Run
	Warnings      []WarningEntry
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Running reports whether a control run is in progress.
func (s Snapshot) Running() bool {
	return s.Run != nil && s.Run.Running
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu       sync.RWMutex
	snap     Snapshot
	warnings []WarningEntry
	run      *Run
	now      func() time.Time
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
		},
		now: time.Now,
	}
}

// BeginRun records the start of a control run and clears the last reading.
func (t *Tracker) BeginRun(id string, cfg control.Config, started time.Time) {
	run := &Run{
		ID:          id,
		Mode:        control.SelectMode(cfg),
		HeatingTime: cfg.HeatingTime,
		Voltage:     cfg.Voltage,
		MaxCurrent:  cfg.MaxCurrent,
		Started:     started,
		Running:     true,
	}
	if cfg.Profile != nil {
		p := *cfg.Profile
		run.Profile = &p
	}
	t.mu.Lock()
	t.run = run
	t.snap.HaveReading = false
	t.snap.Reading = control.Reading{}
	t.warnings = nil
	t.mu.Unlock()
}

// EndRun records the result of the current run.
func (t *Tracker) EndRun(res control.Result) {
	t.mu.Lock()
	if t.run != nil {
		r := *t.run
		r.Running = false
		r.Result = &res
		t.run = &r
	}
	t.mu.Unlock()
}

// Update stores the latest loop reading.
// Called from the control loop on every tick.
func (t *Tracker) Update(r control.Reading) {
	t.mu.Lock()
	t.snap.Reading = r
	t.snap.HaveReading = true
	t.mu.Unlock()
}

// NotifyWarning appends w to the recent warnings.
func (t *Tracker) NotifyWarning(w control.Warning) {
	t.mu.Lock()
	t.warnings = append(t.warnings, WarningEntry{Time: t.now(), Kind: w})
	if len(t.warnings) > MaxWarnings {
		t.warnings = t.warnings[len(t.warnings)-MaxWarnings:]
	}
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	s.Warnings = append([]WarningEntry(nil), t.warnings...)
	if t.run != nil {
		r := *t.run
		s.Run = &r
	}
	t.mu.RUnlock()
	s.Now = t.now()
	return s
}
