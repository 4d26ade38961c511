// Package control implements the annealing control loop.
// The loop reads no clock of its own: every tick carries its time, so the
// state machine runs the same under a ticker or a test script.
package control

import (
	"errors"
	"fmt"
	"time"

	"github.com/sweeney/anneal-control/internal/instrument"
)

// ErrInvalidConfig is returned when a run cannot start with its Config.
var ErrInvalidConfig = errors.New("control: invalid config")

// Domain conversion between the pyrometer reading and the process temperature.
const (
	SensorGain   = 0.88
	SensorOffset = 9.87
)

// ToSensor converts an external (process) temperature to the sensor domain.
func ToSensor(external float64) float64 {
	return (external - SensorOffset) / SensorGain
}

// ToExternal converts a sensor-domain temperature to the process temperature.
func ToExternal(sensor float64) float64 {
	return sensor*SensorGain + SensorOffset
}

// Tuning defaults.
const (
	DefaultVoltage              = 25.0
	DefaultMaxChangeRate        = 0.05
	DefaultLadderStep           = 0.05
	DefaultVoltageEvery         = 10
	DefaultDropoutLimit         = 10
	DefaultInstrumentErrorLimit = 5
	DefaultResistanceLimit      = 30.0

	// LadderThreshold is the sensor-domain setpoint above which the
	// pyrometer is unreliable and the open-loop ramp is used.
	LadderThreshold = 590.0

	// ApproachBand starts the heating timer this far below the external setpoint.
	ApproachBand = 5.0
)

// Mode is the control strategy of a run.
type Mode int

const (
	ModeManual Mode = iota
	ModeAI
	ModeLadder
	ModeRecovery
)

func (m Mode) String() string {
	switch m {
	case ModeManual:
		return "manual"
	case ModeAI:
		return "ai"
	case ModeLadder:
		return "ladder"
	case ModeRecovery:
		return "recovery"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode parses the names produced by Mode.String.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "manual":
		return ModeManual, nil
	case "ai":
		return ModeAI, nil
	case "ladder":
		return ModeLadder, nil
	case "recovery":
		return ModeRecovery, nil
	}
	return 0, fmt.Errorf("unknown mode %q", s)
}

// Phase is the state of the loop.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseManual
	PhaseAI
	PhaseLadder
	PhaseRecovery
	PhaseStopping
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseManual:
		return "manual"
	case PhaseAI:
		return "ai"
	case PhaseLadder:
		return "ladder"
	case PhaseRecovery:
		return "recovery"
	case PhaseStopping:
		return "stopping"
	case PhaseDone:
		return "done"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

func phaseFor(m Mode) Phase {
	switch m {
	case ModeAI:
		return PhaseAI
	case ModeLadder:
		return PhaseLadder
	case ModeRecovery:
		return PhaseRecovery
	default:
		return PhaseManual
	}
}

// Source tells where a tick's temperature came from.
type Source int

const (
	SourceNone Source = iota
	SourceTrusted
	SourceVirtual
)

func (s Source) String() string {
	switch s {
	case SourceTrusted:
		return "trusted"
	case SourceVirtual:
		return "virtual"
	default:
		return "none"
	}
}

// Warning is an operator notification.
type Warning int

const (
	// WarnSensorFailure: repeated dropout forced manual mode.
	WarnSensorFailure Warning = iota
	// WarnCurrentReached: a manual adjustment reached its target.
	WarnCurrentReached
	// WarnHeatingComplete: the heating duration elapsed.
	WarnHeatingComplete
	// WarnResistance: measured load resistance is out of range.
	WarnResistance
	// WarnInstrument: a power supply command failed.
	WarnInstrument
	// WarnConnectionLost: the power supply stopped answering.
	WarnConnectionLost
)

func (w Warning) String() string {
	switch w {
	case WarnSensorFailure:
		return "sensor_failure"
	case WarnCurrentReached:
		return "current_reached"
	case WarnHeatingComplete:
		return "heating_complete"
	case WarnResistance:
		return "resistance_abnormal"
	case WarnInstrument:
		return "instrument_error"
	case WarnConnectionLost:
		return "connection_lost"
	default:
		return fmt.Sprintf("warning(%d)", int(w))
	}
}

// Message is the operator-facing text.
func (w Warning) Message() string {
	switch w {
	case WarnSensorFailure:
		return "Multiple consecutive temperature reading failures. Switched to manual control."
	case WarnCurrentReached:
		return "Current adjusted to target value."
	case WarnHeatingComplete:
		return "Heating duration reached, stopping control."
	case WarnResistance:
		return "Resistance wire abnormal, check the heater connection."
	case WarnInstrument:
		return "Power supply command failed."
	case WarnConnectionLost:
		return "Power supply connection lost, stopping control."
	default:
		return w.String()
	}
}

// StopReason explains why a run ended.
type StopReason int

const (
	ReasonNone StopReason = iota
	ReasonRequested
	ReasonPaused
	ReasonHandover
	ReasonHeatingComplete
	ReasonConnectionLost
	ReasonFault
	ReasonRecovery
	ReasonCanceled
)

func (r StopReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonRequested:
		return "requested"
	case ReasonPaused:
		return "paused"
	case ReasonHandover:
		return "handover"
	case ReasonHeatingComplete:
		return "heating_complete"
	case ReasonConnectionLost:
		return "connection_lost"
	case ReasonFault:
		return "fault"
	case ReasonRecovery:
		return "recovery"
	case ReasonCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// Profile is the temperature program of an automatic run.
type Profile struct {
	// Setpoint is the target process temperature in °C (external domain).
	Setpoint float64
	// HeatingRate is the planned ramp in °C/s.
	HeatingRate float64
}

// SensorSetpoint returns the setpoint in the sensor domain.
func (p Profile) SensorSetpoint() float64 {
	return ToSensor(p.Setpoint)
}

// Config is frozen for the lifetime of a run.
type Config struct {
	// Voltage is the programmed voltage limit.
	Voltage float64
	// MaxCurrent is the upper output bound, and the fixed current in manual mode.
	MaxCurrent float64
	// Profile is nil for a manual run.
	Profile *Profile
	// HeatingTime is the hold duration once the timer starts. Zero selects
	// manual mode and disables the limit.
	HeatingTime time.Duration
	// Recovery ramps down whatever the supply is delivering and stops.
	Recovery bool

	// CurrentLimit caps manual adjustment targets. Zero means no cap.
	CurrentLimit float64

	MaxChangeRate        float64
	LadderStep           float64
	VoltageEvery         int
	DropoutLimit         int
	InstrumentErrorLimit int
	ResistanceLimit      float64
}

// WithDefaults fills unset tuning fields.
func (c Config) WithDefaults() Config {
	if c.Voltage == 0 {
		c.Voltage = DefaultVoltage
	}
	if c.MaxChangeRate == 0 {
		c.MaxChangeRate = DefaultMaxChangeRate
	}
	if c.LadderStep == 0 {
		c.LadderStep = DefaultLadderStep
	}
	if c.VoltageEvery == 0 {
		c.VoltageEvery = DefaultVoltageEvery
	}
	if c.DropoutLimit == 0 {
		c.DropoutLimit = DefaultDropoutLimit
	}
	if c.InstrumentErrorLimit == 0 {
		c.InstrumentErrorLimit = DefaultInstrumentErrorLimit
	}
	if c.ResistanceLimit == 0 {
		c.ResistanceLimit = DefaultResistanceLimit
	}
	return c
}

// Validate checks a defaulted Config.
func (c Config) Validate() error {
	switch {
	case c.Voltage <= 0:
		return fmt.Errorf("%w: voltage must be positive, got %v", ErrInvalidConfig, c.Voltage)
	case c.MaxCurrent < 0:
		return fmt.Errorf("%w: max current must not be negative, got %v", ErrInvalidConfig, c.MaxCurrent)
	case c.MaxChangeRate <= 0:
		return fmt.Errorf("%w: max change rate must be positive, got %v", ErrInvalidConfig, c.MaxChangeRate)
	case c.HeatingTime < 0:
		return fmt.Errorf("%w: heating time must not be negative, got %v", ErrInvalidConfig, c.HeatingTime)
	case c.CurrentLimit < 0:
		return fmt.Errorf("%w: current limit must not be negative, got %v", ErrInvalidConfig, c.CurrentLimit)
	}
	if c.Profile != nil && c.Profile.HeatingRate <= 0 {
		return fmt.Errorf("%w: heating rate must be positive, got %v", ErrInvalidConfig, c.Profile.HeatingRate)
	}
	return nil
}

// SelectMode picks the entry mode for c.
func SelectMode(c Config) Mode {
	switch {
	case c.Recovery:
		return ModeRecovery
	case c.Profile == nil || c.HeatingTime == 0:
		return ModeManual
	case c.Profile.SensorSetpoint() > LadderThreshold:
		return ModeLadder
	default:
		return ModeAI
	}
}

// Reading is a per-tick snapshot for display surfaces.
type Reading struct {
	Time  time.Time
	Tick  int
	Phase Phase

	// Source is SourceNone until the first trusted sample.
	Source Source
	// Sensor is the sensor-domain temperature used this tick.
	Sensor float64
	// Actual is Sensor in the external domain.
	Actual float64
	// SensorSetpoint is zero for manual runs.
	SensorSetpoint float64

	Current float64
	Voltage instrument.Measurement

	HeatingStarted bool
	HeatingElapsed time.Duration
	FailedReads    int
}

// Record is one data-log line.
type Record struct {
	Time        time.Time
	Phase       Phase
	Source      Source
	Temperature float64 // sensor domain
	Actual      float64 // external domain
	Output      float64
	Voltage     instrument.Measurement
}

// Display receives live state and notifications.
type Display interface {
	Update(r Reading)
	NotifyWarning(w Warning)
}

// Recorder appends data-log records. Close is called once when the run ends.
type Recorder interface {
	Append(r Record) error
	Close() error
}

// Predictor maps a temperature to the next actuation value.
type Predictor interface {
	Predict(current, setpoint, heatingRate float64) float64
}

// Result summarizes a finished run.
type Result struct {
	Mode           Mode
	Reason         StopReason
	Start          time.Time
	End            time.Time
	Ticks          int
	FinalCurrent   float64
	OutputOff      bool
	HeatingStarted bool
	HeatingElapsed time.Duration
	Warnings       []Warning
}

type nopDisplay struct{}

func (nopDisplay) Update(Reading)        {}
func (nopDisplay) NotifyWarning(Warning) {}

type nopRecorder struct{}

func (nopRecorder) Append(Record) error { return nil }
func (nopRecorder) Close() error        { return nil }

// Displays fans out to several displays.
type Displays []Display

// Update forwards r to every display.
func (d Displays) Update(r Reading) {
	for _, x := range d {
		x.Update(r)
	}
}

// NotifyWarning forwards w to every display.
func (d Displays) NotifyWarning(w Warning) {
	for _, x := range d {
		x.NotifyWarning(w)
	}
}
