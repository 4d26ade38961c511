// Package config loads the controller's YAML configuration: the run profile
// plus daemon wiring (instrument, sensor, broker, HTTP, storage, interlock).
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sweeney/anneal-control/internal/control"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid config")

// Run is the per-run profile. Pointer fields distinguish "not supplied"
// from zero; a profile without setpoint or heating time runs in manual mode.
type Run struct {
	Voltage     *float64 `yaml:"voltage"`
	MaxCurrent  *float64 `yaml:"max_current"`
	Setpoint    *float64 `yaml:"setpoint"`     // external °C
	HeatingRate *float64 `yaml:"heating_rate"` // °C/s
	HeatingTime *float64 `yaml:"heating_time"` // seconds
	// CurrentLimit caps manual adjust targets; 0 means no cap.
	CurrentLimit *float64 `yaml:"current_limit"`
}

// Tuning overrides the control loop constants.
type Tuning struct {
	MaxChangeRate        *float64       `yaml:"max_change_rate"`
	LadderStep           *float64       `yaml:"ladder_step"`
	VoltageEvery         *int           `yaml:"voltage_every"`
	DropoutLimit         *int           `yaml:"dropout_limit"`
	InstrumentErrorLimit *int           `yaml:"instrument_error_limit"`
	ResistanceLimit      *float64       `yaml:"resistance_limit"`
	Tick                 *time.Duration `yaml:"tick"`
}

// Interlock configures the optional GPIO safety line.
type Interlock struct {
	Enabled   bool          `yaml:"enabled"`
	Chip      string        `yaml:"chip"`
	Pin       int           `yaml:"pin"`
	ActiveLow bool          `yaml:"active_low"`
	Debounce  time.Duration `yaml:"debounce"`
}

// Daemon holds process-level wiring.
type Daemon struct {
	Instrument        string        `yaml:"instrument"` // host:port or USBTMC device path
	InstrumentTimeout time.Duration `yaml:"instrument_timeout"`
	Sensor            string        `yaml:"sensor"` // device path; empty searches by-id
	SensorBaud        int           `yaml:"sensor_baud"`

	Model        string `yaml:"model"`
	InputScaler  string `yaml:"input_scaler"`
	OutputScaler string `yaml:"output_scaler"`

	LogDir     string `yaml:"log_dir"`
	AILog      string `yaml:"ai_log"`
	HistoryDir string `yaml:"history_dir"` // empty keeps history in memory

	Broker    string        `yaml:"broker"` // empty disables MQTT
	Heartbeat time.Duration `yaml:"heartbeat"`
	HTTPAddr  string        `yaml:"http_addr"` // empty disables HTTP

	Interlock Interlock `yaml:"interlock"`
}

// Campaign configures the setpoint sweep.
type Campaign struct {
	Start        float64       `yaml:"start"`
	Stop         float64       `yaml:"stop"`
	Step         float64       `yaml:"step"`
	HeatingRates []float64     `yaml:"heating_rates"`
	Voltage      float64       `yaml:"voltage"`
	MaxCurrent   float64       `yaml:"max_current"`
	HeatingTime  time.Duration `yaml:"heating_time"`
	RunTimeout   time.Duration `yaml:"run_timeout"`
	Cooldown     time.Duration `yaml:"cooldown"`
	FailCooldown time.Duration `yaml:"fail_cooldown"`
}

// Config is the whole file.
type Config struct {
	Run      Run      `yaml:"run"`
	Tuning   Tuning   `yaml:"tuning"`
	Daemon   Daemon   `yaml:"daemon"`
	Campaign Campaign `yaml:"campaign"`
}

// DefaultHeatingRate applies when a profile names a setpoint but no rate.
const DefaultHeatingRate = 1.0

// DefaultTick is the control loop period.
const DefaultTick = time.Second

// Default returns a configuration suitable for the lab rig.
func Default() *Config {
	v := control.DefaultVoltage
	return &Config{
		Run: Run{Voltage: &v},
		Daemon: Daemon{
			InstrumentTimeout: 2 * time.Second,
			SensorBaud:        9600,
			Model:             "model/model.json",
			InputScaler:       "model/scaler_X.json",
			OutputScaler:      "model/scaler_y.json",
			LogDir:            "temperature_log",
			AILog:             "ai_log.txt",
			Heartbeat:         15 * time.Minute,
			HTTPAddr:          ":8080",
			Interlock: Interlock{
				Chip:      "gpiochip0",
				Pin:       26,
				ActiveLow: true,
				Debounce:  250 * time.Millisecond,
			},
		},
		Campaign: Campaign{
			Start:        150,
			Stop:         450,
			Step:         15,
			HeatingRates: []float64{0.8, 1.0, 1.5},
			Voltage:      25,
			MaxCurrent:   3.85,
			HeatingTime:  200 * time.Second,
			RunTimeout:   20 * time.Minute,
			Cooldown:     5 * time.Minute,
			FailCooldown: 5 * time.Minute,
		},
	}
}

// Load reads path over the defaults. A missing file is an error.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes YAML from r over the defaults. Unknown keys are rejected.
func Parse(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Merge copies every field set in o over r.
func (r *Run) Merge(o Run) {
	if o.Voltage != nil {
		r.Voltage = o.Voltage
	}
	if o.MaxCurrent != nil {
		r.MaxCurrent = o.MaxCurrent
	}
	if o.Setpoint != nil {
		r.Setpoint = o.Setpoint
	}
	if o.HeatingRate != nil {
		r.HeatingRate = o.HeatingRate
	}
	if o.HeatingTime != nil {
		r.HeatingTime = o.HeatingTime
	}
	if o.CurrentLimit != nil {
		r.CurrentLimit = o.CurrentLimit
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

func checkNonNegative(name string, v *float64) error {
	if v == nil {
		return nil
	}
	if math.IsNaN(*v) || math.IsInf(*v, 0) || *v < 0 {
		return invalid("%s must be a non-negative number, got %v", name, *v)
	}
	return nil
}

// Validate checks the file. Run fields are checked again by ToControl.
func (c *Config) Validate() error {
	for name, v := range map[string]*float64{
		"run.voltage":       c.Run.Voltage,
		"run.max_current":   c.Run.MaxCurrent,
		"run.heating_rate":  c.Run.HeatingRate,
		"run.heating_time":  c.Run.HeatingTime,
		"run.current_limit": c.Run.CurrentLimit,
	} {
		if err := checkNonNegative(name, v); err != nil {
			return err
		}
	}
	if c.Run.Setpoint != nil && (math.IsNaN(*c.Run.Setpoint) || math.IsInf(*c.Run.Setpoint, 0)) {
		return invalid("run.setpoint must be a number")
	}
	if t := c.Tuning.Tick; t != nil && *t <= 0 {
		return invalid("tuning.tick must be positive")
	}
	if c.Daemon.SensorBaud <= 0 {
		return invalid("daemon.sensor_baud must be positive")
	}
	if c.Daemon.Heartbeat < 0 {
		return invalid("daemon.heartbeat must not be negative")
	}
	cp := c.Campaign
	if cp.Step <= 0 || cp.Stop < cp.Start {
		return invalid("campaign range %g..%g step %g", cp.Start, cp.Stop, cp.Step)
	}
	if len(cp.HeatingRates) == 0 {
		return invalid("campaign.heating_rates is empty")
	}
	if cp.RunTimeout <= 0 {
		return invalid("campaign.run_timeout must be positive")
	}
	return nil
}

// TickInterval returns the configured loop period.
func (c *Config) TickInterval() time.Duration {
	if c.Tuning.Tick != nil {
		return *c.Tuning.Tick
	}
	return DefaultTick
}

// ToControl builds the loop configuration for one run.
func (c *Config) ToControl() (control.Config, error) {
	if err := c.Validate(); err != nil {
		return control.Config{}, err
	}
	r := c.Run
	var cfg control.Config
	if r.MaxCurrent != nil {
		cfg.MaxCurrent = *r.MaxCurrent
	}
	if r.Voltage != nil {
		cfg.Voltage = *r.Voltage
	}
	if r.CurrentLimit != nil {
		cfg.CurrentLimit = *r.CurrentLimit
	}
	// A zero setpoint or time counts as not supplied. The heating time
	// applies on its own too: it bounds a manual run.
	if r.HeatingTime != nil && *r.HeatingTime > 0 {
		cfg.HeatingTime = time.Duration(*r.HeatingTime * float64(time.Second))
		if r.Setpoint != nil && *r.Setpoint != 0 {
			rate := DefaultHeatingRate
			if r.HeatingRate != nil {
				rate = *r.HeatingRate
			}
			cfg.Profile = &control.Profile{Setpoint: *r.Setpoint, HeatingRate: rate}
		}
	}

	t := c.Tuning
	if t.MaxChangeRate != nil {
		cfg.MaxChangeRate = *t.MaxChangeRate
	}
	if t.LadderStep != nil {
		cfg.LadderStep = *t.LadderStep
	}
	if t.VoltageEvery != nil {
		cfg.VoltageEvery = *t.VoltageEvery
	}
	if t.DropoutLimit != nil {
		cfg.DropoutLimit = *t.DropoutLimit
	}
	if t.InstrumentErrorLimit != nil {
		cfg.InstrumentErrorLimit = *t.InstrumentErrorLimit
	}
	if t.ResistanceLimit != nil {
		cfg.ResistanceLimit = *t.ResistanceLimit
	}

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return control.Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return cfg, nil
}
