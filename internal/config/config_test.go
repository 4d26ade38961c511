package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/anneal-control/internal/control"
)

func f(v float64) *float64 { return &v }

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 25.0, *cfg.Run.Voltage)
	assert.Equal(t, time.Second, cfg.TickInterval())
	assert.Equal(t, []float64{0.8, 1.0, 1.5}, cfg.Campaign.HeatingRates)
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse(strings.NewReader(`
run:
  max_current: 3.85
  setpoint: 300
  heating_time: 200
tuning:
  tick: 500ms
daemon:
  broker: tcp://localhost:1883
  heartbeat: 1m
  interlock:
    enabled: true
    pin: 17
`))
	require.NoError(t, err)
	assert.Equal(t, 3.85, *cfg.Run.MaxCurrent)
	assert.Equal(t, 25.0, *cfg.Run.Voltage)
	assert.Equal(t, 500*time.Millisecond, cfg.TickInterval())
	assert.Equal(t, time.Minute, cfg.Daemon.Heartbeat)
	assert.Equal(t, "tcp://localhost:1883", cfg.Daemon.Broker)
	assert.True(t, cfg.Daemon.Interlock.Enabled)
	assert.Equal(t, 17, cfg.Daemon.Interlock.Pin)
	assert.Equal(t, "gpiochip0", cfg.Daemon.Interlock.Chip)
}

func TestParseEmpty(t *testing.T) {
	cfg, err := Parse(strings.NewReader("  \n"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse(strings.NewReader("run:\n  volts: 12\n"))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestParseRejectsInvalidValues(t *testing.T) {
	for name, doc := range map[string]string{
		"negative current": "run:\n  max_current: -1\n",
		"zero tick":        "tuning:\n  tick: 0s\n",
		"bad range":        "campaign:\n  start: 400\n  stop: 100\n",
		"no rates":         "campaign:\n  heating_rates: []\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(doc))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "anneal.yaml")
	require.NoError(t, os.WriteFile(path, []byte("daemon:\n  http_addr: \":9090\"\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Daemon.HTTPAddr)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestMerge(t *testing.T) {
	r := Run{Voltage: f(25), MaxCurrent: f(2)}
	r.Merge(Run{MaxCurrent: f(3), Setpoint: f(250)})

	assert.Equal(t, 25.0, *r.Voltage)
	assert.Equal(t, 3.0, *r.MaxCurrent)
	assert.Equal(t, 250.0, *r.Setpoint)
	assert.Nil(t, r.HeatingTime)
}

func TestToControlAutomatic(t *testing.T) {
	cfg := Default()
	cfg.Run.Merge(Run{MaxCurrent: f(3.85), Setpoint: f(300), HeatingTime: f(200)})

	cc, err := cfg.ToControl()
	require.NoError(t, err)
	require.NotNil(t, cc.Profile)
	assert.Equal(t, 300.0, cc.Profile.Setpoint)
	assert.Equal(t, DefaultHeatingRate, cc.Profile.HeatingRate)
	assert.Equal(t, 200*time.Second, cc.HeatingTime)
	assert.Equal(t, 25.0, cc.Voltage)
	assert.Equal(t, control.DefaultMaxChangeRate, cc.MaxChangeRate)
	assert.Equal(t, control.ModeAI, control.SelectMode(cc))
}

func TestToControlManualWhenProfileIncomplete(t *testing.T) {
	for name, tc := range map[string]struct {
		run  Run
		want time.Duration
	}{
		"no setpoint":   {Run{MaxCurrent: f(1), HeatingTime: f(200)}, 200 * time.Second},
		"no time":       {Run{MaxCurrent: f(1), Setpoint: f(300)}, 0},
		"zero setpoint": {Run{MaxCurrent: f(1), Setpoint: f(0), HeatingTime: f(200)}, 200 * time.Second},
		"zero time":     {Run{MaxCurrent: f(1), Setpoint: f(300), HeatingTime: f(0)}, 0},
	} {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			cfg.Run.Merge(tc.run)
			cc, err := cfg.ToControl()
			require.NoError(t, err)
			assert.Nil(t, cc.Profile)
			assert.Equal(t, tc.want, cc.HeatingTime, "manual runs keep their heating time")
			assert.Equal(t, control.ModeManual, control.SelectMode(cc))
		})
	}
}

func TestToControlTuning(t *testing.T) {
	cfg := Default()
	step, every := 0.1, 5
	cfg.Tuning.LadderStep = &step
	cfg.Tuning.VoltageEvery = &every

	cc, err := cfg.ToControl()
	require.NoError(t, err)
	assert.Equal(t, 0.1, cc.LadderStep)
	assert.Equal(t, 5, cc.VoltageEvery)
	assert.Equal(t, control.DefaultDropoutLimit, cc.DropoutLimit)
}

func TestToControlRejectsZeroRate(t *testing.T) {
	cfg := Default()
	cfg.Run.Merge(Run{MaxCurrent: f(1), Setpoint: f(300), HeatingTime: f(100), HeatingRate: f(0)})
	_, err := cfg.ToControl()
	assert.ErrorIs(t, err, ErrInvalid)
}
