package status

import (
	"encoding/json"
	"time"

	"github.com/sweeney/anneal-control/internal/control"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string           `json:"event,omitempty"`
	Reason        string           `json:"reason,omitempty"`
	Phase         string           `json:"phase"`
	Running       bool             `json:"running"`
	Run           *RunJSON         `json:"run,omitempty"`
	Temperature   *TemperatureJSON `json:"temperature,omitempty"`
	Output        OutputJSON       `json:"output"`
	Heating       HeatingJSON      `json:"heating"`
	FailedReads   int              `json:"failed_reads"`
	Tick          int              `json:"tick"`
	Warnings      []WarningJSON    `json:"warnings"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	StartTime     string           `json:"start_time"`
	Timestamp     string           `json:"timestamp"`
	MQTT          MQTTStatus       `json:"mqtt"`
	Config        ConfigJSON       `json:"config"`
}

// RunJSON describes the active or last run.
type RunJSON struct {
	ID          string   `json:"id"`
	Mode        string   `json:"mode"`
	Setpoint    *float64 `json:"setpoint,omitempty"`
	HeatingRate *float64 `json:"heating_rate,omitempty"`
	HeatingTime float64  `json:"heating_time_seconds"`
	Voltage     float64  `json:"voltage"`
	MaxCurrent  float64  `json:"max_current"`
	StartTime   string   `json:"start_time"`
	StopReason  string   `json:"stop_reason,omitempty"`
}

// TemperatureJSON is the latest temperature, absent before the first sample.
type TemperatureJSON struct {
	Source         string  `json:"source"`
	Sensor         float64 `json:"sensor"`
	Actual         float64 `json:"actual"`
	SensorSetpoint float64 `json:"sensor_setpoint,omitempty"`
}

// OutputJSON is the power supply state.
type OutputJSON struct {
	Current float64  `json:"current"`
	Voltage *float64 `json:"voltage,omitempty"`
}

// HeatingJSON reports the heating timer.
type HeatingJSON struct {
	Started        bool    `json:"started"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

// WarningJSON is one recent warning.
type WarningJSON struct {
	Timestamp string `json:"timestamp"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	HeartbeatMs int64  `json:"heartbeat_ms"`
	Broker      string `json:"broker"`
	HTTPAddr    string `json:"http_addr"`
	Instrument  string `json:"instrument"`
	Sensor      string `json:"sensor"`
}

func buildInner(snap Snapshot) StatusInner {
	r := snap.Reading
	inner := StatusInner{
		Phase:         r.Phase.String(),
		Running:       snap.Running(),
		Output:        OutputJSON{Current: r.Current},
		Heating:       HeatingJSON{Started: r.HeatingStarted, ElapsedSeconds: r.HeatingElapsed.Seconds()},
		FailedReads:   r.FailedReads,
		Tick:          r.Tick,
		Warnings:      make([]WarningJSON, 0, len(snap.Warnings)),
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Config: ConfigJSON{
			HeartbeatMs: snap.Config.HeartbeatMs,
			Broker:      snap.Config.Broker,
			HTTPAddr:    snap.Config.HTTPAddr,
			Instrument:  snap.Config.Instrument,
			Sensor:      snap.Config.Sensor,
		},
	}
	if !snap.HaveReading {
		inner.Phase = "idle"
	}
	if v, ok := r.Voltage.Get(); ok {
		inner.Output.Voltage = &v
	}
	if snap.HaveReading && r.Source != control.SourceNone {
		inner.Temperature = &TemperatureJSON{
			Source:         r.Source.String(),
			Sensor:         r.Sensor,
			Actual:         r.Actual,
			SensorSetpoint: r.SensorSetpoint,
		}
	}
	for _, w := range snap.Warnings {
		inner.Warnings = append(inner.Warnings, WarningJSON{
			Timestamp: w.Time.UTC().Format(time.RFC3339),
			Kind:      w.Kind.String(),
			Message:   w.Kind.Message(),
		})
	}
	if run := snap.Run; run != nil {
		rj := &RunJSON{
			ID:          run.ID,
			Mode:        run.Mode.String(),
			HeatingTime: run.HeatingTime.Seconds(),
			Voltage:     run.Voltage,
			MaxCurrent:  run.MaxCurrent,
			StartTime:   run.Started.UTC().Format(time.RFC3339),
		}
		if run.Profile != nil {
			sp, hr := run.Profile.Setpoint, run.Profile.HeatingRate
			rj.Setpoint = &sp
			rj.HeatingRate = &hr
		}
		if run.Result != nil {
			rj.StopReason = run.Result.Reason.String()
		}
		inner.Run = rj
	}
	return inner
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason
	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
