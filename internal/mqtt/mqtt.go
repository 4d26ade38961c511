// Package mqtt publishes controller telemetry, warnings and lifecycle events.
package mqtt

import (
	"encoding/json"
	"time"

	"github.com/sweeney/anneal-control/internal/control"
)

// Topics.
const (
	TopicTelemetry = "lab/anneal/telemetry"
	TopicEvents    = "lab/anneal/events"
	TopicSystem    = "lab/anneal/system"
)

// Publisher publishes controller messages to MQTT.
type Publisher interface {
	// PublishTelemetry sends one loop reading.
	// Returns error if publishing fails (should not crash the process).
	PublishTelemetry(r control.Reading) error

	// PublishWarning sends an operator warning.
	PublishWarning(w control.Warning, at time.Time) error

	// PublishSystem sends a system lifecycle event.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent is a lifecycle event (STARTUP, SHUTDOWN, HEARTBEAT, RUN_START, RUN_END).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string
	Reason     string
	RawPayload []byte // pre-formatted status JSON; returned as is when set
	Retained   bool
}

// TelemetryPayload is the message body on TopicTelemetry.
type TelemetryPayload struct {
	Anneal TelemetryInner `json:"anneal"`
}

// TelemetryInner contains one tick's values.
type TelemetryInner struct {
	Timestamp      string   `json:"timestamp"`
	Tick           int      `json:"tick"`
	Phase          string   `json:"phase"`
	Source         string   `json:"source"`
	Temperature    *float64 `json:"temperature,omitempty"`
	Sensor         *float64 `json:"sensor,omitempty"`
	SensorSetpoint float64  `json:"sensor_setpoint,omitempty"`
	Current        float64  `json:"current"`
	Voltage        *float64 `json:"voltage,omitempty"`
	HeatingStarted bool     `json:"heating_started"`
	HeatingElapsed float64  `json:"heating_elapsed_seconds"`
	FailedReads    int      `json:"failed_reads"`
}

// FormatTelemetry creates the JSON payload for a reading.
// Temperatures are omitted until the first sample and voltage when unmeasured.
func FormatTelemetry(r control.Reading) ([]byte, error) {
	inner := TelemetryInner{
		Timestamp:      r.Time.UTC().Format(time.RFC3339),
		Tick:           r.Tick,
		Phase:          r.Phase.String(),
		Source:         r.Source.String(),
		SensorSetpoint: r.SensorSetpoint,
		Current:        r.Current,
		HeatingStarted: r.HeatingStarted,
		HeatingElapsed: r.HeatingElapsed.Seconds(),
		FailedReads:    r.FailedReads,
	}
	if r.Source != control.SourceNone {
		actual, sensor := r.Actual, r.Sensor
		inner.Temperature = &actual
		inner.Sensor = &sensor
	}
	if v, ok := r.Voltage.Get(); ok {
		inner.Voltage = &v
	}
	return json.Marshal(TelemetryPayload{Anneal: inner})
}

// WarningPayload is the message body on TopicEvents.
type WarningPayload struct {
	Warning WarningInner `json:"warning"`
}

// WarningInner contains the warning details.
type WarningInner struct {
	Timestamp string `json:"timestamp"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
}

// FormatWarning creates the JSON payload for a warning.
func FormatWarning(w control.Warning, at time.Time) ([]byte, error) {
	return json.Marshal(WarningPayload{Warning: WarningInner{
		Timestamp: at.UTC().Format(time.RFC3339),
		Kind:      w.String(),
		Message:   w.Message(),
	}})
}

// SystemPayload is the body for simple system events (LWT, RECONNECTED)
// that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}
	return json.Marshal(SystemPayload{System: SystemPayloadInner{
		Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
		Event:     event.Event,
		Reason:    event.Reason,
	}})
}
