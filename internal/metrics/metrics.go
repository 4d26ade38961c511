// Package metrics holds the controller's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Control loop
	TicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "anneal",
		Subsystem: "control",
		Name:      "ticks_total",
		Help:      "Total control ticks, by phase",
	}, []string{"phase"})

	TickLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "anneal",
		Subsystem: "control",
		Name:      "tick_duration_seconds",
		Help:      "Control tick processing duration",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
	})

	ActuationCurrent = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "anneal",
		Subsystem: "control",
		Name:      "actuation_current_amps",
		Help:      "Most recently commanded output current",
	})

	RateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "anneal",
		Subsystem: "control",
		Name:      "rate_limited_total",
		Help:      "Total actuation proposals capped by the per-tick rate limit",
	})

	ForcedManualTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "anneal",
		Subsystem: "control",
		Name:      "forced_manual_total",
		Help:      "Total fallbacks to manual mode after repeated sensor dropout",
	})

	WarningsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "anneal",
		Subsystem: "control",
		Name:      "warnings_total",
		Help:      "Total operator warnings raised, by kind",
	}, []string{"kind"})

	// Sensor
	SensorTemperature = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "anneal",
		Subsystem: "sensor",
		Name:      "trusted_temperature_celsius",
		Help:      "Last trusted sensor-domain temperature",
	})

	SensorFailedReads = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "anneal",
		Subsystem: "sensor",
		Name:      "failed_reads_total",
		Help:      "Total polls without a trusted reading",
	})

	// Predictor
	PredictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "anneal",
		Subsystem: "predictor",
		Name:      "predictions_total",
		Help:      "Total predictor invocations",
	})

	PredictionFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "anneal",
		Subsystem: "predictor",
		Name:      "failures_total",
		Help:      "Total predictions that fell back to holding the input",
	})

	// Instrument
	InstrumentErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "anneal",
		Subsystem: "instrument",
		Name:      "errors_total",
		Help:      "Total power supply I/O errors, by operation",
	}, []string{"op"})

	// MQTT
	MQTTPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "anneal",
		Subsystem: "mqtt",
		Name:      "published_total",
		Help:      "Total messages delivered to the broker, by topic",
	}, []string{"topic"})

	MQTTBuffered = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "anneal",
		Subsystem: "mqtt",
		Name:      "buffered_messages",
		Help:      "Messages held while the broker is unreachable",
	})

	MQTTDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "anneal",
		Subsystem: "mqtt",
		Name:      "dropped_total",
		Help:      "Total messages dropped from a full offline buffer or report queue",
	})

	// Web
	IntentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "anneal",
		Subsystem: "web",
		Name:      "intents_total",
		Help:      "Total operator intents received, by kind and outcome",
	}, []string{"kind", "outcome"})

	// Campaign
	CampaignPoints = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "anneal",
		Subsystem: "campaign",
		Name:      "points_total",
		Help:      "Total campaign setpoints finished, by outcome",
	}, []string{"outcome"})

	// History
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "anneal",
		Subsystem: "history",
		Name:      "runs_total",
		Help:      "Total runs archived, by stop reason",
	}, []string{"reason"})
)
