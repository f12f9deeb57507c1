// Package metrics provides Prometheus metrics for the recording client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// No session or job ids in labels.
var (
	// SignalingTransitions counts signaling session state transitions.
	SignalingTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camrelay_signaling_transitions_total",
		Help: "Total number of signaling session state transitions, by source and target state.",
	}, []string{"from", "to"})

	// SignalingFailures counts sessions that ended in Failed, by the step that failed.
	SignalingFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camrelay_signaling_failures_total",
		Help: "Total number of failed signaling sessions, by failing step.",
	}, []string{"step"})

	// StaleEvents counts gateway completions dropped because the session had moved on.
	StaleEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camrelay_signaling_stale_events_total",
		Help: "Total number of gateway completions ignored for the current state.",
	}, []string{"event", "state"})

	// GatewayMessages counts websocket messages exchanged with the gateway.
	GatewayMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camrelay_gateway_messages_total",
		Help: "Total number of gateway messages, by direction and janus type.",
	}, []string{"direction", "type"})

	// ClockOffsetMs holds the last clock offset estimate.
	ClockOffsetMs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "camrelay_clock_offset_milliseconds",
		Help: "Last estimated offset between the recording server clock and the local clock.",
	})

	// ClockRounds observes how many sampling rounds an estimate needed.
	ClockRounds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "camrelay_clock_rounds",
		Help:    "Number of sampling rounds per clock offset estimate.",
		Buckets: []float64{1, 2, 3, 5, 10, 20},
	})

	// RecordingsActive is 1 while a recording is running.
	RecordingsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "camrelay_recordings_active",
		Help: "Number of recordings currently running.",
	})

	// RecordingStarts counts start attempts by outcome.
	RecordingStarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camrelay_recording_starts_total",
		Help: "Total number of recording start attempts, by outcome.",
	}, []string{"outcome"})

	// TeardownFailures counts failed stop steps.
	TeardownFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camrelay_teardown_failures_total",
		Help: "Total number of failed recording teardown steps, by step.",
	}, []string{"step"})
)
