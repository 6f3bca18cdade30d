// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the voice gateway.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	TurnsTotal   *prometheus.CounterVec
	TurnDuration prometheus.Histogram

	BargeInsTotal       prometheus.Counter
	AudioBytesTotal     *prometheus.CounterVec
	SynthesisChunks     prometheus.Counter
	TranscriptionsTotal *prometheus.CounterVec

	ErrorsTotal *prometheus.CounterVec
}

// New creates a Metrics instance backed by its own registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "sandra"
	}

	registry := prometheus.NewRegistry()

	sessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of connected live sessions",
		},
	)

	sessionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total live sessions by terminal status",
		},
		[]string{"status"},
	)

	sessionDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Live session duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)

	turnsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Total conversation turns by outcome",
		},
		[]string{"outcome"},
	)

	turnDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Time from user utterance to end of reply synthesis",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)

	bargeInsTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barge_ins_total",
			Help:      "Total accepted barge-in interruptions",
		},
	)

	audioBytesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Total audio bytes by direction",
		},
		[]string{"direction"},
	)

	synthesisChunks := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "synthesis_chunks_total",
			Help:      "Total synthesized audio chunks delivered to clients",
		},
	)

	transcriptionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcriptions_total",
			Help:      "Total audio transcriptions by outcome",
		},
		[]string{"outcome"},
	)

	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total errors by component and type",
		},
		[]string{"component", "error_type"},
	)

	registry.MustRegister(
		sessionsActive,
		sessionsTotal,
		sessionDuration,
		turnsTotal,
		turnDuration,
		bargeInsTotal,
		audioBytesTotal,
		synthesisChunks,
		transcriptionsTotal,
		errorsTotal,
	)

	return &Metrics{
		registry:            registry,
		SessionsActive:      sessionsActive,
		SessionsTotal:       sessionsTotal,
		SessionDuration:     sessionDuration,
		TurnsTotal:          turnsTotal,
		TurnDuration:        turnDuration,
		BargeInsTotal:       bargeInsTotal,
		AudioBytesTotal:     audioBytesTotal,
		SynthesisChunks:     synthesisChunks,
		TranscriptionsTotal: transcriptionsTotal,
		ErrorsTotal:         errorsTotal,
	}
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSessionStart records a new live session.
func (m *Metrics) RecordSessionStart() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a live session ending.
func (m *Metrics) RecordSessionEnd(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(status).Inc()
	m.SessionDuration.Observe(duration.Seconds())
}

// RecordTurn records a finished conversation turn.
func (m *Metrics) RecordTurn(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(outcome).Inc()
	if duration > 0 {
		m.TurnDuration.Observe(duration.Seconds())
	}
}

// RecordBargeIn records an accepted interruption.
func (m *Metrics) RecordBargeIn() {
	if m == nil {
		return
	}
	m.BargeInsTotal.Inc()
}

// RecordAudio records audio bytes moving through a session.
func (m *Metrics) RecordAudio(direction string, bytes int) {
	if m == nil || bytes <= 0 {
		return
	}
	m.AudioBytesTotal.WithLabelValues(direction).Add(float64(bytes))
}

// RecordSynthesisChunks records delivered synthesis chunks.
func (m *Metrics) RecordSynthesisChunks(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.SynthesisChunks.Add(float64(n))
}

// RecordTranscription records one transcription attempt.
func (m *Metrics) RecordTranscription(outcome string) {
	if m == nil {
		return
	}
	m.TranscriptionsTotal.WithLabelValues(outcome).Inc()
}

// RecordError records an error.
func (m *Metrics) RecordError(component, errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}
