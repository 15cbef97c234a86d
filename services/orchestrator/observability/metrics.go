// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the orchestrator.
//
// # Description
//
// Metrics cover the retrieval and ingestion operations:
//   - Request counters by operation and status
//   - Latency histograms (time to first token, total duration)
//   - Active stream and active session gauges
//   - Tool-server dial outcomes, citation parsing, session evictions
//
// Metrics are exposed on GET /metrics.
//
// # Thread Safety
//
// All metric operations are thread-safe. Every Record method is a no-op on
// a nil *Metrics, so components can run without instrumentation.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const (
	metricsNamespace = "aleutian"
	kgSubsystem      = "kg"
)

// Metrics holds the orchestrator's Prometheus collectors.
type Metrics struct {
	// RequestsTotal counts operations. Labels: operation, status.
	RequestsTotal *prometheus.CounterVec

	// ErrorsTotal counts failures. Labels: operation, error_code.
	ErrorsTotal *prometheus.CounterVec

	// TimeToFirstTokenSeconds measures stream start latency. Labels: operation.
	TimeToFirstTokenSeconds *prometheus.HistogramVec

	// DurationSeconds measures whole operations. Labels: operation, status.
	DurationSeconds *prometheus.HistogramVec

	// ActiveStreams tracks in-flight streaming searches.
	ActiveStreams prometheus.Gauge

	// TokensStreamedTotal counts token events sent to clients.
	TokensStreamedTotal prometheus.Counter

	// ClientDisconnectsTotal counts streams abandoned by the consumer.
	ClientDisconnectsTotal *prometheus.CounterVec

	// CitationsTotal counts citation markers. Labels: result (parsed, anomaly).
	CitationsTotal *prometheus.CounterVec

	// ToolServerDialsTotal counts tool-server connection attempts. Labels: status.
	ToolServerDialsTotal *prometheus.CounterVec

	// ActiveSessions tracks live sessions in the registry.
	ActiveSessions prometheus.Gauge

	// SessionEvictionsTotal counts sessions leaving the registry. Labels: reason.
	SessionEvictionsTotal *prometheus.CounterVec

	// DocumentsIngestedTotal counts ingestion outcomes. Labels: status.
	DocumentsIngestedTotal *prometheus.CounterVec
}

// DefaultMetrics is the process-wide instance created by InitMetrics.
var DefaultMetrics *Metrics

// InitMetrics creates DefaultMetrics on the default Prometheus registerer.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
func InitMetrics() *Metrics {
	DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	return DefaultMetrics
}

// NewMetrics creates and registers the collectors on reg.
//
// # Examples
//
//	reg := prometheus.NewRegistry()
//	m := observability.NewMetrics(reg)
//	m.RecordRequest(observability.OpSearchStream, true)
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: kgSubsystem,
			Name:      "requests_total",
			Help:      "Total orchestrator operations by operation and status",
		}, []string{"operation", "status"}),

		ErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: kgSubsystem,
			Name:      "errors_total",
			Help:      "Total orchestrator errors by operation and error code",
		}, []string{"operation", "error_code"}),

		TimeToFirstTokenSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: kgSubsystem,
			Name:      "time_to_first_token_seconds",
			Help:      "Time from request to first streamed token in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		}, []string{"operation"}),

		DurationSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: kgSubsystem,
			Name:      "operation_duration_seconds",
			Help:      "Total operation duration in seconds",
			Buckets:   []float64{0.5, 1, 5, 10, 30, 60, 120, 300},
		}, []string{"operation", "status"}),

		ActiveStreams: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: kgSubsystem,
			Name:      "active_streams",
			Help:      "Number of streaming searches in flight",
		}),

		TokensStreamedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: kgSubsystem,
			Name:      "tokens_streamed_total",
			Help:      "Total token events sent to stream consumers",
		}),

		ClientDisconnectsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: kgSubsystem,
			Name:      "client_disconnects_total",
			Help:      "Total streams abandoned by the consumer",
		}, []string{"operation"}),

		CitationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: kgSubsystem,
			Name:      "citations_total",
			Help:      "Citation markers found in answers by parse result",
		}, []string{"result"}),

		ToolServerDialsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: kgSubsystem,
			Name:      "toolserver_dials_total",
			Help:      "Tool server connection attempts by status",
		}, []string{"status"}),

		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: kgSubsystem,
			Name:      "active_sessions",
			Help:      "Number of live conversation sessions",
		}),

		SessionEvictionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: kgSubsystem,
			Name:      "session_evictions_total",
			Help:      "Sessions removed from the registry by reason",
		}, []string{"reason"}),

		DocumentsIngestedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: kgSubsystem,
			Name:      "documents_ingested_total",
			Help:      "Documents processed by ingestion status",
		}, []string{"status"}),
	}
}

// =============================================================================
// Labels
// =============================================================================

// Operation labels an orchestrator operation.
type Operation string

const (
	OpSearchStream Operation = "search_stream"
	OpSearch       Operation = "search"
	OpIngest       Operation = "ingest"
)

// ErrorCode categorizes a failure.
type ErrorCode string

const (
	// ErrorCodeConfiguration indicates a caller error such as a missing session id.
	ErrorCodeConfiguration ErrorCode = "configuration"

	// ErrorCodeToolServer indicates a tool server could not be reached.
	ErrorCodeToolServer ErrorCode = "toolserver"

	// ErrorCodeAgent indicates the agent invocation failed.
	ErrorCodeAgent ErrorCode = "agent"

	// ErrorCodeClientDisconnect indicates the consumer went away mid-stream.
	ErrorCodeClientDisconnect ErrorCode = "client_disconnect"

	// ErrorCodeInternal indicates any other failure.
	ErrorCodeInternal ErrorCode = "internal"
)

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// =============================================================================
// Helper Methods
// =============================================================================

// RecordRequest counts one finished operation.
func (m *Metrics) RecordRequest(op Operation, success bool) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(string(op), statusLabel(success)).Inc()
}

// RecordError counts one failure.
func (m *Metrics) RecordError(op Operation, code ErrorCode) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(string(op), string(code)).Inc()
}

// RecordTimeToFirstToken observes stream start latency.
func (m *Metrics) RecordTimeToFirstToken(op Operation, seconds float64) {
	if m == nil {
		return
	}
	m.TimeToFirstTokenSeconds.WithLabelValues(string(op)).Observe(seconds)
}

// RecordDuration observes a whole operation.
func (m *Metrics) RecordDuration(op Operation, seconds float64, success bool) {
	if m == nil {
		return
	}
	m.DurationSeconds.WithLabelValues(string(op), statusLabel(success)).Observe(seconds)
}

// StreamStarted increments the active stream gauge.
func (m *Metrics) StreamStarted() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

// StreamEnded decrements the active stream gauge.
func (m *Metrics) StreamEnded() {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
}

// RecordToken counts one streamed token event.
func (m *Metrics) RecordToken() {
	if m == nil {
		return
	}
	m.TokensStreamedTotal.Inc()
}

// RecordClientDisconnect counts one abandoned stream.
func (m *Metrics) RecordClientDisconnect(op Operation) {
	if m == nil {
		return
	}
	m.ClientDisconnectsTotal.WithLabelValues(string(op)).Inc()
}

// RecordCitation counts one citation marker; anomaly marks a malformed one.
func (m *Metrics) RecordCitation(anomaly bool) {
	if m == nil {
		return
	}
	result := "parsed"
	if anomaly {
		result = "anomaly"
	}
	m.CitationsTotal.WithLabelValues(result).Inc()
}

// RecordDial counts one tool-server dial.
func (m *Metrics) RecordDial(success bool) {
	if m == nil {
		return
	}
	m.ToolServerDialsTotal.WithLabelValues(statusLabel(success)).Inc()
}

// SetActiveSessions sets the live session gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

// RecordSessionEviction counts one session leaving the registry.
func (m *Metrics) RecordSessionEviction(reason string) {
	if m == nil {
		return
	}
	m.SessionEvictionsTotal.WithLabelValues(reason).Inc()
}

// RecordIngestion counts one ingestion outcome.
func (m *Metrics) RecordIngestion(success bool) {
	if m == nil {
		return
	}
	m.DocumentsIngestedTotal.WithLabelValues(statusLabel(success)).Inc()
}
