// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestMetrics registers on an isolated registry so tests can run in parallel.
func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewMetrics(reg), reg
}

func TestRecordRequest(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordRequest(OpSearchStream, true)
	m.RecordRequest(OpSearchStream, true)
	m.RecordRequest(OpSearch, false)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("search_stream", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("search", "error")))
}

func TestRecordError(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordError(OpSearchStream, ErrorCodeConfiguration)
	m.RecordError(OpIngest, ErrorCodeToolServer)
	m.RecordError(OpIngest, ErrorCodeToolServer)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("search_stream", "configuration")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("ingest", "toolserver")))
}

func TestActiveStreams(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.StreamStarted()
	m.StreamStarted()
	m.StreamEnded()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveStreams))
}

func TestHistograms(t *testing.T) {
	m, reg := newTestMetrics(t)

	m.RecordTimeToFirstToken(OpSearchStream, 0.3)
	m.RecordDuration(OpSearchStream, 4.2, true)

	families, err := reg.Gather()
	require.NoError(t, err)

	counts := map[string]uint64{}
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			if h := metric.GetHistogram(); h != nil {
				counts[mf.GetName()] += h.GetSampleCount()
			}
		}
	}
	assert.Equal(t, uint64(1), counts["aleutian_kg_time_to_first_token_seconds"])
	assert.Equal(t, uint64(1), counts["aleutian_kg_operation_duration_seconds"])
}

func TestCountersAndGauges(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordToken()
	m.RecordToken()
	m.RecordClientDisconnect(OpSearchStream)
	m.RecordCitation(false)
	m.RecordCitation(true)
	m.RecordDial(true)
	m.RecordDial(false)
	m.SetActiveSessions(7)
	m.RecordSessionEviction("idle")
	m.RecordIngestion(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.TokensStreamedTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ClientDisconnectsTotal.WithLabelValues("search_stream")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CitationsTotal.WithLabelValues("parsed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CitationsTotal.WithLabelValues("anomaly")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ToolServerDialsTotal.WithLabelValues("error")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.ActiveSessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionEvictionsTotal.WithLabelValues("idle")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DocumentsIngestedTotal.WithLabelValues("success")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordRequest(OpSearch, true)
		m.RecordError(OpSearch, ErrorCodeInternal)
		m.RecordTimeToFirstToken(OpSearch, 1)
		m.RecordDuration(OpSearch, 1, true)
		m.StreamStarted()
		m.StreamEnded()
		m.RecordToken()
		m.RecordClientDisconnect(OpSearch)
		m.RecordCitation(true)
		m.RecordDial(true)
		m.SetActiveSessions(1)
		m.RecordSessionEviction("capacity")
		m.RecordIngestion(false)
	})
}

func TestNewMetrics_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	assert.Panics(t, func() { NewMetrics(reg) })
}
