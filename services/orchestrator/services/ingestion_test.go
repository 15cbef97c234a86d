// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/AleutianAI/AleutianKG/services/llm"
	"github.com/AleutianAI/AleutianKG/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianKG/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianKG/services/orchestrator/prompts"
)

type recordingLedger struct {
	mu      sync.Mutex
	entries []datatypes.LedgerEntry
	err     error
}

func (l *recordingLedger) Record(entry datatypes.LedgerEntry) (datatypes.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return datatypes.LedgerEntry{}, l.err
	}
	l.entries = append(l.entries, entry)
	return entry, nil
}

type ingestorFixture struct {
	ingestor *Ingestor
	dialer   *countingDialer
	agents   *agentRecorder
	ledger   *recordingLedger
	metrics  *observability.Metrics
}

func newIngestorFixture(t *testing.T, script scriptFunc) *ingestorFixture {
	t.Helper()
	f := &ingestorFixture{
		dialer:  &countingDialer{},
		agents:  &agentRecorder{script: script},
		ledger:  &recordingLedger{},
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
	}
	f.ingestor = NewIngestor(IngestorConfig{
		Dialer:   f.dialer,
		NewAgent: f.agents.factory(),
		Model:    "gpt-4o-mini",
		Ledger:   f.ledger,
		Metrics:  f.metrics,
	})
	t.Cleanup(func() { _ = f.ingestor.Close() })
	return f
}

// stepReplies answers the nth invocation with replies[n].
func stepReplies(replies ...string) scriptFunc {
	var mu sync.Mutex
	n := 0
	return func(_ context.Context, prompt string, _ llm.TokenHandler) (*llm.Result, error) {
		mu.Lock()
		reply := replies[n%len(replies)]
		n++
		mu.Unlock()
		return &llm.Result{Messages: []llms.ChatMessage{
			llms.HumanChatMessage{Content: prompt},
			llms.AIChatMessage{Content: reply},
		}}, nil
	}
}

func TestProcessDocument_RunsThreeStepsInOrder(t *testing.T) {
	f := newIngestorFixture(t, stepReplies("Quarterly report summary", "metadata done", "relationships done"))

	result, err := f.ingestor.ProcessDocument(context.Background(), "/tmp/report.pdf")
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusSuccess, result.Status)
	assert.Equal(t, "Quarterly report summary", result.Summary)
	assert.Equal(t, "/tmp/report.pdf", result.FileProcessed)

	got := f.agents.promptList()
	require.Len(t, got, 3)
	assert.Equal(t, prompts.DocumentProcessing("/tmp/report.pdf", "", true), got[0])
	assert.Equal(t, prompts.MetadataExtraction(), got[1])
	assert.Equal(t, prompts.Relationship("/tmp/report.pdf"), got[2])

	require.Len(t, f.agents.configs, 1)
	assert.Equal(t, "gpt-4o-mini", f.agents.configs[0].Model)
	assert.Nil(t, f.agents.configs[0].Handler)

	require.Len(t, f.ledger.entries, 1)
	assert.Equal(t, "/tmp/report.pdf", f.ledger.entries[0].File)
	assert.Equal(t, datatypes.StatusSuccess, f.ledger.entries[0].Status)
	assert.Equal(t, "Quarterly report summary", f.ledger.entries[0].Summary)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DocumentsIngestedTotal.WithLabelValues("success")))
}

func TestProcessDocument_Options(t *testing.T) {
	f := newIngestorFixture(t, stepReplies("ok"))

	_, err := f.ingestor.ProcessDocument(context.Background(), "/tmp/upload-123",
		WithModel("gpt-4o"), WithMimeType("image/png"), WithLabel("scan.png"))
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o", f.agents.configs[0].Model)
	assert.Equal(t, prompts.DocumentProcessing("/tmp/upload-123", "image/png", true), f.agents.promptList()[0])
	assert.Equal(t, "scan.png", f.ledger.entries[0].File)
	assert.Equal(t, "gpt-4o", f.ledger.entries[0].Model)
}

func TestProcessDocument_SoftErrorSkipsLaterSteps(t *testing.T) {
	f := newIngestorFixture(t, func(_ context.Context, prompt string, _ llm.TokenHandler) (*llm.Result, error) {
		return &llm.Result{
			Messages: []llms.ChatMessage{llms.AIChatMessage{Content: "partial summary"}},
			Error:    "agent stopped after 10 iterations",
		}, nil
	})

	result, err := f.ingestor.ProcessDocument(context.Background(), "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusSuccess, result.Status)
	assert.Equal(t, "partial summary", result.Summary)
	assert.Len(t, f.agents.promptList(), 1)
}

func TestProcessDocument_NoAssistantMessageUsesFallbackSummary(t *testing.T) {
	f := newIngestorFixture(t, func(_ context.Context, prompt string, _ llm.TokenHandler) (*llm.Result, error) {
		return &llm.Result{Messages: []llms.ChatMessage{llms.HumanChatMessage{Content: prompt}}}, nil
	})

	result, err := f.ingestor.ProcessDocument(context.Background(), "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusSuccess, result.Status)
	assert.Equal(t, datatypes.NoSummaryAvailable, result.Summary)
	assert.Equal(t, datatypes.NoSummaryAvailable, f.ledger.entries[0].Summary)
}

func TestProcessDocument_StepFailures(t *testing.T) {
	tests := []struct {
		name   string
		failAt int
		op     string
	}{
		{"processing", 0, "process"},
		{"metadata", 1, "metadata"},
		{"relationships", 2, "relationships"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var mu sync.Mutex
			call := 0
			f := newIngestorFixture(t, func(_ context.Context, _ string, _ llm.TokenHandler) (*llm.Result, error) {
				mu.Lock()
				defer mu.Unlock()
				defer func() { call++ }()
				if call == tt.failAt {
					return nil, errors.New("graph write failed")
				}
				return &llm.Result{Messages: []llms.ChatMessage{llms.AIChatMessage{Content: "ok"}}}, nil
			})

			result, err := f.ingestor.ProcessDocument(context.Background(), "a.txt")
			var ute *UpstreamToolError
			require.ErrorAs(t, err, &ute)
			assert.Equal(t, tt.op, ute.Op)
			assert.Equal(t, datatypes.StatusError, result.Status)
			assert.Equal(t, "graph write failed", result.Error)
			assert.Equal(t, "a.txt", result.FileProcessed)
			assert.Len(t, f.agents.promptList(), tt.failAt+1)

			require.Len(t, f.ledger.entries, 1)
			assert.Equal(t, datatypes.StatusError, f.ledger.entries[0].Status)
			assert.Equal(t, "graph write failed", f.ledger.entries[0].Error)
			assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DocumentsIngestedTotal.WithLabelValues("error")))
		})
	}
}

func TestProcessDocument_DialFailure(t *testing.T) {
	f := newIngestorFixture(t, stepReplies("never"))
	f.dialer.err = errors.New("no route to host")

	result, err := f.ingestor.ProcessDocument(context.Background(), "a.txt")
	assert.True(t, IsDialFailure(err))
	assert.Equal(t, datatypes.StatusError, result.Status)
	assert.Equal(t, "no route to host", result.Error)
	assert.Empty(t, f.agents.promptList())
}

func TestProcessDocument_LedgerFailureDoesNotFailIngestion(t *testing.T) {
	f := newIngestorFixture(t, stepReplies("ok"))
	f.ledger.err = errors.New("disk full")

	result, err := f.ingestor.ProcessDocument(context.Background(), "a.txt")
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusSuccess, result.Status)
}

func TestIngestor_ConnectionLifecycle(t *testing.T) {
	f := newIngestorFixture(t, stepReplies("ok"))
	ctx := context.Background()

	_, err := f.ingestor.ProcessDocument(ctx, "a.txt")
	require.NoError(t, err)
	_, err = f.ingestor.ProcessDocument(ctx, "b.txt")
	require.NoError(t, err)
	assert.Equal(t, 1, f.dialer.dials())

	require.NoError(t, f.ingestor.Close())
	require.NoError(t, f.ingestor.Close())
	assert.Equal(t, []int32{1}, f.dialer.closes())

	result, err := f.ingestor.ProcessDocument(ctx, "c.txt")
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, datatypes.StatusError, result.Status)
}

func TestIngestor_CloseWithoutConnection(t *testing.T) {
	f := newIngestorFixture(t, stepReplies("ok"))
	assert.NoError(t, f.ingestor.Close())
	assert.Equal(t, 0, f.dialer.dials())
}

func TestNewIngestor_PanicsWithoutCollaborators(t *testing.T) {
	assert.Panics(t, func() { NewIngestor(IngestorConfig{}) })
}
