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
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianKG/services/llm"
	"github.com/AleutianAI/AleutianKG/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianKG/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianKG/services/orchestrator/prompts"
	"github.com/AleutianAI/AleutianKG/services/orchestrator/toolserver"
)

var ingestionTracer = otel.Tracer("aleutian.kg.ingestion")

// LedgerRecorder persists ingestion outcomes. *storage.Ledger satisfies it.
type LedgerRecorder interface {
	Record(entry datatypes.LedgerEntry) (datatypes.LedgerEntry, error)
}

// IngestorConfig holds the Ingestor's collaborators.
type IngestorConfig struct {
	Dialer    toolserver.Dialer
	Endpoints toolserver.Descriptor
	NewAgent  llm.Factory
	Model     string
	Ledger    LedgerRecorder
	Metrics   *observability.Metrics
}

// IngestOption adjusts one ProcessDocument call.
type IngestOption func(*ingestOptions)

type ingestOptions struct {
	model    string
	mimeType string
	label    string
}

// WithModel overrides the configured model.
func WithModel(model string) IngestOption {
	return func(o *ingestOptions) { o.model = model }
}

// WithMimeType sets the mime type instead of guessing it from the extension.
func WithMimeType(mimeType string) IngestOption {
	return func(o *ingestOptions) { o.mimeType = mimeType }
}

// WithLabel records label (for example the uploaded file name) in the
// ledger instead of the processed path.
func WithLabel(label string) IngestOption {
	return func(o *ingestOptions) { o.label = label }
}

// Ingestor turns documents into knowledge-graph content.
//
// # Description
//
// Each Ingestor owns at most one tool-server connection, dialed on the
// first ProcessDocument call, redialed when the servers drop it and
// released by Close.
//
// # Thread Safety
//
// Safe for concurrent use; concurrent calls share the connection.
type Ingestor struct {
	cfg    IngestorConfig
	shared *sharedConnection
}

// NewIngestor creates an Ingestor. Panics if Dialer or NewAgent is nil.
func NewIngestor(cfg IngestorConfig) *Ingestor {
	if cfg.Dialer == nil || cfg.NewAgent == nil {
		panic("services.NewIngestor: Dialer and NewAgent are required")
	}
	return &Ingestor{
		cfg:    cfg,
		shared: &sharedConnection{dialer: cfg.Dialer, endpoints: cfg.Endpoints, metrics: cfg.Metrics},
	}
}

// ProcessDocument ingests the file at filePath.
//
// # Description
//
// Runs three invocations in order:
//  1. A type-aware processing prompt; its last assistant message is the summary.
//  2. Metadata extraction.
//  3. Relationship establishment keyed by filePath.
//
// Steps 2 and 3 are skipped when step 1 reports a soft error; the result
// is still a success carrying the step 1 summary. Every outcome is
// recorded in the ledger when one is configured.
//
// # Outputs
//
//   - datatypes.IngestResult: Always populated; Status is StatusError
//     exactly when error is non-nil.
//   - error: ErrClosed or an *UpstreamToolError.
func (i *Ingestor) ProcessDocument(ctx context.Context, filePath string, opts ...IngestOption) (datatypes.IngestResult, error) {
	o := ingestOptions{model: i.cfg.Model, label: filePath}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, span := ingestionTracer.Start(ctx, "Ingestor.ProcessDocument", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	span.SetAttributes(attribute.String("ingest.file", o.label))
	start := time.Now()

	result, err := i.process(ctx, filePath, o)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ingestion failed")
		slog.Error("Document ingestion failed", "file", o.label, "error", err)
		result = datatypes.IngestResult{
			Status:        datatypes.StatusError,
			FileProcessed: filePath,
			Error:         errorMessage(err),
		}
		i.cfg.Metrics.RecordError(observability.OpIngest, errorCode(err))
	} else {
		slog.Info("Document ingested", "file", o.label, "duration_ms", time.Since(start).Milliseconds())
	}

	i.cfg.Metrics.RecordIngestion(err == nil)
	i.cfg.Metrics.RecordRequest(observability.OpIngest, err == nil)
	i.cfg.Metrics.RecordDuration(observability.OpIngest, time.Since(start).Seconds(), err == nil)
	i.record(result, o)
	return result, err
}

func (i *Ingestor) process(ctx context.Context, filePath string, o ingestOptions) (datatypes.IngestResult, error) {
	conn, err := i.shared.get(ctx)
	if err != nil {
		return datatypes.IngestResult{}, err
	}
	fail := func(op string, err error) (datatypes.IngestResult, error) {
		if errors.Is(err, toolserver.ErrConnectionLost) || !conn.Alive() {
			i.shared.release(conn)
		}
		return datatypes.IngestResult{}, &UpstreamToolError{Op: op, Err: err}
	}

	agent, err := i.cfg.NewAgent(llm.AgentConfig{Model: o.model, Tools: conn.Tools()})
	if err != nil {
		return datatypes.IngestResult{}, &UpstreamToolError{Op: opProcess, Err: err}
	}

	processed, err := agent.Invoke(ctx, prompts.DocumentProcessing(filePath, o.mimeType, true))
	if err != nil {
		return fail(opProcess, err)
	}

	summary := datatypes.NoSummaryAvailable
	if processed != nil {
		if last, ok := llm.LastAIMessage(processed.Messages); ok {
			summary = last
		}
	}

	if processed != nil && processed.Error != "" {
		slog.Warn("Document processing reported an error, skipping metadata and relationships",
			"file", o.label, "error", processed.Error)
	} else {
		if _, err := agent.Invoke(ctx, prompts.MetadataExtraction()); err != nil {
			return fail(opMetadata, err)
		}
		if _, err := agent.Invoke(ctx, prompts.Relationship(filePath)); err != nil {
			return fail(opRelationships, err)
		}
	}

	return datatypes.IngestResult{
		Status:        datatypes.StatusSuccess,
		Summary:       summary,
		FileProcessed: filePath,
	}, nil
}

// Close releases the connection. Safe to call multiple times and when no
// connection was ever opened.
func (i *Ingestor) Close() error {
	return i.shared.close()
}

func (i *Ingestor) record(result datatypes.IngestResult, o ingestOptions) {
	if i.cfg.Ledger == nil {
		return
	}
	_, err := i.cfg.Ledger.Record(datatypes.LedgerEntry{
		File:    o.label,
		Status:  result.Status,
		Summary: result.Summary,
		Error:   result.Error,
		Model:   o.model,
	})
	if err != nil {
		slog.Warn("Failed to record ingestion outcome", "file", o.label, "error", err)
	}
}
