// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package services provides the retrieval and ingestion orchestrators.
//
// Orchestrators sit between the HTTP handlers and the agent capability.
// They own prompt selection, session history, tool-server connections and
// the conversion of every failure into a structured result or event.
// Dependencies are injected through config structs so tests can swap in
// scripted agents and counting dialers.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianKG/services/llm"
	"github.com/AleutianAI/AleutianKG/services/orchestrator/archive"
	"github.com/AleutianAI/AleutianKG/services/orchestrator/conversation"
	"github.com/AleutianAI/AleutianKG/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianKG/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianKG/services/orchestrator/prompts"
	"github.com/AleutianAI/AleutianKG/services/orchestrator/relay"
	"github.com/AleutianAI/AleutianKG/services/orchestrator/toolserver"
)

var retrievalTracer = otel.Tracer("aleutian.kg.retrieval")

// EventSink receives stream events in order. Returning an error means the
// consumer has gone away; the stream is then abandoned.
type EventSink func(datatypes.StreamEvent) error

// TurnArchiver receives every persisted turn. *archive.Archive satisfies it.
type TurnArchiver interface {
	Archive(turn archive.Turn) error
}

// RetrieverConfig holds the Retriever's collaborators.
//
// # Fields
//
//   - Registry: Session memories. Required.
//   - Dialer: Opens tool-server connections. Required.
//   - Endpoints: The tool-server descriptor passed to Dialer.
//   - NewAgent: Builds agent handles. Required.
//   - Model: Default model; a request's Model overrides it.
//   - DefaultSession: Used when a request carries no session id.
//   - Archive: Optional turn archive.
//   - Metrics: Optional Prometheus metrics.
//   - NewAccumulator: Buffers each streamed response. Default: a locked
//     buffer of DefaultAccumulatorSize.
type RetrieverConfig struct {
	Registry       *conversation.Registry
	Dialer         toolserver.Dialer
	Endpoints      toolserver.Descriptor
	NewAgent       llm.Factory
	Model          string
	DefaultSession string
	Archive        TurnArchiver
	Metrics        *observability.Metrics
	NewAccumulator func() TokenAccumulator
}

// Retriever answers questions against the knowledge graph.
//
// # Description
//
// StreamSearch gives every stream its own relay, agent handle and
// tool-server connection, and tears all of them down on every exit path.
// Search shares one lazily dialed connection across calls. It is redialed
// when the tool servers drop it and released by Close.
//
// # Thread Safety
//
// Safe for concurrent use. Concurrent searches on the same session may
// interleave their turns in either order.
type Retriever struct {
	cfg    RetrieverConfig
	shared *sharedConnection
}

// NewRetriever creates a Retriever. Panics if a required collaborator is nil.
func NewRetriever(cfg RetrieverConfig) *Retriever {
	if cfg.Registry == nil || cfg.Dialer == nil || cfg.NewAgent == nil {
		panic("services.NewRetriever: Registry, Dialer and NewAgent are required")
	}
	if cfg.NewAccumulator == nil {
		cfg.NewAccumulator = func() TokenAccumulator { return NewTokenAccumulator(DefaultAccumulatorSize) }
	}
	return &Retriever{
		cfg:    cfg,
		shared: &sharedConnection{dialer: cfg.Dialer, endpoints: cfg.Endpoints, metrics: cfg.Metrics},
	}
}

// =============================================================================
// Streaming Search
// =============================================================================

// StreamSearch runs one streaming search and reports its events to emit.
//
// # Description
//
// Emits zero or more token events, at most one citation event, then
// exactly one end or error event. Tokens are forwarded as they arrive.
// When the response contains "\nSource:" the text after the marker is
// parsed into the citation event. The whole response, citation included,
// is stored as one turn in the session memory.
//
// # Inputs
//
//   - ctx: Cancelling it abandons the stream.
//   - req: The search request. An empty SessionID uses the default session.
//   - emit: Receives the events. An error from emit abandons the stream.
//
// # Outputs
//
//   - error: nil when the end event was emitted. ErrMissingSession (before
//     any event), an *UpstreamToolError (after the error event) or
//     ErrStreamAbandoned (no terminal event) otherwise.
//
// # Limitations
//
//   - No timeouts or retries; callers bound the stream with ctx.
func (r *Retriever) StreamSearch(ctx context.Context, req datatypes.SearchRequest, emit EventSink) error {
	m := r.cfg.Metrics
	sessionID, err := r.resolveSession(req.SessionID)
	if err != nil {
		m.RecordError(observability.OpSearchStream, observability.ErrorCodeConfiguration)
		return err
	}
	req.SessionID = sessionID
	req.SearchType = req.EffectiveSearchType()

	ctx, span := retrievalTracer.Start(ctx, "Retriever.StreamSearch", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("search.type", string(req.SearchType)),
		attribute.Int("search.doc_types", len(req.DocTypes)),
	)

	start := time.Now()
	m.StreamStarted()
	defer m.StreamEnded()

	mem := r.memory(sessionID)
	prompt := r.buildPrompt(req, mem)

	response, err := r.stream(ctx, req, prompt, emit, start)
	switch {
	case errors.Is(err, ErrStreamAbandoned):
		slog.Info("Search stream abandoned by consumer", "session_id", sessionID)
		span.SetStatus(codes.Error, "abandoned")
		m.RecordClientDisconnect(observability.OpSearchStream)
		m.RecordError(observability.OpSearchStream, observability.ErrorCodeClientDisconnect)
		m.RecordRequest(observability.OpSearchStream, false)
		return err
	case err != nil:
		slog.Error("Search stream failed", "session_id", sessionID, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "stream failed")
		m.RecordError(observability.OpSearchStream, errorCode(err))
		m.RecordRequest(observability.OpSearchStream, false)
		m.RecordDuration(observability.OpSearchStream, time.Since(start).Seconds(), false)
		_ = emit(errorEvent(req, err))
		return err
	}

	var citeErr error
	if _, citeText, found := SplitCitation(response); found {
		citation, anomaly := ParseCitation(citeText)
		m.RecordCitation(anomaly != nil)
		if anomaly != nil {
			slog.Warn("Malformed citation in response", "session_id", sessionID, "reason", anomaly.Reason)
		}
		citeErr = emit(datatypes.CitationEvent(citation))
	}

	r.persist(sessionID, mem, req.Query, response)

	if citeErr == nil {
		citeErr = emit(endEvent(req))
	}
	if citeErr != nil {
		m.RecordClientDisconnect(observability.OpSearchStream)
		m.RecordRequest(observability.OpSearchStream, false)
		return fmt.Errorf("%w: %v", ErrStreamAbandoned, citeErr)
	}

	m.RecordRequest(observability.OpSearchStream, true)
	m.RecordDuration(observability.OpSearchStream, time.Since(start).Seconds(), true)
	span.SetAttributes(attribute.Int("search.response_bytes", len(response)))
	return nil
}

// stream runs the STREAMING phase and returns the accumulated response.
func (r *Retriever) stream(
	ctx context.Context,
	req datatypes.SearchRequest,
	prompt string,
	emit EventSink,
	start time.Time,
) (string, error) {
	conn, err := r.cfg.Dialer.Dial(ctx, r.cfg.Endpoints)
	r.cfg.Metrics.RecordDial(err == nil)
	if err != nil {
		return "", &UpstreamToolError{Op: opDial, Err: err}
	}
	defer closeConnection(conn)

	rl := relay.New()
	agent, err := r.cfg.NewAgent(llm.AgentConfig{
		Model:   r.model(req),
		Tools:   conn.Tools(),
		Handler: rl,
	})
	if err != nil {
		return "", &UpstreamToolError{Op: opInvoke, Err: err}
	}

	bgCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(bgCtx)
	defer func() {
		cancel()
		_ = g.Wait()
	}()

	g.Go(func() error {
		result, err := agent.Invoke(gctx, prompt)
		if err == nil && result != nil && result.Error != "" {
			err = errors.New(result.Error)
		}
		if err != nil {
			rl.OnError(err)
			return err
		}
		rl.OnComplete()
		return nil
	})

	acc := r.cfg.NewAccumulator()
	defer acc.Destroy()

	first := true
	for token := range rl.Drain(ctx) {
		if first {
			r.cfg.Metrics.RecordTimeToFirstToken(observability.OpSearchStream, time.Since(start).Seconds())
			first = false
		}
		if err := acc.Write(token); err != nil {
			return "", err
		}
		r.cfg.Metrics.RecordToken()
		if err := emit(datatypes.TokenEvent(token)); err != nil {
			return "", fmt.Errorf("%w: %v", ErrStreamAbandoned, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrStreamAbandoned, err)
	}

	if err := g.Wait(); err != nil {
		return "", &UpstreamToolError{Op: opInvoke, Err: err}
	}

	response, digest, err := acc.Finalize()
	if err != nil {
		return "", err
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("search.response_sha256", digest))
	return response, nil
}

// =============================================================================
// Blocking Search
// =============================================================================

// Search runs one blocking search.
//
// # Description
//
// Uses the same prompt and history steps as StreamSearch with a single
// blocking invocation. The answer is the last assistant message, or
// "No results found" when there is none; that raw text is stored as the
// turn. The returned answer has its "Answer:" label and citation removed,
// and an empty or "No results found" answer becomes NoInformationMessage
// with status success.
//
// # Outputs
//
//   - *datatypes.SearchResponse: Always non-nil. Status is StatusError
//     exactly when error is non-nil.
//   - error: ErrMissingSession, ErrClosed or an *UpstreamToolError.
func (r *Retriever) Search(ctx context.Context, req datatypes.SearchRequest) (*datatypes.SearchResponse, error) {
	m := r.cfg.Metrics
	req.SearchType = req.EffectiveSearchType()
	resp := &datatypes.SearchResponse{
		Query:      req.Query,
		DocTypes:   req.DocTypes,
		SearchType: req.SearchType,
		SessionID:  req.SessionID,
	}
	fail := func(err error, code observability.ErrorCode) (*datatypes.SearchResponse, error) {
		resp.Status = datatypes.StatusError
		resp.Error = errorMessage(err)
		m.RecordError(observability.OpSearch, code)
		m.RecordRequest(observability.OpSearch, false)
		return resp, err
	}

	sessionID, err := r.resolveSession(req.SessionID)
	if err != nil {
		return fail(err, observability.ErrorCodeConfiguration)
	}
	req.SessionID = sessionID
	resp.SessionID = sessionID

	ctx, span := retrievalTracer.Start(ctx, "Retriever.Search", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("search.type", string(req.SearchType)),
	)
	start := time.Now()

	mem := r.memory(sessionID)
	prompt := r.buildPrompt(req, mem)

	conn, err := r.shared.get(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "connection failed")
		return fail(err, errorCode(err))
	}

	agent, err := r.cfg.NewAgent(llm.AgentConfig{Model: r.model(req), Tools: conn.Tools()})
	if err != nil {
		return fail(&UpstreamToolError{Op: opInvoke, Err: err}, observability.ErrorCodeAgent)
	}
	result, err := agent.Invoke(ctx, prompt)
	if err == nil && result != nil && result.Error != "" {
		err = errors.New(result.Error)
	}
	if err != nil {
		if errors.Is(err, toolserver.ErrConnectionLost) || !conn.Alive() {
			r.shared.release(conn)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "invoke failed")
		return fail(&UpstreamToolError{Op: opInvoke, Err: err}, observability.ErrorCodeAgent)
	}

	raw := datatypes.NoResultsFound
	if result != nil {
		if last, ok := llm.LastAIMessage(result.Messages); ok {
			raw = last
		}
	}
	r.persist(sessionID, mem, req.Query, raw)

	answer, citeText, found := SplitCitation(raw)
	if found {
		citation, anomaly := ParseCitation(citeText)
		m.RecordCitation(anomaly != nil)
		if anomaly != nil {
			slog.Warn("Malformed citation in response", "session_id", sessionID, "reason", anomaly.Reason)
		}
		resp.Citations = []datatypes.Citation{citation}
	}
	if answer == "" || answer == datatypes.NoResultsFound {
		answer = datatypes.NoInformationMessage
	}

	resp.Status = datatypes.StatusSuccess
	resp.Answer = answer
	m.RecordRequest(observability.OpSearch, true)
	m.RecordDuration(observability.OpSearch, time.Since(start).Seconds(), true)
	return resp, nil
}

// BatchSearch runs Search for every query in order, using base for all
// other request fields. Failures are reported per query.
func (r *Retriever) BatchSearch(ctx context.Context, queries []string, base datatypes.SearchRequest) []datatypes.SearchResponse {
	out := make([]datatypes.SearchResponse, 0, len(queries))
	for _, q := range queries {
		req := base
		req.Query = q
		resp, err := r.Search(ctx, req)
		if err != nil {
			slog.Warn("Batch search query failed", "query", q, "error", err)
		}
		out = append(out, *resp)
	}
	return out
}

// =============================================================================
// Session Operations
// =============================================================================

// ConversationHistory returns the formatted history of a session.
func (r *Retriever) ConversationHistory(sessionID string) (string, error) {
	id, err := r.resolveSession(sessionID)
	if err != nil {
		return "", err
	}
	return r.memory(id).FormattedHistory(), nil
}

// ClearConversation clears and removes a session.
func (r *Retriever) ClearConversation(sessionID string) error {
	id, err := r.resolveSession(sessionID)
	if err != nil {
		return err
	}
	r.cfg.Registry.Clear(id)
	r.cfg.Metrics.SetActiveSessions(r.cfg.Registry.Len())
	slog.Info("Conversation cleared", "session_id", id)
	return nil
}

// Sessions lists the live sessions.
func (r *Retriever) Sessions() []conversation.SessionInfo {
	return r.cfg.Registry.Sessions()
}

// Close releases the shared search connection. Safe to call multiple
// times and when no connection was ever opened.
func (r *Retriever) Close() error {
	return r.shared.close()
}

// =============================================================================
// Internal Methods
// =============================================================================

func (r *Retriever) resolveSession(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if r.cfg.DefaultSession != "" {
		return r.cfg.DefaultSession, nil
	}
	return "", ErrMissingSession
}

func (r *Retriever) memory(sessionID string) *conversation.Memory {
	mem := r.cfg.Registry.Memory(sessionID)
	r.cfg.Metrics.SetActiveSessions(r.cfg.Registry.Len())
	return mem
}

func (r *Retriever) model(req datatypes.SearchRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return r.cfg.Model
}

func (r *Retriever) buildPrompt(req datatypes.SearchRequest, mem *conversation.Memory) string {
	task := prompts.ForSearchType(req.SearchType, prompts.RetrievalParams{
		Query:                req.Query,
		DocTypes:             req.DocTypes,
		IncludeRelationships: req.IncludeRelationships,
	})
	return prompts.WithHistory(mem.FormattedHistory(), task)
}

func (r *Retriever) persist(sessionID string, mem *conversation.Memory, query, response string) {
	mem.AddInteraction(query, response)
	if r.cfg.Archive == nil {
		return
	}
	turn := archive.Turn{SessionID: sessionID, Query: query, Response: response, Timestamp: time.Now()}
	if err := r.cfg.Archive.Archive(turn); err != nil {
		slog.Warn("Turn not archived", "session_id", sessionID, "error", err)
	}
}

func closeConnection(conn toolserver.Connection) {
	if err := conn.Close(); err != nil {
		slog.Warn("Failed to close tool server connection", "error", err)
	}
}

func eventMetadata(req datatypes.SearchRequest, status string) map[string]any {
	return map[string]any{
		"status":      status,
		"query":       req.Query,
		"doc_types":   req.DocTypes,
		"search_type": string(req.SearchType),
		"session_id":  req.SessionID,
	}
}

func endEvent(req datatypes.SearchRequest) datatypes.StreamEvent {
	return datatypes.StreamEvent{Type: datatypes.EventEnd, Metadata: eventMetadata(req, datatypes.StatusSuccess)}
}

func errorEvent(req datatypes.SearchRequest, err error) datatypes.StreamEvent {
	return datatypes.StreamEvent{
		Chunk:    errorMessage(err),
		Type:     datatypes.EventError,
		Metadata: eventMetadata(req, datatypes.StatusError),
	}
}

// errorMessage returns the message shown to clients: the underlying
// failure for upstream errors, without the step prefix.
func errorMessage(err error) string {
	var ute *UpstreamToolError
	if errors.As(err, &ute) && ute.Err != nil {
		return ute.Err.Error()
	}
	return err.Error()
}

func errorCode(err error) observability.ErrorCode {
	var ute *UpstreamToolError
	switch {
	case errors.Is(err, ErrMissingSession):
		return observability.ErrorCodeConfiguration
	case errors.As(err, &ute) && ute.Op == opDial:
		return observability.ErrorCodeToolServer
	case errors.As(err, &ute):
		return observability.ErrorCodeAgent
	default:
		return observability.ErrorCodeInternal
	}
}
