// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/AleutianAI/AleutianKG/services/orchestrator/datatypes"
)

// NDJSONContentType is the media type of streaming search responses.
const NDJSONContentType = "application/x-ndjson"

// =============================================================================
// Interface Definition
// =============================================================================

// NDJSONWriter writes stream events as newline-delimited JSON.
//
// # Description
//
// Every event becomes one JSON object followed by "\n" and is flushed
// immediately so the client sees tokens as they are produced.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type NDJSONWriter interface {
	// WriteEvent serializes event as one line and flushes it.
	//
	// # Outputs
	//
	//   - error: Non-nil if marshaling or writing failed. A write error
	//     usually means the client disconnected.
	WriteEvent(event datatypes.StreamEvent) error

	// Started reports whether any event has been written. Once true the
	// status code and headers can no longer change.
	Started() bool
}

// =============================================================================
// Struct Definition
// =============================================================================

// ndjsonWriter implements NDJSONWriter for HTTP responses.
//
// # Fields
//
//   - writer: Underlying http.ResponseWriter
//   - flusher: Flushes every line
//   - started: Set after the first successful write
//   - mu: Serializes writes
type ndjsonWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	started bool
	mu      sync.Mutex
}

// NewNDJSONWriter creates an NDJSONWriter for w.
//
// # Inputs
//
//   - w: HTTP ResponseWriter. Must implement http.Flusher.
//
// # Outputs
//
//   - NDJSONWriter: Ready to write events.
//   - error: Non-nil if w does not support flushing.
//
// # Examples
//
//	SetNDJSONHeaders(w)
//	writer, err := NewNDJSONWriter(w)
//	if err != nil {
//	    http.Error(w, "Streaming not supported", http.StatusInternalServerError)
//	    return
//	}
//	writer.WriteEvent(datatypes.TokenEvent("Paris"))
func NewNDJSONWriter(w http.ResponseWriter) (NDJSONWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &ndjsonWriter{writer: w, flusher: flusher}, nil
}

func (w *ndjsonWriter) WriteEvent(event datatypes.StreamEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.writer.Write(data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	w.started = true
	w.flusher.Flush()
	return nil
}

func (w *ndjsonWriter) Started() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.started
}

// SetNDJSONHeaders sets the headers for a streaming NDJSON response.
// Must be called before the first write.
func SetNDJSONHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", NDJSONContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

var _ NDJSONWriter = (*ndjsonWriter)(nil)
