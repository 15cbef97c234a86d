// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides the wire types of the orchestrator service.
//
// This file contains the retrieval types: search requests, stream events,
// citations and search responses. Ingestion types live in ingest.go.
package datatypes

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MaxQueryBytes bounds the size of a search query.
	MaxQueryBytes = 8 * 1024

	// MaxDocTypes bounds the number of doc_types filters on one request.
	MaxDocTypes = 20

	// StatusSuccess marks a successful result or end event.
	StatusSuccess = "success"

	// StatusError marks a failed result or error event.
	StatusError = "error"

	// NoInformationMessage is the answer returned when a search found nothing.
	// It is a success, never an error.
	NoInformationMessage = "No information found for this query."

	// NoResultsFound is what the agent path yields when no assistant message exists.
	NoResultsFound = "No results found"
)

// =============================================================================
// Search Types
// =============================================================================

// SearchType selects the retrieval prompt variant.
type SearchType string

const (
	// SearchFocused asks for a single-sentence answer with one source. Default.
	SearchFocused SearchType = "focused"

	// SearchDetailed asks for a comprehensive answer using nodes and facts.
	SearchDetailed SearchType = "detailed"

	// SearchTimeline asks for chronologically ordered events.
	SearchTimeline SearchType = "timeline"
)

// ParseSearchType maps a request value to a SearchType. Empty or unknown
// values select SearchFocused.
func ParseSearchType(s string) SearchType {
	switch SearchType(strings.ToLower(strings.TrimSpace(s))) {
	case SearchDetailed:
		return SearchDetailed
	case SearchTimeline:
		return SearchTimeline
	default:
		return SearchFocused
	}
}

// =============================================================================
// Search Request
// =============================================================================

var searchValidate = validator.New()

// SearchRequest is one retrieval request, streaming or blocking.
//
// # Description
//
// The HTTP layer binds query parameters into this struct and fills
// SessionID from the X-Session-ID header. An empty SessionID lets the
// orchestrator fall back to its default session, if any.
//
// # Validation
//
//   - Query: required, at most MaxQueryBytes bytes.
//   - DocTypes: at most MaxDocTypes entries.
//   - SearchType: empty or one of focused, detailed, timeline.
type SearchRequest struct {
	Query                string     `form:"query" json:"query" validate:"required,max=8192"`
	DocTypes             []string   `form:"doc_types" json:"doc_types,omitempty" validate:"max=20,dive,required"`
	IncludeRelationships bool       `form:"include_relationships" json:"include_relationships"`
	SearchType           SearchType `form:"search_type" json:"search_type" validate:"omitempty,oneof=focused detailed timeline"`
	SessionID            string     `form:"-" json:"session_id,omitempty"`
	Model                string     `form:"model" json:"model,omitempty" validate:"max=128"`
}

// Validate checks the request against its validation tags.
func (r *SearchRequest) Validate() error {
	if err := searchValidate.Struct(r); err != nil {
		return fmt.Errorf("invalid search request: %w", err)
	}
	return nil
}

// EffectiveSearchType returns the request's search type with the default applied.
func (r *SearchRequest) EffectiveSearchType() SearchType {
	return ParseSearchType(string(r.SearchType))
}

// =============================================================================
// Stream Events
// =============================================================================

// StreamEventType tags a StreamEvent.
type StreamEventType string

const (
	// EventToken carries one text fragment in Chunk.
	EventToken StreamEventType = "token"

	// EventCitation carries parsed citation fields in Metadata.
	EventCitation StreamEventType = "citation"

	// EventEnd is the successful terminal event.
	EventEnd StreamEventType = "end"

	// EventError is the failed terminal event; Chunk holds the message.
	EventError StreamEventType = "error"
)

// IsTerminal reports whether t ends a stream.
func (t StreamEventType) IsTerminal() bool {
	return t == EventEnd || t == EventError
}

// StreamEvent is one NDJSON line of a streaming search.
//
// # Description
//
// A stream is zero or more token and citation events followed by exactly
// one end or error event.
//
// # Examples
//
//	{"chunk":"Paris","type":"token"}
//	{"chunk":"","type":"citation","metadata":{"document":"Doc1","date":"2024-01-01","section":"Intro"}}
//	{"chunk":"","type":"end","metadata":{"status":"success","query":"capital?","doc_types":null,"search_type":"focused","session_id":"s1"}}
type StreamEvent struct {
	Chunk    string          `json:"chunk"`
	Type     StreamEventType `json:"type"`
	Metadata map[string]any  `json:"metadata,omitempty"`
}

// TokenEvent builds a token event.
func TokenEvent(text string) StreamEvent {
	return StreamEvent{Chunk: text, Type: EventToken}
}

// CitationEvent builds a citation event from c.
func CitationEvent(c Citation) StreamEvent {
	return StreamEvent{Type: EventCitation, Metadata: c.Metadata()}
}

// =============================================================================
// Citations
// =============================================================================

// Citation is the source reference parsed from a trailing
// "Source: [Document | Date | Section]" marker. Absent fields are nil.
type Citation struct {
	Document *string `json:"document"`
	Date     *string `json:"date"`
	Section  *string `json:"section"`
}

// Metadata renders c as a stream event metadata map with explicit nulls.
func (c Citation) Metadata() map[string]any {
	return map[string]any{
		"document": stringOrNil(c.Document),
		"date":     stringOrNil(c.Date),
		"section":  stringOrNil(c.Section),
	}
}

func stringOrNil(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// =============================================================================
// Search Response
// =============================================================================

// SearchResponse is the result of a blocking search.
//
// # Description
//
// Status is StatusSuccess or StatusError. On success Answer holds the
// cleaned answer text (or NoInformationMessage); on error Error holds the
// message and Answer is empty.
type SearchResponse struct {
	Status     string     `json:"status"`
	Answer     string     `json:"answer,omitempty"`
	Citations  []Citation `json:"citations,omitempty"`
	Query      string     `json:"query"`
	DocTypes   []string   `json:"doc_types"`
	SearchType SearchType `json:"search_type,omitempty"`
	SessionID  string     `json:"session_id,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// ConversationHistoryResponse is returned by the history endpoint.
type ConversationHistoryResponse struct {
	Status    string `json:"status"`
	History   string `json:"history"`
	SessionID string `json:"session_id"`
}

// ConversationClearResponse is returned by the clear endpoint.
type ConversationClearResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

// ErrorResponse is the JSON body of every failed HTTP call.
type ErrorResponse struct {
	Status    string `json:"status"`
	Error     string `json:"error"`
	SessionID string `json:"session_id,omitempty"`
}
