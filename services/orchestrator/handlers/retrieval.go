// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianKG/services/orchestrator/conversation"
	"github.com/AleutianAI/AleutianKG/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianKG/services/orchestrator/services"
)

// MaxBatchQueries bounds the number of queries in one batch search.
const MaxBatchQueries = 50

// RetrievalService is the subset of *services.Retriever the handlers use.
type RetrievalService interface {
	StreamSearch(ctx context.Context, req datatypes.SearchRequest, emit services.EventSink) error
	Search(ctx context.Context, req datatypes.SearchRequest) (*datatypes.SearchResponse, error)
	BatchSearch(ctx context.Context, queries []string, base datatypes.SearchRequest) []datatypes.SearchResponse
	ConversationHistory(sessionID string) (string, error)
	ClearConversation(sessionID string) error
	Sessions() []conversation.SessionInfo
}

// =============================================================================
// Search
// =============================================================================

// HandleSearchStream streams a search as NDJSON.
//
// # Description
//
// Binds the query parameters, validates them and runs StreamSearch with
// an NDJSON writer as the event sink. The request context is the stream's
// context, so a client disconnect abandons the stream and cancels the
// background agent invocation.
//
// # Inputs
//
//   - Query params: query (required), doc_types (repeated),
//     include_relationships, search_type, model.
//   - Header: X-Session-ID (optional; generated and echoed when absent).
//
// # Outputs
//
//   - 200 with application/x-ndjson stream events, or a JSON error with
//     400 when the request is invalid.
func HandleSearchStream(svc RetrievalService) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := resolveSessionID(c)
		req, ok := bindSearchRequest(c, sessionID)
		if !ok {
			return
		}

		SetNDJSONHeaders(c.Writer)
		writer, err := NewNDJSONWriter(c.Writer)
		if err != nil {
			abortWithError(c, http.StatusInternalServerError, "streaming not supported", sessionID)
			return
		}

		slog.Info("Streaming search started", "session_id", sessionID, "search_type", req.SearchType)
		err = svc.StreamSearch(c.Request.Context(), req, writer.WriteEvent)
		switch {
		case err == nil:
		case errors.Is(err, services.ErrStreamAbandoned):
			slog.Info("Client disconnected from search stream", "session_id", sessionID)
		case !writer.Started():
			c.Writer.Header().Del("Content-Type")
			abortWithError(c, statusFor(err), err.Error(), sessionID)
		default:
			slog.Warn("Search stream ended with error", "session_id", sessionID, "error", err)
		}
	}
}

// HandleSearch runs a blocking search and returns a SearchResponse.
// Failures return the same body shape with status "error".
func HandleSearch(svc RetrievalService) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := resolveSessionID(c)
		req, ok := bindSearchRequest(c, sessionID)
		if !ok {
			return
		}

		resp, err := svc.Search(c.Request.Context(), req)
		if err != nil {
			slog.Error("Search failed", "session_id", sessionID, "error", err)
			c.JSON(statusFor(err), resp)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// HandleBatchSearch runs one blocking search per "queries" parameter and
// returns the responses in order. Individual failures are reported inside
// their response; the call itself succeeds.
func HandleBatchSearch(svc RetrievalService) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := resolveSessionID(c)
		queries := c.QueryArray("queries")
		if len(queries) == 0 {
			abortWithError(c, http.StatusBadRequest, "at least one queries parameter is required", sessionID)
			return
		}
		if len(queries) > MaxBatchQueries {
			abortWithError(c, http.StatusBadRequest,
				fmt.Sprintf("too many queries: %d (max %d)", len(queries), MaxBatchQueries), sessionID)
			return
		}

		var base datatypes.SearchRequest
		if err := c.ShouldBindQuery(&base); err != nil {
			abortWithError(c, http.StatusBadRequest, err.Error(), sessionID)
			return
		}
		base.SessionID = sessionID
		for _, q := range queries {
			single := base
			single.Query = q
			if err := single.Validate(); err != nil {
				abortWithError(c, http.StatusBadRequest, err.Error(), sessionID)
				return
			}
		}

		c.JSON(http.StatusOK, svc.BatchSearch(c.Request.Context(), queries, base))
	}
}

// =============================================================================
// Conversation
// =============================================================================

// HandleConversationHistory returns the formatted history of the session.
func HandleConversationHistory(svc RetrievalService) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := resolveSessionID(c)
		history, err := svc.ConversationHistory(sessionID)
		if err != nil {
			abortWithError(c, statusFor(err), err.Error(), sessionID)
			return
		}
		c.JSON(http.StatusOK, datatypes.ConversationHistoryResponse{
			Status:    datatypes.StatusSuccess,
			History:   history,
			SessionID: sessionID,
		})
	}
}

// HandleConversationClear clears the session.
func HandleConversationClear(svc RetrievalService) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := resolveSessionID(c)
		if err := svc.ClearConversation(sessionID); err != nil {
			abortWithError(c, statusFor(err), err.Error(), sessionID)
			return
		}
		c.JSON(http.StatusOK, datatypes.ConversationClearResponse{
			Status:    datatypes.StatusSuccess,
			Message:   "Conversation history cleared",
			SessionID: sessionID,
		})
	}
}

// HandleListSessions lists the live sessions.
func HandleListSessions(svc RetrievalService) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessions := svc.Sessions()
		c.JSON(http.StatusOK, gin.H{
			"status":   datatypes.StatusSuccess,
			"count":    len(sessions),
			"sessions": sessions,
		})
	}
}

// bindSearchRequest binds and validates the search query parameters.
// On failure it writes a 400 and returns false.
func bindSearchRequest(c *gin.Context, sessionID string) (datatypes.SearchRequest, bool) {
	var req datatypes.SearchRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, err.Error(), sessionID)
		return req, false
	}
	if err := req.Validate(); err != nil {
		abortWithError(c, http.StatusBadRequest, err.Error(), sessionID)
		return req, false
	}
	req.SessionID = sessionID
	req.SearchType = req.EffectiveSearchType()
	return req, true
}
