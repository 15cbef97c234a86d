// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers provides the gin handlers of the knowledge-graph
// orchestrator: streaming and blocking retrieval, document ingestion,
// session administration and health.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianKG/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianKG/services/orchestrator/services"
)

// SessionHeader carries the conversation session id on requests and
// responses.
const SessionHeader = "X-Session-ID"

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// resolveSessionID returns the session id from the request header, or a
// new UUID when the header is absent. The id is echoed on the response.
func resolveSessionID(c *gin.Context) string {
	id := c.GetHeader(SessionHeader)
	if id == "" {
		id = uuid.New().String()
	}
	c.Header(SessionHeader, id)
	return id
}

// statusFor maps an orchestrator error to an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrMissingSession):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrClosed):
		return http.StatusServiceUnavailable
	case services.IsDialFailure(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, code int, msg, sessionID string) {
	c.AbortWithStatusJSON(code, datatypes.ErrorResponse{
		Status:    datatypes.StatusError,
		Error:     msg,
		SessionID: sessionID,
	})
}
