// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianKG/services/orchestrator/handlers"
)

// Dependencies are the services the routes dispatch to.
//
// # Fields
//
//   - Retrieval: Serves the /retrieve routes. Required.
//   - NewIngestor: Creates one ingestor per ingestion request. Required.
//   - Ledger: Serves GET /ingest/documents. The route is omitted when nil.
//   - Gatherer: Source of /metrics. Defaults to prometheus.DefaultGatherer.
type Dependencies struct {
	Retrieval   handlers.RetrievalService
	NewIngestor handlers.IngestorFactory
	Ledger      handlers.LedgerLister
	Gatherer    prometheus.Gatherer
}

// SetupRoutes registers every HTTP route on router.
func SetupRoutes(router *gin.Engine, deps Dependencies) {
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	ingest := router.Group("/ingest")
	{
		ingest.POST("/document", handlers.HandleIngestDocument(deps.NewIngestor))
		ingest.POST("/batch", handlers.HandleIngestBatch(deps.NewIngestor))
		if deps.Ledger != nil {
			ingest.GET("/documents", handlers.HandleListIngestions(deps.Ledger))
		}
	}

	retrieve := router.Group("/retrieve")
	{
		retrieve.GET("/search/stream", handlers.HandleSearchStream(deps.Retrieval))
		retrieve.GET("/search", handlers.HandleSearch(deps.Retrieval))
		retrieve.GET("/search/batch", handlers.HandleBatchSearch(deps.Retrieval))
		retrieve.GET("/conversation/history", handlers.HandleConversationHistory(deps.Retrieval))
		retrieve.POST("/conversation/clear", handlers.HandleConversationClear(deps.Retrieval))
		retrieve.GET("/sessions", handlers.HandleListSessions(deps.Retrieval))
	}
}
