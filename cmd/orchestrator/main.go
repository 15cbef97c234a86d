// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command orchestrator runs the knowledge-graph ingestion and retrieval
// HTTP service. All configuration comes from environment variables.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/AleutianAI/AleutianKG/pkg/logging"
	"github.com/AleutianAI/AleutianKG/services/llm"
	"github.com/AleutianAI/AleutianKG/services/orchestrator"
)

func main() {
	logger := logging.New(logging.ConfigFromEnv("orchestrator"))
	logger.Install()
	defer logger.Close()

	openAI, err := llm.LoadOpenAIConfig()
	if err != nil {
		log.Fatalf("Failed to load OpenAI configuration: %v", err)
	}

	cfg := orchestrator.Config{
		Port:                 getEnvInt("ORCHESTRATOR_PORT", 8080),
		GinMode:              os.Getenv("GIN_MODE"),
		OpenAI:               openAI,
		MemorySize:           getEnvInt("CONVERSATION_MEMORY_SIZE", 10),
		MaxSessions:          getEnvInt("SESSION_MAX_COUNT", 1000),
		SessionIdleTTL:       getEnvDuration("SESSION_IDLE_TTL", 24*time.Hour),
		SessionSweepInterval: getEnvDuration("SESSION_SWEEP_INTERVAL", 10*time.Minute),
		DefaultSession:       os.Getenv("DEFAULT_SESSION_ID"),
		GraphitiURL:          getEnvString("GRAPHITI_SERVER_URL", "http://localhost:8000/sse"),
		MarkItDownURL:        getEnvString("MARKITDOWN_SERVER_URL", "http://127.0.0.1:3001/sse"),
		ToolServersConfig:    os.Getenv("TOOL_SERVERS_CONFIG"),
		LedgerPath:           getEnvString("INGEST_LEDGER_PATH", "./data/ledger"),
		WeaviateURL:          os.Getenv("WEAVIATE_SERVICE_URL"),
		OTelEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	slog.Info("Starting orchestrator",
		"port", cfg.Port,
		"model", cfg.OpenAI.Model,
		"ledger_path", cfg.LedgerPath,
		"weaviate_url", cfg.WeaviateURL,
	)

	svc, err := orchestrator.New(cfg, nil)
	if err != nil {
		log.Fatalf("Failed to create orchestrator: %v", err)
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.Run(ctx); err != nil {
		slog.Error("Orchestrator error", "error", err)
		os.Exit(1)
	}
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
		slog.Warn("Ignoring invalid integer environment variable", "key", key, "value", value)
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		slog.Warn("Ignoring invalid duration environment variable", "key", key, "value", value)
	}
	return defaultValue
}
