// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package orchestrator composes the knowledge-graph orchestrator service.
//
// This package wires the HTTP router, the retrieval and ingestion
// orchestrators, the session registry and its idle-expiry scheduler, the
// ingestion ledger, the optional Weaviate turn archive and the
// observability stack.
//
// # Usage
//
//	cfg := orchestrator.Config{Port: 8080, OpenAI: llm.OpenAIConfig{APIKey: key}}
//	svc, err := orchestrator.New(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close()
//	log.Fatal(svc.Run(ctx))
//
// Tests inject a scripted agent factory and tool-server dialer through
// Options.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/AleutianKG/services/llm"
	"github.com/AleutianAI/AleutianKG/services/orchestrator/archive"
	"github.com/AleutianAI/AleutianKG/services/orchestrator/conversation"
	"github.com/AleutianAI/AleutianKG/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianKG/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianKG/services/orchestrator/routes"
	"github.com/AleutianAI/AleutianKG/services/orchestrator/services"
	"github.com/AleutianAI/AleutianKG/services/orchestrator/storage"
	"github.com/AleutianAI/AleutianKG/services/orchestrator/toolserver"
	"github.com/AleutianAI/AleutianKG/services/orchestrator/ttl"
)

const serviceName = "aleutian-kg-orchestrator"

// =============================================================================
// Interface Definition
// =============================================================================

// Service is the orchestrator lifecycle.
//
// # Thread Safety
//
// Run should be called at most once. Close is idempotent and safe to call
// after Run returns.
type Service interface {
	// Run serves HTTP until ctx is cancelled or the server fails, then
	// shuts the server down gracefully.
	Run(ctx context.Context) error

	// Router returns the configured gin engine, for tests.
	Router() *gin.Engine

	// Close releases every resource held by the service.
	Close() error
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds the service configuration. Zero values take the defaults
// listed on each field.
type Config struct {
	// Port is the HTTP port. Default: 8080.
	Port int

	// GinMode is passed to gin.SetMode when set.
	GinMode string

	// OpenAI configures the agent backend. Model defaults to
	// llm.DefaultOpenAIModel.
	OpenAI llm.OpenAIConfig

	// MemorySize is the per-session turn capacity. Default: 10.
	MemorySize int

	// MaxSessions caps live sessions. Default: 1000.
	MaxSessions int

	// SessionIdleTTL expires sessions not used for this long. Default: 24h.
	SessionIdleTTL time.Duration

	// SessionSweepInterval is how often idle sessions are swept. Default: 10m.
	SessionSweepInterval time.Duration

	// DefaultSession is used by searches that carry no session id. Empty
	// disables the fallback.
	DefaultSession string

	// GraphitiURL and MarkItDownURL are the default tool-server endpoints.
	GraphitiURL   string
	MarkItDownURL string

	// ToolServersConfig is an optional YAML file that replaces the
	// default endpoints.
	ToolServersConfig string

	// LedgerPath is the ingestion ledger directory, or ":memory:".
	// Default: ./data/ledger.
	LedgerPath string

	// WeaviateURL enables the conversation-turn archive when set.
	WeaviateURL string

	// OTelEndpoint is the OTLP gRPC collector. Tracing is disabled when empty.
	OTelEndpoint string
}

// Options injects collaborators. Nil fields use the production
// implementations.
type Options struct {
	// NewAgent replaces the OpenAI agent factory.
	NewAgent llm.Factory

	// Dialer replaces the MCP tool-server dialer.
	Dialer toolserver.Dialer

	// Registry receives the Prometheus collectors and backs /metrics.
	Registry *prometheus.Registry
}

// =============================================================================
// Struct Definition
// =============================================================================

// service implements Service.
type service struct {
	config    Config
	router    *gin.Engine
	metrics   *observability.Metrics
	sessions  *conversation.Registry
	retriever *services.Retriever
	ledger    *storage.Ledger
	archive   *archive.Archive
	scheduler *ttl.Scheduler

	tracerCleanup func(context.Context)
	closeOnce     sync.Once
}

// =============================================================================
// Constructor
// =============================================================================

// New creates the orchestrator service.
//
// # Description
//
// Steps, in order:
//  1. Applies defaults to cfg.
//  2. Initializes tracing when an OTLP endpoint is configured.
//  3. Registers Prometheus collectors.
//  4. Builds the session registry and starts the idle-expiry scheduler.
//  5. Opens the ingestion ledger.
//  6. Connects the Weaviate archive when configured. Failure is logged and
//     the service continues without it.
//  7. Resolves the tool-server descriptor and the agent factory.
//  8. Builds the retriever and the router.
//
// # Outputs
//
//   - Service: Ready to Run. Caller must Close it.
//   - error: Non-nil if a required component could not be built.
func New(cfg Config, opts *Options) (Service, error) {
	if opts == nil {
		opts = &Options{}
	}
	s := &service{config: applyConfigDefaults(cfg)}

	if s.config.OTelEndpoint != "" {
		cleanup, err := s.initTracer()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}
		s.tracerCleanup = cleanup
	}

	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	s.metrics = observability.NewMetrics(reg)

	if err := s.initSessions(); err != nil {
		s.cleanup()
		return nil, err
	}

	ledger, err := storage.Open(storage.Config{Path: s.config.LedgerPath, Logger: slog.Default()})
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to open ingestion ledger: %w", err)
	}
	s.ledger = ledger

	s.initArchive()

	endpoints, err := s.toolServers()
	if err != nil {
		s.cleanup()
		return nil, err
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = toolserver.NewMCPDialer(toolserver.WithImplementation(serviceName, "1.0.0"))
	}

	newAgent := opts.NewAgent
	if newAgent == nil {
		if s.config.OpenAI.APIKey == "" {
			s.cleanup()
			return nil, errors.New("OpenAI API key is required")
		}
		newAgent = llm.NewOpenAIFactory(llm.NewOpenAIClient(s.config.OpenAI), s.config.OpenAI.Model)
	}

	retrieverCfg := services.RetrieverConfig{
		Registry:       s.sessions,
		Dialer:         dialer,
		Endpoints:      endpoints,
		NewAgent:       newAgent,
		Model:          s.config.OpenAI.Model,
		DefaultSession: s.config.DefaultSession,
		Metrics:        s.metrics,
	}
	if s.archive != nil {
		retrieverCfg.Archive = s.archive
	}
	s.retriever = services.NewRetriever(retrieverCfg)

	ingestorCfg := services.IngestorConfig{
		Dialer:    dialer,
		Endpoints: endpoints,
		NewAgent:  newAgent,
		Model:     s.config.OpenAI.Model,
		Ledger:    s.ledger,
		Metrics:   s.metrics,
	}
	s.initRouter(routes.Dependencies{
		Retrieval: s.retriever,
		NewIngestor: func() handlers.DocumentIngestor {
			return services.NewIngestor(ingestorCfg)
		},
		Ledger:   s.ledger,
		Gatherer: reg,
	})

	slog.Info("Orchestrator initialized",
		"model", s.config.OpenAI.Model,
		"tool_servers", endpoints.Names(),
		"memory_size", s.config.MemorySize,
		"max_sessions", s.config.MaxSessions,
		"archive_enabled", s.archive != nil,
		"tracing_enabled", s.tracerCleanup != nil,
	)
	return s, nil
}

// =============================================================================
// Methods
// =============================================================================

func (s *service) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting orchestrator server", "port", s.config.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		slog.Info("Shutting down orchestrator server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *service) Router() *gin.Engine {
	return s.router
}

func (s *service) Close() error {
	s.cleanup()
	return nil
}

// =============================================================================
// Helper Functions
// =============================================================================

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.OpenAI.Model == "" {
		cfg.OpenAI.Model = llm.DefaultOpenAIModel
	}
	if cfg.MemorySize == 0 {
		cfg.MemorySize = conversation.DefaultMemorySize
	}
	if cfg.MaxSessions == 0 {
		cfg.MaxSessions = conversation.DefaultMaxSessions
	}
	if cfg.SessionIdleTTL == 0 {
		cfg.SessionIdleTTL = 24 * time.Hour
	}
	if cfg.SessionSweepInterval == 0 {
		cfg.SessionSweepInterval = 10 * time.Minute
	}
	if cfg.GraphitiURL == "" {
		cfg.GraphitiURL = "http://localhost:8000/sse"
	}
	if cfg.MarkItDownURL == "" {
		cfg.MarkItDownURL = "http://127.0.0.1:3001/sse"
	}
	if cfg.LedgerPath == "" {
		cfg.LedgerPath = "./data/ledger"
	}
	cfg.WeaviateURL = strings.Trim(cfg.WeaviateURL, "\"' ")
	return cfg
}

// initTracer initializes OpenTelemetry tracing over OTLP gRPC.
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(attribute.String("service.name", serviceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceProvider.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown tracer provider", "error", err)
		}
		if err := conn.Close(); err != nil {
			slog.Warn("failed to close OTLP connection", "error", err)
		}
	}

	slog.Info("Tracing enabled", "endpoint", s.config.OTelEndpoint)
	return cleanup, nil
}

// initSessions builds the session registry and starts the idle sweep.
func (s *service) initSessions() error {
	registry, err := conversation.NewRegistry(conversation.RegistryConfig{
		MemorySize:  s.config.MemorySize,
		MaxSessions: s.config.MaxSessions,
		OnEvict: func(_ string, reason conversation.EvictReason) {
			s.metrics.RecordSessionEviction(string(reason))
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create session registry: %w", err)
	}
	s.sessions = registry

	s.scheduler = ttl.NewScheduler(registry, ttl.SchedulerConfig{
		Interval: s.config.SessionSweepInterval,
		IdleTTL:  s.config.SessionIdleTTL,
		OnSweep: func(r ttl.SweepResult) {
			s.metrics.SetActiveSessions(r.Remaining)
		},
	})
	if err := s.scheduler.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start session sweep: %w", err)
	}

	slog.Info("Session expiry scheduler started",
		"interval", s.config.SessionSweepInterval.String(),
		"idle_ttl", s.config.SessionIdleTTL.String(),
	)
	return nil
}

// initArchive connects the Weaviate turn archive when configured.
func (s *service) initArchive() {
	if s.config.WeaviateURL == "" {
		slog.Info("Weaviate URL not configured, conversation archive disabled")
		return
	}
	store, err := archive.NewWeaviateStore(s.config.WeaviateURL)
	if err != nil {
		slog.Warn("Conversation archive disabled", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	a, err := archive.New(ctx, store, archive.Config{})
	if err != nil {
		slog.Warn("Conversation archive disabled, schema setup failed", "url", s.config.WeaviateURL, "error", err)
		return
	}
	s.archive = a
	slog.Info("Conversation archive enabled", "url", s.config.WeaviateURL)
}

// toolServers resolves the tool-server descriptor.
func (s *service) toolServers() (toolserver.Descriptor, error) {
	if s.config.ToolServersConfig != "" {
		d, err := toolserver.LoadDescriptor(s.config.ToolServersConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to load tool server config: %w", err)
		}
		return d, nil
	}
	d := toolserver.DefaultDescriptor(s.config.GraphitiURL, s.config.MarkItDownURL)
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tool server endpoints: %w", err)
	}
	return d, nil
}

// initRouter sets up the gin router with all routes.
func (s *service) initRouter(deps routes.Dependencies) {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	if gin.Mode() != gin.TestMode {
		s.router.Use(gin.Logger())
	}
	s.router.Use(otelgin.Middleware(serviceName))

	routes.SetupRoutes(s.router, deps)
}

// cleanup releases all resources held by the service. Safe to call more
// than once.
func (s *service) cleanup() {
	s.closeOnce.Do(func() {
		if s.scheduler != nil {
			if err := s.scheduler.Stop(); err != nil {
				slog.Warn("Session sweep stop error", "error", err)
			}
		}
		if s.retriever != nil {
			if err := s.retriever.Close(); err != nil {
				slog.Warn("Retriever close error", "error", err)
			}
		}
		if s.archive != nil {
			if err := s.archive.Close(); err != nil {
				slog.Warn("Archive close error", "error", err)
			}
		}
		if s.ledger != nil {
			if err := s.ledger.Close(); err != nil {
				slog.Warn("Ledger close error", "error", err)
			}
		}
		if s.tracerCleanup != nil {
			s.tracerCleanup(context.Background())
		}
	})
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ Service = (*service)(nil)
