// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package archive writes finished conversation turns to Weaviate.
//
// # Description
//
// The archive is write-only audit. It never rehydrates session memory and
// its failures never reach a search stream: turns are queued, written in
// batches by a background worker, and dropped with a warning when the
// queue is full or Weaviate rejects them.
package archive

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// ConversationTurnClass is the Weaviate class turns are stored in.
const ConversationTurnClass = "ConversationTurn"

const (
	defaultQueueSize = 256
	defaultBatchSize = 32
)

// Turn is one archived query/response pair.
type Turn struct {
	SessionID string
	Query     string
	Response  string
	Timestamp time.Time
}

// ID returns the deterministic object id of the turn.
func (t Turn) ID() strfmt.UUID {
	key := fmt.Sprintf("%s|%d|%s", t.SessionID, t.Timestamp.UnixNano(), t.Query)
	hash := sha256.Sum256([]byte(key))
	id, _ := uuid.FromBytes(hash[:16])
	return strfmt.UUID(id.String())
}

func (t Turn) object() *models.Object {
	return &models.Object{
		Class: ConversationTurnClass,
		ID:    t.ID(),
		Properties: map[string]interface{}{
			"session_id": t.SessionID,
			"query":      t.Query,
			"response":   t.Response,
			"timestamp":  t.Timestamp.UnixMilli(),
		},
	}
}

// ConversationTurnSchema returns the class definition for archived turns.
func ConversationTurnSchema() *models.Class {
	indexFilterable := true
	return &models.Class{
		Class:       ConversationTurnClass,
		Description: "A finished question and answer turn of a retrieval session.",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{
				Name:            "session_id",
				DataType:        []string{"text"},
				Description:     "The session the turn belongs to.",
				IndexFilterable: &indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:         "query",
				DataType:     []string{"text"},
				Description:  "The user query.",
				Tokenization: "word",
			},
			{
				Name:         "response",
				DataType:     []string{"text"},
				Description:  "The full streamed response including any citation text.",
				Tokenization: "word",
			},
			{
				Name:        "timestamp",
				DataType:    []string{"int"},
				Description: "Unix milliseconds when the turn finished.",
			},
		},
	}
}

// =============================================================================
// Store
// =============================================================================

// Store is the persistence side of the archive.
type Store interface {
	EnsureClass(ctx context.Context, class *models.Class) error
	WriteObjects(ctx context.Context, objects []*models.Object) (int, error)
}

// WeaviateStore is a Store backed by a Weaviate client.
type WeaviateStore struct {
	client *weaviate.Client
}

// NewWeaviateStore creates a client for serviceURL (http:// or https://).
func NewWeaviateStore(serviceURL string) (*WeaviateStore, error) {
	cfg := weaviate.Config{Host: serviceURL, Scheme: "http"}
	switch {
	case strings.HasPrefix(serviceURL, "https://"):
		cfg.Scheme = "https"
		cfg.Host = strings.TrimPrefix(serviceURL, "https://")
	case strings.HasPrefix(serviceURL, "http://"):
		cfg.Host = strings.TrimPrefix(serviceURL, "http://")
	}
	cfg.Host = strings.TrimSuffix(cfg.Host, "/")

	client, err := weaviate.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}
	return &WeaviateStore{client: client}, nil
}

// EnsureClass creates class unless it already exists.
func (s *WeaviateStore) EnsureClass(ctx context.Context, class *models.Class) error {
	_, err := s.client.Schema().ClassGetter().WithClassName(class.Class).Do(ctx)
	if err == nil {
		slog.Debug("Schema already exists", "class", class.Class)
		return nil
	}

	slog.Info("Schema not found, creating it", "class", class.Class)
	if err := s.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("create schema for class %s: %w", class.Class, err)
	}
	return nil
}

// WriteObjects batch-imports objects and returns how many succeeded.
func (s *WeaviateStore) WriteObjects(ctx context.Context, objects []*models.Object) (int, error) {
	resp, err := s.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("batch import to weaviate: %w", err)
	}

	written := 0
	for _, item := range resp {
		if item.Result != nil && item.Result.Status != nil && *item.Result.Status == "SUCCESS" {
			written++
			continue
		}
		if item.Result != nil && item.Result.Errors != nil {
			for _, e := range item.Result.Errors.Error {
				slog.Warn("Error in Weaviate batch item", "id", item.ID, "error", e.Message)
			}
		}
	}
	return written, nil
}

// =============================================================================
// Archive
// =============================================================================

// ErrArchiveClosed is returned when archiving after Close.
var ErrArchiveClosed = errors.New("archive is closed")

// Config holds archive settings.
type Config struct {
	QueueSize    int
	BatchSize    int
	WriteTimeout time.Duration
}

// Archive queues turns and writes them in the background.
//
// # Thread Safety
//
// Archive and Close are safe for concurrent use.
type Archive struct {
	store Store
	cfg   Config
	queue chan Turn

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// New ensures the schema exists and starts the writer.
func New(ctx context.Context, store Store, cfg Config) (*Archive, error) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if err := store.EnsureClass(ctx, ConversationTurnSchema()); err != nil {
		return nil, err
	}

	a := &Archive{
		store: store,
		cfg:   cfg,
		queue: make(chan Turn, cfg.QueueSize),
	}
	a.wg.Add(1)
	go a.run()
	return a, nil
}

// Archive enqueues a turn without blocking. Empty responses are skipped.
//
// # Outputs
//
//   - error: ErrArchiveClosed after Close, or an error when the queue is full.
func (a *Archive) Archive(turn Turn) error {
	if strings.TrimSpace(turn.Response) == "" {
		return nil
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrArchiveClosed
	}
	select {
	case a.queue <- turn:
		return nil
	default:
		slog.Warn("Archive queue full, dropping turn", "session_id", turn.SessionID)
		return fmt.Errorf("archive queue full")
	}
}

// Close stops accepting turns, flushes the queue and waits for the writer.
func (a *Archive) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	a.wg.Wait()
	return nil
}

func (a *Archive) run() {
	defer a.wg.Done()
	for turn := range a.queue {
		batch := []Turn{turn}
	fill:
		for len(batch) < a.cfg.BatchSize {
			select {
			case next, ok := <-a.queue:
				if !ok {
					break fill
				}
				batch = append(batch, next)
			default:
				break fill
			}
		}
		a.write(batch)
	}
}

func (a *Archive) write(batch []Turn) {
	objects := make([]*models.Object, len(batch))
	for i, t := range batch {
		objects[i] = t.object()
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.WriteTimeout)
	defer cancel()

	written, err := a.store.WriteObjects(ctx, objects)
	if err != nil {
		slog.Warn("Failed to archive conversation turns", "count", len(batch), "error", err)
		return
	}
	if written < len(batch) {
		slog.Warn("Some conversation turns were not archived", "written", written, "count", len(batch))
		return
	}
	slog.Debug("Archived conversation turns", "count", written)
}
