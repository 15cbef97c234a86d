// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package storage keeps a local record of ingestion outcomes in BadgerDB.
//
// Keys are laid out as
//
//	ingest/<unix-nano, zero padded>/<uuid>
//
// so a reverse prefix scan yields the newest entries first.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianKG/services/orchestrator/datatypes"
)

const (
	ledgerPrefix = "ingest/"

	// InMemoryPath opens the ledger without disk persistence.
	InMemoryPath = ":memory:"

	// DefaultListLimit caps List when no limit is given.
	DefaultListLimit = 100
)

// ErrLedgerClosed is returned by operations on a closed ledger.
var ErrLedgerClosed = errors.New("ingestion ledger is closed")

// Config holds configuration for a Ledger.
type Config struct {
	// Path is the database directory. InMemoryPath or InMemory=true keeps
	// everything in RAM.
	Path string

	// InMemory enables in-memory mode. Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB's internal log lines. Nil disables them.
	Logger *slog.Logger
}

// Ledger is an append-only log of ingestion outcomes.
//
// # Thread Safety
//
// Safe for concurrent use.
type Ledger struct {
	db     *badger.DB
	now    func() time.Time
	once   sync.Once
	mu     sync.RWMutex
	closed bool
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Open opens a ledger.
//
// # Description
//
// Opens BadgerDB at cfg.Path, creating the directory if needed, or in
// memory when cfg.InMemory is set or Path is InMemoryPath.
//
// # Outputs
//
//   - *Ledger: Caller must call Close() when done.
//   - error: Non-nil if the path is empty or the database cannot be opened.
func Open(cfg Config) (*Ledger, error) {
	inMemory := cfg.InMemory || cfg.Path == InMemoryPath
	if !inMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent ledger")
	}

	var opts badger.Options
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create ledger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open ingestion ledger: %w", err)
	}
	return &Ledger{db: db, now: time.Now}, nil
}

// OpenInMemory opens an in-memory ledger for testing.
func OpenInMemory() (*Ledger, error) {
	return Open(Config{InMemory: true})
}

// Record appends an entry. ID and IngestedAt are filled in when empty.
//
// # Outputs
//
//   - datatypes.LedgerEntry: The stored entry.
//   - error: Non-nil if the ledger is closed or the write fails.
func (l *Ledger) Record(entry datatypes.LedgerEntry) (datatypes.LedgerEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return entry, ErrLedgerClosed
	}

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.IngestedAt.IsZero() {
		entry.IngestedAt = l.now().UTC()
	}

	value, err := json.Marshal(entry)
	if err != nil {
		return entry, fmt.Errorf("encode ledger entry: %w", err)
	}
	key := fmt.Sprintf("%s%020d/%s", ledgerPrefix, entry.IngestedAt.UnixNano(), entry.ID)

	err = l.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return entry, fmt.Errorf("write ledger entry: %w", err)
	}
	return entry, nil
}

// List returns up to limit entries, newest first. limit <= 0 means
// DefaultListLimit.
func (l *Ledger) List(limit int) ([]datatypes.LedgerEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrLedgerClosed
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}

	entries := make([]datatypes.LedgerEntry, 0)
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(ledgerPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration starts at the largest key <= seek.
		seek := append([]byte(ledgerPrefix), 0xFF)
		for it.Seek(seek); it.Valid() && len(entries) < limit; it.Next() {
			var entry datatypes.LedgerEntry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			})
			if err != nil {
				return fmt.Errorf("decode ledger entry %s: %w", it.Item().Key(), err)
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Close closes the database. Safe to call multiple times.
func (l *Ledger) Close() error {
	var err error
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		err = l.db.Close()
	})
	return err
}
