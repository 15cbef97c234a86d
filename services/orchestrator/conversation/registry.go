// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package conversation

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// MemorySize is the default turn capacity for new sessions.
	// Default: DefaultMemorySize.
	MemorySize int

	// MaxSessions caps live sessions; the least recently used session is
	// evicted when a new one would exceed it. Default: DefaultMaxSessions.
	MaxSessions int

	// Clock supplies timestamps. Default: time.Now.
	Clock Clock

	// OnEvict is called synchronously whenever a session leaves the
	// registry. It must not call back into the Registry.
	OnEvict func(sessionID string, reason EvictReason)
}

type sessionEntry struct {
	memory     *Memory
	createdAt  time.Time
	lastAccess time.Time
}

// Registry maps session identifiers to their Memory.
//
// # Description
//
// Memories are created lazily on first reference and there is at most one
// instance per identifier at any time. A Registry is an ordinary value owned
// by whoever constructs it; there is no process-wide instance.
//
// Sessions leave the registry in three ways: an explicit Clear, capacity
// eviction of the least recently used session, and idle expiry through
// EvictIdle.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	cfg      RegistryConfig
	sessions *lru.Cache[string, *sessionEntry]

	// pending is the reason attached to the next eviction callback; set
	// only while mu is held around an explicit Remove.
	pending EvictReason
}

// NewRegistry creates an empty Registry.
//
// # Inputs
//
//   - cfg: Registry settings. Zero fields take their defaults.
//
// # Outputs
//
//   - *Registry: Empty registry.
//   - error: Non-nil if the LRU cache cannot be created.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.MemorySize <= 0 {
		cfg.MemorySize = DefaultMemorySize
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	r := &Registry{cfg: cfg, pending: EvictCapacity}
	cache, err := lru.NewWithEvict[string, *sessionEntry](cfg.MaxSessions, r.onEvicted)
	if err != nil {
		return nil, fmt.Errorf("create session cache: %w", err)
	}
	r.sessions = cache
	return r, nil
}

// Memory returns the memory for sessionID, creating an empty one with the
// default capacity on first reference. Repeated calls return the same
// instance until the session is cleared or evicted.
func (r *Registry) Memory(sessionID string) *Memory {
	return r.MemoryWithCapacity(sessionID, r.cfg.MemorySize)
}

// MemoryWithCapacity is Memory with a capacity override for a newly created
// session. An existing session keeps its capacity. The override does not
// survive a Clear.
func (r *Registry) MemoryWithCapacity(sessionID string, k int) *Memory {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.cfg.Clock()
	if entry, ok := r.sessions.Get(sessionID); ok {
		entry.lastAccess = now
		return entry.memory
	}

	entry := &sessionEntry{
		memory:     NewMemory(k),
		createdAt:  now,
		lastAccess: now,
	}
	r.sessions.Add(sessionID, entry)
	slog.Debug("Session memory created", "session_id", sessionID, "capacity", entry.memory.Capacity())
	return entry.memory
}

// Clear empties the session's memory and removes it. The next Memory call
// for the same id returns a new, empty memory with the default capacity.
// Clearing an unknown session is a no-op.
func (r *Registry) Clear(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.sessions.Peek(sessionID)
	if !ok {
		return
	}
	entry.memory.Clear()
	r.remove(sessionID, EvictCleared)
}

// Sessions lists live sessions from least to most recently used.
func (r *Registry) Sessions() []SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := r.sessions.Keys()
	out := make([]SessionInfo, 0, len(keys))
	for _, id := range keys {
		entry, ok := r.sessions.Peek(id)
		if !ok {
			continue
		}
		out = append(out, SessionInfo{
			ID:         id,
			Turns:      entry.memory.Len(),
			Capacity:   entry.memory.Capacity(),
			CreatedAt:  entry.createdAt,
			LastAccess: entry.lastAccess,
		})
	}
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	return r.sessions.Len()
}

// EvictIdle removes every session whose last access is older than ttl.
// Memories already handed out stay usable by their holders; they are just
// no longer reachable through the registry.
//
// # Outputs
//
//   - int: Number of sessions removed.
func (r *Registry) EvictIdle(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.cfg.Clock().Add(-ttl)
	removed := 0
	for _, id := range r.sessions.Keys() {
		entry, ok := r.sessions.Peek(id)
		if !ok || !entry.lastAccess.Before(cutoff) {
			continue
		}
		r.remove(id, EvictIdle)
		removed++
	}
	return removed
}

// remove must be called with mu held.
func (r *Registry) remove(sessionID string, reason EvictReason) {
	r.pending = reason
	r.sessions.Remove(sessionID)
	r.pending = EvictCapacity
}

// onEvicted runs inside Add or Remove, both of which are only called with
// mu held.
func (r *Registry) onEvicted(sessionID string, _ *sessionEntry) {
	reason := r.pending
	if reason == EvictCapacity {
		slog.Info("Session evicted at capacity", "session_id", sessionID, "max_sessions", r.cfg.MaxSessions)
	}
	if r.cfg.OnEvict != nil {
		r.cfg.OnEvict(sessionID, reason)
	}
}
