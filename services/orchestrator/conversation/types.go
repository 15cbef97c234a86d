// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package conversation provides bounded, session-scoped conversation memory.
//
// # Description
//
// A Memory keeps the last k query/response turns of one session and renders
// them as "Human: ..." / "Assistant: ..." lines for prompt context. A Registry
// maps session identifiers to Memory instances, creating them lazily and
// evicting them when the registry is full or a session has been idle too long.
//
// # Thread Safety
//
// Memory and Registry are safe for concurrent use. Two requests on the same
// session may interleave their AddInteraction calls in either order; each
// append-and-truncate step is atomic.
package conversation

import "time"

const (
	// DefaultMemorySize is the number of turns a Memory keeps when no
	// capacity is given.
	DefaultMemorySize = 10

	// DefaultMaxSessions caps the number of live sessions in a Registry.
	DefaultMaxSessions = 1000
)

// Turn is one query/response pair.
//
// # Description
//
// Response holds the full assistant text exactly as it was produced,
// including any trailing "Source: [...]" citation marker.
type Turn struct {
	Query    string `json:"query"`
	Response string `json:"response"`
}

// SessionInfo describes one live session in a Registry.
type SessionInfo struct {
	// ID is the opaque session identifier.
	ID string `json:"session_id"`

	// Turns is the number of turns currently held.
	Turns int `json:"turns"`

	// Capacity is the memory's k.
	Capacity int `json:"capacity"`

	// CreatedAt is when the session was first referenced.
	CreatedAt time.Time `json:"created_at"`

	// LastAccess is when the session's memory was last fetched.
	LastAccess time.Time `json:"last_access"`
}

// EvictReason explains why a session left the Registry.
type EvictReason string

const (
	// EvictCapacity means the registry was full and this was the least recently used session.
	EvictCapacity EvictReason = "capacity"

	// EvictIdle means the session was not accessed within the idle TTL.
	EvictIdle EvictReason = "idle"

	// EvictCleared means the session was removed by an explicit clear.
	EvictCleared EvictReason = "cleared"
)

// Clock returns the current time. Tests substitute a fixed or stepping clock.
type Clock func() time.Time
