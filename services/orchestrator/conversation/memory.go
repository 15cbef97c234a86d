// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package conversation

import (
	"context"
	"sync"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/memory"
)

const (
	humanPrefix     = "Human"
	assistantPrefix = "Assistant"
)

// Memory is a fixed-capacity window over one session's recent turns.
//
// # Description
//
// Turns are stored as alternating human and assistant messages in a
// langchaingo ChatMessageHistory. Adding a turn beyond capacity drops the
// oldest turns first.
//
// # Thread Safety
//
// All methods are safe for concurrent use. AddInteraction appends and
// truncates under one lock, so readers never observe more than k turns.
type Memory struct {
	mu       sync.Mutex
	capacity int
	history  *memory.ChatMessageHistory
}

// NewMemory creates an empty Memory holding at most k turns.
//
// # Inputs
//
//   - k: Turn capacity. Values <= 0 select DefaultMemorySize.
//
// # Outputs
//
//   - *Memory: Empty memory.
func NewMemory(k int) *Memory {
	if k <= 0 {
		k = DefaultMemorySize
	}
	return &Memory{
		capacity: k,
		history:  memory.NewChatMessageHistory(),
	}
}

// AddInteraction appends one turn and truncates from the front until at
// most Capacity turns remain.
//
// # Inputs
//
//   - query: The user's message.
//   - response: The full assistant response, stored verbatim.
func (m *Memory) AddInteraction(query, response string) {
	// The in-memory history implementation never returns errors.
	ctx := context.Background()

	m.mu.Lock()
	defer m.mu.Unlock()

	_ = m.history.AddUserMessage(ctx, query)
	_ = m.history.AddAIMessage(ctx, response)

	msgs, _ := m.history.Messages(ctx)
	if limit := m.capacity * 2; len(msgs) > limit {
		kept := make([]llms.ChatMessage, limit)
		copy(kept, msgs[len(msgs)-limit:])
		_ = m.history.SetMessages(ctx, kept)
	}
}

// ChatHistory returns a copy of the stored messages, two per turn,
// oldest first.
func (m *Memory) ChatHistory() []llms.ChatMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot()
}

// FormattedHistory renders the stored turns as newline-joined
// "Human: {query}" / "Assistant: {response}" lines, oldest first.
//
// # Outputs
//
//   - string: The rendering, or "" when the memory is empty.
//
// # Examples
//
//	m := NewMemory(10)
//	m.AddInteraction("hi", "hello")
//	m.FormattedHistory() // "Human: hi\nAssistant: hello"
func (m *Memory) FormattedHistory() string {
	msgs := m.ChatHistory()
	if len(msgs) == 0 {
		return ""
	}
	out, err := llms.GetBufferString(msgs, humanPrefix, assistantPrefix)
	if err != nil {
		// Only human and AI messages are ever stored.
		return ""
	}
	return out
}

// Turns returns the stored turns, oldest first.
func (m *Memory) Turns() []Turn {
	msgs := m.ChatHistory()
	turns := make([]Turn, 0, len(msgs)/2)
	for i := 0; i+1 < len(msgs); i += 2 {
		turns = append(turns, Turn{
			Query:    msgs[i].GetContent(),
			Response: msgs[i+1].GetContent(),
		})
	}
	return turns
}

// Len returns the number of stored turns.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.snapshot()) / 2
}

// Capacity returns k.
func (m *Memory) Capacity() int {
	return m.capacity
}

// Clear removes every stored turn.
func (m *Memory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	_ = m.history.Clear(context.Background())
}

func (m *Memory) snapshot() []llms.ChatMessage {
	msgs, _ := m.history.Messages(context.Background())
	out := make([]llms.ChatMessage, len(msgs))
	copy(out, msgs)
	return out
}
