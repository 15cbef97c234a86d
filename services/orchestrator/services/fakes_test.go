// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package services

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/tools"

	"github.com/AleutianAI/AleutianKG/services/llm"
	"github.com/AleutianAI/AleutianKG/services/orchestrator/archive"
	"github.com/AleutianAI/AleutianKG/services/orchestrator/conversation"
	"github.com/AleutianAI/AleutianKG/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianKG/services/orchestrator/toolserver"
)

// =============================================================================
// Tool server fakes
// =============================================================================

type countingConn struct {
	closes atomic.Int32
	lost   atomic.Bool
}

func (c *countingConn) Tools() []tools.Tool { return nil }

func (c *countingConn) Alive() bool { return !c.lost.Load() && c.closes.Load() == 0 }

func (c *countingConn) Close() error {
	c.closes.Add(1)
	return nil
}

type countingDialer struct {
	mu    sync.Mutex
	conns []*countingConn
	err   error
}

func (d *countingDialer) Dial(_ context.Context, _ toolserver.Descriptor) (toolserver.Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c := &countingConn{}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *countingDialer) conn(i int) *countingConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func (d *countingDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *countingDialer) closes() []int32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]int32, len(d.conns))
	for i, c := range d.conns {
		out[i] = c.closes.Load()
	}
	return out
}

// =============================================================================
// Agent fakes
// =============================================================================

// scriptFunc plays one invocation. h is nil for blocking invocations.
type scriptFunc func(ctx context.Context, prompt string, h llm.TokenHandler) (*llm.Result, error)

type scriptedAgent struct {
	cfg    llm.AgentConfig
	script scriptFunc
	rec    *agentRecorder
}

// Invoke mirrors the real agent's contract: exactly one terminal handler
// call per invocation.
func (a *scriptedAgent) Invoke(ctx context.Context, prompt string) (*llm.Result, error) {
	a.rec.addPrompt(prompt)
	res, err := a.script(ctx, prompt, a.cfg.Handler)
	if a.cfg.Handler != nil {
		if err != nil {
			a.cfg.Handler.OnError(err)
		} else {
			a.cfg.Handler.OnComplete()
		}
	}
	return res, err
}

type agentRecorder struct {
	mu      sync.Mutex
	configs []llm.AgentConfig
	prompts []string
	script  scriptFunc
}

func (r *agentRecorder) factory() llm.Factory {
	return func(cfg llm.AgentConfig) (llm.Agent, error) {
		r.mu.Lock()
		r.configs = append(r.configs, cfg)
		r.mu.Unlock()
		return &scriptedAgent{cfg: cfg, script: r.script, rec: r}, nil
	}
}

func (r *agentRecorder) addPrompt(p string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prompts = append(r.prompts, p)
}

func (r *agentRecorder) promptList() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.prompts...)
}

// answer streams chunks to h (when set) and returns them as one AI message.
func answer(chunks ...string) scriptFunc {
	return func(_ context.Context, prompt string, h llm.TokenHandler) (*llm.Result, error) {
		for _, c := range chunks {
			if h != nil {
				h.OnToken(c)
			}
		}
		return &llm.Result{Messages: []llms.ChatMessage{
			llms.HumanChatMessage{Content: prompt},
			llms.AIChatMessage{Content: strings.Join(chunks, "")},
		}}, nil
	}
}

// =============================================================================
// Archive fake
// =============================================================================

type recordingArchive struct {
	mu    sync.Mutex
	turns []archive.Turn
}

func (a *recordingArchive) Archive(turn archive.Turn) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.turns = append(a.turns, turn)
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

func newTestRegistry(t *testing.T) *conversation.Registry {
	t.Helper()
	reg, err := conversation.NewRegistry(conversation.RegistryConfig{})
	require.NoError(t, err)
	return reg
}

type eventLog struct {
	mu     sync.Mutex
	events []datatypes.StreamEvent
}

func (l *eventLog) sink() EventSink {
	return func(ev datatypes.StreamEvent) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.events = append(l.events, ev)
		return nil
	}
}

func (l *eventLog) ofType(typ datatypes.StreamEventType) []datatypes.StreamEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []datatypes.StreamEvent
	for _, ev := range l.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (l *eventLog) tokens() string {
	var b strings.Builder
	for _, ev := range l.ofType(datatypes.EventToken) {
		b.WriteString(ev.Chunk)
	}
	return b.String()
}

func (l *eventLog) last() datatypes.StreamEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events[len(l.events)-1]
}

func (l *eventLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}
