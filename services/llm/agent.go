// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm defines the agent capability used by the orchestrators and
// provides an OpenAI-backed implementation that drives tools through the
// chat-completions function-calling loop.
package llm

import (
	"context"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/tools"
)

// TokenHandler receives incremental output from a streaming agent.
//
// OnToken is called for every content fragment in generation order.
// Exactly one of OnComplete or OnError is called when the whole
// invocation ends; implementations must tolerate extra terminal calls.
type TokenHandler interface {
	OnToken(text string)
	OnComplete()
	OnError(err error)
}

// Result is the message list produced by one agent invocation.
//
// Messages starts with the human prompt and ends with the final
// assistant message. Error is non-empty when the agent finished without
// an answer it considers valid (for example the iteration limit was hit);
// it is a soft failure, distinct from the error returned by Invoke.
type Result struct {
	Messages []llms.ChatMessage
	Error    string
}

// Agent accepts a single prompt and returns the resulting message list.
type Agent interface {
	Invoke(ctx context.Context, prompt string) (*Result, error)
}

// AgentConfig configures one agent handle.
type AgentConfig struct {
	// Model overrides the backend's default model when non-empty.
	Model string

	// SystemPrompt is sent ahead of every invocation when non-empty.
	SystemPrompt string

	// Tools are offered to the model for function calling.
	Tools []tools.Tool

	// Handler switches the agent into streaming mode when non-nil.
	Handler TokenHandler

	// Temperature is passed through when set.
	Temperature *float32

	// MaxIterations bounds the tool-calling loop. Default: 10.
	MaxIterations int
}

// Factory builds a fresh agent handle. The retrieval path calls it once
// per stream so every stream gets its own handler binding.
type Factory func(cfg AgentConfig) (Agent, error)

// LastAIMessage returns the content of the last assistant-authored
// message with non-empty content.
func LastAIMessage(msgs []llms.ChatMessage) (string, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].GetType() != llms.ChatMessageTypeAI {
			continue
		}
		if content := msgs[i].GetContent(); content != "" {
			return content, true
		}
	}
	return "", false
}
