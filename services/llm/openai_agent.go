// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/tools"
)

const (
	// DefaultOpenAIModel is used when neither the request nor OPENAI_MODEL names one.
	DefaultOpenAIModel = "gpt-4o-mini"

	// DefaultMaxIterations bounds the tool-calling loop.
	DefaultMaxIterations = 10

	openAISecretPath = "/run/secrets/openai_api_key"
)

// ParameterizedTool is a tool that publishes a JSON schema for its
// arguments. Tools without one receive a single string "input" argument.
type ParameterizedTool interface {
	tools.Tool
	Parameters() json.RawMessage
}

var defaultToolParameters = json.RawMessage(`{"type":"object","properties":{"input":{"type":"string","description":"Tool input"}},"required":["input"]}`)

// =============================================================================
// Client Configuration
// =============================================================================

// OpenAIConfig holds the connection settings for the OpenAI backend.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// LoadOpenAIConfig reads OPENAI_API_KEY, OPENAI_BASE_URL and OPENAI_MODEL.
// When the key is not in the environment it falls back to the mounted
// secret at /run/secrets/openai_api_key.
func LoadOpenAIConfig() (OpenAIConfig, error) {
	cfg := OpenAIConfig{
		APIKey:  os.Getenv("OPENAI_API_KEY"),
		BaseURL: os.Getenv("OPENAI_BASE_URL"),
		Model:   os.Getenv("OPENAI_MODEL"),
	}
	if cfg.APIKey == "" {
		raw, err := os.ReadFile(openAISecretPath)
		if err != nil {
			slog.Error("OPENAI_API_KEY environment variable not set and secret not found", "path", openAISecretPath)
			return cfg, fmt.Errorf("OPENAI_API_KEY environment variable not set")
		}
		cfg.APIKey = strings.TrimSpace(string(raw))
		slog.Info("Read the OpenAI API key from secrets")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
		slog.Warn("OPENAI_MODEL not set, using default", "model", cfg.Model)
	}
	return cfg, nil
}

// NewOpenAIClient builds a go-openai client from cfg.
func NewOpenAIClient(cfg OpenAIConfig) *openai.Client {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	slog.Info("Initializing OpenAI client", "model", cfg.Model, "key_present", cfg.APIKey != "", "custom_base_url", cfg.BaseURL != "")
	return openai.NewClientWithConfig(clientCfg)
}

// NewOpenAIFactory returns a Factory whose agents share client. defaultModel
// is used for any AgentConfig that leaves Model empty.
func NewOpenAIFactory(client *openai.Client, defaultModel string) Factory {
	return func(cfg AgentConfig) (Agent, error) {
		if cfg.Model == "" {
			cfg.Model = defaultModel
		}
		return NewOpenAIAgent(client, cfg), nil
	}
}

// =============================================================================
// Agent
// =============================================================================

// OpenAIAgent runs the chat-completions tool-calling loop: it asks the
// model, executes any requested tools, feeds the results back and stops
// at the first reply without tool calls.
//
// In streaming mode every content delta of every model turn is forwarded
// to the handler; completion is signalled once, after the final turn.
type OpenAIAgent struct {
	client *openai.Client
	cfg    AgentConfig
	tools  map[string]tools.Tool
	defs   []openai.Tool
}

var _ Agent = (*OpenAIAgent)(nil)

// NewOpenAIAgent builds an agent over client. It panics if client is nil.
func NewOpenAIAgent(client *openai.Client, cfg AgentConfig) *OpenAIAgent {
	if client == nil {
		panic("NewOpenAIAgent: client must not be nil")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}

	a := &OpenAIAgent{
		client: client,
		cfg:    cfg,
		tools:  make(map[string]tools.Tool, len(cfg.Tools)),
	}
	for _, t := range cfg.Tools {
		a.tools[t.Name()] = t
		params := defaultToolParameters
		if pt, ok := t.(ParameterizedTool); ok && len(pt.Parameters()) > 0 {
			params = pt.Parameters()
		}
		a.defs = append(a.defs, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  params,
			},
		})
	}
	return a
}

// Invoke runs the loop for prompt. The returned error covers transport
// and API failures; a run that exhausts MaxIterations returns a Result
// with Error set.
func (a *OpenAIAgent) Invoke(ctx context.Context, prompt string) (*Result, error) {
	result, err := a.invoke(ctx, prompt)
	if h := a.cfg.Handler; h != nil {
		if err != nil {
			h.OnError(err)
		} else {
			h.OnComplete()
		}
	}
	return result, err
}

func (a *OpenAIAgent) invoke(ctx context.Context, prompt string) (*Result, error) {
	var msgs []openai.ChatCompletionMessage
	if a.cfg.SystemPrompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: a.cfg.SystemPrompt})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})

	result := &Result{Messages: []llms.ChatMessage{llms.HumanChatMessage{Content: prompt}}}

	for iter := 0; iter < a.cfg.MaxIterations; iter++ {
		reply, err := a.complete(ctx, msgs)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, reply)
		result.Messages = append(result.Messages, llms.AIChatMessage{Content: reply.Content})

		if len(reply.ToolCalls) == 0 {
			return result, nil
		}

		for _, call := range reply.ToolCalls {
			output := a.runTool(ctx, call)
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    output,
				ToolCallID: call.ID,
			})
			result.Messages = append(result.Messages, llms.ToolChatMessage{ID: call.ID, Content: output})
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	slog.Warn("Agent stopped at iteration limit", "model", a.cfg.Model, "max_iterations", a.cfg.MaxIterations)
	result.Error = fmt.Sprintf("agent stopped after %d iterations without a final answer", a.cfg.MaxIterations)
	return result, nil
}

func (a *OpenAIAgent) request(msgs []openai.ChatCompletionMessage, stream bool) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:    a.cfg.Model,
		Messages: msgs,
		Stream:   stream,
	}
	if len(a.defs) > 0 {
		req.Tools = a.defs
	}
	if a.cfg.Temperature != nil {
		req.Temperature = *a.cfg.Temperature
	}
	return req
}

func (a *OpenAIAgent) complete(ctx context.Context, msgs []openai.ChatCompletionMessage) (openai.ChatCompletionMessage, error) {
	if a.cfg.Handler != nil {
		return a.completeStreaming(ctx, msgs)
	}

	resp, err := a.client.CreateChatCompletion(ctx, a.request(msgs, false))
	if err != nil {
		return openai.ChatCompletionMessage{}, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return openai.ChatCompletionMessage{}, errors.New("openai returned no choices")
	}
	slog.Debug("Received response from OpenAI", "finish_reason", resp.Choices[0].FinishReason)
	return resp.Choices[0].Message, nil
}

func (a *OpenAIAgent) completeStreaming(ctx context.Context, msgs []openai.ChatCompletionMessage) (openai.ChatCompletionMessage, error) {
	stream, err := a.client.CreateChatCompletionStream(ctx, a.request(msgs, true))
	if err != nil {
		return openai.ChatCompletionMessage{}, fmt.Errorf("openai chat completion stream: %w", err)
	}
	defer stream.Close()

	var content strings.Builder
	var calls []openai.ToolCall
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return openai.ChatCompletionMessage{}, fmt.Errorf("openai stream receive: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			content.WriteString(delta.Content)
			a.cfg.Handler.OnToken(delta.Content)
		}
		calls = mergeToolCallDeltas(calls, delta.ToolCalls)
	}

	return openai.ChatCompletionMessage{
		Role:      openai.ChatMessageRoleAssistant,
		Content:   content.String(),
		ToolCalls: calls,
	}, nil
}

// mergeToolCallDeltas folds streamed tool-call fragments into complete calls.
// Fragments carry an index; the id and name arrive once, arguments arrive
// in pieces.
func mergeToolCallDeltas(calls []openai.ToolCall, deltas []openai.ToolCall) []openai.ToolCall {
	for _, d := range deltas {
		idx := len(calls) - 1
		switch {
		case d.Index != nil:
			idx = *d.Index
		case d.ID != "" || idx < 0:
			idx = len(calls)
		}
		for len(calls) <= idx {
			calls = append(calls, openai.ToolCall{Type: openai.ToolTypeFunction})
		}
		c := &calls[idx]
		if d.ID != "" {
			c.ID = d.ID
		}
		if d.Function.Name != "" {
			c.Function.Name = d.Function.Name
		}
		c.Function.Arguments += d.Function.Arguments
	}
	return calls
}

// runTool executes one requested call. Failures are reported back to the
// model as text so it can recover.
func (a *OpenAIAgent) runTool(ctx context.Context, call openai.ToolCall) string {
	tool, ok := a.tools[call.Function.Name]
	if !ok {
		slog.Warn("Model requested unknown tool", "tool", call.Function.Name)
		return fmt.Sprintf("Error: unknown tool %q", call.Function.Name)
	}

	input := call.Function.Arguments
	if _, ok := tool.(ParameterizedTool); !ok {
		input = unwrapInput(input)
	}

	slog.Debug("Calling tool", "tool", call.Function.Name, "call_id", call.ID)
	out, err := tool.Call(ctx, input)
	if err != nil {
		slog.Warn("Tool call failed", "tool", call.Function.Name, "error", err)
		return "Error: " + err.Error()
	}
	return out
}

// unwrapInput extracts the "input" field from the default argument schema,
// returning raw unchanged when it does not match.
func unwrapInput(raw string) string {
	var args struct {
		Input *string `json:"input"`
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args.Input == nil {
		return raw
	}
	return *args.Input
}
