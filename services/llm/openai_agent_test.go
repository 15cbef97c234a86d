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
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/tools"
)

// =============================================================================
// Test Helpers
// =============================================================================

type recordingHandler struct {
	mu        sync.Mutex
	tokens    []string
	completed int
	errs      []error
}

func (h *recordingHandler) OnToken(text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tokens = append(h.tokens, text)
}

func (h *recordingHandler) OnComplete() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.completed++
}

func (h *recordingHandler) OnError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs = append(h.errs, err)
}

type echoTool struct {
	calls []string
}

func (t *echoTool) Name() string        { return "search_nodes" }
func (t *echoTool) Description() string { return "Searches graph nodes" }
func (t *echoTool) Call(_ context.Context, input string) (string, error) {
	t.calls = append(t.calls, input)
	return "node: Paris is the capital of France", nil
}

// scriptedServer answers successive chat completion requests with the
// given handlers in order.
func scriptedServer(t *testing.T, steps ...http.HandlerFunc) (*openai.Client, *[]openai.ChatCompletionRequest) {
	t.Helper()
	var mu sync.Mutex
	var seen []openai.ChatCompletionRequest
	call := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openai.ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		mu.Lock()
		seen = append(seen, req)
		idx := call
		call++
		mu.Unlock()

		if idx >= len(steps) {
			http.Error(w, "unexpected request", http.StatusInternalServerError)
			return
		}
		steps[idx](w, r)
	}))
	t.Cleanup(srv.Close)

	cfg := openai.DefaultConfig("test-key")
	cfg.BaseURL = srv.URL + "/v1"
	return openai.NewClientWithConfig(cfg), &seen
}

func jsonReply(msg openai.ChatCompletionMessage) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			ID:      "chatcmpl-test",
			Object:  "chat.completion",
			Model:   "gpt-4o-mini",
			Choices: []openai.ChatCompletionChoice{{Index: 0, Message: msg, FinishReason: openai.FinishReasonStop}},
		})
	}
}

func streamReply(chunks ...openai.ChatCompletionStreamChoiceDelta) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, delta := range chunks {
			payload, _ := json.Marshal(openai.ChatCompletionStreamResponse{
				ID:      "chatcmpl-test",
				Object:  "chat.completion.chunk",
				Model:   "gpt-4o-mini",
				Choices: []openai.ChatCompletionStreamChoice{{Index: 0, Delta: delta}},
			})
			fmt.Fprintf(w, "data: %s\n\n", payload)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
}

func intPtr(i int) *int { return &i }

// =============================================================================
// Blocking Mode
// =============================================================================

func TestOpenAIAgent_InvokeWithoutTools(t *testing.T) {
	client, seen := scriptedServer(t, jsonReply(openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleAssistant,
		Content: "Answer: Paris",
	}))

	agent := NewOpenAIAgent(client, AgentConfig{Model: "gpt-4o"})
	result, err := agent.Invoke(context.Background(), "capital of France?")
	require.NoError(t, err)

	answer, ok := LastAIMessage(result.Messages)
	require.True(t, ok)
	assert.Equal(t, "Answer: Paris", answer)
	assert.Empty(t, result.Error)

	require.Len(t, *seen, 1)
	assert.Equal(t, "gpt-4o", (*seen)[0].Model)
	assert.Empty(t, (*seen)[0].Tools)
}

func TestOpenAIAgent_ToolLoop(t *testing.T) {
	tool := &echoTool{}
	client, seen := scriptedServer(t,
		jsonReply(openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleAssistant,
			ToolCalls: []openai.ToolCall{{
				ID:       "call_1",
				Type:     openai.ToolTypeFunction,
				Function: openai.FunctionCall{Name: "search_nodes", Arguments: `{"input":"France capital"}`},
			}},
		}),
		jsonReply(openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleAssistant,
			Content: "Answer: Paris\nSource: [Atlas | 2024-01-01 | Europe]",
		}),
	)

	agent := NewOpenAIAgent(client, AgentConfig{Tools: []tools.Tool{tool}})
	result, err := agent.Invoke(context.Background(), "capital of France?")
	require.NoError(t, err)

	assert.Equal(t, []string{"France capital"}, tool.calls)
	require.Len(t, *seen, 2)
	require.Len(t, (*seen)[0].Tools, 1)
	assert.Equal(t, "search_nodes", (*seen)[0].Tools[0].Function.Name)

	second := (*seen)[1].Messages
	last := second[len(second)-1]
	assert.Equal(t, openai.ChatMessageRoleTool, last.Role)
	assert.Equal(t, "call_1", last.ToolCallID)
	assert.Contains(t, last.Content, "Paris")

	answer, ok := LastAIMessage(result.Messages)
	require.True(t, ok)
	assert.Contains(t, answer, "Source: [Atlas")
}

func TestOpenAIAgent_UnknownToolReportedToModel(t *testing.T) {
	client, seen := scriptedServer(t,
		jsonReply(openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleAssistant,
			ToolCalls: []openai.ToolCall{{
				ID:       "call_x",
				Type:     openai.ToolTypeFunction,
				Function: openai.FunctionCall{Name: "delete_everything", Arguments: `{}`},
			}},
		}),
		jsonReply(openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: "done"}),
	)

	_, err := NewOpenAIAgent(client, AgentConfig{}).Invoke(context.Background(), "q")
	require.NoError(t, err)

	msgs := (*seen)[1].Messages
	assert.Contains(t, msgs[len(msgs)-1].Content, "unknown tool")
}

func TestOpenAIAgent_IterationLimitIsSoftError(t *testing.T) {
	loop := jsonReply(openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleAssistant,
		ToolCalls: []openai.ToolCall{{
			ID:       "call_loop",
			Type:     openai.ToolTypeFunction,
			Function: openai.FunctionCall{Name: "search_nodes", Arguments: `{"input":"again"}`},
		}},
	})
	client, _ := scriptedServer(t, loop, loop)

	agent := NewOpenAIAgent(client, AgentConfig{Tools: []tools.Tool{&echoTool{}}, MaxIterations: 2})
	result, err := agent.Invoke(context.Background(), "q")
	require.NoError(t, err)
	assert.Contains(t, result.Error, "2 iterations")
}

func TestOpenAIAgent_APIErrorReturned(t *testing.T) {
	client, _ := scriptedServer(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"message":"boom","type":"server_error"}}`, http.StatusInternalServerError)
	})

	_, err := NewOpenAIAgent(client, AgentConfig{}).Invoke(context.Background(), "q")
	require.Error(t, err)
}

// =============================================================================
// Streaming Mode
// =============================================================================

func TestOpenAIAgent_StreamingForwardsTokensAndCompletesOnce(t *testing.T) {
	tool := &echoTool{}
	client, _ := scriptedServer(t,
		streamReply(
			openai.ChatCompletionStreamChoiceDelta{ToolCalls: []openai.ToolCall{{
				Index: intPtr(0), ID: "call_1", Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{Name: "search_nodes", Arguments: `{"inp`},
			}}},
			openai.ChatCompletionStreamChoiceDelta{ToolCalls: []openai.ToolCall{{
				Index: intPtr(0), Function: openai.FunctionCall{Arguments: `ut":"Paris"}`},
			}}},
		),
		streamReply(
			openai.ChatCompletionStreamChoiceDelta{Content: "Answer: "},
			openai.ChatCompletionStreamChoiceDelta{Content: "Paris"},
		),
	)

	handler := &recordingHandler{}
	agent := NewOpenAIAgent(client, AgentConfig{Tools: []tools.Tool{tool}, Handler: handler})
	result, err := agent.Invoke(context.Background(), "q")
	require.NoError(t, err)

	assert.Equal(t, []string{"Paris"}, tool.calls)
	assert.Equal(t, []string{"Answer: ", "Paris"}, handler.tokens)
	assert.Equal(t, 1, handler.completed)
	assert.Empty(t, handler.errs)

	answer, _ := LastAIMessage(result.Messages)
	assert.Equal(t, "Answer: Paris", answer)
}

func TestOpenAIAgent_StreamingErrorSignalsHandler(t *testing.T) {
	client, _ := scriptedServer(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"message":"overloaded","type":"server_error"}}`, http.StatusServiceUnavailable)
	})

	handler := &recordingHandler{}
	_, err := NewOpenAIAgent(client, AgentConfig{Handler: handler}).Invoke(context.Background(), "q")
	require.Error(t, err)
	assert.Len(t, handler.errs, 1)
	assert.Zero(t, handler.completed)
}

// =============================================================================
// Helpers
// =============================================================================

func TestMergeToolCallDeltas_WithoutIndex(t *testing.T) {
	calls := mergeToolCallDeltas(nil, []openai.ToolCall{
		{ID: "a", Function: openai.FunctionCall{Name: "one", Arguments: `{"x":`}},
	})
	calls = mergeToolCallDeltas(calls, []openai.ToolCall{
		{Function: openai.FunctionCall{Arguments: `1}`}},
	})
	calls = mergeToolCallDeltas(calls, []openai.ToolCall{
		{ID: "b", Function: openai.FunctionCall{Name: "two", Arguments: `{}`}},
	})

	require.Len(t, calls, 2)
	assert.Equal(t, `{"x":1}`, calls[0].Function.Arguments)
	assert.Equal(t, "two", calls[1].Function.Name)
}

func TestLastAIMessage(t *testing.T) {
	msgs := []llms.ChatMessage{
		llms.HumanChatMessage{Content: "q"},
		llms.AIChatMessage{Content: "first"},
		llms.ToolChatMessage{ID: "1", Content: "tool out"},
		llms.AIChatMessage{Content: ""},
	}
	got, ok := LastAIMessage(msgs)
	assert.True(t, ok)
	assert.Equal(t, "first", got)

	_, ok = LastAIMessage([]llms.ChatMessage{llms.HumanChatMessage{Content: "q"}})
	assert.False(t, ok)
}

func TestUnwrapInput(t *testing.T) {
	assert.Equal(t, "hello", unwrapInput(`{"input":"hello"}`))
	assert.Equal(t, `{"query":"x"}`, unwrapInput(`{"query":"x"}`))
	assert.Equal(t, "not json", unwrapInput("not json"))
}

func TestNewOpenAIFactory_DefaultsModel(t *testing.T) {
	client := openai.NewClient("k")
	agent, err := NewOpenAIFactory(client, "gpt-4.1")(AgentConfig{})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4.1", agent.(*OpenAIAgent).cfg.Model)
}

func TestLoadOpenAIConfig(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("OPENAI_MODEL", "")
	t.Setenv("OPENAI_BASE_URL", "http://localhost:9999/v1")

	cfg, err := LoadOpenAIConfig()
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.APIKey)
	assert.Equal(t, DefaultOpenAIModel, cfg.Model)
	assert.Equal(t, "http://localhost:9999/v1", cfg.BaseURL)
}
