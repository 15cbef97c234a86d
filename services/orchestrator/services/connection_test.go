// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/AleutianAI/AleutianKG/services/llm"
	"github.com/AleutianAI/AleutianKG/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianKG/services/orchestrator/toolserver"
)

// =============================================================================
// Test Setup
// =============================================================================

type echoArgs struct {
	Text string `json:"text"`
}

// startSSEToolServer serves one "echo" tool over HTTP+SSE.
func startSSEToolServer(t *testing.T) string {
	t.Helper()
	server := mcp.NewServer(&mcp.Implementation{Name: "graphiti", Version: "test"}, nil)
	mcp.AddTool(server, &mcp.Tool{Name: "echo", Description: "Echo text"},
		func(_ context.Context, _ *mcp.CallToolRequest, in echoArgs) (*mcp.CallToolResult, any, error) {
			return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "echo:" + in.Text}}}, nil, nil
		})

	srv := httptest.NewServer(mcp.NewSSEHandler(func(*http.Request) *mcp.Server { return server }, nil))
	t.Cleanup(func() {
		srv.CloseClientConnections()
		srv.Close()
	})
	return srv.URL
}

type agentFunc func(ctx context.Context, prompt string) (*llm.Result, error)

func (f agentFunc) Invoke(ctx context.Context, prompt string) (*llm.Result, error) {
	return f(ctx, prompt)
}

// toolCallingAgents answers every prompt with the output of the first tool.
func toolCallingAgents() llm.Factory {
	return func(cfg llm.AgentConfig) (llm.Agent, error) {
		return agentFunc(func(ctx context.Context, _ string) (*llm.Result, error) {
			if len(cfg.Tools) == 0 {
				return nil, errors.New("no tools offered")
			}
			out, err := cfg.Tools[0].Call(ctx, `{"text":"hi"}`)
			if err != nil {
				return nil, err
			}
			return &llm.Result{Messages: []llms.ChatMessage{llms.AIChatMessage{Content: out}}}, nil
		}), nil
	}
}

type dialCounter struct {
	toolserver.Dialer
	n atomic.Int32
}

func (d *dialCounter) Dial(ctx context.Context, desc toolserver.Descriptor) (toolserver.Connection, error) {
	d.n.Add(1)
	return d.Dialer.Dial(ctx, desc)
}

// blockingDialer holds every Dial until release is closed.
type blockingDialer struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
	dials   atomic.Int32
	conn    *countingConn
}

func newBlockingDialer() *blockingDialer {
	return &blockingDialer{
		started: make(chan struct{}),
		release: make(chan struct{}),
		conn:    &countingConn{},
	}
}

func (d *blockingDialer) Dial(context.Context, toolserver.Descriptor) (toolserver.Connection, error) {
	d.dials.Add(1)
	d.once.Do(func() { close(d.started) })
	<-d.release
	return d.conn, nil
}

// =============================================================================
// Retriever Tests
// =============================================================================

func TestSearch_SharedConnectionOutlivesFirstRequest(t *testing.T) {
	url := startSSEToolServer(t)
	dialer := &dialCounter{Dialer: toolserver.NewMCPDialer()}
	r := NewRetriever(RetrieverConfig{
		Registry:  newTestRegistry(t),
		Dialer:    dialer,
		Endpoints: toolserver.Descriptor{"graphiti": {URL: url, Transport: toolserver.TransportSSE}},
		NewAgent:  toolCallingAgents(),
	})
	t.Cleanup(func() { _ = r.Close() })

	first, cancelFirst := context.WithCancel(context.Background())
	resp, err := r.Search(first, datatypes.SearchRequest{Query: "one", SessionID: "s"})
	require.NoError(t, err)
	assert.Equal(t, "echo:hi", resp.Answer)

	// The first request is over; its context ends like a finished HTTP request.
	cancelFirst()
	time.Sleep(100 * time.Millisecond)

	resp, err = r.Search(context.Background(), datatypes.SearchRequest{Query: "two", SessionID: "s"})
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusSuccess, resp.Status)
	assert.Equal(t, "echo:hi", resp.Answer)
	assert.Equal(t, int32(1), dialer.n.Load())
}

func TestSearch_RedialsWhenConnectionIsLost(t *testing.T) {
	f := newRetrieverFixture(t, answer("x"))
	ctx := context.Background()

	_, err := f.retriever.Search(ctx, datatypes.SearchRequest{Query: "a", SessionID: "s"})
	require.NoError(t, err)
	f.dialer.conn(0).lost.Store(true)

	_, err = f.retriever.Search(ctx, datatypes.SearchRequest{Query: "b", SessionID: "s"})
	require.NoError(t, err)
	assert.Equal(t, 2, f.dialer.dials())
	assert.Equal(t, []int32{1, 0}, f.dialer.closes())
}

func TestSearch_LostConnectionFailureIsNotPermanent(t *testing.T) {
	var calls atomic.Int32
	f := newRetrieverFixture(t, func(ctx context.Context, prompt string, h llm.TokenHandler) (*llm.Result, error) {
		if calls.Add(1) == 1 {
			return nil, fmt.Errorf("call search_nodes on graphiti: %w: EOF", toolserver.ErrConnectionLost)
		}
		return answer("Answer: Paris")(ctx, prompt, h)
	})
	ctx := context.Background()

	resp, err := f.retriever.Search(ctx, datatypes.SearchRequest{Query: "a", SessionID: "s"})
	require.Error(t, err)
	assert.Equal(t, datatypes.StatusError, resp.Status)
	assert.Equal(t, []int32{1}, f.dialer.closes())

	resp, err = f.retriever.Search(ctx, datatypes.SearchRequest{Query: "b", SessionID: "s"})
	require.NoError(t, err)
	assert.Equal(t, "Paris", resp.Answer)
	assert.Equal(t, 2, f.dialer.dials())
}

func TestSearch_OtherInvokeFailuresKeepConnection(t *testing.T) {
	f := newRetrieverFixture(t, func(context.Context, string, llm.TokenHandler) (*llm.Result, error) {
		return nil, errors.New("model overloaded")
	})
	ctx := context.Background()

	_, err := f.retriever.Search(ctx, datatypes.SearchRequest{Query: "a", SessionID: "s"})
	require.Error(t, err)
	_, err = f.retriever.Search(ctx, datatypes.SearchRequest{Query: "b", SessionID: "s"})
	require.Error(t, err)
	assert.Equal(t, 1, f.dialer.dials())
	assert.Equal(t, []int32{0}, f.dialer.closes())
}

func TestRetriever_CloseDoesNotWaitForDial(t *testing.T) {
	d := newBlockingDialer()
	f := newRetrieverFixture(t, answer("x"), func(c *RetrieverConfig) { c.Dialer = d })

	done := make(chan error, 1)
	go func() {
		_, err := f.retriever.Search(context.Background(), datatypes.SearchRequest{Query: "q", SessionID: "s"})
		done <- err
	}()
	<-d.started

	closed := make(chan error, 1)
	go func() { closed <- f.retriever.Close() }()
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on an in-flight dial")
	}

	close(d.release)
	assert.ErrorIs(t, <-done, ErrClosed)
	assert.Equal(t, int32(1), d.conn.closes.Load())
}

func TestSearch_CallerCancelDuringDial(t *testing.T) {
	d := newBlockingDialer()
	f := newRetrieverFixture(t, answer("Answer: Paris"), func(c *RetrieverConfig) { c.Dialer = d })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.retriever.Search(ctx, datatypes.SearchRequest{Query: "q", SessionID: "s"})
		done <- err
	}()
	<-d.started
	cancel()

	err := <-done
	assert.True(t, IsDialFailure(err))
	assert.ErrorIs(t, err, context.Canceled)

	close(d.release)
	resp, err := f.retriever.Search(context.Background(), datatypes.SearchRequest{Query: "q", SessionID: "s"})
	require.NoError(t, err)
	assert.Equal(t, "Paris", resp.Answer)
	assert.Equal(t, int32(1), d.dials.Load())
}

// =============================================================================
// Ingestor Tests
// =============================================================================

func TestIngestor_RedialsWhenConnectionIsLost(t *testing.T) {
	f := newIngestorFixture(t, stepReplies("ok"))
	ctx := context.Background()

	_, err := f.ingestor.ProcessDocument(ctx, "a.txt")
	require.NoError(t, err)
	f.dialer.conn(0).lost.Store(true)

	result, err := f.ingestor.ProcessDocument(ctx, "b.txt")
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusSuccess, result.Status)
	assert.Equal(t, 2, f.dialer.dials())
	assert.Equal(t, []int32{1, 0}, f.dialer.closes())
}
