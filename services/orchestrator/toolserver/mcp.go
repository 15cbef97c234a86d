// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/tmc/langchaingo/tools"
)

// ErrConnectionLost marks a tool call that failed because the server
// session is gone. The connection reports Alive() == false afterwards.
var ErrConnectionLost = errors.New("tool server connection lost")

// =============================================================================
// Dialer
// =============================================================================

// TransportFactory builds the client transport for one endpoint.
type TransportFactory func(ep Endpoint) (mcp.Transport, error)

// MCPOption configures an MCPDialer.
type MCPOption func(*MCPDialer)

// WithHTTPClient sets the HTTP client used by the default transports.
func WithHTTPClient(c *http.Client) MCPOption {
	return func(d *MCPDialer) { d.httpClient = c }
}

// WithImplementation sets the client name and version announced to servers.
func WithImplementation(name, version string) MCPOption {
	return func(d *MCPDialer) { d.impl = &mcp.Implementation{Name: name, Version: version} }
}

// WithTransportFactory replaces the endpoint-to-transport mapping.
func WithTransportFactory(f TransportFactory) MCPOption {
	return func(d *MCPDialer) { d.transport = f }
}

// MCPDialer dials Model Context Protocol servers.
//
// # Thread Safety
//
// Dial is safe for concurrent use; every call opens its own sessions.
type MCPDialer struct {
	impl       *mcp.Implementation
	httpClient *http.Client
	transport  TransportFactory
}

var _ Dialer = (*MCPDialer)(nil)

// NewMCPDialer creates a dialer. By default SSE endpoints use the HTTP+SSE
// transport and streamable_http endpoints the streamable HTTP transport.
func NewMCPDialer(opts ...MCPOption) *MCPDialer {
	d := &MCPDialer{
		impl:       &mcp.Implementation{Name: "aleutian-kg", Version: "1.0.0"},
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.transport == nil {
		d.transport = d.defaultTransport
	}
	return d
}

func (d *MCPDialer) defaultTransport(ep Endpoint) (mcp.Transport, error) {
	switch ep.Transport {
	case TransportSSE, "":
		return &mcp.SSEClientTransport{Endpoint: ep.URL, HTTPClient: d.httpClient}, nil
	case TransportStreamableHTTP:
		return &mcp.StreamableClientTransport{Endpoint: ep.URL, HTTPClient: d.httpClient}, nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", ep.Transport)
	}
}

// Dial connects to every endpoint of desc and lists its tools.
//
// # Description
//
// Endpoints are dialed in name order. If any endpoint fails, the sessions
// already opened are closed before the error is returned, so a failed Dial
// never leaks. Tool names are expected to be unique across endpoints; a
// duplicate is skipped with a warning.
func (d *MCPDialer) Dial(ctx context.Context, desc Descriptor) (Connection, error) {
	client := mcp.NewClient(d.impl, nil)
	conn := &mcpConnection{}

	for _, name := range desc.Names() {
		ep := desc[name]
		ep.Name = name

		session, err := d.connect(ctx, client, ep)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("connect tool server %q: %w", name, err)
		}
		conn.sessions = append(conn.sessions, session)
		go conn.watch(name, session)

		listed, err := listTools(ctx, session)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("list tools of %q: %w", name, err)
		}
		conn.addTools(name, session, listed)
	}

	slog.Debug("Tool servers connected", "endpoints", len(conn.sessions), "tools", len(conn.tools))
	return conn, nil
}

func (d *MCPDialer) connect(ctx context.Context, client *mcp.Client, ep Endpoint) (*mcp.ClientSession, error) {
	transport, err := d.transport(ep)
	if err != nil {
		return nil, err
	}
	return client.Connect(ctx, transport, nil)
}

func listTools(ctx context.Context, session *mcp.ClientSession) ([]*mcp.Tool, error) {
	var out []*mcp.Tool
	params := &mcp.ListToolsParams{}
	for {
		res, err := session.ListTools(ctx, params)
		if err != nil {
			return nil, err
		}
		out = append(out, res.Tools...)
		if res.NextCursor == "" {
			return out, nil
		}
		params = &mcp.ListToolsParams{Cursor: res.NextCursor}
	}
}

// =============================================================================
// Connection
// =============================================================================

type mcpConnection struct {
	sessions []*mcp.ClientSession
	tools    []tools.Tool
	names    map[string]string

	lost atomic.Bool

	once     sync.Once
	closeErr error
}

var _ Connection = (*mcpConnection)(nil)

func (c *mcpConnection) addTools(server string, session *mcp.ClientSession, listed []*mcp.Tool) {
	if c.names == nil {
		c.names = make(map[string]string)
	}
	for _, t := range listed {
		if owner, dup := c.names[t.Name]; dup {
			slog.Warn("Duplicate tool name skipped", "tool", t.Name, "server", server, "kept_from", owner)
			continue
		}
		c.names[t.Name] = server
		c.tools = append(c.tools, newMCPTool(server, session, t, &c.lost))
	}
}

// watch marks the connection lost when the session ends. Wait returns on
// Close too, which also ends the goroutine.
func (c *mcpConnection) watch(server string, session *mcp.ClientSession) {
	err := session.Wait()
	if !c.lost.Swap(true) {
		slog.Debug("Tool server session ended", "server", server, "error", err)
	}
}

func (c *mcpConnection) Alive() bool { return !c.lost.Load() }

func (c *mcpConnection) Tools() []tools.Tool {
	out := make([]tools.Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

func (c *mcpConnection) Close() error {
	c.once.Do(func() {
		c.lost.Store(true)
		var errs []error
		for _, s := range c.sessions {
			if err := s.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}

// =============================================================================
// Tool Adapter
// =============================================================================

// mcpTool exposes one remote tool through the langchaingo tools.Tool
// interface. Call expects a JSON object of arguments.
type mcpTool struct {
	server  string
	session *mcp.ClientSession
	def     *mcp.Tool
	params  json.RawMessage
	lost    *atomic.Bool
}

func newMCPTool(server string, session *mcp.ClientSession, def *mcp.Tool, lost *atomic.Bool) *mcpTool {
	t := &mcpTool{server: server, session: session, def: def, lost: lost}
	if def.InputSchema != nil {
		if raw, err := json.Marshal(def.InputSchema); err == nil {
			t.params = raw
		}
	}
	return t
}

func (t *mcpTool) Name() string        { return t.def.Name }
func (t *mcpTool) Description() string { return t.def.Description }

// Parameters returns the tool's JSON input schema.
func (t *mcpTool) Parameters() json.RawMessage {
	if len(t.params) == 0 {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return t.params
}

func (t *mcpTool) Call(ctx context.Context, input string) (string, error) {
	args := map[string]any{}
	if strings.TrimSpace(input) != "" {
		if err := json.Unmarshal([]byte(input), &args); err != nil {
			return "", fmt.Errorf("tool %s: arguments must be a JSON object: %w", t.def.Name, err)
		}
	}

	res, err := t.session.CallTool(ctx, &mcp.CallToolParams{Name: t.def.Name, Arguments: args})
	if err != nil {
		if errors.Is(err, mcp.ErrConnectionClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			t.lost.Store(true)
			return "", fmt.Errorf("call %s on %s: %w: %w", t.def.Name, t.server, ErrConnectionLost, err)
		}
		return "", fmt.Errorf("call %s on %s: %w", t.def.Name, t.server, err)
	}

	text := contentText(res.Content)
	if res.IsError {
		return "", fmt.Errorf("tool %s reported an error: %s", t.def.Name, text)
	}
	return text, nil
}

func contentText(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		switch v := c.(type) {
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		default:
			if raw, err := json.Marshal(v); err == nil {
				parts = append(parts, string(raw))
			}
		}
	}
	return strings.Join(parts, "\n")
}
