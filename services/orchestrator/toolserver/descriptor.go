// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package toolserver connects agents to the remote tool servers that do the
// document conversion and knowledge-graph work.
//
// # Description
//
// A Descriptor names a set of endpoints. A Dialer turns a Descriptor into a
// Connection, which exposes every tool of every endpoint as a langchaingo
// tools.Tool and must be closed exactly once.
package toolserver

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/tmc/langchaingo/tools"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Connection is a live link to one or more tool servers.
type Connection interface {
	// Tools returns the tools listed by every endpoint at dial time.
	Tools() []tools.Tool

	// Alive reports whether every endpoint session is still open. It turns
	// false once a server drops the session or Close is called.
	Alive() bool

	// Close releases every endpoint session. Calls after the first are no-ops
	// returning the first call's result.
	Close() error
}

// Dialer opens Connections.
type Dialer interface {
	Dial(ctx context.Context, d Descriptor) (Connection, error)
}

// =============================================================================
// Descriptor
// =============================================================================

// Transport is the wire transport of an endpoint.
type Transport string

const (
	// TransportSSE is the HTTP+SSE transport.
	TransportSSE Transport = "sse"

	// TransportStreamableHTTP is the streamable HTTP transport.
	TransportStreamableHTTP Transport = "streamable_http"
)

// Endpoint is one named tool server.
type Endpoint struct {
	Name      string    `yaml:"-"`
	URL       string    `yaml:"url"`
	Transport Transport `yaml:"transport"`
}

// Descriptor maps endpoint names to endpoints.
type Descriptor map[string]Endpoint

// Names returns the endpoint names in sorted order.
func (d Descriptor) Names() []string {
	names := make([]string, 0, len(d))
	for name := range d {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks that every endpoint has a URL and a known transport.
func (d Descriptor) Validate() error {
	if len(d) == 0 {
		return fmt.Errorf("tool server descriptor has no endpoints")
	}
	for _, name := range d.Names() {
		ep := d[name]
		if ep.URL == "" {
			return fmt.Errorf("tool server %q: url is required", name)
		}
		switch ep.Transport {
		case TransportSSE, TransportStreamableHTTP:
		default:
			return fmt.Errorf("tool server %q: unsupported transport %q", name, ep.Transport)
		}
	}
	return nil
}

const (
	// GraphitiServer is the endpoint name of the knowledge-graph server.
	GraphitiServer = "graphiti"

	// MarkItDownServer is the endpoint name of the document conversion server.
	MarkItDownServer = "markitdown"
)

// DefaultDescriptor returns the two standard SSE endpoints.
func DefaultDescriptor(graphitiURL, markitdownURL string) Descriptor {
	return Descriptor{
		GraphitiServer:   {Name: GraphitiServer, URL: graphitiURL, Transport: TransportSSE},
		MarkItDownServer: {Name: MarkItDownServer, URL: markitdownURL, Transport: TransportSSE},
	}
}

type descriptorFile struct {
	Servers map[string]Endpoint `yaml:"servers"`
}

// LoadDescriptor reads a YAML descriptor of the form
//
//	servers:
//	  graphiti:   {url: http://localhost:8000/sse, transport: sse}
//	  markitdown: {url: http://127.0.0.1:3001/sse, transport: sse}
//
// A missing transport defaults to sse.
func LoadDescriptor(path string) (Descriptor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tool server config: %w", err)
	}

	var file descriptorFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse tool server config %s: %w", path, err)
	}

	d := make(Descriptor, len(file.Servers))
	for name, ep := range file.Servers {
		ep.Name = name
		if ep.Transport == "" {
			ep.Transport = TransportSSE
		}
		d[name] = ep
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}
