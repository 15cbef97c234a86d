// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/AleutianAI/AleutianKG/services/orchestrator/datatypes"
)

// maxLineBytes bounds one NDJSON line.
const maxLineBytes = 1 << 20

// ErrNoTerminalEvent is returned when a stream ends without an end or error event.
var ErrNoTerminalEvent = errors.New("stream ended without a terminal event")

// StreamResult contains the complete result of processing a stream
type StreamResult struct {
	Answer    string
	Citation  *datatypes.Citation
	SessionID string
	Metadata  map[string]any
}

// StreamError is a server-sent error event.
type StreamError struct {
	Message  string
	Metadata map[string]any
}

func (e *StreamError) Error() string {
	return e.Message
}

// RenderStream reads NDJSON stream events from r and prints them.
//
// # Description
//
// Token chunks are written to Out as they arrive. A citation event is
// rendered after the answer, and the end event closes the line. In machine
// mode tokens are written raw and the citation is a single
// "SOURCE:\tdocument\tdate\tsection" line.
//
// # Outputs
//
//   - *StreamResult: The accumulated answer and terminal metadata.
//   - error: A *StreamError for an error event, ErrNoTerminalEvent if the
//     stream stopped early, or a decode error for a malformed line.
func (p *Printer) RenderStream(r io.Reader) (*StreamResult, error) {
	var answer strings.Builder
	result := &StreamResult{}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var event datatypes.StreamEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			return nil, fmt.Errorf("decode stream event: %w", err)
		}

		switch event.Type {
		case datatypes.EventToken:
			answer.WriteString(event.Chunk)
			fmt.Fprint(p.Out, event.Chunk)

		case datatypes.EventCitation:
			result.Citation = citationFromMetadata(event.Metadata)
			p.renderCitation(result.Citation)

		case datatypes.EventEnd:
			result.Answer = answer.String()
			result.Metadata = event.Metadata
			result.SessionID, _ = event.Metadata["session_id"].(string)
			fmt.Fprintln(p.Out)
			if !p.Machine && result.SessionID != "" {
				fmt.Fprintln(p.Out, Styles.Muted.Render("session: "+result.SessionID))
			}
			return result, nil

		case datatypes.EventError:
			if answer.Len() > 0 {
				fmt.Fprintln(p.Out)
			}
			return nil, &StreamError{Message: event.Chunk, Metadata: event.Metadata}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}
	return nil, ErrNoTerminalEvent
}

func (p *Printer) renderCitation(c *datatypes.Citation) {
	fields := []string{deref(c.Document), deref(c.Date), deref(c.Section)}
	if p.Machine {
		fmt.Fprintf(p.Out, "\nSOURCE:\t%s\n", strings.Join(fields, "\t"))
		return
	}

	var parts []string
	for _, f := range fields {
		if f != "" {
			parts = append(parts, f)
		}
	}
	if len(parts) == 0 {
		return
	}
	fmt.Fprintf(p.Out, "\n%s %s", IconArrow.Render(), Styles.Highlight.Render(strings.Join(parts, " | ")))
}

func citationFromMetadata(m map[string]any) *datatypes.Citation {
	return &datatypes.Citation{
		Document: stringField(m, "document"),
		Date:     stringField(m, "date"),
		Section:  stringField(m, "section"),
	}
}

func stringField(m map[string]any, key string) *string {
	s, ok := m[key].(string)
	if !ok {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
