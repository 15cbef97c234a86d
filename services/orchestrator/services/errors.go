// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package services

import (
	"errors"
	"fmt"
)

// ErrMissingSession is returned when a search has neither an explicit
// session id nor a configured default. It is a caller error and is never
// retried.
var ErrMissingSession = errors.New("session id is required: none given and no default configured")

// ErrStreamAbandoned is returned by StreamSearch when the consumer stopped
// reading. No terminal event is emitted in that case.
var ErrStreamAbandoned = errors.New("stream abandoned by consumer")

// ErrClosed is returned by orchestrators used after Close.
var ErrClosed = errors.New("orchestrator is closed")

// UpstreamToolError wraps a failure of the agent capability or a tool
// server.
//
// # Fields
//
//   - Op: The step that failed ("dial", "invoke", "process", "metadata", "relationships").
//   - Err: The underlying error.
type UpstreamToolError struct {
	Op  string
	Err error
}

func (e *UpstreamToolError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *UpstreamToolError) Unwrap() error {
	return e.Err
}

// IsDialFailure reports whether err is an UpstreamToolError raised while
// connecting to the tool servers.
func IsDialFailure(err error) bool {
	var ute *UpstreamToolError
	return errors.As(err, &ute) && ute.Op == opDial
}

// ParseAnomaly describes a citation marker that was present but malformed.
// It is returned alongside a partial citation and is never fatal.
type ParseAnomaly struct {
	Input  string
	Reason string
}

func (e *ParseAnomaly) Error() string {
	return fmt.Sprintf("malformed citation %q: %s", e.Input, e.Reason)
}

const (
	opDial          = "dial"
	opInvoke        = "invoke"
	opProcess       = "process"
	opMetadata      = "metadata"
	opRelationships = "relationships"
)
