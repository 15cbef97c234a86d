// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package services

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianKG/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianKG/services/orchestrator/toolserver"
)

// sharedConnection is one lazily dialed tool-server connection reused by
// every blocking call of its owner.
//
// # Description
//
// The connection outlives the request that dials it, so it is dialed with
// a context detached from the caller's cancellation. A caller whose context
// ends while the dial is in flight returns early; the dial completes for
// the next caller. A connection that is no longer Alive is closed and
// redialed on the next get.
//
// # Thread Safety
//
// Safe for concurrent use. mu is never held across a dial, so a slow tool
// server does not block close or callers that already hold the connection.
type sharedConnection struct {
	dialer    toolserver.Dialer
	endpoints toolserver.Descriptor
	metrics   *observability.Metrics

	dials singleflight.Group

	mu     sync.Mutex
	conn   toolserver.Connection
	closed bool
}

// get returns a live connection, dialing one when there is none.
func (s *sharedConnection) get(ctx context.Context) (toolserver.Connection, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	conn := s.conn
	if conn != nil && conn.Alive() {
		s.mu.Unlock()
		return conn, nil
	}
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		closeConnection(conn)
	}

	ch := s.dials.DoChan("dial", func() (any, error) {
		return s.dial(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(toolserver.Connection), nil
	case <-ctx.Done():
		return nil, &UpstreamToolError{Op: opDial, Err: ctx.Err()}
	}
}

func (s *sharedConnection) dial(ctx context.Context) (toolserver.Connection, error) {
	conn, err := s.dialer.Dial(ctx, s.endpoints)
	s.metrics.RecordDial(err == nil)
	if err != nil {
		return nil, &UpstreamToolError{Op: opDial, Err: err}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		closeConnection(conn)
		return nil, ErrClosed
	}
	s.conn = conn
	s.mu.Unlock()
	return conn, nil
}

// release drops conn when it is still the shared connection and closes it.
// Used after a call fails because the tool server went away.
func (s *sharedConnection) release(conn toolserver.Connection) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.mu.Unlock()
	closeConnection(conn)
}

// close closes the current connection and refuses further gets.
func (s *sharedConnection) close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}
