// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package relay bridges push-style token callbacks to a pull-style consumer.
//
// # Description
//
// A Relay is handed to a streaming agent as its token handler. The agent
// pushes fragments with OnToken and finishes with OnComplete or OnError;
// the consumer ranges over Drain. The queue is unbounded so producers
// never block.
//
// # Thread Safety
//
// Producer methods and Drain may run on different goroutines. One Relay
// serves exactly one stream and supports a single concurrent Drain.
package relay

import (
	"context"
	"iter"
	"sync"

	"github.com/AleutianAI/AleutianKG/services/llm"
)

// Relay is a single-stream token queue with a completion signal.
type Relay struct {
	mu       sync.Mutex
	queue    []string
	finished bool

	// wake holds at most one pending notification; producers never block on it.
	wake chan struct{}
	done chan struct{}
}

var _ llm.TokenHandler = (*Relay)(nil)

// New creates an empty, unfinished Relay.
func New() *Relay {
	return &Relay{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// OnToken enqueues text. Tokens arriving after the relay finished are dropped.
func (r *Relay) OnToken(text string) {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	r.queue = append(r.queue, text)
	r.mu.Unlock()
	r.signal()
}

// OnComplete marks the relay finished and wakes the consumer. Idempotent.
func (r *Relay) OnComplete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finishLocked()
}

// OnError enqueues a synthetic "Error: <msg>" fragment, then finishes.
// It is a no-op once the relay has finished.
func (r *Relay) OnError(err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return
	}
	r.queue = append(r.queue, "Error: "+msg)
	r.finishLocked()
}

// Done is closed once the relay has finished.
func (r *Relay) Done() <-chan struct{} {
	return r.done
}

// Finished reports whether OnComplete, OnError or consumer cancellation
// has finished the relay.
func (r *Relay) Finished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished
}

// Drain returns the queued fragments in order as they arrive.
//
// # Description
//
// The sequence ends once the relay is finished and every fragment queued
// before that point has been yielded. An empty queue alone never ends it.
// If ctx is cancelled or the consumer stops ranging early, the relay marks
// itself finished so the producer side is released and later tokens are
// dropped.
//
// # Examples
//
//	for token := range r.Drain(ctx) {
//	    emit(token)
//	}
func (r *Relay) Drain(ctx context.Context) iter.Seq[string] {
	return func(yield func(string) bool) {
		abandoned := true
		defer func() {
			if abandoned {
				r.OnComplete()
			}
		}()

		for {
			batch, finished := r.take()
			for _, token := range batch {
				if !yield(token) {
					return
				}
			}
			if len(batch) > 0 {
				continue
			}
			if finished {
				abandoned = false
				return
			}

			select {
			case <-r.wake:
			case <-ctx.Done():
				return
			}
		}
	}
}

// take removes and returns everything queued, plus the finished flag
// observed under the same lock.
func (r *Relay) take() ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	batch := r.queue
	r.queue = nil
	return batch, r.finished
}

func (r *Relay) finishLocked() {
	if r.finished {
		return
	}
	r.finished = true
	close(r.done)
	r.signal()
}

func (r *Relay) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}
