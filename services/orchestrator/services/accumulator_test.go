// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianKG/services/llm"
	"github.com/AleutianAI/AleutianKG/services/orchestrator/datatypes"
)

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestTokenAccumulator_FinalizeReturnsResponseAndDigest(t *testing.T) {
	acc := NewTokenAccumulator(0)
	require.NoError(t, acc.Write("Answer: Par"))
	require.NoError(t, acc.Write("is"))

	response, digest, err := acc.Finalize()
	require.NoError(t, err)
	assert.Equal(t, "Answer: Paris", response)
	assert.Equal(t, sha256Hex("Answer: Paris"), digest)

	_, _, err = acc.Finalize()
	assert.ErrorIs(t, err, ErrAccumulatorDone)
	assert.ErrorIs(t, acc.Write("more"), ErrAccumulatorDone)
}

func TestTokenAccumulator_SpillsPastLockedSize(t *testing.T) {
	acc := NewTokenAccumulator(8)
	for _, tok := range []string{"0123", "4567", "89ab", "cdef"} {
		require.NoError(t, acc.Write(tok))
	}

	response, digest, err := acc.Finalize()
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef", response)
	assert.Equal(t, sha256Hex("0123456789abcdef"), digest)
}

func TestTokenAccumulator_DestroyReleasesLockedMemory(t *testing.T) {
	before := lockedInUse.Load()

	acc := NewTokenAccumulator(4096)
	require.NoError(t, acc.Write("secret"))
	acc.Destroy()
	acc.Destroy()

	assert.Equal(t, before, lockedInUse.Load())
	_, _, err := acc.Finalize()
	assert.ErrorIs(t, err, ErrAccumulatorDone)
}

func TestTokenAccumulator_EmptyResponse(t *testing.T) {
	response, digest, err := NewTokenAccumulator(0).Finalize()
	require.NoError(t, err)
	assert.Empty(t, response)
	assert.Equal(t, sha256Hex(""), digest)
}

// trackingAccumulator counts Destroy calls on a real accumulator.
type trackingAccumulator struct {
	TokenAccumulator
	destroyed *atomic.Int32
}

func (a trackingAccumulator) Destroy() {
	a.destroyed.Add(1)
	a.TokenAccumulator.Destroy()
}

func TestStreamSearch_AccumulatorWipedOnEveryExit(t *testing.T) {
	tests := []struct {
		name   string
		script scriptFunc
		sink   func(*eventLog) EventSink
	}{
		{
			name:   "success",
			script: answer("Answer: ", "Paris"),
			sink:   func(l *eventLog) EventSink { return l.sink() },
		},
		{
			name: "agent failure",
			script: func(context.Context, string, llm.TokenHandler) (*llm.Result, error) {
				return nil, errors.New("model overloaded")
			},
			sink: func(l *eventLog) EventSink { return l.sink() },
		},
		{
			name:   "consumer gone",
			script: answer("Paris"),
			sink: func(*eventLog) EventSink {
				return func(datatypes.StreamEvent) error { return errors.New("client went away") }
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var destroyed atomic.Int32
			f := newRetrieverFixture(t, tt.script, func(c *RetrieverConfig) {
				c.NewAccumulator = func() TokenAccumulator {
					return trackingAccumulator{TokenAccumulator: NewTokenAccumulator(64), destroyed: &destroyed}
				}
			})

			log := &eventLog{}
			_ = f.retriever.StreamSearch(context.Background(), datatypes.SearchRequest{Query: "q", SessionID: "s"}, tt.sink(log))
			assert.Equal(t, int32(1), destroyed.Load())
		})
	}

	t.Run("response is stored from the accumulator", func(t *testing.T) {
		f := newRetrieverFixture(t, answer("Answer: ", "Paris"), func(c *RetrieverConfig) {
			c.NewAccumulator = func() TokenAccumulator { return NewTokenAccumulator(4) }
		})
		require.NoError(t, f.retriever.StreamSearch(context.Background(), datatypes.SearchRequest{Query: "q", SessionID: "s"}, (&eventLog{}).sink()))
		assert.Equal(t, "Answer: Paris", f.registry.Memory("s").Turns()[0].Response)
	})
}
