// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package services

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"hash"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/awnumar/memguard"
	"golang.org/x/sys/unix"
)

// =============================================================================
// Constants
// =============================================================================

// DefaultAccumulatorSize is the locked buffer size for one streamed
// response. Larger responses spill into ordinary memory.
const DefaultAccumulatorSize = 512 * 1024

// ErrAccumulatorDone is returned by Write and Finalize after Finalize or
// Destroy.
var ErrAccumulatorDone = errors.New("token accumulator already finalized")

var (
	mlockOnce    sync.Once
	mlockLimitKB int64 // -1 when unlimited

	// lockedInUse counts bytes held in locked buffers across accumulators.
	lockedInUse atomic.Int64
)

// =============================================================================
// Interface
// =============================================================================

// TokenAccumulator collects the tokens of one streamed response.
//
// # Description
//
// Tokens are hashed as they arrive. Finalize returns the full response and
// its SHA-256 digest and wipes the buffer; Destroy wipes without returning.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type TokenAccumulator interface {
	Write(token string) error
	Finalize() (response string, digest string, err error)
	Destroy()
}

// =============================================================================
// Implementation
// =============================================================================

// lockedAccumulator keeps tokens in a memguard LockedBuffer (mlocked, guard
// pages, zeroed on destroy). When mlock is unavailable, or a response
// outgrows the locked buffer, it continues in ordinary memory.
type lockedAccumulator struct {
	mu     sync.Mutex
	locked *memguard.LockedBuffer
	n      int
	spill  []byte
	hasher hash.Hash
	done   bool
}

// NewTokenAccumulator creates an accumulator with a locked buffer of size
// bytes, or DefaultAccumulatorSize when size <= 0.
func NewTokenAccumulator(size int) TokenAccumulator {
	if size <= 0 {
		size = DefaultAccumulatorSize
	}
	a := &lockedAccumulator{hasher: sha256.New()}
	if !reserveLocked(size) {
		a.spill = make([]byte, 0, size)
		return a
	}
	a.locked = memguard.NewBuffer(size)
	a.locked.Melt()
	return a
}

func (a *lockedAccumulator) Write(token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done {
		return ErrAccumulatorDone
	}

	b := []byte(token)
	a.hasher.Write(b)
	if a.locked != nil {
		if a.n+len(b) <= a.locked.Size() {
			copy(a.locked.Bytes()[a.n:], b)
			a.n += len(b)
			return nil
		}
		a.spillLocked()
	}
	a.spill = append(a.spill, b...)
	return nil
}

func (a *lockedAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done {
		return "", "", ErrAccumulatorDone
	}

	var response string
	if a.locked != nil {
		response = string(a.locked.Bytes()[:a.n])
	} else {
		response = string(a.spill)
	}
	digest := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()
	return response, digest, nil
}

func (a *lockedAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.done {
		a.wipe()
	}
}

// spillLocked moves the locked contents into ordinary memory.
func (a *lockedAccumulator) spillLocked() {
	slog.Warn("Streamed response outgrew locked buffer, continuing in ordinary memory",
		"locked_bytes", a.locked.Size())
	a.spill = make([]byte, a.n, 2*a.locked.Size())
	copy(a.spill, a.locked.Bytes()[:a.n])
	a.releaseLocked()
	a.n = 0
}

func (a *lockedAccumulator) releaseLocked() {
	size := a.locked.Size()
	a.locked.Destroy()
	a.locked = nil
	lockedInUse.Add(-int64(size))
}

func (a *lockedAccumulator) wipe() {
	if a.locked != nil {
		a.releaseLocked()
	}
	clear(a.spill)
	a.spill = nil
	a.done = true
}

// =============================================================================
// mlock Limits
// =============================================================================

// reserveLocked claims size bytes of locked memory. Accumulators share half
// of RLIMIT_MEMLOCK; the rest is left to memguard's own pages. The limit is
// read once and an unreadable limit counts as unlimited.
func reserveLocked(size int) bool {
	mlockOnce.Do(func() {
		var rl unix.Rlimit
		switch err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rl); {
		case err != nil:
			slog.Warn("Could not determine mlock limit", "error", err)
			mlockLimitKB = -1
		case rl.Cur == unix.RLIM_INFINITY:
			mlockLimitKB = -1
		default:
			mlockLimitKB = int64(rl.Cur / 1024)
		}
		if mlockLimitKB >= 0 && mlockLimitKB/2 < DefaultAccumulatorSize/1024 {
			slog.Warn("mlock limit too low, streamed responses use ordinary memory",
				"limit_kb", mlockLimitKB, "required_kb", 2*DefaultAccumulatorSize/1024)
		}
	})

	if mlockLimitKB < 0 {
		lockedInUse.Add(int64(size))
		return true
	}
	budget := mlockLimitKB * 1024 / 2
	for {
		cur := lockedInUse.Load()
		if cur+int64(size) > budget {
			return false
		}
		if lockedInUse.CompareAndSwap(cur, cur+int64(size)) {
			return true
		}
	}
}
