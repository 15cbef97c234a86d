// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ttl expires idle conversation sessions in the background.
package ttl

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Sweeper is the store the scheduler expires sessions from.
// conversation.Registry satisfies it.
type Sweeper interface {
	// EvictIdle removes sessions not accessed within olderThan and returns
	// how many were removed.
	EvictIdle(olderThan time.Duration) int

	// Len returns the number of live sessions.
	Len() int
}

// =============================================================================
// TTL Scheduler Implementation
// =============================================================================

// SchedulerConfig holds configuration for the idle-session scheduler.
//
// # Fields
//
//   - Interval: How often to sweep. Default: 10 minutes.
//   - IdleTTL: Sessions idle longer than this are expired. Default: 24 hours.
//   - OnSweep: Optional hook called after every sweep (metrics).
type SchedulerConfig struct {
	Interval time.Duration
	IdleTTL  time.Duration
	OnSweep  func(SweepResult)
}

// DefaultSchedulerConfig returns the default scheduler configuration.
//
// # Examples
//
//	config := DefaultSchedulerConfig()
//	config.IdleTTL = 2 * time.Hour
//	scheduler := NewScheduler(registry, config)
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval: 10 * time.Minute,
		IdleTTL:  24 * time.Hour,
	}
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Evicted   int
	Remaining int
	StartTime time.Time
	EndTime   time.Time
}

// DurationMs returns the sweep duration in milliseconds.
func (r SweepResult) DurationMs() int64 {
	return r.EndTime.Sub(r.StartTime).Milliseconds()
}

// Scheduler runs periodic idle-session sweeps.
//
// # Description
//
// Manages the lifecycle of a background goroutine that periodically calls
// Sweeper.EvictIdle. Uses the ticker + done channel pattern for graceful
// shutdown.
//
// # Thread Safety
//
// All public methods are thread-safe.
type Scheduler struct {
	sweeper Sweeper
	config  SchedulerConfig
	done    chan struct{}
	stopped chan struct{}
	mu      sync.Mutex
	running bool
}

// NewScheduler creates a scheduler over sweeper.
//
// # Description
//
// Zero Interval or IdleTTL values fall back to DefaultSchedulerConfig.
//
// # Examples
//
//	scheduler := ttl.NewScheduler(registry, ttl.DefaultSchedulerConfig())
//	if err := scheduler.Start(ctx); err != nil {
//	    return err
//	}
//	defer scheduler.Stop()
func NewScheduler(sweeper Sweeper, config SchedulerConfig) *Scheduler {
	defaults := DefaultSchedulerConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.IdleTTL <= 0 {
		config.IdleTTL = defaults.IdleTTL
	}
	return &Scheduler{
		sweeper: sweeper,
		config:  config,
	}
}

// Start begins the background sweep loop.
//
// # Inputs
//
//   - ctx: When cancelled, the loop stops.
//
// # Outputs
//
//   - error: Non-nil if the scheduler is already running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler is already running")
	}
	s.running = true
	s.done = make(chan struct{})
	s.stopped = make(chan struct{})

	slog.Info("Session TTL scheduler starting",
		"interval", s.config.Interval.String(),
		"idle_ttl", s.config.IdleTTL.String(),
	)

	go s.runLoop(ctx, s.done, s.stopped)
	return nil
}

// Stop signals the loop to exit and waits for the current sweep to finish.
// Safe to call multiple times.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	slog.Info("Session TTL scheduler stopping")
	close(s.done)
	s.running = false
	stopped := s.stopped
	s.mu.Unlock()

	<-stopped
	return nil
}

// RunNow performs one sweep immediately.
func (s *Scheduler) RunNow() SweepResult {
	result := SweepResult{StartTime: time.Now()}
	result.Evicted = s.sweeper.EvictIdle(s.config.IdleTTL)
	result.Remaining = s.sweeper.Len()
	result.EndTime = time.Now()

	if s.config.OnSweep != nil {
		s.config.OnSweep(result)
	}
	return result
}

// =============================================================================
// Internal Methods
// =============================================================================

func (s *Scheduler) runLoop(ctx context.Context, done, stopped chan struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Session TTL scheduler stopped (context cancelled)")
			return
		case <-done:
			slog.Info("Session TTL scheduler stopped (stop requested)")
			return
		case <-ticker.C:
			s.executeSweep()
		}
	}
}

func (s *Scheduler) executeSweep() {
	result := s.RunNow()
	if result.Evicted > 0 {
		slog.Info("Idle sessions expired",
			"evicted", result.Evicted,
			"remaining", result.Remaining,
			"duration_ms", result.DurationMs(),
		)
	} else {
		slog.Debug("Session sweep completed (nothing idle)")
	}
}
