// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package jobmanager tracks in-flight runs and code-loop cycles: a registry
// for cancelling and inspecting active runs, a global lock that makes live
// and dry-run code-loops (and the golden evaluator) mutually exclusive, rate
// limits on how often each may be started, idempotent code-loop submission
// keyed by source run, and a timeout supervisor that cancels runs past their
// deadline.
package jobmanager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// JobType names the kind of work a job performs.
type JobType string

const (
	JobTypeRun      JobType = "run"
	JobTypeGolden   JobType = "golden"
	JobTypeCodeLoop JobType = "code_loop"
)

// exclusiveJobTypes mutually exclude each other process-wide: only one of a
// golden evaluation or a code-loop cycle (live or dry_run) may run at a
// time. Ordinary bandit runs are not part of this set.
var exclusiveJobTypes = map[JobType]bool{
	JobTypeGolden:   true,
	JobTypeCodeLoop: true,
}

// ConflictError is returned when an exclusive job is requested while another
// exclusive job already holds the lock.
type ConflictError struct {
	Requested JobType
	Holder    JobType
	HolderID  string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("jobmanager: cannot start %s job: %s job %s already running", e.Requested, e.Holder, e.HolderID)
}

// activeRun is the registry entry for one in-flight run.
type activeRun struct {
	runID    string
	cancel   context.CancelFunc
	deadline time.Time // zero means unlimited
}

// CodeLoopStatus is the lifecycle state of a tracked code-loop job.
type CodeLoopStatus string

const (
	CodeLoopStatusRunning CodeLoopStatus = "running"
	CodeLoopStatusDone    CodeLoopStatus = "done"
)

// CodeLoopRecord is the idempotency record kept per source run.
type CodeLoopRecord struct {
	JobID       string
	SourceRunID string
	Status      CodeLoopStatus
	ArtifactID  string
}

// Manager is the process-wide job registry. One instance serves the whole
// engine; it is safe for concurrent use.
type Manager struct {
	logger *slog.Logger

	mu              sync.Mutex
	activeRuns      map[string]*activeRun
	exclusiveHolder JobType
	exclusiveID     string

	codeLoopLimiter *rate.Limiter
	clientLimiters  map[string]*rate.Limiter
	clientLimit     rate.Limit
	clientBurst     int

	codeLoopResults map[string]*CodeLoopRecord // keyed by source_run_id

	superviseStop chan struct{}
	superviseDone chan struct{}
}

// Config tunes rate limits for job submission.
type Config struct {
	CodeLoopMaxPerHour int
	ClientMaxPerHour   int
	SupervisorInterval time.Duration
	Logger             *slog.Logger
}

// New builds a Manager and starts its timeout supervisor loop.
func New(cfg Config) *Manager {
	if cfg.SupervisorInterval <= 0 {
		cfg.SupervisorInterval = 5 * time.Second
	}
	if cfg.CodeLoopMaxPerHour <= 0 {
		cfg.CodeLoopMaxPerHour = 3
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		logger:          logger,
		activeRuns:      map[string]*activeRun{},
		codeLoopLimiter: rate.NewLimiter(rate.Every(time.Hour/time.Duration(cfg.CodeLoopMaxPerHour)), cfg.CodeLoopMaxPerHour),
		clientLimiters:  map[string]*rate.Limiter{},
		clientLimit:     rate.Every(time.Hour / time.Duration(max(cfg.ClientMaxPerHour, 1))),
		clientBurst:     max(cfg.ClientMaxPerHour, 1),
		codeLoopResults: map[string]*CodeLoopRecord{},
		superviseStop:   make(chan struct{}),
		superviseDone:   make(chan struct{}),
	}
	go m.superviseTimeouts(cfg.SupervisorInterval)
	return m
}

// RegisterRun adds an active run to the registry. If timeout is non-zero,
// the supervisor cancels the run once it elapses.
func (m *Manager) RegisterRun(runID string, cancel context.CancelFunc, timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ar := &activeRun{runID: runID, cancel: cancel}
	if timeout > 0 {
		ar.deadline = time.Now().Add(timeout)
	}
	m.activeRuns[runID] = ar
}

// UnregisterRun removes a run from the registry without cancelling it,
// called once the run reaches a terminal state on its own.
func (m *Manager) UnregisterRun(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.activeRuns, runID)
}

// CancelRun cancels an active run's context and removes it from the
// registry. Returns false if no such run is registered.
func (m *Manager) CancelRun(runID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ar, ok := m.activeRuns[runID]
	if !ok {
		return false
	}
	ar.cancel()
	delete(m.activeRuns, runID)
	return true
}

// IsRunActive reports whether runID is currently registered.
func (m *Manager) IsRunActive(runID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.activeRuns[runID]
	return ok
}

// ListActiveRuns returns the ids of every currently registered run.
func (m *Manager) ListActiveRuns() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.activeRuns))
	for id := range m.activeRuns {
		out = append(out, id)
	}
	return out
}

func (m *Manager) superviseTimeouts(interval time.Duration) {
	defer close(m.superviseDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.superviseStop:
			return
		case <-ticker.C:
			m.sweepExpired()
		}
	}
}

func (m *Manager) sweepExpired() {
	now := time.Now()
	var expired []*activeRun

	m.mu.Lock()
	for id, ar := range m.activeRuns {
		if !ar.deadline.IsZero() && now.After(ar.deadline) {
			expired = append(expired, ar)
			delete(m.activeRuns, id)
		}
	}
	m.mu.Unlock()

	for _, ar := range expired {
		m.logger.Warn("jobmanager: run exceeded its timeout, cancelling", "run_id", ar.runID)
		ar.cancel()
	}
}

// Shutdown stops the timeout supervisor. Intended for process exit.
func (m *Manager) Shutdown() {
	close(m.superviseStop)
	<-m.superviseDone
}

// AcquireExclusive takes the global lock for golden/code-loop jobs. Returns
// a ConflictError if another exclusive job already holds it. jobType values
// outside the exclusive set always succeed and are a no-op.
func (m *Manager) AcquireExclusive(jobType JobType, jobID string) error {
	if !exclusiveJobTypes[jobType] {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.exclusiveHolder != "" {
		return ConflictError{Requested: jobType, Holder: m.exclusiveHolder, HolderID: m.exclusiveID}
	}
	m.exclusiveHolder = jobType
	m.exclusiveID = jobID
	return nil
}

// ReleaseExclusive releases the global golden/code-loop lock if jobID
// currently holds it. A mismatched jobID is a no-op, so a stale release
// from a superseded call never releases someone else's lock.
func (m *Manager) ReleaseExclusive(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.exclusiveID == jobID {
		m.exclusiveHolder = ""
		m.exclusiveID = ""
	}
}

// AllowCodeLoop consumes one token from the global code-loop rate limiter
// (shared by live and dry_run cycles, per spec.md §6's max_per_hour).
func (m *Manager) AllowCodeLoop() bool {
	return m.codeLoopLimiter.Allow()
}

// AllowClient consumes one token from clientID's per-client rate limiter,
// lazily creating it on first use.
func (m *Manager) AllowClient(clientID string) bool {
	m.mu.Lock()
	limiter, ok := m.clientLimiters[clientID]
	if !ok {
		limiter = rate.NewLimiter(m.clientLimit, m.clientBurst)
		m.clientLimiters[clientID] = limiter
	}
	m.mu.Unlock()
	return limiter.Allow()
}

// StartCodeLoop registers a new code-loop job for sourceRunID. If a code
// loop for the same source run already completed, the prior record is
// returned unchanged and started is false, so callers can short-circuit and
// hand back the cached artifact instead of running the gate twice. If one
// is still in flight, ConflictError-like behavior is signalled via started
// being false with a running record whose ArtifactID is empty.
func (m *Manager) StartCodeLoop(jobID, sourceRunID string) (record *CodeLoopRecord, started bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.codeLoopResults[sourceRunID]; ok {
		return existing, false
	}

	rec := &CodeLoopRecord{JobID: jobID, SourceRunID: sourceRunID, Status: CodeLoopStatusRunning}
	m.codeLoopResults[sourceRunID] = rec
	return rec, true
}

// FinishCodeLoop marks a code-loop job's idempotency record complete.
func (m *Manager) FinishCodeLoop(sourceRunID, artifactID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.codeLoopResults[sourceRunID]; ok {
		rec.Status = CodeLoopStatusDone
		rec.ArtifactID = artifactID
	}
}
