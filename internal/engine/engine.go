// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine is the single entry point the transport layer (CLI, HTTP,
// RPC) talks to. It wires storage, the runner, the job manager, the event
// bus, the golden evaluator, and the code-loop gate into the operations
// named in spec.md §6: start_run, cancel_run, subscribe_events, get_run,
// get_variant, list_operator_stats, rate, run_golden, run_code_loop, and
// get_analytics_snapshot.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/promptforge/internal/bandit"
	"github.com/AleutianAI/promptforge/internal/codeloop"
	"github.com/AleutianAI/promptforge/internal/collab"
	"github.com/AleutianAI/promptforge/internal/config"
	"github.com/AleutianAI/promptforge/internal/eventbus"
	"github.com/AleutianAI/promptforge/internal/golden"
	"github.com/AleutianAI/promptforge/internal/jobmanager"
	"github.com/AleutianAI/promptforge/internal/model"
	"github.com/AleutianAI/promptforge/internal/operator"
	"github.com/AleutianAI/promptforge/internal/reward"
	"github.com/AleutianAI/promptforge/internal/runner"
	"github.com/AleutianAI/promptforge/internal/storage"
)

// ErrConfigInvalid is returned for any request-shaped error the engine can
// catch before a run is created (spec.md §7's ConfigError class).
var ErrConfigInvalid = errors.New("engine: invalid configuration")

// StartRunRequest is the caller-supplied portion of a new run.
type StartRunRequest struct {
	SessionID     string
	TaskClass     string
	Task          string
	Assertions    []string
	NTotal        int
	Strategy      model.Strategy
	Epsilon       float64
	FrameworkMask []model.Framework
	MemoryK       int
	RAGK          int
	Seed          int64
	BaseRecipe    *model.Recipe
}

// Engine is the process-wide runtime. One instance serves every caller.
type Engine struct {
	cfg     config.EngineConfig
	store   *storage.Store
	bus     *eventbus.Bus
	jobs    *jobmanager.Manager
	runner  *runner.Runner
	golden  *golden.Runner
	gate    *codeloop.Gate
	logger  *slog.Logger
	modelID string

	snapshotMu sync.Mutex
}

// Deps are the collaborators the engine wires into its runner/golden/gate.
// Retrievers and the code-loop collaborators may be nil: their absence
// narrows what operations are available, it does not make New fail.
type Deps struct {
	Gen         collab.GenerationEngine
	Judge       collab.JudgeEngine
	Embed       collab.EmbeddingFunc
	RAG         collab.RAGRetriever
	Memory      collab.MemoryRetriever
	Web         collab.WebSearcher
	Critic      codeloop.Critic
	Patcher     collab.Patcher
	Tester      collab.TestRunner
	JudgePools  [3]reward.JudgePool
	GoldenItems []model.GoldenItem
	ModelID     string
}

// New builds an Engine and starts its job manager's timeout supervisor.
func New(cfg config.EngineConfig, store *storage.Store, deps Deps, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	bus := eventbus.New(eventbus.Config{
		QueueSize:         cfg.EventBus.QueueSize,
		KeepAliveInterval: time.Duration(cfg.EventBus.KeepAliveIntervalSeconds) * time.Second,
		ReplayGrace:       time.Duration(cfg.EventBus.ReplayGraceSeconds) * time.Second,
	})

	jobs := jobmanager.New(jobmanager.Config{
		CodeLoopMaxPerHour: cfg.CodeLoop.MaxPerHour,
		Logger:             logger,
	})

	rewardModel := reward.New(cfg.Reward, deps.Judge, deps.Embed, deps.JudgePools[0], deps.JudgePools[1], deps.JudgePools[2])

	rn := runner.New(store, bus, rewardModel, deps.Gen, deps.RAG, deps.Memory, deps.Web, runner.Config{
		GenerationTimeout: time.Duration(cfg.Run.GenerationTimeoutSeconds) * time.Second,
		JudgeTimeout:      time.Duration(cfg.Run.JudgeTimeoutSeconds) * time.Second,
	}, nil)

	goldenRunner := golden.New(deps.Gen, rewardModel)

	var gate *codeloop.Gate
	if deps.Critic != nil && deps.Patcher != nil && deps.Tester != nil {
		gate = codeloop.New(deps.Critic, deps.Patcher, deps.Tester, goldenRunner, store, deps.GoldenItems, operator.DefaultRecipe(), deps.ModelID)
	}

	return &Engine{
		cfg:     cfg,
		store:   store,
		bus:     bus,
		jobs:    jobs,
		runner:  rn,
		golden:  goldenRunner,
		gate:    gate,
		logger:  logger,
		modelID: deps.ModelID,
	}
}

// Shutdown stops the job manager's supervisor and the event bus's keep-alive
// loops. Intended for process exit.
func (e *Engine) Shutdown() {
	e.jobs.Shutdown()
	e.bus.Shutdown()
}

// NormalizeTaskClass lowercases and collapses whitespace in a caller-supplied
// task class so "Code Review", "code review", and "code  review" land on the
// same bandit arm family.
func NormalizeTaskClass(taskClass string) string {
	return strings.Join(strings.Fields(strings.ToLower(taskClass)), " ")
}

// StartRun validates req, persists a new Run, registers it with the job
// manager, and launches its iteration loop in the background. It returns as
// soon as the run is created; callers follow progress via SubscribeEvents.
func (e *Engine) StartRun(ctx context.Context, req StartRunRequest) (model.Run, error) {
	if strings.TrimSpace(req.TaskClass) == "" || strings.TrimSpace(req.Task) == "" {
		return model.Run{}, fmt.Errorf("%w: task_class and task are required", ErrConfigInvalid)
	}
	if req.NTotal <= 0 {
		req.NTotal = e.cfg.Run.NDefault
	}
	if req.Strategy == "" {
		req.Strategy = model.Strategy(e.cfg.Bandit.Strategy)
	}
	if req.Epsilon <= 0 {
		req.Epsilon = e.cfg.Bandit.Epsilon
	}
	if req.Seed == 0 {
		req.Seed = time.Now().UnixNano()
	}

	allowedOps := allowedOperators(req.FrameworkMask)
	if len(allowedOps) == 0 {
		return model.Run{}, fmt.Errorf("%w: framework_mask excludes every operator", ErrConfigInvalid)
	}

	run := model.Run{
		SessionID:           req.SessionID,
		TaskClass:           req.TaskClass,
		NormalizedTaskClass: NormalizeTaskClass(req.TaskClass),
		Task:                req.Task,
		Assertions:          req.Assertions,
		NTotal:              req.NTotal,
		Strategy:            req.Strategy,
		Epsilon:             req.Epsilon,
		FrameworkMask:       req.FrameworkMask,
		MemoryK:             req.MemoryK,
		RAGK:                req.RAGK,
		Seed:                req.Seed,
		Status:              model.RunStatusRunning,
		RewardWeights: model.RewardWeights{
			Alpha: e.cfg.Reward.Alpha,
			Beta:  e.cfg.Reward.BetaProcess,
			Gamma: e.cfg.Reward.GammaCost,
		},
	}

	run, err := e.store.CreateRun(ctx, run)
	if err != nil {
		return model.Run{}, fmt.Errorf("engine: creating run: %w", err)
	}

	baseRecipe := operator.DefaultRecipe()
	if req.BaseRecipe != nil {
		baseRecipe = *req.BaseRecipe
	}
	baseRecipe.MemoryK = req.MemoryK
	baseRecipe.RAGK = req.RAGK

	banditCfg := bandit.Config{
		Strategy:              bandit.Strategy(run.Strategy),
		Epsilon:               run.Epsilon,
		UCBC:                  e.cfg.Bandit.UCBC,
		WarmStartMinPulls:     e.cfg.Bandit.WarmStartMinPulls,
		StratifiedExploration: e.cfg.Bandit.StratifiedExploration,
	}

	runCtx, cancel := context.WithCancel(context.Background())
	var timeout time.Duration
	if e.cfg.Run.RunTimeoutSeconds > 0 {
		timeout = time.Duration(e.cfg.Run.RunTimeoutSeconds) * time.Second
	}
	e.jobs.RegisterRun(run.RunID, cancel, timeout)

	go func() {
		defer e.jobs.UnregisterRun(run.RunID)
		e.runner.Execute(runCtx, run, allowedOps, banditCfg, baseRecipe)
	}()

	return run, nil
}

// allowedOperators restricts the catalog to operators whose framework is in
// mask. An empty mask allows every operator.
func allowedOperators(mask []model.Framework) []operator.Name {
	if len(mask) == 0 {
		return operator.All
	}
	allow := map[model.Framework]bool{}
	for _, fw := range mask {
		allow[fw] = true
	}
	var out []operator.Name
	for _, op := range operator.All {
		if allow[operator.FrameworkOf(op)] {
			out = append(out, op)
		}
	}
	return out
}

// CancelRun requests cancellation of an in-flight run. Returns false if no
// such run is currently registered (already finished, or never existed).
func (e *Engine) CancelRun(runID string) bool {
	return e.jobs.CancelRun(runID)
}

// SubscribeEvents attaches a live subscription to runID's event stream. The
// subscription closes automatically when ctx is done.
func (e *Engine) SubscribeEvents(ctx context.Context, runID string) *eventbus.Subscription {
	return e.bus.Subscribe(ctx, runID)
}

// GetRun fetches a run's current record.
func (e *Engine) GetRun(ctx context.Context, runID string) (model.Run, error) {
	return e.store.GetRun(ctx, runID)
}

// GetVariant fetches one variant of a run.
func (e *Engine) GetVariant(ctx context.Context, runID, variantID string) (model.Variant, error) {
	return e.store.GetVariant(ctx, runID, variantID)
}

// ListVariants fetches every variant of a run.
func (e *Engine) ListVariants(ctx context.Context, runID string) ([]model.Variant, error) {
	return e.store.ListVariants(ctx, runID)
}

// ListOperatorStats fetches the bandit arm statistics for a task class, keyed
// by the normalized form so callers don't need to replicate NormalizeTaskClass.
func (e *Engine) ListOperatorStats(ctx context.Context, taskClass string) ([]model.OperatorStat, error) {
	return e.store.ListOperatorStats(ctx, NormalizeTaskClass(taskClass))
}

// Rate attaches human feedback to a variant and sets that arm's bandit bias
// to (score-5.5)/10, so future selection reflects the human signal without
// waiting for the next golden pass.
func (e *Engine) Rate(ctx context.Context, runID string, rating model.HumanRating) error {
	if rating.Score < 1 || rating.Score > 10 {
		return fmt.Errorf("%w: rating score must be in [1,10]", ErrConfigInvalid)
	}
	if rating.CreatedAt.IsZero() {
		rating.CreatedAt = time.Now().UTC()
	}
	if err := e.store.InsertRating(ctx, runID, rating); err != nil {
		return err
	}

	variant, err := e.store.GetVariant(ctx, runID, rating.VariantID)
	if err != nil {
		return nil
	}
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil
	}

	bias := (float64(rating.Score) - 5.5) / 10.0
	_, _ = e.store.SetHumanFeedbackBias(ctx, run.NormalizedTaskClass, variant.Operator, bias)
	return nil
}

// RunGolden executes the deterministic benchmark suite under the job
// manager's exclusivity lock (mutually exclusive with a code-loop cycle) and
// persists the result.
func (e *Engine) RunGolden(ctx context.Context, items []model.GoldenItem, baseRecipe model.Recipe) (model.GoldenResult, error) {
	jobID := uuid.NewString()
	if err := e.jobs.AcquireExclusive(jobmanager.JobTypeGolden, jobID); err != nil {
		return model.GoldenResult{}, err
	}
	defer e.jobs.ReleaseExclusive(jobID)

	result, err := e.golden.RunSuite(ctx, items, baseRecipe, e.modelID)
	if err != nil {
		return model.GoldenResult{}, err
	}
	return e.store.InsertGoldenResult(ctx, result)
}

// ErrCodeLoopUnavailable is returned by RunCodeLoop when the engine was built
// without a critic/patcher/tester triple.
var ErrCodeLoopUnavailable = errors.New("engine: code-loop gate not configured")

// RunCodeLoop runs one gated self-edit cycle for sourceRunID. It enforces the
// job manager's rate limit, exclusivity lock, and per-source idempotency
// before delegating to the gate.
func (e *Engine) RunCodeLoop(ctx context.Context, sourceRunID string, mode model.CodeLoopMode) (model.CodeLoopArtifact, error) {
	if e.gate == nil {
		return model.CodeLoopArtifact{}, ErrCodeLoopUnavailable
	}
	if !e.jobs.AllowCodeLoop() {
		return model.CodeLoopArtifact{}, fmt.Errorf("engine: code-loop rate limit exceeded")
	}

	jobID := uuid.NewString()
	record, started := e.jobs.StartCodeLoop(jobID, sourceRunID)
	if !started {
		if record.Status == jobmanager.CodeLoopStatusDone {
			return e.findCodeLoopArtifact(ctx, record.ArtifactID)
		}
		return model.CodeLoopArtifact{}, fmt.Errorf("engine: code-loop for run %s already in flight", sourceRunID)
	}

	if err := e.jobs.AcquireExclusive(jobmanager.JobTypeCodeLoop, jobID); err != nil {
		return model.CodeLoopArtifact{}, err
	}
	defer e.jobs.ReleaseExclusive(jobID)

	thresholds := codeloop.BuildThresholds(e.cfg.CodeLoop, e.cfg.Promotion)

	artifact, err := e.gate.Run(ctx, sourceRunID, mode, thresholds)
	if err != nil {
		return model.CodeLoopArtifact{}, err
	}
	e.jobs.FinishCodeLoop(sourceRunID, artifact.LoopID)
	return artifact, nil
}

// findCodeLoopArtifact scans the recorded artifacts for loopID. The store
// keeps no secondary index by id since code-loop cycles are rare enough
// that a full scan of recent artifacts is cheap.
func (e *Engine) findCodeLoopArtifact(ctx context.Context, loopID string) (model.CodeLoopArtifact, error) {
	artifacts, err := e.store.ListCodeLoopArtifacts(ctx)
	if err != nil {
		return model.CodeLoopArtifact{}, err
	}
	for _, a := range artifacts {
		if a.LoopID == loopID {
			return a, nil
		}
	}
	return model.CodeLoopArtifact{}, fmt.Errorf("engine: code-loop artifact %s not found", loopID)
}

// GetAnalyticsSnapshot returns the cached roll-up for window, computing and
// caching a fresh one if none is present or the cached copy has expired.
// A caller that finds a fresh cached copy returns it without locking; callers
// that miss serialize on a mutex so only one of them recomputes.
func (e *Engine) GetAnalyticsSnapshot(ctx context.Context, window model.AnalyticsWindow) (model.AnalyticsSnapshot, error) {
	cached, err := e.store.SnapshotGet(ctx, window)
	ttl := time.Duration(e.cfg.Analytics.SnapshotTTLSeconds) * time.Second
	if err == nil && time.Since(cached.CreatedAt) < ttl {
		return cached, nil
	}

	e.snapshotMu.Lock()
	defer e.snapshotMu.Unlock()

	cached, err = e.store.SnapshotGet(ctx, window)
	if err == nil && time.Since(cached.CreatedAt) < ttl {
		return cached, nil
	}

	snapshot, err := e.computeSnapshot(ctx, window)
	if err != nil {
		return model.AnalyticsSnapshot{}, err
	}
	if err := e.store.SnapshotPut(ctx, snapshot); err != nil {
		return model.AnalyticsSnapshot{}, err
	}
	return snapshot, nil
}

// computeSnapshot rolls up operator stats across every task class. A richer
// implementation would also scan runs/variants within window's time range;
// this covers what the storage layer can answer without a table scan.
func (e *Engine) computeSnapshot(ctx context.Context, window model.AnalyticsWindow) (model.AnalyticsSnapshot, error) {
	totals := map[string]float64{}
	series := map[string][]float64{}

	stats, err := e.store.ListOperatorStats(ctx, "")
	if err != nil {
		return model.AnalyticsSnapshot{}, err
	}
	for _, st := range stats {
		totals["pulls"] += float64(st.Pulls)
		series["mean_reward_by_operator"] = append(series["mean_reward_by_operator"], st.MeanReward)
	}

	return model.AnalyticsSnapshot{
		Window:    window,
		Totals:    totals,
		Series:    series,
		Meta:      map[string]string{"model_id": e.modelID},
		CreatedAt: time.Now().UTC(),
	}, nil
}
