// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package runner drives one run's iteration loop: select an operator,
// generate, score, persist, update the bandit arm, repeat. It owns every
// PRNG the run touches so the whole sequence is reproducible from a single
// seed, and it is the only writer of its own run's state.
package runner

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/promptforge/internal/bandit"
	"github.com/AleutianAI/promptforge/internal/collab"
	"github.com/AleutianAI/promptforge/internal/eventbus"
	"github.com/AleutianAI/promptforge/internal/model"
	"github.com/AleutianAI/promptforge/internal/operator"
	"github.com/AleutianAI/promptforge/internal/reward"
	"github.com/AleutianAI/promptforge/internal/storage"
)

// Config carries the generation/judge deadlines from spec.md §6's Run
// section. Zero values fall back to the spec's documented defaults.
type Config struct {
	GenerationTimeout time.Duration
	JudgeTimeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.GenerationTimeout <= 0 {
		c.GenerationTimeout = 180 * time.Second
	}
	if c.JudgeTimeout <= 0 {
		c.JudgeTimeout = 60 * time.Second
	}
	return c
}

// costBaseline is a per-task-class rolling mean of observed iteration cost,
// consulted by the reward model so cost_penalty is relative to what this
// task class actually costs rather than a single global constant.
type costBaseline struct {
	mu    sync.Mutex
	stats map[string]*baselineStat
}

type baselineStat struct {
	count  int64
	sumMs  float64
	sumTok float64
}

func newCostBaseline() *costBaseline {
	return &costBaseline{stats: map[string]*baselineStat{}}
}

func (b *costBaseline) snapshot(taskClass string) (meanMs, meanTok float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.stats[taskClass]
	if !ok || st.count == 0 {
		return 0, 0
	}
	return st.sumMs / float64(st.count), st.sumTok / float64(st.count)
}

func (b *costBaseline) observe(taskClass string, ms, tok float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.stats[taskClass]
	if !ok {
		st = &baselineStat{}
		b.stats[taskClass] = st
	}
	st.count++
	st.sumMs += ms
	st.sumTok += tok
}

// Runner executes the iteration loop for runs handed to it by the engine.
type Runner struct {
	store        *storage.Store
	bus          *eventbus.Bus
	rewardModel  *reward.Model
	gen          collab.GenerationEngine
	rag          collab.RAGRetriever
	memory       collab.MemoryRetriever
	web          collab.WebSearcher
	cfg          Config
	baselines    *costBaseline
	metrics      *Metrics
}

// New builds a Runner. rag/memory/web may be nil; a nil retriever is treated
// as "no snippets available" rather than an error. metrics may be nil, in
// which case DefaultMetrics() is used.
func New(store *storage.Store, bus *eventbus.Bus, rewardModel *reward.Model, gen collab.GenerationEngine, rag collab.RAGRetriever, memory collab.MemoryRetriever, web collab.WebSearcher, cfg Config, metrics *Metrics) *Runner {
	if metrics == nil {
		metrics = DefaultMetrics()
	}
	return &Runner{
		store:       store,
		bus:         bus,
		rewardModel: rewardModel,
		gen:         gen,
		rag:         rag,
		memory:      memory,
		web:         web,
		cfg:         cfg.withDefaults(),
		baselines:   newCostBaseline(),
		metrics:     metrics,
	}
}

// Execute drives run to completion or cancellation, publishing every event
// in spec.md §4.F and persisting every variant along the way. It returns
// only once the run has reached a terminal status.
func (r *Runner) Execute(ctx context.Context, run model.Run, allowedOps []operator.Name, banditCfg bandit.Config, baseRecipe model.Recipe) {
	opRNG := rand.New(rand.NewSource(run.Seed))
	judgeRNG := rand.New(rand.NewSource(run.Seed + 1))
	selector := bandit.New(banditCfg, run.Seed+2)

	recipe := baseRecipe
	var bestScore float64
	var bestVariantID string
	haveBest := false

	for i := 0; i < run.NTotal; i++ {
		if ctx.Err() != nil {
			r.finishCancelled(ctx, run, bestVariantID, bestScore, haveBest)
			return
		}

		history, err := r.historySnapshot(ctx, run.NormalizedTaskClass, allowedOps)
		if err != nil {
			r.finishError(ctx, run, fmt.Errorf("runner: loading arm history: %w", err))
			return
		}

		chosenOp := selector.Select(allowedOps, history)
		r.publish(run.RunID, eventbus.KindIterSelected, map[string]any{"i": i, "operator": string(chosenOp)})

		iterRecipe := operator.Apply(chosenOp, recipe, opRNG)

		variant, ok := r.runIteration(ctx, run, i, chosenOp, iterRecipe, judgeRNG)
		if !ok {
			continue
		}

		if !haveBest || variant.TotalReward > bestScore {
			bestScore, bestVariantID, haveBest = variant.TotalReward, variant.VariantID, true
		}
	}

	if haveBest {
		variant, err := r.store.GetVariant(ctx, run.RunID, bestVariantID)
		if err == nil {
			variant.IsBest = true
			_, _ = r.store.SaveVariant(ctx, variant)
		}
	}

	var bs *float64
	if haveBest {
		bs = &bestScore
	}
	if err := r.store.FinishRun(ctx, run.RunID, model.RunStatusComplete, bestVariantID, bs, ""); err != nil {
		r.finishError(ctx, run, fmt.Errorf("runner: finishing run: %w", err))
		return
	}
	r.publish(run.RunID, eventbus.KindDone, map[string]any{"status": model.RunStatusComplete, "best_variant_id": bestVariantID, "best_score": bs})
}

// runIteration runs steps 2-5 of spec.md §4.E's pseudocode for one
// iteration. ok is false if the iteration failed and must not update the
// bandit arm (no reward observation).
func (r *Runner) runIteration(ctx context.Context, run model.Run, i int, op operator.Name, recipe model.Recipe, judgeRNG *rand.Rand) (model.Variant, bool) {
	r.publish(run.RunID, eventbus.KindIterGenStart, map[string]any{"i": i})

	prompt := r.buildPrompt(ctx, run, recipe)

	genCtx, cancel := context.WithTimeout(ctx, r.cfg.GenerationTimeout)
	genResult, err := r.gen.Generate(genCtx, recipe, prompt)
	cancel()
	if err != nil {
		r.metrics.IterationsTotal.WithLabelValues(run.NormalizedTaskClass, string(op), "error").Inc()
		r.publish(run.RunID, eventbus.KindIterError, map[string]any{"i": i, "reason": err.Error()})
		return model.Variant{}, false
	}
	r.metrics.IterationDuration.WithLabelValues(run.NormalizedTaskClass, string(op)).Observe(float64(genResult.DurationMs) / 1000.0)
	r.publish(run.RunID, eventbus.KindIterGenDone, map[string]any{"i": i, "duration_ms": genResult.DurationMs, "prompt_length": len(prompt)})

	r.publish(run.RunID, eventbus.KindIterScoreStart, map[string]any{"i": i})

	baselineMs, baselineTok := r.baselines.snapshot(run.NormalizedTaskClass)
	rc := reward.Context{
		Task:               run.Task,
		Assertions:         run.Assertions,
		Output:             genResult.Output,
		Operator:           string(op),
		ExecutionTimeMs:    genResult.DurationMs,
		TokenUsage:         genResult.TokenUsage,
		ToolCalls:          genResult.ToolCalls,
		TaskBaselineTimeMs: baselineMs,
		TaskBaselineTokens: baselineTok,
	}

	judgeCtx, jcancel := context.WithTimeout(ctx, r.cfg.JudgeTimeout)
	bd, err := r.rewardModel.Score(judgeCtx, rc, judgeRNG.Float64(), judgeRNG.Float64(), judgeRNG.Float64())
	jcancel()
	if err != nil {
		r.metrics.IterationsTotal.WithLabelValues(run.NormalizedTaskClass, string(op), "error").Inc()
		r.publish(run.RunID, eventbus.KindIterError, map[string]any{"i": i, "reason": err.Error()})
		return model.Variant{}, false
	}
	if !reward.IsSane(bd.Outcome) || !reward.IsSane(bd.Process) || !reward.IsSane(bd.CostPenalty) || !reward.IsSane(bd.Total) {
		r.metrics.IterationsTotal.WithLabelValues(run.NormalizedTaskClass, string(op), "error").Inc()
		r.publish(run.RunID, eventbus.KindIterError, map[string]any{"i": i, "reason": "non-finite reward"})
		return model.Variant{}, false
	}
	bd = sanitizeBreakdown(bd)

	r.publish(run.RunID, eventbus.KindIterScoreDone, map[string]any{"i": i, "total_reward": bd.Total, "judge_info": bd.JudgeInfo})

	variant := model.Variant{
		RunID:          run.RunID,
		IterationIndex: i,
		Operator:       string(op),
		Recipe:         recipe,
		PromptLength:   len(prompt),
		Output:         genResult.Output,
		DurationMs:     genResult.DurationMs,
		OutcomeReward:  bd.Outcome,
		ProcessReward:  bd.Process,
		CostPenalty:    bd.CostPenalty,
		TotalReward:    bd.Total,
		JudgeInfo:      bd.JudgeInfo,
	}
	saved, err := r.store.SaveVariant(ctx, variant)
	if err != nil {
		r.publish(run.RunID, eventbus.KindIterError, map[string]any{"i": i, "reason": err.Error()})
		return model.Variant{}, false
	}

	if _, err := r.store.UpdateOperatorStat(ctx, run.NormalizedTaskClass, string(op), saved.TotalReward); err != nil {
		r.publish(run.RunID, eventbus.KindIterError, map[string]any{"i": i, "reason": err.Error()})
		return model.Variant{}, false
	}

	totalTokens := float64(genResult.TokenUsage.Input + genResult.TokenUsage.Output)
	r.baselines.observe(run.NormalizedTaskClass, float64(genResult.DurationMs), totalTokens)

	r.metrics.IterationsTotal.WithLabelValues(run.NormalizedTaskClass, string(op), "success").Inc()
	r.metrics.RewardObserved.WithLabelValues(run.NormalizedTaskClass, string(op)).Observe(saved.TotalReward)
	r.publish(run.RunID, eventbus.KindIterSaved, map[string]any{"i": i, "variant_id": saved.VariantID})

	return saved, true
}

// buildPrompt splices retrieved memory/RAG/web snippets into the task text
// when the recipe's flags call for them. A retriever failure is non-fatal:
// the iteration proceeds on the task text alone.
func (r *Runner) buildPrompt(ctx context.Context, run model.Run, recipe model.Recipe) string {
	var sections []string
	sections = append(sections, run.Task)

	if recipe.RAGK > 0 && r.rag != nil {
		if snippets, err := r.rag.Retrieve(ctx, run.Task, recipe.RAGK); err == nil && len(snippets) > 0 {
			sections = append(sections, "Relevant context:\n"+strings.Join(snippets, "\n"))
		}
	}
	if recipe.MemoryK > 0 && r.memory != nil {
		if snippets, err := r.memory.Retrieve(ctx, run.SessionID, recipe.MemoryK); err == nil && len(snippets) > 0 {
			sections = append(sections, "Session memory:\n"+strings.Join(snippets, "\n"))
		}
	}
	if recipe.UseWeb && r.web != nil {
		if snippets, err := r.web.Search(ctx, run.Task); err == nil && len(snippets) > 0 {
			sections = append(sections, "Web research:\n"+strings.Join(snippets, "\n"))
		}
	}

	return strings.Join(sections, "\n\n")
}

// historySnapshot loads current arm statistics for every allowed operator so
// the bandit selector sees a consistent view for this iteration.
func (r *Runner) historySnapshot(ctx context.Context, taskClass string, allowedOps []operator.Name) (bandit.HistorySnapshot, error) {
	snapshot := bandit.HistorySnapshot{}
	for _, op := range allowedOps {
		stat, err := r.store.GetOperatorStat(ctx, taskClass, string(op))
		if err != nil {
			return nil, err
		}
		snapshot[op] = bandit.ArmStats{
			Pulls:             stat.Pulls,
			MeanReward:        stat.MeanReward,
			HumanFeedbackBias: stat.HumanFeedbackBias,
		}
	}
	return snapshot, nil
}

func (r *Runner) publish(runID string, kind eventbus.Kind, payload any) {
	_ = r.bus.Publish(runID, kind, payload)
}

func (r *Runner) finishError(ctx context.Context, run model.Run, err error) {
	_ = r.store.FinishRun(context.WithoutCancel(ctx), run.RunID, model.RunStatusError, "", nil, err.Error())
	r.publish(run.RunID, eventbus.KindError, map[string]any{"reason": err.Error()})
}

func (r *Runner) finishCancelled(ctx context.Context, run model.Run, bestVariantID string, bestScore float64, haveBest bool) {
	var bs *float64
	if haveBest {
		bs = &bestScore
	}
	// ctx is already cancelled here; the terminal write must not inherit that.
	_ = r.store.FinishRun(context.WithoutCancel(ctx), run.RunID, model.RunStatusCancelled, bestVariantID, bs, "cancelled")
	r.publish(run.RunID, eventbus.KindDone, map[string]any{"status": model.RunStatusCancelled, "reason": "cancelled"})
}

// sanitizeBreakdown coerces NaN/Inf components to zero per spec.md §4.E's
// numeric semantics: these are never persisted.
func sanitizeBreakdown(bd reward.Breakdown) reward.Breakdown {
	bd.Outcome = sanitize(bd.Outcome)
	bd.Process = sanitize(bd.Process)
	bd.CostPenalty = sanitize(bd.CostPenalty)
	bd.Total = sanitize(bd.Total)
	return bd
}

func sanitize(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

// NewVariantID is exposed for callers that need the same id scheme storage
// assigns (a random UUID string).
func NewVariantID() string {
	return uuid.NewString()
}
