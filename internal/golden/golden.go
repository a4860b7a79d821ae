// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package golden runs the deterministic benchmark suite: a fixed set of
// items with pinned generation flags and seeds, scored through the same
// reward model as live runs, rolled up into per-item and aggregate KPIs.
package golden

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/AleutianAI/promptforge/internal/collab"
	"github.com/AleutianAI/promptforge/internal/model"
	"github.com/AleutianAI/promptforge/internal/reward"
)

// Runner executes golden items through a fixed generation engine and the
// shared reward model, so golden scores are directly comparable to the
// scores a live run would have produced for the same recipe.
type Runner struct {
	gen         collab.GenerationEngine
	rewardModel *reward.Model
}

// New builds a Runner.
func New(gen collab.GenerationEngine, rewardModel *reward.Model) *Runner {
	return &Runner{gen: gen, rewardModel: rewardModel}
}

// RecipeFor builds the pinned recipe for one golden item: base with the
// item's flags applied, so every golden run of the same item is comparable
// regardless of what a live run's bandit happened to be exploring.
func RecipeFor(base model.Recipe, item model.GoldenItem) model.Recipe {
	recipe := base
	recipe.UseWeb = item.Flags.Web
	recipe.RAGK = item.Flags.RAGK
	return recipe
}

// RunItem executes one golden item deterministically: fixed recipe, fixed
// seed, scored through the reward model.
func (r *Runner) RunItem(ctx context.Context, item model.GoldenItem, recipe model.Recipe) (model.GoldenItemResult, error) {
	genResult, err := r.gen.Generate(ctx, recipe, item.Task)
	if err != nil {
		return model.GoldenItemResult{}, fmt.Errorf("golden: generate item %s: %w", item.ID, err)
	}

	rc := reward.Context{
		Task:              item.Task,
		Assertions:        item.Assertions,
		Output:            genResult.Output,
		ExecutionTimeMs:   genResult.DurationMs,
		TokenUsage:        genResult.TokenUsage,
		ExpectedReference: item.Expected,
	}

	rng := rand.New(rand.NewSource(item.Seed))
	bd, err := r.rewardModel.Score(ctx, rc, rng.Float64(), rng.Float64(), rng.Float64())
	if err != nil {
		return model.GoldenItemResult{}, fmt.Errorf("golden: score item %s: %w", item.ID, err)
	}

	return model.GoldenItemResult{
		ItemID:        item.ID,
		OutcomeReward: bd.Outcome,
		ProcessReward: bd.Process,
		CostPenalty:   bd.CostPenalty,
		TotalReward:   bd.Total,
		Steps:         1,
		// Pass rate tracks whether assertions[] are fully satisfied, not an
		// outcome-reward cutoff.
		Passed: bd.AssertionsMet,
	}, nil
}

// RunSuite runs every item in order (golden runs are a benchmark, not a race
// — sequential execution keeps failures attributable to a single item) and
// aggregates the results. baseRecipe supplies every field RecipeFor doesn't
// pin from the item itself (system, nudge, temperature, engine, top_k).
func (r *Runner) RunSuite(ctx context.Context, items []model.GoldenItem, baseRecipe model.Recipe, modelID string) (model.GoldenResult, error) {
	results := make([]model.GoldenItemResult, 0, len(items))

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return model.GoldenResult{}, fmt.Errorf("golden: suite cancelled: %w", err)
		}
		res, err := r.RunItem(ctx, item, RecipeFor(baseRecipe, item))
		if err != nil {
			return model.GoldenResult{}, err
		}
		results = append(results, res)
	}

	return model.GoldenResult{
		ModelID:   modelID,
		Items:     results,
		Aggregate: Aggregate(results),
	}, nil
}

// Aggregate rolls up per-item results into the suite-level KPIs.
func Aggregate(results []model.GoldenItemResult) model.GoldenAggregate {
	if len(results) == 0 {
		return model.GoldenAggregate{}
	}

	var sumTotal, sumCost, sumSteps float64
	var passed int
	for _, r := range results {
		sumTotal += r.TotalReward
		sumCost += r.CostPenalty
		sumSteps += float64(r.Steps)
		if r.Passed {
			passed++
		}
	}

	n := float64(len(results))
	return model.GoldenAggregate{
		AvgTotalReward: sumTotal / n,
		AvgCostPenalty: sumCost / n,
		AvgSteps:       sumSteps / n,
		PassRate:       float64(passed) / n,
	}
}

// Regressed reports whether after's aggregate fell below before's by more
// than the given pass-rate and total-reward tolerances.
func Regressed(before, after model.GoldenAggregate, passRateTolerance, totalRewardTolerance float64) bool {
	if after.PassRate < before.PassRate-passRateTolerance {
		return true
	}
	if after.AvgTotalReward < before.AvgTotalReward-totalRewardTolerance {
		return true
	}
	return false
}
