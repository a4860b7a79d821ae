// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package golden

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/promptforge/internal/collab"
	"github.com/AleutianAI/promptforge/internal/config"
	"github.com/AleutianAI/promptforge/internal/model"
	"github.com/AleutianAI/promptforge/internal/reward"
)

type fakeGen struct {
	output string
}

func (f fakeGen) Generate(ctx context.Context, recipe model.Recipe, prompt string) (collab.GenerationResult, error) {
	return collab.GenerationResult{Output: f.output, DurationMs: 500}, nil
}

type fakeJudge struct{ score float64 }

func (f fakeJudge) Judge(ctx context.Context, modelID, task, output string) (collab.JudgeResult, error) {
	return collab.JudgeResult{Score: f.score}, nil
}

type fakeEmbed struct{}

func (fakeEmbed) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0}, nil
}

func newTestRunner(score float64) *Runner {
	cfg := config.DefaultConfig().Reward
	rm := reward.New(cfg, fakeJudge{score: score}, fakeEmbed{},
		reward.JudgePool{Models: []string{"a"}, Weights: []float64{1}},
		reward.JudgePool{Models: []string{"b"}, Weights: []float64{1}},
		reward.JudgePool{Models: []string{"c"}, Weights: []float64{1}},
	)
	return New(fakeGen{output: "the answer"}, rm)
}

func TestRunItemDeterministicAcrossRepeatedCalls(t *testing.T) {
	r := newTestRunner(0.8)
	item := model.GoldenItem{ID: "item-1", Task: "do the thing", Seed: 42}

	first, err := r.RunItem(context.Background(), item, RecipeFor(model.Recipe{}, item))
	require.NoError(t, err)
	second, err := r.RunItem(context.Background(), item, RecipeFor(model.Recipe{}, item))
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestRunItemPassesWhenAssertionsSatisfied(t *testing.T) {
	r := newTestRunner(0.9)
	item := model.GoldenItem{ID: "item-1", Task: "t", Seed: 1, Assertions: []string{"the answer"}}

	res, err := r.RunItem(context.Background(), item, RecipeFor(model.Recipe{}, item))
	require.NoError(t, err)
	assert.True(t, res.Passed)
}

func TestRunItemFailsWhenAssertionsUnsatisfied(t *testing.T) {
	r := newTestRunner(0.9)
	item := model.GoldenItem{ID: "item-1", Task: "t", Seed: 1, Assertions: []string{"something the output never says"}}

	res, err := r.RunItem(context.Background(), item, RecipeFor(model.Recipe{}, item))
	require.NoError(t, err)
	assert.False(t, res.Passed)
}

func TestRecipeForPinsFlags(t *testing.T) {
	item := model.GoldenItem{Flags: model.GoldenFlags{Web: true, RAGK: 5}}
	recipe := RecipeFor(model.Recipe{UseWeb: false, RAGK: 0, Temperature: 0.7}, item)

	assert.True(t, recipe.UseWeb)
	assert.Equal(t, 5, recipe.RAGK)
	assert.Equal(t, 0.7, recipe.Temperature)
}

func TestRunSuiteAggregatesPassRate(t *testing.T) {
	r := newTestRunner(0.9)
	items := []model.GoldenItem{
		{ID: "a", Task: "t1", Seed: 1},
		{ID: "b", Task: "t2", Seed: 2},
	}

	result, err := r.RunSuite(context.Background(), items, model.Recipe{}, "model-x")
	require.NoError(t, err)
	assert.Len(t, result.Items, 2)
	assert.Equal(t, 1.0, result.Aggregate.PassRate)
	assert.Equal(t, "model-x", result.ModelID)
}

func TestAggregateEmptyResultsIsZeroValue(t *testing.T) {
	assert.Equal(t, model.GoldenAggregate{}, Aggregate(nil))
}

func TestRegressedDetectsPassRateDrop(t *testing.T) {
	before := model.GoldenAggregate{PassRate: 0.9, AvgTotalReward: 0.5}
	after := model.GoldenAggregate{PassRate: 0.7, AvgTotalReward: 0.5}
	assert.True(t, Regressed(before, after, 0.05, 0.05))
}

func TestRegressedToleratesSmallDrop(t *testing.T) {
	before := model.GoldenAggregate{PassRate: 0.9, AvgTotalReward: 0.5}
	after := model.GoldenAggregate{PassRate: 0.88, AvgTotalReward: 0.49}
	assert.False(t, Regressed(before, after, 0.05, 0.05))
}
