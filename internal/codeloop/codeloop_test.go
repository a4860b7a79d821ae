// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package codeloop

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/promptforge/internal/collab"
	"github.com/AleutianAI/promptforge/internal/config"
	"github.com/AleutianAI/promptforge/internal/golden"
	"github.com/AleutianAI/promptforge/internal/model"
	"github.com/AleutianAI/promptforge/internal/reward"
	"github.com/AleutianAI/promptforge/internal/storage"
)

const validGoEdit = `--- a/internal/foo/foo.go
+++ b/internal/foo/foo.go
@@ -1,1 +1,2 @@
 package foo
+// codeloop test edit
`

const invalidGoEdit = `--- a/internal/foo/foo.go
+++ b/internal/foo/foo.go
@@ -1,1 +1,2 @@
 package foo
+func broken( {
`

type fakeGen struct{ output string }

func (f fakeGen) Generate(ctx context.Context, recipe model.Recipe, prompt string) (collab.GenerationResult, error) {
	return collab.GenerationResult{Output: f.output, DurationMs: 10}, nil
}

type fakeJudge struct{ score float64 }

func (f fakeJudge) Judge(ctx context.Context, modelID, task, output string) (collab.JudgeResult, error) {
	return collab.JudgeResult{Score: f.score}, nil
}

type fakeEmbed struct{}

func (fakeEmbed) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0}, nil
}

func newTestGolden(t *testing.T) *golden.Runner {
	t.Helper()
	cfg := config.DefaultConfig().Reward
	rm := reward.New(cfg, fakeJudge{score: 0.8}, fakeEmbed{},
		reward.JudgePool{Models: []string{"a"}, Weights: []float64{1}},
		reward.JudgePool{Models: []string{"b"}, Weights: []float64{1}},
		reward.JudgePool{Models: []string{"c"}, Weights: []float64{1}},
	)
	return golden.New(fakeGen{output: "answer"}, rm)
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	db, err := storage.Open(storage.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return storage.NewStore(db)
}

type fakeCritic struct {
	diffs []string
	calls int
}

func (f *fakeCritic) Name() string { return "fake-critic" }

func (f *fakeCritic) Propose(ctx context.Context, priorDiffs []string) (collab.EditsPackage, error) {
	if f.calls >= len(f.diffs) {
		return collab.EditsPackage{}, nil
	}
	d := f.diffs[f.calls]
	f.calls++
	return collab.EditsPackage{Description: "test edit", Diff: d}, nil
}

type fakePatcher struct {
	applyCalls []string
	ok         bool
}

func (f *fakePatcher) Apply(ctx context.Context, edits collab.EditsPackage) (collab.PatchResult, error) {
	f.applyCalls = append(f.applyCalls, edits.Diff)
	files, _, err := diffStats(edits.Diff)
	if err != nil {
		return collab.PatchResult{}, err
	}
	return collab.PatchResult{OK: f.ok, Diffs: edits.Diff, TouchedFiles: files}, nil
}

type fakeTester struct {
	outcome collab.TestOutcome
}

func (f fakeTester) Run(ctx context.Context) (collab.TestOutcome, error) {
	return f.outcome, nil
}

func baseItems() []model.GoldenItem {
	return []model.GoldenItem{{ID: "item-1", Task: "do the thing", Seed: 1}}
}

func TestBuildThresholdsConservativeTightens(t *testing.T) {
	codeCfg := config.DefaultConfig().CodeLoop
	promCfg := config.DefaultConfig().Promotion
	codeCfg.GuardPreset = PresetConservative

	got := BuildThresholds(codeCfg, promCfg)
	assert.Greater(t, got.DeltaRewardMin, promCfg.DeltaRewardMin)
	assert.Less(t, got.CostRatioMax, promCfg.CostRatioMax)
	assert.GreaterOrEqual(t, got.GoldenPassRateTarget, codeCfg.GoldenPassRateTarget)
}

func TestBuildThresholdsPermissiveLoosens(t *testing.T) {
	codeCfg := config.DefaultConfig().CodeLoop
	promCfg := config.DefaultConfig().Promotion
	codeCfg.GuardPreset = PresetPermissive

	got := BuildThresholds(codeCfg, promCfg)
	assert.Less(t, got.DeltaRewardMin, promCfg.DeltaRewardMin)
	assert.Greater(t, got.CostRatioMax, promCfg.CostRatioMax)
	assert.Less(t, got.GoldenPassRateTarget, codeCfg.GoldenPassRateTarget)
}

func TestBuildThresholdsModerateIsUnchanged(t *testing.T) {
	codeCfg := config.DefaultConfig().CodeLoop
	promCfg := config.DefaultConfig().Promotion
	codeCfg.GuardPreset = PresetModerate

	got := BuildThresholds(codeCfg, promCfg)
	assert.Equal(t, promCfg.DeltaRewardMin, got.DeltaRewardMin)
	assert.Equal(t, promCfg.CostRatioMax, got.CostRatioMax)
	assert.Equal(t, codeCfg.GoldenPassRateTarget, got.GoldenPassRateTarget)
}

func TestAcceptRequiresAllCriteria(t *testing.T) {
	g := &Gate{}
	thresholds := model.CodeLoopThresholds{DeltaRewardMin: 0.05, CostRatioMax: 0.9, GoldenPassRateTarget: 0.8}

	passingTests := model.CodeLoopTests{Passed: true}
	failingTests := model.CodeLoopTests{Passed: false}

	before := model.GoldenAggregate{AvgTotalReward: 0.5, AvgCostPenalty: 1.0, PassRate: 0.9}

	goodAfter := model.GoldenAggregate{AvgTotalReward: 0.6, AvgCostPenalty: 0.8, PassRate: 0.9}
	assert.True(t, g.accept(before, goodAfter, passingTests, thresholds))

	assert.False(t, g.accept(before, goodAfter, failingTests, thresholds))

	lowDelta := model.GoldenAggregate{AvgTotalReward: 0.51, AvgCostPenalty: 0.8, PassRate: 0.9}
	assert.False(t, g.accept(before, lowDelta, passingTests, thresholds))

	expensiveAfter := model.GoldenAggregate{AvgTotalReward: 0.6, AvgCostPenalty: 0.95, PassRate: 0.9}
	assert.False(t, g.accept(before, expensiveAfter, passingTests, thresholds))

	regressedPassRate := model.GoldenAggregate{AvgTotalReward: 0.6, AvgCostPenalty: 0.8, PassRate: 0.5}
	assert.False(t, g.accept(before, regressedPassRate, passingTests, thresholds))
}

func TestRunCommitsWhenAllCriteriaPass(t *testing.T) {
	critic := &fakeCritic{diffs: []string{validGoEdit}}
	patcher := &fakePatcher{ok: true}
	tester := fakeTester{outcome: collab.TestOutcome{Passed: true}}
	g := New(critic, patcher, tester, newTestGolden(t), newTestStore(t), baseItems(), model.Recipe{}, "model-x")

	thresholds := model.CodeLoopThresholds{
		DeltaRewardMin:       -1, // lax: judge/gen are deterministic so before==after here
		CostRatioMax:         10,
		GoldenPassRateTarget: 0,
		MaxLOC:               50,
		MaxPatches:           3,
		MaxFiles:             5,
	}

	artifact, err := g.Run(context.Background(), "run-1", model.CodeLoopModeDryRun, thresholds)
	require.NoError(t, err)
	assert.Equal(t, model.CodeLoopDecisionCommit, artifact.Decision)
	assert.Len(t, patcher.applyCalls, 1) // no rollback call
	assert.Equal(t, "fake-critic", artifact.Critic)
	assert.Equal(t, "run-1", artifact.SourceRunID)
}

func TestRunRollsBackWhenDeltaRewardTooLow(t *testing.T) {
	critic := &fakeCritic{diffs: []string{validGoEdit}}
	patcher := &fakePatcher{ok: true}
	tester := fakeTester{outcome: collab.TestOutcome{Passed: true}}
	g := New(critic, patcher, tester, newTestGolden(t), newTestStore(t), baseItems(), model.Recipe{}, "model-x")

	thresholds := model.CodeLoopThresholds{
		DeltaRewardMin:       1.0, // unreachable given deterministic before==after
		CostRatioMax:         10,
		GoldenPassRateTarget: 0,
		MaxLOC:               50,
		MaxPatches:           3,
		MaxFiles:             5,
	}

	artifact, err := g.Run(context.Background(), "run-1", model.CodeLoopModeDryRun, thresholds)
	require.NoError(t, err)
	assert.Equal(t, model.CodeLoopDecisionRollback, artifact.Decision)
	assert.Len(t, patcher.applyCalls, 2) // original apply + rollback revert
}

func TestRunRejectsWhenHardCapExceeded(t *testing.T) {
	critic := &fakeCritic{diffs: []string{validGoEdit}}
	patcher := &fakePatcher{ok: true}
	tester := fakeTester{outcome: collab.TestOutcome{Passed: true}}
	g := New(critic, patcher, tester, newTestGolden(t), newTestStore(t), baseItems(), model.Recipe{}, "model-x")

	thresholds := model.CodeLoopThresholds{MaxLOC: 0, MaxPatches: 3, MaxFiles: 5}

	artifact, err := g.Run(context.Background(), "run-1", model.CodeLoopModeLive, thresholds)
	require.NoError(t, err)
	assert.Equal(t, model.CodeLoopDecisionReject, artifact.Decision)
	assert.Empty(t, patcher.applyCalls)
}

func TestRunRejectsOnSyntaxError(t *testing.T) {
	critic := &fakeCritic{diffs: []string{invalidGoEdit}}
	patcher := &fakePatcher{ok: true}
	tester := fakeTester{outcome: collab.TestOutcome{Passed: true}}
	g := New(critic, patcher, tester, newTestGolden(t), newTestStore(t), baseItems(), model.Recipe{}, "model-x")

	thresholds := model.CodeLoopThresholds{MaxLOC: 50, MaxPatches: 3, MaxFiles: 5}

	artifact, err := g.Run(context.Background(), "run-1", model.CodeLoopModeLive, thresholds)
	require.NoError(t, err)
	assert.Equal(t, model.CodeLoopDecisionReject, artifact.Decision)
	assert.Empty(t, patcher.applyCalls)
}

func TestCriticizeAndEditStopsWhenCriticReturnsEmptyDiff(t *testing.T) {
	critic := &fakeCritic{diffs: []string{validGoEdit}}
	patcher := &fakePatcher{ok: true}
	g := &Gate{critic: critic, patcher: patcher}

	patch, err := g.criticizeAndEdit(context.Background(), model.CodeLoopThresholds{MaxLOC: 50, MaxPatches: 3, MaxFiles: 5})
	require.NoError(t, err)
	assert.Equal(t, 1, patch.EditCount)
	assert.Equal(t, []string{validGoEdit}, patcher.applyCalls)
}

func TestDiffStatsCountsLinesAndFiles(t *testing.T) {
	files, loc, err := diffStats(validGoEdit)
	require.NoError(t, err)
	assert.Equal(t, []string{"internal/foo/foo.go"}, files)
	assert.Equal(t, 1, loc)
}

func TestReverseUnifiedDiffSwapsAdditionsAndRemovals(t *testing.T) {
	reversed, err := reverseUnifiedDiff(validGoEdit)
	require.NoError(t, err)
	assert.True(t, strings.Contains(reversed, "-// codeloop test edit"))
}

func TestCheckSyntaxAcceptsValidGoAndRejectsInvalid(t *testing.T) {
	assert.NoError(t, checkSyntax(context.Background(), validGoEdit))
	assert.Error(t, checkSyntax(context.Background(), invalidGoEdit))
}
