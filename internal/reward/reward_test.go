// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package reward

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/promptforge/internal/collab"
	"github.com/AleutianAI/promptforge/internal/config"
)

type fakeJudge struct {
	scores map[string]float64
}

func (f fakeJudge) Judge(ctx context.Context, modelID, task, output string) (collab.JudgeResult, error) {
	return collab.JudgeResult{Score: f.scores[modelID]}, nil
}

type fakeEmbed struct{}

func (fakeEmbed) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func TestJudgeDisagreementTriggersTieBreaker(t *testing.T) {
	cfg := config.DefaultConfig().Reward
	judge := fakeJudge{scores: map[string]float64{
		"judge-a": 0.80,
		"judge-b": 0.40,
		"judge-c": 0.65,
	}}

	m := New(cfg, judge, fakeEmbed{},
		JudgePool{Models: []string{"judge-a"}, Weights: []float64{1}},
		JudgePool{Models: []string{"judge-b"}, Weights: []float64{1}},
		JudgePool{Models: []string{"judge-c"}, Weights: []float64{1}},
	)

	bd, err := m.Score(context.Background(), Context{Task: "t", Output: "o"}, 0, 0, 0)
	require.NoError(t, err)

	assert.True(t, bd.JudgeInfo.TieBreakerUsed)
	assert.InDelta(t, 0.9*0.65+0.1*1.0, bd.Outcome, 1e-9)
}

func TestJudgeAgreementUsesMean(t *testing.T) {
	cfg := config.DefaultConfig().Reward
	judge := fakeJudge{scores: map[string]float64{
		"judge-a": 0.5,
		"judge-b": 0.6,
	}}

	m := New(cfg, judge, fakeEmbed{},
		JudgePool{Models: []string{"judge-a"}, Weights: []float64{1}},
		JudgePool{Models: []string{"judge-b"}, Weights: []float64{1}},
		JudgePool{Models: []string{"judge-c"}, Weights: []float64{1}},
	)

	bd, err := m.Score(context.Background(), Context{Task: "t", Output: "o"}, 0, 0, 0)
	require.NoError(t, err)

	assert.False(t, bd.JudgeInfo.TieBreakerUsed)
	assert.InDelta(t, 0.9*0.55+0.1*1.0, bd.Outcome, 1e-9)
}

func TestFallbackToSemanticWhenNoJudges(t *testing.T) {
	cfg := config.DefaultConfig().Reward
	m := New(cfg, nil, fakeEmbed{}, JudgePool{}, JudgePool{}, JudgePool{})

	bd, err := m.Score(context.Background(), Context{Task: "t", Output: "o"}, 0, 0, 0)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, bd.Outcome, 1e-9)
}

func TestOutOfRangeJudgeScoreTreatedAsCollaboratorFailure(t *testing.T) {
	cfg := config.DefaultConfig().Reward
	judge := fakeJudge{scores: map[string]float64{
		"judge-a": 0.5,
		"judge-b": -5, // not in [0,1] or (1,10]: must be rejected, not clamped
	}}

	m := New(cfg, judge, fakeEmbed{},
		JudgePool{Models: []string{"judge-a"}, Weights: []float64{1}},
		JudgePool{Models: []string{"judge-b"}, Weights: []float64{1}},
		JudgePool{Models: []string{"judge-c"}, Weights: []float64{1}},
	)

	bd, err := m.Score(context.Background(), Context{Task: "t", Output: "o"}, 0, 0, 0)
	require.NoError(t, err)

	assert.Len(t, bd.JudgeInfo.Judges, 1)
	assert.Equal(t, "judge-a", bd.JudgeInfo.Judges[0].Model)
	assert.InDelta(t, 0.9*0.5+0.1*1.0, bd.Outcome, 1e-9)
}

func TestTotalRewardFormula(t *testing.T) {
	cfg := config.DefaultConfig().Reward
	judge := fakeJudge{scores: map[string]float64{"judge-a": 0.5, "judge-b": 0.5}}
	m := New(cfg, judge, fakeEmbed{},
		JudgePool{Models: []string{"judge-a"}, Weights: []float64{1}},
		JudgePool{Models: []string{"judge-b"}, Weights: []float64{1}},
		JudgePool{Models: []string{"judge-c"}, Weights: []float64{1}},
	)

	rc := Context{
		Task:            "t",
		Output:          "First, consider the edge case. Therefore it works.",
		ExecutionTimeMs: 1000,
	}

	bd, err := m.Score(context.Background(), rc, 0, 0, 0)
	require.NoError(t, err)

	expectedTotal := cfg.Alpha*bd.Outcome + cfg.BetaProcess*bd.Process*cfg.ProcessMultiplier + cfg.GammaCost*bd.CostPenalty*cfg.CostMultiplier
	assert.InDelta(t, expectedTotal, bd.Total, 1e-9)
}

func TestProcessRewardIsMeanOfFourSubScores(t *testing.T) {
	rc := Context{
		Output:     "First, consider the edge case. Therefore it works.\n```go\nfunc f() {}\n```",
		Assertions: []string{"works"},
	}
	// reasoning: 3 pattern hits (first, therefore, consider) -> capped at 1.0; syntax: balanced fences/brackets -> 1.0;
	// refusal: no hedge phrases -> 0.0; coverage: 1/1 assertions matched -> 1.0.
	assert.InDelta(t, 0.75, computeProcessReward(rc), 1e-9)
}

func TestProcessRewardPenalizesUnbalancedCodeFences(t *testing.T) {
	rc := Context{Output: "```go\nfunc f() {\n"}
	assert.Equal(t, 0.0, codeBlockSyntaxScore(rc.Output))
}

func TestCostPenaltyBelowBaselineIsNegative(t *testing.T) {
	cfg := config.DefaultConfig().Reward
	m := New(cfg, nil, nil, JudgePool{}, JudgePool{}, JudgePool{})

	penalty := m.computeCostPenalty(Context{
		ExecutionTimeMs:    1000,
		TaskBaselineTimeMs: 30000,
		TaskBaselineTokens: 2000,
	})

	assert.Less(t, penalty, 0.0)
}

func TestCosineSimilarityIdenticalVectors(t *testing.T) {
	v := []float32{1, 2, 3}
	assert.InDelta(t, 1.0, CosineSimilarity(v, v), 1e-9)
}

func TestCosineSimilarityMismatchedLengthReturnsZero(t *testing.T) {
	assert.Equal(t, 0.0, CosineSimilarity([]float32{1, 2}, []float32{1}))
}
