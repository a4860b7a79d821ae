// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bandit

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/promptforge/internal/operator"
)

func TestWarmStartCoversAllOperatorsInFirstNIterations(t *testing.T) {
	cfg := Config{
		Strategy:          StrategyUCB1,
		UCBC:               2.0,
		WarmStartMinPulls:  1,
		StratifiedExploration: false,
	}
	sel := New(cfg, 42)

	history := HistorySnapshot{}
	seen := map[operator.Name]bool{}

	for i := 0; i < len(operator.All); i++ {
		chosen := sel.Select(operator.All, history)
		require.False(t, seen[chosen], "operator %s selected twice during warm start", chosen)
		seen[chosen] = true
		history[chosen] = ArmStats{Pulls: 1, MeanReward: 0}
	}

	for _, op := range operator.All {
		assert.True(t, seen[op], "operator %s never selected during warm start", op)
	}
}

func TestEpsilonGreedyPureExploitTieBreaksFairly(t *testing.T) {
	cfg := Config{
		Strategy: StrategyEpsilonGreedy,
		Epsilon:  0.0,
	}

	allowed := []operator.Name{operator.ChangeSystem, operator.ChangeNudge}
	history := HistorySnapshot{
		operator.ChangeSystem: {Pulls: 3, MeanReward: 0.5},
		operator.ChangeNudge:  {Pulls: 3, MeanReward: 0.5},
	}

	counts := map[operator.Name]int{}
	for seed := int64(0); seed < 1000; seed++ {
		sel := New(cfg, seed)
		chosen := sel.Select(allowed, history)
		counts[chosen]++
	}

	total := 1000.0
	p := 0.5
	stddev := math.Sqrt(total * p * (1 - p))
	lower := total*p - 3*stddev
	upper := total*p + 3*stddev

	assert.GreaterOrEqual(t, float64(counts[operator.ChangeSystem]), lower)
	assert.LessOrEqual(t, float64(counts[operator.ChangeSystem]), upper)
}

func TestUCB1PrioritizesUnpulledArmsToInfinity(t *testing.T) {
	cfg := Config{Strategy: StrategyUCB1, UCBC: 2.0}
	sel := New(cfg, 1)

	allowed := []operator.Name{operator.RaiseTemp, operator.LowerTemp}
	history := HistorySnapshot{
		operator.RaiseTemp: {Pulls: 100, MeanReward: 0.9},
		operator.LowerTemp: {Pulls: 0, MeanReward: 0},
	}

	chosen := sel.Select(allowed, history)
	assert.Equal(t, operator.LowerTemp, chosen)
}

func TestUpdateIncrementalMean(t *testing.T) {
	pulls, sum, mean := int64(0), 0.0, 0.0
	rewards := []float64{0.5, 0.7, 0.3, 0.9}

	for _, r := range rewards {
		pulls, sum, mean = UpdateIncrementalMean(pulls, sum, r)
	}

	assert.Equal(t, int64(len(rewards)), pulls)
	assert.InDelta(t, 0.6, mean, 1e-9)
	_ = sum
}

func TestStratifiedExplorationRestrictsToUnderQuotaFramework(t *testing.T) {
	cfg := Config{
		Strategy:              StrategyUCB1,
		UCBC:                  2.0,
		StratifiedExploration: true,
	}
	sel := New(cfg, 9)

	allowed := []operator.Name{operator.RaiseTemp, operator.ToggleWeb}
	history := HistorySnapshot{
		operator.RaiseTemp: {Pulls: 10, MeanReward: 0.5},
		operator.ToggleWeb: {Pulls: 1, MeanReward: 0.1},
	}

	chosen := sel.Select(allowed, history)
	assert.Equal(t, operator.ToggleWeb, chosen, "ToggleWeb's WEB framework is under its pull quota relative to RaiseTemp's SEAL framework")
}
