// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bandit implements operator selection: warm start, stratified
// exploration by framework, epsilon-greedy, and UCB1. Selection is a pure
// function of (arm stats, allowed ops, config, PRNG) so callers can pin
// seeds for deterministic tests.
package bandit

import (
	"math"
	"math/rand"
	"sort"

	"github.com/AleutianAI/promptforge/internal/model"
	"github.com/AleutianAI/promptforge/internal/operator"
)

// Strategy selects an algorithm for the exploit phase once warm start and
// stratification have narrowed the candidate set.
type Strategy string

const (
	StrategyEpsilonGreedy Strategy = "epsilon_greedy"
	StrategyUCB1          Strategy = "ucb1"
)

// Config carries the tunables from spec.md §6's Bandit section.
type Config struct {
	Strategy              Strategy
	Epsilon                float64
	UCBC                   float64
	WarmStartMinPulls      int
	StratifiedExploration  bool
}

// ArmStats is the subset of model.OperatorStat the selector needs.
type ArmStats struct {
	Pulls             int64
	MeanReward        float64
	HumanFeedbackBias float64
}

// HistorySnapshot is a read-only view of current arm statistics for one
// task class, keyed by operator name.
type HistorySnapshot map[operator.Name]ArmStats

// Selector is a pure, seedable operator selector.
type Selector struct {
	cfg Config
	rng *rand.Rand
}

// New builds a Selector with its own PRNG seeded by seed. The runner owns
// the seed so that the whole run is reproducible.
func New(cfg Config, seed int64) *Selector {
	return &Selector{cfg: cfg, rng: rand.New(rand.NewSource(seed))}
}

// Select chooses the next operator to try from allowedOps given the current
// arm statistics. allowedOps must be non-empty.
func (s *Selector) Select(allowedOps []operator.Name, history HistorySnapshot) operator.Name {
	if len(allowedOps) == 0 {
		panic("bandit: Select called with empty allowedOps")
	}

	if warm, ok := s.warmStart(allowedOps, history); ok {
		return warm
	}

	candidates := allowedOps
	if s.cfg.StratifiedExploration {
		candidates = s.stratify(allowedOps, history)
	}

	switch s.cfg.Strategy {
	case StrategyUCB1:
		return s.selectUCB1(candidates, history)
	default:
		return s.selectEpsilonGreedy(candidates, history)
	}
}

// warmStart returns the least-pulled operator below WarmStartMinPulls,
// breaking ties by registry insertion order, guaranteeing coverage of every
// allowed operator within the first len(allowedOps) iterations.
func (s *Selector) warmStart(allowedOps []operator.Name, history HistorySnapshot) (operator.Name, bool) {
	minPulls := int64(s.cfg.WarmStartMinPulls)
	if minPulls <= 0 {
		minPulls = 1
	}

	ordered := orderByRegistry(allowedOps)
	var best operator.Name
	var bestPulls int64 = -1
	found := false

	for _, op := range ordered {
		pulls := history[op].Pulls
		if pulls >= minPulls {
			continue
		}
		if !found || pulls < bestPulls {
			best, bestPulls, found = op, pulls, true
		}
	}

	return best, found
}

// stratify restricts the candidate set to frameworks currently below their
// pull quota (quota == the framework's share of allowedOps), if any are.
func (s *Selector) stratify(allowedOps []operator.Name, history HistorySnapshot) []operator.Name {
	countByFramework := map[model.Framework]int{}
	for _, op := range allowedOps {
		countByFramework[operator.FrameworkOf(op)]++
	}

	totalPulls := int64(0)
	pullsByFramework := map[model.Framework]int64{}
	for _, op := range allowedOps {
		p := history[op].Pulls
		totalPulls += p
		pullsByFramework[operator.FrameworkOf(op)] += p
	}

	if totalPulls == 0 {
		return allowedOps
	}

	var underQuota []operator.Name
	for _, op := range allowedOps {
		fw := operator.FrameworkOf(op)
		quotaShare := float64(countByFramework[fw]) / float64(len(allowedOps))
		quota := quotaShare * float64(totalPulls)
		if float64(pullsByFramework[fw]) < quota {
			underQuota = append(underQuota, op)
		}
	}

	if len(underQuota) == 0 {
		return allowedOps
	}
	return underQuota
}

func (s *Selector) selectEpsilonGreedy(candidates []operator.Name, history HistorySnapshot) operator.Name {
	if s.rng.Float64() < s.cfg.Epsilon {
		return candidates[s.rng.Intn(len(candidates))]
	}
	return s.argmaxMeanReward(candidates, history)
}

func (s *Selector) selectUCB1(candidates []operator.Name, history HistorySnapshot) operator.Name {
	var totalPulls int64
	for _, op := range candidates {
		totalPulls += history[op].Pulls
	}
	logN := math.Log(float64(max64(totalPulls, 1)))

	var best operator.Name
	bestScore := math.Inf(-1)
	var tied []operator.Name

	for _, op := range candidates {
		st := history[op]
		var score float64
		if st.Pulls == 0 {
			score = math.Inf(1)
		} else {
			exploit := st.MeanReward + st.HumanFeedbackBias
			explore := s.cfg.UCBC * math.Sqrt(logN/float64(st.Pulls))
			score = exploit + explore
		}
		if score > bestScore {
			best, bestScore, tied = op, score, []operator.Name{op}
		} else if score == bestScore {
			tied = append(tied, op)
		}
	}

	if len(tied) > 1 {
		return tied[s.rng.Intn(len(tied))]
	}
	return best
}

func (s *Selector) argmaxMeanReward(candidates []operator.Name, history HistorySnapshot) operator.Name {
	var tied []operator.Name
	bestReward := math.Inf(-1)

	for _, op := range candidates {
		st, ok := history[op]
		if !ok || st.Pulls == 0 {
			continue
		}
		reward := st.MeanReward + st.HumanFeedbackBias
		if reward > bestReward {
			bestReward, tied = reward, []operator.Name{op}
		} else if reward == bestReward {
			tied = append(tied, op)
		}
	}

	if len(tied) == 0 {
		return candidates[s.rng.Intn(len(candidates))]
	}
	return tied[s.rng.Intn(len(tied))]
}

func orderByRegistry(allowedOps []operator.Name) []operator.Name {
	index := make(map[operator.Name]int, len(operator.All))
	for i, op := range operator.All {
		index[op] = i
	}

	ordered := make([]operator.Name, len(allowedOps))
	copy(ordered, allowedOps)
	sort.Slice(ordered, func(i, j int) bool {
		return index[ordered[i]] < index[ordered[j]]
	})
	return ordered
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// UpdateIncrementalMean computes the new (pulls, sumReward, meanReward) for
// an arm after observing one new reward. Storage performs this under an
// exclusive per-arm lock; this function is the pure arithmetic it applies.
func UpdateIncrementalMean(pulls int64, sumReward float64, reward float64) (newPulls int64, newSum float64, newMean float64) {
	newPulls = pulls + 1
	newSum = sumReward + reward
	newMean = newSum / float64(newPulls)
	return
}
