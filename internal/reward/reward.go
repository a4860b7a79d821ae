// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package reward composes the outcome, process, and cost components of
// total_reward. The outcome component blends a two-judge AI protocol with
// semantic similarity; process is a cheap heuristic bundle; cost is
// normalized against a rolling per-task-class baseline.
package reward

import (
	"context"
	"math"
	"regexp"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/promptforge/internal/collab"
	"github.com/AleutianAI/promptforge/internal/config"
	"github.com/AleutianAI/promptforge/internal/model"
)

// JudgePool selects judge models under a weighted round-robin for one of the
// two-judge protocol's three pools (primary, secondary, tie-breaker).
type JudgePool struct {
	Models  []string
	Weights []float64
}

// pick returns a model id chosen by weighted round-robin using rng in [0,1).
func (p JudgePool) pick(rngValue float64) string {
	if len(p.Models) == 0 {
		return ""
	}
	total := 0.0
	for _, w := range p.Weights {
		total += w
	}
	if total <= 0 {
		return p.Models[0]
	}
	target := rngValue * total
	cum := 0.0
	for i, w := range p.Weights {
		cum += w
		if target <= cum {
			return p.Models[i]
		}
	}
	return p.Models[len(p.Models)-1]
}

// Context carries everything the reward model needs to score one variant.
type Context struct {
	Task               string
	Assertions         []string
	Output             string
	Operator           string
	ExecutionTimeMs    int64
	TokenUsage         collab.TokenUsage
	ToolCalls          int
	TaskBaselineTimeMs float64
	TaskBaselineTokens float64
	ExpectedReference  string
}

// Model composes rewards from judge, embedding, and config collaborators.
type Model struct {
	cfg    config.RewardConfig
	judge  collab.JudgeEngine
	embed  collab.EmbeddingFunc
	pool1  JudgePool
	pool2  JudgePool
	pool3  JudgePool
}

// New builds a reward Model. pool1/pool2 are the two primary judge pools;
// pool3 is the tie-breaker pool drawn from on disagreement.
func New(cfg config.RewardConfig, judge collab.JudgeEngine, embed collab.EmbeddingFunc, pool1, pool2, pool3 JudgePool) *Model {
	return &Model{cfg: cfg, judge: judge, embed: embed, pool1: pool1, pool2: pool2, pool3: pool3}
}

// Breakdown is the full scoring result for one variant.
type Breakdown struct {
	Outcome           float64
	Process           float64
	CostPenalty       float64
	Total             float64
	AssertionCoverage float64
	AssertionsMet     bool
	JudgeInfo         model.JudgeInfo
}

// Score computes the full reward breakdown for one variant's output. rngPool1
// and rngPool2 select weighted-round-robin draws from the two judge pools;
// rngPool3 selects the tie-breaker if needed. Callers own the PRNG per
// spec.md §4.E's determinism requirement.
func (m *Model) Score(ctx context.Context, rc Context, rngPool1, rngPool2, rngPool3 float64) (Breakdown, error) {
	outcome, judgeInfo, err := m.computeOutcome(ctx, rc, rngPool1, rngPool2, rngPool3)
	if err != nil {
		return Breakdown{}, err
	}

	process := computeProcessReward(rc)
	cost := m.computeCostPenalty(rc)
	coverage := assertionCoverage(rc.Output, rc.Assertions)

	total := m.cfg.Alpha*outcome + m.cfg.BetaProcess*process*m.cfg.ProcessMultiplier + m.cfg.GammaCost*cost*m.cfg.CostMultiplier

	return Breakdown{
		Outcome:           outcome,
		Process:           process,
		CostPenalty:       cost,
		Total:             sanitizeFloat(total),
		AssertionCoverage: coverage,
		AssertionsMet:     coverage >= 1.0,
		JudgeInfo:         judgeInfo,
	}, nil
}

// computeOutcome runs the two-judge-plus-tie-breaker protocol concurrently
// and blends the AI score with semantic similarity. Every judge score is
// passed through collab.NormalizeJudgeScore right after the call; a score
// that fails that check is treated as that judge's CollaboratorFailure, not
// silently clamped into [0,1].
func (m *Model) computeOutcome(ctx context.Context, rc Context, rngPool1, rngPool2, rngPool3 float64) (float64, model.JudgeInfo, error) {
	model1 := m.pool1.pick(rngPool1)
	model2 := m.pool2.pick(rngPool2)

	var j1, j2 collab.JudgeResult
	var err1, err2 error

	if m.judge != nil && model1 != "" && model2 != "" {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			j1, err1 = m.judge.Judge(gctx, model1, rc.Task, rc.Output)
			if err1 == nil {
				j1.Score, err1 = collab.NormalizeJudgeScore(j1.Score)
			}
			return nil
		})
		g.Go(func() error {
			j2, err2 = m.judge.Judge(gctx, model2, rc.Task, rc.Output)
			if err2 == nil {
				j2.Score, err2 = collab.NormalizeJudgeScore(j2.Score)
			}
			return nil
		})
		_ = g.Wait()
	} else {
		err1 = collab.ErrCollaboratorFailed
		err2 = collab.ErrCollaboratorFailed
	}

	judges := []model.Judge{}
	var aiScore float64
	var tieBreakerUsed bool
	haveAI := false

	switch {
	case err1 == nil && err2 == nil:
		judges = append(judges,
			model.Judge{Model: model1, Score: j1.Score, Rationale: j1.Rationale},
			model.Judge{Model: model2, Score: j2.Score, Rationale: j2.Rationale},
		)
		if math.Abs(j1.Score-j2.Score) >= m.cfg.JudgeDisagreementThreshold {
			model3 := m.pool3.pick(rngPool3)
			if m.judge != nil && model3 != "" {
				j3, err3 := m.judge.Judge(ctx, model3, rc.Task, rc.Output)
				if err3 == nil {
					j3.Score, err3 = collab.NormalizeJudgeScore(j3.Score)
				}
				if err3 == nil {
					judges = append(judges, model.Judge{Model: model3, Score: j3.Score, Rationale: j3.Rationale})
					aiScore = j3.Score
					tieBreakerUsed = true
					haveAI = true
				}
			}
		}
		if !haveAI {
			aiScore = (j1.Score + j2.Score) / 2.0
			haveAI = true
		}
	case err1 == nil:
		judges = append(judges, model.Judge{Model: model1, Score: j1.Score, Rationale: j1.Rationale})
		aiScore, haveAI = j1.Score, true
	case err2 == nil:
		judges = append(judges, model.Judge{Model: model2, Score: j2.Score, Rationale: j2.Rationale})
		aiScore, haveAI = j2.Score, true
	}

	semantic, semErr := m.semanticSimilarity(ctx, rc)
	if semErr != nil {
		semantic = 0
	}

	var outcome float64
	switch {
	case haveAI:
		outcome = m.cfg.AISemanticBlendAI*aiScore + m.cfg.AISemanticBlendSemantic*semantic
	default:
		outcome = semantic
	}
	outcome = clip01(outcome)

	info := model.JudgeInfo{Judges: judges, TieBreakerUsed: tieBreakerUsed, FinalScore: outcome}
	return outcome, info, nil
}

func (m *Model) semanticSimilarity(ctx context.Context, rc Context) (float64, error) {
	if m.embed == nil {
		return 0, collab.ErrCollaboratorFailed
	}

	reference := rc.Task
	if rc.ExpectedReference != "" {
		reference = rc.ExpectedReference
	}

	outVec, err := m.embed.Embed(ctx, rc.Output)
	if err != nil {
		return 0, err
	}
	refVec, err := m.embed.Embed(ctx, reference)
	if err != nil {
		return 0, err
	}

	return clip01(CosineSimilarity(outVec, refVec)), nil
}

// CosineSimilarity computes the cosine of the angle between two equal-length
// vectors, returning 0 for mismatched or empty inputs.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func clip01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// ---- Process reward: cheap heuristic bundle over the output ----

var (
	reasoningPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(first|second|third|next|then|finally)`),
		regexp.MustCompile(`(?i)(because|since|therefore|thus|hence)`),
		regexp.MustCompile(`(?i)(step \d+|phase \d+|\d+\))`),
		regexp.MustCompile(`(?i)(consider|note that|important)`),
	}
	hallucinationRefusalPatterns = []string{
		"i am not certain", "i'm not certain", "i don't know", "cannot verify",
		"insufficient information", "unable to confirm", "not enough context",
	}
)

// computeProcessReward is the mean of four [0,1] sub-scores: structured
// reasoning markers, code-block syntactic validity, refusal-of-hallucination
// markers, and assertion coverage.
func computeProcessReward(rc Context) float64 {
	reasoning := structuredReasoningScore(rc.Output)
	syntax := codeBlockSyntaxScore(rc.Output)
	refusal := hallucinationRefusalScore(rc.Output)
	coverage := assertionCoverage(rc.Output, rc.Assertions)

	return (reasoning + syntax + refusal + coverage) / 4.0
}

func structuredReasoningScore(output string) float64 {
	hits := 0
	for _, p := range reasoningPatterns {
		if p.MatchString(output) {
			hits++
		}
	}
	return clip01(float64(hits) / 2.0)
}

// codeBlockSyntaxScore checks that fenced code blocks and bracket pairs in
// output are balanced. Outputs with no fences/brackets at all are vacuously
// valid.
func codeBlockSyntaxScore(output string) float64 {
	if !balancedFences(output) || !balancedBrackets(output) {
		return 0.0
	}
	return 1.0
}

func balancedFences(output string) bool {
	return strings.Count(output, "```")%2 == 0
}

func balancedBrackets(output string) bool {
	pairs := map[rune]rune{')': '(', ']': '[', '}': '{'}
	opens := map[rune]bool{'(': true, '[': true, '{': true}
	var stack []rune
	for _, r := range output {
		switch {
		case opens[r]:
			stack = append(stack, r)
		case r == ')' || r == ']' || r == '}':
			if len(stack) == 0 || stack[len(stack)-1] != pairs[r] {
				return false
			}
			stack = stack[:len(stack)-1]
		}
	}
	return len(stack) == 0
}

func assertionCoverage(output string, assertions []string) float64 {
	if len(assertions) == 0 {
		return 1.0
	}
	lower := strings.ToLower(output)
	satisfied := 0
	for _, a := range assertions {
		if strings.Contains(lower, strings.ToLower(a)) {
			satisfied++
		}
	}
	return float64(satisfied) / float64(len(assertions))
}

func hallucinationRefusalScore(output string) float64 {
	lower := strings.ToLower(output)
	if containsAny(lower, hallucinationRefusalPatterns) {
		return 1.0
	}
	return 0.0
}

func containsAny(haystack string, needles []string) bool {
	lower := strings.ToLower(haystack)
	for _, n := range needles {
		if strings.Contains(lower, strings.ToLower(n)) {
			return true
		}
	}
	return false
}

// ---- Cost penalty: normalized against a rolling per-task-class baseline ----

func (m *Model) computeCostPenalty(rc Context) float64 {
	baselineTime := rc.TaskBaselineTimeMs
	if baselineTime <= 0 {
		baselineTime = 30000
	}
	baselineTokens := rc.TaskBaselineTokens
	if baselineTokens <= 0 {
		baselineTokens = 2000
	}

	weightTime, weightCalls, weightTokens := 1.0, 1.0, 1.0
	totalTokens := float64(rc.TokenUsage.Input + rc.TokenUsage.Output)

	weighted := weightTime*float64(rc.ExecutionTimeMs) + weightCalls*float64(rc.ToolCalls) + weightTokens*totalTokens
	baseline := weightTime*baselineTime + weightTokens*baselineTokens
	if baseline <= 0 {
		baseline = 1
	}

	cost := clipCost(weighted / baseline)
	return cost - 1.0
}

func clipCost(v float64) float64 {
	return math.Max(0, math.Min(3, v))
}

// sanitizeFloat coerces NaN/Inf to 0 so they never reach persistence; callers
// upstream are responsible for treating the iteration as failed when this
// function had to intervene.
func sanitizeFloat(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// IsSane reports whether v is safe to persist (not NaN/Inf).
func IsSane(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
