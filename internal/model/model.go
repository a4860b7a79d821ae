// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package model defines the durable entities of the meta-evolution engine:
// runs, variants, bandit arms, recipes, ratings, golden items/results, and
// code-loop artifacts.
package model

import "time"

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusComplete  RunStatus = "complete"
	RunStatusError     RunStatus = "error"
	RunStatusCancelled RunStatus = "cancelled"
)

// Strategy is the bandit algorithm a run was configured with.
type Strategy string

const (
	StrategyEpsilonGreedy Strategy = "epsilon_greedy"
	StrategyUCB1          Strategy = "ucb1"
)

// Framework is a tag grouping operators into a family for masking and
// stratified exploration.
type Framework string

const (
	FrameworkSEAL     Framework = "SEAL"
	FrameworkWEB      Framework = "WEB"
	FrameworkENGINE   Framework = "ENGINE"
	FrameworkSAMPLING Framework = "SAMPLING"
)

// Run is one invocation of the meta-evolution loop.
type Run struct {
	RunID                string     `json:"run_id"`
	SessionID            string     `json:"session_id"`
	TaskClass            string     `json:"task_class"`
	NormalizedTaskClass  string     `json:"normalized_task_class"`
	Task                 string     `json:"task"`
	Assertions           []string   `json:"assertions,omitempty"`
	NTotal               int        `json:"n_total"`
	Strategy             Strategy   `json:"strategy"`
	Epsilon              float64    `json:"epsilon"`
	FrameworkMask        []Framework `json:"framework_mask"`
	MemoryK              int        `json:"memory_k"`
	RAGK                 int        `json:"rag_k"`
	StartedAt            time.Time  `json:"started_at"`
	FinishedAt           *time.Time `json:"finished_at,omitempty"`
	BaselineScore        float64    `json:"baseline_score"`
	BestScore            *float64   `json:"best_score,omitempty"`
	BestVariantID        string     `json:"best_variant_id,omitempty"`
	Status               RunStatus  `json:"status"`
	Error                string     `json:"error,omitempty"`
	Seed                 int64      `json:"seed"`
	RewardWeights        RewardWeights `json:"reward_weights"`
}

// RewardWeights are the fixed per-run weights used to compose total_reward.
type RewardWeights struct {
	Alpha float64 `json:"alpha"`
	Beta  float64 `json:"beta"`
	Gamma float64 `json:"gamma"`
}

// Recipe is the concrete set of generation parameters and context flags used
// for one iteration.
type Recipe struct {
	System      string  `json:"system"`
	Nudge       string  `json:"nudge"`
	Temperature float64 `json:"temperature"`
	TopK        int     `json:"top_k"`
	MemoryK     int     `json:"memory_k"`
	RAGK        int     `json:"rag_k"`
	UseWeb      bool    `json:"use_web"`
	Engine      string  `json:"engine"`
	Fewshot     string  `json:"fewshot,omitempty"`
}

// Judge is one judge model's verdict on a variant's output.
type Judge struct {
	Model     string  `json:"model"`
	Score     float64 `json:"score"`
	Rationale string  `json:"rationale,omitempty"`
}

// JudgeInfo records the two-judge-plus-tie-breaker protocol outcome.
type JudgeInfo struct {
	Judges         []Judge `json:"judges"`
	TieBreakerUsed bool    `json:"tie_breaker_used"`
	FinalScore     float64 `json:"final_score"`
}

// Variant is one scored attempt within a run.
type Variant struct {
	VariantID      string    `json:"variant_id"`
	RunID          string    `json:"run_id"`
	IterationIndex int       `json:"iteration_index"`
	Operator       string    `json:"operator"`
	Recipe         Recipe    `json:"recipe"`
	PromptLength   int       `json:"prompt_length"`
	Output         string    `json:"output"`
	DurationMs     int64     `json:"duration_ms"`
	OutcomeReward  float64   `json:"outcome_reward"`
	ProcessReward  float64   `json:"process_reward"`
	CostPenalty    float64   `json:"cost_penalty"`
	TotalReward    float64   `json:"total_reward"`
	JudgeInfo      JudgeInfo `json:"judge_info"`
	IsBest         bool      `json:"is_best"`
	CreatedAt      time.Time `json:"created_at"`
}

// OperatorStat is cross-run bandit statistics for one (task_class, operator) arm.
type OperatorStat struct {
	TaskClass         string    `json:"task_class"`
	Operator          string    `json:"operator"`
	Pulls             int64     `json:"pulls"`
	SumReward         float64   `json:"sum_reward"`
	MeanReward        float64   `json:"mean_reward"`
	HumanFeedbackBias float64   `json:"human_feedback_bias"`
	LastUpdated       time.Time `json:"last_updated"`
}

// RecipeApproval is the promotion state of a stored Recipe.
type RecipeApproval string

const (
	RecipeApprovalAuto    RecipeApproval = "auto"
	RecipeApprovalPending RecipeApproval = "pending"
	RecipeApprovalManual  RecipeApproval = "manual"
)

// StoredRecipe is a promoted variant kept for seeding future runs.
type StoredRecipe struct {
	RecipeID        string         `json:"recipe_id"`
	TaskClass       string         `json:"task_class"`
	ParentVariantID string         `json:"parent_variant_id"`
	Recipe          Recipe         `json:"recipe"`
	BaselineDelta   float64        `json:"baseline_delta"`
	CostRatio       float64        `json:"cost_ratio"`
	Approved        RecipeApproval `json:"approved"`
	Uses            int64          `json:"uses"`
	CreatedAt       time.Time      `json:"created_at"`
}

// HumanRating is optional feedback attached to a variant.
type HumanRating struct {
	VariantID string    `json:"variant_id"`
	Score     int       `json:"score"` // 1..10
	Feedback  string    `json:"feedback,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// GoldenFlags pins the non-deterministic knobs for a golden item.
type GoldenFlags struct {
	Web   bool `json:"web"`
	RAGK  int  `json:"rag_k"`
}

// GoldenItem is a deterministic benchmark item.
type GoldenItem struct {
	ID        string      `json:"id"`
	TaskType  string      `json:"task_type"`
	TaskClass string      `json:"task_class"`
	Task      string      `json:"task"`
	Assertions []string   `json:"assertions"`
	Expected  string      `json:"expected,omitempty"`
	Seed      int64       `json:"seed"`
	Flags     GoldenFlags `json:"flags"`
}

// GoldenItemResult is the per-item outcome of running a GoldenItem.
type GoldenItemResult struct {
	ItemID        string  `json:"item_id"`
	OutcomeReward float64 `json:"outcome_reward"`
	ProcessReward float64 `json:"process_reward"`
	CostPenalty   float64 `json:"cost_penalty"`
	TotalReward   float64 `json:"total_reward"`
	Steps         int     `json:"steps"`
	Passed        bool    `json:"passed"`
}

// GoldenAggregate summarizes a full Golden Set pass.
type GoldenAggregate struct {
	AvgTotalReward float64 `json:"avg_total_reward"`
	AvgCostPenalty float64 `json:"avg_cost_penalty"`
	AvgSteps       float64 `json:"avg_steps"`
	PassRate       float64 `json:"pass_rate"`
}

// GoldenResult is one full execution of the Golden Set.
type GoldenResult struct {
	ResultID  string             `json:"result_id"`
	RunAt     time.Time          `json:"run_at"`
	ModelID   string             `json:"model_id"`
	RAGIndexHash string          `json:"rag_index_hash,omitempty"`
	Items     []GoldenItemResult `json:"items"`
	Aggregate GoldenAggregate    `json:"aggregate"`
}

// CodeLoopMode selects whether a code-loop commits real changes.
type CodeLoopMode string

const (
	CodeLoopModeLive   CodeLoopMode = "live"
	CodeLoopModeDryRun CodeLoopMode = "dry_run"
)

// CodeLoopDecision is the gate's final verdict.
type CodeLoopDecision string

const (
	CodeLoopDecisionCommit   CodeLoopDecision = "commit"
	CodeLoopDecisionRollback CodeLoopDecision = "rollback"
	CodeLoopDecisionReject   CodeLoopDecision = "reject"
)

// CodeLoopPatch describes the edit applied during one code-loop cycle.
type CodeLoopPatch struct {
	Files     []string `json:"files"`
	Diff      string   `json:"diff"`
	EditCount int      `json:"edit_count"`
}

// CodeLoopTests summarizes the loop's test execution.
type CodeLoopTests struct {
	Passed   bool     `json:"passed"`
	Failures []string `json:"failures,omitempty"`
}

// CodeLoopThresholds are the acceptance thresholds active for one loop.
type CodeLoopThresholds struct {
	DeltaRewardMin       float64 `json:"delta_reward_min"`
	CostRatioMax         float64 `json:"cost_ratio_max"`
	GoldenPassRateTarget float64 `json:"golden_pass_rate_target"`
	MaxLOC               int     `json:"max_loc"`
	MaxPatches           int     `json:"max_patches"`
	MaxFiles             int     `json:"max_files"`
}

// CodeLoopArtifact is one gated self-edit cycle.
type CodeLoopArtifact struct {
	LoopID       string             `json:"loop_id"`
	SourceRunID  string             `json:"source_run_id" validate:"required"`
	Mode         CodeLoopMode       `json:"mode" validate:"required,oneof=live dry_run"`
	Critic       string             `json:"critic" validate:"required"`
	Patch        CodeLoopPatch      `json:"patch"`
	Tests        CodeLoopTests      `json:"tests"`
	GoldenBefore GoldenAggregate    `json:"golden_before"`
	GoldenAfter  GoldenAggregate    `json:"golden_after"`
	Thresholds   CodeLoopThresholds `json:"thresholds"`
	Decision     CodeLoopDecision   `json:"decision" validate:"required,oneof=commit rollback reject"`
	CreatedAt    time.Time          `json:"created_at"`
}

// AnalyticsWindow is the time window an AnalyticsSnapshot covers.
type AnalyticsWindow string

const (
	AnalyticsWindow7d  AnalyticsWindow = "7d"
	AnalyticsWindow30d AnalyticsWindow = "30d"
	AnalyticsWindowAll AnalyticsWindow = "all"
)

// AnalyticsSnapshot is a cached roll-up over runs/variants/operator-stats/golden.
type AnalyticsSnapshot struct {
	Window    AnalyticsWindow        `json:"window"`
	Totals    map[string]float64     `json:"totals"`
	Series    map[string][]float64   `json:"series"`
	Meta      map[string]string      `json:"meta"`
	CreatedAt time.Time              `json:"created_at"`
}
