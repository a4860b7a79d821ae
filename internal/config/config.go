// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config defines the typed configuration record for the
// meta-evolution engine, replacing dynamic key/value maps with enumerated,
// yaml-tagged fields. Unknown keys in a loaded document are a load error.
package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RunConfig controls default run budgets and collaborator deadlines.
type RunConfig struct {
	NDefault           int `yaml:"n_default"`
	RunTimeoutSeconds  int `yaml:"run_timeout_s"` // 0 == unlimited
	GenerationTimeoutSeconds int `yaml:"generation_timeout_s"`
	JudgeTimeoutSeconds int `yaml:"judge_timeout_s"`
}

// BanditConfig controls operator-selection behavior.
type BanditConfig struct {
	Strategy               string  `yaml:"strategy"` // "epsilon_greedy" | "ucb1"
	Epsilon                float64 `yaml:"epsilon"`
	UCBC                   float64 `yaml:"ucb_c"`
	WarmStartMinPulls      int     `yaml:"warm_start_min_pulls"`
	StratifiedExploration  bool    `yaml:"stratified_exploration"`
}

// RewardConfig controls reward composition weights.
type RewardConfig struct {
	Alpha                     float64 `yaml:"alpha"`
	BetaProcess               float64 `yaml:"beta_process"`
	GammaCost                 float64 `yaml:"gamma_cost"`
	AISemanticBlendAI         float64 `yaml:"ai_semantic_blend_ai"`
	AISemanticBlendSemantic   float64 `yaml:"ai_semantic_blend_semantic"`
	JudgeDisagreementThreshold float64 `yaml:"judge_disagreement_threshold"`
	ProcessMultiplier         float64 `yaml:"process_multiplier"`
	CostMultiplier            float64 `yaml:"cost_multiplier"`
}

// PromotionConfig controls recipe promotion thresholds.
type PromotionConfig struct {
	DeltaRewardMin      float64 `yaml:"delta_reward_min"`
	CostRatioMax        float64 `yaml:"cost_ratio_max"`
	AutoApproveDelta    float64 `yaml:"auto_approve_delta"`
	AutoApproveCostRatio float64 `yaml:"auto_approve_cost_ratio"`
}

// CodeLoopConfig controls the self-edit gate's caps and acceptance targets.
type CodeLoopConfig struct {
	MaxPerHour           int     `yaml:"max_per_hour"`
	TimeoutSeconds        int     `yaml:"timeout_s"`
	MaxLOC                int     `yaml:"max_loc"`
	MaxPatches            int     `yaml:"max_patches"`
	MaxFiles              int     `yaml:"max_files"`
	GoldenPassRateTarget  float64 `yaml:"golden_pass_rate_target"`
	Mode                  string  `yaml:"mode"` // "live" | "dry_run"
	GuardPreset           string  `yaml:"guard_preset,omitempty"` // "conservative"|"moderate"|"permissive"|""
}

// EventBusConfig controls the SSE fan-out layer.
type EventBusConfig struct {
	QueueSize           int `yaml:"queue_size"`
	KeepAliveIntervalSeconds int `yaml:"keep_alive_interval_s"`
	ReplayGraceSeconds   int `yaml:"replay_grace_s"`
}

// AnalyticsConfig controls the analytics snapshot cache.
type AnalyticsConfig struct {
	SnapshotTTLSeconds int      `yaml:"snapshot_ttl_s"`
	Windows            []string `yaml:"windows"`
}

// StorageConfig controls the embedded storage layer.
type StorageConfig struct {
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"in_memory"`
}

// EngineConfig is the top-level typed configuration record for the core.
type EngineConfig struct {
	Run       RunConfig       `yaml:"run"`
	Bandit    BanditConfig    `yaml:"bandit"`
	Reward    RewardConfig    `yaml:"reward"`
	Promotion PromotionConfig `yaml:"promotion"`
	CodeLoop  CodeLoopConfig  `yaml:"code_loop"`
	EventBus  EventBusConfig  `yaml:"event_bus"`
	Analytics AnalyticsConfig `yaml:"analytics"`
	Storage   StorageConfig   `yaml:"storage"`
}

// DefaultConfig returns the engine configuration with every default named in
// spec.md §6.
func DefaultConfig() EngineConfig {
	return EngineConfig{
		Run: RunConfig{
			NDefault:                 16,
			RunTimeoutSeconds:        0,
			GenerationTimeoutSeconds: 180,
			JudgeTimeoutSeconds:      60,
		},
		Bandit: BanditConfig{
			Strategy:              "ucb1",
			Epsilon:               0.6,
			UCBC:                  2.0,
			WarmStartMinPulls:     1,
			StratifiedExploration: true,
		},
		Reward: RewardConfig{
			Alpha:                      1.0,
			BetaProcess:                0.2,
			GammaCost:                  -0.0005,
			AISemanticBlendAI:          0.9,
			AISemanticBlendSemantic:    0.1,
			JudgeDisagreementThreshold: 0.3,
			ProcessMultiplier:          1.0,
			CostMultiplier:             1.0,
		},
		Promotion: PromotionConfig{
			DeltaRewardMin:       0.05,
			CostRatioMax:         0.9,
			AutoApproveDelta:     0.2,
			AutoApproveCostRatio: 0.8,
		},
		CodeLoop: CodeLoopConfig{
			MaxPerHour:           3,
			TimeoutSeconds:       600,
			MaxLOC:               50,
			MaxPatches:           3,
			MaxFiles:             5,
			GoldenPassRateTarget: 0.80,
			Mode:                 "dry_run",
		},
		EventBus: EventBusConfig{
			QueueSize:                256,
			KeepAliveIntervalSeconds: 15,
			ReplayGraceSeconds:       60,
		},
		Analytics: AnalyticsConfig{
			SnapshotTTLSeconds: 60,
			Windows:            []string{"7d", "30d", "all"},
		},
		Storage: StorageConfig{
			Path:     "./storage/engine",
			InMemory: false,
		},
	}
}

// Load reads a YAML document from path into the default configuration,
// rejecting unknown keys.
func Load(path string) (EngineConfig, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return cfg, nil
}
