// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package operator implements the fixed catalog of 11 pure recipe
// transforms. Each operator is a closed-set tag with an apply contract; the
// bandit's arm key is the tag itself, never a function reference.
package operator

import (
	"math/rand"

	"github.com/AleutianAI/promptforge/internal/model"
)

// Name is one of the 11 closed operator tags.
type Name string

const (
	ChangeSystem  Name = "change_system"
	ChangeNudge   Name = "change_nudge"
	RaiseTemp     Name = "raise_temp"
	LowerTemp     Name = "lower_temp"
	AddFewshot    Name = "add_fewshot"
	InjectMemory  Name = "inject_memory"
	InjectRAG     Name = "inject_rag"
	ToggleWeb     Name = "toggle_web"
	UseAltEngine  Name = "use_alt_engine"
	RaiseTopK     Name = "raise_top_k"
	LowerTopK     Name = "lower_top_k"
)

// All is the full catalog in registry (insertion) order, used by the bandit's
// warm-start tie-break.
var All = []Name{
	ChangeSystem, ChangeNudge, RaiseTemp, LowerTemp, AddFewshot,
	InjectMemory, InjectRAG, ToggleWeb, UseAltEngine, RaiseTopK, LowerTopK,
}

const (
	tempMax = 1.5
	tempMin = 0.1
	topKMax = 100
	topKMin = 1
	defaultMemoryK = 4
	defaultRAGK    = 4
)

// FrameworkOf returns the framework tag for an operator name.
func FrameworkOf(name Name) model.Framework {
	switch name {
	case ChangeSystem, ChangeNudge, RaiseTemp, LowerTemp, AddFewshot, InjectMemory, InjectRAG:
		return model.FrameworkSEAL
	case ToggleWeb:
		return model.FrameworkWEB
	case UseAltEngine:
		return model.FrameworkENGINE
	case RaiseTopK, LowerTopK:
		return model.FrameworkSAMPLING
	default:
		return model.FrameworkSEAL
	}
}

// Systems is the enumerated voice catalog change_system rotates among,
// grounded on the original's SYSTEMS list.
var Systems = []string{
	"You are a concise senior engineer. Return precise, directly usable output.",
	"You are a careful analyst. Explain steps briefly and verify constraints.",
	"You are a creative optimizer. Offer improved alternatives and rationale.",
	"You are a detail-oriented specialist. Focus on accuracy and completeness.",
	"You are an experienced architect. Design robust and scalable solutions.",
}

// Nudges is the enumerated constraint catalog change_nudge rotates among.
var Nudges = []string{
	"Respond in bullet points.",
	"Prioritize correctness and include one test example.",
	"Add a short checklist at the end.",
	"Use concise, technical language.",
	"Provide step-by-step reasoning.",
	"Include potential edge cases.",
	"Format as structured sections.",
}

// FewshotExamples maps a task-class domain to a worked example, grounded on
// the original's FEWSHOT_EXAMPLES.
var FewshotExamples = map[string]string{
	"code":     "Example: Write a function to reverse a string.\nfunc reverseString(s string) string { ... }",
	"analysis": "Example: Analyze this data pattern.\nPattern shows 20% increase in usage during peak hours, suggesting need for scaling.",
	"debug":    "Example: Fix this bug.\nIssue: index out of range on line 42. Solution: add bounds checking before slice access.",
	"design":   "Example: Design a user login system.\nComponents: authentication service, session management, password hashing, rate limiting.",
}

// fewshotKeys is the fixed selection order over FewshotExamples. Map
// iteration order is randomized per range, which would make AddFewshot's
// selection depend on something other than the seeded PRNG; this keeps
// selection a pure function of rng.Intn, so a recorded seed reproduces the
// same example on replay.
var fewshotKeys = []string{"code", "analysis", "debug", "design"}

// DefaultRecipe is the system default recipe used when a task class has no
// promoted baseline.
func DefaultRecipe() model.Recipe {
	return model.Recipe{
		System:      Systems[0],
		Nudge:       Nudges[0],
		Temperature: 0.7,
		TopK:        40,
		Engine:      "primary",
	}
}

// Apply mutates a copy of base according to the named operator and returns
// the resulting recipe. It never mutates base in place.
func Apply(name Name, base model.Recipe, rng *rand.Rand) model.Recipe {
	recipe := base

	switch name {
	case ChangeSystem:
		recipe.System = Systems[rng.Intn(len(Systems))]

	case ChangeNudge:
		recipe.Nudge = Nudges[rng.Intn(len(Nudges))]

	case RaiseTemp:
		delta := 0.1 + rng.Float64()*0.2
		recipe.Temperature = min(tempMax, recipe.Temperature+delta)

	case LowerTemp:
		delta := 0.1 + rng.Float64()*0.2
		recipe.Temperature = max(tempMin, recipe.Temperature-delta)

	case AddFewshot:
		recipe.Fewshot = FewshotExamples[fewshotKeys[rng.Intn(len(fewshotKeys))]]

	case InjectMemory:
		if recipe.MemoryK == 0 {
			recipe.MemoryK = defaultMemoryK
		}

	case InjectRAG:
		if recipe.RAGK == 0 {
			recipe.RAGK = defaultRAGK
		}

	case ToggleWeb:
		recipe.UseWeb = !recipe.UseWeb

	case UseAltEngine:
		recipe.Engine = alternateEngine(recipe.Engine)

	case RaiseTopK:
		delta := 5 + rng.Intn(11) // [5,15]
		recipe.TopK = min(topKMax, recipe.TopK+delta)

	case LowerTopK:
		delta := 5 + rng.Intn(11)
		recipe.TopK = max(topKMin, recipe.TopK-delta)
	}

	return recipe
}

func alternateEngine(current string) string {
	if current == "primary" || current == "" {
		return "alternate"
	}
	return "primary"
}

