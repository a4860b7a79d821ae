// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package collab defines the narrow external collaborator contracts the core
// depends on: generation, embedding, judging, retrieval, and patching. None
// of these are implemented here — callers wire in concrete clients.
package collab

import (
	"context"
	"errors"

	"github.com/AleutianAI/promptforge/internal/model"
)

// Sentinel errors used to classify collaborator failures per the core's
// error taxonomy (ConfigError, CollaboratorTimeout, CollaboratorFailure).
var (
	ErrInvalidInput       = errors.New("collab: invalid input")
	ErrCollaboratorTimeout = errors.New("collab: collaborator timed out")
	ErrCollaboratorFailed  = errors.New("collab: collaborator call failed")
	ErrJudgeScoreOutOfRange = errors.New("collab: judge score out of [0,1] range")
)

// GenerationResult is what a GenerationEngine returns for one call.
type GenerationResult struct {
	Output       string
	DurationMs   int64
	PromptLength int
	EngineID     string
	ModelID      string
	TokenUsage   TokenUsage
	ToolCalls    int
}

// TokenUsage is a rough accounting of input/output tokens for cost scoring.
type TokenUsage struct {
	Input  int
	Output int
}

// GenerationEngine produces one output for an assembled recipe and task.
type GenerationEngine interface {
	Generate(ctx context.Context, recipe model.Recipe, prompt string) (GenerationResult, error)
}

// EmbeddingFunc computes a fixed-dimension vector embedding for text.
type EmbeddingFunc interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// JudgeResult is one judge model's verdict. Score is always normalized to
// [0,1] at this boundary; collaborators returning a 1-10 scale must divide
// by 10 before returning.
type JudgeResult struct {
	Score      float64
	Rationale  string
	DurationMs int64
}

// JudgeEngine scores a variant's output against the task.
type JudgeEngine interface {
	Judge(ctx context.Context, modelID, task, output string) (JudgeResult, error)
}

// RAGRetriever returns bounded textual snippets from a RAG index.
type RAGRetriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]string, error)
}

// MemoryRetriever returns bounded textual snippets from session memory.
type MemoryRetriever interface {
	Retrieve(ctx context.Context, sessionID string, k int) ([]string, error)
}

// WebSearcher returns bounded textual snippets from web search.
type WebSearcher interface {
	Search(ctx context.Context, query string) ([]string, error)
}

// EditsPackage describes a proposed set of file edits for the code-loop gate.
type EditsPackage struct {
	Description string
	Files       []string
	Diff        string
}

// PatchResult is the outcome of applying an EditsPackage.
type PatchResult struct {
	OK           bool
	Diffs        string
	TouchedFiles []string
}

// Patcher applies an edits package to the working tree. Used only by the
// code-loop gate.
type Patcher interface {
	Apply(ctx context.Context, edits EditsPackage) (PatchResult, error)
}

// TestOutcome is the result of running the allowlisted test suite.
type TestOutcome struct {
	Passed   bool
	Failures []string
}

// TestRunner executes the unit test suite against the current working tree.
// Used only by the code-loop gate's acceptance check.
type TestRunner interface {
	Run(ctx context.Context) (TestOutcome, error)
}

// NormalizeJudgeScore enforces the [0,1] contract at the collaborator
// boundary. A score already in [0,1] passes through; a plausible 1-10 score
// is rescaled; anything else is rejected.
func NormalizeJudgeScore(raw float64) (float64, error) {
	switch {
	case raw >= 0 && raw <= 1:
		return raw, nil
	case raw > 1 && raw <= 10:
		return raw / 10.0, nil
	default:
		return 0, ErrJudgeScoreOutOfRange
	}
}
