// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package codeloop implements the self-edit gate: criticize, edit, test,
// decide. A Critic proposes a bounded series of patches against an allowlist
// of paths, each patch is size- and syntax-checked before it is applied, the
// test suite runs, and the Golden Set is scored before and after. The cycle
// commits only if every acceptance criterion holds; otherwise it rolls back
// to the pre-patch commit and records why.
package codeloop

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
	sgdiff "github.com/sourcegraph/go-diff/diff"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/promptforge/internal/collab"
	"github.com/AleutianAI/promptforge/internal/config"
	"github.com/AleutianAI/promptforge/internal/golden"
	"github.com/AleutianAI/promptforge/internal/model"
	"github.com/AleutianAI/promptforge/internal/storage"
)

// Guard preset names, layered on top of spec.md §6's default code-loop
// thresholds rather than replacing them.
const (
	PresetConservative = "conservative"
	PresetModerate      = "moderate"
	PresetPermissive    = "permissive"
)

var tracer = otel.Tracer("codeloop")

// ErrHardCapExceeded is returned when a critic's proposed patch would blow
// past the loop's structural caps (LOC, patch count, file count).
type ErrHardCapExceeded struct {
	Cap   string
	Limit int
	Got   int
}

func (e ErrHardCapExceeded) Error() string {
	return fmt.Sprintf("codeloop: %s exceeds cap: got %d, limit %d", e.Cap, e.Got, e.Limit)
}

// Critic proposes one edits package per call, given the diffs already
// applied so far this cycle (empty on the first call). It is the
// "criticize → edit" half of the loop; what it inspects to decide what to
// change is entirely up to the implementation.
type Critic interface {
	Name() string
	Propose(ctx context.Context, priorDiffs []string) (collab.EditsPackage, error)
}

// BuildThresholds assembles the acceptance thresholds for one cycle from the
// promotion and code-loop config sections, then applies a guard preset if
// one is configured. An empty or unrecognized preset leaves the defaults
// untouched.
func BuildThresholds(codeCfg config.CodeLoopConfig, promCfg config.PromotionConfig) model.CodeLoopThresholds {
	base := model.CodeLoopThresholds{
		DeltaRewardMin:       promCfg.DeltaRewardMin,
		CostRatioMax:         promCfg.CostRatioMax,
		GoldenPassRateTarget: codeCfg.GoldenPassRateTarget,
		MaxLOC:               codeCfg.MaxLOC,
		MaxPatches:           codeCfg.MaxPatches,
		MaxFiles:             codeCfg.MaxFiles,
	}
	return applyGuardPreset(base, codeCfg.GuardPreset)
}

// applyGuardPreset scales the acceptance thresholds (never the structural
// hard caps, which stay fixed) the way original_source/app/dgm/guards.py's
// three named presets scale their error-rate/latency/reward-delta
// tolerances: conservative tightens, permissive loosens, moderate is the
// untouched baseline.
func applyGuardPreset(base model.CodeLoopThresholds, preset string) model.CodeLoopThresholds {
	switch preset {
	case PresetConservative:
		base.DeltaRewardMin *= 1.5
		base.CostRatioMax *= 0.95
		base.GoldenPassRateTarget = clamp01(base.GoldenPassRateTarget * 1.05)
	case PresetPermissive:
		base.DeltaRewardMin *= 0.6
		base.CostRatioMax *= 1.05
		base.GoldenPassRateTarget *= 0.9
	case PresetModerate, "":
		// Baseline; no adjustment.
	}
	return base
}

func clamp01(f float64) float64 {
	if f > 1 {
		return 1
	}
	if f < 0 {
		return 0
	}
	return f
}

// Gate orchestrates one code-loop cycle end to end.
type Gate struct {
	critic   Critic
	patcher  collab.Patcher
	tester   collab.TestRunner
	golden   *golden.Runner
	store    *storage.Store
	items    []model.GoldenItem
	baseRecipe model.Recipe
	modelID  string
	validate *validator.Validate
}

// New builds a Gate. items is the Golden Set the cycle scores before and
// after patching; baseRecipe/modelID pin the same generation configuration
// the Golden evaluator itself uses, so before/after are comparable.
func New(critic Critic, patcher collab.Patcher, tester collab.TestRunner, goldenRunner *golden.Runner, store *storage.Store, items []model.GoldenItem, baseRecipe model.Recipe, modelID string) *Gate {
	return &Gate{
		critic:     critic,
		patcher:    patcher,
		tester:     tester,
		golden:     goldenRunner,
		store:      store,
		items:      items,
		baseRecipe: baseRecipe,
		modelID:    modelID,
		validate:   validator.New(),
	}
}

// Run executes one full criticize → edit → test → decide cycle and persists
// the resulting artifact regardless of outcome.
func (g *Gate) Run(ctx context.Context, sourceRunID string, mode model.CodeLoopMode, thresholds model.CodeLoopThresholds) (model.CodeLoopArtifact, error) {
	ctx, span := tracer.Start(ctx, "codeloop.Run", trace.WithAttributes(
		attribute.String("source_run_id", sourceRunID),
		attribute.String("mode", string(mode)),
	))
	defer span.End()

	goldenBeforeResult, err := g.golden.RunSuite(ctx, g.items, g.baseRecipe, g.modelID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return model.CodeLoopArtifact{}, fmt.Errorf("codeloop: golden before: %w", err)
	}

	patch, applyErr := g.criticizeAndEdit(ctx, thresholds)

	artifact := model.CodeLoopArtifact{
		SourceRunID:  sourceRunID,
		Mode:         mode,
		Critic:       g.critic.Name(),
		Patch:        patch,
		GoldenBefore: goldenBeforeResult.Aggregate,
		Thresholds:   thresholds,
	}

	if applyErr != nil {
		artifact.Decision = model.CodeLoopDecisionReject
		artifact.GoldenAfter = goldenBeforeResult.Aggregate
		span.SetStatus(codes.Error, applyErr.Error())
		return g.persist(ctx, artifact)
	}

	testOutcome, testErr := g.tester.Run(ctx)
	if testErr != nil {
		artifact.Decision = model.CodeLoopDecisionRollback
		artifact.Tests = model.CodeLoopTests{Passed: false, Failures: []string{testErr.Error()}}
		artifact.GoldenAfter = goldenBeforeResult.Aggregate
		g.rollback(ctx, patch.Diff)
		span.SetStatus(codes.Error, testErr.Error())
		return g.persist(ctx, artifact)
	}
	artifact.Tests = model.CodeLoopTests{Passed: testOutcome.Passed, Failures: testOutcome.Failures}

	goldenAfterResult, err := g.golden.RunSuite(ctx, g.items, g.baseRecipe, g.modelID)
	if err != nil {
		artifact.Decision = model.CodeLoopDecisionRollback
		artifact.GoldenAfter = goldenBeforeResult.Aggregate
		g.rollback(ctx, patch.Diff)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return g.persist(ctx, artifact)
	}
	artifact.GoldenAfter = goldenAfterResult.Aggregate

	if g.accept(goldenBeforeResult.Aggregate, goldenAfterResult.Aggregate, artifact.Tests, thresholds) {
		artifact.Decision = model.CodeLoopDecisionCommit
	} else {
		artifact.Decision = model.CodeLoopDecisionRollback
		g.rollback(ctx, patch.Diff)
	}

	span.SetAttributes(attribute.String("decision", string(artifact.Decision)))
	return g.persist(ctx, artifact)
}

// accept implements spec.md §4.I's acceptance predicate: every criterion
// must hold, else the caller rolls back.
func (g *Gate) accept(before, after model.GoldenAggregate, tests model.CodeLoopTests, thresholds model.CodeLoopThresholds) bool {
	if !tests.Passed {
		return false
	}
	deltaReward := after.AvgTotalReward - before.AvgTotalReward
	if deltaReward < thresholds.DeltaRewardMin {
		return false
	}
	if before.AvgCostPenalty > 0 && after.AvgCostPenalty > thresholds.CostRatioMax*before.AvgCostPenalty {
		return false
	}
	if after.PassRate < thresholds.GoldenPassRateTarget {
		return false
	}
	return true
}

// criticizeAndEdit runs up to thresholds.MaxPatches rounds of critique and
// validated patch application, stopping as soon as the critic signals it
// has nothing left to propose (io.EOF-style empty diff).
func (g *Gate) criticizeAndEdit(ctx context.Context, thresholds model.CodeLoopThresholds) (model.CodeLoopPatch, error) {
	var (
		combinedDiff strings.Builder
		touchedFiles = map[string]bool{}
		editCount    int
		priorDiffs   []string
	)
	// fail reverts the rounds already applied before returning err.
	fail := func(err error) (model.CodeLoopPatch, error) {
		g.rollback(ctx, combinedDiff.String())
		return model.CodeLoopPatch{}, err
	}

	for round := 0; round < thresholds.MaxPatches; round++ {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}

		edits, err := g.critic.Propose(ctx, priorDiffs)
		if err != nil {
			return fail(fmt.Errorf("codeloop: critic round %d: %w", round, err))
		}
		if strings.TrimSpace(edits.Diff) == "" {
			break
		}

		files, loc, err := diffStats(edits.Diff)
		if err != nil {
			return fail(fmt.Errorf("codeloop: round %d: parsing proposed diff: %w", round, err))
		}
		if loc > thresholds.MaxLOC {
			return fail(ErrHardCapExceeded{Cap: "max_loc", Limit: thresholds.MaxLOC, Got: loc})
		}

		projected := map[string]bool{}
		for f := range touchedFiles {
			projected[f] = true
		}
		for _, f := range files {
			projected[f] = true
		}
		if len(projected) > thresholds.MaxFiles {
			return fail(ErrHardCapExceeded{Cap: "max_files", Limit: thresholds.MaxFiles, Got: len(projected)})
		}

		if err := checkSyntax(ctx, edits.Diff); err != nil {
			return fail(fmt.Errorf("codeloop: round %d: syntax check: %w", round, err))
		}

		result, err := g.patcher.Apply(ctx, edits)
		if err != nil {
			return fail(fmt.Errorf("codeloop: round %d: applying patch: %w", round, err))
		}
		if !result.OK {
			return fail(fmt.Errorf("codeloop: round %d: patcher rejected the edits package", round))
		}

		for _, f := range files {
			touchedFiles[f] = true
		}
		editCount++
		combinedDiff.WriteString(result.Diffs)
		combinedDiff.WriteString("\n")
		priorDiffs = append(priorDiffs, result.Diffs)
	}

	files := make([]string, 0, len(touchedFiles))
	for f := range touchedFiles {
		files = append(files, f)
	}

	return model.CodeLoopPatch{
		Files:     files,
		Diff:      combinedDiff.String(),
		EditCount: editCount,
	}, nil
}

// rollback reverts the cycle's combined diff via the patcher. A rollback
// failure is logged into the span but otherwise swallowed: the artifact
// already records rollback as the decision, and there is no further
// corrective action the gate itself can take.
func (g *Gate) rollback(ctx context.Context, combinedDiff string) {
	if strings.TrimSpace(combinedDiff) == "" {
		return
	}
	reverse, err := reverseUnifiedDiff(combinedDiff)
	if err != nil {
		trace.SpanFromContext(ctx).RecordError(fmt.Errorf("codeloop: computing reverse diff: %w", err))
		return
	}
	if _, err := g.patcher.Apply(ctx, collab.EditsPackage{Description: "codeloop rollback", Diff: reverse}); err != nil {
		trace.SpanFromContext(ctx).RecordError(fmt.Errorf("codeloop: rollback apply: %w", err))
	}
}

// persist validates the artifact's schema, then writes it regardless of
// outcome — a rejected or rolled-back cycle is as much a result as a
// committed one.
func (g *Gate) persist(ctx context.Context, artifact model.CodeLoopArtifact) (model.CodeLoopArtifact, error) {
	if err := g.validate.Struct(artifact); err != nil {
		return model.CodeLoopArtifact{}, fmt.Errorf("codeloop: artifact failed schema validation: %w", err)
	}
	return g.store.InsertCodeLoopArtifact(ctx, artifact)
}

// diffStats parses a unified diff and returns the distinct files it touches
// and its total added+removed line count, the same accounting
// services/code_buddy/validate/patch.go uses for its size cap.
func diffStats(patchText string) (files []string, loc int, err error) {
	fileDiffs, err := sgdiff.NewMultiFileDiffReader(strings.NewReader(patchText)).ReadAllFiles()
	if err != nil {
		return nil, 0, err
	}

	seen := map[string]bool{}
	for _, fd := range fileDiffs {
		name := fd.NewName
		if name == "" || name == "/dev/null" {
			name = fd.OrigName
		}
		name = strings.TrimPrefix(strings.TrimPrefix(name, "a/"), "b/")
		seen[name] = true

		for _, hunk := range fd.Hunks {
			for _, line := range strings.Split(string(hunk.Body), "\n") {
				switch {
				case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
					loc++
				case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
					loc++
				}
			}
		}
	}

	for f := range seen {
		files = append(files, f)
	}
	return files, loc, nil
}

// checkSyntax parses the added lines of every changed file with tree-sitter
// and fails if any produces a parse error. Unlike
// services/code_buddy/validate/patch.go this does not read the pre-image
// file off disk; the gate validates the diff's added content in isolation,
// which is enough to catch a critic emitting malformed code.
func checkSyntax(ctx context.Context, patchText string) error {
	fileDiffs, err := sgdiff.NewMultiFileDiffReader(strings.NewReader(patchText)).ReadAllFiles()
	if err != nil {
		return err
	}

	for _, fd := range fileDiffs {
		name := fd.NewName
		if name == "" || name == "/dev/null" {
			continue
		}
		name = strings.TrimPrefix(strings.TrimPrefix(name, "a/"), "b/")

		lang := languageFor(name)
		if lang == nil {
			continue
		}

		var added bytes.Buffer
		for _, hunk := range fd.Hunks {
			for _, line := range strings.Split(string(hunk.Body), "\n") {
				if strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++") {
					added.WriteString(strings.TrimPrefix(line, "+"))
					added.WriteString("\n")
				}
			}
		}
		if added.Len() == 0 {
			continue
		}

		parser := sitter.NewParser()
		parser.SetLanguage(lang)
		tree, err := parser.ParseCtx(ctx, nil, added.Bytes())
		parser.Close()
		if err != nil {
			return fmt.Errorf("parsing %s: %w", name, err)
		}
		hasErr := hasSyntaxError(tree.RootNode())
		tree.Close()
		if hasErr {
			return fmt.Errorf("%s: syntax error in added lines", name)
		}
	}
	return nil
}

func languageFor(path string) *sitter.Language {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return golang.GetLanguage()
	case ".py", ".pyi":
		return python.GetLanguage()
	case ".js", ".jsx", ".mjs", ".cjs":
		return javascript.GetLanguage()
	case ".ts", ".tsx", ".mts", ".cts":
		return typescript.GetLanguage()
	default:
		return nil
	}
}

func hasSyntaxError(node *sitter.Node) bool {
	if node == nil {
		return false
	}
	if node.IsError() || node.IsMissing() {
		return true
	}
	for i := uint32(0); i < node.ChildCount(); i++ {
		if hasSyntaxError(node.Child(int(i))) {
			return true
		}
	}
	return false
}

// reverseUnifiedDiff swaps additions and removals in every hunk of a unified
// diff, producing a patch that undoes it.
func reverseUnifiedDiff(patchText string) (string, error) {
	fileDiffs, err := sgdiff.NewMultiFileDiffReader(strings.NewReader(patchText)).ReadAllFiles()
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	for _, fd := range fileDiffs {
		reversed := &sgdiff.FileDiff{
			OrigName: fd.NewName,
			NewName:  fd.OrigName,
			Extended: fd.Extended,
		}
		for _, h := range fd.Hunks {
			reversed.Hunks = append(reversed.Hunks, reverseHunk(h))
		}

		out, err := sgdiff.PrintFileDiff(reversed)
		if err != nil {
			return "", err
		}
		buf.Write(out)
	}
	return buf.String(), nil
}

func reverseHunk(h *sgdiff.Hunk) *sgdiff.Hunk {
	lines := strings.Split(string(h.Body), "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
			out = append(out, "-"+line[1:])
		case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
			out = append(out, "+"+line[1:])
		default:
			out = append(out, line)
		}
	}
	return &sgdiff.Hunk{
		OrigStartLine: h.NewStartLine,
		OrigLines:     h.NewLines,
		NewStartLine:  h.OrigStartLine,
		NewLines:      h.OrigLines,
		Section:       h.Section,
		Body:          []byte(strings.Join(out, "\n")),
	}
}
