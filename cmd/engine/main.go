// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command engine is the CLI entrypoint for the meta-evolution core: it wires
// storage, the runner, the job manager, the event bus, the golden evaluator,
// and the code-loop gate into internal/engine.Engine, then exposes
// start-run/cancel-run/watch/golden/code-loop/analytics as subcommands.
//
// Generation, judging, embedding, retrieval, and patching are external
// collaborators per spec.md §6; this binary wires in-process no-op
// collaborators by default so the loop is runnable standalone, and expects
// a real deployment to replace them with concrete clients at the call site
// (see internal/collab).
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/AleutianAI/promptforge/internal/collab"
	"github.com/AleutianAI/promptforge/internal/config"
	"github.com/AleutianAI/promptforge/internal/engine"
	"github.com/AleutianAI/promptforge/internal/eventbus"
	"github.com/AleutianAI/promptforge/internal/model"
	"github.com/AleutianAI/promptforge/internal/reward"
	"github.com/AleutianAI/promptforge/internal/storage"
)

var (
	configPath string
	storePath  string
	rt         *runtime
)

// runtime bundles the engine and the resources main must close on exit.
type runtime struct {
	eng            *engine.Engine
	db             *storage.DB
	shutdownTracer func(context.Context) error
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("engine: %v", err)
	}
}

var rootCmd = &cobra.Command{
	Use:   "engine",
	Short: "Self-improving prompt-optimization engine",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" {
			return nil
		}
		return bootstrap()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if rt != nil {
			rt.eng.Shutdown()
			_ = rt.db.Close()
			if rt.shutdownTracer != nil {
				_ = rt.shutdownTracer(context.Background())
			}
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML engine config (defaults baked in if omitted)")
	rootCmd.PersistentFlags().StringVar(&storePath, "store", "", "override storage path (overrides config storage.path)")

	rootCmd.AddCommand(startRunCmd, cancelRunCmd, watchCmd, getRunCmd, operatorStatsCmd, rateCmd, goldenCmd, codeLoopCmd, analyticsCmd)
}

func bootstrap() error {
	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	}
	if storePath != "" {
		cfg.Storage.Path = storePath
		cfg.Storage.InMemory = false
	}

	shutdownTracer, err := initTracer(context.Background())
	if err != nil {
		slog.Warn("tracing disabled", "error", err)
		shutdownTracer = nil
	}

	dbCfg := storage.DefaultConfig(cfg.Storage.Path)
	if cfg.Storage.InMemory {
		dbCfg = storage.InMemoryConfig()
	}
	dbCfg.Logger = slog.Default()

	db, err := storage.Open(dbCfg)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	store := storage.NewStore(db)

	deps := engine.Deps{
		Gen:    echoGenerator{},
		Judge:  heuristicJudge{},
		Embed:  hashEmbedder{},
		RAG:    emptyRetriever{},
		Memory: emptyRetriever{},
		Web:    emptyRetriever{},
		JudgePools: [3]reward.JudgePool{
			{Models: []string{"judge-primary-a", "judge-primary-b"}, Weights: []float64{0.6, 0.4}},
			{Models: []string{"judge-secondary-a", "judge-secondary-b"}, Weights: []float64{0.5, 0.5}},
			{Models: []string{"judge-tiebreaker"}, Weights: []float64{1.0}},
		},
		ModelID: "local-echo",
	}

	eng := engine.New(cfg, store, deps, slog.Default())
	rt = &runtime{eng: eng, db: db, shutdownTracer: shutdownTracer}
	return nil
}

// initTracer wires an OTLP gRPC trace exporter, grounded on the teacher's
// cmd/orchestrator/initTracer pattern. Absence of a reachable collector is
// non-fatal: the caller logs a warning and proceeds unstraced.
func initTracer(ctx context.Context) (func(context.Context) error, error) {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		endpoint = "localhost:4317"
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("creating trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("promptforge-engine")))
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(exporter)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) error { return tp.Shutdown(ctx) }, nil
}

var startRunCmd = &cobra.Command{
	Use:   "start-run",
	Short: "Start a new meta-evolution run",
	RunE: func(cmd *cobra.Command, args []string) error {
		taskClass, _ := cmd.Flags().GetString("task-class")
		task, _ := cmd.Flags().GetString("task")
		n, _ := cmd.Flags().GetInt("n")
		strategy, _ := cmd.Flags().GetString("strategy")
		epsilon, _ := cmd.Flags().GetFloat64("epsilon")
		seed, _ := cmd.Flags().GetInt64("seed")
		maskStr, _ := cmd.Flags().GetString("mask")

		run, err := rt.eng.StartRun(cmd.Context(), engine.StartRunRequest{
			TaskClass:     taskClass,
			Task:          task,
			NTotal:        n,
			Strategy:      model.Strategy(strategy),
			Epsilon:       epsilon,
			Seed:          seed,
			FrameworkMask: parseMask(maskStr),
		})
		if err != nil {
			return err
		}
		fmt.Println(run.RunID)
		return nil
	},
}

func parseMask(s string) []model.Framework {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []model.Framework
	for _, part := range strings.Split(s, ",") {
		out = append(out, model.Framework(strings.ToUpper(strings.TrimSpace(part))))
	}
	return out
}

var cancelRunCmd = &cobra.Command{
	Use:   "cancel-run <run_id>",
	Short: "Cancel an in-flight run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !rt.eng.CancelRun(args[0]) {
			return fmt.Errorf("run %s not active", args[0])
		}
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <run_id>",
	Short: "Stream run events to stdout until the run terminates",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sub := rt.eng.SubscribeEvents(cmd.Context(), args[0])
		defer sub.Close()
		for ev := range sub.Events {
			fmt.Printf("%s %s %s\n", time.Now().UTC().Format(time.RFC3339), ev.Kind, string(ev.Data))
			if ev.Kind == eventbus.KindDone || ev.Kind == eventbus.KindError {
				return nil
			}
		}
		return nil
	},
}

var getRunCmd = &cobra.Command{
	Use:   "get-run <run_id>",
	Short: "Print a run's current record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		run, err := rt.eng.GetRun(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%+v\n", run)
		return nil
	},
}

var operatorStatsCmd = &cobra.Command{
	Use:   "operator-stats [task_class]",
	Short: "List bandit arm statistics, optionally filtered by task class",
	RunE: func(cmd *cobra.Command, args []string) error {
		taskClass := ""
		if len(args) > 0 {
			taskClass = args[0]
		}
		stats, err := rt.eng.ListOperatorStats(cmd.Context(), taskClass)
		if err != nil {
			return err
		}
		for _, s := range stats {
			fmt.Printf("%s\t%s\tpulls=%d\tmean_reward=%.4f\n", s.TaskClass, s.Operator, s.Pulls, s.MeanReward)
		}
		return nil
	},
}

var rateCmd = &cobra.Command{
	Use:   "rate <run_id> <variant_id> <score 1-10>",
	Short: "Attach a human rating to a variant",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		score, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("score must be an integer: %w", err)
		}
		return rt.eng.Rate(cmd.Context(), args[0], model.HumanRating{
			VariantID: args[1],
			Score:     score,
		})
	},
}

var goldenCmd = &cobra.Command{
	Use:   "golden",
	Short: "Run the Golden Set evaluator and print its aggregate",
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := rt.eng.RunGolden(cmd.Context(), defaultGoldenSet(), defaultBaseRecipe())
		if err != nil {
			return err
		}
		fmt.Printf("pass_rate=%.3f avg_total_reward=%.3f avg_cost_penalty=%.3f\n",
			result.Aggregate.PassRate, result.Aggregate.AvgTotalReward, result.Aggregate.AvgCostPenalty)
		return nil
	},
}

var codeLoopCmd = &cobra.Command{
	Use:   "code-loop <source_run_id>",
	Short: "Run one gated self-edit cycle keyed by a prior run's id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		modeStr, _ := cmd.Flags().GetString("mode")
		artifact, err := rt.eng.RunCodeLoop(cmd.Context(), args[0], model.CodeLoopMode(modeStr))
		if err != nil {
			return err
		}
		fmt.Printf("decision=%s loop_id=%s\n", artifact.Decision, artifact.LoopID)
		return nil
	},
}

func init() {
	codeLoopCmd.Flags().String("mode", string(model.CodeLoopModeDryRun), "live|dry_run")
	startRunCmd.Flags().String("task-class", "", "task class")
	startRunCmd.Flags().String("task", "", "natural-language task")
	startRunCmd.Flags().Int("n", 16, "iteration budget")
	startRunCmd.Flags().String("strategy", "ucb1", "epsilon_greedy|ucb1")
	startRunCmd.Flags().Float64("epsilon", 0.6, "epsilon for epsilon_greedy")
	startRunCmd.Flags().Int64("seed", 0, "PRNG seed (0 == derive from current time)")
	startRunCmd.Flags().String("mask", "", "comma-separated framework mask, e.g. SEAL,WEB")
	_ = startRunCmd.MarkFlagRequired("task-class")
	_ = startRunCmd.MarkFlagRequired("task")
}

var analyticsCmd = &cobra.Command{
	Use:   "analytics <7d|30d|all>",
	Short: "Print the cached analytics snapshot for a window",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := rt.eng.GetAnalyticsSnapshot(cmd.Context(), model.AnalyticsWindow(args[0]))
		if err != nil {
			return err
		}
		fmt.Printf("%+v\n", snap)
		return nil
	},
}

func defaultGoldenSet() []model.GoldenItem {
	return []model.GoldenItem{
		{
			ID:         "smoke-1",
			TaskType:   "qa",
			TaskClass:  "smoke",
			Task:       "Summarize the purpose of this engine in one sentence.",
			Assertions: []string{"summary", "one sentence"},
			Seed:       1,
		},
	}
}

func defaultBaseRecipe() model.Recipe {
	return model.Recipe{
		System:      "You are a careful, concise assistant.",
		Temperature: 0.7,
		TopK:        40,
	}
}

// --- in-process default collaborators -------------------------------------
//
// Generation/judging/embedding/retrieval are external collaborators per
// spec.md §6 and are never implemented by the core. These defaults exist so
// the CLI is runnable standalone for demonstration and golden-set smoke
// testing; a real deployment overrides engine.Deps with concrete clients.

type echoGenerator struct{}

func (echoGenerator) Generate(ctx context.Context, recipe model.Recipe, prompt string) (collab.GenerationResult, error) {
	out := fmt.Sprintf("[%s] %s", recipe.System, prompt)
	return collab.GenerationResult{
		Output:       out,
		DurationMs:   1,
		PromptLength: len(prompt),
		EngineID:     "echo",
		ModelID:      "local-echo",
		TokenUsage:   collab.TokenUsage{Input: len(prompt) / 4, Output: len(out) / 4},
	}, nil
}

type heuristicJudge struct{}

func (heuristicJudge) Judge(ctx context.Context, modelID, task, output string) (collab.JudgeResult, error) {
	score := 0.5
	if strings.Contains(output, task[:minInt(len(task), 8)]) {
		score = 0.7
	}
	return collab.JudgeResult{Score: score, Rationale: "heuristic stand-in judge", DurationMs: 1}, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

type hashEmbedder struct{}

func (hashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	const dim = 32
	vec := make([]float32, dim)
	for i, r := range text {
		vec[i%dim] += float32(r%97) / 97.0
	}
	return vec, nil
}

type emptyRetriever struct{}

func (emptyRetriever) Retrieve(ctx context.Context, query string, k int) ([]string, error) {
	return nil, nil
}

func (emptyRetriever) Search(ctx context.Context, query string) ([]string, error) {
	return nil, nil
}
