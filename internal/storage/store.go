// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/promptforge/internal/bandit"
	"github.com/AleutianAI/promptforge/internal/config"
	"github.com/AleutianAI/promptforge/internal/model"
)

// Sentinel errors. Callers in internal/runner and internal/engine map these
// onto the StorageError taxonomy.
var (
	ErrRunNotFound        = errors.New("storage: run not found")
	ErrRunNotRunning      = errors.New("storage: run is not in running state")
	ErrRunAlreadyExists   = errors.New("storage: run already exists")
	ErrVariantNotFound    = errors.New("storage: variant not found")
	ErrRecipeNotFound     = errors.New("storage: recipe not found")
	ErrPromotionRejected  = errors.New("storage: variant does not meet promotion thresholds")
	ErrSnapshotNotFound   = errors.New("storage: analytics snapshot not found")
)

// Store is the durable store for the meta-evolution engine, backed by a
// single BadgerDB instance. All public methods are safe for concurrent use.
type Store struct {
	db       *DB
	armLocks sync.Map // map[string]*sync.Mutex, keyed by "taskClass:operator"
}

// NewStore wraps an already-opened DB.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

func getJSON(txn *badger.Txn, key []byte, out interface{}) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

func setJSON(txn *badger.Txn, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("storage: marshal %s: %w", key, err)
	}
	return txn.Set(key, data)
}

// CreateRun persists a new run in "running" status. If run.RunID is empty a
// uuid is generated. Fails if a run with the same id already exists.
func (s *Store) CreateRun(ctx context.Context, run model.Run) (model.Run, error) {
	if run.RunID == "" {
		run.RunID = uuid.NewString()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = model.RunStatusRunning
	}

	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(runKey(run.RunID)); err == nil {
			return ErrRunAlreadyExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return setJSON(txn, runKey(run.RunID), run)
	})
	if err != nil {
		return model.Run{}, err
	}
	return run, nil
}

// GetRun fetches a run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (model.Run, error) {
	var run model.Run
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		if err := getJSON(txn, runKey(runID), &run); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrRunNotFound
			}
			return err
		}
		return nil
	})
	return run, err
}

// SaveVariant persists a scored iteration. Rejects the write if the owning
// run does not exist or is not currently running, enforcing the
// Variant -> Run foreign-key invariant.
func (s *Store) SaveVariant(ctx context.Context, variant model.Variant) (model.Variant, error) {
	if variant.VariantID == "" {
		variant.VariantID = uuid.NewString()
	}
	if variant.CreatedAt.IsZero() {
		variant.CreatedAt = time.Now().UTC()
	}

	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		var run model.Run
		if err := getJSON(txn, runKey(variant.RunID), &run); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrRunNotFound
			}
			return err
		}
		if run.Status != model.RunStatusRunning {
			return ErrRunNotRunning
		}
		return setJSON(txn, variantKey(variant.RunID, variant.VariantID), variant)
	})
	if err != nil {
		return model.Variant{}, err
	}
	return variant, nil
}

// GetVariant fetches one variant by (run_id, variant_id).
func (s *Store) GetVariant(ctx context.Context, runID, variantID string) (model.Variant, error) {
	var v model.Variant
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		if err := getJSON(txn, variantKey(runID, variantID), &v); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrVariantNotFound
			}
			return err
		}
		return nil
	})
	return v, err
}

// ListVariants returns every variant of a run, ordered by iteration index.
func (s *Store) ListVariants(ctx context.Context, runID string) ([]model.Variant, error) {
	var out []model.Variant
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = variantPrefix(runID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			var v model.Variant
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &v) }); err != nil {
				return err
			}
			out = append(out, v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].IterationIndex < out[i].IterationIndex {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

// FinishRun marks a run complete/errored/cancelled. Idempotent: a run that
// already has FinishedAt set is left untouched and returns nil.
func (s *Store) FinishRun(ctx context.Context, runID string, status model.RunStatus, bestVariantID string, bestScore *float64, runErr string) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		var run model.Run
		if err := getJSON(txn, runKey(runID), &run); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrRunNotFound
			}
			return err
		}
		if run.FinishedAt != nil {
			return nil
		}

		now := time.Now().UTC()
		run.FinishedAt = &now
		run.Status = status
		run.Error = runErr
		if bestVariantID != "" {
			run.BestVariantID = bestVariantID
		}
		if bestScore != nil {
			run.BestScore = bestScore
		}
		return setJSON(txn, runKey(runID), run)
	})
}

func (s *Store) armLock(taskClass, operator string) *sync.Mutex {
	key := taskClass + ":" + operator
	lock, _ := s.armLocks.LoadOrStore(key, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// UpdateOperatorStat applies one incremental-mean update to a bandit arm
// under an exclusive per-arm lock, so concurrent iterations across runs that
// share a task class never race on the same (task_class, operator) stat.
// Every call is a real pull of the arm; human feedback must go through
// SetHumanFeedbackBias instead, which never touches Pulls/SumReward.
func (s *Store) UpdateOperatorStat(ctx context.Context, taskClass, operator string, reward float64) (model.OperatorStat, error) {
	lock := s.armLock(taskClass, operator)
	lock.Lock()
	defer lock.Unlock()

	var stat model.OperatorStat
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		key := operatorStatKey(taskClass, operator)
		if err := getJSON(txn, key, &stat); err != nil {
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			stat = model.OperatorStat{TaskClass: taskClass, Operator: operator}
		}

		pulls, sum, mean := bandit.UpdateIncrementalMean(stat.Pulls, stat.SumReward, reward)
		stat.Pulls, stat.SumReward, stat.MeanReward = pulls, sum, mean
		stat.LastUpdated = time.Now().UTC()
		return setJSON(txn, key, stat)
	})
	return stat, err
}

// SetHumanFeedbackBias overwrites the stored HumanFeedbackBias for one arm
// without touching Pulls/SumReward/MeanReward. Human ratings bias bandit
// selection only; they are not a pull of the arm.
func (s *Store) SetHumanFeedbackBias(ctx context.Context, taskClass, operator string, bias float64) (model.OperatorStat, error) {
	lock := s.armLock(taskClass, operator)
	lock.Lock()
	defer lock.Unlock()

	var stat model.OperatorStat
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		key := operatorStatKey(taskClass, operator)
		if err := getJSON(txn, key, &stat); err != nil {
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			stat = model.OperatorStat{TaskClass: taskClass, Operator: operator}
		}

		stat.HumanFeedbackBias = bias
		stat.LastUpdated = time.Now().UTC()
		return setJSON(txn, key, stat)
	})
	return stat, err
}

// GetOperatorStat returns the current stat for one arm, or a zero-value stat
// if it has never been pulled.
func (s *Store) GetOperatorStat(ctx context.Context, taskClass, operator string) (model.OperatorStat, error) {
	var stat model.OperatorStat
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		if err := getJSON(txn, operatorStatKey(taskClass, operator), &stat); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				stat = model.OperatorStat{TaskClass: taskClass, Operator: operator}
				return nil
			}
			return err
		}
		return nil
	})
	return stat, err
}

// ListOperatorStats returns every arm stat recorded for a task class. An
// empty taskClass returns the arm stats of every task class.
func (s *Store) ListOperatorStats(ctx context.Context, taskClass string) ([]model.OperatorStat, error) {
	var out []model.OperatorStat
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = operatorStatPrefix(taskClass)
		if taskClass == "" {
			opts.Prefix = []byte(prefixOperatorStat)
		}
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			var st model.OperatorStat
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &st) }); err != nil {
				return err
			}
			out = append(out, st)
		}
		return nil
	})
	return out, err
}

// InsertRating attaches human feedback to a variant. Rejected if the variant
// does not exist, enforcing the Rating -> Variant foreign-key invariant.
// Per spec, this never touches the variant's stored total_reward; callers
// that want it to influence future selection do so via SetHumanFeedbackBias.
func (s *Store) InsertRating(ctx context.Context, runID string, rating model.HumanRating) error {
	if rating.CreatedAt.IsZero() {
		rating.CreatedAt = time.Now().UTC()
	}
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(variantKey(runID, rating.VariantID)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrVariantNotFound
			}
			return err
		}
		return setJSON(txn, ratingKey(rating.VariantID), rating)
	})
}

// GetRating fetches the rating attached to a variant, if any.
func (s *Store) GetRating(ctx context.Context, variantID string) (model.HumanRating, bool, error) {
	var rating model.HumanRating
	found := false
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		if err := getJSON(txn, ratingKey(variantID), &rating); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		found = true
		return nil
	})
	return rating, found, err
}

// PromoteRecipe evaluates the promotion predicate from spec.md §3/§6 against
// baselineDelta and costRatio, and on success persists a StoredRecipe with
// the resulting approval state. Returns ErrPromotionRejected without storing
// anything if the variant falls short of the minimum thresholds.
func (s *Store) PromoteRecipe(ctx context.Context, taskClass, parentVariantID string, recipe model.Recipe, baselineDelta, costRatio float64, promCfg config.PromotionConfig) (model.StoredRecipe, error) {
	if baselineDelta < promCfg.DeltaRewardMin || costRatio > promCfg.CostRatioMax {
		return model.StoredRecipe{}, ErrPromotionRejected
	}

	approval := model.RecipeApprovalPending
	if baselineDelta >= promCfg.AutoApproveDelta && costRatio <= promCfg.AutoApproveCostRatio {
		approval = model.RecipeApprovalAuto
	}

	stored := model.StoredRecipe{
		RecipeID:        uuid.NewString(),
		TaskClass:       taskClass,
		ParentVariantID: parentVariantID,
		Recipe:          recipe,
		BaselineDelta:   baselineDelta,
		CostRatio:       costRatio,
		Approved:        approval,
		CreatedAt:       time.Now().UTC(),
	}

	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, recipeKey(taskClass, stored.RecipeID), stored)
	})
	if err != nil {
		return model.StoredRecipe{}, err
	}
	return stored, nil
}

// ListRecipes returns every stored recipe for a task class, most recently
// created first.
func (s *Store) ListRecipes(ctx context.Context, taskClass string) ([]model.StoredRecipe, error) {
	var out []model.StoredRecipe
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = recipePrefix(taskClass)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			var r model.StoredRecipe
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &r) }); err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].CreatedAt.After(out[i].CreatedAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

// IncrementRecipeUse bumps a stored recipe's usage counter by one, under the
// same per-key transactional retry as every other write.
func (s *Store) IncrementRecipeUse(ctx context.Context, taskClass, recipeID string) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		var r model.StoredRecipe
		key := recipeKey(taskClass, recipeID)
		if err := getJSON(txn, key, &r); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrRecipeNotFound
			}
			return err
		}
		r.Uses++
		return setJSON(txn, key, r)
	})
}

// InsertGoldenResult persists one full Golden Set execution.
func (s *Store) InsertGoldenResult(ctx context.Context, result model.GoldenResult) (model.GoldenResult, error) {
	if result.ResultID == "" {
		result.ResultID = uuid.NewString()
	}
	if result.RunAt.IsZero() {
		result.RunAt = time.Now().UTC()
	}
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, goldenKey(result.ResultID), result)
	})
	if err != nil {
		return model.GoldenResult{}, err
	}
	return result, nil
}

// GetGoldenResult fetches one Golden Set execution by id.
func (s *Store) GetGoldenResult(ctx context.Context, resultID string) (model.GoldenResult, error) {
	var result model.GoldenResult
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, goldenKey(resultID), &result)
	})
	return result, err
}

// InsertCodeLoopArtifact persists one gated self-edit cycle.
func (s *Store) InsertCodeLoopArtifact(ctx context.Context, artifact model.CodeLoopArtifact) (model.CodeLoopArtifact, error) {
	if artifact.LoopID == "" {
		artifact.LoopID = uuid.NewString()
	}
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now().UTC()
	}
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, codeLoopKey(artifact.LoopID), artifact)
	})
	if err != nil {
		return model.CodeLoopArtifact{}, err
	}
	return artifact, nil
}

// ListCodeLoopArtifacts returns every code-loop artifact recorded, most
// recent first. The engine scans it to look up an artifact by loop id.
func (s *Store) ListCodeLoopArtifacts(ctx context.Context) ([]model.CodeLoopArtifact, error) {
	var out []model.CodeLoopArtifact
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixCodeLoop)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			var a model.CodeLoopArtifact
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &a) }); err != nil {
				return err
			}
			out = append(out, a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].CreatedAt.After(out[i].CreatedAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

// SnapshotPut caches an analytics roll-up for a window.
func (s *Store) SnapshotPut(ctx context.Context, snap model.AnalyticsSnapshot) error {
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, snapshotKey(string(snap.Window)), snap)
	})
}

// SnapshotGet fetches the cached analytics snapshot for a window, if any.
func (s *Store) SnapshotGet(ctx context.Context, window model.AnalyticsWindow) (model.AnalyticsSnapshot, error) {
	var snap model.AnalyticsSnapshot
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		if err := getJSON(txn, snapshotKey(string(window)), &snap); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrSnapshotNotFound
			}
			return err
		}
		return nil
	})
	return snap, err
}
