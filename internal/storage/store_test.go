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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/promptforge/internal/config"
	"github.com/AleutianAI/promptforge/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func TestCreateAndGetRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, model.Run{TaskClass: "coding"})
	require.NoError(t, err)
	require.NotEmpty(t, run.RunID)

	got, err := s.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, run.RunID, got.RunID)
	assert.Equal(t, model.RunStatusRunning, got.Status)
}

func TestCreateRunDuplicateRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, model.Run{RunID: "fixed-id"})
	require.NoError(t, err)

	_, err = s.CreateRun(ctx, run)
	assert.ErrorIs(t, err, ErrRunAlreadyExists)
}

func TestSaveVariantRejectsUnknownRun(t *testing.T) {
	s := newTestStore(t)
	_, err := s.SaveVariant(context.Background(), model.Variant{RunID: "does-not-exist"})
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestSaveVariantRejectsNonRunningRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, model.Run{})
	require.NoError(t, err)
	require.NoError(t, s.FinishRun(ctx, run.RunID, model.RunStatusComplete, "", nil, ""))

	_, err = s.SaveVariant(ctx, model.Variant{RunID: run.RunID})
	assert.ErrorIs(t, err, ErrRunNotRunning)
}

func TestSaveVariantAndListOrdersByIteration(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, model.Run{})
	require.NoError(t, err)

	for _, idx := range []int{2, 0, 1} {
		_, err := s.SaveVariant(ctx, model.Variant{RunID: run.RunID, IterationIndex: idx})
		require.NoError(t, err)
	}

	variants, err := s.ListVariants(ctx, run.RunID)
	require.NoError(t, err)
	require.Len(t, variants, 3)
	assert.Equal(t, []int{0, 1, 2}, []int{variants[0].IterationIndex, variants[1].IterationIndex, variants[2].IterationIndex})
}

func TestFinishRunIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, model.Run{})
	require.NoError(t, err)

	best := 0.75
	require.NoError(t, s.FinishRun(ctx, run.RunID, model.RunStatusComplete, "v1", &best, ""))
	require.NoError(t, s.FinishRun(ctx, run.RunID, model.RunStatusError, "v2", nil, "should not overwrite"))

	got, err := s.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, got.Status)
	assert.Equal(t, "v1", got.BestVariantID)
	assert.Empty(t, got.Error)
}

func TestUpdateOperatorStatIncrementalMean(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, r := range []float64{0.5, 0.7, 0.3, 0.9} {
		_, err := s.UpdateOperatorStat(ctx, "coding", "raise_temp", r)
		require.NoError(t, err)
	}

	stat, err := s.GetOperatorStat(ctx, "coding", "raise_temp")
	require.NoError(t, err)
	assert.Equal(t, int64(4), stat.Pulls)
	assert.InDelta(t, 0.6, stat.MeanReward, 1e-9)
}

func TestSetHumanFeedbackBiasLeavesPullsAndMeanUntouched(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, r := range []float64{0.5, 0.7} {
		_, err := s.UpdateOperatorStat(ctx, "coding", "raise_temp", r)
		require.NoError(t, err)
	}

	_, err := s.SetHumanFeedbackBias(ctx, "coding", "raise_temp", 0.35)
	require.NoError(t, err)

	stat, err := s.GetOperatorStat(ctx, "coding", "raise_temp")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stat.Pulls)
	assert.InDelta(t, 0.6, stat.MeanReward, 1e-9)
	assert.InDelta(t, 0.35, stat.HumanFeedbackBias, 1e-9)
}

func TestUpdateOperatorStatConcurrentUpdatesDontLoseWrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateOperatorStat(ctx, "coding", "lower_temp", 1.0)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stat, err := s.GetOperatorStat(ctx, "coding", "lower_temp")
	require.NoError(t, err)
	assert.Equal(t, int64(50), stat.Pulls)
}

func TestInsertRatingRejectsUnknownVariant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run, err := s.CreateRun(ctx, model.Run{})
	require.NoError(t, err)

	err = s.InsertRating(ctx, run.RunID, model.HumanRating{VariantID: "missing"})
	assert.ErrorIs(t, err, ErrVariantNotFound)
}

func TestInsertRatingNeverTouchesVariantTotalReward(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run, err := s.CreateRun(ctx, model.Run{})
	require.NoError(t, err)

	variant, err := s.SaveVariant(ctx, model.Variant{RunID: run.RunID, TotalReward: 0.42})
	require.NoError(t, err)

	require.NoError(t, s.InsertRating(ctx, run.RunID, model.HumanRating{VariantID: variant.VariantID, Score: 9}))

	got, err := s.GetVariant(ctx, run.RunID, variant.VariantID)
	require.NoError(t, err)
	assert.Equal(t, 0.42, got.TotalReward)
}

func TestPromoteRecipeRejectedBelowThreshold(t *testing.T) {
	s := newTestStore(t)
	promCfg := config.DefaultConfig().Promotion

	_, err := s.PromoteRecipe(context.Background(), "coding", "v1", model.Recipe{}, 0.01, 0.5, promCfg)
	assert.ErrorIs(t, err, ErrPromotionRejected)
}

func TestPromoteRecipeAutoApproved(t *testing.T) {
	s := newTestStore(t)
	promCfg := config.DefaultConfig().Promotion

	stored, err := s.PromoteRecipe(context.Background(), "coding", "v1", model.Recipe{}, 0.25, 0.7, promCfg)
	require.NoError(t, err)
	assert.Equal(t, model.RecipeApprovalAuto, stored.Approved)
}

func TestPromoteRecipePendingWhenAboveMinButBelowAutoApprove(t *testing.T) {
	s := newTestStore(t)
	promCfg := config.DefaultConfig().Promotion

	stored, err := s.PromoteRecipe(context.Background(), "coding", "v1", model.Recipe{}, 0.10, 0.85, promCfg)
	require.NoError(t, err)
	assert.Equal(t, model.RecipeApprovalPending, stored.Approved)
}

func TestIncrementRecipeUse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	promCfg := config.DefaultConfig().Promotion

	stored, err := s.PromoteRecipe(ctx, "coding", "v1", model.Recipe{}, 0.3, 0.5, promCfg)
	require.NoError(t, err)

	require.NoError(t, s.IncrementRecipeUse(ctx, "coding", stored.RecipeID))
	require.NoError(t, s.IncrementRecipeUse(ctx, "coding", stored.RecipeID))

	recipes, err := s.ListRecipes(ctx, "coding")
	require.NoError(t, err)
	require.Len(t, recipes, 1)
	assert.Equal(t, int64(2), recipes[0].Uses)
}

func TestSnapshotPutAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.SnapshotPut(ctx, model.AnalyticsSnapshot{Window: model.AnalyticsWindow7d, Totals: map[string]float64{"runs": 3}})
	require.NoError(t, err)

	snap, err := s.SnapshotGet(ctx, model.AnalyticsWindow7d)
	require.NoError(t, err)
	assert.Equal(t, 3.0, snap.Totals["runs"])
}

func TestSnapshotGetMissingReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.SnapshotGet(context.Background(), model.AnalyticsWindowAll)
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}
