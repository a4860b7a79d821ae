// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package operator

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyRaiseTempClampsAtMax(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	base := DefaultRecipe()
	base.Temperature = tempMax - 0.01

	recipe := Apply(RaiseTemp, base, rng)
	assert.LessOrEqual(t, recipe.Temperature, tempMax)
}

func TestApplyLowerTempClampsAtMin(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	base := DefaultRecipe()
	base.Temperature = tempMin + 0.01

	recipe := Apply(LowerTemp, base, rng)
	assert.GreaterOrEqual(t, recipe.Temperature, tempMin)
}

func TestApplyToggleWebFlips(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	base := DefaultRecipe()
	require.False(t, base.UseWeb)

	recipe := Apply(ToggleWeb, base, rng)
	assert.True(t, recipe.UseWeb)

	recipe2 := Apply(ToggleWeb, recipe, rng)
	assert.False(t, recipe2.UseWeb)
}

func TestApplyUseAltEngineSwitchesBothWays(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	base := DefaultRecipe()
	base.Engine = "primary"

	alt := Apply(UseAltEngine, base, rng)
	assert.Equal(t, "alternate", alt.Engine)

	back := Apply(UseAltEngine, alt, rng)
	assert.Equal(t, "primary", back.Engine)
}

func TestApplyDoesNotMutateBase(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	base := DefaultRecipe()
	baseCopy := base

	_ = Apply(RaiseTemp, base, rng)
	assert.Equal(t, baseCopy, base)
}

func TestFrameworkOfCoversAllOperators(t *testing.T) {
	for _, name := range All {
		fw := FrameworkOf(name)
		assert.NotEmpty(t, fw)
	}
}

func TestApplyAddFewshotIsReproducibleForAGivenSeed(t *testing.T) {
	base := DefaultRecipe()

	rngA := rand.New(rand.NewSource(11))
	rngB := rand.New(rand.NewSource(11))

	a := Apply(AddFewshot, base, rngA)
	b := Apply(AddFewshot, base, rngB)

	assert.Equal(t, a.Fewshot, b.Fewshot)
	assert.Contains(t, FewshotExamples, fewshotKeys[0])
}

func TestRaiseAndLowerTopKStayInBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	base := DefaultRecipe()
	base.TopK = topKMax - 1

	recipe := Apply(RaiseTopK, base, rng)
	assert.LessOrEqual(t, recipe.TopK, topKMax)

	base.TopK = topKMin + 1
	recipe = Apply(LowerTopK, base, rng)
	assert.GreaterOrEqual(t, recipe.TopK, topKMin)
}
