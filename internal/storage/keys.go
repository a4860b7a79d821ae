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

import "fmt"

// Key prefixes. Badger has no tables, so every entity gets its own prefix
// and a composite suffix that preserves useful iteration order.
const (
	prefixRun          = "run:"
	prefixVariant      = "variant:"       // variant:<run_id>:<variant_id>
	prefixOperatorStat = "opstat:"        // opstat:<task_class>:<operator>
	prefixRecipe       = "recipe:"        // recipe:<task_class>:<recipe_id>
	prefixRating       = "rating:"        // rating:<variant_id>
	prefixGolden       = "golden:"        // golden:<result_id>
	prefixCodeLoop     = "codeloop:"      // codeloop:<loop_id>
	prefixSnapshot     = "snapshot:"      // snapshot:<window>
	prefixActiveLock   = "lock:arm:"      // lock:arm:<task_class>:<operator>
)

func runKey(runID string) []byte {
	return []byte(prefixRun + runID)
}

func variantKey(runID, variantID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixVariant, runID, variantID))
}

func variantPrefix(runID string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixVariant, runID))
}

func operatorStatKey(taskClass, operator string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixOperatorStat, taskClass, operator))
}

func operatorStatPrefix(taskClass string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixOperatorStat, taskClass))
}

func recipeKey(taskClass, recipeID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixRecipe, taskClass, recipeID))
}

func recipePrefix(taskClass string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixRecipe, taskClass))
}

func ratingKey(variantID string) []byte {
	return []byte(prefixRating + variantID)
}

func goldenKey(resultID string) []byte {
	return []byte(prefixGolden + resultID)
}

func codeLoopKey(loopID string) []byte {
	return []byte(prefixCodeLoop + loopID)
}

func snapshotKey(window string) []byte {
	return []byte(prefixSnapshot + window)
}
