// Package schedule holds the installment projection arithmetic shared by the
// rollover engine and the forecaster. Both must derive installment indexes
// from this single function so generated and projected schedules cannot drift.
package schedule

import "cofrinho/internal/core"

// InstallmentIndex returns the 1-based installment index of a finite
// obligation anchored at anchor, when observed in target. The second return
// is false when the obligation does not exist in that period: either target
// precedes the anchor or the lineage has already been paid off.
func InstallmentIndex(anchor core.Month, total int, target core.Month) (int, bool) {
	current := (target.Year-anchor.Year)*12 + (target.Month - anchor.Month) + 1
	if current < 1 || current > total {
		return 0, false
	}
	return current, true
}

// Active reports whether the obligation emits a payment in target.
func Active(anchor core.Month, total int, target core.Month) bool {
	_, ok := InstallmentIndex(anchor, total, target)
	return ok
}
