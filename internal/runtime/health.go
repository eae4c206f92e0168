package runtime

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/endpointdefense/huntcore/pkg/logger"
)

// BudgetWarner throttles the rule-health warning spec.md §7 calls for on
// repeated budget exceedance: a hot, persistently-misbehaving predicate
// would otherwise flood the log once per evaluation.
type BudgetWarner struct {
	log      *logger.Logger
	sometime rate.Sometimes
}

// NewBudgetWarner returns a warner that logs at most once per 10 seconds
// per call site (each flavor's evalWith/run calls share one warner
// instance, so the throttle is per-runtime, not per-predicate).
func NewBudgetWarner(log *logger.Logger) *BudgetWarner {
	if log == nil {
		log = logger.NewDefault("runtime")
	}
	return &BudgetWarner{log: log, sometime: rate.Sometimes{Interval: 10 * time.Second}}
}

// Warn records a budget-exceeded occurrence, logging at most once per
// throttle window.
func (w *BudgetWarner) Warn(flavor, predicateID string) {
	w.sometime.Do(func() {
		w.log.WithField("flavor", flavor).WithField("predicate_id", predicateID).
			Warn("predicate repeatedly exceeding evaluation budget")
	})
}
