package core

import (
	"LendLedger/internal/observability"
)

// PriceSequenceValidator orders price feed updates.
// Stale updates are ignored, gaps are tolerated and counted.
// Not thread-safe: only accessed from the processor goroutine.
type PriceSequenceValidator struct {
	last    int64 // highest accepted sequence
	gaps    int64
	stale   int64
	metrics *observability.Metrics
}

func NewPriceSequenceValidator(metrics *observability.Metrics) *PriceSequenceValidator {
	return &PriceSequenceValidator{metrics: metrics}
}

// Accept reports whether an update carrying seq should be applied.
// A zero sequence means the source does not order its updates.
func (v *PriceSequenceValidator) Accept(seq int64) bool {
	if seq == 0 {
		return true
	}
	if seq <= v.last {
		v.stale++
		if v.metrics != nil {
			v.metrics.PriceSequenceStale.Inc()
		}
		return false
	}
	if v.last > 0 && seq > v.last+1 {
		v.gaps++
		if v.metrics != nil {
			v.metrics.PriceSequenceGap.Inc()
		}
	}
	return true
}

// Commit records seq after the update was applied.
func (v *PriceSequenceValidator) Commit(seq int64) {
	if seq > v.last {
		v.last = seq
	}
}

// Last returns the highest applied sequence (for snapshots).
func (v *PriceSequenceValidator) Last() int64 {
	return v.last
}

// Restore sets the highest applied sequence during recovery.
func (v *PriceSequenceValidator) Restore(seq int64) {
	v.last = seq
}

func (v *PriceSequenceValidator) Gaps() int64  { return v.gaps }
func (v *PriceSequenceValidator) Stale() int64 { return v.stale }
