package river

import "time"

// Estimator computes per-feed check delays from observed history. The raw
// interval estimate tracks the feed's natural cadence; weight and backoff are
// applied on top when the next delay is computed, so neither corrupts the
// historical average.
type Estimator struct {
	minInterval time.Duration
	maxInterval time.Duration
	smoothing   float64 // EWMA factor, biased toward recent behavior
	backoffCap  int     // cap on the failure exponent
}

func NewEstimator(minInterval, maxInterval time.Duration, smoothing float64, backoffCap int) *Estimator {
	return &Estimator{
		minInterval: minInterval,
		maxInterval: maxInterval,
		smoothing:   smoothing,
		backoffCap:  backoffCap,
	}
}

// Seed is the initial interval estimate for a feed with no history.
func (e *Estimator) Seed() time.Duration {
	return (e.minInterval + e.maxInterval) / 2
}

// ObserveSuccess folds a successful check into the feed's interval estimate.
// Only checks that surfaced new items move the estimate; a quiet check leaves
// the trend untouched and the growth toward the effective delay happens in
// NextDelay. The gap is measured against the previous new-item observation,
// falling back to the previous check time for the feed's first item.
func (e *Estimator) ObserveSuccess(st *FeedState, newItems int, now time.Time) {
	if st.IntervalEstimate == 0 {
		st.IntervalEstimate = e.Seed()
	}
	if newItems == 0 {
		return
	}

	var since *time.Time
	if st.LastItemAt != nil {
		since = st.LastItemAt
	} else if st.LastCheckedAt != nil {
		since = st.LastCheckedAt
	}
	if since != nil {
		gap := now.Sub(*since)
		est := time.Duration(e.smoothing*float64(gap) + (1-e.smoothing)*float64(st.IntervalEstimate))
		st.IntervalEstimate = clampDuration(est, e.minInterval, e.maxInterval)
	}

	t := now
	st.LastItemAt = &t
}

// NextDelay computes the effective delay until the feed's next check.
// Weight divides the estimate so higher-weight feeds are checked more often
// than their cadence alone implies; failures multiply the effective delay by
// 2^min(failures, cap), never beyond maxInterval so a recovered feed is
// eventually re-tried.
func (e *Estimator) NextDelay(st *FeedState) time.Duration {
	if st.ConsecutiveFailures > 0 {
		delay := e.effectiveDelay(st)
		exp := st.ConsecutiveFailures
		if exp > e.backoffCap {
			exp = e.backoffCap
		}
		for i := 0; i < exp; i++ {
			delay *= 2
			if delay >= e.maxInterval {
				return e.maxInterval
			}
		}
		return delay
	}

	// A feed checked at most once has produced no usable history; re-check
	// as soon as the bounds allow.
	if st.CheckCount <= 1 {
		return e.minInterval
	}

	return e.effectiveDelay(st)
}

func (e *Estimator) effectiveDelay(st *FeedState) time.Duration {
	weight := st.Weight
	if weight <= 0 {
		weight = 1
	}
	est := st.IntervalEstimate
	if est == 0 {
		est = e.Seed()
	}
	return clampDuration(time.Duration(float64(est)/weight), e.minInterval, e.maxInterval)
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
