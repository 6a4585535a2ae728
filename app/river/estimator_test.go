package river

import (
	"testing"
	"time"
)

const (
	testMin = 5 * time.Minute
	testMax = 60 * time.Minute
)

func newTestEstimator() *Estimator {
	return NewEstimator(testMin, testMax, 0.3, 5)
}

func TestEstimatorSeed(t *testing.T) {
	est := newTestEstimator()

	expected := (testMin + testMax) / 2
	if est.Seed() != expected {
		t.Errorf("Expected seed %v, got %v", expected, est.Seed())
	}
}

func TestNextDelayFirstCheck(t *testing.T) {
	est := newTestEstimator()

	st := &FeedState{ID: "https://example.com/feed", Weight: 1}
	if d := est.NextDelay(st); d != testMin {
		t.Errorf("Expected min interval %v before first check, got %v", testMin, d)
	}

	// After exactly one check there is still no usable history.
	st.CheckCount = 1
	st.EverChecked = true
	if d := est.NextDelay(st); d != testMin {
		t.Errorf("Expected min interval %v after first check, got %v", testMin, d)
	}
}

func TestNextDelayUsesSeedAfterSecondCheck(t *testing.T) {
	est := newTestEstimator()

	st := &FeedState{
		ID:               "https://example.com/feed",
		Weight:           1,
		CheckCount:       2,
		EverChecked:      true,
		IntervalEstimate: est.Seed(),
	}

	expected := est.Seed() // 32.5m, within bounds
	if d := est.NextDelay(st); d != expected {
		t.Errorf("Expected seed delay %v, got %v", expected, d)
	}
}

func TestNextDelayClampedToBounds(t *testing.T) {
	est := newTestEstimator()

	st := &FeedState{
		ID:               "https://example.com/feed",
		Weight:           1,
		CheckCount:       5,
		EverChecked:      true,
		IntervalEstimate: time.Second,
	}
	if d := est.NextDelay(st); d != testMin {
		t.Errorf("Expected clamp to min %v, got %v", testMin, d)
	}

	st.IntervalEstimate = 48 * time.Hour
	if d := est.NextDelay(st); d != testMax {
		t.Errorf("Expected clamp to max %v, got %v", testMax, d)
	}
}

func TestNextDelayWeightDoublesFrequency(t *testing.T) {
	est := newTestEstimator()

	heavy := &FeedState{
		ID:               "https://a.example.com/feed",
		Weight:           2,
		CheckCount:       3,
		EverChecked:      true,
		IntervalEstimate: 40 * time.Minute,
	}
	light := &FeedState{
		ID:               "https://b.example.com/feed",
		Weight:           1,
		CheckCount:       3,
		EverChecked:      true,
		IntervalEstimate: 40 * time.Minute,
	}

	heavyDelay := est.NextDelay(heavy)
	lightDelay := est.NextDelay(light)

	if heavyDelay != lightDelay/2 {
		t.Errorf("Expected weighted delay %v to be half of %v", heavyDelay, lightDelay)
	}
}

func TestObserveSuccessEWMA(t *testing.T) {
	est := newTestEstimator()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	lastItem := now.Add(-10 * time.Minute)
	st := &FeedState{
		ID:               "https://example.com/feed",
		Weight:           1,
		IntervalEstimate: 30 * time.Minute,
		LastItemAt:       &lastItem,
	}

	est.ObserveSuccess(st, 2, now)

	// 0.3*10m + 0.7*30m = 24m
	expected := 24 * time.Minute
	if st.IntervalEstimate != expected {
		t.Errorf("Expected estimate %v, got %v", expected, st.IntervalEstimate)
	}
	if st.LastItemAt == nil || !st.LastItemAt.Equal(now) {
		t.Errorf("Expected last item time %v, got %v", now, st.LastItemAt)
	}
}

func TestObserveSuccessNoNewItemsKeepsTrend(t *testing.T) {
	est := newTestEstimator()
	now := time.Now().UTC()

	lastItem := now.Add(-10 * time.Minute)
	st := &FeedState{
		ID:               "https://example.com/feed",
		Weight:           1,
		IntervalEstimate: 30 * time.Minute,
		LastItemAt:       &lastItem,
	}

	est.ObserveSuccess(st, 0, now)

	if st.IntervalEstimate != 30*time.Minute {
		t.Errorf("Quiet check must not move the estimate, got %v", st.IntervalEstimate)
	}
	if !st.LastItemAt.Equal(lastItem) {
		t.Errorf("Quiet check must not advance the item timestamp")
	}
}

func TestObserveSuccessFirstItemUsesLastChecked(t *testing.T) {
	est := newTestEstimator()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	lastChecked := now.Add(-20 * time.Minute)
	st := &FeedState{
		ID:               "https://example.com/feed",
		Weight:           1,
		IntervalEstimate: 30 * time.Minute,
		LastCheckedAt:    &lastChecked,
	}

	est.ObserveSuccess(st, 1, now)

	// 0.3*20m + 0.7*30m = 27m
	expected := 27 * time.Minute
	if st.IntervalEstimate != expected {
		t.Errorf("Expected estimate %v, got %v", expected, st.IntervalEstimate)
	}
}

func TestNextDelayBackoffGrowsAndCaps(t *testing.T) {
	est := newTestEstimator()

	st := &FeedState{
		ID:               "https://example.com/feed",
		Weight:           1,
		CheckCount:       4,
		EverChecked:      true,
		IntervalEstimate: 10 * time.Minute,
	}

	st.ConsecutiveFailures = 1
	one := est.NextDelay(st)
	if one != 20*time.Minute {
		t.Errorf("Expected 20m after one failure, got %v", one)
	}

	st.ConsecutiveFailures = 3
	three := est.NextDelay(st)
	if three <= one {
		t.Errorf("Expected three failures (%v) to delay longer than one (%v)", three, one)
	}

	st.ConsecutiveFailures = 50
	if d := est.NextDelay(st); d != testMax {
		t.Errorf("Expected backoff capped at max %v, got %v", testMax, d)
	}
}

func TestNextDelayNeverExceedsMax(t *testing.T) {
	est := newTestEstimator()

	for failures := 0; failures <= 10; failures++ {
		st := &FeedState{
			ID:                  "https://example.com/feed",
			Weight:              0.25, // low weight stretches the effective delay
			CheckCount:          5,
			EverChecked:         true,
			IntervalEstimate:    testMax,
			ConsecutiveFailures: failures,
		}
		d := est.NextDelay(st)
		if d < testMin || d > testMax {
			t.Errorf("failures=%d: delay %v outside [%v, %v]", failures, d, testMin, testMax)
		}
	}
}

// Scenario: first check at t=0 returns items, second check at t=5m returns
// none. The first delay is minInterval, the second the (seeded) effective
// delay.
func TestScheduleScenario(t *testing.T) {
	est := newTestEstimator()
	t0 := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	st := &FeedState{ID: "https://example.com/feed", Weight: 1, IntervalEstimate: est.Seed()}

	// First check: 3 new items.
	est.ObserveSuccess(st, 3, t0)
	st.CheckCount = 1
	st.EverChecked = true
	checked := t0
	st.LastCheckedAt = &checked

	if d := est.NextDelay(st); d != testMin {
		t.Fatalf("Expected first delay %v, got %v", testMin, d)
	}

	// Second check at t=5m: nothing new.
	t1 := t0.Add(testMin)
	est.ObserveSuccess(st, 0, t1)
	st.CheckCount = 2
	st.LastCheckedAt = &t1

	expected := 1950 * time.Second // 32.5m midpoint of bounds
	if d := est.NextDelay(st); d != expected {
		t.Fatalf("Expected second delay %v, got %v", expected, d)
	}
	if d := est.NextDelay(st); d > testMax {
		t.Fatalf("Delay %v exceeds max %v", d, testMax)
	}
}
