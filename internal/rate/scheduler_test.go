package rate

import (
	"context"
	"testing"
	"time"
)

type fakeCPU struct{ percent float64 }

func (f fakeCPU) Percent(ctx context.Context) (float64, error) { return f.percent, nil }

func defaultBounds() Bounds {
	return Bounds{MaxInFlight: 5, MinInterval: 16 * time.Millisecond, MaxInterval: 2 * time.Second}
}

func defaultThresholds() Thresholds {
	return Thresholds{CPUHigh: 80, CPULow: 40}
}

func TestInitialState(t *testing.T) {
	s := New(defaultBounds(), defaultThresholds(), fakeCPU{percent: 10})
	if s.MaxInFlight != 1 {
		t.Fatalf("expected initial max_in_flight 1, got %d", s.MaxInFlight)
	}
	if s.Interval != s.bounds.MinInterval {
		t.Fatalf("expected initial interval == r_min")
	}
}

func TestDecreaseOnHighCPU(t *testing.T) {
	s := New(defaultBounds(), defaultThresholds(), fakeCPU{percent: 90})
	before := s.Interval
	d, err := s.Tick(context.Background(), Counters{}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != "decrease" {
		t.Fatalf("expected decrease action at cpu above threshold, got %q", d.Action)
	}
	if s.Interval <= before {
		t.Fatalf("expected interval to grow on decrease, before=%v after=%v", before, s.Interval)
	}
	if s.Penalty() == 0 {
		t.Fatalf("expected penalty to accrue after a decrease")
	}
}

func TestIncreaseAbsorbedByPenaltyBeforeApplying(t *testing.T) {
	s := New(defaultBounds(), defaultThresholds(), fakeCPU{percent: 90})
	// CPU is above cpu_high, so all three ticks decrease; the second and
	// third also observe the timeout counter growing.
	s.Tick(context.Background(), Counters{CorrelationTimeouts: 0}, time.Second)
	s.Tick(context.Background(), Counters{CorrelationTimeouts: 1}, time.Second)
	s.Tick(context.Background(), Counters{CorrelationTimeouts: 2}, time.Second)
	penaltyAfterDecreases := s.Penalty()
	if penaltyAfterDecreases == 0 {
		t.Fatalf("expected nonzero penalty after three decreases")
	}

	s.cpu = fakeCPU{percent: 10}
	maxInFlightBefore := s.MaxInFlight
	s.Tick(context.Background(), Counters{CorrelationTimeouts: 2, RequestsSent: 1000}, time.Second)
	if s.MaxInFlight != maxInFlightBefore {
		t.Fatalf("expected increase to be absorbed by penalty, max_in_flight changed from %d to %d", maxInFlightBefore, s.MaxInFlight)
	}
	if s.Penalty() >= penaltyAfterDecreases {
		t.Fatalf("expected penalty to be paid down by the absorbed increase")
	}
}

func TestMaxPerformanceStopsIncreasing(t *testing.T) {
	s := New(defaultBounds(), defaultThresholds(), fakeCPU{percent: 10})
	s.MaxPerformance = true
	// The first tick only seeds the counters; the second sees full
	// concurrency at low CPU and, without MaxPerformance, would raise
	// max_in_flight from 1 to 2.
	s.Tick(context.Background(), Counters{}, time.Second)
	maxInFlightBefore := s.MaxInFlight
	s.Tick(context.Background(), Counters{RequestsSent: 1000}, time.Second)
	if s.MaxInFlight != maxInFlightBefore {
		t.Fatalf("expected max performance state to suppress further increases")
	}
}

func TestMaxPerformanceClearedByNextDecrease(t *testing.T) {
	bounds := Bounds{MaxInFlight: 1, MinInterval: 16 * time.Millisecond, MaxInterval: time.Second}
	s := New(bounds, defaultThresholds(), fakeCPU{percent: 90})
	s.MaxPerformance = true

	s.Tick(context.Background(), Counters{FailedRequests: 1}, time.Second)
	if s.MaxPerformance {
		t.Fatalf("expected a decrease to clear max performance")
	}

	s.cpu = fakeCPU{percent: 10}
	// The first increase tick only pays down the penalty the decrease
	// above accrued; the second is what actually applies the mutation
	// rule and re-reaches max performance.
	s.Tick(context.Background(), Counters{FailedRequests: 1, RequestsSent: 2000}, time.Second)
	s.Tick(context.Background(), Counters{FailedRequests: 1, RequestsSent: 3000}, time.Second)
	if !s.MaxPerformance {
		t.Fatalf("expected increases to resume and re-reach max performance after the decrease")
	}
}
