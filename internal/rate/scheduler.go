// Package rate implements the adaptive Rate Scheduler: one instance
// per scanner, ticked by the Supervisor every schedule_interval,
// adjusting (max_in_flight, interval_ms) from observed CPU load and
// request throughput (§4.8). CPU sampling is grounded on
// github.com/shirou/gopsutil, the library the wider example corpus
// reaches for instead of hand-parsing /proc/stat.
package rate

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
)

// Bounds are the (c_max, r_min, r_max) limits a Scheduler's state is
// clamped to (§4.8).
type Bounds struct {
	MaxInFlight int
	MinInterval time.Duration
	MaxInterval time.Duration
}

// Thresholds are the cpu_high/cpu_low percentages that drive the
// decrease/increase decision (§4.8).
type Thresholds struct {
	CPUHigh float64
	CPULow  float64
}

// Counters is the subset of a scanner's shared counters the Scheduler
// reads to detect a worsening trend (§4.8).
type Counters struct {
	CorrelationTimeouts uint64
	FailedRequests      uint64
	RequestsSent        uint64
}

// CPUReader samples the host's current CPU utilization percentage.
// Satisfied by gopsutil in production and a fake in tests.
type CPUReader interface {
	Percent(ctx context.Context) (float64, error)
}

type gopsutilReader struct{}

// NewCPUReader returns the production CPUReader backed by gopsutil.
func NewCPUReader() CPUReader { return gopsutilReader{} }

func (gopsutilReader) Percent(ctx context.Context) (float64, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil || len(percents) == 0 {
		return 0, err
	}
	return percents[0], nil
}

// Scheduler holds one scanner's (max_in_flight, interval_ms) state and
// the bookkeeping needed to decide each tick (§4.8).
type Scheduler struct {
	bounds     Bounds
	thresholds Thresholds
	cpu        CPUReader

	MaxInFlight int
	Interval    time.Duration

	penalty        int
	decreaseStreak int

	lastCounters   Counters
	haveLastCount  bool
	lastIntervalMs float64

	// MaxPerformance is set once c has reached c_max and r has reached
	// r_min, per §4.8's "mark max performance and stop increasing".
	MaxPerformance bool
}

// New creates a Scheduler at its initial state: c=1, r=r_min (§4.8).
func New(bounds Bounds, thresholds Thresholds, cpuReader CPUReader) *Scheduler {
	if cpuReader == nil {
		cpuReader = NewCPUReader()
	}
	return &Scheduler{
		bounds:      bounds,
		thresholds:  thresholds,
		cpu:         cpuReader,
		MaxInFlight: 1,
		Interval:    bounds.MinInterval,
	}
}

// Decision is the trend/action pair computed for one tick, exposed for
// observability and tests.
type Decision struct {
	CPUPercent     float64
	FailIncreasing bool
	FullConcurrency bool
	Action         string // "decrease", "increase", "hold"
}

// Tick samples CPU, derives the trend from counters, decides an
// action, and applies the (c, r) mutation rules (§4.8). intervalSinceLastTick
// is the wall-clock time elapsed since the previous Tick, used to
// measure throughput for the full_concurrency test.
func (s *Scheduler) Tick(ctx context.Context, counters Counters, intervalSinceLastTick time.Duration) (Decision, error) {
	percent, err := s.cpu.Percent(ctx)
	if err != nil {
		return Decision{}, err
	}

	failIncreasing := false
	fullConcurrency := false
	if s.haveLastCount {
		failIncreasing = counters.CorrelationTimeouts > s.lastCounters.CorrelationTimeouts ||
			counters.FailedRequests > s.lastCounters.FailedRequests
		sent := counters.RequestsSent - s.lastCounters.RequestsSent
		if intervalSinceLastTick > 0 {
			throughput := float64(sent) / intervalSinceLastTick.Seconds() * s.Interval.Seconds()
			fullConcurrency = throughput >= float64(s.MaxInFlight)
		}
	}
	s.lastCounters = counters
	s.haveLastCount = true

	decision := Decision{CPUPercent: percent, FailIncreasing: failIncreasing, FullConcurrency: fullConcurrency}

	switch {
	case failIncreasing || percent > s.thresholds.CPUHigh:
		decision.Action = "decrease"
		s.decrease()
	case fullConcurrency && percent < s.thresholds.CPULow:
		decision.Action = "increase"
		s.increase()
	default:
		decision.Action = "hold"
	}
	return decision, nil
}

// decrease applies §4.8's decrease mutation rule. Each consecutive
// decrease bumps the penalty counter by one more than the last bump
// (starting at 2), capped at 100, so a run of decreases costs
// increasingly more increases to pay down (§4.8 "damps oscillation").
func (s *Scheduler) decrease() {
	s.decreaseStreak++
	s.penalty += 1 + s.decreaseStreak
	if s.penalty > 100 {
		s.penalty = 100
	}
	// A decrease means conditions worsened, so max performance (reached
	// only by a run of increases) no longer holds — §4.8 "stop
	// increasing until next decrease" implies the next decrease is what
	// lifts that stop.
	s.MaxPerformance = false
	r := s.Interval
	switch {
	case r < 128*time.Millisecond && s.bounds.MaxInterval >= 128*time.Millisecond:
		r = r * 2
		if r < 16*time.Millisecond {
			r = 16 * time.Millisecond
		}
	case s.MaxInFlight > 1:
		s.MaxInFlight--
		return
	default:
		r += (s.bounds.MaxInterval - s.bounds.MinInterval) / 10
	}
	if r > s.bounds.MaxInterval {
		r = s.bounds.MaxInterval
	}
	s.Interval = r
}

// increase pays down the penalty counter by 2 first; only once the
// penalty has been fully paid off does the increase actually apply the
// (c, r) mutation rule — otherwise this tick is absorbed into the
// penalty, per §4.8 "a successful increase is preceded by
// decrementing a penalty counter".
func (s *Scheduler) increase() {
	s.decreaseStreak = 0
	wasPositive := s.penalty > 0
	s.penalty -= 2
	if s.penalty < 0 {
		s.penalty = 0
	}
	if wasPositive {
		return
	}
	if s.MaxPerformance {
		return
	}

	r := s.Interval
	switch {
	case r > 128*time.Millisecond:
		r -= (s.bounds.MaxInterval - s.bounds.MinInterval) / 10
		if r < 128*time.Millisecond {
			r = 128 * time.Millisecond
		}
		s.Interval = r
	case s.MaxInFlight < s.bounds.MaxInFlight:
		s.MaxInFlight++
	default:
		r = r / 2
		if r < s.bounds.MinInterval {
			r = s.bounds.MinInterval
		}
		s.Interval = r
	}

	if s.MaxInFlight == s.bounds.MaxInFlight && s.Interval == s.bounds.MinInterval {
		s.MaxPerformance = true
	}
}

// Penalty exposes the current penalty counter (tests, admin surface).
func (s *Scheduler) Penalty() int { return s.penalty }
