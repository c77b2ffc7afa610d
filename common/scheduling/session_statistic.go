package scheduling

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MovingStat maintains a windowed moving sum and average over decimal samples.
type MovingStat struct {
	window int
	values []decimal.Decimal
	next   int
	n      int
	sum    decimal.Decimal
}

// NewMovingStat creates a MovingStat over a window of the given size.
func NewMovingStat(window int) *MovingStat {
	if window <= 0 {
		window = 1
	}

	return &MovingStat{
		window: window,
		values: make([]decimal.Decimal, window),
		sum:    decimal.Zero.Copy(),
	}
}

// Add records a new sample, evicting the oldest sample once the window is full.
func (s *MovingStat) Add(val decimal.Decimal) {
	s.sum = s.sum.Sub(s.values[s.next]).Add(val)
	s.values[s.next] = val
	s.next = (s.next + 1) % s.window

	if s.n < s.window {
		s.n++
	}
}

// Sum returns the moving sum over the current window.
func (s *MovingStat) Sum() decimal.Decimal {
	return s.sum
}

// N returns the number of samples currently in the window.
func (s *MovingStat) N() int {
	return s.n
}

// Avg returns the moving average, or zero if no samples have been recorded.
func (s *MovingStat) Avg() decimal.Decimal {
	if s.n == 0 {
		return decimal.Zero
	}
	return s.sum.Div(decimal.NewFromInt(int64(s.n)))
}

// SessionStatistics tracks per-session execution history: task latency and device
// utilization moving averages. The engine records them at task completion; no built-in
// policy reads them.
type SessionStatistics struct {
	mu sync.Mutex

	taskLatency *MovingStat
	utilization *MovingStat

	numTasksCompleted int64
	startedAt         time.Time
}

// NewSessionStatistics creates SessionStatistics with the given sampling window.
func NewSessionStatistics(window int) *SessionStatistics {
	return &SessionStatistics{
		taskLatency: NewMovingStat(window),
		utilization: NewMovingStat(window),
		startedAt:   time.Now(),
	}
}

// RecordTask records the latency of a completed task together with the ratio of
// observed-to-requested resource usage.
func (s *SessionStatistics) RecordTask(latency time.Duration, utilization decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.taskLatency.Add(decimal.NewFromFloat(latency.Seconds()))
	s.utilization.Add(utilization)
	s.numTasksCompleted++
}

// TaskLatency returns the moving average of task latency, in seconds.
func (s *SessionStatistics) TaskLatency() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.taskLatency.Avg()
}

// Utilization returns the moving average of observed-to-requested resource usage.
func (s *SessionStatistics) Utilization() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.utilization.Avg()
}

// NumTasksCompleted returns the number of tasks the session has completed.
func (s *SessionStatistics) NumTasksCompleted() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.numTasksCompleted
}

// StartedAt returns the time at which the session began running.
func (s *SessionStatistics) StartedAt() time.Time {
	return s.startedAt
}
