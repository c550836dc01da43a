// Package health tracks the persistence layer's failure streak. The monitor
// flips unhealthy only after a configurable number of consecutive failures,
// so a transient disk hiccup does not mark the whole engine degraded.
package health

import (
	"sync"
	"time"
)

// DefaultThreshold is the consecutive-failure count at which the monitor
// reports unhealthy.
const DefaultThreshold = 3

// Status is a point-in-time snapshot of the monitor. Reading it never
// mutates the monitor.
type Status struct {
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSuccess         time.Time `json:"last_success,omitempty"`
}

// Monitor counts consecutive failures against a threshold. Safe for
// concurrent use.
type Monitor struct {
	mu        sync.Mutex
	threshold int
	failures  int
	lastOK    time.Time
	now       func() time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithThreshold sets the consecutive-failure threshold. Values below 1 are
// clamped to 1.
func WithThreshold(n int) Option {
	return func(m *Monitor) {
		if n < 1 {
			n = 1
		}
		m.threshold = n
	}
}

// WithClock overrides the monitor's time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// NewMonitor returns a healthy monitor with zero recorded failures.
func NewMonitor(opts ...Option) *Monitor {
	m := &Monitor{
		threshold: DefaultThreshold,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RecordSuccess resets the failure streak and stamps the success time.
func (m *Monitor) RecordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = 0
	m.lastOK = m.now()
}

// RecordFailure extends the failure streak.
func (m *Monitor) RecordFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures++
}

// Status returns the current snapshot. It has no side effects: repeated
// reads of a degraded monitor keep reporting degraded until a success is
// recorded.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Healthy:             m.failures < m.threshold,
		ConsecutiveFailures: m.failures,
		LastSuccess:         m.lastOK,
	}
}

// Healthy reports whether the failure streak is below the threshold.
func (m *Monitor) Healthy() bool {
	return m.Status().Healthy
}
