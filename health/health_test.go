package health

import (
	"testing"
	"time"
)

func TestThresholdFlip(t *testing.T) {
	m := NewMonitor(WithThreshold(3))

	m.RecordFailure()
	m.RecordFailure()
	if !m.Healthy() {
		t.Fatal("unhealthy below threshold")
	}

	m.RecordFailure()
	if m.Healthy() {
		t.Fatal("healthy at threshold")
	}
	if got := m.Status().ConsecutiveFailures; got != 3 {
		t.Fatalf("ConsecutiveFailures = %d, want 3", got)
	}
}

func TestSuccessResetsStreak(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m := NewMonitor(WithThreshold(2), WithClock(func() time.Time { return now }))

	m.RecordFailure()
	m.RecordFailure()
	if m.Healthy() {
		t.Fatal("expected unhealthy")
	}

	m.RecordSuccess()
	st := m.Status()
	if !st.Healthy || st.ConsecutiveFailures != 0 {
		t.Fatalf("after success: %+v", st)
	}
	if !st.LastSuccess.Equal(now) {
		t.Fatalf("LastSuccess = %v, want %v", st.LastSuccess, now)
	}
}

func TestStatusReadIsSideEffectFree(t *testing.T) {
	m := NewMonitor(WithThreshold(1))
	m.RecordFailure()

	for range 5 {
		if m.Status().Healthy {
			t.Fatal("status read reset the failure streak")
		}
	}
	if got := m.Status().ConsecutiveFailures; got != 1 {
		t.Fatalf("ConsecutiveFailures = %d after repeated reads, want 1", got)
	}
}

func TestThresholdClamp(t *testing.T) {
	m := NewMonitor(WithThreshold(0))
	m.RecordFailure()
	if m.Healthy() {
		t.Fatal("threshold 0 should clamp to 1")
	}
}
