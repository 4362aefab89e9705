package clock

import (
	"testing"
	"time"
)

func TestNow_ReturnsCurrentTime(t *testing.T) {
	before := time.Now()
	result := Now()
	after := time.Now()

	if result.Before(before) || result.After(after) {
		t.Errorf("Now() returned %v, expected between %v and %v", result, before, after)
	}
}

func TestMockClock(t *testing.T) {
	start := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	mock := NewMockClock(start)

	if !mock.Now().Equal(start) {
		t.Fatalf("Now() = %v, want %v", mock.Now(), start)
	}

	mock.Advance(time.Hour)
	if got := mock.Since(start); got != time.Hour {
		t.Errorf("Since() = %v, want 1h", got)
	}

	later := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.Set(later)
	if !mock.Now().Equal(later) {
		t.Errorf("after Set, Now() = %v, want %v", mock.Now(), later)
	}
}

func TestRealClockImplementsClock(t *testing.T) {
	var c Clock = RealClock{}
	if c.Now().IsZero() {
		t.Error("RealClock.Now() returned zero time")
	}
}
