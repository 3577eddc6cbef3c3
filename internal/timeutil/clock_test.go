package timeutil

import (
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	clock := RealClock{}
	before := time.Now()
	now := clock.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Errorf("Now() = %v, expected between %v and %v", now, before, after)
	}
}

func TestRealClock_Since(t *testing.T) {
	clock := RealClock{}
	past := time.Now().Add(-time.Second)
	if d := clock.Since(past); d < time.Second {
		t.Errorf("Since() returned %v, expected >= 1s", d)
	}
}

func TestMockClock(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)

	if !clock.Now().Equal(start) {
		t.Errorf("expected %v, got %v", start, clock.Now())
	}
	clock.Advance(90 * time.Second)
	if d := clock.Since(start); d != 90*time.Second {
		t.Errorf("expected 90s since start, got %v", d)
	}
}

func TestSteppingClock(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := NewSteppingClock(start, time.Second)

	first := clock.Now()
	second := clock.Now()
	if !first.Equal(start) {
		t.Errorf("first reading should be the start time, got %v", first)
	}
	if second.Sub(first) != time.Second {
		t.Errorf("expected readings one second apart, got %v", second.Sub(first))
	}
}

func TestDeadline(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)

	d := NewDeadline(clock, time.Minute)
	if d.Expired() {
		t.Fatal("deadline should not be expired at start")
	}
	clock.Advance(59 * time.Second)
	if d.Expired() {
		t.Error("deadline expired early")
	}
	clock.Advance(time.Second)
	if !d.Expired() {
		t.Error("deadline should expire after the limit")
	}
	if d.Elapsed() != time.Minute {
		t.Errorf("expected 1m elapsed, got %v", d.Elapsed())
	}

	unlimited := NewDeadline(clock, 0)
	clock.Advance(24 * time.Hour)
	if unlimited.Expired() {
		t.Error("zero limit should never expire")
	}

	var zero Deadline
	if zero.Expired() || zero.Elapsed() != 0 {
		t.Error("zero Deadline should be inert")
	}
}
