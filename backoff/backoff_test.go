package backoff

import (
	"testing"
	"time"
)

func TestConstant(t *testing.T) {
	s := Constant(2 * time.Second)
	for attempt := 1; attempt <= 5; attempt++ {
		if d := s.Delay(attempt); d != 2*time.Second {
			t.Fatalf("attempt %d: expected 2s, got %v", attempt, d)
		}
	}
}

func TestLinear(t *testing.T) {
	s := Linear(time.Second, 3*time.Second)

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 3 * time.Second},
		{4, 3 * time.Second}, // capped
	}
	for _, tc := range cases {
		if d := s.Delay(tc.attempt); d != tc.want {
			t.Fatalf("attempt %d: expected %v, got %v", tc.attempt, tc.want, d)
		}
	}
}

func TestExponential(t *testing.T) {
	s := Exponential(time.Second, 10*time.Second)

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second}, // capped
		{30, 10 * time.Second},
	}
	for _, tc := range cases {
		if d := s.Delay(tc.attempt); d != tc.want {
			t.Fatalf("attempt %d: expected %v, got %v", tc.attempt, tc.want, d)
		}
	}
}

func TestExponential_ZeroAttemptClamped(t *testing.T) {
	s := Exponential(time.Second, time.Minute)
	if d := s.Delay(0); d != time.Second {
		t.Fatalf("attempt 0 should clamp to first attempt, got %v", d)
	}
}

func TestExponentialWithJitter_Bounds(t *testing.T) {
	s := ExponentialWithJitter(time.Second, time.Minute)
	for range 50 {
		d := s.Delay(3) // full delay is 4s
		if d < 2*time.Second || d >= 4*time.Second {
			t.Fatalf("jittered delay %v outside [2s, 4s)", d)
		}
	}
}

func TestExponentialWithJitter_OverflowCapped(t *testing.T) {
	s := ExponentialWithJitter(time.Second, time.Minute)
	if d := s.Delay(100); d >= time.Minute {
		t.Fatalf("overflowing attempt should stay under cap, got %v", d)
	}
}
