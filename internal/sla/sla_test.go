package sla_test

import (
	"testing"
	"time"

	"github.com/gregdigittal/agreement-automation-sub002/internal/sla"
)

func TestEvaluate(t *testing.T) {
	entered := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	cases := []struct {
		name         string
		thresholdHrs float64
		now          time.Time
		wantElapsed  float64
		wantBreached bool
	}{
		{"well within", 24, entered.Add(2 * time.Hour), 2, false},
		{"exactly at threshold", 24, entered.Add(24 * time.Hour), 24, false},
		{"just past threshold", 24, entered.Add(24*time.Hour + time.Minute), 24.0 + 1.0/60.0, true},
		{"long overrun", 24, entered.Add(50 * time.Hour), 50, true},
		{"fractional threshold", 0.5, entered.Add(31 * time.Minute), 31.0 / 60.0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := sla.Evaluate(entered, tc.thresholdHrs, tc.now)
			if v.Breached != tc.wantBreached {
				t.Fatalf("breached = %v, want %v", v.Breached, tc.wantBreached)
			}
			if diff := v.ElapsedHours - tc.wantElapsed; diff > 1e-9 || diff < -1e-9 {
				t.Fatalf("elapsed = %v, want %v", v.ElapsedHours, tc.wantElapsed)
			}
		})
	}
}

func TestEvaluateClockSkew(t *testing.T) {
	entered := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	// A now earlier than entry yields negative elapsed, never a breach.
	v := sla.Evaluate(entered, 1, entered.Add(-time.Hour))
	if v.Breached {
		t.Fatalf("expected no breach for negative elapsed")
	}
	if v.ElapsedHours >= 0 {
		t.Fatalf("expected negative elapsed, got %v", v.ElapsedHours)
	}
}

func TestDeadline(t *testing.T) {
	entered := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	got := sla.Deadline(entered, 12)
	want := time.Date(2024, 3, 1, 21, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("deadline = %v, want %v", got, want)
	}
	half := sla.Deadline(entered, 0.5)
	if !half.Equal(entered.Add(30 * time.Minute)) {
		t.Fatalf("fractional deadline = %v", half)
	}
}
