package detectors

import (
	"context"
	"testing"
	"time"

	"github.com/rampart-ai/rampart/internal/engine"
)

func behaviorFacts(fingerprint string) *engine.RequestFacts {
	return &engine.RequestFacts{
		Method:      "GET",
		Path:        "/search",
		ClientIP:    "198.51.100.7",
		Fingerprint: fingerprint,
	}
}

func TestBehaviorDetector_BelowSoftLimit(t *testing.T) {
	tracker := NewRateTracker(time.Minute, time.Second)
	d := NewBehaviorDetector(tracker, 30, 120)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		signals, err := d.Detect(ctx, behaviorFacts("client-a"), nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(signals) != 0 {
			t.Fatalf("signal below soft limit at hit %d: %+v", i+1, signals)
		}
	}
}

func TestBehaviorDetector_RampsWithVelocity(t *testing.T) {
	tracker := NewRateTracker(time.Minute, time.Second)
	d := NewBehaviorDetector(tracker, 10, 40)
	ctx := context.Background()

	var last float32
	for i := 0; i < 40; i++ {
		signals, err := d.Detect(ctx, behaviorFacts("client-b"), nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(signals) == 1 {
			if signals[0].Confidence < last {
				t.Errorf("confidence must not decrease under sustained load: %.2f after %.2f", signals[0].Confidence, last)
			}
			last = signals[0].Confidence
		}
	}
	if last < 0.9 {
		t.Errorf("sustained load should approach the hard-limit confidence, got %.2f", last)
	}
}

func TestBehaviorDetector_SubjectsIsolated(t *testing.T) {
	tracker := NewRateTracker(time.Minute, time.Second)
	d := NewBehaviorDetector(tracker, 5, 20)
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		d.Detect(ctx, behaviorFacts("noisy"), nil)
	}

	signals, err := d.Detect(ctx, behaviorFacts("quiet"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(signals) != 0 {
		t.Errorf("one client's burst must not taint another: %+v", signals)
	}
}

func TestBehaviorDetector_FallsBackToClientIP(t *testing.T) {
	tracker := NewRateTracker(time.Minute, time.Second)
	d := NewBehaviorDetector(tracker, 2, 10)
	ctx := context.Background()

	facts := behaviorFacts("")
	for i := 0; i < 5; i++ {
		d.Detect(ctx, facts, nil)
	}
	if tracker.Subjects() != 1 {
		t.Errorf("expected tracking keyed by client IP, subjects = %d", tracker.Subjects())
	}
}

func TestBehaviorDetector_TriggerBand(t *testing.T) {
	d := NewBehaviorDetector(NewRateTracker(time.Minute, time.Second), 30, 120)
	ctx := context.Background()

	tests := []struct {
		name       string
		confidence float32
		signals    int
		want       bool
	}{
		{"no suspicion", 0, 0, false},
		{"faint suspicion", 0.1, 1, false},
		{"ambiguous", 0.5, 1, true},
		{"already decisive", 0.97, 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run := engine.NewRunState(nil, behaviorFacts("x"))
			for i := 0; i < tt.signals; i++ {
				run.AddSignals(engine.Signal{Detector: "earlier", Confidence: tt.confidence})
			}
			if got := d.Trigger(ctx, run); got != tt.want {
				t.Errorf("Trigger = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRateTracker_WindowExpiry(t *testing.T) {
	tracker := NewRateTracker(100*time.Millisecond, 10*time.Millisecond)

	for i := 0; i < 5; i++ {
		tracker.Observe("s")
	}
	if n := tracker.Observe("s"); n != 6 {
		t.Fatalf("in-window count = %d, want 6", n)
	}

	time.Sleep(150 * time.Millisecond)
	if n := tracker.Observe("s"); n != 1 {
		t.Errorf("count after window expiry = %d, want 1", n)
	}
}
