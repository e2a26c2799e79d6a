package detectors

import (
	"context"
	"fmt"
	"time"

	"github.com/rampart-ai/rampart/internal/engine"
)

// BehaviorDetector scores request velocity per client fingerprint using a
// sliding-window tracker handed in at construction time. It runs in the
// slow tier and only triggers on ambiguous requests: a clean request that
// the fast wave already cleared, or one it already condemned, gains
// nothing from a rate lookup.
type BehaviorDetector struct {
	engine.Spec

	tracker *RateTracker

	// Thresholds in requests per tracker window.
	softLimit int64
	hardLimit int64
}

// NewBehaviorDetector wires the detector to tracker. softLimit is where
// velocity starts contributing to the score, hardLimit is where it is
// treated as near-certain automation.
func NewBehaviorDetector(tracker *RateTracker, softLimit, hardLimit int64) *BehaviorDetector {
	if softLimit <= 0 {
		softLimit = 30
	}
	if hardLimit <= softLimit {
		hardLimit = softLimit * 4
	}
	return &BehaviorDetector{
		Spec: engine.Spec{
			DetectorName: "behavior_rate",
			DetectorTier: engine.TierSlow,
			TriggerWait:  5 * time.Millisecond,
			ExecWait:     25 * time.Millisecond,
		},
		tracker:   tracker,
		softLimit: softLimit,
		hardLimit: hardLimit,
	}
}

// Trigger fires only in the ambiguous band: some suspicion from earlier
// waves, but nothing decisive.
func (d *BehaviorDetector) Trigger(ctx context.Context, run *engine.RunState) bool {
	max := run.MaxConfidence()
	return max >= 0.20 && max < 0.95
}

func (d *BehaviorDetector) Detect(ctx context.Context, facts *engine.RequestFacts, run *engine.RunState) ([]engine.Signal, error) {
	subject := facts.Fingerprint
	if subject == "" {
		subject = facts.ClientIP
	}
	if subject == "" {
		return nil, nil
	}

	n := d.tracker.Observe(subject)
	if n < d.softLimit {
		return nil, nil
	}

	// Linear ramp from 0.5 at the soft limit to 0.95 at the hard limit.
	var confidence float32
	if n >= d.hardLimit {
		confidence = 0.95
	} else {
		frac := float32(n-d.softLimit) / float32(d.hardLimit-d.softLimit)
		confidence = 0.5 + 0.45*frac
	}

	return []engine.Signal{{
		Schema:     "behavior/v1",
		Confidence: confidence,
		Detail:     fmt.Sprintf("request velocity %d in window (soft %d, hard %d)", n, d.softLimit, d.hardLimit),
		Facts: map[string]string{
			"window_count": fmt.Sprintf("%d", n),
		},
	}}, nil
}
