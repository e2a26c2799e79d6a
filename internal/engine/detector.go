package engine

import (
	"context"
	"time"
)

// Detector is the interface every evidence producer must implement.
// Implementations must respect context deadlines and return quickly.
type Detector interface {
	// Name returns the detector's unique identifier (e.g., "user_agent").
	Name() string

	// Tier returns the latency tier this detector runs in.
	Tier() Tier

	// Priority orders detectors into waves within a tier. Lower runs first.
	Priority() int

	// Enabled reports whether the detector participates at all.
	Enabled() bool

	// Optional detectors that fail or time out contribute nothing but do
	// not halt the run. A non-optional detector's failure is fatal.
	Optional() bool

	// TriggerTimeout bounds trigger-condition evaluation.
	TriggerTimeout() time.Duration

	// ExecutionTimeout bounds a single Detect call.
	ExecutionTimeout() time.Duration

	// Trigger evaluates the detector's trigger conditions against the
	// signals collected so far. Returning false marks the detector Skipped.
	Trigger(ctx context.Context, run *RunState) bool

	// Detect runs the detection logic against the given request facts.
	// Must respect ctx deadline. Return early if ctx is cancelled.
	Detect(ctx context.Context, facts *RequestFacts, run *RunState) ([]Signal, error)
}

// Spec carries the scheduling capabilities shared by all detectors.
// Concrete detectors embed it and override Trigger/Detect as needed;
// kinds are selected by configuration, not by type hierarchy.
type Spec struct {
	DetectorName string
	DetectorTier Tier
	WavePriority int
	IsOptional   bool
	Disabled     bool
	TriggerWait  time.Duration
	ExecWait     time.Duration
}

func (s Spec) Name() string                    { return s.DetectorName }
func (s Spec) Tier() Tier                      { return s.DetectorTier }
func (s Spec) Priority() int                   { return s.WavePriority }
func (s Spec) Enabled() bool                   { return !s.Disabled }
func (s Spec) Optional() bool                  { return s.IsOptional }
func (s Spec) TriggerTimeout() time.Duration   { return s.TriggerWait }
func (s Spec) ExecutionTimeout() time.Duration { return s.ExecWait }

// Trigger defaults to unconditional. Detectors with real trigger
// conditions shadow this method.
func (s Spec) Trigger(_ context.Context, _ *RunState) bool { return true }
