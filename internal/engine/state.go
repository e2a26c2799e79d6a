package engine

import "time"

// RunState exposes the signals collected so far to detector trigger
// conditions and to later-tier detectors. The orchestrator appends
// signals only between waves, so concurrent reads during a wave always
// see a consistent snapshot.
type RunState struct {
	policy  *Policy
	facts   *RequestFacts
	signals []Signal
	started time.Time
}

// NewRunState seeds a run for policy and facts. The orchestrator builds
// one per request; detector tests construct them directly.
func NewRunState(policy *Policy, facts *RequestFacts) *RunState {
	return &RunState{policy: policy, facts: facts, started: time.Now()}
}

// AddSignals appends signals to the run. Callers must not invoke it
// while a wave is in flight.
func (r *RunState) AddSignals(signals ...Signal) {
	r.signals = append(r.signals, signals...)
}

// Policy returns the active policy for this run.
func (r *RunState) Policy() *Policy { return r.policy }

// Facts returns the request facts for this run.
func (r *RunState) Facts() *RequestFacts { return r.facts }

// Signals returns the signals collected so far. Callers must not mutate
// the returned slice.
func (r *RunState) Signals() []Signal { return r.signals }

// SignalCount returns the number of signals collected so far.
func (r *RunState) SignalCount() int { return len(r.signals) }

// MaxConfidence returns the highest signal confidence seen so far.
func (r *RunState) MaxConfidence() float32 {
	var max float32
	for i := range r.signals {
		if r.signals[i].Confidence > max {
			max = r.signals[i].Confidence
		}
	}
	return max
}

// HasSignalFrom reports whether the named detector has contributed.
func (r *RunState) HasSignalFrom(detector string) bool {
	for i := range r.signals {
		if r.signals[i].Detector == detector {
			return true
		}
	}
	return false
}

// Elapsed returns time since the run started.
func (r *RunState) Elapsed() time.Duration { return time.Since(r.started) }
