package engine

import (
	"time"
)

// Classification is the final traffic decision for a request.
type Classification int

const (
	ClassUnspecified Classification = iota
	ClassAllow
	ClassChallenge
	ClassBlock
)

// String returns the lowercase classification name.
func (c Classification) String() string {
	switch c {
	case ClassAllow:
		return "allow"
	case ClassChallenge:
		return "challenge"
	case ClassBlock:
		return "block"
	default:
		return "unspecified"
	}
}

// Tier orders detectors by expected latency and reliability.
// Fast detectors are in-memory lookups, slow detectors consult shared
// state, and AI detectors call out to a model service.
type Tier int

const (
	TierFast Tier = iota
	TierSlow
	TierAI
)

// String returns the lowercase tier name.
func (t Tier) String() string {
	switch t {
	case TierFast:
		return "fast"
	case TierSlow:
		return "slow"
	case TierAI:
		return "ai"
	default:
		return "unknown"
	}
}

// RequestFacts is the projection of an HTTP request the engine operates on.
// Middleware builds it once per request; the engine never touches the
// underlying framework types.
type RequestFacts struct {
	Method        string
	Path          string
	Headers       map[string]string // selected headers only, canonical keys
	ClientIP      string
	UserAgent     string
	HasCookies    bool
	CorrelationID string
	Fingerprint   string // stable subject id (e.g. IP + UA hash)
}

// Header returns a selected header value, or "" when absent.
func (f *RequestFacts) Header(key string) string {
	if f.Headers == nil {
		return ""
	}
	return f.Headers[key]
}

// VerdictHint is a direct verdict emitted by a fast, high-confidence
// detector, bypassing normal scoring.
type VerdictHint int

const (
	VerdictNone VerdictHint = iota
	VerdictWhitelisted
	VerdictBlacklisted
)

// Signal is a single detector's confidence-bearing observation about a
// request. Immutable once emitted; it lives only for the duration of the
// orchestrator run that produced it.
type Signal struct {
	Detector      string
	Schema        string // schema identifier for the Facts payload
	Facts         map[string]string
	Confidence    float32 // 0.0 – 1.0
	Detail        string
	Evidence      []string
	Verdict       VerdictHint
	CorrelationID string
	Subject       string
	At            time.Time
}

// OutcomeStatus says how a detector run ended.
type OutcomeStatus int

const (
	OutcomeCompleted OutcomeStatus = iota
	OutcomeSkipped
	OutcomeTimedOut
	OutcomeFailed
)

// String returns the lowercase status name.
func (s OutcomeStatus) String() string {
	switch s {
	case OutcomeCompleted:
		return "completed"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeTimedOut:
		return "timed_out"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// DetectorOutcome is the orchestrator-level result of one detector. All
// detector errors are converted into outcomes at the orchestrator
// boundary; nothing escapes to the caller.
type DetectorOutcome struct {
	Detector string
	Status   OutcomeStatus
	Signals  []Signal
	Reason   string // skip reason, or error text for Failed
	Err      error
}

// Reason explains one detector's contribution to the decision.
type Reason struct {
	Detector   string  `json:"detector"`
	Detail     string  `json:"detail"`
	Confidence float32 `json:"confidence"`
	Weight     float32 `json:"weight"`
}

// RunOutcome says how the orchestrator run as a whole ended.
type RunOutcome int

const (
	RunEarlyExited RunOutcome = iota
	RunCompleted
	RunExhausted // outer deadline reached before all waves ran
	RunFailSafe  // required detector failed
)

// String returns the lowercase run outcome name.
func (o RunOutcome) String() string {
	switch o {
	case RunEarlyExited:
		return "early_exited"
	case RunCompleted:
		return "completed"
	case RunExhausted:
		return "exhausted"
	case RunFailSafe:
		return "fail_safe"
	default:
		return "unknown"
	}
}

// AggregatedResult is the engine's answer for one request. It is mutated
// incrementally while waves run and must be treated as immutable once the
// orchestrator returns it.
type AggregatedResult struct {
	Classification Classification
	Score          float32 // always clamped to [0,1]
	Confidence     float32 // always clamped to [0,1]

	EarlyExit               bool
	EarlyExitClassification Classification

	Policy  string
	Outcome RunOutcome
	Reasons []Reason
	Elapsed time.Duration

	Completed []string
	Failed    []string
	Skipped   []string
	TimedOut  []string
}

// clamp01 bounds v to [0,1].
func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
