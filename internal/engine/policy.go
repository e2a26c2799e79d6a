package engine

import (
	"fmt"
	"time"
)

// FailMode selects the fail-safe classification used when a required
// detector fails mid-run.
type FailMode int

const (
	FailOpen   FailMode = iota // fall back to Allow
	FailClosed                 // fall back to Block
)

// String returns the lowercase fail mode name.
func (m FailMode) String() string {
	if m == FailClosed {
		return "closed"
	}
	return "open"
}

// Thresholds holds the score and confidence gates for one policy.
type Thresholds struct {
	// ImmediateBlock blocks and exits as soon as the score reaches it.
	ImmediateBlock float32
	// Challenge issues a challenge and exits when the score reaches it
	// (and stays below ImmediateBlock).
	Challenge float32
	// MinConfidence is the decision-confidence gate: below it the
	// aggregator keeps gathering evidence while waves remain.
	MinConfidence float32
	// VerdictFloor is the minimum signal confidence for a direct
	// whitelisted/blacklisted verdict to short-circuit scoring.
	VerdictFloor float32
}

// Policy is one named evaluation policy. Immutable once constructed;
// built at config-load time and looked up by name at request time.
type Policy struct {
	Name string

	// Ordered detector names per tier. Order within a tier is cosmetic;
	// scheduling follows each detector's declared priority.
	FastDetectors []string
	SlowDetectors []string
	AIDetectors   []string

	Thresholds Thresholds

	// Weights multiplies a detector's signal confidence in aggregation.
	// Missing entries default to 1.0.
	Weights map[string]float32

	// UseFastPath gates the fast tier. ForceSlowPath suppresses the
	// clear-allow early exit until the slow tier has run. EscalateToAI
	// gates the AI tier.
	UseFastPath   bool
	ForceSlowPath bool
	EscalateToAI  bool

	FailMode FailMode

	// RequestBudget bounds the whole orchestrator run.
	RequestBudget time.Duration
}

// Weight returns the policy's multiplier for a detector (default 1.0).
func (p *Policy) Weight(detector string) float32 {
	if p == nil || p.Weights == nil {
		return 1.0
	}
	if w, ok := p.Weights[detector]; ok {
		return w
	}
	return 1.0
}

// TierDetectors returns the configured detector names for a tier,
// honoring the policy's tier flags.
func (p *Policy) TierDetectors(t Tier) []string {
	switch t {
	case TierFast:
		if !p.UseFastPath {
			return nil
		}
		return p.FastDetectors
	case TierSlow:
		return p.SlowDetectors
	case TierAI:
		if !p.EscalateToAI {
			return nil
		}
		return p.AIDetectors
	default:
		return nil
	}
}

// ErrUnknownPolicy is returned when a policy is requested by a name that
// was never loaded. This is a programmer/config error, not a per-request
// condition.
var ErrUnknownPolicy = fmt.Errorf("unknown policy")

// PolicySet is the immutable collection of policies bound at startup.
type PolicySet struct {
	byName      map[string]*Policy
	defaultName string
}

// NewPolicySet builds a PolicySet. defaultName must name one of the
// given policies.
func NewPolicySet(policies []*Policy, defaultName string) (*PolicySet, error) {
	byName := make(map[string]*Policy, len(policies))
	for _, p := range policies {
		if p.Name == "" {
			return nil, fmt.Errorf("policy with empty name")
		}
		if _, dup := byName[p.Name]; dup {
			return nil, fmt.Errorf("duplicate policy %q", p.Name)
		}
		byName[p.Name] = p
	}
	if _, ok := byName[defaultName]; !ok {
		return nil, fmt.Errorf("default policy %q not defined", defaultName)
	}
	return &PolicySet{byName: byName, defaultName: defaultName}, nil
}

// Lookup returns the named policy or ErrUnknownPolicy.
func (s *PolicySet) Lookup(name string) (*Policy, error) {
	p, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
	}
	return p, nil
}

// Default returns the configured default policy.
func (s *PolicySet) Default() *Policy {
	return s.byName[s.defaultName]
}

// Names returns all loaded policy names (unordered).
func (s *PolicySet) Names() []string {
	names := make([]string, 0, len(s.byName))
	for n := range s.byName {
		names = append(names, n)
	}
	return names
}
