package engine

import (
	"fmt"
	"math"
)

// Evaluation is the aggregator's answer after folding one wave's signals
// into the running state.
type Evaluation struct {
	Score          float32
	Confidence     float32
	Classification Classification
	EarlyExit      bool
	Detail         string
}

// Evaluate combines the signals seen so far into a score, a decision
// confidence, and a classification, and decides whether the orchestrator
// should stop issuing waves.
//
// Score is the weight-normalized mean of (policy weight × signal
// confidence), clamped to [0,1]. Decision confidence is
//
//	confidence = n/(n+1) × max(0, 1 − 2σ)
//
// where n is the number of contributing signals and σ is the population
// standard deviation of the weighted confidences: a single signal caps
// confidence at 0.5, and disagreement among signals lowers it further.
//
// Decision rules, top-down, first match wins:
//  1. score ≥ ImmediateBlock            → Block, early exit
//  2. score ≥ Challenge                 → Challenge, early exit
//  3. confidence < MinConfidence and
//     waves remain                      → Allow (provisional), continue
//  4. otherwise                         → Allow, early exit
//
// A whitelisted/blacklisted verdict signal at or above the policy's
// verdict floor bypasses scoring entirely and exits immediately;
// blacklisted wins when both are present.
//
// suppressAllowExit turns rule 4 into "continue" — used while a policy
// with ForceSlowPath still has slow-tier waves pending.
func Evaluate(signals []Signal, pol *Policy, wavesRemain, suppressAllowExit bool) Evaluation {
	if ev, ok := verdictShortCircuit(signals, pol); ok {
		return ev
	}

	score, confidence := scoreSignals(signals, pol)

	th := pol.Thresholds
	switch {
	case len(signals) > 0 && score >= th.ImmediateBlock:
		return Evaluation{
			Score: score, Confidence: confidence,
			Classification: ClassBlock,
			EarlyExit:      true,
			Detail:         fmt.Sprintf("score %.2f >= block threshold %.2f", score, th.ImmediateBlock),
		}
	case len(signals) > 0 && score >= th.Challenge:
		return Evaluation{
			Score: score, Confidence: confidence,
			Classification: ClassChallenge,
			EarlyExit:      true,
			Detail:         fmt.Sprintf("score %.2f >= challenge threshold %.2f", score, th.Challenge),
		}
	case confidence < th.MinConfidence && wavesRemain:
		return Evaluation{
			Score: score, Confidence: confidence,
			Classification: ClassAllow,
			EarlyExit:      false,
			Detail:         fmt.Sprintf("confidence %.2f below %.2f, gathering more evidence", confidence, th.MinConfidence),
		}
	default:
		if suppressAllowExit && wavesRemain {
			return Evaluation{
				Score: score, Confidence: confidence,
				Classification: ClassAllow,
				EarlyExit:      false,
				Detail:         "clear allow deferred until slow path completes",
			}
		}
		return Evaluation{
			Score: score, Confidence: confidence,
			Classification: ClassAllow,
			EarlyExit:      true,
			Detail:         "clear low-risk verdict",
		}
	}
}

// verdictShortCircuit maps a direct detector verdict to a final
// classification. Blacklisted takes precedence over whitelisted.
func verdictShortCircuit(signals []Signal, pol *Policy) (Evaluation, bool) {
	floor := pol.Thresholds.VerdictFloor
	var white *Signal
	for i := range signals {
		s := &signals[i]
		if s.Confidence < floor {
			continue
		}
		switch s.Verdict {
		case VerdictBlacklisted:
			return Evaluation{
				Score:          1,
				Confidence:     s.Confidence,
				Classification: ClassBlock,
				EarlyExit:      true,
				Detail:         "blacklisted by " + s.Detector + ": " + s.Detail,
			}, true
		case VerdictWhitelisted:
			if white == nil {
				white = s
			}
		}
	}
	if white != nil {
		return Evaluation{
			Score:          0,
			Confidence:     white.Confidence,
			Classification: ClassAllow,
			EarlyExit:      true,
			Detail:         "whitelisted by " + white.Detector + ": " + white.Detail,
		}, true
	}
	return Evaluation{}, false
}

// scoreSignals computes the weighted score and the decision confidence.
func scoreSignals(signals []Signal, pol *Policy) (score, confidence float32) {
	if len(signals) == 0 {
		return 0, 0
	}

	var sumW, sumWC float64
	weighted := make([]float64, 0, len(signals))
	for i := range signals {
		w := float64(pol.Weight(signals[i].Detector))
		if w <= 0 {
			continue
		}
		c := float64(clamp01(signals[i].Confidence))
		sumW += w
		sumWC += w * c
		weighted = append(weighted, math.Min(1, w*c))
	}
	if sumW == 0 {
		return 0, 0
	}
	score = clamp01(float32(sumWC / sumW))

	n := float64(len(weighted))
	mean := 0.0
	for _, v := range weighted {
		mean += v
	}
	mean /= n
	variance := 0.0
	for _, v := range weighted {
		variance += (v - mean) * (v - mean)
	}
	variance /= n
	sigma := math.Sqrt(variance)

	confidence = clamp01(float32((n / (n + 1)) * math.Max(0, 1-2*sigma)))
	return score, confidence
}
