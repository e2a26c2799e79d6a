package detectors

import (
	"context"
	"strings"
	"time"

	"github.com/rampart-ai/rampart/internal/engine"
)

// HeaderHeuristicsDetector scores requests by the shape of their headers.
// Real browsers send a predictable envelope (Accept, Accept-Language,
// Accept-Encoding, usually cookies); automation tooling routinely omits
// parts of it. Each missing or inconsistent piece adds to a single score
// rather than emitting one signal per anomaly, so one sloppy client does
// not drown out the rest of the wave.
//
// Runs at priority 1 so it sees the same wave layout as the cheaper
// list-based fast detectors without competing with them for verdicts.
type HeaderHeuristicsDetector struct {
	engine.Spec
}

func NewHeaderHeuristicsDetector() *HeaderHeuristicsDetector {
	return &HeaderHeuristicsDetector{
		Spec: engine.Spec{
			DetectorName: "header_heuristics",
			DetectorTier: engine.TierFast,
			WavePriority: 1,
			ExecWait:     10 * time.Millisecond,
		},
	}
}

func (d *HeaderHeuristicsDetector) Detect(ctx context.Context, facts *engine.RequestFacts, run *engine.RunState) ([]engine.Signal, error) {
	var score float32
	var anomalies []string

	if facts.Header("Accept") == "" {
		score += 0.35
		anomalies = append(anomalies, "no Accept header")
	}
	if facts.Header("Accept-Language") == "" {
		score += 0.30
		anomalies = append(anomalies, "no Accept-Language header")
	}
	if facts.Header("Accept-Encoding") == "" {
		score += 0.20
		anomalies = append(anomalies, "no Accept-Encoding header")
	}
	if !facts.HasCookies {
		score += 0.10
		anomalies = append(anomalies, "no cookies")
	}

	// A Chrome UA without client hints means the UA string is forged or
	// the client is not a browser at all.
	ua := strings.ToLower(facts.UserAgent)
	if strings.Contains(ua, "chrome/") && facts.Header("Sec-Ch-Ua") == "" {
		score += 0.40
		anomalies = append(anomalies, "Chrome UA without Sec-CH-UA client hints")
	}

	// Browsers stopped sending Connection: close decades ago.
	if strings.EqualFold(facts.Header("Connection"), "close") {
		score += 0.15
		anomalies = append(anomalies, "Connection: close")
	}

	if len(anomalies) == 0 {
		return nil, nil
	}
	if score > 1 {
		score = 1
	}
	return []engine.Signal{{
		Schema:     "headers/v1",
		Confidence: score,
		Detail:     strings.Join(anomalies, "; "),
		Evidence:   anomalies,
	}}, nil
}
