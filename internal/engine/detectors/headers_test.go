package detectors

import (
	"context"
	"strings"
	"testing"

	"github.com/rampart-ai/rampart/internal/engine"
)

func TestHeaderHeuristicsDetector_BrowserEnvelope(t *testing.T) {
	d := NewHeaderHeuristicsDetector()

	facts := &engine.RequestFacts{
		Method: "GET",
		Path:   "/",
		Headers: map[string]string{
			"Accept":          "text/html,application/xhtml+xml",
			"Accept-Language": "en-US,en;q=0.9",
			"Accept-Encoding": "gzip, deflate, br",
			"Sec-Ch-Ua":       `"Chromium";v="120"`,
		},
		UserAgent:  "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		HasCookies: true,
	}

	signals, err := d.Detect(context.Background(), facts, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(signals) != 0 {
		t.Errorf("complete browser envelope must not signal, got %+v", signals)
	}
}

func TestHeaderHeuristicsDetector_BareRequest(t *testing.T) {
	d := NewHeaderHeuristicsDetector()

	// No Accept*, no cookies: the envelope of a minimal scripted client.
	facts := &engine.RequestFacts{
		Method:    "GET",
		Path:      "/",
		UserAgent: "Mozilla/5.0",
	}

	signals, err := d.Detect(context.Background(), facts, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(signals) != 1 {
		t.Fatalf("expected one aggregate signal, got %d", len(signals))
	}
	if signals[0].Confidence < 0.8 {
		t.Errorf("bare request confidence %.2f too low", signals[0].Confidence)
	}
	if len(signals[0].Evidence) < 3 {
		t.Errorf("expected multiple anomalies in evidence, got %v", signals[0].Evidence)
	}
}

func TestHeaderHeuristicsDetector_ForgedChromeUA(t *testing.T) {
	d := NewHeaderHeuristicsDetector()

	facts := &engine.RequestFacts{
		Method: "GET",
		Path:   "/",
		Headers: map[string]string{
			"Accept":          "*/*",
			"Accept-Language": "en-US",
			"Accept-Encoding": "gzip",
		},
		UserAgent:  "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		HasCookies: true,
	}

	signals, err := d.Detect(context.Background(), facts, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(signals) != 1 {
		t.Fatalf("expected one signal, got %d", len(signals))
	}
	if !strings.Contains(signals[0].Detail, "Sec-CH-UA") {
		t.Errorf("missing client hints must be flagged, detail: %s", signals[0].Detail)
	}
}

func TestHeaderHeuristicsDetector_ScoreClamped(t *testing.T) {
	d := NewHeaderHeuristicsDetector()

	// Every heuristic fires at once.
	facts := &engine.RequestFacts{
		Method:    "GET",
		Path:      "/",
		Headers:   map[string]string{"Connection": "close"},
		UserAgent: "something Chrome/120.0 something",
	}

	signals, err := d.Detect(context.Background(), facts, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(signals) != 1 {
		t.Fatalf("expected one signal, got %d", len(signals))
	}
	if signals[0].Confidence > 1.0 {
		t.Errorf("confidence must be clamped to 1.0, got %.2f", signals[0].Confidence)
	}
}
