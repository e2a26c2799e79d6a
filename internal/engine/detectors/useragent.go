// Package detectors holds the concrete detectors the engine runs.
// Fast detectors are pure in-memory checks, slow detectors consult
// shared state, and the AI detector calls out to a model service.
package detectors

import (
	"context"
	"regexp"
	"time"

	"github.com/rampart-ai/rampart/internal/engine"
)

// Pre-compiled patterns — compiled once at startup, never during a request.
var scannerUAPatterns = []struct {
	re         *regexp.Regexp
	confidence float32
	detail     string
}{
	{regexp.MustCompile(`(?i)\bsqlmap\b`), 0.99, "scanner: sqlmap"},
	{regexp.MustCompile(`(?i)\bnikto\b`), 0.99, "scanner: nikto"},
	{regexp.MustCompile(`(?i)\bnessus\b`), 0.99, "scanner: nessus"},
	{regexp.MustCompile(`(?i)\bmasscan\b`), 0.99, "scanner: masscan"},
	{regexp.MustCompile(`(?i)\bzgrab\b`), 0.99, "scanner: zgrab"},
	{regexp.MustCompile(`(?i)\bnmap\b|\bnse\b`), 0.98, "scanner: nmap"},
	{regexp.MustCompile(`(?i)\bacunetix\b`), 0.98, "scanner: acunetix"},
	{regexp.MustCompile(`(?i)\bdirbuster\b|\bgobuster\b|\bffuf\b`), 0.98, "scanner: directory brute forcer"},
	{regexp.MustCompile(`(?i)\bhydra\b`), 0.98, "scanner: hydra"},
}

var automationUAPatterns = []struct {
	re         *regexp.Regexp
	confidence float32
	detail     string
}{
	{regexp.MustCompile(`(?i)\bcurl/`), 0.90, "http client: curl"},
	{regexp.MustCompile(`(?i)\bwget/`), 0.90, "http client: wget"},
	{regexp.MustCompile(`(?i)python-requests|python-urllib|aiohttp`), 0.90, "http client: python"},
	{regexp.MustCompile(`(?i)go-http-client`), 0.88, "http client: go"},
	{regexp.MustCompile(`(?i)\bjava/|okhttp|apache-httpclient`), 0.85, "http client: java"},
	{regexp.MustCompile(`(?i)\bscrapy\b`), 0.92, "scraper framework: scrapy"},
	{regexp.MustCompile(`(?i)node-fetch|axios/`), 0.85, "http client: node"},
	{regexp.MustCompile(`(?i)headlesschrome`), 0.85, "headless browser: chrome"},
	{regexp.MustCompile(`(?i)phantomjs|slimerjs`), 0.90, "headless browser: phantom"},
	{regexp.MustCompile(`(?i)\bselenium\b|\bwebdriver\b`), 0.88, "browser automation: webdriver"},
	{regexp.MustCompile(`(?i)\bpuppeteer\b|\bplaywright\b`), 0.88, "browser automation: devtools"},
	{regexp.MustCompile(`(?i)\bbot\b|\bspider\b|\bcrawler\b`), 0.75, "self-declared bot"},
}

// UserAgentDetector classifies requests by User-Agent string. Known attack
// tooling produces a blacklisted verdict; generic automation clients produce
// a high-confidence signal that still goes through normal scoring.
type UserAgentDetector struct {
	engine.Spec
}

func NewUserAgentDetector() *UserAgentDetector {
	return &UserAgentDetector{
		Spec: engine.Spec{
			DetectorName: "user_agent",
			DetectorTier: engine.TierFast,
			ExecWait:     10 * time.Millisecond,
		},
	}
}

func (d *UserAgentDetector) Detect(ctx context.Context, facts *engine.RequestFacts, run *engine.RunState) ([]engine.Signal, error) {
	ua := facts.UserAgent

	if ua == "" {
		return []engine.Signal{{
			Schema:     "ua/v1",
			Confidence: 0.70,
			Detail:     "empty User-Agent",
			Facts:      map[string]string{"user_agent": ""},
		}}, nil
	}

	for _, p := range scannerUAPatterns {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if p.re.MatchString(ua) {
			return []engine.Signal{{
				Schema:     "ua/v1",
				Confidence: p.confidence,
				Detail:     p.detail,
				Verdict:    engine.VerdictBlacklisted,
				Evidence:   []string{ua},
				Facts:      map[string]string{"user_agent": ua},
			}}, nil
		}
	}

	// All patterns use (?i), so the UA is matched as-is without an
	// allocating lowercase copy.
	var bestConfidence float32
	var bestDetail string
	for _, p := range automationUAPatterns {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if p.re.MatchString(ua) && p.confidence > bestConfidence {
			bestConfidence = p.confidence
			bestDetail = p.detail
		}
	}

	if bestConfidence == 0 {
		return nil, nil
	}
	return []engine.Signal{{
		Schema:     "ua/v1",
		Confidence: bestConfidence,
		Detail:     bestDetail,
		Evidence:   []string{ua},
		Facts:      map[string]string{"user_agent": ua},
	}}, nil
}
