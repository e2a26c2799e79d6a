package detectors

import (
	"context"
	"testing"

	"github.com/rampart-ai/rampart/internal/engine"
)

func uaFacts(ua string) *engine.RequestFacts {
	return &engine.RequestFacts{
		Method:    "GET",
		Path:      "/products",
		UserAgent: ua,
		ClientIP:  "198.51.100.7",
	}
}

func TestUserAgentDetector_Scanners(t *testing.T) {
	d := NewUserAgentDetector()
	ctx := context.Background()

	scanners := []struct {
		name string
		ua   string
	}{
		{"sqlmap", "sqlmap/1.7.2#stable (https://sqlmap.org)"},
		{"nikto", "Mozilla/5.00 (Nikto/2.1.6)"},
		{"masscan", "masscan/1.3"},
		{"gobuster", "gobuster/3.6"},
		{"nmap", "Mozilla/5.0 (compatible; Nmap Scripting Engine)"},
	}

	for _, tt := range scanners {
		t.Run(tt.name, func(t *testing.T) {
			signals, err := d.Detect(ctx, uaFacts(tt.ua), nil)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(signals) != 1 {
				t.Fatalf("expected exactly one signal, got %d", len(signals))
			}
			if signals[0].Verdict != engine.VerdictBlacklisted {
				t.Errorf("scanner UA must yield a blacklisted verdict, got %v", signals[0].Verdict)
			}
			if signals[0].Confidence < 0.95 {
				t.Errorf("confidence %.2f too low for scanner UA", signals[0].Confidence)
			}
		})
	}
}

func TestUserAgentDetector_AutomationClients(t *testing.T) {
	d := NewUserAgentDetector()
	ctx := context.Background()

	tests := []struct {
		name          string
		ua            string
		minConfidence float32
	}{
		{"curl", "curl/8.4.0", 0.85},
		{"python requests", "python-requests/2.31.0", 0.85},
		{"go http client", "Go-http-client/2.0", 0.85},
		{"scrapy", "Scrapy/2.11.0 (+https://scrapy.org)", 0.90},
		{"headless chrome", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) HeadlessChrome/119.0.0.0 Safari/537.36", 0.80},
		{"self-declared bot", "ExampleBot/1.0 (+http://example.com/bot)", 0.70},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			signals, err := d.Detect(ctx, uaFacts(tt.ua), nil)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(signals) != 1 {
				t.Fatalf("expected exactly one signal, got %d", len(signals))
			}
			if signals[0].Verdict != engine.VerdictNone {
				t.Errorf("automation client must not get a verdict, got %v", signals[0].Verdict)
			}
			if signals[0].Confidence < tt.minConfidence {
				t.Errorf("confidence %.2f below minimum %.2f", signals[0].Confidence, tt.minConfidence)
			}
		})
	}
}

func TestUserAgentDetector_EmptyUA(t *testing.T) {
	d := NewUserAgentDetector()

	signals, err := d.Detect(context.Background(), uaFacts(""), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(signals) != 1 {
		t.Fatalf("expected exactly one signal, got %d", len(signals))
	}
	if signals[0].Confidence < 0.6 {
		t.Errorf("empty UA must be suspicious, got %.2f", signals[0].Confidence)
	}
	if signals[0].Verdict != engine.VerdictNone {
		t.Errorf("empty UA must not get a verdict, got %v", signals[0].Verdict)
	}
}

func TestUserAgentDetector_Browsers(t *testing.T) {
	d := NewUserAgentDetector()
	ctx := context.Background()

	browsers := []struct {
		name string
		ua   string
	}{
		{"chrome", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"},
		{"firefox", "Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0"},
		{"safari", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15"},
		{"edge", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.0.0"},
	}

	for _, tt := range browsers {
		t.Run(tt.name, func(t *testing.T) {
			signals, err := d.Detect(ctx, uaFacts(tt.ua), nil)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(signals) != 0 {
				t.Errorf("false positive for browser UA %q: %+v", tt.ua, signals[0])
			}
		})
	}
}

func BenchmarkUserAgentDetector_Browser(b *testing.B) {
	d := NewUserAgentDetector()
	ctx := context.Background()
	facts := uaFacts("Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		d.Detect(ctx, facts, nil)
	}
}
