package storage

import "time"

// DecisionWriter is the interface for persisting classification decisions.
// Write() must NEVER block the caller.
type DecisionWriter interface {
	Write(event *DecisionEvent)
	Close()
}

// DecisionEvent is one classification result to be persisted.
type DecisionEvent struct {
	RequestID           string
	Timestamp           time.Time
	Method              string
	Path                string
	ClientIP            string
	UserAgentPreview    string // first 200 chars
	Fingerprint         string
	Policy              string
	Classification      string
	Score               float32
	Confidence          float32
	Outcome             string // early_exited, completed, exhausted, fail_safe
	EarlyExit           bool
	DetectorNames       []string
	DetectorConfidences []float32
	DetectorDetails     []string
	FailedDetectors     []string
	SkippedDetectors    []string
	TimedOutDetectors   []string
	LatencyMs           float32
}

// UserAgentPreviewLength is the max chars stored in user_agent_preview.
const UserAgentPreviewLength = 200

// TruncateUA returns the first maxLen characters (runes) of a user agent
// for preview storage. It never splits a multi-byte UTF-8 character.
func TruncateUA(ua string, maxLen int) string {
	runes := []rune(ua)
	if len(runes) <= maxLen {
		return ua
	}
	return string(runes[:maxLen])
}
