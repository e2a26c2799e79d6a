package api

import "time"

// --- POST /v1/classify request/response ---

// ClassifyRequest is the JSON body for POST /v1/classify. Edge proxies
// send one per HTTP request they want judged; the body carries the
// request's facts, never the request itself.
type ClassifyRequest struct {
	Method        string            `json:"method"`
	Path          string            `json:"path"`
	ClientIP      string            `json:"client_ip"`
	UserAgent     string            `json:"user_agent,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	HasCookies    bool              `json:"has_cookies,omitempty"`
	Fingerprint   string            `json:"fingerprint,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
}

// ReasonResp explains one detector's contribution to the decision.
type ReasonResp struct {
	Detector   string  `json:"detector"`
	Detail     string  `json:"detail"`
	Confidence float32 `json:"confidence"`
	Weight     float32 `json:"weight"`
}

// ClassifyResponse is the decision returned to the edge proxy.
type ClassifyResponse struct {
	RequestID      string       `json:"request_id"`
	Classification string       `json:"classification"`
	Score          float32      `json:"score"`
	Confidence     float32      `json:"confidence"`
	Policy         string       `json:"policy"`
	Outcome        string       `json:"outcome"`
	EarlyExit      bool         `json:"early_exit"`
	Reasons        []ReasonResp `json:"reasons"`
	Completed      []string     `json:"completed"`
	Skipped        []string     `json:"skipped,omitempty"`
	TimedOut       []string     `json:"timed_out,omitempty"`
	Failed         []string     `json:"failed,omitempty"`
	LatencyMs      float64      `json:"latency_ms"`
}

// --- GET /api/rampart/policies ---

// PolicyResp describes one loaded policy.
type PolicyResp struct {
	Name          string   `json:"name"`
	FastDetectors []string `json:"fast_detectors"`
	SlowDetectors []string `json:"slow_detectors"`
	AIDetectors   []string `json:"ai_detectors"`
	BlockAt       float32  `json:"block_at"`
	ChallengeAt   float32  `json:"challenge_at"`
	FailMode      string   `json:"fail_mode"`
	Default       bool     `json:"default"`
}

// MappingResp describes one path-to-policy mapping in resolution order.
type MappingResp struct {
	Pattern     string `json:"pattern"`
	Policy      string `json:"policy"`
	UserDefined bool   `json:"user_defined"`
}

// PoliciesResp is the body for GET /api/rampart/policies.
type PoliciesResp struct {
	Policies []PolicyResp  `json:"policies"`
	Mappings []MappingResp `json:"mappings"`
}

// --- GET /api/rampart/decisions ---

// DecisionResp mirrors one stored decision row.
type DecisionResp struct {
	RequestID      string    `json:"request_id"`
	Timestamp      time.Time `json:"timestamp"`
	Method         string    `json:"method"`
	Path           string    `json:"path"`
	ClientIP       string    `json:"client_ip"`
	UserAgent      string    `json:"user_agent"`
	Fingerprint    string    `json:"fingerprint"`
	Policy         string    `json:"policy"`
	Classification string    `json:"classification"`
	Score          float32   `json:"score"`
	Confidence     float32   `json:"confidence"`
	Outcome        string    `json:"outcome"`
	EarlyExit      bool      `json:"early_exit"`
	Detectors      []string  `json:"detectors"`
	LatencyMs      float32   `json:"latency_ms"`
}

// DecisionListResp is the body for GET /api/rampart/decisions.
type DecisionListResp struct {
	Decisions []DecisionResp `json:"decisions"`
	Total     int            `json:"total"`
	Page      int            `json:"page"`
	PageSize  int            `json:"page_size"`
}

// ErrorResp is a standard error response body.
type ErrorResp struct {
	Detail string `json:"detail"`
}
