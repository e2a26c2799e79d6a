package api

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/rampart-ai/rampart/internal/engine"
	"github.com/rampart-ai/rampart/internal/storage"
)

// handleClassify implements POST /v1/classify. Auth middleware has
// already validated the Bearer token.
func (d *Dependencies) handleClassify(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req ClassifyRequest
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.Path == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "path is required"})
		return
	}
	if req.ClientIP == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "client_ip is required"})
		return
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	requestID := req.CorrelationID
	if requestID == "" {
		requestID = uuid.New().String()
	}

	facts := &engine.RequestFacts{
		Method:        req.Method,
		Path:          req.Path,
		Headers:       canonicalHeaders(req.Headers),
		ClientIP:      req.ClientIP,
		UserAgent:     req.UserAgent,
		HasCookies:    req.HasCookies,
		CorrelationID: requestID,
		Fingerprint:   req.Fingerprint,
	}
	if facts.Fingerprint == "" {
		facts.Fingerprint = fingerprint(req.ClientIP, req.UserAgent)
	}

	pol := d.Resolver.Resolve(req.Path)
	result := d.Orchestrator.Run(r.Context(), pol, facts)

	latencyMs := float64(time.Since(start)) / float64(time.Millisecond)

	// Fire-and-forget: persist the decision asynchronously.
	d.writeDecision(facts, requestID, result, float32(latencyMs))

	reasons := make([]ReasonResp, 0, len(result.Reasons))
	for _, reason := range result.Reasons {
		reasons = append(reasons, ReasonResp{
			Detector:   reason.Detector,
			Detail:     reason.Detail,
			Confidence: reason.Confidence,
			Weight:     reason.Weight,
		})
	}

	writeJSON(w, http.StatusOK, ClassifyResponse{
		RequestID:      requestID,
		Classification: result.Classification.String(),
		Score:          result.Score,
		Confidence:     result.Confidence,
		Policy:         result.Policy,
		Outcome:        result.Outcome.String(),
		EarlyExit:      result.EarlyExit,
		Reasons:        reasons,
		Completed:      result.Completed,
		Skipped:        result.Skipped,
		TimedOut:       result.TimedOut,
		Failed:         result.Failed,
		LatencyMs:      latencyMs,
	})
}

// writeDecision builds a DecisionEvent and fires it to the async writer.
func (d *Dependencies) writeDecision(facts *engine.RequestFacts, requestID string, result *engine.AggregatedResult, latencyMs float32) {
	names := make([]string, len(result.Reasons))
	confidences := make([]float32, len(result.Reasons))
	details := make([]string, len(result.Reasons))
	for i, reason := range result.Reasons {
		names[i] = reason.Detector
		confidences[i] = reason.Confidence
		details[i] = reason.Detail
	}

	d.Writer.Write(&storage.DecisionEvent{
		RequestID:           requestID,
		Timestamp:           time.Now(),
		Method:              facts.Method,
		Path:                facts.Path,
		ClientIP:            facts.ClientIP,
		UserAgentPreview:    storage.TruncateUA(facts.UserAgent, storage.UserAgentPreviewLength),
		Fingerprint:         facts.Fingerprint,
		Policy:              result.Policy,
		Classification:      result.Classification.String(),
		Score:               result.Score,
		Confidence:          result.Confidence,
		Outcome:             result.Outcome.String(),
		EarlyExit:           result.EarlyExit,
		DetectorNames:       names,
		DetectorConfidences: confidences,
		DetectorDetails:     details,
		FailedDetectors:     result.Failed,
		SkippedDetectors:    result.Skipped,
		TimedOutDetectors:   result.TimedOut,
		LatencyMs:           latencyMs,
	})
}

// fingerprint derives a stable subject id from client address and UA when
// the edge proxy did not supply one.
func fingerprint(clientIP, userAgent string) string {
	sum := sha256.Sum256([]byte(clientIP + "\x00" + userAgent))
	return hex.EncodeToString(sum[:16])
}

// canonicalHeaders normalizes incoming header keys so detectors can use
// canonical lookups regardless of how the proxy spelled them.
func canonicalHeaders(headers map[string]string) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		out[http.CanonicalHeaderKey(k)] = v
	}
	return out
}
