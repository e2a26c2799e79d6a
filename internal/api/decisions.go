package api

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/rampart-ai/rampart/internal/chread"
)

// handleListDecisions implements GET /api/rampart/decisions.
// Query params: classification, policy, client_ip, fingerprint,
// start_time, end_time (RFC3339), page, page_size.
func (d *Dependencies) handleListDecisions(w http.ResponseWriter, r *http.Request) {
	if d.Reader == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "decision store not configured"})
		return
	}

	q := r.URL.Query()
	params := chread.ListDecisionsParams{
		Page:     1,
		PageSize: 50,
	}
	if v := q.Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			params.Page = n
		}
	}
	if v := q.Get("page_size"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			params.PageSize = n
		}
	}
	if v := q.Get("classification"); v != "" {
		params.Classification = &v
	}
	if v := q.Get("policy"); v != "" {
		params.Policy = &v
	}
	if v := q.Get("client_ip"); v != "" {
		params.ClientIP = &v
	}
	if v := q.Get("fingerprint"); v != "" {
		params.Fingerprint = &v
	}
	if v := q.Get("start_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "invalid start_time"})
			return
		}
		params.StartTime = &t
	}
	if v := q.Get("end_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "invalid end_time"})
			return
		}
		params.EndTime = &t
	}

	rows, total, err := d.Reader.ListDecisions(r.Context(), params)
	if err != nil {
		d.Logger.Error("list decisions failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "query failed"})
		return
	}

	decisions := make([]DecisionResp, 0, len(rows))
	for i := range rows {
		decisions = append(decisions, decisionResp(&rows[i]))
	}

	writeJSON(w, http.StatusOK, DecisionListResp{
		Decisions: decisions,
		Total:     total,
		Page:      params.Page,
		PageSize:  params.PageSize,
	})
}

// handleGetDecision implements GET /api/rampart/decisions/{request_id}.
func (d *Dependencies) handleGetDecision(w http.ResponseWriter, r *http.Request) {
	if d.Reader == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "decision store not configured"})
		return
	}

	row, err := d.Reader.GetDecision(r.Context(), r.PathValue("request_id"))
	if err != nil {
		d.Logger.Error("get decision failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "query failed"})
		return
	}
	if row == nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "decision not found"})
		return
	}
	writeJSON(w, http.StatusOK, decisionResp(row))
}

// handleGetAnalytics implements GET /api/rampart/analytics?days=N.
func (d *Dependencies) handleGetAnalytics(w http.ResponseWriter, r *http.Request) {
	if d.Reader == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "decision store not configured"})
		return
	}

	days := 7
	if v := r.URL.Query().Get("days"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 90 {
			days = n
		}
	}

	result, err := d.Reader.GetAnalytics(r.Context(), days)
	if err != nil {
		d.Logger.Error("analytics failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "query failed"})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func decisionResp(row *chread.DecisionRow) DecisionResp {
	return DecisionResp{
		RequestID:      row.RequestID,
		Timestamp:      row.Timestamp,
		Method:         row.Method,
		Path:           row.Path,
		ClientIP:       row.ClientIP,
		UserAgent:      row.UserAgentPreview,
		Fingerprint:    row.Fingerprint,
		Policy:         row.Policy,
		Classification: row.Classification,
		Score:          row.Score,
		Confidence:     row.Confidence,
		Outcome:        row.Outcome,
		EarlyExit:      row.EarlyExit == 1,
		Detectors:      row.DetectorNames,
		LatencyMs:      row.LatencyMs,
	}
}
