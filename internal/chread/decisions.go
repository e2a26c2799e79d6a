// Package chread provides read access to the ClickHouse traffic_decisions
// table. Writes go through internal/storage; this package only serves the
// decisions API.
package chread

import (
	"context"
	"crypto/tls"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// Reader provides read access to stored decisions.
type Reader struct {
	conn   driver.Conn
	logger *zap.Logger
}

// NewReader opens a ClickHouse connection for read queries.
func NewReader(dsn string, logger *zap.Logger) (*Reader, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}

	return &Reader{conn: conn, logger: logger}, nil
}

// Close closes the ClickHouse connection.
func (r *Reader) Close() error {
	return r.conn.Close()
}

// DecisionRow represents a single row from the traffic_decisions table.
type DecisionRow struct {
	RequestID           string
	Timestamp           time.Time
	Method              string
	Path                string
	ClientIP            string
	UserAgentPreview    string
	Fingerprint         string
	Policy              string
	Classification      string
	Score               float32
	Confidence          float32
	Outcome             string
	EarlyExit           uint8
	DetectorNames       []string
	DetectorConfidences []float32
	DetectorDetails     []string
	LatencyMs           float32
}

// ListDecisionsParams holds filters and pagination for decision listing.
type ListDecisionsParams struct {
	Classification *string
	Policy         *string
	ClientIP       *string
	Fingerprint    *string
	StartTime      *time.Time
	EndTime        *time.Time
	Page           int
	PageSize       int
}

const decisionColumns = "request_id, timestamp, method, path, client_ip, " +
	"user_agent_preview, fingerprint, " +
	"policy, classification, score, confidence, outcome, early_exit, " +
	"detector_names, detector_confidences, detector_details, latency_ms"

// ListDecisions returns paginated, filtered decisions and the total count.
func (r *Reader) ListDecisions(ctx context.Context, params ListDecisionsParams) ([]DecisionRow, int, error) {
	conditions := []string{"1 = 1"}
	var args []any

	if params.Classification != nil {
		conditions = append(conditions, "classification = @classification")
		args = append(args, clickhouse.Named("classification", *params.Classification))
	}
	if params.Policy != nil {
		conditions = append(conditions, "policy = @policy")
		args = append(args, clickhouse.Named("policy", *params.Policy))
	}
	if params.ClientIP != nil {
		conditions = append(conditions, "client_ip = @client_ip")
		args = append(args, clickhouse.Named("client_ip", *params.ClientIP))
	}
	if params.Fingerprint != nil {
		conditions = append(conditions, "fingerprint = @fingerprint")
		args = append(args, clickhouse.Named("fingerprint", *params.Fingerprint))
	}
	if params.StartTime != nil {
		conditions = append(conditions, "timestamp >= @start_time")
		args = append(args, clickhouse.Named("start_time", *params.StartTime))
	}
	if params.EndTime != nil {
		conditions = append(conditions, "timestamp <= @end_time")
		args = append(args, clickhouse.Named("end_time", *params.EndTime))
	}

	where := strings.Join(conditions, " AND ")
	offset := (params.Page - 1) * params.PageSize

	var total uint64
	countQuery := fmt.Sprintf("SELECT count() FROM traffic_decisions WHERE %s", where)
	if err := r.conn.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ListDecisions count: %w", err)
	}

	dataQuery := fmt.Sprintf(
		"SELECT %s FROM traffic_decisions WHERE %s "+
			"ORDER BY timestamp DESC "+
			"LIMIT @limit OFFSET @offset",
		decisionColumns, where,
	)
	args = append(args,
		clickhouse.Named("limit", uint32(params.PageSize)),
		clickhouse.Named("offset", uint32(offset)),
	)

	rows, err := r.conn.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("ListDecisions query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var decisions []DecisionRow
	for rows.Next() {
		var d DecisionRow
		if err := scanDecision(rows, &d); err != nil {
			return nil, 0, fmt.Errorf("ListDecisions scan: %w", err)
		}
		decisions = append(decisions, d)
	}

	return decisions, int(total), rows.Err()
}

// GetDecision returns a single decision by request ID, or nil if not found.
func (r *Reader) GetDecision(ctx context.Context, requestID string) (*DecisionRow, error) {
	row := r.conn.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM traffic_decisions WHERE request_id = @request_id", decisionColumns),
		clickhouse.Named("request_id", requestID),
	)

	var d DecisionRow
	if err := scanDecision(row, &d); err != nil {
		// ClickHouse doesn't return sql.ErrNoRows, so check for empty result
		return nil, fmt.Errorf("GetDecision: %w", err)
	}
	if d.RequestID == "" {
		return nil, nil
	}
	return &d, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDecision(s scanner, d *DecisionRow) error {
	return s.Scan(
		&d.RequestID, &d.Timestamp, &d.Method, &d.Path, &d.ClientIP,
		&d.UserAgentPreview, &d.Fingerprint,
		&d.Policy, &d.Classification, &d.Score, &d.Confidence, &d.Outcome, &d.EarlyExit,
		&d.DetectorNames, &d.DetectorConfidences, &d.DetectorDetails, &d.LatencyMs,
	)
}

// TrafficStats holds aggregate counts for the stats endpoint.
type TrafficStats struct {
	Total      int `json:"total"`
	Allows     int `json:"allows"`
	Challenges int `json:"challenges"`
	Blocks     int `json:"blocks"`
}

// TimeSeriesBucket holds an hourly count.
type TimeSeriesBucket struct {
	Hour  string `json:"hour"`
	Count int    `json:"count"`
}

// DetectorCount holds a detector name and its contribution count.
type DetectorCount struct {
	Detector string `json:"detector"`
	Count    int    `json:"count"`
}

// LatencyStats holds latency percentiles.
type LatencyStats struct {
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// AnalyticsResult holds all analytics aggregations.
type AnalyticsResult struct {
	Summary            TrafficStats       `json:"summary"`
	BlocksOverTime     []TimeSeriesBucket `json:"blocks_over_time"`
	TopDetectors       []DetectorCount    `json:"top_detectors"`
	LatencyPercentiles LatencyStats       `json:"latency_percentiles"`
}

// GetAnalytics returns aggregated decision analytics over the given number of days.
func (r *Reader) GetAnalytics(ctx context.Context, days int) (*AnalyticsResult, error) {
	now := time.Now().UTC()
	rangeStart := now.Add(-time.Duration(days) * 24 * time.Hour)
	dayStart := now.Add(-24 * time.Hour)

	baseArgs := []any{
		clickhouse.Named("range_start", rangeStart),
	}

	result := &AnalyticsResult{}

	var total, allows, challenges, blocks uint64
	err := r.conn.QueryRow(ctx,
		"SELECT count() as total, "+
			"countIf(classification = 'allow') as allows, "+
			"countIf(classification = 'challenge') as challenges, "+
			"countIf(classification = 'block') as blocks "+
			"FROM traffic_decisions "+
			"WHERE timestamp >= @range_start",
		baseArgs...,
	).Scan(&total, &allows, &challenges, &blocks)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics summary: %w", err)
	}
	result.Summary = TrafficStats{
		Total:      int(total),
		Allows:     int(allows),
		Challenges: int(challenges),
		Blocks:     int(blocks),
	}

	botRows, err := r.conn.Query(ctx,
		"SELECT toStartOfHour(timestamp) as hour, count() as count "+
			"FROM traffic_decisions "+
			"WHERE classification = 'block' AND timestamp >= @range_start "+
			"GROUP BY hour ORDER BY hour",
		baseArgs...,
	)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics blocks_over_time: %w", err)
	}
	defer func() { _ = botRows.Close() }()
	for botRows.Next() {
		var hour time.Time
		var count uint64
		if err := botRows.Scan(&hour, &count); err != nil {
			return nil, fmt.Errorf("GetAnalytics blocks_over_time scan: %w", err)
		}
		result.BlocksOverTime = append(result.BlocksOverTime, TimeSeriesBucket{
			Hour:  hour.Format(time.RFC3339),
			Count: int(count),
		})
	}

	detRows, err := r.conn.Query(ctx,
		"SELECT arrayJoin(detector_names) as detector, count() as count "+
			"FROM traffic_decisions "+
			"WHERE classification IN ('block', 'challenge') "+
			"AND timestamp >= @range_start "+
			"GROUP BY detector ORDER BY count DESC LIMIT 10",
		baseArgs...,
	)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics top_detectors: %w", err)
	}
	defer func() { _ = detRows.Close() }()
	for detRows.Next() {
		var det string
		var count uint64
		if err := detRows.Scan(&det, &count); err != nil {
			return nil, fmt.Errorf("GetAnalytics top_detectors scan: %w", err)
		}
		result.TopDetectors = append(result.TopDetectors, DetectorCount{
			Detector: det, Count: int(count),
		})
	}

	var p50, p95, p99 float64
	err = r.conn.QueryRow(ctx,
		"SELECT quantile(0.5)(latency_ms) as p50, "+
			"quantile(0.95)(latency_ms) as p95, "+
			"quantile(0.99)(latency_ms) as p99 "+
			"FROM traffic_decisions "+
			"WHERE timestamp >= @day_start",
		clickhouse.Named("day_start", dayStart),
	).Scan(&p50, &p95, &p99)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics latency: %w", err)
	}
	result.LatencyPercentiles = LatencyStats{
		P50: safeFloat(p50), P95: safeFloat(p95), P99: safeFloat(p99),
	}

	// Ensure slices are non-nil for JSON serialization
	if result.BlocksOverTime == nil {
		result.BlocksOverTime = []TimeSeriesBucket{}
	}
	if result.TopDetectors == nil {
		result.TopDetectors = []DetectorCount{}
	}

	return result, nil
}

// safeFloat replaces NaN/Inf with 0.0.
// ClickHouse returns NaN for quantile() on empty result sets.
func safeFloat(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0.0
	}
	return f
}
