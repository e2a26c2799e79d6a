package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rampart-ai/rampart/internal/auth"
	"github.com/rampart-ai/rampart/internal/chread"
	"github.com/rampart-ai/rampart/internal/engine"
	"github.com/rampart-ai/rampart/internal/storage"
)

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Policies     *engine.PolicySet
	Resolver     *engine.PathResolver
	Orchestrator *engine.Orchestrator
	Writer       storage.DecisionWriter
	Reader       *chread.Reader // nil if ClickHouse unavailable
	Verifier     *auth.Verifier // nil or empty key set leaves classify open
	Registry     *prometheus.Registry
	Logger       *zap.Logger
	CORSOrigins  []string
}

// NewRouter builds the HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	mux := http.NewServeMux()

	// Classification endpoint (Bearer auth when keys are configured)
	mux.HandleFunc("POST /v1/classify", deps.authMiddleware(deps.handleClassify))

	// Introspection (no auth — operator surface)
	mux.HandleFunc("GET /api/rampart/policies", deps.handleListPolicies)
	mux.HandleFunc("GET /api/rampart/decisions", deps.handleListDecisions)
	mux.HandleFunc("GET /api/rampart/decisions/{request_id}", deps.handleGetDecision)
	mux.HandleFunc("GET /api/rampart/analytics", deps.handleGetAnalytics)

	// Health check
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Prometheus metrics
	if deps.Registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))
	}

	return corsMiddleware(requestLogging(mux, deps.Logger), deps.CORSOrigins)
}
