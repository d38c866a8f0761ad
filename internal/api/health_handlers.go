package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// HealthChecker defines the interface for components that can be health checked.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Check results reported per dependency.
const (
	checkOK            = "ok"
	checkError         = "error"
	checkDegraded      = "degraded"
	checkNotConfigured = "not_configured"
)

// readyTimeout bounds the whole readiness probe.
const readyTimeout = 5 * time.Second

// HealthHandlers provides liveness and readiness endpoints.
type HealthHandlers struct {
	dbChecker      HealthChecker
	redisChecker   HealthChecker
	refDataChecker HealthChecker
	degraded       func() bool
	logger         *slog.Logger
}

// HealthHandlersConfig configures the health handlers. Every field is optional.
type HealthHandlersConfig struct {
	// DBChecker failing makes the service not ready.
	DBChecker HealthChecker

	// RedisChecker and RefDataChecker failing only degrade the service:
	// caching and rate limiting fail open and city lookups fall back to the
	// requester's home location.
	RedisChecker   HealthChecker
	RefDataChecker HealthChecker

	// SimilarityDegraded reports whether recommendations run without a
	// trained similarity model.
	SimilarityDegraded func() bool

	Logger *slog.Logger
}

// NewHealthHandlers creates the health handlers.
func NewHealthHandlers(config HealthHandlersConfig) *HealthHandlers {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &HealthHandlers{
		dbChecker:      config.DBChecker,
		redisChecker:   config.RedisChecker,
		refDataChecker: config.RefDataChecker,
		degraded:       config.SimilarityDegraded,
		logger:         config.Logger,
	}
}

// HealthResponse is the JSON body of both probes.
type HealthResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Health handles GET /health (liveness probe).
func (h *HealthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeCodedError(w, r, ErrCodeMethodNotAllowed, "Method not allowed")
		return
	}
	writeJSON(w, r, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Checks:    map[string]string{"runtime": checkOK},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Ready handles GET /ready (readiness probe). It returns 503 only when the
// database is unreachable; other failures are reported as degraded.
func (h *HealthHandlers) Ready(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeCodedError(w, r, ErrCodeMethodNotAllowed, "Method not allowed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	checks := make(map[string]string)
	status := "healthy"

	if !h.run(ctx, checks, "database", h.dbChecker, checkError) {
		status = "unhealthy"
	}
	for name, checker := range map[string]HealthChecker{
		"redis":   h.redisChecker,
		"refdata": h.refDataChecker,
	} {
		if !h.run(ctx, checks, name, checker, checkDegraded) && status == "healthy" {
			status = "degraded"
		}
	}

	checks["similarity"] = checkOK
	if h.degraded != nil && h.degraded() {
		checks["similarity"] = checkDegraded
		if status == "healthy" {
			status = "degraded"
		}
	}

	statusCode := http.StatusOK
	if status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, r, statusCode, HealthResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// run records one check and reports whether it passed. Unconfigured
// checkers pass.
func (h *HealthHandlers) run(ctx context.Context, checks map[string]string, name string, checker HealthChecker, failure string) bool {
	if checker == nil {
		checks[name] = checkNotConfigured
		return true
	}
	if err := checker.HealthCheck(ctx); err != nil {
		checks[name] = failure
		h.logger.WarnContext(ctx, name+" health check failed", "error", err)
		return false
	}
	checks[name] = checkOK
	return true
}
