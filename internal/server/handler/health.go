package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Check reports whether one dependency is reachable.
type Check func(ctx context.Context) error

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	checks map[string]Check
	mode   string
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler. checks may be empty.
func NewHealthHandler(mode string, checks map[string]Check, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{mode: mode, checks: checks, logger: logHandler(logger, "health")}
}

// HealthCheck reports liveness and the state of every checked dependency.
// Any failing check turns the response into a 503.
// GET /health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			h.logger.WarnContext(ctx, "health check failed",
				slog.String("dependency", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		results[name] = "ok"
	}

	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status":    state,
		"mode":      h.mode,
		"checks":    results,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
