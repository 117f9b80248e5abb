// SPDX-FileCopyrightText: Copyright 2025 Quillsign, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/quillsign/quill/pkg/api/response"
	"github.com/quillsign/quill/pkg/versions"
)

// healthCheckTimeout bounds each backend ping.
const healthCheckTimeout = 5 * time.Second

// HealthCheck pings one backend.
type HealthCheck func(ctx context.Context) error

// HealthRoutes reports service and backend health.
type HealthRoutes struct {
	checks map[string]HealthCheck
}

// HealthRouter creates the router for the health endpoint.
func HealthRouter(checks map[string]HealthCheck) http.Handler {
	routes := HealthRoutes{checks: checks}
	r := chi.NewRouter()
	r.Get("/", routes.getHealth)
	return r
}

// healthResponse is the body of GET /health.
type healthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks"`
}

// getHealth pings every backend and reports 200 when all pass, 503 when
// any fails.
//
//	GET /health
func (h *HealthRoutes) getHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	results := make(map[string]string, len(h.checks))
	degraded := false
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			results[name] = "error: " + err.Error()
			degraded = true
			continue
		}
		results[name] = "ok"
	}

	body := healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   versions.GetVersionInfo().Version,
		Checks:    results,
	}
	status := http.StatusOK
	if degraded {
		body.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	response.WriteJSON(w, status, body)
}
