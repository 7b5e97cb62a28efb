package api

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

const healthCheckTimeout = 3 * time.Second

// HealthCheck probes one dependency.
type HealthCheck struct {
	Component string
	Ping      func(ctx context.Context) error
}

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components []componentStatus `json:"components"`
}

// probe runs every check in parallel, each under its own timeout, and keeps
// the configured order in the report.
func (h *Handler) probe(ctx context.Context) healthResponse {
	results := make([]componentStatus, len(h.HealthChecks))
	var group errgroup.Group
	for i, check := range h.HealthChecks {
		if check.Ping == nil {
			continue
		}
		i, check := i, check
		group.Go(func() error {
			checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
			defer cancel()
			start := time.Now()
			err := check.Ping(checkCtx)
			results[i] = componentStatus{Component: check.Component, Status: "ok", LatencyMS: time.Since(start).Milliseconds()}
			if err != nil {
				results[i].Status = "degraded"
				results[i].Error = err.Error()
			}
			return nil
		})
	}
	_ = group.Wait()

	resp := healthResponse{Status: "ok", Components: make([]componentStatus, 0, len(results))}
	for _, result := range results {
		if result.Component == "" {
			continue
		}
		if result.Status != "ok" {
			resp.Status = "degraded"
		}
		resp.Components = append(resp.Components, result)
	}
	return resp
}

// Health reports the service and dependency status. Any degraded dependency
// answers 503.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := h.probe(r.Context())
	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}
