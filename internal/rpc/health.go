// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keyring.
//
// go-keyring is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package rpc

import (
	"net/http"

	"github.com/jeremyhahn/go-keyring/pkg/health"
)

// HealthCheckResponse is the body of the health endpoints.
type HealthCheckResponse struct {
	Status  health.Status        `json:"status"`
	Message string               `json:"message,omitempty"`
	Checks  []health.CheckResult `json:"checks,omitempty"`
}

// LivenessHandler handles GET {health}/live. It fails only when the process
// itself is broken, never because the device is away.
func (s *Server) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeResponse(w, http.StatusOK, HealthCheckResponse{Status: health.StatusHealthy, Message: "Service is alive"})
		return
	}
	result := s.health.Live(r.Context())
	writeResponse(w, statusCode(result.Status), HealthCheckResponse{Status: result.Status, Message: result.Message})
}

// ReadinessHandler handles GET {health}/ready. A busy device reports
// degraded with 200; an unreachable one reports 503.
func (s *Server) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeResponse(w, http.StatusOK, HealthCheckResponse{Status: health.StatusHealthy, Message: "Service is ready"})
		return
	}

	results := s.health.Ready(r.Context())
	overall := health.AggregateStatus(results)

	resp := HealthCheckResponse{Status: overall, Checks: results}
	switch overall {
	case health.StatusHealthy:
		resp.Message = "All checks passed"
	case health.StatusDegraded:
		resp.Message = "Service is degraded"
	case health.StatusUnhealthy:
		resp.Message = "One or more checks failed"
	}
	writeResponse(w, statusCode(overall), resp)
}

// StartupHandler handles GET {health}/startup.
func (s *Server) StartupHandler(w http.ResponseWriter, r *http.Request) {
	if s.health == nil || s.health.IsStarted() {
		writeResponse(w, http.StatusOK, HealthCheckResponse{Status: health.StatusHealthy, Message: "Service has started"})
		return
	}
	writeResponse(w, http.StatusServiceUnavailable, HealthCheckResponse{Status: health.StatusUnhealthy, Message: "Service is starting"})
}

func statusCode(status health.Status) int {
	if status == health.StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}
