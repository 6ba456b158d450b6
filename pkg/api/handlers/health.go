package handlers

import (
	"net/http"
	"time"

	"github.com/marmos91/nfsproxy/pkg/session"
)

// SessionSource exposes backend session state. *proxy.Proxy implements it.
type SessionSource interface {
	Health() session.State
	Sessions() []session.Info
}

// HealthHandler handles health check endpoints.
//
// Health endpoints are unauthenticated:
//   - Liveness: is the process serving HTTP?
//   - Readiness: is at least one backend session READY?
type HealthHandler struct {
	backend SessionSource
	started time.Time
}

// NewHealthHandler creates a health handler. backend may be nil, in which
// case readiness always fails.
func NewHealthHandler(backend SessionSource) *HealthHandler {
	return &HealthHandler{backend: backend, started: time.Now()}
}

// HealthStatus is the payload of both health endpoints.
type HealthStatus struct {
	Service string `json:"service"`
	Backend string `json:"backend"`
	Uptime  string `json:"uptime"`
}

func (h *HealthHandler) status() HealthStatus {
	st := HealthStatus{
		Service: "nfsproxy",
		Backend: session.StateDisconnected.String(),
		Uptime:  time.Since(h.started).Round(time.Second).String(),
	}
	if h.backend != nil {
		st.Backend = h.backend.Health().String()
	}
	return st
}

// Liveness handles GET /health. It always returns 200 and reports the
// backend state for information.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthyResponse(h.status()))
}

// Readiness handles GET /health/ready: 200 when the backend is READY,
// 503 otherwise. Sessions open lazily, so a proxy that has not served a
// call yet reports DISCONNECTED.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	st := h.status()
	if st.Backend != session.StateReady.String() {
		writeJSON(w, http.StatusServiceUnavailable, unhealthyResponseWithData(st))
		return
	}
	writeJSON(w, http.StatusOK, healthyResponse(st))
}
