package handlers

import (
	"net/http"
	"time"

	"github.com/marmos91/nfsproxy/pkg/session"
)

// SessionHandler lists backend sessions.
type SessionHandler struct {
	backend SessionSource
}

// NewSessionHandler creates a session handler.
func NewSessionHandler(backend SessionSource) *SessionHandler {
	return &SessionHandler{backend: backend}
}

// SessionResponse is one backend session.
type SessionResponse struct {
	ID           string     `json:"id"`
	State        string     `json:"state"`
	Outstanding  int        `json:"outstanding"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
	Principal    string     `json:"principal,omitempty"`
	Flavor       string     `json:"flavor"`
	GSS          bool       `json:"gss"`
	ContextID    string     `json:"context_id,omitempty"`
	Expiry       *time.Time `json:"expiry,omitempty"`
}

func sessionResponse(info session.Info) SessionResponse {
	resp := SessionResponse{
		ID:          info.ID,
		State:       info.State.String(),
		Outstanding: info.Outstanding,
		Principal:   info.Principal,
		Flavor:      info.Flavor.String(),
		GSS:         info.GSS,
		ContextID:   info.ContextID,
	}
	if !info.LastActivity.IsZero() {
		t := info.LastActivity
		resp.LastActivity = &t
	}
	if !info.Expiry.IsZero() {
		t := info.Expiry
		resp.Expiry = &t
	}
	return resp
}

// List handles GET /api/v1/sessions.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	if h.backend == nil {
		ServiceUnavailable(w, "Backend is not configured")
		return
	}
	infos := h.backend.Sessions()
	out := make([]SessionResponse, 0, len(infos))
	for _, info := range infos {
		out = append(out, sessionResponse(info))
	}
	writeJSON(w, http.StatusOK, okResponse(map[string]any{
		"health":   h.backend.Health().String(),
		"sessions": out,
	}))
}
