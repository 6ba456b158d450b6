package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/marmos91/nfsproxy/internal/logger"
	"github.com/marmos91/nfsproxy/pkg/archive"
	"github.com/marmos91/nfsproxy/pkg/handlemap"
)

// HandleMapStore is the part of *handlemap.Store the API uses.
type HandleMapStore interface {
	Stats() handlemap.Stats
	Lookup(ctx context.Context, local handlemap.LocalHandle) (*handlemap.Entry, error)
	Invalidate(ctx context.Context, local handlemap.LocalHandle) error
	Rebuild(ctx context.Context, opts handlemap.RebuildOptions) (*handlemap.RebuildResult, error)
	Collect(ctx context.Context, olderThan time.Time) (int, error)
	Snapshot(ctx context.Context, w io.Writer) (*handlemap.SnapshotInfo, error)
}

// HandleMapHandler exposes handle map administration.
type HandleMapHandler struct {
	store   HandleMapStore
	sink    archive.Sink
	tempDir string
}

// NewHandleMapHandler creates the handler. store is nil when handle mapping
// is disabled; sink is nil when no backup destination is configured.
func NewHandleMapHandler(store HandleMapStore, sink archive.Sink, tempDir string) *HandleMapHandler {
	return &HandleMapHandler{store: store, sink: sink, tempDir: tempDir}
}

// EntryResponse is one handle map entry.
type EntryResponse struct {
	Local      string    `json:"local"`
	Remote     string    `json:"remote"`
	Shard      int       `json:"shard"`
	LastAccess time.Time `json:"last_access"`
	Corrupt    bool      `json:"corrupt"`
}

// RebuildRequest is the body of POST /api/v1/handlemap/rebuild. Zero
// fields keep the current layout.
type RebuildRequest struct {
	DatabaseCount int `json:"database_count"`
	HashtableSize int `json:"hashtable_size"`
}

// CollectRequest is the body of POST /api/v1/handlemap/gc.
type CollectRequest struct {
	// OlderThan is a duration such as "720h"; entries not accessed within
	// it are removed.
	OlderThan string `json:"older_than"`
}

func (h *HandleMapHandler) enabled(w http.ResponseWriter) bool {
	if h.store == nil {
		NotFound(w, "Handle mapping is disabled")
		return false
	}
	return true
}

func (h *HandleMapHandler) handleParam(w http.ResponseWriter, r *http.Request) (handlemap.LocalHandle, bool) {
	local, err := handlemap.ParseLocalHandleHex(chi.URLParam(r, "handle"))
	if err != nil {
		BadRequest(w, err.Error())
		return local, false
	}
	return local, true
}

// writeStoreError maps handle map errors to problem responses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, handlemap.ErrNotFound):
		NotFound(w, "Handle not found")
	case errors.Is(err, handlemap.ErrInvalidHandle):
		BadRequest(w, err.Error())
	case errors.Is(err, handlemap.ErrClosed):
		ServiceUnavailable(w, "Handle map is closed")
	case errors.Is(err, archive.ErrNotFound):
		NotFound(w, err.Error())
	default:
		InternalServerError(w, err.Error())
	}
}

// Stats handles GET /api/v1/handlemap/stats.
func (h *HandleMapHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if !h.enabled(w) {
		return
	}
	writeJSON(w, http.StatusOK, okResponse(h.store.Stats()))
}

// GetEntry handles GET /api/v1/handlemap/entries/{handle}.
func (h *HandleMapHandler) GetEntry(w http.ResponseWriter, r *http.Request) {
	if !h.enabled(w) {
		return
	}
	local, ok := h.handleParam(w, r)
	if !ok {
		return
	}
	e, err := h.store.Lookup(r.Context(), local)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse(EntryResponse{
		Local:      e.Local.String(),
		Remote:     e.Remote.String(),
		Shard:      e.Shard,
		LastAccess: e.LastAccess.UTC(),
		Corrupt:    e.Corrupt,
	}))
}

// DeleteEntry handles DELETE /api/v1/handlemap/entries/{handle}.
func (h *HandleMapHandler) DeleteEntry(w http.ResponseWriter, r *http.Request) {
	if !h.enabled(w) {
		return
	}
	local, ok := h.handleParam(w, r)
	if !ok {
		return
	}
	if err := h.store.Invalidate(r.Context(), local); err != nil {
		writeStoreError(w, err)
		return
	}
	logger.Info("Handle invalidated via API", logger.Handle(local[:]))
	w.WriteHeader(http.StatusNoContent)
}

// Rebuild handles POST /api/v1/handlemap/rebuild.
func (h *HandleMapHandler) Rebuild(w http.ResponseWriter, r *http.Request) {
	if !h.enabled(w) {
		return
	}
	var req RebuildRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.DatabaseCount < 0 || req.DatabaseCount > handlemap.MaxDatabaseCount {
		BadRequest(w, "database_count out of range")
		return
	}
	if req.HashtableSize < 0 || req.HashtableSize > handlemap.MaxHashtableSize {
		BadRequest(w, "hashtable_size out of range")
		return
	}

	res, err := h.store.Rebuild(r.Context(), handlemap.RebuildOptions{
		DatabaseCount: req.DatabaseCount,
		HashtableSize: req.HashtableSize,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse(res))
}

// Collect handles POST /api/v1/handlemap/gc.
func (h *HandleMapHandler) Collect(w http.ResponseWriter, r *http.Request) {
	if !h.enabled(w) {
		return
	}
	var req CollectRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	age, err := time.ParseDuration(req.OlderThan)
	if err != nil || age <= 0 {
		BadRequest(w, "older_than must be a positive duration such as 720h")
		return
	}

	removed, err := h.store.Collect(r.Context(), time.Now().Add(-age))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse(map[string]int{"removed": removed}))
}

// Backup handles POST /api/v1/handlemap/backup.
func (h *HandleMapHandler) Backup(w http.ResponseWriter, r *http.Request) {
	if !h.enabled(w) {
		return
	}
	if h.sink == nil {
		Conflict(w, "No backup destination configured")
		return
	}
	res, err := archive.Backup(r.Context(), h.store, h.sink, h.tempDir)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse(res))
}
