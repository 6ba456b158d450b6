package apiclient

import (
	"context"
	"time"

	"github.com/marmos91/nfsproxy/pkg/api/handlers"
	"github.com/marmos91/nfsproxy/pkg/archive"
	"github.com/marmos91/nfsproxy/pkg/handlemap"
)

// SessionList is the payload of GET /api/v1/sessions.
type SessionList struct {
	Health   string                     `json:"health"`
	Sessions []handlers.SessionResponse `json:"sessions"`
}

// Health returns the liveness payload. It needs no token.
func (c *Client) Health(ctx context.Context) (*handlers.HealthStatus, error) {
	var st handlers.HealthStatus
	if err := c.get(ctx, "/health", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Sessions lists the backend sessions and the aggregate backend state.
func (c *Client) Sessions(ctx context.Context) (*SessionList, error) {
	var list SessionList
	if err := c.get(ctx, "/api/v1/sessions", &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// HandleMapStats returns the handle map layout and entry counts.
func (c *Client) HandleMapStats(ctx context.Context) (*handlemap.Stats, error) {
	var st handlemap.Stats
	if err := c.get(ctx, "/api/v1/handlemap/stats", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// LookupEntry returns the entry for a local handle.
func (c *Client) LookupEntry(ctx context.Context, local handlemap.LocalHandle) (*handlers.EntryResponse, error) {
	var e handlers.EntryResponse
	if err := c.get(ctx, "/api/v1/handlemap/entries/"+local.String(), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// InvalidateEntry removes the entry for a local handle. Requires an admin token.
func (c *Client) InvalidateEntry(ctx context.Context, local handlemap.LocalHandle) error {
	return c.delete(ctx, "/api/v1/handlemap/entries/"+local.String())
}

// Rebuild rewrites the handle map, optionally with a new layout. Zero
// values keep the current one. Requires an admin token.
func (c *Client) Rebuild(ctx context.Context, databaseCount, hashtableSize int) (*handlemap.RebuildResult, error) {
	req := handlers.RebuildRequest{DatabaseCount: databaseCount, HashtableSize: hashtableSize}
	var res handlemap.RebuildResult
	if err := c.post(ctx, "/api/v1/handlemap/rebuild", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Collect removes entries not accessed within olderThan and returns how many
// were removed. Requires an admin token.
func (c *Client) Collect(ctx context.Context, olderThan time.Duration) (int, error) {
	req := handlers.CollectRequest{OlderThan: olderThan.String()}
	var res struct {
		Removed int `json:"removed"`
	}
	if err := c.post(ctx, "/api/v1/handlemap/gc", req, &res); err != nil {
		return 0, err
	}
	return res.Removed, nil
}

// Backup archives a snapshot of the live handle map to the configured
// destination. Requires an admin token.
func (c *Client) Backup(ctx context.Context) (*archive.BackupResult, error) {
	var res archive.BackupResult
	if err := c.post(ctx, "/api/v1/handlemap/backup", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
