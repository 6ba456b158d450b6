// Package api serves the nfsproxy admin HTTP API: health, metrics, backend
// sessions and handle map administration.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/marmos91/nfsproxy/internal/logger"
	"github.com/marmos91/nfsproxy/pkg/api/auth"
	"github.com/marmos91/nfsproxy/pkg/api/handlers"
	"github.com/marmos91/nfsproxy/pkg/archive"
	"github.com/marmos91/nfsproxy/pkg/config"
	"github.com/marmos91/nfsproxy/pkg/handlemap"
)

// Deps are the components the API exposes.
type Deps struct {
	// Sessions reports backend state. Usually the *proxy.Proxy.
	Sessions handlers.SessionSource

	// HandleMap is nil when handle mapping is disabled.
	HandleMap *handlemap.Store

	// Archive receives snapshots from POST /api/v1/handlemap/backup. May be nil.
	Archive archive.Sink

	// TempDir spools snapshots before upload.
	TempDir string
}

// Server is the admin HTTP server.
type Server struct {
	server       *http.Server
	config       config.APIConfig
	jwt          *auth.JWTService
	shutdownOnce sync.Once

	mu   sync.Mutex
	addr net.Addr
}

// NewServer creates a stopped server. The JWT secret must be configured.
func NewServer(cfg config.APIConfig, deps Deps) (*Server, error) {
	jwtService, err := auth.NewJWTService(auth.JWTConfig{
		Secret:        cfg.JWTSecret,
		TokenDuration: cfg.TokenTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("api.jwt_secret: %w", err)
	}

	return &Server{
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      NewRouter(deps, jwtService),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		config: cfg,
		jwt:    jwtService,
	}, nil
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("API server failed: %w", err)
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	errChan := make(chan error, 1)
	go func() {
		logger.Info("API server listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("API server shutdown signal received")
		// ctx is already cancelled; shutdown needs its own deadline.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("API server failed: %w", err)
	}
}

// Stop gracefully shuts the server down. Safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("API server shutdown error: %w", err)
			logger.Error("API server shutdown error", logger.Err(err))
		} else {
			logger.Info("API server stopped gracefully")
		}
	})
	return shutdownErr
}

// Addr is the bound address once Start is listening, nil before.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// JWT returns the token service, used to mint tokens in tests and the CLI.
func (s *Server) JWT() *auth.JWTService { return s.jwt }
