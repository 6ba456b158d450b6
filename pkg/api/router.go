package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marmos91/nfsproxy/internal/logger"
	"github.com/marmos91/nfsproxy/pkg/api/auth"
	"github.com/marmos91/nfsproxy/pkg/api/handlers"
	apiMiddleware "github.com/marmos91/nfsproxy/pkg/api/middleware"
	"github.com/marmos91/nfsproxy/pkg/metrics"
)

// NewRouter creates the chi router with all middleware and routes.
//
// Routes:
//   - GET /health - Liveness probe
//   - GET /health/ready - Readiness probe (backend READY)
//   - GET /metrics - Prometheus metrics
//   - GET /api/v1/sessions - Backend sessions
//   - GET /api/v1/handlemap/stats - Handle map statistics
//   - GET|DELETE /api/v1/handlemap/entries/{handle} - Inspect or invalidate
//   - POST /api/v1/handlemap/rebuild - Online rebuild (admin only)
//   - POST /api/v1/handlemap/gc - Collect unused entries (admin only)
//   - POST /api/v1/handlemap/backup - Archive a snapshot (admin only)
//
// /api/v1 requires a bearer token.
func NewRouter(deps Deps, jwtService *auth.JWTService) http.Handler {
	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	healthHandler := handlers.NewHealthHandler(deps.Sessions)

	r.Route("/health", func(r chi.Router) {
		r.Get("/", healthHandler.Liveness)
		r.Get("/ready", healthHandler.Readiness)
	})

	r.Handle("/metrics", metricsHandler())

	r.Route("/api/v1", func(r chi.Router) {
		// Rebuild holds shard locks for its whole run, so only the
		// read endpoints get a short timeout.
		r.Use(apiMiddleware.JWTAuth(jwtService))

		r.With(middleware.Timeout(30*time.Second)).Get("/sessions", handlers.NewSessionHandler(deps.Sessions).List)

		var store handlers.HandleMapStore
		if deps.HandleMap != nil {
			store = deps.HandleMap
		}
		hm := handlers.NewHandleMapHandler(store, deps.Archive, deps.TempDir)

		r.Route("/handlemap", func(r chi.Router) {
			r.With(middleware.Timeout(30*time.Second)).Get("/stats", hm.Stats)
			r.With(middleware.Timeout(30*time.Second)).Get("/entries/{handle}", hm.GetEntry)

			r.Group(func(r chi.Router) {
				r.Use(apiMiddleware.RequireAdmin())
				r.Delete("/entries/{handle}", hm.DeleteEntry)
				r.Post("/rebuild", hm.Rebuild)
				r.Post("/gc", hm.Collect)
				r.Post("/backup", hm.Backup)
			})
		})
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/health", http.StatusTemporaryRedirect)
	})

	return r
}

func metricsHandler() http.Handler {
	if reg := metrics.GetRegistry(); reg != nil {
		return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "Metrics collection is disabled\n")
	})
}

// requestLogger logs requests using the internal logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		logger.Debug("API request started",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logger.Info("API request completed",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			logger.DurationMs(start),
		)
	})
}
