// Package metrics defines the observability interfaces of nfsproxy
// components and the global Prometheus registry.
//
// Metrics are optional. When InitRegistry has not been called the
// constructors return nil and components skip recording entirely:
//
//	metrics.InitRegistry()
//	sm := metrics.NewSessionMetrics() // nil when disabled
//	mgr, _ := session.NewManager(params, sec, dialer, sm)
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry creates the global registry. Later calls are no-ops.
func InitRegistry() {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// GetRegistry returns the global registry, or nil when metrics are disabled.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	return GetRegistry() != nil
}

// Constructors are installed by pkg/metrics/prometheus at init time so this
// package stays free of implementation imports.
var (
	newSessionMetrics   func(prometheus.Registerer) SessionMetrics
	newAuthMetrics      func(prometheus.Registerer) AuthMetrics
	newHandleMapMetrics func(prometheus.Registerer) HandleMapMetrics
)

// RegisterConstructors installs the Prometheus-backed implementations.
func RegisterConstructors(
	session func(prometheus.Registerer) SessionMetrics,
	auth func(prometheus.Registerer) AuthMetrics,
	handleMap func(prometheus.Registerer) HandleMapMetrics,
) {
	newSessionMetrics = session
	newAuthMetrics = auth
	newHandleMapMetrics = handleMap
}

// NewSessionMetrics returns session metrics, or nil when disabled.
func NewSessionMetrics() SessionMetrics {
	if !IsEnabled() || newSessionMetrics == nil {
		return nil
	}
	return newSessionMetrics(registry)
}

// NewAuthMetrics returns security context metrics, or nil when disabled.
func NewAuthMetrics() AuthMetrics {
	if !IsEnabled() || newAuthMetrics == nil {
		return nil
	}
	return newAuthMetrics(registry)
}

// NewHandleMapMetrics returns handle map metrics, or nil when disabled.
func NewHandleMapMetrics() HandleMapMetrics {
	if !IsEnabled() || newHandleMapMetrics == nil {
		return nil
	}
	return newHandleMapMetrics(registry)
}
