// Package prometheus provides the Prometheus implementations of the
// pkg/metrics interfaces. Import it for side effects to enable them:
//
//	import _ "github.com/marmos91/nfsproxy/pkg/metrics/prometheus"
package prometheus

import (
	"github.com/marmos91/nfsproxy/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "nfsproxy"

func init() {
	metrics.RegisterConstructors(
		func(r prometheus.Registerer) metrics.SessionMetrics { return newSessionMetrics(r) },
		func(r prometheus.Registerer) metrics.AuthMetrics { return newAuthMetrics(r) },
		func(r prometheus.Registerer) metrics.HandleMapMetrics { return newHandleMapMetrics(r) },
	)
}

func outcomeOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
