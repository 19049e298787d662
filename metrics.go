package pgenv

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/giantswarm/pgenv/internal/metrics"
)

// RegisterMetrics registers the pgenv collectors with reg. Until it is
// called the counters are maintained but never exported. Registering twice
// is a no-op.
func RegisterMetrics(reg prometheus.Registerer) error {
	return metrics.Register(reg)
}
