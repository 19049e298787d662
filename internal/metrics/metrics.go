// Package metrics holds the Prometheus collectors for provisioning and
// teardown. Helpers are no-ops until Register succeeds, so the library
// costs nothing for callers that never ask for metrics.
package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome label values.
const (
	OutcomeSuccess    = "success"
	OutcomeFailure    = "failure"
	OutcomeClean      = "clean"
	OutcomeIncomplete = "incomplete"
)

var (
	regOK atomic.Bool

	provisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pgenv",
			Name:      "provisions_total",
			Help:      "Provision attempts by outcome and, for failures, the failing stage.",
		}, []string{"outcome", "stage"},
	)
	provisionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pgenv",
			Name:      "provision_duration_seconds",
			Help:      "Wall time of Provision calls.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"outcome"},
	)
	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pgenv",
			Name:      "stage_duration_seconds",
			Help:      "Wall time of each successful provisioning stage.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"stage"},
	)
	teardowns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pgenv",
			Name:      "teardowns_total",
			Help:      "Instance teardowns by outcome.",
		}, []string{"outcome"},
	)
	liveInstances = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pgenv",
			Name:      "live_instances",
			Help:      "Instances that are ready and not yet shut down.",
		},
	)
)

// Register registers all collectors with r. Calls after a successful
// registration are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{provisions, provisionDuration, stageDuration, teardowns, liveInstances}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves the default gatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves g.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// ObserveProvision records one Provision call. stage is the failing stage
// and is ignored on success.
func ObserveProvision(stage string, err error, d time.Duration) {
	if !regOK.Load() {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	} else {
		stage = ""
	}
	provisions.WithLabelValues(outcome, stage).Inc()
	provisionDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// ObserveStage records a completed provisioning stage.
func ObserveStage(stage string, d time.Duration) {
	if regOK.Load() {
		stageDuration.WithLabelValues(stage).Observe(d.Seconds())
	}
}

// ObserveTeardown records one instance teardown.
func ObserveTeardown(err error) {
	if !regOK.Load() {
		return
	}
	if err != nil {
		teardowns.WithLabelValues(OutcomeIncomplete).Inc()
		return
	}
	teardowns.WithLabelValues(OutcomeClean).Inc()
}

// InstanceUp and InstanceDown track live instances.
func InstanceUp() {
	if regOK.Load() {
		liveInstances.Inc()
	}
}

func InstanceDown() {
	if regOK.Load() {
		liveInstances.Dec()
	}
}
