// Package metrics records the outcome of a guard session and writes it in the
// Prometheus text format for node_exporter's textfile collector.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/alexandremahdhaoui/netguard/pkg/network"
)

const namespace = "netguard"

// Recorder holds the gauges of one guard session. A nil *Recorder is valid
// and records nothing.
type Recorder struct {
	registry *prometheus.Registry
	path     string

	conflicts          *prometheus.GaugeVec
	definitionsDeleted prometheus.Gauge
	routeRestored      prometheus.Gauge
	lastRun            prometheus.Gauge
	lastSuccess        prometheus.Gauge
}

// New creates a Recorder for the given session mode ("post-start",
// "safe-start"). An empty path disables Flush.
func New(path, mode string) *Recorder {
	labels := prometheus.Labels{"mode": mode}
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		path:     path,
		conflicts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "last_run_conflicts",
			Help:        "Conflicting bridges seen during the last session, by outcome.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		definitionsDeleted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "last_run_definitions_deleted",
			Help:        "Libvirt network definitions deleted during the last session.",
			ConstLabels: labels,
		}),
		routeRestored: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "last_run_route_restored",
			Help:        "1 if the last session re-added the default route.",
			ConstLabels: labels,
		}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "last_run_timestamp_seconds",
			Help:        "Unix time the last session finished.",
			ConstLabels: labels,
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "last_run_success",
			Help:        "1 if the last session verified connectivity.",
			ConstLabels: labels,
		}),
	}

	r.registry.MustRegister(r.conflicts, r.definitionsDeleted, r.routeRestored, r.lastRun, r.lastSuccess)
	for _, o := range []network.Outcome{network.OutcomeApplied, network.OutcomeAlreadySatisfied, network.OutcomeFailed} {
		r.conflicts.WithLabelValues(o.String()).Set(0)
	}

	return r
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// ObserveResolution counts one conflict resolution.
func (r *Recorder) ObserveResolution(res network.Resolution) {
	if r == nil {
		return
	}
	r.conflicts.WithLabelValues(res.Outcome.String()).Inc()
}

// ObserveDefinitionsDeleted records the number of deleted definitions.
func (r *Recorder) ObserveDefinitionsDeleted(n int) {
	if r == nil {
		return
	}
	r.definitionsDeleted.Set(float64(n))
}

// ObserveRouteRestored marks the default route as re-added.
func (r *Recorder) ObserveRouteRestored() {
	if r == nil {
		return
	}
	r.routeRestored.Set(1)
}

// ObserveSession records the end of a session.
func (r *Recorder) ObserveSession(at time.Time, success bool) {
	if r == nil {
		return
	}
	r.lastRun.Set(float64(at.Unix()))
	if success {
		r.lastSuccess.Set(1)
	} else {
		r.lastSuccess.Set(0)
	}
}

// Flush writes the metrics to the textfile, if one is configured.
func (r *Recorder) Flush() error {
	if r == nil || r.path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(r.path, r.registry); err != nil {
		return fmt.Errorf("writing metrics textfile: %w", err)
	}
	return nil
}
