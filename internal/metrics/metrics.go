// Package metrics exports Prometheus metrics for scaling operations and the
// SSH transport.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tOgg1/elastic/internal/scaling"
)

const namespace = "elastic"

// Collectors holds the registered metrics.
type Collectors struct {
	operations      *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	converged       *prometheus.CounterVec
	failedSteps     *prometheus.CounterVec
	connectFailures prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Collectors, error) {
	c := &Collectors{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Scaling operations by action and outcome.",
		}, []string{"action", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Wall time of scaling operations.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 240, 480},
		}, []string{"action"}),
		converged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_converged_total",
			Help:      "VMs reported enabled or disabled by scaling operations.",
		}, []string{"action"}),
		failedSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failed_steps_total",
			Help:      "Failed operation steps by step key.",
		}, []string{"step"}),
		connectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ssh_connect_failures_total",
			Help:      "Failed SSH connection attempts.",
		}),
	}

	for _, collector := range []prometheus.Collector{
		c.operations, c.duration, c.converged, c.failedSteps, c.connectFailures,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ObserveOperation records a finished scaling operation.
func (c *Collectors) ObserveOperation(_ context.Context, rec scaling.Record) {
	action := string(rec.Action)
	c.operations.WithLabelValues(action, rec.Outcome()).Inc()
	c.duration.WithLabelValues(action).Observe(rec.Duration.Seconds())
	c.converged.WithLabelValues(action).Add(float64(len(rec.Result)))
	for _, step := range rec.Steps {
		if !step.OK {
			c.failedSteps.WithLabelValues(step.Key).Inc()
		}
	}
}

// ObserveConnectAttempt counts failed SSH connection attempts. Its signature
// matches ssh.Config.OnConnectAttempt.
func (c *Collectors) ObserveConnectAttempt(_ string, _ int, err error) {
	if err != nil {
		c.connectFailures.Inc()
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

var _ scaling.Observer = (*Collectors)(nil)
