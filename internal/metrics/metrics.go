// Package metrics holds the Prometheus collectors for provisioning and
// bootstrap outcomes. They are registered on the default registry and served
// by the CLI's metrics listener.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

var (
	// ProvisionTotal counts per-machine provisioning attempts.
	ProvisionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maillab_provision_total",
			Help: "Number of machine provisioning attempts by result.",
		},
		[]string{"machine", "result"},
	)

	// ProvisionDuration observes end-to-end per-machine provisioning time,
	// from domain creation to completed bootstrap.
	ProvisionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "maillab_provision_duration_seconds",
			Help:    "End-to-end machine provisioning duration.",
			Buckets: prometheus.ExponentialBuckets(5, 2, 8),
		},
	)

	// BootstrapTotal counts bootstrap runs by result.
	BootstrapTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maillab_bootstrap_total",
			Help: "Number of bootstrap runs by result.",
		},
		[]string{"machine", "result"},
	)
)

// Result maps an error to a result label value.
func Result(err error) string {
	if err != nil {
		return ResultFailure
	}
	return ResultSuccess
}
