// Package metrics provides Prometheus metrics collection for the allocation service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/eugenenazirov/container-planner/internal/allocator"
)

const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

var (
	// HTTPRequestDuration tracks HTTP request duration by method, route, and status code.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status_code"},
	)

	// HTTPRequestTotal tracks total HTTP requests by method, route, and status code.
	HTTPRequestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status_code"},
	)

	// AllocationRunsTotal tracks allocation runs by outcome.
	AllocationRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "allocation_runs_total",
			Help: "Total number of allocation runs",
		},
		[]string{"status"},
	)

	// AllocationDuration tracks allocation run duration.
	AllocationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "allocation_duration_seconds",
			Help:    "Allocation run duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
	)

	// ContainersTotal counts produced containers.
	ContainersTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "allocation_containers_total",
			Help: "Total number of containers produced",
		},
	)

	// ContainerFillRatio tracks how full produced containers are.
	ContainerFillRatio = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "allocation_container_fill_ratio",
			Help:    "Load divided by capacity of produced containers",
			Buckets: []float64{0.25, 0.5, 0.6, 0.7, 0.8, 0.9, 0.95, 1.0},
		},
	)

	// GroupFailuresTotal counts groups that could not be allocated.
	GroupFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "allocation_group_failures_total",
			Help: "Total number of groups rejected by the allocator",
		},
	)
)

// RecordAllocation records metrics for one allocation run.
func RecordAllocation(duration time.Duration, res allocator.Result) string {
	status := RunStatus(res)
	AllocationDuration.Observe(duration.Seconds())
	AllocationRunsTotal.WithLabelValues(status).Inc()

	ContainersTotal.Add(float64(len(res.Containers)))
	for _, c := range res.Containers {
		if c.Capacity > 0 {
			ContainerFillRatio.Observe(float64(c.Load()) / float64(c.Capacity))
		}
	}
	GroupFailuresTotal.Add(float64(len(res.Failures)))
	return status
}

// RunStatus classifies a result by how many of its groups failed. A group
// whose lines all carry zero units succeeds without producing a container.
func RunStatus(res allocator.Result) string {
	switch {
	case len(res.Failures) == 0:
		return StatusSuccess
	case len(res.Failures) >= res.Groups:
		return StatusFailed
	default:
		return StatusPartial
	}
}
