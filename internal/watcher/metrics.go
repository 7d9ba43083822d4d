package watcher

import (
	"github.com/prometheus/client_golang/prometheus"

	"ancs/internal/telemetry"
)

type metrics struct {
	iterations    prometheus.Counter
	pollErrors    *prometheus.CounterVec
	cycleDuration prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	iterations, err := telemetry.Register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ancs",
		Subsystem: "watcher",
		Name:      "iterations_total",
		Help:      "Number of completed polling cycles",
	}))
	if err != nil {
		return nil, err
	}

	pollErrors, err := telemetry.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ancs",
		Subsystem: "watcher",
		Name:      "poll_errors_total",
		Help:      "Number of failed periodic calls per drop-in",
	}, []string{"drop_in"}))
	if err != nil {
		return nil, err
	}

	cycleDuration, err := telemetry.Register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ancs",
		Subsystem: "watcher",
		Name:      "cycle_duration_seconds",
		Help:      "Duration of a full polling cycle",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}))
	if err != nil {
		return nil, err
	}

	return &metrics{
		iterations:    iterations,
		pollErrors:    pollErrors,
		cycleDuration: cycleDuration,
	}, nil
}
