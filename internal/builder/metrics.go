package builder

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var buildDurationBuckets = []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800}

type metrics struct {
	buildsTotal     *prometheus.CounterVec
	buildDuration   prometheus.Histogram
	handoffFailures prometheus.Counter
	initialized     bool
	once            sync.Once
}

func (m *metrics) init() {
	m.once.Do(func() {
		m.buildsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "slipway",
			Subsystem: "worker",
			Name:      "builds_total",
			Help:      "Count of build attempts by outcome",
		}, []string{"outcome"})

		m.buildDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "slipway",
			Subsystem: "worker",
			Name:      "build_duration_seconds",
			Help:      "Latency distribution of completed builds",
			Buckets:   buildDurationBuckets,
		})

		m.handoffFailures = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "slipway",
			Subsystem: "worker",
			Name:      "deploy_handoff_failures_total",
			Help:      "Deploy jobs that could not be enqueued after a successful build",
		})

		collectors := []prometheus.Collector{m.buildsTotal, m.buildDuration, m.handoffFailures}
		for _, collector := range collectors {
			if err := prometheus.Register(collector); err != nil {
				if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
					switch existing := already.ExistingCollector.(type) {
					case *prometheus.CounterVec:
						m.buildsTotal = existing
					case prometheus.Histogram:
						m.buildDuration = existing
					case prometheus.Counter:
						m.handoffFailures = existing
					}
				}
			}
		}
		m.initialized = true
	})
}

func (m *metrics) recordBuild(outcome string, duration time.Duration) {
	if !m.initialized {
		return
	}
	m.buildsTotal.With(prometheus.Labels{"outcome": outcome}).Inc()
	if outcome == "completed" {
		m.buildDuration.Observe(duration.Seconds())
	}
}

func (m *metrics) recordHandoffFailure() {
	if !m.initialized {
		return
	}
	m.handoffFailures.Inc()
}
