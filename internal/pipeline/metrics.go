package pipeline

import "github.com/prometheus/client_golang/prometheus"

var (
	tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cloudmetrics",
		Subsystem: "pipeline",
		Name:      "tick_duration_seconds",
		Help:      "Wall time of one full tick, broadcast included.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	})

	instanceFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cloudmetrics",
		Subsystem: "pipeline",
		Name:      "instance_failures_total",
		Help:      "Instances left out of a tick batch because their sample was not persisted.",
	})

	alertsRaised = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cloudmetrics",
		Subsystem: "pipeline",
		Name:      "alerts_raised_total",
		Help:      "Alerts stored by the pipeline.",
	}, []string{"type", "severity"})

	ticksPanicked = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cloudmetrics",
		Subsystem: "pipeline",
		Name:      "ticks_panicked_total",
		Help:      "Ticks that ended in a recovered panic.",
	})
)

func init() {
	prometheus.MustRegister(tickDuration, instanceFailures, alertsRaised, ticksPanicked)
}
