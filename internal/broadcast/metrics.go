package broadcast

import "github.com/prometheus/client_golang/prometheus"

var (
	published = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cloudmetrics",
		Subsystem: "broadcast",
		Name:      "events_published_total",
		Help:      "Events published to the hub, by event kind.",
	}, []string{"event"})

	dropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cloudmetrics",
		Subsystem: "broadcast",
		Name:      "events_dropped_total",
		Help:      "Per-subscriber deliveries dropped because the queue was full.",
	}, []string{"event"})

	subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cloudmetrics",
		Subsystem: "broadcast",
		Name:      "subscribers",
		Help:      "Live subscribers.",
	})
)

func init() {
	prometheus.MustRegister(published, dropped, subscribers)
}
