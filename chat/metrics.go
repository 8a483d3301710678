package chat

import "github.com/prometheus/client_golang/prometheus"

var (
	appendCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "minichat",
		Subsystem: "chat",
		Name:      "messages_appended_total",
		Help:      "Messages appended, by kind. Idempotent replays are not counted.",
	}, []string{"kind"})

	duplicateCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "minichat",
		Subsystem: "chat",
		Name:      "append_duplicates_total",
		Help:      "Appends answered from an earlier idempotency key.",
	})

	appendDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "minichat",
		Subsystem: "chat",
		Name:      "append_duration_seconds",
		Help:      "Latency of the store append, lock wait included.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	storeErrorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "minichat",
		Subsystem: "chat",
		Name:      "store_errors_total",
		Help:      "Store errors, by operation.",
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(appendCounter, duplicateCounter, appendDuration, storeErrorCounter)
}
