package fanout

import "github.com/prometheus/client_golang/prometheus"

var (
	publishedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "minichat",
		Subsystem: "fanout",
		Name:      "published_total",
		Help:      "Events accepted by Publish.",
	}, []string{"kind"})

	deliveredCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "minichat",
		Subsystem: "fanout",
		Name:      "delivered_total",
		Help:      "Events handed to live subscriptions.",
	}, []string{"kind"})

	droppedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "minichat",
		Subsystem: "fanout",
		Name:      "dropped_total",
		Help:      "Events dropped, by reason.",
	}, []string{"reason"})

	pushCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "minichat",
		Subsystem: "fanout",
		Name:      "push_total",
		Help:      "Offline notifications, by result.",
	}, []string{"result"})

	subscriptionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "minichat",
		Subsystem: "fanout",
		Name:      "subscriptions",
		Help:      "Live subscriptions.",
	})
)

func init() {
	prometheus.MustRegister(publishedCounter, deliveredCounter, droppedCounter, pushCounter, subscriptionsGauge)
}
