package queue

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Queue collectors, exported once MustRegisterMetrics is called.
var (
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "donasi",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Approximate ready plus scheduled tasks per kind.",
	}, []string{"kind"})
	// QueueProcessedTotal counts handled tasks by status: ok, retry or dead.
	QueueProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "donasi",
		Subsystem: "queue",
		Name:      "processed_total",
		Help:      "Tasks handled per kind and status.",
	}, []string{"kind", "status"})
	QueueDLQSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "donasi",
		Subsystem: "queue",
		Name:      "dead_letters",
		Help:      "Tasks moved to the dead-letter list since start.",
	}, []string{"kind"})
)

// MustRegisterMetrics exports the queue collectors on reg, defaulting to the
// global registerer.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{QueueDepth, QueueProcessedTotal, QueueDLQSize} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
}
