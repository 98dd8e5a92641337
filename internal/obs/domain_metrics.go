package obs

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// PaymentCheckoutTotal counts checkout form requests by outcome.
	PaymentCheckoutTotal *prometheus.CounterVec
	// PaymentCallbackTotal counts inbound gateway callbacks by outcome.
	PaymentCallbackTotal *prometheus.CounterVec
	// ReconciliationFailuresTotal counts reconciliation errors after a verified callback.
	ReconciliationFailuresTotal *prometheus.CounterVec
	// ResubmissionTotal counts resubmission attempts by outcome.
	ResubmissionTotal *prometheus.CounterVec
	// EventsPublishedTotal counts domain event publications by topic and outcome.
	EventsPublishedTotal *prometheus.CounterVec
	// AlertDeliveriesTotal counts operator alert deliveries by outcome.
	AlertDeliveriesTotal *prometheus.CounterVec
	// ReconcileRetryLatency records retry task latency in milliseconds.
	ReconcileRetryLatency *prometheus.HistogramVec
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		PaymentCheckoutTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_checkout_total",
			Help:      "Count of checkout requests by outcome.",
		}, []string{"result"})
		PaymentCallbackTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_callback_total",
			Help:      "Count of processed gateway callbacks by outcome.",
		}, []string{"result"})
		ReconciliationFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_reconciliation_failures_total",
			Help:      "Count of reconciliation failures following a verified callback.",
		}, []string{"kind"})
		ResubmissionTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_resubmission_total",
			Help:      "Count of order resubmissions by outcome.",
		}, []string{"result"})
		EventsPublishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Count of domain event publications by topic and outcome.",
		}, []string{"topic", "result"})
		AlertDeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_deliveries_total",
			Help:      "Count of operator alert deliveries by outcome.",
		}, []string{"result"})
		ReconcileRetryLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_retry_duration_ms",
			Help:      "Latency of queued reconciliation retries in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}, []string{"result"})

		for _, vec := range []**prometheus.CounterVec{
			&PaymentCheckoutTotal,
			&PaymentCallbackTotal,
			&ReconciliationFailuresTotal,
			&ResubmissionTotal,
			&EventsPublishedTotal,
			&AlertDeliveriesTotal,
		} {
			target := vec
			mustRegisterCollector(reg, *target, func(existing prometheus.Collector) {
				if v, ok := existing.(*prometheus.CounterVec); ok {
					*target = v
				}
			})
		}
		mustRegisterCollector(reg, ReconcileRetryLatency, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.HistogramVec); ok {
				ReconcileRetryLatency = v
			}
		})
	})
}

// CountCheckout increments the checkout counter when metrics are registered.
func CountCheckout(result string) {
	if PaymentCheckoutTotal != nil {
		PaymentCheckoutTotal.WithLabelValues(result).Inc()
	}
}

// CountCallback increments the callback counter when metrics are registered.
func CountCallback(result string) {
	if PaymentCallbackTotal != nil {
		PaymentCallbackTotal.WithLabelValues(result).Inc()
	}
}

// CountReconciliationFailure increments the reconciliation failure counter.
func CountReconciliationFailure(kind string) {
	if ReconciliationFailuresTotal != nil {
		ReconciliationFailuresTotal.WithLabelValues(kind).Inc()
	}
}

// CountResubmission increments the resubmission counter.
func CountResubmission(result string) {
	if ResubmissionTotal != nil {
		ResubmissionTotal.WithLabelValues(result).Inc()
	}
}

// CountEventPublished increments the event publication counter.
func CountEventPublished(topic, result string) {
	if EventsPublishedTotal != nil {
		EventsPublishedTotal.WithLabelValues(topic, result).Inc()
	}
}

// CountAlert increments the alert delivery counter.
func CountAlert(result string) {
	if AlertDeliveriesTotal != nil {
		AlertDeliveriesTotal.WithLabelValues(result).Inc()
	}
}

func mustRegisterCollector(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if reuse != nil {
				reuse(are.ExistingCollector)
			}
			return
		}
		panic(fmt.Errorf("register domain metric: %w", err))
	}
}
