package obs

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// PaymentInitiateTotal counts payment initiation outcomes.
	PaymentInitiateTotal *prometheus.CounterVec
	// PaymentVerifyTotal counts verification calls by path (callback, poll, wallet).
	PaymentVerifyTotal *prometheus.CounterVec
	// PaymentVerifyLatency records verification latency in milliseconds.
	PaymentVerifyLatency *prometheus.HistogramVec
	// PollingActive tracks polling loops currently running in this process.
	PollingActive prometheus.Gauge
	// PollingOutcomeTotal counts how polling loops end.
	PollingOutcomeTotal *prometheus.CounterVec
	// PollingSkippedTicks counts ticks dropped because a verification was in flight.
	PollingSkippedTicks prometheus.Counter
	// CartClearTotal counts cart clear attempts by outcome.
	CartClearTotal *prometheus.CounterVec
	// WebhookDeliveriesTotal counts outbound webhook deliveries by result.
	WebhookDeliveriesTotal *prometheus.CounterVec
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		PaymentInitiateTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_initiate_total",
			Help:      "Count of payment initiation outcomes.",
		}, []string{"method", "result"})
		PaymentVerifyTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_verify_total",
			Help:      "Count of payment verification calls by path and outcome.",
		}, []string{"method", "path", "result"})
		PaymentVerifyLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "payment_verify_duration_ms",
			Help:      "Latency for payment verification calls in milliseconds.",
			Buckets:   []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"path"})
		PollingActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "payment_polling_active",
			Help:      "Number of verification polling loops currently running.",
		})
		PollingOutcomeTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_polling_outcome_total",
			Help:      "Count of polling loop terminations by outcome.",
		}, []string{"result"})
		PollingSkippedTicks = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_polling_skipped_ticks_total",
			Help:      "Number of poll ticks skipped while a verification was in flight.",
		})
		CartClearTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cart_clear_total",
			Help:      "Count of cart clear attempts by outcome.",
		}, []string{"result"})
		WebhookDeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Count of outbound webhook deliveries by result.",
		}, []string{"result"})

		mustRegisterCollector(reg, PaymentInitiateTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PaymentInitiateTotal = v
			}
		})
		mustRegisterCollector(reg, PaymentVerifyTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PaymentVerifyTotal = v
			}
		})
		mustRegisterCollector(reg, PaymentVerifyLatency, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.HistogramVec); ok {
				PaymentVerifyLatency = v
			}
		})
		mustRegisterCollector(reg, PollingActive, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Gauge); ok {
				PollingActive = v
			}
		})
		mustRegisterCollector(reg, PollingOutcomeTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PollingOutcomeTotal = v
			}
		})
		mustRegisterCollector(reg, PollingSkippedTicks, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				PollingSkippedTicks = v
			}
		})
		mustRegisterCollector(reg, CartClearTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				CartClearTotal = v
			}
		})
		mustRegisterCollector(reg, WebhookDeliveriesTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				WebhookDeliveriesTotal = v
			}
		})
	})
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

// ObserveVerify records a verification call outcome. Safe to call before the
// collectors are registered.
func ObserveVerify(method, path, result string, durationMs float64) {
	if PaymentVerifyTotal != nil {
		PaymentVerifyTotal.WithLabelValues(method, path, result).Inc()
	}
	if PaymentVerifyLatency != nil {
		PaymentVerifyLatency.WithLabelValues(path).Observe(durationMs)
	}
}

// ObservePollingStarted increments the active polling gauge.
func ObservePollingStarted() {
	if PollingActive != nil {
		PollingActive.Inc()
	}
}

// ObservePollingStopped decrements the active gauge and records the outcome.
func ObservePollingStopped(result string) {
	if PollingActive != nil {
		PollingActive.Dec()
	}
	if PollingOutcomeTotal != nil {
		PollingOutcomeTotal.WithLabelValues(result).Inc()
	}
}

// ObserveSkippedTick counts a tick dropped due to an in-flight verification.
func ObserveSkippedTick() {
	if PollingSkippedTicks != nil {
		PollingSkippedTicks.Inc()
	}
}

// ObserveWebhookDelivery counts a webhook delivery outcome.
func ObserveWebhookDelivery(result string) {
	if WebhookDeliveriesTotal != nil {
		WebhookDeliveriesTotal.WithLabelValues(result).Inc()
	}
}
