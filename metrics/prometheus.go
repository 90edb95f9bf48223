package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/glimte/fortis-go/breaker"
)

// PrometheusCollector exposes toolkit events as Prometheus metrics under
// the "fortis" namespace.
type PrometheusCollector struct {
	attemptsTotal        *prometheus.CounterVec
	attemptFailures      *prometheus.CounterVec
	attemptDuration      *prometheus.HistogramVec
	retriesScheduled     *prometheus.CounterVec
	retryDelay           *prometheus.HistogramVec
	breakerState         *prometheus.GaugeVec
	breakerTransitions   *prometheus.CounterVec
	breakerRejections    *prometheus.CounterVec
	callsTotal           *prometheus.CounterVec
	callDuration         *prometheus.HistogramVec
	deliveriesEnqueued   *prometheus.CounterVec
	deliveriesScheduled  *prometheus.CounterVec
	deliveryDelay        *prometheus.HistogramVec
	deliveriesDelivered  *prometheus.CounterVec
	deliveryAttempts     *prometheus.HistogramVec
	deliveriesDeadLetter *prometheus.CounterVec
}

// NewPrometheusCollector creates a collector and registers its metrics with
// reg. A nil reg registers with the default registerer.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &PrometheusCollector{
		attemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fortis",
				Subsystem: "retry",
				Name:      "attempts_total",
				Help:      "Total operation attempts, including the first.",
			},
			[]string{"operation"},
		),
		attemptFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fortis",
				Subsystem: "retry",
				Name:      "attempt_failures_total",
				Help:      "Total failed attempts.",
			},
			[]string{"operation"},
		),
		attemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "fortis",
				Subsystem: "retry",
				Name:      "attempt_duration_seconds",
				Help:      "Duration of individual attempts.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		retriesScheduled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fortis",
				Subsystem: "retry",
				Name:      "retries_scheduled_total",
				Help:      "Total retries scheduled after failed attempts.",
			},
			[]string{"operation"},
		),
		retryDelay: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "fortis",
				Subsystem: "retry",
				Name:      "delay_seconds",
				Help:      "Backoff delay before each retry.",
				Buckets:   []float64{.01, .05, .1, .5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"operation"},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "fortis",
				Subsystem: "breaker",
				Name:      "state",
				Help:      "Breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"breaker"},
		),
		breakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fortis",
				Subsystem: "breaker",
				Name:      "transitions_total",
				Help:      "Total breaker state transitions.",
			},
			[]string{"breaker", "to"},
		),
		breakerRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fortis",
				Subsystem: "breaker",
				Name:      "rejections_total",
				Help:      "Total calls rejected while the breaker was open.",
			},
			[]string{"breaker"},
		),
		callsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fortis",
				Subsystem: "calls",
				Name:      "total",
				Help:      "Total calls through the interceptor pipeline.",
			},
			[]string{"operation", "status"},
		),
		callDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "fortis",
				Subsystem: "calls",
				Name:      "duration_seconds",
				Help:      "End-to-end call duration through the pipeline.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		deliveriesEnqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fortis",
				Subsystem: "delivery",
				Name:      "enqueued_total",
				Help:      "Total webhook deliveries enqueued.",
			},
			[]string{"endpoint"},
		),
		deliveriesScheduled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fortis",
				Subsystem: "delivery",
				Name:      "rescheduled_total",
				Help:      "Total deliveries rescheduled into a delay tier.",
			},
			[]string{"endpoint"},
		),
		deliveryDelay: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "fortis",
				Subsystem: "delivery",
				Name:      "delay_seconds",
				Help:      "Delay tier chosen for rescheduled deliveries.",
				Buckets:   []float64{5, 30, 120, 600},
			},
			[]string{"endpoint"},
		),
		deliveriesDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fortis",
				Subsystem: "delivery",
				Name:      "delivered_total",
				Help:      "Total deliveries acknowledged by the endpoint.",
			},
			[]string{"endpoint"},
		),
		deliveryAttempts: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "fortis",
				Subsystem: "delivery",
				Name:      "attempts",
				Help:      "Attempts needed until a delivery succeeded.",
				Buckets:   []float64{1, 2, 3, 4, 5, 8, 10},
			},
			[]string{"endpoint"},
		),
		deliveriesDeadLetter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fortis",
				Subsystem: "delivery",
				Name:      "dead_lettered_total",
				Help:      "Total deliveries handed to the failure store.",
			},
			[]string{"endpoint"},
		),
	}

	reg.MustRegister(
		c.attemptsTotal,
		c.attemptFailures,
		c.attemptDuration,
		c.retriesScheduled,
		c.retryDelay,
		c.breakerState,
		c.breakerTransitions,
		c.breakerRejections,
		c.callsTotal,
		c.callDuration,
		c.deliveriesEnqueued,
		c.deliveriesScheduled,
		c.deliveryDelay,
		c.deliveriesDelivered,
		c.deliveryAttempts,
		c.deliveriesDeadLetter,
	)

	return c
}

// AttemptStarted implements retry.Collector.
func (c *PrometheusCollector) AttemptStarted(name string, attempt int) {
	c.attemptsTotal.WithLabelValues(name).Inc()
}

// AttemptFinished implements retry.Collector.
func (c *PrometheusCollector) AttemptFinished(name string, attempt int, elapsed time.Duration, err error) {
	c.attemptDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	if err != nil {
		c.attemptFailures.WithLabelValues(name).Inc()
	}
}

// RetryScheduled implements retry.Collector.
func (c *PrometheusCollector) RetryScheduled(name string, retry int, delay time.Duration) {
	c.retriesScheduled.WithLabelValues(name).Inc()
	c.retryDelay.WithLabelValues(name).Observe(delay.Seconds())
}

// BreakerStateChanged implements breaker.Collector.
func (c *PrometheusCollector) BreakerStateChanged(name string, from, to breaker.State) {
	c.breakerState.WithLabelValues(name).Set(float64(to))
	c.breakerTransitions.WithLabelValues(name, to.String()).Inc()
}

// BreakerRejected implements breaker.Collector.
func (c *PrometheusCollector) BreakerRejected(name string) {
	c.breakerRejections.WithLabelValues(name).Inc()
}

// CallStarted records a call entering the pipeline.
func (c *PrometheusCollector) CallStarted(name string) {}

// CallFinished records a call leaving the pipeline.
func (c *PrometheusCollector) CallFinished(name string, elapsed time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	c.callsTotal.WithLabelValues(name, status).Inc()
	c.callDuration.WithLabelValues(name).Observe(elapsed.Seconds())
}

// DeliveryEnqueued records a delivery entering the ready queue.
func (c *PrometheusCollector) DeliveryEnqueued(endpoint string) {
	c.deliveriesEnqueued.WithLabelValues(endpoint).Inc()
}

// DeliveryScheduled records a delivery rescheduled into a delay tier.
func (c *PrometheusCollector) DeliveryScheduled(endpoint string, delay time.Duration) {
	c.deliveriesScheduled.WithLabelValues(endpoint).Inc()
	c.deliveryDelay.WithLabelValues(endpoint).Observe(delay.Seconds())
}

// DeliveryDelivered records a successful delivery.
func (c *PrometheusCollector) DeliveryDelivered(endpoint string, attempts int) {
	c.deliveriesDelivered.WithLabelValues(endpoint).Inc()
	c.deliveryAttempts.WithLabelValues(endpoint).Observe(float64(attempts))
}

// DeliveryDeadLettered records a delivery handed to the failure store.
func (c *PrometheusCollector) DeliveryDeadLettered(endpoint string) {
	c.deliveriesDeadLetter.WithLabelValues(endpoint).Inc()
}
