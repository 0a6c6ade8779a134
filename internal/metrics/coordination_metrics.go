package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CoordinationMetrics содержит метрики обработки исходов оплаты и андеррайтинга.
type CoordinationMetrics struct {
	// Счётчики входящих сигналов по типу.
	signalsReceived  *prometheus.CounterVec
	duplicateSignals *prometheus.CounterVec

	// Счётчики финальных решений по заказам.
	ordersApproved  prometheus.Counter
	ordersRejected  prometheus.Counter
	ordersCancelled prometheus.Counter

	// Гистограмма времени обработки одного сигнала.
	signalDuration *prometheus.HistogramVec

	// Gauge для сигналов, находящихся в обработке.
	inflightSignals prometheus.Gauge
}

// NewCoordinationMetrics создаёт и регистрирует метрики в default registry.
func NewCoordinationMetrics() *CoordinationMetrics {
	return newCoordinationMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

func newCoordinationMetricsWithRegisterer(registerer prometheus.Registerer) *CoordinationMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &CoordinationMetrics{
		signalsReceived: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "ioms_outcome_signals_total",
			Help: "Total number of payment/subscription outcome signals received",
		}, []string{"signal"}),
		duplicateSignals: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "ioms_duplicate_signals_total",
			Help: "Total number of outcome signals ignored as idempotent duplicates",
		}, []string{"signal"}),
		ordersApproved: registerCounter(registerer, prometheus.CounterOpts{
			Name: "ioms_orders_approved_total",
			Help: "Total number of orders finalized as approved",
		}),
		ordersRejected: registerCounter(registerer, prometheus.CounterOpts{
			Name: "ioms_orders_rejected_total",
			Help: "Total number of orders rejected by a negative outcome",
		}),
		ordersCancelled: registerCounter(registerer, prometheus.CounterOpts{
			Name: "ioms_orders_cancelled_total",
			Help: "Total number of orders cancelled before a final decision",
		}),
		signalDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "ioms_outcome_signal_duration_seconds",
			Help:    "Duration of a single outcome signal handling",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"signal"}),
		inflightSignals: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "ioms_inflight_signals",
			Help: "Number of outcome signals currently being handled",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// RecordSignalReceived увеличивает счётчик входящих сигналов.
func (m *CoordinationMetrics) RecordSignalReceived(signal string) {
	m.signalsReceived.WithLabelValues(signal).Inc()
	m.inflightSignals.Inc()
}

// RecordSignalFinished уменьшает количество сигналов в обработке.
func (m *CoordinationMetrics) RecordSignalFinished(signal string, duration time.Duration) {
	m.inflightSignals.Dec()
	m.signalDuration.WithLabelValues(signal).Observe(duration.Seconds())
}

// RecordDuplicateSignal увеличивает счётчик отброшенных дублей.
func (m *CoordinationMetrics) RecordDuplicateSignal(signal string) {
	m.duplicateSignals.WithLabelValues(signal).Inc()
}

// RecordOrderApproved увеличивает счётчик одобренных заказов.
func (m *CoordinationMetrics) RecordOrderApproved() {
	m.ordersApproved.Inc()
}

// RecordOrderRejected увеличивает счётчик отклонённых заказов.
func (m *CoordinationMetrics) RecordOrderRejected() {
	m.ordersRejected.Inc()
}

// RecordOrderCancelled увеличивает счётчик отменённых заказов.
func (m *CoordinationMetrics) RecordOrderCancelled() {
	m.ordersCancelled.Inc()
}
