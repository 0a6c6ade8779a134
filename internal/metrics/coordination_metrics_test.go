package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()

	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()

	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetGauge().GetValue()
}

func TestNewCoordinationMetrics_AllCollectorsRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := newCoordinationMetricsWithRegisterer(reg)

	if metrics.signalsReceived == nil || metrics.duplicateSignals == nil {
		t.Fatal("signal counters must not be nil")
	}
	if metrics.ordersApproved == nil || metrics.ordersRejected == nil || metrics.ordersCancelled == nil {
		t.Fatal("decision counters must not be nil")
	}
	if metrics.signalDuration == nil || metrics.inflightSignals == nil {
		t.Fatal("duration histogram and inflight gauge must not be nil")
	}
}

func TestCoordinationMetrics_DoubleRegistrationReturnsExisting(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := newCoordinationMetricsWithRegisterer(reg)
	second := newCoordinationMetricsWithRegisterer(reg)

	first.RecordOrderApproved()
	second.RecordOrderApproved()

	if got := counterValue(t, first.ordersApproved); got != 2 {
		t.Fatalf("expected shared counter value 2, got %v", got)
	}
}

func TestCoordinationMetrics_SignalLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := newCoordinationMetricsWithRegisterer(reg)

	metrics.RecordSignalReceived("payment_approved")
	if got := gaugeValue(t, metrics.inflightSignals); got != 1 {
		t.Fatalf("expected 1 inflight signal, got %v", got)
	}

	metrics.RecordSignalFinished("payment_approved", 5*time.Millisecond)
	if got := gaugeValue(t, metrics.inflightSignals); got != 0 {
		t.Fatalf("expected 0 inflight signals, got %v", got)
	}

	metrics.RecordDuplicateSignal("payment_approved")
	if got := counterValue(t, metrics.duplicateSignals.WithLabelValues("payment_approved")); got != 1 {
		t.Fatalf("expected 1 duplicate, got %v", got)
	}
}
