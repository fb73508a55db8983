package metrics

import (
	"testing"

	"quoteflow/logger"
)

func TestMetricHandlerReceivesEmit(t *testing.T) {
	var got []Metric
	id := RegisterMetricHandler(func(m Metric) { got = append(got, m) })
	defer UnregisterMetricHandler(id)

	EmitMetric(nil, "router", "sink_queue_drops", 1, "counter", logger.Fields{"sink": "storage"})

	if len(got) != 1 {
		t.Fatalf("expected 1 metric, got %d", len(got))
	}
	m := got[0]
	if m.Name != "sink_queue_drops" || m.Value != 1 || m.Component != "router" {
		t.Fatalf("unexpected metric: %+v", m)
	}
	if m.Fields["sink"] != "storage" {
		t.Fatalf("unexpected fields: %+v", m.Fields)
	}
}

func TestRegisterNilHandler(t *testing.T) {
	if id := RegisterMetricHandler(nil); id != 0 {
		t.Fatalf("expected zero id for nil handler, got %d", id)
	}
}

func TestEmitDropMetric(t *testing.T) {
	var got []Metric
	id := RegisterMetricHandler(func(m Metric) { got = append(got, m) })
	defer UnregisterMetricHandler(id)

	EmitDropMetric(nil, DropMetricParseFailure, "binance", "BTC-USD", "")

	if len(got) != 1 {
		t.Fatalf("expected 1 metric, got %d", len(got))
	}
	if got[0].Name != string(DropMetricParseFailure) {
		t.Fatalf("unexpected metric name %q", got[0].Name)
	}
	if got[0].Fields["venue"] != "binance" || got[0].Fields["symbol"] != "BTC-USD" {
		t.Fatalf("unexpected fields: %+v", got[0].Fields)
	}
}
