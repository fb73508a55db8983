package metrics

import "quoteflow/logger"

// DropMetric identifies the metric name emitted when data is discarded.
type DropMetric string

const (
	// DropMetricParseFailure records frames dropped because normalization failed.
	DropMetricParseFailure DropMetric = "parse_failures"
	// DropMetricSinkOverload records events evicted from a full sink queue.
	DropMetricSinkOverload DropMetric = "sink_queue_drops"
	// DropMetricBatchLost records batches discarded after write retries were exhausted.
	DropMetricBatchLost DropMetric = "batches_lost"
)

// EmitDropMetric logs and emits a metric representing one discarded item.
// Optional metadata (venue, symbol, sink) is added to the metric fields when
// provided, enabling downstream aggregation per venue and sink.
func EmitDropMetric(log *logger.Log, metric DropMetric, venue, symbol, sink string) {
	fields := logger.Fields{}
	if venue != "" {
		fields["venue"] = venue
	}
	if symbol != "" {
		fields["symbol"] = symbol
	}
	if sink != "" {
		fields["sink"] = sink
	}

	EmitMetric(log, "drops", string(metric), 1, "counter", fields)
}
