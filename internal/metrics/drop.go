package metrics

import "fxflow/logger"

// DropReason names why a record or snapshot did not reach its destination.
type DropReason string

const (
	DropMalformed        DropReason = "malformed"
	DropInvalidTimestamp DropReason = "invalid_timestamp"
	DropUnknownPair      DropReason = "unknown_pair"
	DropStaleTick        DropReason = "stale_tick"
	DropDuplicateNews    DropReason = "duplicate_news"
	DropSubscriberQueue  DropReason = "subscriber_queue_full"
	DropDisabledSource   DropReason = "disabled_source"
)

// EmitDropMetric emits a records_dropped counter increment. Empty metadata is
// omitted from the fields.
func EmitDropMetric(log *logger.Log, reason DropReason, source, pair, stage string) {
	fields := logger.Fields{"reason": string(reason)}
	if source != "" {
		fields["source"] = source
	}
	if pair != "" {
		fields["pair"] = pair
	}
	if stage != "" {
		fields["stage"] = stage
	}
	EmitMetric(log, "pipeline_drops", "records_dropped", 1, "counter", fields)
}
