package metrics

import "fundingflow/logger"

// DropMetric identifies the metric name emitted when channel messages are dropped.
type DropMetric string

const (
	// DropMetricRaw records feed messages dropped before the processor saw them.
	DropMetricRaw DropMetric = "raw_messages_dropped"
)

// EmitDropMetric logs one dropped message and bumps the drop counter for
// channel. Callers invoke it once per dropped message.
func EmitDropMetric(log *logger.Log, metric DropMetric, channel, stage string) {
	fields := logger.Fields{}
	if channel != "" {
		fields["channel"] = channel
	}
	if stage != "" {
		fields["stage"] = stage
	}

	channelDrops.WithLabelValues(channel).Inc()
	EmitMetric(log, "channel_drops", string(metric), 1, Counter, fields)
}
