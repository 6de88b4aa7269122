package metrics

import (
	"time"

	"fundingflow/logger"
)

// WriterStats holds the running totals of a snapshot writer.
type WriterStats struct {
	Saves        int64
	Failures     int64
	Records      int
	LastDuration time.Duration
}

// ReportWriter emits writer totals under component. A writer that has failed
// at least once reports at warn level.
func ReportWriter(log *logger.Log, component string, stats WriterStats) {
	l := log.WithComponent(component)

	failureRate := float64(0)
	if stats.Saves+stats.Failures > 0 {
		failureRate = float64(stats.Failures) / float64(stats.Saves+stats.Failures)
	}
	durationMs := float64(stats.LastDuration.Microseconds()) / 1000

	l.LogMetric(component, "saves", stats.Saves, "counter", logger.Fields{})
	l.LogMetric(component, "failures", stats.Failures, "counter", logger.Fields{})
	l.LogMetric(component, "records", stats.Records, "gauge", logger.Fields{})
	l.LogMetric(component, "failure_rate", failureRate, "gauge", logger.Fields{})
	l.LogMetric(component, "last_duration_ms", durationMs, "gauge", logger.Fields{})

	entry := l.WithFields(logger.Fields{
		"saves":            stats.Saves,
		"failures":         stats.Failures,
		"records":          stats.Records,
		"failure_rate":     failureRate,
		"last_duration_ms": durationMs,
	})

	if stats.Failures > 0 {
		entry.Warn(component + " metrics")
		return
	}
	entry.Info(component + " metrics")
}
