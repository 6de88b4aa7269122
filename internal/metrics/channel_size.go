package metrics

import (
	"context"
	"time"

	"fundingflow/logger"
)

// Buffer is anything with a bounded queue worth watching.
type Buffer interface {
	Len() int
	Cap() int
}

// StartChannelSizeMetrics emits the occupancy of buf every interval until ctx
// is cancelled. When interval <= 0 a one-second cadence is used.
func StartChannelSizeMetrics(ctx context.Context, name string, buf Buffer, interval time.Duration) {
	if buf == nil {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	log := logger.GetLogger()
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				EmitMetric(log, "channel_buffers", name+"_buffer_length", float64(buf.Len()), Gauge, logger.Fields{
					"buffer":   name,
					"capacity": buf.Cap(),
				})
			}
		}
	}()
}
