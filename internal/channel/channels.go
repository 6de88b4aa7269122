// Package channel carries raw feed messages from the transport to the processor.
package channel

import (
	"context"
	"sync"

	"fundingflow/internal/metrics"
	"fundingflow/internal/models"
	"fundingflow/logger"
)

const rawChannelName = "funding_raw"

// ChannelStats tracks enqueue/dropped counters.
type ChannelStats struct {
	RawSent    int64
	RawDropped int64
}

// Channels buffers raw batches between the stream manager and the processor.
type Channels struct {
	Raw chan models.RawBatch

	stats     ChannelStats
	mu        sync.RWMutex
	closeOnce sync.Once
	log       *logger.Log
}

// NewChannels allocates the raw buffer. A non-positive size falls back to 1.
func NewChannels(rawBufferSize int) *Channels {
	if rawBufferSize <= 0 {
		rawBufferSize = 1
	}
	log := logger.GetLogger()
	ch := &Channels{
		Raw: make(chan models.RawBatch, rawBufferSize),
		log: log,
	}

	log.WithComponent("funding_channels").WithFields(logger.Fields{
		"raw_buffer_size": rawBufferSize,
	}).Info("funding channels initialized")

	return ch
}

// Close closes the raw channel once; later calls are no-ops.
func (c *Channels) Close() {
	c.closeOnce.Do(func() {
		close(c.Raw)
		c.log.WithComponent("funding_channels").Info("funding channels closed")
	})
}

// SendRaw enqueues a batch without blocking. A full buffer drops the batch.
func (c *Channels) SendRaw(ctx context.Context, batch models.RawBatch) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}

	select {
	case c.Raw <- batch:
		c.mu.Lock()
		c.stats.RawSent++
		c.mu.Unlock()
		logger.RecordChannelMessage(rawChannelName, len(batch.Payload))
		return true
	default:
		c.mu.Lock()
		c.stats.RawDropped++
		c.mu.Unlock()
		metrics.EmitDropMetric(c.log, metrics.DropMetricRaw, rawChannelName, "stream")
		return false
	}
}

// GetStats returns a snapshot of the telemetry counters.
func (c *Channels) GetStats() ChannelStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

func (c *Channels) Len() int { return len(c.Raw) }

func (c *Channels) Cap() int { return cap(c.Raw) }
