package channel

import (
	"context"
	"sync"
	"time"

	"fxflow/internal/metrics"
	"fxflow/logger"
	"fxflow/models"
)

type ChannelStats struct {
	RawSent         int64
	RawObservations int64
	RawBlocked      int64
	RawAbandoned    int64
}

// Channels carries fetch batches from the scheduler runners to the merge
// router. Sends block when the buffer is full so that a slow merge engine
// throttles fetching instead of losing batches.
type Channels struct {
	Raw chan models.FetchBatch

	closeOnce  sync.Once
	stats      ChannelStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(rawBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Raw: make(chan models.FetchBatch, rawBufferSize),
		log: log,
	}
	log.WithComponent("channels").WithFields(logger.Fields{
		"raw_buffer_size": rawBufferSize,
	}).Info("pipeline channels initialized")
	return c
}

// Close closes the raw channel. Callers must stop every sender first.
func (c *Channels) Close() {
	c.closeOnce.Do(func() {
		close(c.Raw)
		c.log.WithComponent("channels").Info("pipeline channels closed")
	})
}

// SendRaw enqueues a batch, waiting for buffer space until ctx is done.
// It returns false when the batch was abandoned.
func (c *Channels) SendRaw(ctx context.Context, batch models.FetchBatch) bool {
	select {
	case c.Raw <- batch:
		c.recordSent(len(batch.Observations), false)
		return true
	default:
	}

	select {
	case c.Raw <- batch:
		c.recordSent(len(batch.Observations), true)
		return true
	case <-ctx.Done():
		c.statsMutex.Lock()
		c.stats.RawAbandoned++
		c.statsMutex.Unlock()
		return false
	}
}

func (c *Channels) recordSent(observations int, blocked bool) {
	c.statsMutex.Lock()
	c.stats.RawSent++
	c.stats.RawObservations += int64(observations)
	if blocked {
		c.stats.RawBlocked++
	}
	c.statsMutex.Unlock()
	logger.RecordChannelMessage("raw_batches", observations)
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}

// StartMetricsReporting emits buffer occupancy every interval until ctx is
// done.
func (c *Channels) StartMetricsReporting(ctx context.Context, interval time.Duration, collector *metrics.Collector) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n := len(c.Raw)
				collector.SetRawChannelDepth(n)
				stats := c.GetStats()
				metrics.EmitMetric(c.log, "channels", "raw_buffer_length", n, "gauge", logger.Fields{
					"capacity":  cap(c.Raw),
					"sent":      stats.RawSent,
					"blocked":   stats.RawBlocked,
					"abandoned": stats.RawAbandoned,
				})
			}
		}
	}()
}
