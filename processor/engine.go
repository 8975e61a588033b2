package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"fxflow/config"
	"fxflow/internal/metrics"
	"fxflow/logger"
	"fxflow/models"
)

// Publisher accepts merged snapshots. The store is the production publisher.
type Publisher interface {
	Publish(snap models.MergedSnapshot) error
}

// Engine normalises fetch batches and merges them into per-pair snapshots.
// One router goroutine preserves batch order; each pair has its own ordered
// queue and worker, so pairs merge in parallel.
type Engine struct {
	normalizer *Normalizer
	rawChan    <-chan models.FetchBatch
	publisher  Publisher
	collector  *metrics.Collector
	now        func() time.Time

	queues map[models.Pair]chan models.NormalizedRecord
	books  map[models.Pair]*pairBook

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	batchesProcessed   int64
	recordsNormalized  int64
	recordsDropped     int64
	snapshotsPublished int64
	publishErrors      int64
}

// NewEngine wires an engine for the configured pairs.
func NewEngine(cfg *config.Config, rawChan <-chan models.FetchBatch, publisher Publisher, collector *metrics.Collector) *Engine {
	pairs := cfg.TrackedPairs()
	e := &Engine{
		normalizer: NewNormalizer(pairs, cfg.Sources, cfg.Merge.ClockSkewTolerance),
		rawChan:    rawChan,
		publisher:  publisher,
		collector:  collector,
		now:        func() time.Time { return time.Now().UTC() },
		queues:     make(map[models.Pair]chan models.NormalizedRecord, len(pairs)),
		books:      make(map[models.Pair]*pairBook, len(pairs)),
		wg:         &sync.WaitGroup{},
		log:        logger.GetLogger(),
	}
	queueSize := cfg.Channels.PairQueue
	if queueSize < 1 {
		queueSize = 1
	}
	for _, p := range pairs {
		e.queues[p] = make(chan models.NormalizedRecord, queueSize)
		e.books[p] = newPairBook(p, cfg.Merge.NewsDepth, cfg.Merge.SentimentDepth, cfg.Merge.SentimentHalfLife())
	}
	return e
}

// Normalizer exposes the engine's normaliser.
func (e *Engine) Normalizer() *Normalizer { return e.normalizer }

func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("merge engine already running")
	}
	e.running = true
	e.ctx = ctx
	e.mu.Unlock()

	log := e.log.WithComponent("merge").WithFields(logger.Fields{"operation": "start", "pairs": len(e.queues)})
	log.Info("starting merge engine")

	for p, q := range e.queues {
		e.wg.Add(1)
		go e.worker(p, q)
	}
	e.wg.Add(1)
	go e.router()
	go e.metricsReporter(ctx)

	log.Info("merge engine started successfully")
	return nil
}

// Stop waits for the router and workers. They exit once the raw channel is
// closed and drained, or the context is cancelled.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()

	e.log.WithComponent("merge").Info("stopping merge engine")
	e.wg.Wait()
	e.log.WithComponent("merge").Info("merge engine stopped")
}

func (e *Engine) router() {
	defer e.wg.Done()
	defer func() {
		for _, q := range e.queues {
			close(q)
		}
	}()

	log := e.log.WithComponent("merge").WithField("worker", "router")
	for {
		select {
		case <-e.ctx.Done():
			log.Info("router stopped due to context cancellation")
			return
		case batch, ok := <-e.rawChan:
			if !ok {
				log.Info("raw channel closed, router stopping")
				return
			}
			start := time.Now()
			n := e.route(batch)
			atomic.AddInt64(&e.batchesProcessed, 1)
			logger.LogPerformanceEntry(log, "merge", "route_batch", time.Since(start), logger.Fields{
				"source":       batch.SourceID,
				"observations": len(batch.Observations),
				"records":      n,
			})
		}
	}
}

// route normalises a batch in order and enqueues each record on its pairs'
// queues. Global news fans out to every pair.
func (e *Engine) route(batch models.FetchBatch) int {
	ingestedAt := e.now()
	routed := 0
	for _, obs := range batch.Observations {
		if obs.Vendor == "" {
			obs.Vendor = batch.Vendor
		}
		if obs.SourceID == "" {
			obs.SourceID = batch.SourceID
		}
		if obs.FetchedAt.IsZero() {
			obs.FetchedAt = batch.FetchedAt
		}
		rec, err := e.normalizer.Normalize(obs, ingestedAt)
		if err != nil {
			e.drop(err, obs.SourceID, "")
			continue
		}
		if rec.Tick != nil {
			rec.Tick.Priority = batch.Priority
		}
		atomic.AddInt64(&e.recordsNormalized, 1)

		targets := rec.Pairs
		if len(targets) == 0 {
			targets = e.normalizer.pairs
		}
		for _, p := range targets {
			q, ok := e.queues[p]
			if !ok {
				e.drop(models.NewMergeError(models.UnknownPair, obs.SourceID, fmt.Errorf("pair %s is not tracked", p)), obs.SourceID, string(p))
				continue
			}
			select {
			case q <- rec:
				routed++
			case <-e.ctx.Done():
				return routed
			}
		}
	}
	return routed
}

func (e *Engine) drop(err error, source, pair string) {
	reason := metrics.DropMalformed
	if kind, ok := models.MergeErrorKindOf(err); ok {
		switch kind {
		case models.InvalidTimestamp:
			reason = metrics.DropInvalidTimestamp
		case models.UnknownPair:
			reason = metrics.DropUnknownPair
		}
	}
	e.dropReason(reason, source, pair)
	e.log.WithComponent("merge").WithError(err).WithFields(logger.Fields{"source": source, "reason": string(reason)}).Warn("record dropped")
}

func (e *Engine) dropReason(reason metrics.DropReason, source, pair string) {
	atomic.AddInt64(&e.recordsDropped, 1)
	e.collector.RecordDropped(source, reason)
	metrics.EmitDropMetric(e.log, reason, source, pair, "merge")
}

func (e *Engine) worker(pair models.Pair, q <-chan models.NormalizedRecord) {
	defer e.wg.Done()

	log := e.log.WithComponent("merge").WithFields(logger.Fields{"worker": "pair", "pair": string(pair)})
	book := e.books[pair]
	for {
		select {
		case <-e.ctx.Done():
			return
		case rec, ok := <-q:
			if !ok {
				return
			}
			e.collector.SetPairQueueDepth(string(pair), len(q))
			changed, reason := book.apply(rec)
			if reason != "" {
				source := recordSource(rec)
				e.dropReason(reason, source, string(pair))
				log.WithFields(logger.Fields{"source": source, "reason": string(reason), "kind": rec.Kind.String()}).Debug("record ignored")
			}
			if !changed {
				continue
			}
			e.publish(log, book.snapshot())
		}
	}
}

func (e *Engine) publish(log *logger.Entry, snap models.MergedSnapshot) {
	snap.PublishedAt = e.now()
	if err := e.publisher.Publish(snap); err != nil {
		atomic.AddInt64(&e.publishErrors, 1)
		entry := log.WithError(err).WithField("as_of", snap.AsOf)
		if errors.Is(err, models.ErrAsOfRegression) {
			entry.Warn("snapshot rejected by store")
			return
		}
		entry.Error("failed to publish snapshot")
		return
	}
	atomic.AddInt64(&e.snapshotsPublished, 1)
	e.collector.SnapshotPublished(string(snap.Pair))
	logger.IncrementSnapshotPublished()
	log.WithFields(logger.Fields{"as_of": snap.AsOf, "sequence": snap.Sequence, "news": len(snap.RecentNews)}).Debug("snapshot published")
}

func recordSource(rec models.NormalizedRecord) string {
	switch {
	case rec.Tick != nil:
		return rec.Tick.SourceID
	case rec.News != nil:
		return rec.News.SourceID
	case rec.Sentiment != nil:
		return rec.Sentiment.SourceID
	}
	return ""
}

func (e *Engine) metricsReporter(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.reportMetrics()
		}
	}
}

func (e *Engine) reportMetrics() {
	batches := atomic.LoadInt64(&e.batchesProcessed)
	normalized := atomic.LoadInt64(&e.recordsNormalized)
	dropped := atomic.LoadInt64(&e.recordsDropped)
	published := atomic.LoadInt64(&e.snapshotsPublished)
	publishErrors := atomic.LoadInt64(&e.publishErrors)

	dropRate := float64(0)
	if normalized+dropped > 0 {
		dropRate = float64(dropped) / float64(normalized+dropped)
	}

	e.log.LogMetric("merge", "batches_processed", batches, "counter", logger.Fields{})
	e.log.LogMetric("merge", "records_normalized", normalized, "counter", logger.Fields{})
	e.log.LogMetric("merge", "records_dropped", dropped, "counter", logger.Fields{})
	e.log.LogMetric("merge", "snapshots_published", published, "counter", logger.Fields{})
	e.log.LogMetric("merge", "drop_rate", dropRate, "gauge", logger.Fields{})

	e.log.WithComponent("merge").WithFields(logger.Fields{
		"batches_processed":   batches,
		"records_normalized":  normalized,
		"records_dropped":     dropped,
		"snapshots_published": published,
		"publish_errors":      publishErrors,
		"drop_rate":           dropRate,
		"raw_channel_len":     len(e.rawChan),
		"raw_channel_cap":     cap(e.rawChan),
	}).Info("merge engine metrics")
}
