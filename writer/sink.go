package writer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"fxflow/internal/metrics"
	"fxflow/internal/store"
	"fxflow/logger"
	"fxflow/models"
)

// SnapshotSource hands out store subscriptions. *store.Store implements it.
type SnapshotSource interface {
	Subscribe(pair models.Pair, queueSize int) *store.Subscription
}

// Sink is an optional consumer of published snapshots.
type Sink interface {
	Name() string
	Start(ctx context.Context) error
	Stop()
}

type handleFunc func(ctx context.Context, snap models.MergedSnapshot) (int, error)

// drainTimeout bounds how long stop spends writing snapshots still queued.
const drainTimeout = 15 * time.Second

// base drains one all-pairs subscription in publish order. Each sink owns its
// own subscription, so a slow sink only drops its own snapshots.
type base struct {
	name      string
	source    SnapshotSource
	queueSize int
	collector *metrics.Collector
	log       *logger.Log

	mu      sync.Mutex
	running bool
	sub     *store.Subscription
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	written int64
	failed  int64
	// failLog samples write-failure warnings while a backend is down.
	failLog *rate.Sometimes
}

func newBase(name string, source SnapshotSource, queueSize int, collector *metrics.Collector) base {
	return base{
		name:      name,
		source:    source,
		queueSize: queueSize,
		collector: collector,
		log:       logger.GetLogger(),
		failLog:   &rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
}

func (b *base) Name() string { return b.name }

func (b *base) start(ctx context.Context, handle handleFunc) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return fmt.Errorf("%s sink already running", b.name)
	}
	b.running = true
	b.sub = b.source.Subscribe(models.PairAll, b.queueSize)
	sub := b.sub
	consumeCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.mu.Unlock()

	b.log.WithComponent(b.name).WithFields(logger.Fields{
		"operation":       "start",
		"subscription_id": sub.ID,
		"queue_size":      b.queueSize,
	}).Info("starting sink")

	b.wg.Add(1)
	go b.consume(consumeCtx, ctx, sub, handle)
	return nil
}

// consume handles snapshots until stop cancels consumeCtx, then writes
// whatever is still queued before returning.
func (b *base) consume(consumeCtx, ctx context.Context, sub *store.Subscription, handle handleFunc) {
	defer b.wg.Done()
	log := b.log.WithComponent(b.name)

	for {
		snap, err := sub.Next(consumeCtx)
		if err != nil {
			log.WithField("reason", err.Error()).Info("sink consumer stopped")
			b.drain(ctx, sub, handle)
			return
		}
		b.handleOne(ctx, snap, handle)
	}
}

func (b *base) drain(ctx context.Context, sub *store.Subscription, handle handleFunc) {
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
	defer cancel()

	drained := 0
	for drainCtx.Err() == nil {
		snap, ok, err := sub.TryNext()
		if err != nil || !ok {
			break
		}
		b.handleOne(drainCtx, snap, handle)
		drained++
	}
	if drained > 0 {
		b.log.WithComponent(b.name).WithField("drained", drained).Info("wrote queued snapshots before stopping")
	}
}

func (b *base) handleOne(ctx context.Context, snap models.MergedSnapshot, handle handleFunc) {
	log := b.log.WithComponent(b.name)
	start := time.Now()
	size, err := handle(ctx, snap)
	if err != nil {
		failed := atomic.AddInt64(&b.failed, 1)
		b.collector.SinkWrite(b.name, "error")
		b.failLog.Do(func() {
			log.WithError(err).WithFields(logger.Fields{
				"pair":         string(snap.Pair),
				"as_of":        snap.AsOf,
				"failed_total": failed,
			}).Warn("sink write failed")
		})
		return
	}
	atomic.AddInt64(&b.written, 1)
	b.collector.SinkWrite(b.name, "ok")
	logger.IncrementSinkWrite(b.name, size)
	logger.LogPerformanceEntry(log, b.name, "write_snapshot", time.Since(start), logger.Fields{"pair": string(snap.Pair), "bytes": size})
}

// stop ends the consumer, lets it write the snapshots still queued and then
// cancels the subscription.
func (b *base) stop() {
	b.mu.Lock()
	b.running = false
	sub, cancel := b.sub, b.cancel
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	b.wg.Wait()
	if sub != nil {
		sub.Cancel()
	}
	b.log.WithComponent(b.name).WithFields(logger.Fields{
		"written": atomic.LoadInt64(&b.written),
		"failed":  atomic.LoadInt64(&b.failed),
	}).Info("sink stopped")
}

// Written returns how many snapshots were handled successfully.
func (b *base) Written() int64 { return atomic.LoadInt64(&b.written) }

// Failed returns how many snapshots failed to write.
func (b *base) Failed() int64 { return atomic.LoadInt64(&b.failed) }

// pairKey renders a pair for keys and object paths, e.g. USD-EUR.
func pairKey(p models.Pair) string {
	return p.Base() + "-" + p.Quote()
}
