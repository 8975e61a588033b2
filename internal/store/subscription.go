package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"fxflow/internal/metrics"
	"fxflow/logger"
	"fxflow/models"
)

// ErrSubscriptionClosed is returned by Next after Cancel.
var ErrSubscriptionClosed = errors.New("subscription closed")

// Subscription is a bounded, drop-oldest queue of snapshots for one pair or
// for every pair (models.PairAll).
type Subscription struct {
	ID        string
	Pair      models.Pair
	CreatedAt time.Time

	store *Store
	size  int

	mu      sync.Mutex
	queue   []models.MergedSnapshot
	closed  bool
	notify  chan struct{}
	done    chan struct{}
	once    sync.Once
	dropped int64
}

// Subscribe registers a subscriber. queueSize <= 0 uses the configured
// default.
func (s *Store) Subscribe(pair models.Pair, queueSize int) *Subscription {
	if queueSize <= 0 {
		queueSize = s.subscriberQueue
	}
	sub := &Subscription{
		ID:        uuid.NewString(),
		Pair:      pair,
		CreatedAt: s.now(),
		store:     s,
		size:      queueSize,
		queue:     make([]models.MergedSnapshot, 0, queueSize),
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	s.subMu.Lock()
	s.subs[sub.ID] = sub
	n := len(s.subs)
	s.subMu.Unlock()
	s.collector.SetSubscribers(n)

	s.log.WithComponent("store").WithFields(logger.Fields{
		"subscription_id": sub.ID,
		"pair":            string(pair),
		"queue_size":      queueSize,
	}).Info("subscriber registered")
	return sub
}

func (sub *Subscription) matches(p models.Pair) bool {
	return sub.Pair == models.PairAll || sub.Pair == p
}

// offer enqueues without blocking. A full queue drops its oldest snapshot.
func (sub *Subscription) offer(snap models.MergedSnapshot) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	overflow := len(sub.queue) >= sub.size
	if overflow {
		copy(sub.queue, sub.queue[1:])
		sub.queue = sub.queue[:len(sub.queue)-1]
	}
	sub.queue = append(sub.queue, snap)
	sub.mu.Unlock()

	if overflow {
		atomic.AddInt64(&sub.dropped, 1)
		atomic.AddInt64(&sub.store.dropped, 1)
		sub.store.collector.SubscriberDropped()
		metrics.EmitDropMetric(sub.store.log, metrics.DropSubscriberQueue, sub.ID, string(snap.Pair), "store")
	}
	select {
	case sub.notify <- struct{}{}:
	default:
	}
}

// Next blocks until a snapshot is available, ctx is done or the
// subscription is cancelled.
func (sub *Subscription) Next(ctx context.Context) (models.MergedSnapshot, error) {
	for {
		if snap, ok, err := sub.TryNext(); ok || err != nil {
			return snap, err
		}
		select {
		case <-ctx.Done():
			return models.MergedSnapshot{}, ctx.Err()
		case <-sub.done:
			return models.MergedSnapshot{}, ErrSubscriptionClosed
		case <-sub.notify:
		}
	}
}

// TryNext pops the oldest queued snapshot without blocking.
func (sub *Subscription) TryNext() (models.MergedSnapshot, bool, error) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return models.MergedSnapshot{}, false, ErrSubscriptionClosed
	}
	if len(sub.queue) == 0 {
		return models.MergedSnapshot{}, false, nil
	}
	snap := sub.queue[0]
	copy(sub.queue, sub.queue[1:])
	sub.queue = sub.queue[:len(sub.queue)-1]
	return snap, true, nil
}

// Len returns the number of queued snapshots.
func (sub *Subscription) Len() int {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return len(sub.queue)
}

// Dropped returns how many snapshots overflowed this subscriber's queue.
func (sub *Subscription) Dropped() int64 {
	return atomic.LoadInt64(&sub.dropped)
}

// Done is closed once the subscription is cancelled.
func (sub *Subscription) Done() <-chan struct{} { return sub.done }

// Cancel stops delivery immediately and releases the queue. It is safe to
// call more than once.
func (sub *Subscription) Cancel() {
	sub.once.Do(func() {
		sub.mu.Lock()
		sub.closed = true
		sub.queue = nil
		sub.mu.Unlock()
		close(sub.done)
		sub.store.remove(sub.ID)
		sub.store.log.WithComponent("store").WithFields(logger.Fields{
			"subscription_id": sub.ID,
			"dropped":         sub.Dropped(),
		}).Info("subscriber cancelled")
	})
}
