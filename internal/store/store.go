package store

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"fxflow/config"
	"fxflow/internal/metrics"
	"fxflow/logger"
	"fxflow/models"
)

// pairEntry holds the published state of one pair. latest is swapped
// atomically so readers never wait on Publish.
type pairEntry struct {
	latest atomic.Pointer[models.MergedSnapshot]

	mu      sync.RWMutex
	history []models.MergedSnapshot
}

// Stats summarises the store for the health endpoint.
type Stats struct {
	Pairs        int            `json:"pairs"`
	HistorySizes map[string]int `json:"history_sizes"`
	Subscribers  int            `json:"subscribers"`
	Published    int64          `json:"published"`
	Dropped      int64          `json:"dropped"`
}

// Store is the freshness cache. Publish is its only mutation; it is
// single-writer, multi-reader.
type Store struct {
	retention       int
	maxAge          time.Duration
	subscriberQueue int
	collector       *metrics.Collector
	log             *logger.Log
	now             func() time.Time

	writeMu sync.Mutex
	entries atomic.Pointer[map[models.Pair]*pairEntry]

	subMu sync.RWMutex
	subs  map[string]*Subscription

	published int64
	dropped   int64
}

// New builds an empty store. A nil collector disables Prometheus updates.
func New(cfg config.StoreConfig, collector *metrics.Collector) *Store {
	queue := cfg.SubscriberQueue
	if queue <= 0 {
		queue = 64
	}
	s := &Store{
		retention:       cfg.HistoryRetention,
		maxAge:          cfg.HistoryMaxAge,
		subscriberQueue: queue,
		collector:       collector,
		log:             logger.GetLogger(),
		now:             time.Now,
		subs:            make(map[string]*Subscription),
	}
	empty := make(map[models.Pair]*pairEntry)
	s.entries.Store(&empty)

	s.log.WithComponent("store").WithFields(logger.Fields{
		"history_retention": cfg.HistoryRetention,
		"history_max_age":   cfg.HistoryMaxAge,
		"subscriber_queue":  queue,
	}).Info("freshness cache initialized")
	return s
}

func (s *Store) entry(p models.Pair) *pairEntry {
	return (*s.entries.Load())[p]
}

// entryForWrite returns the pair entry, adding it copy-on-write. Callers hold
// writeMu.
func (s *Store) entryForWrite(p models.Pair) *pairEntry {
	cur := *s.entries.Load()
	if e, ok := cur[p]; ok {
		return e
	}
	next := make(map[models.Pair]*pairEntry, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	e := &pairEntry{}
	next[p] = e
	s.entries.Store(&next)
	return e
}

// Publish records snap as the pair's latest snapshot, appends it to history
// and fans it out to matching subscribers. A snapshot whose AsOf is older than
// the current latest is rejected with models.ErrAsOfRegression.
func (s *Store) Publish(snap models.MergedSnapshot) error {
	if snap.Pair == "" || snap.Pair == models.PairAll {
		return fmt.Errorf("publish: invalid pair %q", snap.Pair)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	e := s.entryForWrite(snap.Pair)
	if prev := e.latest.Load(); prev != nil && snap.AsOf.Before(prev.AsOf) {
		return fmt.Errorf("publish %s at %s behind %s: %w", snap.Pair, snap.AsOf.Format(time.RFC3339Nano), prev.AsOf.Format(time.RFC3339Nano), models.ErrAsOfRegression)
	}

	stored := snap.Clone()
	if stored.PublishedAt.IsZero() {
		stored.PublishedAt = s.now().UTC()
	}

	e.mu.Lock()
	e.history = append(e.history, stored)
	e.history = s.trim(e.history)
	e.mu.Unlock()
	e.latest.Store(&stored)
	atomic.AddInt64(&s.published, 1)

	s.subMu.RLock()
	for _, sub := range s.subs {
		if sub.matches(stored.Pair) {
			sub.offer(stored.Clone())
		}
	}
	s.subMu.RUnlock()
	return nil
}

// trim applies count and age retention, oldest first. The newest snapshot is
// always kept.
func (s *Store) trim(h []models.MergedSnapshot) []models.MergedSnapshot {
	drop := 0
	if s.retention > 0 && len(h) > s.retention {
		drop = len(h) - s.retention
	}
	if s.maxAge > 0 {
		cutoff := h[len(h)-1].AsOf.Add(-s.maxAge)
		for drop < len(h)-1 && h[drop].AsOf.Before(cutoff) {
			drop++
		}
	}
	if drop == 0 {
		return h
	}
	return append([]models.MergedSnapshot(nil), h[drop:]...)
}

// Latest returns the pair's current snapshot or models.ErrNotFound.
func (s *Store) Latest(p models.Pair) (models.MergedSnapshot, error) {
	e := s.entry(p)
	if e == nil {
		return models.MergedSnapshot{}, fmt.Errorf("latest %s: %w", p, models.ErrNotFound)
	}
	snap := e.latest.Load()
	if snap == nil {
		return models.MergedSnapshot{}, fmt.Errorf("latest %s: %w", p, models.ErrNotFound)
	}
	return snap.Clone(), nil
}

// History returns retained snapshots with from <= AsOf <= to, ascending by
// AsOf. Zero bounds are open. With limit > 0 only the newest limit matches are
// returned. The result is a copy and may be empty.
func (s *Store) History(p models.Pair, from, to time.Time, limit int) []models.MergedSnapshot {
	out := []models.MergedSnapshot{}
	e := s.entry(p)
	if e == nil {
		return out
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	lo := 0
	if !from.IsZero() {
		lo = sort.Search(len(e.history), func(i int) bool { return !e.history[i].AsOf.Before(from) })
	}
	hi := len(e.history)
	if !to.IsZero() {
		hi = sort.Search(len(e.history), func(i int) bool { return e.history[i].AsOf.After(to) })
	}
	if hi <= lo {
		return out
	}
	if limit > 0 && hi-lo > limit {
		lo = hi - limit
	}
	for _, snap := range e.history[lo:hi] {
		out = append(out, snap.Clone())
	}
	return out
}

// Pairs returns the pairs that have at least one snapshot, sorted.
func (s *Store) Pairs() []models.Pair {
	entries := *s.entries.Load()
	out := make([]models.Pair, 0, len(entries))
	for p, e := range entries {
		if e.latest.Load() != nil {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Store) Stats() Stats {
	entries := *s.entries.Load()
	st := Stats{
		Pairs:        len(entries),
		HistorySizes: make(map[string]int, len(entries)),
		Published:    atomic.LoadInt64(&s.published),
		Dropped:      atomic.LoadInt64(&s.dropped),
	}
	for p, e := range entries {
		e.mu.RLock()
		st.HistorySizes[string(p)] = len(e.history)
		e.mu.RUnlock()
	}
	s.subMu.RLock()
	st.Subscribers = len(s.subs)
	s.subMu.RUnlock()
	return st
}

func (s *Store) remove(id string) {
	s.subMu.Lock()
	delete(s.subs, id)
	n := len(s.subs)
	s.subMu.Unlock()
	s.collector.SetSubscribers(n)
}
