package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fxflow/config"
	"fxflow/internal/metrics"
	"fxflow/logger"
	"fxflow/models"
	"fxflow/reader"
)

// Options tunes scheduler behaviour shared by every runner.
type Options struct {
	JitterFraction float64
	AlignTimers    bool
	Collector      *metrics.Collector
	Now            func() time.Time
	Rand           func() float64
}

// OptionsFromConfig derives Options from the scheduler section.
func OptionsFromConfig(cfg config.SchedulerConfig, collector *metrics.Collector) Options {
	return Options{
		JitterFraction: cfg.JitterFraction,
		AlignTimers:    cfg.AlignTimers,
		Collector:      collector,
	}
}

// Scheduler drives one runner per configured source. Runners are isolated:
// a failing or throttled source never delays another.
type Scheduler struct {
	runners map[string]*runner
	order   []string
	deps    map[string][]*runner

	mu      sync.Mutex
	wg      sync.WaitGroup
	running bool
	log     *logger.Log
}

// New builds a scheduler for the given adapters. Every adapter must match a
// configured source id.
func New(sources []config.SourceConfig, adapters []reader.Adapter, sink BatchSink, opts Options) (*Scheduler, error) {
	byID := make(map[string]config.SourceConfig, len(sources))
	for _, s := range sources {
		byID[s.ID] = s
	}

	s := &Scheduler{
		runners: make(map[string]*runner, len(adapters)),
		deps:    make(map[string][]*runner),
		log:     logger.GetLogger(),
	}
	for _, a := range adapters {
		cfg, ok := byID[a.ID()]
		if !ok {
			return nil, fmt.Errorf("adapter %s has no source configuration", a.ID())
		}
		if _, dup := s.runners[a.ID()]; dup {
			return nil, fmt.Errorf("duplicate adapter %s", a.ID())
		}
		r, err := newRunner(cfg, a, sink, opts)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", cfg.ID, err)
		}
		r.notifyFn = s.notify
		opts.Collector.SetSourceState(cfg.ID, string(r.state), allStates)
		s.runners[cfg.ID] = r
		s.order = append(s.order, cfg.ID)
	}
	for _, r := range s.runners {
		if r.cfg.TriggerOn == "" {
			continue
		}
		if _, ok := s.runners[r.cfg.TriggerOn]; !ok {
			return nil, fmt.Errorf("source %s: trigger_on references unknown source %s", r.cfg.ID, r.cfg.TriggerOn)
		}
		s.deps[r.cfg.TriggerOn] = append(s.deps[r.cfg.TriggerOn], r)
	}
	return s, nil
}

// Start launches every runner. Runners stop when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	s.running = true

	s.log.WithComponent("scheduler").WithField("sources", len(s.order)).Info("starting fetch scheduler")
	for _, id := range s.order {
		s.wg.Add(1)
		go s.runners[id].run(ctx, &s.wg)
	}
	return nil
}

// Stop waits for every runner to exit. The context passed to Start must be
// cancelled first.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.wg.Wait()
	s.log.WithComponent("scheduler").Info("fetch scheduler stopped")
}

// notify wakes every source triggered by id.
func (s *Scheduler) notify(id string) {
	for _, r := range s.deps[id] {
		r.poke()
	}
}

// Disable stops scheduling a source. A fetch already in flight completes but
// its result is discarded.
func (s *Scheduler) Disable(id string) error {
	r, ok := s.runners[id]
	if !ok {
		return fmt.Errorf("unknown source %q", id)
	}
	r.disable()
	s.log.WithComponent("scheduler").WithField("source", id).Info("source disabled")
	return nil
}

// Enable resumes a disabled source and schedules an immediate attempt.
func (s *Scheduler) Enable(id string) error {
	r, ok := s.runners[id]
	if !ok {
		return fmt.Errorf("unknown source %q", id)
	}
	r.enable()
	s.log.WithComponent("scheduler").WithField("source", id).Info("source enabled")
	return nil
}

// Health returns one entry per source in configuration order.
func (s *Scheduler) Health() []models.SourceHealth {
	out := make([]models.SourceHealth, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.runners[id].health())
	}
	return out
}
