package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"fxflow/config"
	"fxflow/models"
	"fxflow/reader"
	"fxflow/reader/mock"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingSink struct {
	mu      sync.Mutex
	batches []models.FetchBatch
	got     chan models.FetchBatch
}

func newSink() *recordingSink { return &recordingSink{got: make(chan models.FetchBatch, 64)} }

func (s *recordingSink) SendRaw(ctx context.Context, b models.FetchBatch) bool {
	s.mu.Lock()
	s.batches = append(s.batches, b)
	s.mu.Unlock()
	select {
	case s.got <- b:
	default:
	}
	return true
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func sourceCfg(id string) config.SourceConfig {
	return config.SourceConfig{
		ID:                 id,
		Kind:               "rates",
		Vendor:             "fixer",
		Priority:           1,
		PollIntervalMs:     60_000,
		WindowMs:           60_000,
		MaxRetries:         3,
		BaseBackoffMs:      100,
		MaxBackoffMs:       1_000,
		DegradedCooldownMs: 30_000,
		TimeoutMs:          1_000,
		BillingPeriod:      "monthly",
	}
}

func oneObs(id string) []models.RawObservation {
	return []models.RawObservation{{SourceID: id, Payload: []byte(`{}`)}}
}

func newTestRunner(t *testing.T, cfg config.SourceConfig, clock *fakeClock, fetch func(context.Context) ([]models.RawObservation, error)) (*runner, *recordingSink) {
	t.Helper()
	ctrl := gomock.NewController(t)
	a := mock.NewMockAdapter(ctrl)
	a.EXPECT().Fetch(gomock.Any()).DoAndReturn(fetch).AnyTimes()

	sink := newSink()
	r, err := newRunner(cfg, a, sink, Options{Now: clock.Now, Rand: func() float64 { return 0.5 }, JitterFraction: 0.2})
	require.NoError(t, err)
	return r, sink
}

func TestQuotaWindowDiscipline(t *testing.T) {
	clock := newClock()
	cfg := sourceCfg("fixer")
	cfg.MaxCallsPerWindow = 2

	calls := 0
	r, _ := newTestRunner(t, cfg, clock, func(context.Context) ([]models.RawObservation, error) {
		calls++
		return oneObs("fixer"), nil
	})

	ctx := context.Background()
	r.step(ctx)
	r.step(ctx)
	require.Equal(t, 2, calls)

	wait := r.step(ctx)
	require.Equal(t, 2, calls, "no dispatch once the window is used up")
	require.Equal(t, models.SourceCooling, r.health().State)
	require.Equal(t, time.Minute, wait)
	require.Equal(t, 2, r.health().Quota.CallsUsedInWindow)

	clock.Advance(time.Minute)
	r.step(ctx)
	require.Equal(t, 3, calls)
	h := r.health()
	require.Equal(t, models.SourceIdle, h.State)
	require.Equal(t, 1, h.Quota.CallsUsedInWindow, "window rolled over")
}

func TestQuotaExhaustedDefersUntilNextPeriod(t *testing.T) {
	clock := newClock()
	cfg := sourceCfg("news")
	cfg.CostPerCall = 4
	cfg.MaxCostPerPeriod = 10

	calls := 0
	r, sink := newTestRunner(t, cfg, clock, func(context.Context) ([]models.RawObservation, error) {
		calls++
		return oneObs("news"), nil
	})

	ctx := context.Background()
	r.step(ctx)
	clock.Advance(time.Minute)
	r.step(ctx)
	clock.Advance(time.Minute)
	wait := r.step(ctx)

	require.Equal(t, 2, calls)
	require.Equal(t, 2, sink.count())
	h := r.health()
	require.Equal(t, models.SourceIdle, h.State)
	require.Equal(t, models.ErrQuotaExhausted.Error(), h.LastError)
	require.Equal(t, float64(8), h.Quota.CostUsedInBillingPeriod)
	require.Greater(t, wait, time.Duration(0))

	clock.Advance(31 * 24 * time.Hour)
	r.step(ctx)
	require.Equal(t, 3, calls)
	require.Equal(t, float64(4), r.health().Quota.CostUsedInBillingPeriod)
}

func TestItemCostCountsTowardsBudget(t *testing.T) {
	clock := newClock()
	cfg := sourceCfg("news")
	cfg.CostPerCall = 1
	cfg.MaxCostPerPeriod = 100

	r, _ := newTestRunner(t, cfg, clock, func(context.Context) ([]models.RawObservation, error) {
		return []models.RawObservation{{CostUnits: 2}, {CostUnits: 3}}, nil
	})
	r.step(context.Background())
	require.Equal(t, float64(6), r.health().Quota.CostUsedInBillingPeriod)
}

func TestBackoffGrowsThenDegrades(t *testing.T) {
	clock := newClock()
	cfg := sourceCfg("yahoo")
	cfg.MaxRetries = 5
	cfg.BaseBackoffMs = 100
	cfg.MaxBackoffMs = 500

	calls := 0
	failing := true
	r, _ := newTestRunner(t, cfg, clock, func(context.Context) ([]models.RawObservation, error) {
		calls++
		if failing {
			return nil, models.NewFetchError(models.VendorUnavailable, "yahoo", errors.New("503"))
		}
		return oneObs("yahoo"), nil
	})
	ctx := context.Background()

	var delays []time.Duration
	for i := 0; i < 4; i++ {
		d := r.step(ctx)
		delays = append(delays, d)
		require.Equal(t, i+1, r.health().ConsecutiveFailures)
		clock.Advance(d)
	}
	for i, d := range delays {
		nominal := 100 * time.Millisecond << i
		if nominal > 500*time.Millisecond {
			nominal = 500 * time.Millisecond
		}
		require.LessOrEqual(t, d, nominal)
		require.GreaterOrEqual(t, d, time.Duration(float64(nominal)*0.8))
		if i > 0 {
			require.GreaterOrEqual(t, d, delays[i-1], "delays never decrease")
		}
	}

	wait := r.step(ctx)
	require.Equal(t, 5, calls)
	require.Equal(t, models.SourceDegraded, r.health().State)
	require.Equal(t, 30*time.Second, wait)

	clock.Advance(10 * time.Second)
	require.Equal(t, 20*time.Second, r.step(ctx))
	require.Equal(t, 5, calls, "degraded source is skipped")

	failing = false
	clock.Advance(20 * time.Second)
	r.step(ctx)
	require.Equal(t, 6, calls)
	h := r.health()
	require.Equal(t, models.SourceIdle, h.State)
	require.Equal(t, 0, h.ConsecutiveFailures)
}

func TestBackoffBlocksEarlyAttempts(t *testing.T) {
	clock := newClock()
	calls := 0
	r, _ := newTestRunner(t, sourceCfg("x"), clock, func(context.Context) ([]models.RawObservation, error) {
		calls++
		return nil, models.NewFetchError(models.Timeout, "x", context.DeadlineExceeded)
	})
	d := r.step(context.Background())
	clock.Advance(d / 2)
	r.step(context.Background())
	require.Equal(t, 1, calls)
}

func TestRateLimitedCoolsUntilLaterOfWindowAndRetryAfter(t *testing.T) {
	clock := newClock()
	r, _ := newTestRunner(t, sourceCfg("x"), clock, func(context.Context) ([]models.RawObservation, error) {
		return nil, &models.FetchError{Kind: models.RateLimitExceeded, Source: "x", RetryAfter: 5 * time.Minute}
	})
	wait := r.step(context.Background())
	h := r.health()
	require.Equal(t, models.SourceCooling, h.State)
	require.Equal(t, 5*time.Minute, wait)
	require.Equal(t, 1, h.Quota.CallsUsedInWindow, "rate limited calls count against the window")
	require.Equal(t, 0, h.ConsecutiveFailures)
}

func TestLocalCeilingRefusalDoesNotUseWindowQuota(t *testing.T) {
	clock := newClock()
	r, _ := newTestRunner(t, sourceCfg("x"), clock, func(context.Context) ([]models.RawObservation, error) {
		return nil, &models.FetchError{Kind: models.RateLimitExceeded, Source: "x", RetryAfter: 2 * time.Minute, Local: true}
	})
	r.step(context.Background())
	h := r.health()
	require.Equal(t, models.SourceCooling, h.State)
	require.Equal(t, 0, h.Quota.CallsUsedInWindow, "the vendor never saw the call")
	require.Equal(t, 0, h.ConsecutiveFailures)
}

func TestMalformedKeepsCadence(t *testing.T) {
	clock := newClock()
	r, sink := newTestRunner(t, sourceCfg("x"), clock, func(context.Context) ([]models.RawObservation, error) {
		return nil, models.NewFetchError(models.MalformedResponse, "x", errors.New("bad json"))
	})
	r.align = false
	wait := r.step(context.Background())
	require.Equal(t, time.Minute, wait)
	h := r.health()
	require.Equal(t, models.SourceIdle, h.State)
	require.Equal(t, 0, h.ConsecutiveFailures)
	require.Equal(t, 0, sink.count())
}

func TestPartialResultsAreDelivered(t *testing.T) {
	clock := newClock()
	r, sink := newTestRunner(t, sourceCfg("yahoo"), clock, func(context.Context) ([]models.RawObservation, error) {
		return oneObs("yahoo"), models.NewFetchError(models.VendorUnavailable, "yahoo", errors.New("502"))
	})
	r.step(context.Background())
	require.Equal(t, 1, sink.count())
	require.Equal(t, 1, r.health().ConsecutiveFailures)
}

func TestDisableDiscardsInFlightResult(t *testing.T) {
	clock := newClock()
	started := make(chan struct{})
	release := make(chan struct{})
	r, sink := newTestRunner(t, sourceCfg("x"), clock, func(context.Context) ([]models.RawObservation, error) {
		close(started)
		<-release
		return oneObs("x"), nil
	})

	done := make(chan time.Duration)
	go func() { done <- r.step(context.Background()) }()
	<-started
	require.Equal(t, models.SourceFetching, r.health().State)
	r.disable()
	close(release)

	require.Equal(t, noTimer, <-done)
	require.Equal(t, 0, sink.count())
	require.Equal(t, models.SourceDisabled, r.health().State)
	require.Equal(t, int64(1), r.discarded)

	require.Equal(t, noTimer, r.step(context.Background()), "disabled source does not fetch")
}

func TestSchedulerTriggersDependentSource(t *testing.T) {
	ctrl := gomock.NewController(t)

	news := mock.NewMockAdapter(ctrl)
	news.EXPECT().ID().Return("news").AnyTimes()
	news.EXPECT().Fetch(gomock.Any()).Return(oneObs("news"), nil).MinTimes(1)

	senti := mock.NewMockAdapter(ctrl)
	senti.EXPECT().ID().Return("senti").AnyTimes()
	senti.EXPECT().Fetch(gomock.Any()).Return(oneObs("senti"), nil).MinTimes(1)

	newsCfg := sourceCfg("news")
	newsCfg.Kind, newsCfg.Vendor = "news", "newsapi"
	newsCfg.PollIntervalMs = 20
	sentiCfg := sourceCfg("senti")
	sentiCfg.Kind, sentiCfg.Vendor = "sentiment", "scores"
	sentiCfg.PollIntervalMs = 0
	sentiCfg.TriggerOn = "news"

	sink := newSink()
	s, err := New([]config.SourceConfig{newsCfg, sentiCfg}, []reader.Adapter{news, senti}, sink, Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	require.Error(t, s.Start(ctx))

	deadline := time.After(2 * time.Second)
	seen := map[string]bool{}
	for !seen["senti"] {
		select {
		case b := <-sink.got:
			seen[b.SourceID] = true
			if b.SourceID == "senti" {
				require.True(t, seen["news"], "sentiment fetched only after news delivered")
			}
		case <-deadline:
			t.Fatal("dependent source was never triggered")
		}
	}
	cancel()
	s.Stop()

	health := s.Health()
	require.Len(t, health, 2)
	require.Equal(t, "news", health[0].SourceID)
	require.GreaterOrEqual(t, health[1].Calls, int64(1))
}

func TestSchedulerEnableDisable(t *testing.T) {
	ctrl := gomock.NewController(t)
	a := mock.NewMockAdapter(ctrl)
	a.EXPECT().ID().Return("x").AnyTimes()
	a.EXPECT().Fetch(gomock.Any()).Return(oneObs("x"), nil).AnyTimes()

	cfg := sourceCfg("x")
	off := false
	cfg.Enabled = &off

	sink := newSink()
	s, err := New([]config.SourceConfig{cfg}, []reader.Adapter{a}, sink, Options{})
	require.NoError(t, err)
	require.Equal(t, models.SourceDisabled, s.Health()[0].State)
	require.Error(t, s.Enable("missing"))

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		s.Stop()
	}()
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Enable("x"))

	select {
	case <-sink.got:
	case <-time.After(2 * time.Second):
		t.Fatal("enabled source did not fetch")
	}
	require.NoError(t, s.Disable("x"))
}

func TestNewRejectsUnknownAdapter(t *testing.T) {
	ctrl := gomock.NewController(t)
	a := mock.NewMockAdapter(ctrl)
	a.EXPECT().ID().Return("ghost").AnyTimes()
	_, err := New(nil, []reader.Adapter{a}, newSink(), Options{})
	require.Error(t, err)
}
