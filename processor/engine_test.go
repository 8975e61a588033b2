package processor

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fxflow/config"
	"fxflow/models"
)

type capturePublisher struct {
	mu    sync.Mutex
	snaps []models.MergedSnapshot
	ch    chan models.MergedSnapshot
}

func newCapture() *capturePublisher {
	return &capturePublisher{ch: make(chan models.MergedSnapshot, 256)}
}

func (c *capturePublisher) Publish(s models.MergedSnapshot) error {
	c.mu.Lock()
	c.snaps = append(c.snaps, s)
	c.mu.Unlock()
	c.ch <- s
	return nil
}

func (c *capturePublisher) next(t *testing.T) models.MergedSnapshot {
	t.Helper()
	select {
	case s := <-c.ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return models.MergedSnapshot{}
	}
}

func engineConfig() *config.Config {
	return &config.Config{
		FXFlow:   config.FXFlowConfig{Pairs: []string{"USD/EUR", "USD/JPY"}},
		Channels: config.ChannelsConfig{PairQueue: 16},
		Merge: config.MergeConfig{
			NewsDepth:           5,
			SentimentDepth:      5,
			SentimentHalfLifeMs: 3_600_000,
			ClockSkewTolerance:  2 * time.Second,
		},
	}
}

func startEngine(t *testing.T) (*Engine, chan models.FetchBatch, *capturePublisher) {
	t.Helper()
	raw := make(chan models.FetchBatch, 8)
	pub := newCapture()
	e := NewEngine(engineConfig(), raw, pub, nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, e.Start(ctx))
	t.Cleanup(func() {
		cancel()
		e.Stop()
	})
	return e, raw, pub
}

func rawItem(payload string) models.RawObservation {
	return models.RawObservation{Payload: []byte(payload)}
}

func TestEngineStartStop(t *testing.T) {
	raw := make(chan models.FetchBatch)
	e := NewEngine(engineConfig(), raw, newCapture(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Start(ctx))
	require.Error(t, e.Start(ctx), "second start")
	close(raw)
	e.Stop()
}

func TestEngineMalformedSiblingIsolation(t *testing.T) {
	e, raw, pub := startEngine(t)

	raw <- models.FetchBatch{
		SourceID:  "fixer",
		Vendor:    "fixer",
		Priority:  1,
		FetchedAt: t0,
		Observations: []models.RawObservation{
			rawItem(`{"pair":`),
			rawItem(`{"pair":"USD/EUR","rate":1.0545,"timestamp":` + strconv.FormatInt(t0.Unix(), 10) + `}`),
		},
	}

	snap := pub.next(t)
	require.Equal(t, models.Pair("USD/EUR"), snap.Pair)
	require.Equal(t, 1.0545, *snap.Rate)
	require.Equal(t, t0, snap.AsOf)
	require.Empty(t, snap.RecentNews)
	require.Nil(t, snap.SentimentAggregate)
	require.False(t, snap.PublishedAt.IsZero())
	require.Equal(t, int64(1), atomic.LoadInt64(&e.recordsDropped))
}

func TestEnginePriorityTieBreak(t *testing.T) {
	_, raw, pub := startEngine(t)
	ts := strconv.FormatInt(t0.Unix(), 10)

	raw <- models.FetchBatch{SourceID: "yahoo", Vendor: "yahoo", Priority: 2, FetchedAt: t0,
		Observations: []models.RawObservation{rawItem(`{"symbol":"USDEUR=X","regularMarketPrice":1.0601,"regularMarketTime":` + ts + `}`)}}
	raw <- models.FetchBatch{SourceID: "fixer", Vendor: "fixer", Priority: 1, FetchedAt: t0,
		Observations: []models.RawObservation{rawItem(`{"pair":"USD/EUR","rate":1.0545,"timestamp":` + ts + `}`)}}
	raw <- models.FetchBatch{SourceID: "yahoo", Vendor: "yahoo", Priority: 2, FetchedAt: t0,
		Observations: []models.RawObservation{rawItem(`{"symbol":"USDEUR=X","regularMarketPrice":1.0700,"regularMarketTime":` + ts + `}`)}}

	require.Equal(t, 1.0601, *pub.next(t).Rate)
	second := pub.next(t)
	require.Equal(t, 1.0545, *second.Rate)
	require.Equal(t, "fixer", second.RateSource)

	select {
	case s := <-pub.ch:
		t.Fatalf("lower priority tick at equal timestamp must not publish, got %v", *s.Rate)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEngineGlobalNewsFansOut(t *testing.T) {
	_, raw, pub := startEngine(t)

	raw <- models.FetchBatch{SourceID: "newsapi", Vendor: "newsapi", FetchedAt: t0,
		Observations: []models.RawObservation{rawItem(`{"source":{"name":"AP"},"title":"Global markets steady","publishedAt":"2024-05-01T09:00:00Z"}`)}}

	got := map[models.Pair]bool{}
	for i := 0; i < 2; i++ {
		s := pub.next(t)
		require.Len(t, s.RecentNews, 1)
		got[s.Pair] = true
	}
	require.True(t, got["USD/EUR"])
	require.True(t, got["USD/JPY"])
}

func TestEngineAsOfMonotonicPerPair(t *testing.T) {
	_, raw, pub := startEngine(t)

	offsets := []time.Duration{-10 * time.Minute, -30 * time.Minute, -5 * time.Minute, -40 * time.Minute, -1 * time.Minute}
	for i, off := range offsets {
		ts := strconv.FormatInt(t0.Add(off).Unix(), 10)
		raw <- models.FetchBatch{SourceID: "fixer", Vendor: "fixer", Priority: 1, FetchedAt: t0,
			Observations: []models.RawObservation{
				rawItem(`{"pair":"USD/EUR","rate":1.0` + strconv.Itoa(i) + `,"timestamp":` + ts + `}`),
				rawItem(`{"pair":"USD/JPY","rate":15` + strconv.Itoa(i) + `,"timestamp":` + ts + `}`),
			}}
		raw <- models.FetchBatch{SourceID: "finnhub", Vendor: "finnhub", FetchedAt: t0,
			Observations: []models.RawObservation{rawItem(`{"headline":"Yen story ` + strconv.Itoa(i) + `","source":"MW","datetime":` + ts + `,"related":"USDJPY"}`)}}
	}

	last := map[models.Pair]time.Time{}
	deadline := time.After(2 * time.Second)
	for seen := 0; seen < 6; {
		select {
		case s := <-pub.ch:
			require.False(t, s.AsOf.Before(last[s.Pair]), "asOf regressed for %s", s.Pair)
			last[s.Pair] = s.AsOf
			seen++
		case <-deadline:
			t.Fatal("timed out")
		}
	}
}

func TestEngineDropsUnknownPair(t *testing.T) {
	e, raw, pub := startEngine(t)
	raw <- models.FetchBatch{SourceID: "fixer", Vendor: "fixer", FetchedAt: t0,
		Observations: []models.RawObservation{
			rawItem(`{"pair":"GBP/JPY","rate":190,"timestamp":` + strconv.FormatInt(t0.Unix(), 10) + `}`),
			rawItem(`{"pair":"USD/JPY","rate":154,"timestamp":` + strconv.FormatInt(t0.Unix(), 10) + `}`),
		}}
	require.Equal(t, models.Pair("USD/JPY"), pub.next(t).Pair)
	require.Equal(t, int64(1), atomic.LoadInt64(&e.recordsDropped))
}
