package reader

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fxflow/config"
	"fxflow/models"
)

func testSource(url string) config.SourceConfig {
	return config.SourceConfig{ID: "test-src", Kind: "rates", Vendor: "fixer", BaseURL: url, TimeoutMs: 1000}
}

func requireKind(t *testing.T, err error, want models.FetchErrorKind) *models.FetchError {
	t.Helper()
	require.Error(t, err)
	kind, ok := models.FetchErrorKindOf(err)
	require.True(t, ok, "expected FetchError, got %v", err)
	require.Equal(t, want, kind)
	var fe *models.FetchError
	require.ErrorAs(t, err, &fe)
	return fe
}

func TestClientGetSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/latest", r.URL.Path)
		assert.Equal(t, "k", r.URL.Query().Get("access_key"))
		assert.Equal(t, userAgent, r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewClient(testSource(srv.URL))
	body, err := c.Get(context.Background(), "/latest", map[string]string{"access_key": "k"})
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(body))
	require.Equal(t, int64(1), c.Calls())
}

func TestClientStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		header string
		want   models.FetchErrorKind
		retry  time.Duration
	}{
		{http.StatusTooManyRequests, "7", models.RateLimitExceeded, 7 * time.Second},
		{http.StatusServiceUnavailable, "", models.VendorUnavailable, 0},
		{http.StatusUnauthorized, "", models.VendorUnavailable, 0},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tc.header != "" {
				w.Header().Set("Retry-After", tc.header)
			}
			w.WriteHeader(tc.status)
		}))
		c := NewClient(testSource(srv.URL))
		_, err := c.Get(context.Background(), "/x", nil)
		fe := requireKind(t, err, tc.want)
		require.Equal(t, tc.retry, fe.RetryAfter)
		srv.Close()
	}
}

func TestClientTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	cfg := testSource(srv.URL)
	cfg.TimeoutMs = 50
	c := NewClient(cfg)
	_, err := c.Get(context.Background(), "/slow", nil)
	requireKind(t, err, models.Timeout)
}

func TestClientTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewClient(testSource(url))
	_, err := c.Get(context.Background(), "/", nil)
	requireKind(t, err, models.VendorUnavailable)
}

func TestClientCallCeilingSkipsNetwork(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	cfg := testSource(srv.URL)
	cfg.MaxCallsPerMinute = 2
	cfg.MaxCallsPerDay = 100
	c := NewClient(cfg, WithClock(func() time.Time { return now }))

	for i := 0; i < 2; i++ {
		_, err := c.Get(context.Background(), "/", nil)
		require.NoError(t, err)
		now = now.Add(10 * time.Second)
	}
	_, err := c.Get(context.Background(), "/", nil)
	fe := requireKind(t, err, models.RateLimitExceeded)
	require.True(t, fe.Local)
	require.True(t, models.IsLocalRefusal(err))
	require.Equal(t, 40*time.Second, fe.RetryAfter, "wait until the first call leaves the window")
	require.Equal(t, int32(2), hits.Load())
	require.Equal(t, int64(1), c.Rejected())

	now = now.Add(40 * time.Second)
	_, err = c.Get(context.Background(), "/", nil)
	require.NoError(t, err)
	require.Equal(t, int32(3), hits.Load())
}

func TestClientMinuteCeilingHoldsAcrossSlidingWindow(t *testing.T) {
	var stamps []time.Time
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	cfg := testSource(srv.URL)
	cfg.MaxCallsPerMinute = 3
	c := NewClient(cfg, WithClock(func() time.Time { return now }))

	for i := 0; i < 180; i++ {
		if _, err := c.Get(context.Background(), "/", nil); err == nil {
			stamps = append(stamps, now)
		}
		now = now.Add(time.Second)
	}
	require.NotEmpty(t, stamps)
	for i := range stamps {
		in := 0
		for _, s := range stamps[i:] {
			if s.Sub(stamps[i]) < time.Minute {
				in++
			}
		}
		assert.LessOrEqual(t, in, 3, "calls in the minute after %s", stamps[i])
	}
	assert.Len(t, stamps, 9, "three calls at the start of each minute")
}

func TestClientDailyCeilingPerCalendarDay(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := testSource(srv.URL)
	cfg.MaxCallsPerDay = 4
	c := NewClient(cfg, WithClock(func() time.Time { return now }))

	perDay := map[string]int{}
	var lastErr error
	for i := 0; i < 48*60; i++ {
		if _, err := c.Get(context.Background(), "/", nil); err == nil {
			perDay[now.Format("2006-01-02")]++
		} else {
			lastErr = err
		}
		now = now.Add(time.Minute)
	}
	assert.Equal(t, map[string]int{"2024-01-01": 4, "2024-01-02": 4}, perDay)
	assert.Equal(t, int64(8), c.Calls())

	fe := requireKind(t, lastErr, models.RateLimitExceeded)
	assert.Equal(t, time.Minute, fe.RetryAfter, "wait runs to the next UTC midnight")
}

func TestClientDailyCeilingDoesNotLeakMinuteTokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	cfg := testSource(srv.URL)
	cfg.MaxCallsPerMinute = 5
	cfg.MaxCallsPerDay = 1
	c := NewClient(cfg, WithClock(func() time.Time { return now }))

	_, err := c.Get(context.Background(), "/", nil)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		now = now.Add(time.Minute)
		_, err = c.Get(context.Background(), "/", nil)
		requireKind(t, err, models.RateLimitExceeded)
	}
	require.Equal(t, int64(1), c.Calls())
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	require.Equal(t, 30*time.Second, parseRetryAfter("30", now))
	require.Equal(t, time.Minute, parseRetryAfter(now.Add(time.Minute).Format(http.TimeFormat), now))
	require.Equal(t, time.Duration(0), parseRetryAfter("soon", now))
}
