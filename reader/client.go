package reader

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"

	"fxflow/config"
	"fxflow/logger"
	"fxflow/models"
)

const userAgent = "fxflow/1.0"

// Client is the HTTP client shared by every vendor adapter. It enforces the
// per-minute and per-day call ceilings before touching the network and maps
// transport outcomes onto FetchError kinds.
type Client struct {
	source  string
	vendor  string
	http    *resty.Client
	timeout time.Duration
	now     func() time.Time

	mu        sync.Mutex
	perMinute int
	recent    []time.Time
	perDay    int
	day       time.Time
	dayCalls  int

	calls    atomic.Int64
	rejected atomic.Int64
	log      *logger.Log
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient swaps the underlying transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = resty.NewWithClient(hc) }
}

// WithClock overrides the time source used by the call ceilings.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient builds the client for one configured source.
func NewClient(cfg config.SourceConfig, opts ...Option) *Client {
	c := &Client{
		source:  cfg.ID,
		vendor:  cfg.Vendor,
		http:    resty.New(),
		timeout: cfg.Timeout(),
		now:     time.Now,
		log:     logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.http.SetBaseURL(cfg.BaseURL)
	c.http.SetHeader("User-Agent", userAgent)
	c.http.SetHeader("Accept", "application/json")
	if c.timeout > 0 {
		c.http.SetTimeout(c.timeout)
	}

	c.perMinute = cfg.MaxCallsPerMinute
	c.perDay = cfg.MaxCallsPerDay
	return c
}

// SetHeader adds a header to every request.
func (c *Client) SetHeader(key, value string) {
	c.http.SetHeader(key, value)
}

// Source returns the configured source id.
func (c *Client) Source() string { return c.source }

// Calls returns how many requests reached the network.
func (c *Client) Calls() int64 { return c.calls.Load() }

// Rejected returns how many requests the call ceilings refused locally.
func (c *Client) Rejected() int64 { return c.rejected.Load() }

// acquire admits one call against both ceilings, or none at all. The minute
// ceiling keeps the admit times of the last n calls so no 60s span ever holds
// more than n. The daily ceiling counts calls per UTC calendar day, the way
// vendors reset quotas.
func (c *Client) acquire() (bool, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.perDay > 0 {
		day := now.UTC().Truncate(24 * time.Hour)
		if !day.Equal(c.day) {
			c.day, c.dayCalls = day, 0
		}
		if c.dayCalls >= c.perDay {
			return false, day.Add(24 * time.Hour).Sub(now)
		}
	}
	if c.perMinute > 0 && len(c.recent) >= c.perMinute {
		oldest := c.recent[len(c.recent)-c.perMinute]
		if wait := oldest.Add(time.Minute).Sub(now); wait > 0 {
			return false, wait
		}
	}

	if c.perMinute > 0 {
		c.recent = append(c.recent, now)
		if len(c.recent) > c.perMinute {
			c.recent = append(c.recent[:0], c.recent[len(c.recent)-c.perMinute:]...)
		}
	}
	if c.perDay > 0 {
		c.dayCalls++
	}
	return true, 0
}

// Get issues a GET request and returns the body of a 2xx response.
func (c *Client) Get(ctx context.Context, path string, query map[string]string) ([]byte, error) {
	if ok, wait := c.acquire(); !ok {
		c.rejected.Add(1)
		return nil, &models.FetchError{
			Kind:       models.RateLimitExceeded,
			Source:     c.source,
			RetryAfter: wait,
			Local:      true,
			Err:        errors.New("local call ceiling reached"),
		}
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	c.calls.Add(1)
	start := time.Now()
	resp, err := c.http.R().SetContext(ctx).SetQueryParams(query).Get(path)
	log := c.log.WithComponent("reader").WithFields(logger.Fields{"source": c.source, "vendor": c.vendor, "path": path})
	if err != nil {
		fe := c.classifyTransport(ctx, err)
		log.WithError(err).WithField("kind", string(fe.Kind)).Debug("vendor request failed")
		return nil, fe
	}
	logger.LogPerformanceEntry(log, "reader", "vendor_get", time.Since(start), logger.Fields{"status": resp.StatusCode()})

	switch code := resp.StatusCode(); {
	case code == http.StatusTooManyRequests:
		return nil, &models.FetchError{
			Kind:       models.RateLimitExceeded,
			Source:     c.source,
			RetryAfter: parseRetryAfter(resp.Header().Get("Retry-After"), c.now()),
			Err:        fmt.Errorf("status %d", code),
		}
	case code >= 500:
		return nil, models.NewFetchError(models.VendorUnavailable, c.source, fmt.Errorf("status %d", code))
	case code < 200 || code >= 300:
		return nil, models.NewFetchError(models.VendorUnavailable, c.source, fmt.Errorf("unexpected status %d", code))
	}
	logger.RecordChannelMessage("vendor_"+c.source, len(resp.Body()))
	return resp.Body(), nil
}

func (c *Client) classifyTransport(ctx context.Context, err error) *models.FetchError {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return models.NewFetchError(models.Timeout, c.source, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return models.NewFetchError(models.Timeout, c.source, err)
	}
	return models.NewFetchError(models.VendorUnavailable, c.source, err)
}

// Malformed wraps an envelope decode failure.
func (c *Client) Malformed(err error) error {
	return models.NewFetchError(models.MalformedResponse, c.source, err)
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
