package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"fxflow/config"
	"fxflow/internal/metrics"
	"fxflow/logger"
	"fxflow/models"
	"fxflow/reader"
)

// noTimer tells the run loop to wait for a wake-up instead of a timer.
const noTimer time.Duration = -1

var allStates = []string{
	string(models.SourceIdle),
	string(models.SourceFetching),
	string(models.SourceCooling),
	string(models.SourceDegraded),
	string(models.SourceDisabled),
}

// BatchSink receives fetch batches in fetch order.
type BatchSink interface {
	SendRaw(ctx context.Context, batch models.FetchBatch) bool
}

// runner owns one source. All mutable fields are guarded by mu, which also
// partitions quota accounting per source.
type runner struct {
	cfg      config.SourceConfig
	adapter  reader.Adapter
	billing  config.BillingPeriod
	backoff  *backoff.Backoff
	jitter   float64
	align    bool
	now      func() time.Time
	rand     func() float64
	sink     BatchSink
	coll     *metrics.Collector
	log      *logger.Log
	wake     chan struct{}
	notifyFn func(id string)

	mu            sync.Mutex
	enabled       bool
	epoch         uint64
	state         models.SourceState
	quota         models.SourceQuotaState
	failures      int
	lastDelay     time.Duration
	blockedUntil  time.Time
	degradedUntil time.Time
	lastErr       string
	lastSuccess   time.Time
	nextAttempt   time.Time
	calls         int64
	observations  int64
	discarded     int64
	malformed     int64
}

func newRunner(cfg config.SourceConfig, a reader.Adapter, sink BatchSink, opts Options) (*runner, error) {
	billing, err := config.ParseBillingPeriod(cfg.BillingPeriod)
	if err != nil {
		return nil, err
	}
	r := &runner{
		cfg:     cfg,
		adapter: a,
		billing: billing,
		backoff: &backoff.Backoff{
			Min:    cfg.BaseBackoff(),
			Max:    cfg.MaxBackoff(),
			Factor: 2,
		},
		jitter:  opts.JitterFraction,
		align:   opts.AlignTimers,
		now:     opts.Now,
		rand:    opts.Rand,
		sink:    sink,
		coll:    opts.Collector,
		log:     logger.GetLogger(),
		wake:    make(chan struct{}, 1),
		enabled: cfg.IsEnabled(),
		state:   models.SourceIdle,
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.rand == nil {
		r.rand = rand.Float64
	}
	if !r.enabled {
		r.state = models.SourceDisabled
	}
	return r, nil
}

func (r *runner) entry() *logger.Entry {
	return r.log.WithComponent("scheduler").WithFields(logger.Fields{"source": r.cfg.ID, "vendor": r.cfg.Vendor})
}

// poke wakes the run loop without blocking.
func (r *runner) poke() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *runner) run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	log := r.entry()
	log.WithFields(logger.Fields{"poll_interval_ms": r.cfg.PollIntervalMs, "trigger_on": r.cfg.TriggerOn}).Info("source runner started")

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()
	arm := func(d time.Duration) {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if d >= 0 {
			timer.Reset(d)
		}
	}
	arm(r.firstDelay())

	for {
		select {
		case <-ctx.Done():
			log.Info("source runner stopped")
			return
		case <-timer.C:
		case <-r.wake:
		}
		arm(r.step(ctx))
	}
}

// firstDelay aligns the first poll to the interval grid. Trigger-only and
// disabled sources wait for a wake-up.
func (r *runner) firstDelay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.enabled {
		return noTimer
	}
	return r.cadenceLocked(r.now())
}

func (r *runner) cadenceLocked(from time.Time) time.Duration {
	interval := r.cfg.PollInterval()
	if interval <= 0 {
		r.nextAttempt = time.Time{}
		return noTimer
	}
	next := from.Add(interval)
	if r.align {
		next = from.Truncate(interval).Add(interval)
	}
	r.nextAttempt = next
	return next.Sub(r.now())
}

func (r *runner) setStateLocked(s models.SourceState) {
	if r.state == s {
		return
	}
	r.state = s
	r.coll.SetSourceState(r.cfg.ID, string(s), allStates)
}

// rolloverLocked resets the call window and billing period when they expire.
func (r *runner) rolloverLocked(now time.Time) {
	window := r.cfg.Window()
	switch {
	case r.quota.WindowStart.IsZero():
		r.quota.WindowStart = now
	case !now.Before(r.quota.WindowStart.Add(window)):
		elapsed := now.Sub(r.quota.WindowStart)
		r.quota.WindowStart = r.quota.WindowStart.Add(elapsed - elapsed%window)
		r.quota.CallsUsedInWindow = 0
	}

	if start := r.billing.Start(now); !start.Equal(r.quota.PeriodStart) {
		r.quota.PeriodStart = start
		r.quota.CostUsedInBillingPeriod = 0
	}
}

// step runs at most one fetch and returns how long to wait before the next
// step, or noTimer.
func (r *runner) step(ctx context.Context) time.Duration {
	now := r.now()

	r.mu.Lock()
	if !r.enabled {
		r.setStateLocked(models.SourceDisabled)
		r.mu.Unlock()
		return noTimer
	}
	if r.state == models.SourceDegraded {
		if now.Before(r.degradedUntil) {
			r.mu.Unlock()
			return r.degradedUntil.Sub(now)
		}
		r.failures = 0
		r.lastDelay = 0
		r.backoff.Reset()
		r.setStateLocked(models.SourceIdle)
		r.entry().Info("source leaving degraded state")
	}
	if now.Before(r.blockedUntil) {
		r.mu.Unlock()
		return r.blockedUntil.Sub(now)
	}

	r.rolloverLocked(now)
	r.coll.SetQuota(r.cfg.ID, r.quota.CallsUsedInWindow, r.quota.CostUsedInBillingPeriod)

	if ceiling := r.cfg.MaxCallsPerWindow; ceiling > 0 && r.quota.CallsUsedInWindow >= ceiling {
		r.setStateLocked(models.SourceCooling)
		r.blockedUntil = r.quota.WindowStart.Add(r.cfg.Window())
		r.nextAttempt = r.blockedUntil
		r.mu.Unlock()
		return r.blockedUntil.Sub(now)
	}
	if budget := r.cfg.MaxCostPerPeriod; budget > 0 && r.quota.CostUsedInBillingPeriod+r.cfg.CostPerCall > budget {
		r.setStateLocked(models.SourceIdle)
		r.lastErr = models.ErrQuotaExhausted.Error()
		wait := r.cadenceLocked(now)
		used := r.quota.CostUsedInBillingPeriod
		r.mu.Unlock()
		r.coll.QuotaExhausted(r.cfg.ID)
		metrics.EmitMetric(r.log, "scheduler", "quota_exhausted", 1, "counter", logger.Fields{"source": r.cfg.ID})
		r.entry().WithFields(logger.Fields{"cost_used": used, "budget": budget}).Warn("billing budget exhausted; fetch deferred")
		return wait
	}

	r.setStateLocked(models.SourceFetching)
	epoch := r.epoch
	r.mu.Unlock()

	fetchCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout())
	start := time.Now()
	obs, err := r.adapter.Fetch(fetchCtx)
	cancel()
	elapsed := time.Since(start)

	if ctx.Err() != nil {
		r.mu.Lock()
		r.setStateLocked(models.SourceIdle)
		r.mu.Unlock()
		return noTimer
	}
	return r.complete(ctx, epoch, obs, err, elapsed)
}

func (r *runner) complete(ctx context.Context, epoch uint64, obs []models.RawObservation, err error, elapsed time.Duration) time.Duration {
	now := r.now()
	log := r.entry()

	r.mu.Lock()
	if epoch != r.epoch || !r.enabled {
		r.discarded++
		wait := noTimer
		if r.enabled {
			r.setStateLocked(models.SourceIdle)
			wait = r.cadenceLocked(now)
		} else {
			r.setStateLocked(models.SourceDisabled)
		}
		r.mu.Unlock()
		r.coll.ObserveFetch(r.cfg.ID, "discarded", elapsed)
		metrics.EmitDropMetric(r.log, metrics.DropDisabledSource, r.cfg.ID, "", "scheduler")
		log.WithField("observations", len(obs)).Info("discarding fetch result of disabled source")
		return wait
	}

	kind, _ := models.FetchErrorKindOf(err)
	if err != nil && kind == "" {
		kind = models.VendorUnavailable
	}
	if err == nil || kind == models.MalformedResponse || (kind == models.RateLimitExceeded && !models.IsLocalRefusal(err)) {
		r.quota.CallsUsedInWindow++
	}

	r.calls++
	var batch *models.FetchBatch
	if len(obs) > 0 {
		cost := r.cfg.CostPerCall
		for _, o := range obs {
			cost += o.CostUnits
		}
		r.quota.CostUsedInBillingPeriod += cost
		r.observations += int64(len(obs))
		r.lastSuccess = now
		batch = &models.FetchBatch{
			SourceID:     r.cfg.ID,
			Kind:         models.SourceKind(r.cfg.Kind),
			Vendor:       r.cfg.Vendor,
			Priority:     r.cfg.Priority,
			Observations: obs,
			FetchedAt:    now,
		}
	} else if err == nil {
		r.quota.CostUsedInBillingPeriod += r.cfg.CostPerCall
		r.lastSuccess = now
	}

	var wait time.Duration
	outcome := "ok"
	switch {
	case err == nil:
		r.failures = 0
		r.lastDelay = 0
		r.backoff.Reset()
		r.lastErr = ""
		r.setStateLocked(models.SourceIdle)
		wait = r.cadenceLocked(now)

	case kind == models.MalformedResponse:
		outcome = "malformed"
		r.malformed++
		r.lastErr = string(kind)
		r.setStateLocked(models.SourceIdle)
		wait = r.cadenceLocked(now)
		log.WithError(err).Warn("vendor returned malformed payload")

	case kind == models.RateLimitExceeded:
		outcome = "rate_limited"
		r.lastErr = string(kind)
		until := r.quota.WindowStart.Add(r.cfg.Window())
		var fe *models.FetchError
		if errors.As(err, &fe) && now.Add(fe.RetryAfter).After(until) {
			until = now.Add(fe.RetryAfter)
		}
		r.blockedUntil = until
		r.nextAttempt = until
		r.setStateLocked(models.SourceCooling)
		wait = until.Sub(now)
		log.WithError(err).WithField("cooling_until", until).Warn("source rate limited; cooling")

	default:
		outcome = "failed"
		r.failures++
		r.lastErr = string(kind)
		if r.failures >= r.cfg.MaxRetries {
			r.degradedUntil = now.Add(r.cfg.DegradedCooldown())
			r.nextAttempt = r.degradedUntil
			r.setStateLocked(models.SourceDegraded)
			wait = r.cfg.DegradedCooldown()
			log.WithError(err).WithFields(logger.Fields{"failures": r.failures, "cooldown": wait}).Error("source degraded")
			metrics.EmitMetric(r.log, "scheduler", "source_degraded", 1, "counter", logger.Fields{"source": r.cfg.ID})
		} else {
			wait = r.retryDelayLocked()
			r.blockedUntil = now.Add(wait)
			r.nextAttempt = r.blockedUntil
			r.setStateLocked(models.SourceIdle)
			log.WithError(err).WithFields(logger.Fields{"attempt": r.failures, "retry_in": wait}).Warn("fetch failed; backing off")
		}
	}
	calls, cost := r.quota.CallsUsedInWindow, r.quota.CostUsedInBillingPeriod
	r.mu.Unlock()

	r.coll.ObserveFetch(r.cfg.ID, outcome, elapsed)
	r.coll.SetQuota(r.cfg.ID, calls, cost)

	if batch != nil {
		r.deliver(ctx, *batch)
	}
	return wait
}

// retryDelayLocked returns min(max, base*2^attempt) minus a bounded random
// jitter, never shorter than the previous delay in the same failure streak.
func (r *runner) retryDelayLocked() time.Duration {
	nominal := r.backoff.ForAttempt(float64(r.failures - 1))
	d := nominal
	if r.jitter > 0 {
		d -= time.Duration(r.rand() * r.jitter * float64(nominal))
	}
	if d < r.lastDelay {
		d = r.lastDelay
	}
	if ceiling := r.cfg.MaxBackoff(); d > ceiling {
		d = ceiling
	}
	r.lastDelay = d
	return d
}

func (r *runner) deliver(ctx context.Context, batch models.FetchBatch) {
	if !r.sink.SendRaw(ctx, batch) {
		r.entry().Warn("raw channel closed or cancelled; batch abandoned")
		return
	}
	r.coll.AddObservations(r.cfg.ID, len(batch.Observations))
	logger.IncrementFetch(r.cfg.ID, len(batch.Observations), 0)
	logger.LogDataFlowEntry(r.entry(), r.cfg.ID, "raw_channel", len(batch.Observations), string(batch.Kind))
	if r.notifyFn != nil {
		r.notifyFn(r.cfg.ID)
	}
}

func (r *runner) disable() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.enabled {
		return
	}
	r.enabled = false
	r.epoch++
	if r.state != models.SourceFetching {
		r.setStateLocked(models.SourceDisabled)
	}
}

func (r *runner) enable() {
	r.mu.Lock()
	if r.enabled {
		r.mu.Unlock()
		return
	}
	r.enabled = true
	r.failures = 0
	r.lastDelay = 0
	r.backoff.Reset()
	r.degradedUntil = time.Time{}
	if r.state != models.SourceFetching {
		r.setStateLocked(models.SourceIdle)
	}
	r.mu.Unlock()
	r.poke()
}

func (r *runner) health() models.SourceHealth {
	r.mu.Lock()
	defer r.mu.Unlock()
	return models.SourceHealth{
		SourceID:            r.cfg.ID,
		Kind:                models.SourceKind(r.cfg.Kind),
		Vendor:              r.cfg.Vendor,
		State:               r.state,
		Quota:               r.quota,
		MaxCallsPerWindow:   r.cfg.MaxCallsPerWindow,
		MaxCostPerPeriod:    r.cfg.MaxCostPerPeriod,
		ConsecutiveFailures: r.failures,
		LastError:           r.lastErr,
		LastSuccess:         r.lastSuccess,
		NextAttempt:         r.nextAttempt,
		Calls:               r.calls,
		Observations:        r.observations,
	}
}
