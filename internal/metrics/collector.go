package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the Prometheus series exported on /metrics. A nil
// *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	fetchTotal        *prometheus.CounterVec
	fetchLatency      *prometheus.HistogramVec
	observationsTotal *prometheus.CounterVec
	quotaExhausted    *prometheus.CounterVec
	sourceState       *prometheus.GaugeVec
	quotaCalls        *prometheus.GaugeVec
	quotaCost         *prometheus.GaugeVec

	recordsDropped     *prometheus.CounterVec
	snapshotsPublished *prometheus.CounterVec
	pairQueueDepth     *prometheus.GaugeVec
	rawChannelDepth    prometheus.Gauge

	subscribers       prometheus.Gauge
	subscriberDropped prometheus.Counter
	sinkWrites        *prometheus.CounterVec
}

// NewCollector builds a collector on its own registry.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "fxflow"
	}
	c := &Collector{registry: prometheus.NewRegistry()}

	c.fetchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "scheduler", Name: "fetch_total",
		Help: "Vendor fetch attempts by outcome",
	}, []string{"source", "outcome"})
	c.fetchLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "scheduler", Name: "fetch_duration_seconds",
		Help:    "Vendor fetch latency",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"source"})
	c.observationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "scheduler", Name: "observations_total",
		Help: "Raw observations delivered to the merge engine",
	}, []string{"source"})
	c.quotaExhausted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "scheduler", Name: "quota_exhausted_total",
		Help: "Fetches deferred because the billing budget would be exceeded",
	}, []string{"source"})
	c.sourceState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "scheduler", Name: "source_state",
		Help: "1 for the current state of each source",
	}, []string{"source", "state"})
	c.quotaCalls = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "scheduler", Name: "quota_calls_in_window",
		Help: "Calls used in the current quota window",
	}, []string{"source"})
	c.quotaCost = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "scheduler", Name: "quota_cost_in_period",
		Help: "Cost used in the current billing period",
	}, []string{"source"})

	c.recordsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "merge", Name: "records_dropped_total",
		Help: "Records dropped during normalisation or merge",
	}, []string{"source", "reason"})
	c.snapshotsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "store", Name: "snapshots_published_total",
		Help: "Snapshots published per pair",
	}, []string{"pair"})
	c.pairQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "merge", Name: "pair_queue_depth",
		Help: "Records waiting in each pair intake queue",
	}, []string{"pair"})
	c.rawChannelDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "merge", Name: "raw_channel_depth",
		Help: "Fetch batches waiting for the router",
	})

	c.subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "store", Name: "subscribers",
		Help: "Active snapshot subscriptions",
	})
	c.subscriberDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "store", Name: "subscriber_dropped_total",
		Help: "Snapshots evicted from full subscriber queues",
	})
	c.sinkWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "sink", Name: "writes_total",
		Help: "Sink writes by outcome",
	}, []string{"sink", "outcome"})

	c.registry.MustRegister(
		c.fetchTotal, c.fetchLatency, c.observationsTotal, c.quotaExhausted,
		c.sourceState, c.quotaCalls, c.quotaCost,
		c.recordsDropped, c.snapshotsPublished, c.pairQueueDepth, c.rawChannelDepth,
		c.subscribers, c.subscriberDropped, c.sinkWrites,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry exposes the underlying registry for tests and custom handlers.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) ObserveFetch(source, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.fetchTotal.WithLabelValues(source, outcome).Inc()
	c.fetchLatency.WithLabelValues(source).Observe(d.Seconds())
}

func (c *Collector) AddObservations(source string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.observationsTotal.WithLabelValues(source).Add(float64(n))
}

func (c *Collector) QuotaExhausted(source string) {
	if c == nil {
		return
	}
	c.quotaExhausted.WithLabelValues(source).Inc()
}

// SetSourceState marks state as current for source and clears the others.
func (c *Collector) SetSourceState(source, state string, all []string) {
	if c == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		c.sourceState.WithLabelValues(source, s).Set(v)
	}
}

func (c *Collector) SetQuota(source string, calls int, cost float64) {
	if c == nil {
		return
	}
	c.quotaCalls.WithLabelValues(source).Set(float64(calls))
	c.quotaCost.WithLabelValues(source).Set(cost)
}

func (c *Collector) RecordDropped(source string, reason DropReason) {
	if c == nil {
		return
	}
	c.recordsDropped.WithLabelValues(source, string(reason)).Inc()
}

func (c *Collector) SnapshotPublished(pair string) {
	if c == nil {
		return
	}
	c.snapshotsPublished.WithLabelValues(pair).Inc()
}

func (c *Collector) SetPairQueueDepth(pair string, n int) {
	if c == nil {
		return
	}
	c.pairQueueDepth.WithLabelValues(pair).Set(float64(n))
}

func (c *Collector) SetRawChannelDepth(n int) {
	if c == nil {
		return
	}
	c.rawChannelDepth.Set(float64(n))
}

func (c *Collector) SetSubscribers(n int) {
	if c == nil {
		return
	}
	c.subscribers.Set(float64(n))
}

func (c *Collector) SubscriberDropped() {
	if c == nil {
		return
	}
	c.subscriberDropped.Inc()
}

func (c *Collector) SinkWrite(sink, outcome string) {
	if c == nil {
		return
	}
	c.sinkWrites.WithLabelValues(sink, outcome).Inc()
}
