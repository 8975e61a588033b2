package logger

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

var (
	cwMu        sync.RWMutex
	cwClient    *cloudwatch.Client
	cwNamespace = "FXFlow"
	cwDashboard = "FXFlow"

	cwBatch *metricBatcher
)

const (
	cwQueueSize   = 2048
	cwBatchSize   = 500
	cwFlushPeriod = 10 * time.Second
	cwCallTimeout = 10 * time.Second
)

// metricBatcher owns every PutMetricData call made for EmitMetric so callers
// on the hot path only pay for a channel send.
type metricBatcher struct {
	queue   chan cwtypes.MetricDatum
	stop    chan struct{}
	done    chan struct{}
	period  time.Duration
	dropped int64
	mu      sync.Mutex
}

func newMetricBatcher(size int, period time.Duration) *metricBatcher {
	b := &metricBatcher{
		queue:  make(chan cwtypes.MetricDatum, size),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		period: period,
	}
	go b.run()
	return b
}

func (b *metricBatcher) enqueue(d cwtypes.MetricDatum) bool {
	select {
	case b.queue <- d:
		return true
	default:
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
		return false
	}
}

func (b *metricBatcher) run() {
	defer close(b.done)
	ticker := time.NewTicker(b.period)
	defer ticker.Stop()

	pending := make([]cwtypes.MetricDatum, 0, cwBatchSize)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), cwCallTimeout)
		publishMetrics(ctx, pending)
		cancel()
		pending = make([]cwtypes.MetricDatum, 0, cwBatchSize)
	}

	for {
		select {
		case d := <-b.queue:
			pending = append(pending, d)
			if len(pending) >= cwBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-b.stop:
			for {
				select {
				case d := <-b.queue:
					pending = append(pending, d)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (b *metricBatcher) close(ctx context.Context) error {
	close(b.stop)
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InitCloudWatch creates the CloudWatch client used for metric publishing.
// An empty region falls back to AWS_REGION. On failure publishing stays off.
func InitCloudWatch(ctx context.Context, region, namespace, dashboard string) {
	log := GetLogger().WithComponent("cloudwatch")

	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.WithError(err).Warn("failed to load AWS configuration; CloudWatch metrics disabled")
		return
	}

	cwMu.Lock()
	cwClient = cloudwatch.NewFromConfig(cfg)
	if namespace != "" {
		cwNamespace = namespace
	}
	if dashboard != "" {
		cwDashboard = dashboard
	}
	if cwBatch == nil {
		cwBatch = newMetricBatcher(cwQueueSize, cwFlushPeriod)
	}
	cwMu.Unlock()

	log.WithFields(Fields{"region": region, "namespace": namespace}).Info("initialized CloudWatch client")
	createDefaultDashboard(ctx)
}

// CloudWatchEnabled reports whether InitCloudWatch succeeded.
func CloudWatchEnabled() bool {
	cwMu.RLock()
	defer cwMu.RUnlock()
	return cwClient != nil
}

func publishMetrics(ctx context.Context, data []cwtypes.MetricDatum) {
	cwMu.RLock()
	client, ns := cwClient, cwNamespace
	cwMu.RUnlock()
	if client == nil || len(data) == 0 {
		return
	}

	log := GetLogger().WithComponent("cloudwatch")
	// PutMetricData accepts at most 1000 datums per call.
	for start := 0; start < len(data); start += 1000 {
		end := start + 1000
		if end > len(data) {
			end = len(data)
		}
		if _, err := client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(ns),
			MetricData: data[start:end],
		}); err != nil {
			log.WithError(err).Warn("failed to publish CloudWatch metrics")
			return
		}
	}

	names := make([]string, 0, len(data))
	for _, datum := range data {
		if datum.MetricName != nil {
			names = append(names, *datum.MetricName)
		}
	}
	log.WithField("metrics", strings.Join(names, ",")).Debug("published metrics to CloudWatch")
}

func createDefaultDashboard(ctx context.Context) {
	cwMu.RLock()
	client, ns, name := cwClient, cwNamespace, cwDashboard
	cwMu.RUnlock()
	if client == nil {
		return
	}

	body := fmt.Sprintf(`{
"widgets": [{
"type": "metric",
"width": 24,
"height": 6,
"properties": {
"metrics": [
    ["%[1]s","FXFlow-CPUPercent"],
    ["%[1]s","FXFlow-MemoryMB"],
    ["%[1]s","FXFlow-FetchCalls"],
    ["%[1]s","FXFlow-SnapshotsPublished"]
],
"period": 60,
"stat": "Average",
"title": "FXFlow Pipeline"
}
}]
}`, ns)

	if _, err := client.PutDashboard(ctx, &cloudwatch.PutDashboardInput{
		DashboardName: aws.String(name),
		DashboardBody: aws.String(body),
	}); err != nil {
		GetLogger().WithComponent("cloudwatch").WithError(err).Warn("failed to create CloudWatch dashboard")
	}
}

// PublishMetricData sends datums to CloudWatch when InitCloudWatch succeeded.
// It blocks for the round trip; hot paths use EnqueueMetricData.
func PublishMetricData(ctx context.Context, data []cwtypes.MetricDatum) {
	publishMetrics(ctx, data)
}

// EnqueueMetricData hands a datum to the background batcher without
// blocking. It returns false when CloudWatch is off or the queue is full.
func EnqueueMetricData(d cwtypes.MetricDatum) bool {
	cwMu.RLock()
	b := cwBatch
	cwMu.RUnlock()
	if b == nil {
		return false
	}
	return b.enqueue(d)
}

// ShutdownCloudWatch flushes queued datums and disables publishing.
func ShutdownCloudWatch(ctx context.Context) error {
	cwMu.Lock()
	b := cwBatch
	cwBatch = nil
	cwMu.Unlock()

	var err error
	if b != nil {
		err = b.close(ctx)
		b.mu.Lock()
		dropped := b.dropped
		b.mu.Unlock()
		if dropped > 0 {
			GetLogger().WithComponent("cloudwatch").WithField("dropped", dropped).Warn("CloudWatch metric queue overflowed")
		}
	}

	cwMu.Lock()
	cwClient = nil
	cwMu.Unlock()
	return err
}
