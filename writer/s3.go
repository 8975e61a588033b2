package writer

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"fxflow/config"
	"fxflow/internal/metadata"
	"fxflow/internal/metrics"
	"fxflow/logger"
	"fxflow/models"
)

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver buffers snapshots per pair and uploads them as parquet objects
// partitioned by pair and hour. Objects that fail to upload are spooled to
// local disk when a spool directory is configured.
type S3Archiver struct {
	base
	cfg     config.S3Config
	client  objectPutter
	meta    *metadata.Generator
	version string
	now     func() time.Time

	bufMu    sync.Mutex
	buffer   map[models.Pair][]SnapshotRecord
	buffered int

	ctx     context.Context
	cancel  context.CancelFunc
	flushWg sync.WaitGroup

	filesWritten int64
	rowsWritten  int64
	filesSpooled int64
	errorsCount  int64
}

// NewS3Archiver loads AWS configuration and builds the S3 client.
func NewS3Archiver(ctx context.Context, cfg config.S3Config, version string, source SnapshotSource, collector *metrics.Collector) (*S3Archiver, error) {
	log := logger.GetLogger()

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		log.WithComponent("s3_archiver").WithError(err).Warn("failed to load AWS configuration")
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	a := newS3Archiver(cfg, client, version, source, collector)
	log.WithComponent("s3_archiver").WithFields(logger.Fields{
		"bucket":     cfg.Bucket,
		"region":     cfg.Region,
		"endpoint":   cfg.Endpoint,
		"path_style": cfg.PathStyle,
	}).Info("s3 archiver initialized")
	return a, nil
}

func newS3Archiver(cfg config.S3Config, client objectPutter, version string, source SnapshotSource, collector *metrics.Collector) *S3Archiver {
	a := &S3Archiver{
		base:    newBase("s3_archiver", source, cfg.QueueSize, collector),
		cfg:     cfg,
		client:  client,
		version: version,
		now:     func() time.Time { return time.Now().UTC() },
		buffer:  make(map[models.Pair][]SnapshotRecord),
	}
	if cfg.ManifestDir != "" {
		location := "s3://" + cfg.Bucket
		if cfg.Prefix != "" {
			location += "/" + strings.Trim(cfg.Prefix, "/")
		}
		a.meta = metadata.NewGenerator(cfg.ManifestDir, location, "fx_snapshots")
	}
	return a
}

func (a *S3Archiver) Start(ctx context.Context) error {
	if err := a.start(ctx, a.add); err != nil {
		return err
	}
	a.ctx = ctx
	flushCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	interval := a.cfg.FlushInterval
	if interval <= 0 {
		interval = time.Minute
	}
	a.flushWg.Add(1)
	go a.flushWorker(flushCtx, interval)
	return nil
}

func (a *S3Archiver) add(ctx context.Context, snap models.MergedSnapshot) (int, error) {
	a.bufMu.Lock()
	a.buffer[snap.Pair] = append(a.buffer[snap.Pair], toRecord(snap))
	a.buffered++
	full := a.cfg.BatchSize > 0 && a.buffered >= a.cfg.BatchSize
	a.bufMu.Unlock()

	if full {
		a.flush(ctx, "size_threshold")
	}
	return 0, nil
}

func (a *S3Archiver) flushWorker(ctx context.Context, interval time.Duration) {
	defer a.flushWg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log := a.log.WithComponent("s3_archiver").WithField("worker", "flush")
	for {
		select {
		case <-ctx.Done():
			log.Info("flush worker stopped due to context cancellation")
			return
		case <-ticker.C:
			a.flush(ctx, "interval")
		}
	}
}

// flush uploads every buffered pair as one object.
func (a *S3Archiver) flush(ctx context.Context, reason string) {
	a.bufMu.Lock()
	buffers := a.buffer
	a.buffer = make(map[models.Pair][]SnapshotRecord)
	a.buffered = 0
	a.bufMu.Unlock()
	if len(buffers) == 0 {
		return
	}

	a.log.WithComponent("s3_archiver").WithFields(logger.Fields{
		"flushed_buffers": len(buffers),
		"reason":          reason,
	}).Info("flushing buffers")

	pairs := make([]models.Pair, 0, len(buffers))
	for p := range buffers {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i] < pairs[j] })

	ts := a.now()
	var files []metadata.DataFile
	for _, p := range pairs {
		if df, ok := a.writeObject(context.WithoutCancel(ctx), p, buffers[p], ts); ok {
			files = append(files, df)
		}
	}
	if a.meta != nil && len(files) > 0 {
		if err := a.meta.AddFiles(files...); err != nil {
			a.log.WithComponent("s3_archiver").WithError(err).Warn("failed to update archive manifest")
		}
	}
}

func (a *S3Archiver) writeObject(ctx context.Context, p models.Pair, rows []SnapshotRecord, ts time.Time) (metadata.DataFile, bool) {
	key := a.objectKey(p, ts)
	log := a.log.WithComponent("s3_archiver").WithFields(logger.Fields{
		"pair":         string(p),
		"s3_key":       key,
		"record_count": len(rows),
		"operation":    "write_object",
	})

	data, err := encodeParquet(rows, a.cfg.Compression)
	if err != nil {
		atomic.AddInt64(&a.errorsCount, 1)
		log.WithError(err).Error("failed to create parquet file")
		return metadata.DataFile{}, false
	}

	if err := a.upload(ctx, key, data); err != nil {
		atomic.AddInt64(&a.errorsCount, 1)
		a.collector.SinkWrite(a.name, "upload_error")
		log.WithError(err).WithEnv("S3_BUCKET").WithField("bucket", a.cfg.Bucket).Error("failed to upload to S3")
		a.spool(log, key, rows)
		return metadata.DataFile{}, false
	}

	atomic.AddInt64(&a.filesWritten, 1)
	atomic.AddInt64(&a.rowsWritten, int64(len(rows)))
	logger.IncrementSinkWrite(a.name, len(data))
	a.log.LogMetric("s3_archiver", "rows_written", int64(len(rows)), "counter", logger.Fields{"pair": string(p)})
	log.WithField("file_size", len(data)).Info("archive object uploaded")

	return metadata.DataFile{
		Path:        fmt.Sprintf("s3://%s/%s", a.cfg.Bucket, key),
		FileSize:    int64(len(data)),
		RecordCount: int64(len(rows)),
		Partition: map[string]any{
			"pair": string(p),
			"date": ts.Format("2006-01-02"),
			"hour": ts.Hour(),
		},
		Timestamp: ts,
	}, true
}

func (a *S3Archiver) spool(log *logger.Entry, key string, rows []SnapshotRecord) {
	if a.cfg.SpoolDir == "" {
		return
	}
	path, err := spoolParquet(a.cfg.SpoolDir, key, rows, a.cfg.Compression)
	if err != nil {
		log.WithError(err).Error("failed to spool archive object")
		return
	}
	atomic.AddInt64(&a.filesSpooled, 1)
	log.WithField("spool_path", path).Warn("archive object spooled to local disk")
}

// objectKey returns prefix/pair=USD-EUR/year=YYYY/month=MM/day=DD/hour=HH/<file>.parquet.
func (a *S3Archiver) objectKey(p models.Pair, ts time.Time) string {
	name := fmt.Sprintf("fxflow_%s_%s_%s.parquet", pairKey(p), ts.Format("20060102150405"), uuid.NewString()[:8])
	return path.Join(
		strings.Trim(a.cfg.Prefix, "/"),
		"pair="+pairKey(p),
		fmt.Sprintf("year=%04d", ts.Year()),
		fmt.Sprintf("month=%02d", ts.Month()),
		fmt.Sprintf("day=%02d", ts.Day()),
		fmt.Sprintf("hour=%02d", ts.Hour()),
		name,
	)
}

func (a *S3Archiver) upload(ctx context.Context, key string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":   "parquet",
			"compression":    a.cfg.Compression,
			"fxflow-version": a.version,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", a.cfg.Bucket, err)
	}
	return nil
}

// Stop drains the subscription, then flushes whatever is buffered.
func (a *S3Archiver) Stop() {
	a.stop()
	if a.cancel != nil {
		a.cancel()
	}
	a.flushWg.Wait()
	parent := a.ctx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), drainTimeout)
	defer cancel()
	a.flush(ctx, "shutdown")
	a.log.WithComponent("s3_archiver").WithFields(logger.Fields{
		"files_written": atomic.LoadInt64(&a.filesWritten),
		"rows_written":  atomic.LoadInt64(&a.rowsWritten),
		"files_spooled": atomic.LoadInt64(&a.filesSpooled),
		"errors":        atomic.LoadInt64(&a.errorsCount),
	}).Info("s3 archiver stopped")
}
