package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"fxflow/config"
	"fxflow/internal/metrics"
	"fxflow/logger"
	"fxflow/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher emits every snapshot as a keyed event. Keys are the pair so
// the hash balancer keeps each pair on one partition, in publish order.
type KafkaPublisher struct {
	base
	writer messageWriter
	topic  string
}

func NewKafkaPublisher(cfg config.KafkaConfig, source SnapshotSource, collector *metrics.Collector) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	// Each WriteMessages call carries one snapshot. A batch of one is full
	// immediately, so the call never waits out BatchTimeout.
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    1,
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequireOne,
	}
	p := newKafkaPublisher(cfg, w, source, collector)
	p.log.WithComponent("kafka_publisher").WithFields(logger.Fields{
		"brokers": cfg.Brokers,
		"topic":   cfg.Topic,
	}).Info("kafka publisher initialized")
	return p, nil
}

func newKafkaPublisher(cfg config.KafkaConfig, w messageWriter, source SnapshotSource, collector *metrics.Collector) *KafkaPublisher {
	return &KafkaPublisher{
		base:   newBase("kafka_publisher", source, cfg.QueueSize, collector),
		writer: w,
		topic:  cfg.Topic,
	}
}

func (p *KafkaPublisher) Start(ctx context.Context) error {
	return p.start(ctx, p.write)
}

func (p *KafkaPublisher) write(ctx context.Context, snap models.MergedSnapshot) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(snap.Pair),
		Value: data,
		Time:  snap.PublishedAt,
		Headers: []kafka.Header{
			{Key: "as_of", Value: []byte(snap.AsOf.UTC().Format(time.RFC3339Nano))},
			{Key: "sequence", Value: []byte(strconv.FormatUint(snap.Sequence, 10))},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return 0, fmt.Errorf("write to %s: %w", p.topic, err)
	}
	return len(data), nil
}

func (p *KafkaPublisher) Stop() {
	p.stop()
	if err := p.writer.Close(); err != nil {
		p.log.WithComponent("kafka_publisher").WithError(err).Warn("failed to close kafka writer")
	}
}
