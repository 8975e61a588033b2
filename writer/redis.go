package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"fxflow/config"
	"fxflow/internal/metrics"
	"fxflow/logger"
	"fxflow/models"
)

type redisClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// RedisMirror keeps the latest snapshot of every pair in Redis and
// announces each one on a pub/sub channel.
type RedisMirror struct {
	base
	client redisClient
	prefix string
	ttl    time.Duration
}

func NewRedisMirror(cfg config.RedisConfig, source SnapshotSource, collector *metrics.Collector) *RedisMirror {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return newRedisMirror(cfg, client, source, collector)
}

func newRedisMirror(cfg config.RedisConfig, client redisClient, source SnapshotSource, collector *metrics.Collector) *RedisMirror {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "fxflow"
	}
	m := &RedisMirror{
		base:   newBase("redis_mirror", source, cfg.QueueSize, collector),
		client: client,
		prefix: prefix,
		ttl:    cfg.TTL,
	}
	m.log.WithComponent("redis_mirror").WithFields(logger.Fields{
		"addr":       cfg.Addr,
		"key_prefix": prefix,
		"ttl":        cfg.TTL,
	}).Info("redis mirror initialized")
	return m
}

// LatestKey is the key holding the latest snapshot of p.
func (m *RedisMirror) LatestKey(p models.Pair) string {
	return fmt.Sprintf("%s:latest:%s", m.prefix, pairKey(p))
}

// Channel is the pub/sub channel snapshots are announced on.
func (m *RedisMirror) Channel() string {
	return m.prefix + ":snapshots"
}

func (m *RedisMirror) Start(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.client.Ping(pingCtx).Err(); err != nil {
		m.log.WithComponent("redis_mirror").WithError(err).WithEnv("REDIS_ADDR").Warn("redis not reachable; writes will be retried per snapshot")
	}
	return m.start(ctx, m.write)
}

func (m *RedisMirror) write(ctx context.Context, snap models.MergedSnapshot) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := m.client.Set(ctx, m.LatestKey(snap.Pair), data, m.ttl).Err(); err != nil {
		return 0, fmt.Errorf("set %s: %w", m.LatestKey(snap.Pair), err)
	}
	if err := m.client.Publish(ctx, m.Channel(), data).Err(); err != nil {
		return 0, fmt.Errorf("publish %s: %w", m.Channel(), err)
	}
	return len(data), nil
}

func (m *RedisMirror) Stop() {
	m.stop()
	if err := m.client.Close(); err != nil {
		m.log.WithComponent("redis_mirror").WithError(err).Warn("failed to close redis client")
	}
}
