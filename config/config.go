package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"fxflow/internal/symbols"
	"fxflow/models"
)

type Config struct {
	FXFlow    FXFlowConfig    `yaml:"fxflow"`
	Logging   LoggingConfig   `yaml:"logging"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Sources   []SourceConfig  `yaml:"sources"`
	Merge     MergeConfig     `yaml:"merge"`
	Store     StoreConfig     `yaml:"store"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Sinks     SinksConfig     `yaml:"sinks"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type FXFlowConfig struct {
	Name    string   `yaml:"name"`
	Version string   `yaml:"version"`
	Pairs   []string `yaml:"pairs"`
}

type LoggingConfig struct {
	Level          string        `yaml:"level"`
	Format         string        `yaml:"format"`
	Output         string        `yaml:"output"`
	MaxAge         int           `yaml:"max_age"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

type ChannelsConfig struct {
	RawBuffer int `yaml:"raw_buffer"`
	PairQueue int `yaml:"pair_queue"`
}

// SchedulerConfig holds defaults applied to sources that leave the matching
// per-source field unset.
type SchedulerConfig struct {
	FetchTimeout     time.Duration `yaml:"fetch_timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	BaseBackoff      time.Duration `yaml:"base_backoff"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
	JitterFraction   float64       `yaml:"jitter_fraction"`
	DegradedCooldown time.Duration `yaml:"degraded_cooldown"`
	AlignTimers      bool          `yaml:"align_timers"`
}

// SourceConfig describes one vendor endpoint. Millisecond fields follow the
// naming used in vendor contracts.
type SourceConfig struct {
	ID       string            `yaml:"id"`
	Kind     string            `yaml:"kind"`
	Vendor   string            `yaml:"vendor"`
	Enabled  *bool             `yaml:"enabled"`
	Priority int               `yaml:"priority"`
	BaseURL  string            `yaml:"base_url"`
	APIKey   string            `yaml:"api_key"`
	Pairs    []string          `yaml:"pairs"`
	Params   map[string]string `yaml:"params"`

	PollIntervalMs     int64 `yaml:"poll_interval_ms"`
	MaxCallsPerWindow  int   `yaml:"max_calls_per_window"`
	WindowMs           int64 `yaml:"window_ms"`
	MaxCallsPerMinute  int   `yaml:"max_calls_per_minute"`
	MaxCallsPerDay     int   `yaml:"max_calls_per_day"`
	MaxRetries         int   `yaml:"max_retries"`
	BaseBackoffMs      int64 `yaml:"base_backoff_ms"`
	MaxBackoffMs       int64 `yaml:"max_backoff_ms"`
	DegradedCooldownMs int64 `yaml:"degraded_cooldown_ms"`
	TimeoutMs          int64 `yaml:"timeout_ms"`

	CostPerCall      float64 `yaml:"cost_per_call"`
	CostPerItem      float64 `yaml:"cost_per_item"`
	MaxCostPerPeriod float64 `yaml:"max_cost_per_period"`
	BillingPeriod    string  `yaml:"billing_period"`

	TriggerOn string  `yaml:"trigger_on"`
	ScoreMin  float64 `yaml:"score_min"`
	ScoreMax  float64 `yaml:"score_max"`
}

type MergeConfig struct {
	NewsDepth           int           `yaml:"news_depth"`
	SentimentDepth      int           `yaml:"sentiment_depth"`
	SentimentHalfLifeMs int64         `yaml:"sentiment_half_life_ms"`
	ClockSkewTolerance  time.Duration `yaml:"clock_skew_tolerance"`
}

type StoreConfig struct {
	HistoryRetention int           `yaml:"history_retention"`
	HistoryMaxAge    time.Duration `yaml:"history_max_age"`
	SubscriberQueue  int           `yaml:"subscriber_queue"`
}

type GatewayConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	HistoryLimit    int           `yaml:"history_limit"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	RecentEvents    int           `yaml:"recent_events"`
	ResourceSample  time.Duration `yaml:"resource_sample"`
}

type SinksConfig struct {
	Redis RedisConfig `yaml:"redis"`
	S3    S3Config    `yaml:"s3"`
	Kafka KafkaConfig `yaml:"kafka"`
}

type RedisConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
	QueueSize int           `yaml:"queue_size"`
}

type S3Config struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	PathStyle       bool          `yaml:"path_style"`
	Prefix          string        `yaml:"prefix"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	Compression     string        `yaml:"compression"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	BatchSize       int           `yaml:"batch_size"`
	QueueSize       int           `yaml:"queue_size"`
	SpoolDir        string        `yaml:"spool_dir"`
	ManifestDir     string        `yaml:"manifest_dir"`
}

type KafkaConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	QueueSize    int           `yaml:"queue_size"`
}

type MetricsConfig struct {
	Prometheus bool   `yaml:"prometheus"`
	CloudWatch bool   `yaml:"cloudwatch"`
	Region     string `yaml:"region"`
	Namespace  string `yaml:"namespace"`
	Dashboard  string `yaml:"dashboard"`
}

// IsEnabled reports whether the source should be scheduled. Sources are
// enabled unless explicitly turned off.
func (s SourceConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

func ms(v int64) time.Duration { return time.Duration(v) * time.Millisecond }

func (s SourceConfig) PollInterval() time.Duration     { return ms(s.PollIntervalMs) }
func (s SourceConfig) Window() time.Duration           { return ms(s.WindowMs) }
func (s SourceConfig) BaseBackoff() time.Duration      { return ms(s.BaseBackoffMs) }
func (s SourceConfig) MaxBackoff() time.Duration       { return ms(s.MaxBackoffMs) }
func (s SourceConfig) DegradedCooldown() time.Duration { return ms(s.DegradedCooldownMs) }
func (s SourceConfig) Timeout() time.Duration          { return ms(s.TimeoutMs) }

func (m MergeConfig) SentimentHalfLife() time.Duration { return ms(m.SentimentHalfLifeMs) }

// TrackedPairs returns the parsed top-level pair list.
func (c *Config) TrackedPairs() []models.Pair {
	pairs, err := symbols.ParsePairs(c.FXFlow.Pairs)
	if err != nil {
		return nil
	}
	return pairs
}

// SourcePairs returns the pairs a source fetches, falling back to the
// tracked pairs.
func (c *Config) SourcePairs(s SourceConfig) []models.Pair {
	if len(s.Pairs) == 0 {
		return c.TrackedPairs()
	}
	pairs, err := symbols.ParsePairs(s.Pairs)
	if err != nil {
		return nil
	}
	return pairs
}

func defaultConfig() Config {
	return Config{
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		Channels: ChannelsConfig{
			RawBuffer: 256,
			PairQueue: 1024,
		},
		Scheduler: SchedulerConfig{
			FetchTimeout:     10 * time.Second,
			MaxRetries:       5,
			BaseBackoff:      500 * time.Millisecond,
			MaxBackoff:       60 * time.Second,
			JitterFraction:   0.2,
			DegradedCooldown: 5 * time.Minute,
			AlignTimers:      true,
		},
		Merge: MergeConfig{
			NewsDepth:           20,
			SentimentDepth:      64,
			SentimentHalfLifeMs: int64((6 * time.Hour) / time.Millisecond),
			ClockSkewTolerance:  2 * time.Second,
		},
		Store: StoreConfig{
			HistoryRetention: 1000,
			SubscriberQueue:  64,
		},
		Gateway: GatewayConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 5 * time.Second,
			HistoryLimit:    500,
			PingInterval:    30 * time.Second,
			RecentEvents:    200,
			ResourceSample:  5 * time.Second,
		},
		Sinks: SinksConfig{
			Redis: RedisConfig{Addr: "localhost:6379", KeyPrefix: "fxflow", QueueSize: 256},
			S3:    S3Config{Compression: "snappy", FlushInterval: time.Minute, BatchSize: 500, QueueSize: 1024},
			Kafka: KafkaConfig{Topic: "fxflow.snapshots", BatchTimeout: time.Second, QueueSize: 256},
		},
		Metrics: MetricsConfig{Prometheus: true, Namespace: "FXFlow", Dashboard: "FXFlow"},
	}
}

// LoadConfig reads the YAML file at path, applies defaults and environment
// overrides, and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if len(cfg.FXFlow.Pairs) == 0 {
		for _, p := range models.DefaultPairs {
			cfg.FXFlow.Pairs = append(cfg.FXFlow.Pairs, string(p))
		}
	}
	for i := range cfg.Sources {
		applySourceDefaults(&cfg.Sources[i], cfg.Scheduler)
	}
	applyEnvOverrides(&cfg)

	if err := validateConfig(&cfg, getAppEnvironment()); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func applySourceDefaults(s *SourceConfig, sched SchedulerConfig) {
	s.ID = strings.TrimSpace(s.ID)
	s.Kind = strings.ToLower(strings.TrimSpace(s.Kind))
	s.Vendor = strings.ToLower(strings.TrimSpace(s.Vendor))
	if s.Priority == 0 {
		s.Priority = 100
	}
	if s.WindowMs == 0 {
		s.WindowMs = int64(time.Minute / time.Millisecond)
	}
	if s.MaxRetries == 0 {
		s.MaxRetries = sched.MaxRetries
	}
	if s.BaseBackoffMs == 0 {
		s.BaseBackoffMs = int64(sched.BaseBackoff / time.Millisecond)
	}
	if s.MaxBackoffMs == 0 {
		s.MaxBackoffMs = int64(sched.MaxBackoff / time.Millisecond)
	}
	if s.DegradedCooldownMs == 0 {
		s.DegradedCooldownMs = int64(sched.DegradedCooldown / time.Millisecond)
	}
	if s.TimeoutMs == 0 {
		s.TimeoutMs = int64(sched.FetchTimeout / time.Millisecond)
	}
	if s.BillingPeriod == "" {
		s.BillingPeriod = "monthly"
	}
	if s.Kind == string(models.SourceKindSentiment) && s.ScoreMin == 0 && s.ScoreMax == 0 {
		s.ScoreMin, s.ScoreMax = -1, 1
	}
}

var envKeyReplacer = regexp.MustCompile(`[^A-Z0-9]+`)

// SourceKeyEnv returns the environment variable that overrides a source's
// API key, e.g. FXFLOW_NEWSAPI_MAIN_API_KEY for id "newsapi-main".
func SourceKeyEnv(id string) string {
	return "FXFLOW_" + envKeyReplacer.ReplaceAllString(strings.ToUpper(id), "_") + "_API_KEY"
}

func applyEnvOverrides(cfg *Config) {
	for i := range cfg.Sources {
		if v := os.Getenv(SourceKeyEnv(cfg.Sources[i].ID)); v != "" {
			cfg.Sources[i].APIKey = strings.TrimSpace(v)
		}
	}

	s3 := &cfg.Sinks.S3
	if s3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			s3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			s3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			s3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			s3.Bucket = strings.TrimSpace(v)
		}
		s3.Bucket = strings.TrimSpace(s3.Bucket)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Sinks.Redis.Addr = strings.TrimSpace(v)
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		cfg.Sinks.Kafka.Brokers = brokers
	}
}

var vendorKinds = map[string]string{
	"fixer":   string(models.SourceKindRates),
	"yahoo":   string(models.SourceKindRates),
	"newsapi": string(models.SourceKindNews),
	"finnhub": string(models.SourceKindNews),
	"scores":  string(models.SourceKindSentiment),
}

var keyedVendors = map[string]bool{"fixer": true, "newsapi": true, "finnhub": true, "scores": true}

func validateConfig(cfg *Config, env string) error {
	if cfg.FXFlow.Name == "" {
		return fmt.Errorf("fxflow.name is required")
	}
	if cfg.FXFlow.Version == "" {
		return fmt.Errorf("fxflow.version is required")
	}
	if _, err := symbols.ParsePairs(cfg.FXFlow.Pairs); err != nil {
		return fmt.Errorf("fxflow.pairs: %w", err)
	}
	if cfg.Channels.RawBuffer <= 0 {
		return fmt.Errorf("channels.raw_buffer must be greater than 0")
	}
	if cfg.Channels.PairQueue <= 0 {
		return fmt.Errorf("channels.pair_queue must be greater than 0")
	}
	if cfg.Scheduler.JitterFraction < 0 || cfg.Scheduler.JitterFraction >= 1 {
		return fmt.Errorf("scheduler.jitter_fraction must be in [0,1)")
	}
	if cfg.Merge.NewsDepth <= 0 {
		return fmt.Errorf("merge.news_depth must be greater than 0")
	}
	if cfg.Merge.SentimentDepth <= 0 {
		return fmt.Errorf("merge.sentiment_depth must be greater than 0")
	}
	if cfg.Merge.SentimentHalfLifeMs <= 0 {
		return fmt.Errorf("merge.sentiment_half_life_ms must be greater than 0")
	}
	if cfg.Merge.ClockSkewTolerance < 0 {
		return fmt.Errorf("merge.clock_skew_tolerance must not be negative")
	}
	if cfg.Store.HistoryRetention <= 0 {
		return fmt.Errorf("store.history_retention must be greater than 0")
	}
	if cfg.Store.SubscriberQueue <= 0 {
		return fmt.Errorf("store.subscriber_queue must be greater than 0")
	}

	ids := make(map[string]bool, len(cfg.Sources))
	for i, s := range cfg.Sources {
		if err := validateSource(s, env); err != nil {
			return fmt.Errorf("sources[%d]: %w", i, err)
		}
		if ids[s.ID] {
			return fmt.Errorf("sources[%d]: duplicate id %q", i, s.ID)
		}
		ids[s.ID] = true
	}
	for i, s := range cfg.Sources {
		if s.TriggerOn != "" && !ids[s.TriggerOn] {
			return fmt.Errorf("sources[%d]: trigger_on references unknown source %q", i, s.TriggerOn)
		}
		if s.TriggerOn == s.ID && s.ID != "" {
			return fmt.Errorf("sources[%d]: source cannot trigger itself", i)
		}
	}

	if cfg.Sinks.S3.Enabled {
		s3 := cfg.Sinks.S3
		if s3.Bucket == "" {
			return fmt.Errorf("sinks.s3.bucket is required when S3 is enabled")
		}
		if s3.Region == "" {
			return fmt.Errorf("sinks.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(s3.Bucket) {
			return fmt.Errorf("sinks.s3.bucket '%s' is invalid", s3.Bucket)
		}
	}
	if cfg.Sinks.Kafka.Enabled && len(cfg.Sinks.Kafka.Brokers) == 0 {
		return fmt.Errorf("sinks.kafka.brokers is required when Kafka is enabled")
	}
	if cfg.Sinks.Redis.Enabled && cfg.Sinks.Redis.Addr == "" {
		return fmt.Errorf("sinks.redis.addr is required when Redis is enabled")
	}
	return nil
}

func validateSource(s SourceConfig, env string) error {
	if s.ID == "" {
		return fmt.Errorf("id is required")
	}
	kind, ok := vendorKinds[s.Vendor]
	if !ok {
		return fmt.Errorf("source %s: unsupported vendor %q", s.ID, s.Vendor)
	}
	if s.Kind == "" {
		return fmt.Errorf("source %s: kind is required", s.ID)
	}
	if s.Kind != kind {
		return fmt.Errorf("source %s: vendor %s serves %s, not %s", s.ID, s.Vendor, kind, s.Kind)
	}
	if s.PollIntervalMs < 0 {
		return fmt.Errorf("source %s: poll_interval_ms must not be negative", s.ID)
	}
	if s.PollIntervalMs == 0 && s.TriggerOn == "" {
		return fmt.Errorf("source %s: poll_interval_ms is required unless trigger_on is set", s.ID)
	}
	if s.MaxCallsPerWindow < 0 || s.MaxCallsPerDay < 0 || s.MaxCallsPerMinute < 0 {
		return fmt.Errorf("source %s: call ceilings must not be negative", s.ID)
	}
	if s.WindowMs <= 0 {
		return fmt.Errorf("source %s: window_ms must be greater than 0", s.ID)
	}
	if s.BaseBackoffMs <= 0 || s.MaxBackoffMs < s.BaseBackoffMs {
		return fmt.Errorf("source %s: need 0 < base_backoff_ms <= max_backoff_ms", s.ID)
	}
	if s.MaxRetries <= 0 {
		return fmt.Errorf("source %s: max_retries must be greater than 0", s.ID)
	}
	if s.TimeoutMs <= 0 {
		return fmt.Errorf("source %s: timeout_ms must be greater than 0", s.ID)
	}
	if s.CostPerCall < 0 || s.CostPerItem < 0 || s.MaxCostPerPeriod < 0 {
		return fmt.Errorf("source %s: costs must not be negative", s.ID)
	}
	if _, err := ParseBillingPeriod(s.BillingPeriod); err != nil {
		return fmt.Errorf("source %s: %w", s.ID, err)
	}
	if s.Kind == string(models.SourceKindSentiment) && s.ScoreMax <= s.ScoreMin {
		return fmt.Errorf("source %s: score_max must be greater than score_min", s.ID)
	}
	if _, err := symbols.ParsePairs(s.Pairs); err != nil {
		return fmt.Errorf("source %s: %w", s.ID, err)
	}
	if IsProductionLike(env) && s.IsEnabled() && keyedVendors[s.Vendor] && s.APIKey == "" {
		return fmt.Errorf("source %s: api key is required (set %s)", s.ID, SourceKeyEnv(s.ID))
	}
	return nil
}

// BillingPeriod identifies how a source's cost budget resets.
type BillingPeriod struct {
	Calendar string
	Every    time.Duration
}

// ParseBillingPeriod accepts "monthly", "daily" or a Go duration.
func ParseBillingPeriod(s string) (BillingPeriod, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "monthly":
		return BillingPeriod{Calendar: "monthly"}, nil
	case "daily":
		return BillingPeriod{Calendar: "daily"}, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return BillingPeriod{}, fmt.Errorf("invalid billing_period %q", s)
	}
	return BillingPeriod{Every: d}, nil
}

// Start returns the beginning of the billing period containing t.
func (b BillingPeriod) Start(t time.Time) time.Time {
	t = t.UTC()
	switch b.Calendar {
	case "monthly":
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	case "daily":
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
	return t.Truncate(b.Every)
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
