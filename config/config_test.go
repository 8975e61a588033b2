package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const minimalConfig = `fxflow:
  name: "fxflow-test"
  version: "1.0"
  pairs: ["USD/EUR", "usd-jpy"]
sources:
  - id: fixer-main
    kind: rates
    vendor: fixer
    poll_interval_ms: 60000
    max_calls_per_window: 10
    window_ms: 60000
  - id: news-main
    kind: news
    vendor: newsapi
    poll_interval_ms: 300000
  - id: sentiment-main
    kind: sentiment
    vendor: scores
    trigger_on: news-main
    score_min: 0
    score_max: 100
`

// writeTempConfig writes content to a temporary YAML file and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("APP_ENV", "")
	cfg, err := LoadConfig(writeTempConfig(t, minimalConfig))
	require.NoError(t, err)

	require.Equal(t, "fxflow-test", cfg.FXFlow.Name)
	require.Len(t, cfg.Sources, 3)
	require.Equal(t, 60*time.Second, cfg.Sources[0].PollInterval())
	require.Equal(t, 5, cfg.Sources[0].MaxRetries)
	require.Equal(t, int64(500), cfg.Sources[0].BaseBackoffMs)
	require.Equal(t, "monthly", cfg.Sources[0].BillingPeriod)
	require.True(t, cfg.Sources[0].IsEnabled())
	require.Equal(t, 20, cfg.Merge.NewsDepth)
	require.Equal(t, 6*time.Hour, cfg.Merge.SentimentHalfLife())
	require.Equal(t, float64(100), cfg.Sources[2].ScoreMax)

	pairs := cfg.TrackedPairs()
	require.Len(t, pairs, 2)
	require.Equal(t, "USD/JPY", string(pairs[1]))
}

func TestLoadConfigDefaultsPairs(t *testing.T) {
	t.Setenv("APP_ENV", "")
	cfg, err := LoadConfig(writeTempConfig(t, "fxflow:\n  name: a\n  version: b\n"))
	require.NoError(t, err)
	require.Len(t, cfg.TrackedPairs(), 6)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "")
	t.Setenv("FXFLOW_FIXER_MAIN_API_KEY", " secret ")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("REDIS_ADDR", "redis:6379")

	cfg, err := LoadConfig(writeTempConfig(t, minimalConfig))
	require.NoError(t, err)
	require.Equal(t, "secret", cfg.Sources[0].APIKey)
	require.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Sinks.Kafka.Brokers)
	require.Equal(t, "redis:6379", cfg.Sinks.Redis.Addr)
}

func TestLoadConfigProductionRequiresKeys(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	_, err := LoadConfig(writeTempConfig(t, minimalConfig))
	require.Error(t, err)
	require.Contains(t, err.Error(), "FXFLOW_FIXER_MAIN_API_KEY")
}

func TestValidateRejects(t *testing.T) {
	t.Setenv("APP_ENV", "")
	cases := map[string]string{
		"bad pair":        "fxflow: {name: a, version: b, pairs: [USDX]}\n",
		"unknown vendor":  "fxflow: {name: a, version: b}\nsources: [{id: x, kind: rates, vendor: nope, poll_interval_ms: 1}]\n",
		"kind mismatch":   "fxflow: {name: a, version: b}\nsources: [{id: x, kind: news, vendor: fixer, poll_interval_ms: 1}]\n",
		"no cadence":      "fxflow: {name: a, version: b}\nsources: [{id: x, kind: rates, vendor: yahoo}]\n",
		"unknown trigger": "fxflow: {name: a, version: b}\nsources: [{id: x, kind: sentiment, vendor: scores, trigger_on: y}]\n",
		"duplicate id":    "fxflow: {name: a, version: b}\nsources: [{id: x, kind: rates, vendor: yahoo, poll_interval_ms: 1}, {id: x, kind: rates, vendor: yahoo, poll_interval_ms: 1}]\n",
		"bad billing":     "fxflow: {name: a, version: b}\nsources: [{id: x, kind: rates, vendor: yahoo, poll_interval_ms: 1, billing_period: weekly}]\n",
		"s3 no bucket":    "fxflow: {name: a, version: b}\nsinks: {s3: {enabled: true, region: eu-west-1}}\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeTempConfig(t, content))
			require.Error(t, err)
		})
	}
}

func TestBillingPeriodStart(t *testing.T) {
	ts := time.Date(2024, 3, 17, 15, 4, 5, 0, time.UTC)

	monthly, err := ParseBillingPeriod("monthly")
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), monthly.Start(ts))

	daily, err := ParseBillingPeriod("daily")
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 3, 17, 0, 0, 0, 0, time.UTC), daily.Start(ts))

	hourly, err := ParseBillingPeriod("1h")
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 3, 17, 15, 0, 0, 0, time.UTC), hourly.Start(ts))
}

func TestResolvePath(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	require.NoError(t, os.MkdirAll("config", 0o755))
	require.NoError(t, os.WriteFile(DefaultPath, []byte("x"), 0o600))
	require.NoError(t, os.WriteFile("config/config.production.yml", []byte("x"), 0o600))

	t.Setenv("APP_ENV", "prod")
	require.Equal(t, "config/config.production.yml", ResolvePath(""))
	require.Equal(t, "other.yml", ResolvePath("other.yml"))

	t.Setenv("APP_ENV", "staging")
	require.Equal(t, DefaultPath, ResolvePath(DefaultPath))
}
