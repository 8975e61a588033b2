package processor

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fxflow/config"
	"fxflow/models"
)

var fetchedAt = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func testNormalizer() *Normalizer {
	sources := []config.SourceConfig{
		{ID: "scores-pct", Kind: "sentiment", Vendor: "scores", ScoreMin: 0, ScoreMax: 100},
		{ID: "scores", Kind: "sentiment", Vendor: "scores", ScoreMin: -1, ScoreMax: 1},
	}
	return NewNormalizer(models.DefaultPairs, sources, 2*time.Second)
}

func obs(source, vendor, payload string) models.RawObservation {
	return models.RawObservation{SourceID: source, Vendor: vendor, Payload: []byte(payload), FetchedAt: fetchedAt}
}

func requireMergeKind(t *testing.T, err error, want models.MergeErrorKind) {
	t.Helper()
	require.Error(t, err)
	kind, ok := models.MergeErrorKindOf(err)
	require.True(t, ok, "expected a merge error, got %v", err)
	assert.Equal(t, want, kind)
}

func TestNormalizeFixerTick(t *testing.T) {
	n := testNormalizer()
	ts := fetchedAt.Add(-time.Minute).Unix()
	rec, err := n.Normalize(obs("fixer", "fixer", `{"pair":"USD/EUR","base":"EUR","rate":1.0545,"timestamp":`+itoa(ts)+`}`), fetchedAt.Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, models.RecordRateTick, rec.Kind)
	assert.Equal(t, models.Pair("USD/EUR"), rec.Tick.Pair)
	assert.Equal(t, 1.0545, rec.Tick.Rate)
	assert.Equal(t, time.Unix(ts, 0).UTC(), rec.Tick.ObservedAt)
	assert.Equal(t, []models.Pair{"USD/EUR"}, rec.Pairs)
}

func TestNormalizeInvertsUntrackedDirection(t *testing.T) {
	n := testNormalizer()
	rec, err := n.Normalize(obs("fixer", "fixer", `{"pair":"EUR/USD","rate":2,"timestamp":1714557000}`), fetchedAt)
	require.NoError(t, err)
	assert.Equal(t, models.Pair("USD/EUR"), rec.Tick.Pair)
	assert.InDelta(t, 0.5, rec.Tick.Rate, 1e-12)
}

func TestNormalizeYahoo(t *testing.T) {
	n := testNormalizer()
	rec, err := n.Normalize(obs("yahoo", "yahoo", `{"symbol":"USDJPY=X","regularMarketPrice":154.2,"regularMarketTime":1714557000}`), fetchedAt)
	require.NoError(t, err)
	assert.Equal(t, models.Pair("USD/JPY"), rec.Tick.Pair)

	_, err = n.Normalize(obs("yahoo", "yahoo", `{"symbol":"USDJPY=X","regularMarketTime":1714557000}`), fetchedAt)
	requireMergeKind(t, err, models.MalformedItem)
}

func TestNormalizeRejections(t *testing.T) {
	n := testNormalizer()
	cases := []struct {
		name string
		obs  models.RawObservation
		want models.MergeErrorKind
	}{
		{"undecodable", obs("fixer", "fixer", `{"pair":`), models.MalformedItem},
		{"empty payload", obs("fixer", "fixer", ``), models.MalformedItem},
		{"unknown vendor", obs("x", "bloomberg", `{}`), models.MalformedItem},
		{"untracked pair", obs("fixer", "fixer", `{"pair":"AUD/NZD","rate":1.1,"timestamp":1714557000}`), models.UnknownPair},
		{"bad pair", obs("fixer", "fixer", `{"pair":"??","rate":1.1,"timestamp":1714557000}`), models.UnknownPair},
		{"non positive rate", obs("fixer", "fixer", `{"pair":"USD/EUR","rate":0,"timestamp":1714557000}`), models.MalformedItem},
		{"missing timestamp", obs("fixer", "fixer", `{"pair":"USD/EUR","rate":1.1}`), models.InvalidTimestamp},
		{"bad news time", obs("newsapi", "newsapi", `{"title":"x","publishedAt":"yesterday"}`), models.InvalidTimestamp},
		{"score out of range", obs("scores", "scores", `{"target":"USD-EUR","score":1.5,"computed_at":"2024-05-01T09:00:00Z"}`), models.MalformedItem},
		{"score missing", obs("scores", "scores", `{"target":"USD-EUR","computed_at":"2024-05-01T09:00:00Z"}`), models.MalformedItem},
		{"bad confidence", obs("scores", "scores", `{"target":"USD-EUR","score":0.1,"confidence":2,"computed_at":"2024-05-01T09:00:00Z"}`), models.MalformedItem},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := n.Normalize(tc.obs, fetchedAt)
			requireMergeKind(t, err, tc.want)
		})
	}
}

func TestNormalizeClockSkew(t *testing.T) {
	n := testNormalizer()

	ahead := fetchedAt.Add(time.Second).Unix()
	rec, err := n.Normalize(obs("fixer", "fixer", `{"pair":"USD/EUR","rate":1.1,"timestamp":`+itoa(ahead)+`}`), fetchedAt.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, fetchedAt, rec.Tick.ObservedAt, "small skew is clamped to fetch time")

	future := fetchedAt.Add(5 * time.Second).Unix()
	_, err = n.Normalize(obs("fixer", "fixer", `{"pair":"USD/EUR","rate":1.1,"timestamp":`+itoa(future)+`}`), fetchedAt.Add(time.Minute))
	requireMergeKind(t, err, models.InvalidTimestamp)
}

func TestNormalizeNewsInference(t *testing.T) {
	n := testNormalizer()

	rec, err := n.Normalize(obs("newsapi", "newsapi", `{"source":{"name":"Reuters"},"title":"ECB holds rates as euro slides","publishedAt":"2024-05-01T09:30:00Z"}`), fetchedAt)
	require.NoError(t, err)
	require.Equal(t, models.RecordNewsItem, rec.Kind)
	assert.Equal(t, "Reuters", rec.News.SourceName)
	assert.Equal(t, []models.Pair{"USD/EUR", "EUR/GBP", "EUR/JPY"}, rec.Pairs)

	rec, err = n.Normalize(obs("newsapi", "newsapi", `{"source":{"name":"AP"},"title":"Markets mixed ahead of earnings","publishedAt":"2024-05-01T09:30:00Z"}`), fetchedAt)
	require.NoError(t, err)
	assert.Empty(t, rec.Pairs, "no currency mentioned means global")
}

func TestNormalizeFinnhubRelatedWins(t *testing.T) {
	n := testNormalizer()

	rec, err := n.Normalize(obs("finnhub", "finnhub", `{"headline":"ECB speakers","source":"MarketWatch","datetime":1714557000,"related":"USDJPY"}`), fetchedAt)
	require.NoError(t, err)
	assert.Equal(t, []models.Pair{"USD/JPY"}, rec.Pairs)

	rec, err = n.Normalize(obs("finnhub", "finnhub", `{"headline":"Yen slides","source":"MarketWatch","datetime":1714557000,"related":"OANDA:JPY_USD,OANDA:AUD_NZD"}`), fetchedAt)
	require.NoError(t, err)
	assert.Equal(t, []models.Pair{"USD/JPY"}, rec.Pairs)

	rec, err = n.Normalize(obs("finnhub", "finnhub", `{"headline":"Sterling rallies","source":"MarketWatch","datetime":1714557000,"related":""}`), fetchedAt)
	require.NoError(t, err)
	assert.Equal(t, []models.Pair{"USD/GBP", "EUR/GBP", "GBP/JPY"}, rec.Pairs)
}

func TestNormalizeSentimentScale(t *testing.T) {
	n := testNormalizer()

	rec, err := n.Normalize(obs("scores-pct", "scores", `{"target":"USD-EUR","score":75,"confidence":0.8,"computed_at":1714554000000}`), fetchedAt)
	require.NoError(t, err)
	require.Equal(t, models.RecordSentimentScore, rec.Kind)
	assert.InDelta(t, 0.5, rec.Sentiment.Score, 1e-12)
	assert.Equal(t, 0.8, rec.Sentiment.Confidence)
	assert.Equal(t, time.UnixMilli(1714554000000).UTC(), rec.Sentiment.ComputedAt)

	rec, err = n.Normalize(obs("scores", "scores", `{"target":"EUR-USD","score":0.4,"computed_at":"2024-05-01T09:00:00Z"}`), fetchedAt)
	require.NoError(t, err)
	assert.Equal(t, models.Pair("USD/EUR"), rec.Sentiment.TargetID)
	assert.InDelta(t, -0.4, rec.Sentiment.Score, 1e-12)
	assert.Equal(t, 1.0, rec.Sentiment.Confidence)
}

func TestInferCurrencies(t *testing.T) {
	assert.Equal(t, []string{"USD", "JPY"}, InferCurrencies("Powell speaks while the yen weakens"))
	assert.Equal(t, []string{"GBP"}, InferCurrencies("Bank of England keeps sterling steady"))
	assert.Equal(t, []string{"USD"}, InferCurrencies("Dollars flow into Treasuries"))
	assert.Empty(t, InferCurrencies("European stocks open higher"))
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }
