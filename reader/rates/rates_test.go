package rates

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fxflow/config"
	"fxflow/models"
)

var fixedNow = func() time.Time { return time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC) }

func serve(t *testing.T, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func TestFixerFansOutCrossRates(t *testing.T) {
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/latest", r.URL.Path)
		assert.Equal(t, "EUR,GBP,JPY,USD", r.URL.Query().Get("symbols"))
		_, _ = w.Write([]byte(`{"success":true,"timestamp":1714557600,"base":"EUR","date":"2024-05-01",
			"rates":{"USD":1.07,"GBP":0.855,"JPY":168.0}}`))
	})
	pairs := []models.Pair{"EUR/USD", "USD/EUR", "GBP/JPY", "USD/CHF"}
	f := NewFixer(config.SourceConfig{ID: "fixer-main", Kind: "rates", Vendor: "fixer", BaseURL: srv.URL, CostPerItem: 0.5}, pairs)
	f.Now = fixedNow

	obs, err := f.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, obs, 3, "USD/CHF has no quote and is skipped")

	got := map[string]FixerQuote{}
	for _, o := range obs {
		require.Equal(t, "fixer-main", o.SourceID)
		require.Equal(t, models.SourceKindRates, o.Kind)
		require.Equal(t, 0.5, o.CostUnits)
		require.Equal(t, fixedNow(), o.FetchedAt)
		var q FixerQuote
		require.NoError(t, json.Unmarshal(o.Payload, &q))
		got[q.Pair] = q
	}
	require.InDelta(t, 1.07, got["EUR/USD"].Rate, 1e-9)
	require.InDelta(t, 1/1.07, got["USD/EUR"].Rate, 1e-9)
	require.InDelta(t, 168.0/0.855, got["GBP/JPY"].Rate, 1e-9)
	require.Equal(t, int64(1714557600), got["EUR/USD"].Timestamp)
}

func TestFixerVendorErrors(t *testing.T) {
	cases := map[string]struct {
		body string
		want models.FetchErrorKind
	}{
		"quota":    {`{"success":false,"error":{"code":104,"type":"usage_limit_reached"}}`, models.RateLimitExceeded},
		"bad key":  {`{"success":false,"error":{"code":101,"type":"invalid_access_key"}}`, models.VendorUnavailable},
		"not json": {`<html>`, models.MalformedResponse},
		"no flag":  {`{"rates":{}}`, models.MalformedResponse},
		"no rates": {`{"success":true,"base":"EUR","rates":{}}`, models.MalformedResponse},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			srv := serve(t, func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(tc.body)) })
			f := NewFixer(config.SourceConfig{ID: "fx", Vendor: "fixer", BaseURL: srv.URL}, []models.Pair{"EUR/USD"})
			_, err := f.Fetch(context.Background())
			kind, ok := models.FetchErrorKindOf(err)
			require.True(t, ok)
			require.Equal(t, tc.want, kind)
		})
	}
}

func TestYahooFetchesEachPair(t *testing.T) {
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		sym := r.URL.Path[len("/v8/finance/chart/"):]
		_, _ = w.Write([]byte(`{"chart":{"result":[{"meta":{"symbol":"` + sym + `","regularMarketPrice":1.0545,"regularMarketTime":1714557600}}],"error":null}}`))
	})
	y := NewYahoo(config.SourceConfig{ID: "yahoo", Kind: "rates", Vendor: "yahoo", BaseURL: srv.URL}, []models.Pair{"USD/EUR", "USD/JPY"})

	obs, err := y.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, obs, 2)

	var meta YahooMeta
	require.NoError(t, json.Unmarshal(obs[1].Payload, &meta))
	require.Equal(t, "USDJPY=X", meta.Symbol)
	require.NotNil(t, meta.RegularMarketPrice)
}

func TestYahooPartialFailureKeepsEarlierPairs(t *testing.T) {
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v8/finance/chart/USDJPY=X" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"chart":{"result":[{"meta":{"symbol":"USDEUR=X","regularMarketPrice":1.0,"regularMarketTime":1}}]}}`))
	})
	y := NewYahoo(config.SourceConfig{ID: "yahoo", Vendor: "yahoo", BaseURL: srv.URL}, []models.Pair{"USD/EUR", "USD/JPY"})

	obs, err := y.Fetch(context.Background())
	require.Len(t, obs, 1)
	kind, _ := models.FetchErrorKindOf(err)
	require.Equal(t, models.VendorUnavailable, kind)
}

func TestYahooMissingResultIsMalformed(t *testing.T) {
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"chart":{"result":[]}}`))
	})
	y := NewYahoo(config.SourceConfig{ID: "yahoo", Vendor: "yahoo", BaseURL: srv.URL}, []models.Pair{"USD/EUR"})
	_, err := y.Fetch(context.Background())
	kind, _ := models.FetchErrorKindOf(err)
	require.Equal(t, models.MalformedResponse, kind)
}
