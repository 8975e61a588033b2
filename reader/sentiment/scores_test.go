package sentiment

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fxflow/config"
	"fxflow/models"
)

func TestScoresFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		assert.Equal(t, "USD-EUR,GBP-JPY", r.URL.Query().Get("targets"))
		_, _ = w.Write([]byte(`{"scores":[{"target":"USD-EUR","score":72,"confidence":0.8,"computed_at":1714557600000},
			{"target":"GBP-JPY","score":40,"confidence":0.5,"computed_at":"2024-05-01T09:00:00Z"}]}`))
	}))
	defer srv.Close()

	s := NewScores(config.SourceConfig{ID: "scores", Kind: "sentiment", Vendor: "scores", BaseURL: srv.URL, APIKey: "k"},
		[]models.Pair{"USD/EUR", "GBP/JPY"})
	obs, err := s.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, obs, 2)
	require.Equal(t, models.SourceKindSentiment, obs[0].Kind)
}

func TestScoresMissingArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	s := NewScores(config.SourceConfig{ID: "scores", Vendor: "scores", BaseURL: srv.URL}, []models.Pair{"USD/EUR"})
	_, err := s.Fetch(context.Background())
	kind, _ := models.FetchErrorKindOf(err)
	require.Equal(t, models.MalformedResponse, kind)
}
