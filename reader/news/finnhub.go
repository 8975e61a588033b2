package news

import (
	"context"
	"encoding/json"
	"fmt"

	"fxflow/config"
	"fxflow/models"
	"fxflow/reader"
)

// FinnhubArticle is one entry of the Finnhub market news array.
type FinnhubArticle struct {
	Category string `json:"category"`
	Datetime int64  `json:"datetime"`
	Headline string `json:"headline"`
	ID       int64  `json:"id"`
	Related  string `json:"related"`
	Source   string `json:"source"`
	Summary  string `json:"summary"`
	URL      string `json:"url"`
}

// Finnhub polls the market news endpoint for the forex category.
type Finnhub struct {
	reader.Source
}

func NewFinnhub(cfg config.SourceConfig, pairs []models.Pair, opts ...reader.Option) *Finnhub {
	f := &Finnhub{Source: reader.NewSource(cfg, pairs, opts...)}
	if cfg.APIKey != "" {
		f.Client.SetHeader("X-Finnhub-Token", cfg.APIKey)
	}
	return f
}

func (f *Finnhub) Fetch(ctx context.Context) ([]models.RawObservation, error) {
	category := f.Config.Params["category"]
	if category == "" {
		category = "forex"
	}

	body, err := f.Client.Get(ctx, "/api/v1/news", map[string]string{"category": category})
	if err != nil {
		return nil, err
	}
	fetchedAt := f.FetchTime()

	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, f.Client.Malformed(fmt.Errorf("decode finnhub news: %w", err))
	}
	out := make([]models.RawObservation, 0, len(items))
	for _, it := range items {
		out = append(out, f.Observe(it, fetchedAt))
	}
	return out, nil
}
