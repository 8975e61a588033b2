package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"fxflow/config"
	"fxflow/internal/symbols"
	"fxflow/logger"
	"fxflow/models"
	"fxflow/reader"
)

// YahooMeta is the chart meta block kept as the observation payload.
type YahooMeta struct {
	Symbol             string   `json:"symbol"`
	Currency           string   `json:"currency,omitempty"`
	RegularMarketPrice *float64 `json:"regularMarketPrice"`
	RegularMarketTime  int64    `json:"regularMarketTime"`
}

type yahooEnvelope struct {
	Chart *struct {
		Result []struct {
			Meta json.RawMessage `json:"meta"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// Yahoo polls the chart endpoint once per pair using the PAIR=X symbol form.
type Yahoo struct {
	reader.Source
}

func NewYahoo(cfg config.SourceConfig, pairs []models.Pair, opts ...reader.Option) *Yahoo {
	return &Yahoo{Source: reader.NewSource(cfg, pairs, opts...)}
}

func (y *Yahoo) Fetch(ctx context.Context) ([]models.RawObservation, error) {
	interval := y.Config.Params["interval"]
	if interval == "" {
		interval = "1m"
	}
	rng := y.Config.Params["range"]
	if rng == "" {
		rng = "1d"
	}
	log := logger.GetLogger().WithComponent("yahoo_reader").WithField("source", y.ID())

	var out []models.RawObservation
	for _, p := range y.Pairs {
		symbol := symbols.ToVendor("yahoo", p)
		obs, err := y.fetchSymbol(ctx, symbol, map[string]string{"interval": interval, "range": rng})
		if err != nil {
			if len(out) > 0 {
				log.WithError(err).WithField("symbol", symbol).Warn("chart request failed after partial success")
			}
			return out, err
		}
		out = append(out, obs)
	}
	return out, nil
}

func (y *Yahoo) fetchSymbol(ctx context.Context, symbol string, query map[string]string) (models.RawObservation, error) {
	body, err := y.Client.Get(ctx, "/v8/finance/chart/"+symbol, query)
	if err != nil {
		return models.RawObservation{}, err
	}
	fetchedAt := y.FetchTime()

	var env yahooEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return models.RawObservation{}, y.Client.Malformed(fmt.Errorf("decode chart envelope: %w", err))
	}
	if env.Chart == nil {
		return models.RawObservation{}, y.Client.Malformed(errors.New("chart envelope missing chart"))
	}
	if env.Chart.Error != nil {
		return models.RawObservation{}, models.NewFetchError(models.VendorUnavailable, y.ID(),
			fmt.Errorf("chart error %s: %s", env.Chart.Error.Code, env.Chart.Error.Description))
	}
	if len(env.Chart.Result) == 0 || len(env.Chart.Result[0].Meta) == 0 {
		return models.RawObservation{}, y.Client.Malformed(fmt.Errorf("chart for %s has no result", symbol))
	}
	return y.Observe(env.Chart.Result[0].Meta, fetchedAt), nil
}
