package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"fxflow/config"
	"fxflow/logger"
	"fxflow/models"
	"fxflow/reader"
)

// FixerQuote is the per-pair item derived from one Fixer latest response.
type FixerQuote struct {
	Pair      string  `json:"pair"`
	Base      string  `json:"base"`
	Rate      float64 `json:"rate"`
	Timestamp int64   `json:"timestamp"`
}

type fixerEnvelope struct {
	Success   *bool              `json:"success"`
	Timestamp int64              `json:"timestamp"`
	Base      string             `json:"base"`
	Date      string             `json:"date"`
	Rates     map[string]float64 `json:"rates"`
	Error     *struct {
		Code int    `json:"code"`
		Type string `json:"type"`
		Info string `json:"info"`
	} `json:"error"`
}

// Fixer polls the Fixer latest endpoint. The free tier only quotes against
// a single base currency, so every configured pair is derived as a cross rate
// of that base.
type Fixer struct {
	reader.Source
}

func NewFixer(cfg config.SourceConfig, pairs []models.Pair, opts ...reader.Option) *Fixer {
	return &Fixer{Source: reader.NewSource(cfg, pairs, opts...)}
}

func (f *Fixer) currencies() []string {
	seen := map[string]bool{}
	for _, p := range f.Pairs {
		seen[p.Base()] = true
		seen[p.Quote()] = true
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func (f *Fixer) Fetch(ctx context.Context) ([]models.RawObservation, error) {
	query := map[string]string{
		"access_key": f.Config.APIKey,
		"symbols":    strings.Join(f.currencies(), ","),
	}
	if base := f.Config.Params["base"]; base != "" {
		query["base"] = base
	}

	body, err := f.Client.Get(ctx, "/latest", query)
	if err != nil {
		return nil, err
	}
	fetchedAt := f.FetchTime()

	var env fixerEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, f.Client.Malformed(fmt.Errorf("decode fixer envelope: %w", err))
	}
	if env.Success == nil {
		return nil, f.Client.Malformed(errors.New("fixer envelope missing success flag"))
	}
	if !*env.Success {
		return nil, f.vendorError(env)
	}
	if env.Base == "" || len(env.Rates) == 0 {
		return nil, f.Client.Malformed(errors.New("fixer envelope has no rates"))
	}

	rates := make(map[string]float64, len(env.Rates)+1)
	for ccy, r := range env.Rates {
		rates[strings.ToUpper(ccy)] = r
	}
	rates[strings.ToUpper(env.Base)] = 1

	log := logger.GetLogger().WithComponent("fixer_reader").WithField("source", f.ID())
	out := make([]models.RawObservation, 0, len(f.Pairs))
	for _, p := range f.Pairs {
		b, okB := rates[p.Base()]
		q, okQ := rates[p.Quote()]
		if !okB || !okQ || b == 0 {
			log.WithField("pair", string(p)).Debug("fixer response does not cover pair")
			continue
		}
		payload, err := json.Marshal(FixerQuote{Pair: string(p), Base: env.Base, Rate: q / b, Timestamp: env.Timestamp})
		if err != nil {
			continue
		}
		out = append(out, f.Observe(payload, fetchedAt))
	}
	return out, nil
}

// Fixer reports quota problems inside a 200 response.
func (f *Fixer) vendorError(env fixerEnvelope) error {
	if env.Error == nil {
		return f.Client.Malformed(errors.New("fixer reported failure without error"))
	}
	err := fmt.Errorf("fixer error %d %s: %s", env.Error.Code, env.Error.Type, env.Error.Info)
	switch env.Error.Code {
	case 104, 106:
		return &models.FetchError{Kind: models.RateLimitExceeded, Source: f.ID(), Err: err}
	default:
		return models.NewFetchError(models.VendorUnavailable, f.ID(), err)
	}
}
