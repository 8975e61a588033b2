package sentiment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"fxflow/config"
	"fxflow/internal/symbols"
	"fxflow/models"
	"fxflow/reader"
)

// ScoreItem is one entry of the scores array. ComputedAt is either an
// RFC3339 string or unix milliseconds.
type ScoreItem struct {
	Target     string          `json:"target"`
	Score      *float64        `json:"score"`
	Confidence *float64        `json:"confidence"`
	ComputedAt json.RawMessage `json:"computed_at"`
}

type scoresEnvelope struct {
	Scores []json.RawMessage `json:"scores"`
	Error  string            `json:"error"`
}

// Scores polls a sentiment vendor that scores currency pairs on its own
// scale. The scale is applied during normalisation.
type Scores struct {
	reader.Source
}

func NewScores(cfg config.SourceConfig, pairs []models.Pair, opts ...reader.Option) *Scores {
	s := &Scores{Source: reader.NewSource(cfg, pairs, opts...)}
	if cfg.APIKey != "" {
		s.Client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}
	return s
}

func (s *Scores) Fetch(ctx context.Context) ([]models.RawObservation, error) {
	targets := make([]string, 0, len(s.Pairs))
	for _, p := range s.Pairs {
		targets = append(targets, symbols.ToVendor("scores", p))
	}

	body, err := s.Client.Get(ctx, "/v1/scores", map[string]string{"targets": strings.Join(targets, ",")})
	if err != nil {
		return nil, err
	}
	fetchedAt := s.FetchTime()

	var env scoresEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, s.Client.Malformed(fmt.Errorf("decode scores envelope: %w", err))
	}
	if env.Error != "" {
		return nil, models.NewFetchError(models.VendorUnavailable, s.ID(), errors.New(env.Error))
	}
	if env.Scores == nil {
		return nil, s.Client.Malformed(errors.New("scores envelope missing scores"))
	}
	out := make([]models.RawObservation, 0, len(env.Scores))
	for _, it := range env.Scores {
		out = append(out, s.Observe(it, fetchedAt))
	}
	return out, nil
}
