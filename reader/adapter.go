package reader

import (
	"context"
	"time"

	"fxflow/config"
	"fxflow/models"
)

//go:generate mockgen -destination=mock/adapter.go -package=mock fxflow/reader Adapter

// Adapter fetches one batch of raw observations from a vendor. Failures are
// returned as *models.FetchError. An adapter that issues several requests per
// fetch may return the observations it collected together with the error.
type Adapter interface {
	ID() string
	Kind() models.SourceKind
	Vendor() string
	Fetch(ctx context.Context) ([]models.RawObservation, error)
}

// Source carries what every vendor adapter shares: its configuration, HTTP
// client and target pairs.
type Source struct {
	Config config.SourceConfig
	Client *Client
	Pairs  []models.Pair
	Now    func() time.Time
}

// NewSource builds the shared part of an adapter.
func NewSource(cfg config.SourceConfig, pairs []models.Pair, opts ...Option) Source {
	return Source{
		Config: cfg,
		Client: NewClient(cfg, opts...),
		Pairs:  pairs,
		Now:    time.Now,
	}
}

func (s *Source) ID() string              { return s.Config.ID }
func (s *Source) Kind() models.SourceKind { return models.SourceKind(s.Config.Kind) }
func (s *Source) Vendor() string          { return s.Config.Vendor }

// Observe wraps one vendor item, charging the configured per-item cost.
func (s *Source) Observe(payload []byte, fetchedAt time.Time) models.RawObservation {
	return models.RawObservation{
		SourceID:  s.Config.ID,
		Kind:      s.Kind(),
		Vendor:    s.Config.Vendor,
		Payload:   append([]byte(nil), payload...),
		FetchedAt: fetchedAt,
		CostUnits: s.Config.CostPerItem,
	}
}

// FetchTime returns the wall clock used to tag observations.
func (s *Source) FetchTime() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}
