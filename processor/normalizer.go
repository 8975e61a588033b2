package processor

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"fxflow/config"
	"fxflow/models"
)

// vendorFunc decodes one vendor item. Timestamps it returns are checked and
// clamped by the Normalizer afterwards.
type vendorFunc func(n *Normalizer, obs models.RawObservation) (models.NormalizedRecord, error)

var vendorNormalizers = map[string]vendorFunc{
	"fixer":   normalizeFixer,
	"yahoo":   normalizeYahoo,
	"newsapi": normalizeNewsAPI,
	"finnhub": normalizeFinnhub,
	"scores":  normalizeScores,
}

type scoreScale struct {
	min, max float64
}

// Normalizer maps raw vendor observations onto vendor-agnostic records. It
// holds only immutable lookup tables, so Normalize is safe for concurrent use.
type Normalizer struct {
	pairs   []models.Pair
	tracked map[models.Pair]struct{}
	skew    time.Duration
	scales  map[string]scoreScale
}

// NewNormalizer builds a normalizer for the tracked pairs. Sentiment sources
// contribute their native score range.
func NewNormalizer(pairs []models.Pair, sources []config.SourceConfig, skew time.Duration) *Normalizer {
	n := &Normalizer{
		pairs:   append([]models.Pair(nil), pairs...),
		tracked: make(map[models.Pair]struct{}, len(pairs)),
		skew:    skew,
		scales:  make(map[string]scoreScale),
	}
	for _, p := range pairs {
		n.tracked[p] = struct{}{}
	}
	for _, s := range sources {
		if s.Kind == string(models.SourceKindSentiment) && s.ScoreMax > s.ScoreMin {
			n.scales[s.ID] = scoreScale{min: s.ScoreMin, max: s.ScoreMax}
		}
	}
	return n
}

// Pairs returns the tracked pairs in configuration order.
func (n *Normalizer) Pairs() []models.Pair {
	return append([]models.Pair(nil), n.pairs...)
}

// Tracks reports whether p is a configured pair.
func (n *Normalizer) Tracks(p models.Pair) bool {
	_, ok := n.tracked[p]
	return ok
}

// Normalize converts one observation. Any error is a *models.MergeError and
// means the observation is dropped.
func (n *Normalizer) Normalize(obs models.RawObservation, ingestedAt time.Time) (models.NormalizedRecord, error) {
	fn, ok := vendorNormalizers[obs.Vendor]
	if !ok {
		return models.NormalizedRecord{}, models.NewMergeError(models.MalformedItem, obs.SourceID, fmt.Errorf("no normaliser for vendor %q", obs.Vendor))
	}
	rec, err := fn(n, obs)
	if err != nil {
		var me *models.MergeError
		if errors.As(err, &me) {
			return models.NormalizedRecord{}, err
		}
		return models.NormalizedRecord{}, models.NewMergeError(models.MalformedItem, obs.SourceID, err)
	}

	ref := ingestedAt
	if !obs.FetchedAt.IsZero() && obs.FetchedAt.Before(ingestedAt) {
		ref = obs.FetchedAt
	}
	ts, err := n.checkTime(rec.Timestamp(), ref, obs.SourceID)
	if err != nil {
		return models.NormalizedRecord{}, err
	}
	switch rec.Kind {
	case models.RecordRateTick:
		rec.Tick.ObservedAt = ts
	case models.RecordNewsItem:
		rec.News.PublishedAt = ts
	case models.RecordSentimentScore:
		rec.Sentiment.ComputedAt = ts
	}
	return rec, nil
}

// checkTime rejects zero and future timestamps. Timestamps ahead of ref by no
// more than the skew tolerance are clamped to ref.
func (n *Normalizer) checkTime(ts, ref time.Time, source string) (time.Time, error) {
	if ts.IsZero() {
		return time.Time{}, models.NewMergeError(models.InvalidTimestamp, source, errors.New("missing timestamp"))
	}
	ts = ts.UTC()
	if ts.After(ref) {
		if ts.Sub(ref) > n.skew {
			return time.Time{}, models.NewMergeError(models.InvalidTimestamp, source, fmt.Errorf("timestamp %s is after ingestion %s", ts.Format(time.RFC3339), ref.Format(time.RFC3339)))
		}
		return ref.UTC(), nil
	}
	return ts, nil
}

// resolveTick maps a vendor pair onto a tracked one, inverting the rate when
// only the inverse is tracked.
func (n *Normalizer) resolveTick(p models.Pair, rate float64, source string) (models.Pair, float64, error) {
	if math.IsNaN(rate) || math.IsInf(rate, 0) || rate <= 0 {
		return "", 0, models.NewMergeError(models.MalformedItem, source, fmt.Errorf("invalid rate %v", rate))
	}
	if n.Tracks(p) {
		return p, rate, nil
	}
	if inv := p.Inverse(); n.Tracks(inv) {
		return inv, 1 / rate, nil
	}
	return "", 0, models.NewMergeError(models.UnknownPair, source, fmt.Errorf("pair %s is not tracked", p))
}

// scaleScore maps a vendor score onto [-1, 1].
func (n *Normalizer) scaleScore(source string, v float64) (float64, error) {
	sc, ok := n.scales[source]
	if !ok {
		sc = scoreScale{min: -1, max: 1}
	}
	if math.IsNaN(v) || v < sc.min || v > sc.max {
		return 0, models.NewMergeError(models.MalformedItem, source, fmt.Errorf("score %v outside [%v, %v]", v, sc.min, sc.max))
	}
	return 2*(v-sc.min)/(sc.max-sc.min) - 1, nil
}

func decode(obs models.RawObservation, v any) error {
	if len(obs.Payload) == 0 {
		return models.NewMergeError(models.MalformedItem, obs.SourceID, errors.New("empty payload"))
	}
	if err := json.Unmarshal(obs.Payload, v); err != nil {
		return models.NewMergeError(models.MalformedItem, obs.SourceID, fmt.Errorf("decode %s item: %w", obs.Vendor, err))
	}
	return nil
}
