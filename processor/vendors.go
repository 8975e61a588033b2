package processor

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"fxflow/internal/symbols"
	"fxflow/models"
	"fxflow/reader/news"
	"fxflow/reader/rates"
	"fxflow/reader/sentiment"
)

func normalizeFixer(n *Normalizer, obs models.RawObservation) (models.NormalizedRecord, error) {
	var q rates.FixerQuote
	if err := decode(obs, &q); err != nil {
		return models.NormalizedRecord{}, err
	}
	p, err := symbols.ParsePair(q.Pair)
	if err != nil {
		return models.NormalizedRecord{}, models.NewMergeError(models.UnknownPair, obs.SourceID, err)
	}
	p, rate, err := n.resolveTick(p, q.Rate, obs.SourceID)
	if err != nil {
		return models.NormalizedRecord{}, err
	}
	return models.NewRateTickRecord(models.RateTick{
		Pair:       p,
		Rate:       rate,
		ObservedAt: unixSeconds(q.Timestamp),
		SourceID:   obs.SourceID,
	}), nil
}

func normalizeYahoo(n *Normalizer, obs models.RawObservation) (models.NormalizedRecord, error) {
	var m rates.YahooMeta
	if err := decode(obs, &m); err != nil {
		return models.NormalizedRecord{}, err
	}
	if m.RegularMarketPrice == nil {
		return models.NormalizedRecord{}, models.NewMergeError(models.MalformedItem, obs.SourceID, errors.New("yahoo meta has no market price"))
	}
	p, err := symbols.ParsePair(m.Symbol)
	if err != nil {
		return models.NormalizedRecord{}, models.NewMergeError(models.UnknownPair, obs.SourceID, err)
	}
	p, rate, err := n.resolveTick(p, *m.RegularMarketPrice, obs.SourceID)
	if err != nil {
		return models.NormalizedRecord{}, err
	}
	return models.NewRateTickRecord(models.RateTick{
		Pair:       p,
		Rate:       rate,
		ObservedAt: unixSeconds(m.RegularMarketTime),
		SourceID:   obs.SourceID,
	}), nil
}

func normalizeNewsAPI(n *Normalizer, obs models.RawObservation) (models.NormalizedRecord, error) {
	var a news.NewsAPIArticle
	if err := decode(obs, &a); err != nil {
		return models.NormalizedRecord{}, err
	}
	if strings.TrimSpace(a.Title) == "" {
		return models.NormalizedRecord{}, models.NewMergeError(models.MalformedItem, obs.SourceID, errors.New("article without title"))
	}
	var published time.Time
	if a.PublishedAt != "" {
		t, err := time.Parse(time.RFC3339, a.PublishedAt)
		if err != nil {
			return models.NormalizedRecord{}, models.NewMergeError(models.InvalidTimestamp, obs.SourceID, err)
		}
		published = t
	}
	body := a.Description
	if body == "" {
		body = a.Content
	}
	item := models.NewsItem{
		Headline:    strings.TrimSpace(a.Title),
		Body:        body,
		URL:         a.URL,
		PublishedAt: published,
		SourceName:  a.Source.Name,
		SourceID:    obs.SourceID,
	}
	return models.NewNewsRecord(item, n.InferPairs(item.Headline+" "+item.Body)...), nil
}

func normalizeFinnhub(n *Normalizer, obs models.RawObservation) (models.NormalizedRecord, error) {
	var a news.FinnhubArticle
	if err := decode(obs, &a); err != nil {
		return models.NormalizedRecord{}, err
	}
	if strings.TrimSpace(a.Headline) == "" {
		return models.NormalizedRecord{}, models.NewMergeError(models.MalformedItem, obs.SourceID, errors.New("article without headline"))
	}
	item := models.NewsItem{
		Headline:    strings.TrimSpace(a.Headline),
		Body:        a.Summary,
		URL:         a.URL,
		PublishedAt: unixSeconds(a.Datetime),
		SourceName:  a.Source,
		SourceID:    obs.SourceID,
	}
	pairs := n.relatedPairs(a.Related)
	if len(pairs) == 0 {
		pairs = n.InferPairs(item.Headline + " " + item.Body)
	}
	return models.NewNewsRecord(item, pairs...), nil
}

// relatedPairs parses the vendor's comma separated symbol list, e.g.
// "OANDA:EUR_USD,USDJPY", keeping tracked pairs only.
func (n *Normalizer) relatedPairs(related string) []models.Pair {
	var out []models.Pair
	seen := make(map[models.Pair]struct{})
	for _, sym := range strings.Split(related, ",") {
		sym = strings.TrimSpace(sym)
		if i := strings.IndexByte(sym, ':'); i >= 0 {
			sym = sym[i+1:]
		}
		if sym == "" {
			continue
		}
		p, err := symbols.ParsePair(sym)
		if err != nil {
			continue
		}
		if !n.Tracks(p) {
			p = p.Inverse()
			if !n.Tracks(p) {
				continue
			}
		}
		if _, dup := seen[p]; !dup {
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

func normalizeScores(n *Normalizer, obs models.RawObservation) (models.NormalizedRecord, error) {
	var it sentiment.ScoreItem
	if err := decode(obs, &it); err != nil {
		return models.NormalizedRecord{}, err
	}
	if it.Score == nil {
		return models.NormalizedRecord{}, models.NewMergeError(models.MalformedItem, obs.SourceID, errors.New("score item without score"))
	}
	p, err := symbols.ParsePair(it.Target)
	if err != nil {
		return models.NormalizedRecord{}, models.NewMergeError(models.UnknownPair, obs.SourceID, err)
	}
	score, err := n.scaleScore(obs.SourceID, *it.Score)
	if err != nil {
		return models.NormalizedRecord{}, err
	}
	if !n.Tracks(p) {
		if !n.Tracks(p.Inverse()) {
			return models.NormalizedRecord{}, models.NewMergeError(models.UnknownPair, obs.SourceID, fmt.Errorf("target %s is not tracked", p))
		}
		p, score = p.Inverse(), -score
	}
	confidence := 1.0
	if it.Confidence != nil {
		confidence = *it.Confidence
		if confidence < 0 || confidence > 1 {
			return models.NormalizedRecord{}, models.NewMergeError(models.MalformedItem, obs.SourceID, fmt.Errorf("confidence %v outside [0, 1]", confidence))
		}
	}
	computed, err := parseFlexibleTime(it.ComputedAt)
	if err != nil {
		return models.NormalizedRecord{}, models.NewMergeError(models.InvalidTimestamp, obs.SourceID, err)
	}
	return models.NewSentimentRecord(models.SentimentScore{
		TargetID:   p,
		Score:      score,
		Confidence: confidence,
		ComputedAt: computed,
		SourceID:   obs.SourceID,
	}), nil
}

func unixSeconds(s int64) time.Time {
	if s <= 0 {
		return time.Time{}
	}
	return time.Unix(s, 0).UTC()
}

// parseFlexibleTime accepts an RFC3339 string or unix milliseconds, either
// as a JSON number or a numeric string.
func parseFlexibleTime(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		s = string(raw)
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		if ms <= 0 {
			return time.Time{}, nil
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognised time %s", string(raw))
	}
	return t.UTC(), nil
}
