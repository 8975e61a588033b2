package models

import "time"

// MergedSnapshot is the point-in-time view of rate, news and sentiment for a
// pair, as published by the merge engine.
type MergedSnapshot struct {
	Pair               Pair       `json:"pair"`
	AsOf               time.Time  `json:"as_of"`
	Rate               *float64   `json:"rate"`
	RateSource         string     `json:"rate_source,omitempty"`
	RecentNews         []NewsItem `json:"recent_news"`
	SentimentAggregate *float64   `json:"sentiment_aggregate"`
	SentimentLabel     string     `json:"sentiment_label,omitempty"`
	Sequence           uint64     `json:"sequence"`
	PublishedAt        time.Time  `json:"published_at"`
}

// Clone returns a deep copy so callers cannot mutate store-owned state.
func (s MergedSnapshot) Clone() MergedSnapshot {
	out := s
	if s.Rate != nil {
		r := *s.Rate
		out.Rate = &r
	}
	if s.SentimentAggregate != nil {
		v := *s.SentimentAggregate
		out.SentimentAggregate = &v
	}
	out.RecentNews = make([]NewsItem, len(s.RecentNews))
	copy(out.RecentNews, s.RecentNews)
	return out
}

// SentimentLabelFor maps an aggregate onto positive/negative/neutral using
// a ±0.1 dead band.
func SentimentLabelFor(v *float64) string {
	if v == nil {
		return ""
	}
	switch {
	case *v > 0.1:
		return "positive"
	case *v < -0.1:
		return "negative"
	default:
		return "neutral"
	}
}
