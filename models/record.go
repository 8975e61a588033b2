package models

import "time"

// RecordKind tags the variant carried by a NormalizedRecord.
type RecordKind int

const (
	RecordRateTick RecordKind = iota + 1
	RecordNewsItem
	RecordSentimentScore
)

func (k RecordKind) String() string {
	switch k {
	case RecordRateTick:
		return "rate_tick"
	case RecordNewsItem:
		return "news_item"
	case RecordSentimentScore:
		return "sentiment_score"
	default:
		return "unknown"
	}
}

// RateTick is a single exchange rate observation for a pair.
type RateTick struct {
	Pair       Pair      `json:"pair"`
	Rate       float64   `json:"rate"`
	ObservedAt time.Time `json:"observed_at"`
	SourceID   string    `json:"source_id"`
	Priority   int       `json:"priority"`
}

// NewsItem is a vendor-agnostic article. An empty Pair marks a global item.
type NewsItem struct {
	Pair        Pair      `json:"pair,omitempty"`
	Headline    string    `json:"headline"`
	Body        string    `json:"body,omitempty"`
	URL         string    `json:"url,omitempty"`
	PublishedAt time.Time `json:"published_at"`
	SourceName  string    `json:"source_name"`
	SourceID    string    `json:"source_id"`
}

// SentimentScore is a bounded sentiment value for a target pair.
type SentimentScore struct {
	TargetID   Pair      `json:"target_id"`
	Score      float64   `json:"score"`
	Confidence float64   `json:"confidence"`
	ComputedAt time.Time `json:"computed_at"`
	SourceID   string    `json:"source_id"`
}

// NormalizedRecord carries exactly one of Tick, News or Sentiment, as selected
// by Kind. A news item may additionally be fanned out to several pairs, listed
// in Pairs.
type NormalizedRecord struct {
	Kind      RecordKind
	Tick      *RateTick
	News      *NewsItem
	Sentiment *SentimentScore
	Pairs     []Pair
}

// Timestamp returns the record's own event time.
func (r NormalizedRecord) Timestamp() time.Time {
	switch r.Kind {
	case RecordRateTick:
		if r.Tick != nil {
			return r.Tick.ObservedAt
		}
	case RecordNewsItem:
		if r.News != nil {
			return r.News.PublishedAt
		}
	case RecordSentimentScore:
		if r.Sentiment != nil {
			return r.Sentiment.ComputedAt
		}
	}
	return time.Time{}
}

// NewRateTickRecord wraps a RateTick.
func NewRateTickRecord(t RateTick) NormalizedRecord {
	return NormalizedRecord{Kind: RecordRateTick, Tick: &t, Pairs: []Pair{t.Pair}}
}

// NewNewsRecord wraps a NewsItem targeted at the given pairs. No pairs means
// the item is global.
func NewNewsRecord(n NewsItem, pairs ...Pair) NormalizedRecord {
	return NormalizedRecord{Kind: RecordNewsItem, News: &n, Pairs: pairs}
}

// NewSentimentRecord wraps a SentimentScore.
func NewSentimentRecord(s SentimentScore) NormalizedRecord {
	return NormalizedRecord{Kind: RecordSentimentScore, Sentiment: &s, Pairs: []Pair{s.TargetID}}
}
