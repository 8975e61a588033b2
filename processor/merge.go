package processor

import (
	"math"
	"sort"
	"strings"
	"time"

	"fxflow/internal/metrics"
	"fxflow/models"
)

// pairBook is the merge state of one pair. It is owned by a single worker
// goroutine and is never shared.
type pairBook struct {
	pair           models.Pair
	newsDepth      int
	sentimentDepth int
	halfLife       time.Duration

	tick   *models.RateTick
	news   []models.NewsItem
	seen   map[string]struct{}
	scores []models.SentimentScore

	asOf time.Time
	seq  uint64
}

func newPairBook(pair models.Pair, newsDepth, sentimentDepth int, halfLife time.Duration) *pairBook {
	return &pairBook{
		pair:           pair,
		newsDepth:      newsDepth,
		sentimentDepth: sentimentDepth,
		halfLife:       halfLife,
		seen:           make(map[string]struct{}),
	}
}

// newsFingerprint identifies the same story reported through different
// vendors.
func newsFingerprint(n models.NewsItem) string {
	return strings.ToLower(strings.TrimSpace(n.Headline)) + "|" +
		strings.ToLower(strings.TrimSpace(n.SourceName)) + "|" +
		n.PublishedAt.UTC().Truncate(time.Minute).Format(time.RFC3339)
}

// apply folds rec into the book. It reports whether any contributing record
// changed and, when the record was rejected, why.
func (b *pairBook) apply(rec models.NormalizedRecord) (bool, metrics.DropReason) {
	switch rec.Kind {
	case models.RecordRateTick:
		return b.applyTick(*rec.Tick)
	case models.RecordNewsItem:
		item := *rec.News
		if len(rec.Pairs) > 0 {
			item.Pair = b.pair
		}
		return b.applyNews(item)
	case models.RecordSentimentScore:
		return b.applySentiment(*rec.Sentiment)
	}
	return false, metrics.DropMalformed
}

// applyTick keeps the newest tick. On equal timestamps the lower priority
// number wins.
func (b *pairBook) applyTick(t models.RateTick) (bool, metrics.DropReason) {
	cur := b.tick
	switch {
	case cur == nil, t.ObservedAt.After(cur.ObservedAt):
	case t.ObservedAt.Equal(cur.ObservedAt):
		if t.SourceID == cur.SourceID && t.Rate == cur.Rate {
			return false, ""
		}
		if t.Priority >= cur.Priority {
			return false, metrics.DropStaleTick
		}
	default:
		return false, metrics.DropStaleTick
	}
	b.tick = &t
	return true, ""
}

func (b *pairBook) applyNews(item models.NewsItem) (bool, metrics.DropReason) {
	fp := newsFingerprint(item)
	if _, dup := b.seen[fp]; dup {
		return false, metrics.DropDuplicateNews
	}
	if b.newsDepth > 0 && len(b.news) >= b.newsDepth && !item.PublishedAt.After(b.news[len(b.news)-1].PublishedAt) {
		return false, ""
	}

	i := sort.Search(len(b.news), func(i int) bool { return b.news[i].PublishedAt.Before(item.PublishedAt) })
	b.news = append(b.news, models.NewsItem{})
	copy(b.news[i+1:], b.news[i:])
	b.news[i] = item
	b.seen[fp] = struct{}{}

	for b.newsDepth > 0 && len(b.news) > b.newsDepth {
		last := b.news[len(b.news)-1]
		delete(b.seen, newsFingerprint(last))
		b.news = b.news[:len(b.news)-1]
	}
	return true, ""
}

func (b *pairBook) applySentiment(s models.SentimentScore) (bool, metrics.DropReason) {
	for i, cur := range b.scores {
		if cur.SourceID == s.SourceID && cur.ComputedAt.Equal(s.ComputedAt) {
			if cur.Score == s.Score && cur.Confidence == s.Confidence {
				return false, ""
			}
			b.scores[i] = s
			return true, ""
		}
	}
	if b.sentimentDepth > 0 && len(b.scores) >= b.sentimentDepth && !s.ComputedAt.After(b.scores[len(b.scores)-1].ComputedAt) {
		return false, ""
	}

	i := sort.Search(len(b.scores), func(i int) bool { return b.scores[i].ComputedAt.Before(s.ComputedAt) })
	b.scores = append(b.scores, models.SentimentScore{})
	copy(b.scores[i+1:], b.scores[i:])
	b.scores[i] = s
	if b.sentimentDepth > 0 && len(b.scores) > b.sentimentDepth {
		b.scores = b.scores[:b.sentimentDepth]
	}
	return true, ""
}

// snapshot builds the next MergedSnapshot. AsOf is the newest contributing
// timestamp but never moves backwards.
func (b *pairBook) snapshot() models.MergedSnapshot {
	asOf := b.asOf
	if b.tick != nil && b.tick.ObservedAt.After(asOf) {
		asOf = b.tick.ObservedAt
	}
	if len(b.news) > 0 && b.news[0].PublishedAt.After(asOf) {
		asOf = b.news[0].PublishedAt
	}
	if len(b.scores) > 0 && b.scores[0].ComputedAt.After(asOf) {
		asOf = b.scores[0].ComputedAt
	}
	b.asOf = asOf
	b.seq++

	snap := models.MergedSnapshot{
		Pair:       b.pair,
		AsOf:       asOf,
		RecentNews: append(make([]models.NewsItem, 0, len(b.news)), b.news...),
		Sequence:   b.seq,
	}
	if b.tick != nil {
		rate := b.tick.Rate
		snap.Rate = &rate
		snap.RateSource = b.tick.SourceID
	}
	snap.SentimentAggregate = b.aggregate(asOf)
	snap.SentimentLabel = models.SentimentLabelFor(snap.SentimentAggregate)
	return snap
}

// aggregate is the confidence and recency weighted mean score, with
// w = confidence * exp(-Δt/halfLife) and Δt measured back from asOf.
func (b *pairBook) aggregate(asOf time.Time) *float64 {
	var sum, weights float64
	for _, s := range b.scores {
		w := s.Confidence
		if b.halfLife > 0 {
			dt := asOf.Sub(s.ComputedAt)
			if dt < 0 {
				dt = 0
			}
			w *= math.Exp(-float64(dt) / float64(b.halfLife))
		}
		sum += s.Score * w
		weights += w
	}
	if len(b.scores) == 0 || weights == 0 {
		return nil
	}
	v := sum / weights
	return &v
}
