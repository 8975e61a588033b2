package news

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"fxflow/config"
	"fxflow/models"
	"fxflow/reader"
)

// NewsAPIArticle is one entry of the NewsAPI articles array.
type NewsAPIArticle struct {
	Source struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"source"`
	Author      string `json:"author"`
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
	PublishedAt string `json:"publishedAt"`
	Content     string `json:"content"`
}

type newsAPIEnvelope struct {
	Status   string            `json:"status"`
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Articles []json.RawMessage `json:"articles"`
}

const defaultNewsQuery = `forex OR "exchange rate" OR "central bank" OR "federal reserve" OR ECB OR "bank of england" OR "bank of japan"`

// NewsAPI polls the /v2/everything search endpoint.
type NewsAPI struct {
	reader.Source
}

func NewNewsAPI(cfg config.SourceConfig, pairs []models.Pair, opts ...reader.Option) *NewsAPI {
	n := &NewsAPI{Source: reader.NewSource(cfg, pairs, opts...)}
	if cfg.APIKey != "" {
		n.Client.SetHeader("X-Api-Key", cfg.APIKey)
	}
	return n
}

func (n *NewsAPI) Fetch(ctx context.Context) ([]models.RawObservation, error) {
	q := n.Config.Params["q"]
	if q == "" {
		q = defaultNewsQuery
	}
	pageSize := 50
	if v, err := strconv.Atoi(n.Config.Params["page_size"]); err == nil && v > 0 {
		pageSize = v
	}
	query := map[string]string{
		"q":        q,
		"language": "en",
		"sortBy":   "publishedAt",
		"pageSize": strconv.Itoa(pageSize),
	}

	body, err := n.Client.Get(ctx, "/v2/everything", query)
	if err != nil {
		return nil, err
	}
	fetchedAt := n.FetchTime()

	var env newsAPIEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, n.Client.Malformed(fmt.Errorf("decode newsapi envelope: %w", err))
	}
	switch env.Status {
	case "ok":
	case "error":
		err := fmt.Errorf("newsapi %s: %s", env.Code, env.Message)
		if env.Code == "rateLimited" || env.Code == "maximumResultsReached" {
			return nil, &models.FetchError{Kind: models.RateLimitExceeded, Source: n.ID(), Err: err}
		}
		return nil, models.NewFetchError(models.VendorUnavailable, n.ID(), err)
	default:
		return nil, n.Client.Malformed(errors.New("newsapi envelope missing status"))
	}

	out := make([]models.RawObservation, 0, len(env.Articles))
	for _, a := range env.Articles {
		out = append(out, n.Observe(a, fetchedAt))
	}
	return out, nil
}
