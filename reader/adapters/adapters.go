// Package adapters builds vendor adapters from configuration.
package adapters

import (
	"fmt"

	"fxflow/config"
	"fxflow/reader"
	"fxflow/reader/news"
	"fxflow/reader/rates"
	"fxflow/reader/sentiment"
)

// New builds the adapter for one source.
func New(cfg *config.Config, src config.SourceConfig, opts ...reader.Option) (reader.Adapter, error) {
	pairs := cfg.SourcePairs(src)
	switch src.Vendor {
	case "fixer":
		return rates.NewFixer(src, pairs, opts...), nil
	case "yahoo":
		return rates.NewYahoo(src, pairs, opts...), nil
	case "newsapi":
		return news.NewNewsAPI(src, pairs, opts...), nil
	case "finnhub":
		return news.NewFinnhub(src, pairs, opts...), nil
	case "scores":
		return sentiment.NewScores(src, pairs, opts...), nil
	default:
		return nil, fmt.Errorf("source %s: unsupported vendor %q", src.ID, src.Vendor)
	}
}

// Build creates adapters for every configured source, enabled or not.
func Build(cfg *config.Config, opts ...reader.Option) ([]reader.Adapter, error) {
	out := make([]reader.Adapter, 0, len(cfg.Sources))
	for _, src := range cfg.Sources {
		a, err := New(cfg, src, opts...)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
