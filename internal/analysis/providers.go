package analysis

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"market-gateway/internal/cache"
	"market-gateway/internal/upstream"
)

// MomentumProvider derives a trend read from the current ticker. It shares
// the gateway's ticker cache so streams never bypass the freshness layer.
type MomentumProvider struct {
	tickers *cache.Cache[upstream.Ticker]
	client  upstream.Client
}

// NewMomentumProvider constructs the momentum provider.
func NewMomentumProvider(tickers *cache.Cache[upstream.Ticker], client upstream.Client) *MomentumProvider {
	return &MomentumProvider{tickers: tickers, client: client}
}

// Name identifies the provider in events.
func (m *MomentumProvider) Name() string { return "momentum" }

// Analyze summarises price momentum for the asset.
func (m *MomentumProvider) Analyze(ctx context.Context, assetID, timeframe string) (Insight, error) {
	ticker, meta, err := m.tickers.Get(ctx, "ticker:"+assetID, func(ctx context.Context) (upstream.Ticker, error) {
		return m.client.FetchTicker(ctx, assetID)
	})
	if err != nil {
		return Insight{}, fmt.Errorf("momentum ticker lookup: %w", err)
	}

	trend := "flat"
	switch ticker.ChangePct.Sign() {
	case 1:
		trend = "up"
	case -1:
		trend = "down"
	}

	metrics := map[string]string{
		"price":      ticker.Price.String(),
		"change_pct": ticker.ChangePct.String(),
		"trend":      trend,
	}
	if meta.Stale {
		metrics["stale"] = "true"
	}

	// Position of the current price within the 24h range, when the range is known.
	if ticker.High24h.GreaterThan(ticker.Low24h) {
		span := ticker.High24h.Sub(ticker.Low24h)
		position := ticker.Price.Sub(ticker.Low24h).Div(span)
		metrics["range_position"] = position.Round(4).String()
	}

	return Insight{
		Provider: m.Name(),
		Summary:  fmt.Sprintf("%s is trending %s (%s%% over 24h)", ticker.Symbol, trend, ticker.ChangePct.Round(2)),
		Metrics:  metrics,
	}, nil
}

// HeadlineProvider summarises recent news coverage for the asset.
type HeadlineProvider struct {
	news     *cache.Cache[[]upstream.NewsItem]
	client   upstream.Client
	category string
	limit    int
}

// NewHeadlineProvider constructs the headline provider.
func NewHeadlineProvider(news *cache.Cache[[]upstream.NewsItem], client upstream.Client, category string, limit int) *HeadlineProvider {
	if limit <= 0 {
		limit = 5
	}
	return &HeadlineProvider{news: news, client: client, category: category, limit: limit}
}

// Name identifies the provider in events.
func (h *HeadlineProvider) Name() string { return "headlines" }

// Analyze reports how much recent coverage mentions the asset.
func (h *HeadlineProvider) Analyze(ctx context.Context, assetID, timeframe string) (Insight, error) {
	key := "news:" + h.category
	items, _, err := h.news.Get(ctx, key, func(ctx context.Context) ([]upstream.NewsItem, error) {
		return h.client.FetchNews(ctx, h.category, h.limit*4)
	})
	if err != nil {
		return Insight{}, fmt.Errorf("headline lookup: %w", err)
	}

	needle := strings.ToLower(assetID)
	mentions := 0
	var top string
	for _, item := range items {
		if strings.Contains(strings.ToLower(item.Title), needle) {
			mentions++
			if top == "" {
				top = item.Title
			}
		}
	}

	summary := fmt.Sprintf("%d of %d recent headlines mention %s", mentions, len(items), assetID)
	metrics := map[string]string{
		"mentions":  decimal.NewFromInt(int64(mentions)).String(),
		"headlines": decimal.NewFromInt(int64(len(items))).String(),
	}
	if top != "" {
		metrics["top_headline"] = top
	}

	return Insight{Provider: h.Name(), Summary: summary, Metrics: metrics}, nil
}

var (
	_ Provider = (*MomentumProvider)(nil)
	_ Provider = (*HeadlineProvider)(nil)
)
