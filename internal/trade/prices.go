package trade

import (
	"context"

	"github.com/shopspring/decimal"

	"market-gateway/internal/cache"
	"market-gateway/internal/upstream"
)

// PriceSource resolves an execution price for an asset, reporting whether the
// value is stale.
type PriceSource interface {
	Price(ctx context.Context, assetID string) (price decimal.Decimal, stale bool, err error)
}

// CachedPrices resolves prices through the ticker freshness cache, so a burst
// of orders for one asset issues a single upstream fetch and degraded
// upstreams still answer with a stale (flagged) price.
type CachedPrices struct {
	cache  *cache.Cache[upstream.Ticker]
	client upstream.Client
}

// NewCachedPrices wires a ticker cache and an upstream client together.
func NewCachedPrices(c *cache.Cache[upstream.Ticker], client upstream.Client) *CachedPrices {
	return &CachedPrices{cache: c, client: client}
}

// Price returns the asset's current price and its staleness.
func (p *CachedPrices) Price(ctx context.Context, assetID string) (decimal.Decimal, bool, error) {
	ticker, meta, err := p.cache.Get(ctx, "ticker:"+assetID, func(ctx context.Context) (upstream.Ticker, error) {
		return p.client.FetchTicker(ctx, assetID)
	})
	if err != nil {
		return decimal.Decimal{}, false, err
	}
	return ticker.Price, meta.Stale, nil
}

var _ PriceSource = (*CachedPrices)(nil)
