package upstream

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnavailable is returned when every configured provider failed.
	ErrUnavailable = errors.New("upstream: all providers unavailable")
	// ErrInvalidResponse marks a payload that does not parse into the
	// expected schema. Missing required numeric fields are never zero-filled.
	ErrInvalidResponse = errors.New("upstream: invalid provider response")
	// ErrNotSupported is returned by a provider that lacks a capability;
	// the chain falls through to the next provider.
	ErrNotSupported = errors.New("upstream: capability not supported")
)

// Ticker is the normalized market snapshot for one asset.
type Ticker struct {
	Symbol    string
	Price     decimal.Decimal
	ChangePct decimal.Decimal
	Volume    decimal.Decimal
	High24h   decimal.Decimal
	Low24h    decimal.Decimal
	Timestamp time.Time
}

// Product describes a tradable pair.
type Product struct {
	ID     string
	Base   string
	Quote  string
	Status string
}

// NewsItem is one normalized headline.
type NewsItem struct {
	ID          string
	Title       string
	URL         string
	Source      string
	Category    string
	PublishedAt time.Time
}

// Client is the capability surface every provider variant implements.
// Variants that lack a capability return ErrNotSupported.
type Client interface {
	Name() string
	FetchTicker(ctx context.Context, assetID string) (Ticker, error)
	FetchProducts(ctx context.Context) ([]Product, error)
	FetchNews(ctx context.Context, category string, limit int) ([]NewsItem, error)
	// Probe performs a lightweight health check.
	Probe(ctx context.Context) error
}
