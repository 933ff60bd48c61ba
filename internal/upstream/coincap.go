package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// CoinCapOptions parameterise the CoinCap provider.
type CoinCapOptions struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	UserAgent string
}

// CoinCap fetches asset data from the CoinCap REST API. It has no news
// capability; the chain falls through to another provider for headlines.
type CoinCap struct {
	opts    CoinCapOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewCoinCap constructs a CoinCap provider.
func NewCoinCap(opts CoinCapOptions, logger zerolog.Logger) *CoinCap {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.coincap.io/v2"
	}

	return &CoinCap{
		opts:    opts,
		logger:  logger.With().Str("component", "coincap_provider").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// Name identifies the provider in chain ordering and logs.
func (c *CoinCap) Name() string { return "coincap" }

type capAsset struct {
	ID           string `json:"id"`
	Symbol       string `json:"symbol"`
	PriceUSD     string `json:"priceUsd"`
	ChangePct24h string `json:"changePercent24Hr"`
	VolumeUSD24h string `json:"volumeUsd24Hr"`
}

type capAssetResponse struct {
	Data      capAsset `json:"data"`
	Timestamp int64    `json:"timestamp"`
}

type capAssetsResponse struct {
	Data []capAsset `json:"data"`
}

// FetchTicker retrieves the current snapshot for one asset.
func (c *CoinCap) FetchTicker(ctx context.Context, assetID string) (Ticker, error) {
	var res capAssetResponse
	if err := c.getJSON(ctx, "/assets/"+url.PathEscape(assetID), nil, &res); err != nil {
		return Ticker{}, err
	}

	if res.Data.Symbol == "" {
		return Ticker{}, fmt.Errorf("%w: asset %q missing symbol", ErrInvalidResponse, assetID)
	}
	if res.Data.PriceUSD == "" {
		return Ticker{}, fmt.Errorf("%w: asset %q missing priceUsd", ErrInvalidResponse, assetID)
	}

	price, err := decimal.NewFromString(res.Data.PriceUSD)
	if err != nil {
		return Ticker{}, fmt.Errorf("%w: parse priceUsd: %v", ErrInvalidResponse, err)
	}

	ticker := Ticker{
		Symbol:    strings.ToUpper(res.Data.Symbol),
		Price:     price,
		Timestamp: time.Now().UTC(),
	}
	if res.Timestamp > 0 {
		ticker.Timestamp = time.UnixMilli(res.Timestamp).UTC()
	}
	if res.Data.ChangePct24h != "" {
		if change, err := decimal.NewFromString(res.Data.ChangePct24h); err == nil {
			ticker.ChangePct = change
		}
	}
	if res.Data.VolumeUSD24h != "" {
		if volume, err := decimal.NewFromString(res.Data.VolumeUSD24h); err == nil {
			ticker.Volume = volume
		}
	}
	return ticker, nil
}

// FetchProducts lists assets quoted in USD.
func (c *CoinCap) FetchProducts(ctx context.Context) ([]Product, error) {
	query := url.Values{}
	query.Set("limit", "100")

	var res capAssetsResponse
	if err := c.getJSON(ctx, "/assets", query, &res); err != nil {
		return nil, err
	}

	products := make([]Product, 0, len(res.Data))
	for _, a := range res.Data {
		if a.ID == "" || a.Symbol == "" {
			return nil, fmt.Errorf("%w: asset entry missing id or symbol", ErrInvalidResponse)
		}
		products = append(products, Product{
			ID:     a.ID,
			Base:   strings.ToUpper(a.Symbol),
			Quote:  "USD",
			Status: "online",
		})
	}
	return products, nil
}

// FetchNews is not supported by CoinCap.
func (c *CoinCap) FetchNews(ctx context.Context, category string, limit int) ([]NewsItem, error) {
	return nil, ErrNotSupported
}

// Probe checks API reachability with a minimal assets query.
func (c *CoinCap) Probe(ctx context.Context) error {
	query := url.Values{}
	query.Set("limit", "1")
	var res capAssetsResponse
	return c.getJSON(ctx, "/assets", query, &res)
}

func (c *CoinCap) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "market-gateway/1.0")
	}
	if c.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("coincap request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("coincap read body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("coincap api error (%d): %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return nil
}

var _ Client = (*CoinCap)(nil)
