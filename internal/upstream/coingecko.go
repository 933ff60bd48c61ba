package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// CoinGeckoOptions parameterise the CoinGecko provider.
type CoinGeckoOptions struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	UserAgent  string
	VsCurrency string
}

// CoinGecko fetches market data and news from the CoinGecko API.
type CoinGecko struct {
	opts    CoinGeckoOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewCoinGecko constructs a CoinGecko provider.
func NewCoinGecko(opts CoinGeckoOptions, logger zerolog.Logger) *CoinGecko {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.coingecko.com/api/v3"
	}
	if opts.VsCurrency == "" {
		opts.VsCurrency = "usd"
	}

	return &CoinGecko{
		opts:    opts,
		logger:  logger.With().Str("component", "coingecko_provider").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// Name identifies the provider in chain ordering and logs.
func (c *CoinGecko) Name() string { return "coingecko" }

type geckoMarket struct {
	ID           string   `json:"id"`
	Symbol       string   `json:"symbol"`
	CurrentPrice *float64 `json:"current_price"`
	ChangePct24h *float64 `json:"price_change_percentage_24h"`
	TotalVolume  *float64 `json:"total_volume"`
	High24h      *float64 `json:"high_24h"`
	Low24h       *float64 `json:"low_24h"`
	LastUpdated  string   `json:"last_updated"`
}

// FetchTicker retrieves the current market snapshot for one asset.
func (c *CoinGecko) FetchTicker(ctx context.Context, assetID string) (Ticker, error) {
	query := url.Values{}
	query.Set("vs_currency", c.opts.VsCurrency)
	query.Set("ids", assetID)

	var markets []geckoMarket
	if err := c.getJSON(ctx, "/coins/markets", query, &markets); err != nil {
		return Ticker{}, err
	}
	if len(markets) == 0 {
		return Ticker{}, fmt.Errorf("%w: no market entry for %q", ErrInvalidResponse, assetID)
	}

	return c.normalizeMarket(markets[0])
}

// FetchProducts lists tradable assets against the configured quote currency.
func (c *CoinGecko) FetchProducts(ctx context.Context) ([]Product, error) {
	query := url.Values{}
	query.Set("vs_currency", c.opts.VsCurrency)
	query.Set("order", "market_cap_desc")
	query.Set("per_page", "100")

	var markets []geckoMarket
	if err := c.getJSON(ctx, "/coins/markets", query, &markets); err != nil {
		return nil, err
	}

	quote := strings.ToUpper(c.opts.VsCurrency)
	products := make([]Product, 0, len(markets))
	for _, m := range markets {
		if m.ID == "" || m.Symbol == "" {
			return nil, fmt.Errorf("%w: market entry missing id or symbol", ErrInvalidResponse)
		}
		products = append(products, Product{
			ID:     m.ID,
			Base:   strings.ToUpper(m.Symbol),
			Quote:  quote,
			Status: "online",
		})
	}
	return products, nil
}

type geckoNewsResponse struct {
	Data []struct {
		ID          string `json:"id"`
		Title       string `json:"title"`
		URL         string `json:"url"`
		NewsSite    string `json:"news_site"`
		Category    string `json:"category"`
		UpdatedAt   int64  `json:"updated_at"`
		Description string `json:"description"`
	} `json:"data"`
}

// FetchNews retrieves recent headlines, optionally filtered by category.
func (c *CoinGecko) FetchNews(ctx context.Context, category string, limit int) ([]NewsItem, error) {
	query := url.Values{}
	if category != "" {
		query.Set("category", category)
	}
	if limit > 0 {
		query.Set("per_page", strconv.Itoa(limit))
	}

	var res geckoNewsResponse
	if err := c.getJSON(ctx, "/news", query, &res); err != nil {
		return nil, err
	}

	items := make([]NewsItem, 0, len(res.Data))
	for _, d := range res.Data {
		if d.Title == "" {
			return nil, fmt.Errorf("%w: news entry missing title", ErrInvalidResponse)
		}
		items = append(items, NewsItem{
			ID:          d.ID,
			Title:       d.Title,
			URL:         d.URL,
			Source:      d.NewsSite,
			Category:    d.Category,
			PublishedAt: time.Unix(d.UpdatedAt, 0).UTC(),
		})
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// Probe checks API reachability via the ping endpoint.
func (c *CoinGecko) Probe(ctx context.Context) error {
	var res struct {
		GeckoSays string `json:"gecko_says"`
	}
	return c.getJSON(ctx, "/ping", nil, &res)
}

func (c *CoinGecko) normalizeMarket(m geckoMarket) (Ticker, error) {
	if m.Symbol == "" {
		return Ticker{}, fmt.Errorf("%w: market entry missing symbol", ErrInvalidResponse)
	}
	// Required numeric fields must be present; a missing price is a contract
	// violation, not a zero-valued asset.
	if m.CurrentPrice == nil {
		return Ticker{}, fmt.Errorf("%w: market entry for %q missing current_price", ErrInvalidResponse, m.Symbol)
	}

	ticker := Ticker{
		Symbol:    strings.ToUpper(m.Symbol),
		Price:     decimal.NewFromFloat(*m.CurrentPrice),
		Timestamp: time.Now().UTC(),
	}
	if m.ChangePct24h != nil {
		ticker.ChangePct = decimal.NewFromFloat(*m.ChangePct24h)
	}
	if m.TotalVolume != nil {
		ticker.Volume = decimal.NewFromFloat(*m.TotalVolume)
	}
	if m.High24h != nil {
		ticker.High24h = decimal.NewFromFloat(*m.High24h)
	}
	if m.Low24h != nil {
		ticker.Low24h = decimal.NewFromFloat(*m.Low24h)
	}
	if m.LastUpdated != "" {
		if ts, err := time.Parse(time.RFC3339, m.LastUpdated); err == nil {
			ticker.Timestamp = ts.UTC()
		}
	}
	return ticker, nil
}

func (c *CoinGecko) getJSON(ctx context.Context, path string, query url.Values, out any) error {
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
		req.Header.Set("x-cg-demo-api-key", c.opts.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("coingecko request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("coingecko read body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("coingecko api error (%d): %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return nil
}

var _ Client = (*CoinGecko)(nil)
