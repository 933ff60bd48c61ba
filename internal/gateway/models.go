package gateway

import (
	"time"

	"market-gateway/internal/upstream"
)

// ErrorCode classifies a gateway error for clients.
type ErrorCode string

const (
	CodeRateLimited         ErrorCode = "RATE_LIMITED"
	CodeUpstreamUnavailable ErrorCode = "UPSTREAM_UNAVAILABLE"
	CodeInvalidResponse     ErrorCode = "INVALID_RESPONSE"
	CodeValidationFailed    ErrorCode = "VALIDATION_FAILED"
	CodeInsufficientFunds   ErrorCode = "INSUFFICIENT_FUNDS"
	CodePriceUnavailable    ErrorCode = "PRICE_UNAVAILABLE"
	CodeInternal            ErrorCode = "INTERNAL"
)

// ErrorResponse is the structured error envelope.
type ErrorResponse struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	// RetryAfter is present on rate-limit errors, in whole seconds.
	RetryAfter *int64 `json:"retryAfter,omitempty"`
	// Remaining is the caller's remaining quota in the current window.
	Remaining *int `json:"remaining,omitempty"`
}

// TickerResponse is the normalized read payload for one asset. Stale is
// always present so clients can flag degraded data.
type TickerResponse struct {
	Symbol    string    `json:"symbol"`
	Price     string    `json:"price"`
	Change    string    `json:"change"`
	Volume    string    `json:"volume"`
	High      string    `json:"high"`
	Low       string    `json:"low"`
	Timestamp time.Time `json:"timestamp"`
	Stale     bool      `json:"stale"`
	FetchedAt time.Time `json:"fetchedAt"`
}

func tickerResponse(t upstream.Ticker, stale bool, fetchedAt time.Time) TickerResponse {
	return TickerResponse{
		Symbol:    t.Symbol,
		Price:     t.Price.String(),
		Change:    t.ChangePct.String(),
		Volume:    t.Volume.String(),
		High:      t.High24h.String(),
		Low:       t.Low24h.String(),
		Timestamp: t.Timestamp,
		Stale:     stale,
		FetchedAt: fetchedAt,
	}
}

// ProductResponse is one tradable pair.
type ProductResponse struct {
	ID     string `json:"id"`
	Base   string `json:"base"`
	Quote  string `json:"quote"`
	Status string `json:"status"`
}

// ProductsResponse lists products with a freshness flag.
type ProductsResponse struct {
	Products  []ProductResponse `json:"products"`
	Stale     bool              `json:"stale"`
	FetchedAt time.Time         `json:"fetchedAt"`
}

// NewsItemResponse is one headline.
type NewsItemResponse struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Source      string    `json:"source"`
	Category    string    `json:"category"`
	PublishedAt time.Time `json:"publishedAt"`
}

// NewsResponse lists headlines with a freshness flag.
type NewsResponse struct {
	Items     []NewsItemResponse `json:"items"`
	Stale     bool               `json:"stale"`
	FetchedAt time.Time          `json:"fetchedAt"`
}

// OrderRequest is the inbound order payload.
type OrderRequest struct {
	IdempotencyKey string `json:"idempotencyKey"`
	Side           string `json:"side"`
	AssetID        string `json:"assetId"`
	Amount         string `json:"amount"`
	Mode           string `json:"mode"`
}

// OrderResponse reports the executed order.
type OrderResponse struct {
	Success       bool   `json:"success"`
	OrderID       string `json:"orderId"`
	Duplicate     bool   `json:"duplicate"`
	Price         string `json:"price"`
	Quantity      string `json:"quantity"`
	Funds         string `json:"funds"`
	LedgerBalance string `json:"ledgerBalance"`
}
