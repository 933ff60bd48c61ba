package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"

	"market-gateway/internal/ledger"
	"market-gateway/internal/ratelimit"
	"market-gateway/internal/trade"
	"market-gateway/internal/upstream"
)

// callerKey identifies the caller for admission control: the API key header
// when present, the remote address otherwise.
func callerKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// admit runs the rate limiter and writes the 429 response on denial.
func (s *Server) admit(w http.ResponseWriter, r *http.Request, class ratelimit.Class) bool {
	decision := s.deps.Limiter.Admit(callerKey(r), class)
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	if decision.Allowed {
		return true
	}

	s.deps.Metrics.observeRateLimited(string(class))
	retryAfter := int64(math.Ceil(decision.RetryAfter.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
	remaining := decision.Remaining
	writeJSON(w, http.StatusTooManyRequests, ErrorResponse{
		Code:       CodeRateLimited,
		Message:    "rate limit exceeded",
		RetryAfter: &retryAfter,
		Remaining:  &remaining,
	})
	return false
}

func (s *Server) handleTicker(w http.ResponseWriter, r *http.Request) {
	if !s.admit(w, r, ratelimit.ClassRead) {
		s.deps.Metrics.observeRequest("ticker", "rate_limited")
		return
	}

	asset := r.PathValue("asset")
	ticker, meta, err := s.deps.Tickers.Get(r.Context(), "ticker:"+asset, func(ctx context.Context) (upstream.Ticker, error) {
		return s.deps.Market.FetchTicker(ctx, asset)
	})
	if err != nil {
		s.deps.Metrics.observeRequest("ticker", "error")
		s.writeUpstreamError(w, err)
		return
	}

	s.deps.Metrics.observeCacheServe("ticker", meta.Cached, meta.Stale)
	s.deps.Metrics.observeRequest("ticker", "ok")
	writeJSON(w, http.StatusOK, tickerResponse(ticker, meta.Stale, meta.FetchedAt))
}

func (s *Server) handleProducts(w http.ResponseWriter, r *http.Request) {
	if !s.admit(w, r, ratelimit.ClassRead) {
		s.deps.Metrics.observeRequest("products", "rate_limited")
		return
	}

	products, meta, err := s.deps.Products.Get(r.Context(), "products", func(ctx context.Context) ([]upstream.Product, error) {
		return s.deps.Market.FetchProducts(ctx)
	})
	if err != nil {
		s.deps.Metrics.observeRequest("products", "error")
		s.writeUpstreamError(w, err)
		return
	}

	res := ProductsResponse{
		Products:  make([]ProductResponse, 0, len(products)),
		Stale:     meta.Stale,
		FetchedAt: meta.FetchedAt,
	}
	for _, p := range products {
		res.Products = append(res.Products, ProductResponse{ID: p.ID, Base: p.Base, Quote: p.Quote, Status: p.Status})
	}

	s.deps.Metrics.observeCacheServe("products", meta.Cached, meta.Stale)
	s.deps.Metrics.observeRequest("products", "ok")
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleNews(w http.ResponseWriter, r *http.Request) {
	if !s.admit(w, r, ratelimit.ClassRead) {
		s.deps.Metrics.observeRequest("news", "rate_limited")
		return
	}

	category := r.URL.Query().Get("category")
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Code: CodeValidationFailed, Message: "limit must be a positive integer"})
			return
		}
		limit = parsed
	}

	items, meta, err := s.deps.News.Get(r.Context(), "news:"+category, func(ctx context.Context) ([]upstream.NewsItem, error) {
		return s.deps.Market.FetchNews(ctx, category, limit)
	})
	if err != nil {
		s.deps.Metrics.observeRequest("news", "error")
		s.writeUpstreamError(w, err)
		return
	}
	if len(items) > limit {
		items = items[:limit]
	}

	res := NewsResponse{
		Items:     make([]NewsItemResponse, 0, len(items)),
		Stale:     meta.Stale,
		FetchedAt: meta.FetchedAt,
	}
	for _, item := range items {
		res.Items = append(res.Items, NewsItemResponse{
			ID:          item.ID,
			Title:       item.Title,
			URL:         item.URL,
			Source:      item.Source,
			Category:    item.Category,
			PublishedAt: item.PublishedAt,
		})
	}

	s.deps.Metrics.observeCacheServe("news", meta.Cached, meta.Stale)
	s.deps.Metrics.observeRequest("news", "ok")
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	if !s.admit(w, r, ratelimit.ClassTrade) {
		s.deps.Metrics.observeRequest("orders", "rate_limited")
		return
	}

	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Code: CodeValidationFailed, Message: "malformed order payload"})
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Code: CodeValidationFailed, Message: "amount must be a decimal number"})
		return
	}

	result, err := s.deps.Executor.Execute(r.Context(), trade.Request{
		IdempotencyKey: req.IdempotencyKey,
		UserID:         callerKey(r),
		Side:           ledger.Side(req.Side),
		AssetID:        req.AssetID,
		Amount:         amount,
		Mode:           ledger.Mode(req.Mode),
	})
	if err != nil {
		s.deps.Metrics.observeOrder(req.Mode, req.Side, "error")
		s.writeOrderError(w, err)
		return
	}

	s.deps.Metrics.observeOrder(req.Mode, req.Side, "ok")
	s.deps.Metrics.observeRequest("orders", "ok")
	writeJSON(w, http.StatusOK, OrderResponse{
		Success:       true,
		OrderID:       result.OrderID,
		Duplicate:     result.Duplicate,
		Price:         result.Price.String(),
		Quantity:      result.Quantity.String(),
		Funds:         result.Funds.String(),
		LedgerBalance: result.QuoteBalance.String(),
	})
}

func (s *Server) writeOrderError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, trade.ErrValidationFailed):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Code: CodeValidationFailed, Message: err.Error()})
	case errors.Is(err, ledger.ErrInsufficientFunds):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Code: CodeInsufficientFunds, Message: "insufficient funds"})
	case errors.Is(err, trade.ErrPriceUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Code: CodePriceUnavailable, Message: "no execution price available"})
	default:
		s.logger.Error().Err(err).Msg("order execution failed")
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Code: CodeInternal, Message: "order execution failed"})
	}
}

func (s *Server) writeUpstreamError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, upstream.ErrInvalidResponse):
		writeJSON(w, http.StatusBadGateway, ErrorResponse{Code: CodeInvalidResponse, Message: "upstream returned malformed data"})
	case errors.Is(err, upstream.ErrUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Code: CodeUpstreamUnavailable, Message: "all market data providers unavailable"})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Client went away; nothing useful to write.
	default:
		s.logger.Error().Err(err).Msg("read path failed")
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Code: CodeUpstreamUnavailable, Message: "market data unavailable"})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
