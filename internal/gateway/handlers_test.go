package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"market-gateway/internal/analysis"
	"market-gateway/internal/cache"
	"market-gateway/internal/config"
	"market-gateway/internal/ledger"
	"market-gateway/internal/ratelimit"
	"market-gateway/internal/trade"
	"market-gateway/internal/upstream"
)

type fakeMarket struct {
	ticker     upstream.Ticker
	tickerErr  error
	products   []upstream.Product
	news       []upstream.NewsItem
	probeErr   error
	tickerHits int
}

func (f *fakeMarket) Name() string { return "fake" }

func (f *fakeMarket) FetchTicker(ctx context.Context, assetID string) (upstream.Ticker, error) {
	f.tickerHits++
	if f.tickerErr != nil {
		return upstream.Ticker{}, f.tickerErr
	}
	return f.ticker, nil
}

func (f *fakeMarket) FetchProducts(ctx context.Context) ([]upstream.Product, error) {
	return f.products, nil
}

func (f *fakeMarket) FetchNews(ctx context.Context, category string, limit int) ([]upstream.NewsItem, error) {
	return f.news, nil
}

func (f *fakeMarket) Probe(ctx context.Context) error { return f.probeErr }

type fakeAnalyzer struct {
	name string
	err  error
}

func (f *fakeAnalyzer) Name() string { return f.name }

func (f *fakeAnalyzer) Analyze(ctx context.Context, assetID, timeframe string) (analysis.Insight, error) {
	if f.err != nil {
		return analysis.Insight{}, f.err
	}
	return analysis.Insight{Provider: f.name, Summary: "steady"}, nil
}

func testServer(t *testing.T, market *fakeMarket, readLimit int) (*Server, *ledger.Memory) {
	t.Helper()

	limiter := ratelimit.New(ratelimit.Options{
		Window: time.Minute,
		Limits: map[ratelimit.Class]int{ratelimit.ClassRead: readLimit, ratelimit.ClassTrade: readLimit},
	}, zerolog.Nop())

	tickers := cache.New[upstream.Ticker](cache.Options{TTL: time.Minute}, zerolog.Nop())
	products := cache.New[[]upstream.Product](cache.Options{TTL: time.Minute}, zerolog.Nop())
	news := cache.New[[]upstream.NewsItem](cache.Options{TTL: time.Minute}, zerolog.Nop())

	mem := ledger.NewMemory(zerolog.Nop())
	prices := trade.NewCachedPrices(tickers, market)
	executor := trade.NewExecutor(trade.Options{Assets: []string{"bitcoin"}, QuoteAsset: "USD"}, prices, mem, zerolog.Nop())
	streamer := analysis.NewStreamer([]analysis.Provider{&fakeAnalyzer{name: "momentum"}}, zerolog.Nop())

	s := NewServer(config.ServerConfig{Addr: ":0"}, Deps{
		Limiter:  limiter,
		Market:   market,
		Tickers:  tickers,
		Products: products,
		News:     news,
		Executor: executor,
		Streamer: streamer,
	}, zerolog.Nop())
	return s, mem
}

func TestTickerHandler(t *testing.T) {
	market := &fakeMarket{ticker: upstream.Ticker{
		Symbol:    "BTC",
		Price:     decimal.RequireFromString("50000"),
		Timestamp: time.Now().UTC(),
	}}
	s, _ := testServer(t, market, 100)

	req := httptest.NewRequest(http.MethodGet, "/v1/ticker/bitcoin", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var res TickerResponse
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Price != "50000" {
		t.Fatalf("price = %q, want 50000", res.Price)
	}
	if res.Stale {
		t.Fatal("fresh fetch must not be marked stale")
	}
}

func TestTickerServedFromCache(t *testing.T) {
	market := &fakeMarket{ticker: upstream.Ticker{Symbol: "BTC", Price: decimal.RequireFromString("50000")}}
	s, _ := testServer(t, market, 100)

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/ticker/bitcoin", nil)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, rec.Code)
		}
	}
	if market.tickerHits != 1 {
		t.Fatalf("upstream hits = %d, want 1", market.tickerHits)
	}
}

func TestTickerUpstreamUnavailable(t *testing.T) {
	market := &fakeMarket{tickerErr: upstream.ErrUnavailable}
	s, _ := testServer(t, market, 100)

	req := httptest.NewRequest(http.MethodGet, "/v1/ticker/bitcoin", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var res ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Code != CodeUpstreamUnavailable {
		t.Fatalf("code = %q, want %q", res.Code, CodeUpstreamUnavailable)
	}
}

func TestRateLimitResponse(t *testing.T) {
	market := &fakeMarket{ticker: upstream.Ticker{Symbol: "BTC", Price: decimal.RequireFromString("1")}}
	s, _ := testServer(t, market, 2)

	var rec *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/ticker/bitcoin", nil)
		req.Header.Set("X-API-Key", "caller-1")
		rec = httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
	}

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third request status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("Retry-After header missing")
	}
	var res ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Code != CodeRateLimited {
		t.Fatalf("code = %q, want %q", res.Code, CodeRateLimited)
	}
	if res.RetryAfter == nil || *res.RetryAfter < 1 {
		t.Fatalf("retryAfter = %v, want >= 1 second", res.RetryAfter)
	}
	if res.Remaining == nil || *res.Remaining != 0 {
		t.Fatalf("remaining = %v, want 0", res.Remaining)
	}
}

func TestRateLimitIsolatesCallers(t *testing.T) {
	market := &fakeMarket{ticker: upstream.Ticker{Symbol: "BTC", Price: decimal.RequireFromString("1")}}
	s, _ := testServer(t, market, 1)

	for _, key := range []string{"caller-a", "caller-b"} {
		req := httptest.NewRequest(http.MethodGet, "/v1/ticker/bitcoin", nil)
		req.Header.Set("X-API-Key", key)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("caller %s status = %d, want 200", key, rec.Code)
		}
	}
}

func TestPlaceOrder(t *testing.T) {
	market := &fakeMarket{ticker: upstream.Ticker{Symbol: "BTC", Price: decimal.RequireFromString("50000")}}
	s, mem := testServer(t, market, 100)
	mem.SetBalance("caller-1", "USD", decimal.RequireFromString("1000"))

	body := `{"idempotencyKey":"ord-1","side":"buy","assetId":"bitcoin","amount":"500","mode":"real"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/orders", strings.NewReader(body))
	req.Header.Set("X-API-Key", "caller-1")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var res OrderResponse
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.Success || res.OrderID == "" {
		t.Fatalf("unexpected order response: %+v", res)
	}
	if res.LedgerBalance != "500" {
		t.Fatalf("ledger balance = %q, want 500", res.LedgerBalance)
	}
}

func TestPlaceOrderInsufficientFunds(t *testing.T) {
	market := &fakeMarket{ticker: upstream.Ticker{Symbol: "BTC", Price: decimal.RequireFromString("50000")}}
	s, _ := testServer(t, market, 100)

	body := `{"idempotencyKey":"ord-2","side":"buy","assetId":"bitcoin","amount":"500","mode":"real"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/orders", strings.NewReader(body))
	req.Header.Set("X-API-Key", "caller-1")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
	var res ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Code != CodeInsufficientFunds {
		t.Fatalf("code = %q, want %q", res.Code, CodeInsufficientFunds)
	}
}

func TestPlaceOrderValidation(t *testing.T) {
	market := &fakeMarket{ticker: upstream.Ticker{Symbol: "BTC", Price: decimal.RequireFromString("50000")}}
	s, _ := testServer(t, market, 100)

	cases := []struct {
		name string
		body string
	}{
		{"malformed json", `{"side":`},
		{"bad amount", `{"idempotencyKey":"k","side":"buy","assetId":"bitcoin","amount":"abc","mode":"real"}`},
		{"unknown asset", `{"idempotencyKey":"k","side":"buy","assetId":"dogecoin","amount":"10","mode":"real"}`},
		{"bad side", `{"idempotencyKey":"k","side":"hold","assetId":"bitcoin","amount":"10","mode":"real"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/orders", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestAnalysisSSE(t *testing.T) {
	market := &fakeMarket{ticker: upstream.Ticker{Symbol: "BTC", Price: decimal.RequireFromString("50000")}}
	s, _ := testServer(t, market, 100)

	req := httptest.NewRequest(http.MethodGet, "/v1/analysis/bitcoin?timeframe=24h", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q, want text/event-stream", ct)
	}

	var types []string
	scanner := bufio.NewScanner(bytes.NewReader(rec.Body.Bytes()))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			types = append(types, strings.TrimPrefix(line, "event: "))
		}
	}
	want := []string{"status", "update", "complete"}
	if len(types) != len(want) {
		t.Fatalf("event types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event %d = %q, want %q", i, types[i], want[i])
		}
	}
}

func TestHealthzDegraded(t *testing.T) {
	market := &fakeMarket{probeErr: upstream.ErrUnavailable}
	s, _ := testServer(t, market, 100)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var res map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res["status"] != "degraded" {
		t.Fatalf("status = %q, want degraded", res["status"])
	}
}
