package upstream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type fakeProvider struct {
	name     string
	ticker   Ticker
	err      error
	probeErr error
	calls    int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) FetchTicker(ctx context.Context, assetID string) (Ticker, error) {
	f.calls++
	if f.err != nil {
		return Ticker{}, f.err
	}
	return f.ticker, nil
}

func (f *fakeProvider) FetchProducts(ctx context.Context) ([]Product, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []Product{{ID: "bitcoin", Base: "BTC", Quote: "USD", Status: "online"}}, nil
}

func (f *fakeProvider) FetchNews(ctx context.Context, category string, limit int) ([]NewsItem, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []NewsItem{{ID: "1", Title: "headline"}}, nil
}

func (f *fakeProvider) Probe(ctx context.Context) error { return f.probeErr }

func newChain(providers ...Client) *Chain {
	return NewChain(providers, ChainOptions{}, zerolog.Nop())
}

func TestChainUsesPrimaryFirst(t *testing.T) {
	primary := &fakeProvider{name: "primary", ticker: Ticker{Symbol: "BTC", Price: decimal.NewFromInt(100)}}
	secondary := &fakeProvider{name: "secondary", ticker: Ticker{Symbol: "BTC", Price: decimal.NewFromInt(99)}}
	c := newChain(primary, secondary)

	ticker, err := c.FetchTicker(context.Background(), "bitcoin")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ticker.Price.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected the primary's price, got %s", ticker.Price)
	}
	if secondary.calls != 0 {
		t.Fatal("secondary must not be called when the primary succeeds")
	}
}

func TestChainFallsThroughOnFailure(t *testing.T) {
	primary := &fakeProvider{name: "primary", err: errors.New("timeout")}
	secondary := &fakeProvider{name: "secondary", ticker: Ticker{Symbol: "BTC", Price: decimal.NewFromInt(99)}}
	c := newChain(primary, secondary)

	ticker, err := c.FetchTicker(context.Background(), "bitcoin")
	if err != nil {
		t.Fatalf("fallback should have served the request: %v", err)
	}
	if !ticker.Price.Equal(decimal.NewFromInt(99)) {
		t.Fatalf("expected fallback price, got %s", ticker.Price)
	}
	if c.Healthy("primary") {
		t.Fatal("failed primary should be flagged unhealthy")
	}
}

func TestChainInvalidResponseTriggersFallback(t *testing.T) {
	primary := &fakeProvider{name: "primary", err: ErrInvalidResponse}
	secondary := &fakeProvider{name: "secondary", ticker: Ticker{Symbol: "BTC", Price: decimal.NewFromInt(50)}}
	c := newChain(primary, secondary)

	if _, err := c.FetchTicker(context.Background(), "bitcoin"); err != nil {
		t.Fatalf("schema violation must fall through, not surface: %v", err)
	}
}

func TestChainAllFailedIsUnavailable(t *testing.T) {
	primary := &fakeProvider{name: "primary", err: errors.New("down")}
	secondary := &fakeProvider{name: "secondary", err: errors.New("also down")}
	c := newChain(primary, secondary)

	_, err := c.FetchTicker(context.Background(), "bitcoin")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestChainNotSupportedSkipsQuietly(t *testing.T) {
	onchain := &fakeProvider{name: "onchain", err: ErrNotSupported}
	rest := &fakeProvider{name: "rest"}
	c := newChain(onchain, rest)

	items, err := c.FetchNews(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected one headline, got %d", len(items))
	}
	if !c.Healthy("onchain") {
		t.Fatal("a missing capability must not flag the provider unhealthy")
	}
}

func TestChainSkipsUnhealthyProvider(t *testing.T) {
	primary := &fakeProvider{name: "primary", err: errors.New("down")}
	secondary := &fakeProvider{name: "secondary", ticker: Ticker{Symbol: "BTC", Price: decimal.NewFromInt(1)}}
	c := newChain(primary, secondary)

	if _, err := c.FetchTicker(context.Background(), "bitcoin"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	primaryCalls := primary.calls
	if _, err := c.FetchTicker(context.Background(), "bitcoin"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if primary.calls != primaryCalls {
		t.Fatal("unhealthy primary should be skipped while a healthy fallback exists")
	}
}

func TestChainProbeRestoresProvider(t *testing.T) {
	primary := &fakeProvider{name: "primary", err: errors.New("down")}
	secondary := &fakeProvider{name: "secondary"}
	c := newChain(primary, secondary)

	if _, err := c.FetchTicker(context.Background(), "bitcoin"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Healthy("primary") {
		t.Fatal("primary should start unhealthy after a failure")
	}

	primary.err = nil
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c.probeAll(ctx)

	if !c.Healthy("primary") {
		t.Fatal("successful probe should restore the provider")
	}
}

func TestChainSuccessRestoresHealth(t *testing.T) {
	primary := &fakeProvider{name: "primary", err: errors.New("down")}
	c := newChain(primary)

	if _, err := c.FetchTicker(context.Background(), "bitcoin"); err == nil {
		t.Fatal("expected failure with a single broken provider")
	}

	primary.err = nil
	if _, err := c.FetchTicker(context.Background(), "bitcoin"); err != nil {
		t.Fatalf("recovered provider should serve: %v", err)
	}
	if !c.Healthy("primary") {
		t.Fatal("a successful call should clear the unhealthy flag")
	}
}
