package upstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ChainOptions tune provider fallback behaviour.
type ChainOptions struct {
	// ProbeInterval controls the background health loop cadence.
	ProbeInterval time.Duration
	// ProbeTimeout bounds each individual health probe.
	ProbeTimeout time.Duration
}

// Chain tries providers in priority order and falls through on failure.
// A provider that times out, returns a non-2xx, or violates the response
// schema is marked unhealthy and skipped until a probe restores it.
type Chain struct {
	opts      ChainOptions
	providers []Client
	logger    zerolog.Logger

	mu        sync.RWMutex
	unhealthy map[string]bool
}

// NewChain constructs a fallback chain over providers in priority order.
func NewChain(providers []Client, opts ChainOptions, logger zerolog.Logger) *Chain {
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = 30 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	return &Chain{
		opts:      opts,
		providers: providers,
		logger:    logger.With().Str("component", "upstream_chain").Logger(),
		unhealthy: make(map[string]bool),
	}
}

// Name identifies the chain when it is itself used as a Client.
func (c *Chain) Name() string { return "chain" }

// FetchTicker tries each provider until one returns a ticker.
func (c *Chain) FetchTicker(ctx context.Context, assetID string) (Ticker, error) {
	return fallthroughCall(c, ctx, "ticker", func(ctx context.Context, p Client) (Ticker, error) {
		return p.FetchTicker(ctx, assetID)
	})
}

// FetchProducts tries each provider until one returns a product list.
func (c *Chain) FetchProducts(ctx context.Context) ([]Product, error) {
	return fallthroughCall(c, ctx, "products", func(ctx context.Context, p Client) ([]Product, error) {
		return p.FetchProducts(ctx)
	})
}

// FetchNews tries each provider until one returns headlines.
func (c *Chain) FetchNews(ctx context.Context, category string, limit int) ([]NewsItem, error) {
	return fallthroughCall(c, ctx, "news", func(ctx context.Context, p Client) ([]NewsItem, error) {
		return p.FetchNews(ctx, category, limit)
	})
}

// Probe succeeds when at least one provider is reachable.
func (c *Chain) Probe(ctx context.Context) error {
	var errs []error
	for _, p := range c.providers {
		if err := p.Probe(ctx); err == nil {
			return nil
		} else {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	return errors.Join(append([]error{ErrUnavailable}, errs...)...)
}

func fallthroughCall[T any](c *Chain, ctx context.Context, op string, call func(context.Context, Client) (T, error)) (T, error) {
	var zero T
	var errs []error

	ordered := make([]Client, 0, len(c.providers))
	var flagged []Client
	for _, p := range c.providers {
		if c.Healthy(p.Name()) {
			ordered = append(ordered, p)
		} else {
			flagged = append(flagged, p)
		}
	}
	// Unhealthy providers move to the back of the line so a fully degraded
	// chain still attempts everyone before reporting unavailable.
	ordered = append(ordered, flagged...)

	for _, p := range ordered {
		value, err := call(ctx, p)
		if err == nil {
			c.markHealthy(p.Name())
			return value, nil
		}
		if errors.Is(err, ErrNotSupported) {
			continue
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		c.markUnhealthy(p.Name())
		c.logger.Warn().Str("provider", p.Name()).Str("op", op).Err(err).Msg("provider failed, falling through")
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}

	return zero, errors.Join(append([]error{ErrUnavailable}, errs...)...)
}

// Healthy reports the current health flag for a provider.
func (c *Chain) Healthy(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.unhealthy[name]
}

func (c *Chain) markUnhealthy(name string) {
	c.mu.Lock()
	c.unhealthy[name] = true
	c.mu.Unlock()
}

func (c *Chain) markHealthy(name string) {
	c.mu.Lock()
	delete(c.unhealthy, name)
	c.mu.Unlock()
}

// RunProbes drives the background health loop until ctx is cancelled.
func (c *Chain) RunProbes(ctx context.Context) {
	ticker := time.NewTicker(c.opts.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.probeAll(ctx)
		}
	}
}

func (c *Chain) probeAll(ctx context.Context) {
	for _, p := range c.providers {
		probeCtx, cancel := context.WithTimeout(ctx, c.opts.ProbeTimeout)
		err := p.Probe(probeCtx)
		cancel()

		if err != nil {
			if c.Healthy(p.Name()) {
				c.logger.Warn().Str("provider", p.Name()).Err(err).Msg("health probe failed")
			}
			c.markUnhealthy(p.Name())
			continue
		}
		if !c.Healthy(p.Name()) {
			c.logger.Info().Str("provider", p.Name()).Msg("provider recovered")
		}
		c.markHealthy(p.Name())
	}
}

var _ Client = (*Chain)(nil)
