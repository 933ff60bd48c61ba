package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"market-gateway/internal/alerting"
	"market-gateway/internal/analysis"
	"market-gateway/internal/cache"
	"market-gateway/internal/config"
	"market-gateway/internal/gateway"
	"market-gateway/internal/ledger"
	"market-gateway/internal/ratelimit"
	"market-gateway/internal/scheduler"
	"market-gateway/internal/trade"
	"market-gateway/internal/upstream"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// newChain builds the provider fallback chain in configured priority order.
func (a *App) newChain() *upstream.Chain {
	cfg := a.Config.Providers

	var providers []upstream.Client
	for _, name := range cfg.Priority {
		switch name {
		case "coingecko":
			providers = append(providers, upstream.NewCoinGecko(upstream.CoinGeckoOptions{
				BaseURL:   cfg.CoinGecko.BaseURL,
				APIKey:    cfg.CoinGecko.APIKey,
				Timeout:   cfg.CoinGecko.RequestTimeout,
				UserAgent: cfg.CoinGecko.UserAgent,
			}, a.Logger))
		case "coincap":
			providers = append(providers, upstream.NewCoinCap(upstream.CoinCapOptions{
				BaseURL:   cfg.CoinCap.BaseURL,
				APIKey:    cfg.CoinCap.APIKey,
				Timeout:   cfg.CoinCap.RequestTimeout,
				UserAgent: cfg.CoinCap.UserAgent,
			}, a.Logger))
		case "onchain":
			providers = append(providers, upstream.NewOnChain(upstream.OnChainOptions{
				RPCURL:  cfg.OnChain.RPCURL,
				Feeds:   cfg.OnChain.Feeds,
				Timeout: cfg.OnChain.RequestTimeout,
			}, a.Logger))
		}
	}

	return upstream.NewChain(providers, upstream.ChainOptions{
		ProbeInterval: cfg.ProbeInterval,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled {
		return nil
	}
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

// openLedger returns the PostgreSQL ledger when a DSN is configured, the
// in-memory ledger otherwise.
func (a *App) openLedger(ctx context.Context) (ledger.Ledger, func(), error) {
	if a.Config.Database.DSN == "" {
		a.Logger.Warn().Msg("database.dsn not configured; using in-memory ledger")
		return ledger.NewMemory(a.Logger), func() {}, nil
	}

	pool, err := ledger.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}
	return ledger.NewPostgres(pool, a.Logger), pool.Close, nil
}

// Run executes the long-running gateway service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	led, closeLedger, err := a.openLedger(ctx)
	if err != nil {
		return err
	}
	defer closeLedger()

	chain := a.newChain()

	cacheCfg := a.Config.Cache
	tickers := cache.New[upstream.Ticker](cache.Options{TTL: cacheCfg.TickerTTL, Capacity: cacheCfg.Capacity}, a.Logger)
	products := cache.New[[]upstream.Product](cache.Options{TTL: cacheCfg.ProductsTTL, Capacity: cacheCfg.Capacity}, a.Logger)
	news := cache.New[[]upstream.NewsItem](cache.Options{TTL: cacheCfg.NewsTTL, Capacity: cacheCfg.Capacity}, a.Logger)

	// Execution prices get a tighter TTL than dashboard reads.
	execTickers := cache.New[upstream.Ticker](cache.Options{TTL: a.Config.Trading.PriceTTL, Capacity: cacheCfg.Capacity}, a.Logger)
	prices := trade.NewCachedPrices(execTickers, chain)

	limiter := ratelimit.New(ratelimit.Options{
		Window: a.Config.RateLimit.Window,
		Limits: map[ratelimit.Class]int{
			ratelimit.ClassRead:  a.Config.RateLimit.ReadLimit,
			ratelimit.ClassTrade: a.Config.RateLimit.TradeLimit,
		},
	}, a.Logger)

	notifier := a.newNotifier()
	executor := trade.NewExecutor(trade.Options{
		Assets:     a.Config.Trading.Assets,
		QuoteAsset: a.Config.Trading.QuoteAsset,
		OnTrade:    a.tradeHook(notifier),
	}, prices, led, a.Logger)

	streamer := analysis.NewStreamer([]analysis.Provider{
		analysis.NewMomentumProvider(tickers, chain),
		analysis.NewHeadlineProvider(news, chain, a.Config.Analysis.NewsCategory, a.Config.Analysis.NewsLimit),
	}, a.Logger)

	srv := gateway.NewServer(a.Config.Server, gateway.Deps{
		Limiter:  limiter,
		Market:   chain,
		Tickers:  tickers,
		Products: products,
		News:     news,
		Executor: executor,
		Streamer: streamer,
		Metrics:  gateway.NewMetrics(),
	}, a.Logger)

	go chain.RunProbes(ctx)

	sweeper := scheduler.New(scheduler.Options{Interval: a.Config.RateLimit.SweepInterval}, a.Logger)
	go func() {
		_ = sweeper.Run(ctx, func(context.Context) error {
			if evicted := limiter.Sweep(); evicted > 0 {
				a.Logger.Debug().Int("evicted", evicted).Msg("swept idle rate-limit windows")
			}
			return nil
		})
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	a.Logger.Info().Msg("gateway started")
	select {
	case err := <-errCh:
		if err != nil {
			a.Logger.Error().Err(err).Msg("gateway terminated with error")
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("shutdown did not drain cleanly")
		return err
	}

	a.Logger.Info().Msg("gateway stopped")
	return nil
}

// tradeHook fans a committed trade out to the notifier without holding up
// the order response.
func (a *App) tradeHook(notifier alerting.Notifier) func(context.Context, ledger.Trade) {
	if notifier == nil {
		return nil
	}
	quote := a.Config.Trading.QuoteAsset
	return func(_ context.Context, t ledger.Trade) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := notifier.Notify(ctx, alerting.Notification{Trade: t, QuoteAsset: quote}); err != nil {
				a.Logger.Warn().Err(err).Str("order_id", t.OrderID).Msg("trade notification failed")
			}
		}()
	}
}

// ExportOptions hold parameters for exporting trade history.
type ExportOptions struct {
	PNGPath   string
	CSVPath   string
	Limit     int
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// SimulateOptions configure a one-off simulated order.
type SimulateOptions struct {
	AssetID string
	Side    string
	Amount  string
	// Price overrides market data when set; otherwise the configured
	// provider chain resolves the execution price.
	Price string
	// Balance seeds the simulated quote balance.
	Balance string
}
