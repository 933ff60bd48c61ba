package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"market-gateway/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Trading   TradingConfig   `mapstructure:"trading"`
	Analysis  AnalysisConfig  `mapstructure:"analysis"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// ServerConfig tunes the HTTP surface.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity for the ledger.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RateLimitConfig governs inbound admission control.
type RateLimitConfig struct {
	Window        time.Duration `mapstructure:"window"`
	ReadLimit     int           `mapstructure:"read_limit"`
	TradeLimit    int           `mapstructure:"trade_limit"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// CacheConfig sets freshness bounds per resource class.
type CacheConfig struct {
	TickerTTL   time.Duration `mapstructure:"ticker_ttl"`
	ProductsTTL time.Duration `mapstructure:"products_ttl"`
	NewsTTL     time.Duration `mapstructure:"news_ttl"`
	Capacity    int           `mapstructure:"capacity"`
}

// ProvidersConfig describes the upstream fallback chain.
type ProvidersConfig struct {
	// Priority lists provider names in fallback order.
	Priority      []string         `mapstructure:"priority"`
	ProbeInterval time.Duration    `mapstructure:"probe_interval"`
	CoinGecko     HTTPSourceConfig `mapstructure:"coingecko"`
	CoinCap       HTTPSourceConfig `mapstructure:"coincap"`
	OnChain       OnChainConfig    `mapstructure:"onchain"`
}

// HTTPSourceConfig covers one REST market-data provider.
type HTTPSourceConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// OnChainConfig covers oracle price feeds read over Ethereum RPC.
type OnChainConfig struct {
	RPCURL         string            `mapstructure:"rpc_url"`
	Feeds          map[string]string `mapstructure:"feeds"`
	RequestTimeout time.Duration     `mapstructure:"request_timeout"`
}

// TradingConfig bounds order execution.
type TradingConfig struct {
	Assets     []string      `mapstructure:"assets"`
	QuoteAsset string        `mapstructure:"quote_asset"`
	PriceTTL   time.Duration `mapstructure:"price_ttl"`
}

// AnalysisConfig tunes the streaming analysis path.
type AnalysisConfig struct {
	NewsCategory string `mapstructure:"news_category"`
	NewsLimit    int    `mapstructure:"news_limit"`
}

// AlertingConfig defines trade notification routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram notifier.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MKTGW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "market-gateway")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("ratelimit.window", "60s")
	v.SetDefault("ratelimit.read_limit", 120)
	v.SetDefault("ratelimit.trade_limit", 10)
	v.SetDefault("ratelimit.sweep_interval", "5m")

	v.SetDefault("cache.ticker_ttl", "10s")
	v.SetDefault("cache.products_ttl", "5m")
	v.SetDefault("cache.news_ttl", "2m")
	v.SetDefault("cache.capacity", 1024)

	v.SetDefault("providers.priority", []string{"coingecko", "coincap"})
	v.SetDefault("providers.probe_interval", "30s")
	v.SetDefault("providers.coingecko.base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("providers.coingecko.request_timeout", "10s")
	v.SetDefault("providers.coingecko.user_agent", "market-gateway/1.0")
	v.SetDefault("providers.coincap.base_url", "https://api.coincap.io/v2")
	v.SetDefault("providers.coincap.request_timeout", "10s")
	v.SetDefault("providers.coincap.user_agent", "market-gateway/1.0")
	v.SetDefault("providers.onchain.request_timeout", "10s")

	v.SetDefault("trading.assets", []string{"bitcoin", "ethereum"})
	v.SetDefault("trading.quote_asset", "USD")
	v.SetDefault("trading.price_ttl", "5s")

	v.SetDefault("analysis.news_category", "markets")
	v.SetDefault("analysis.news_limit", 5)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("ratelimit.window must be greater than zero")
	}
	if c.RateLimit.ReadLimit <= 0 || c.RateLimit.TradeLimit <= 0 {
		return fmt.Errorf("ratelimit limits must be greater than zero")
	}
	if c.Cache.TickerTTL <= 0 || c.Cache.ProductsTTL <= 0 || c.Cache.NewsTTL <= 0 {
		return fmt.Errorf("cache TTLs must be greater than zero")
	}
	if c.Trading.PriceTTL <= 0 {
		return fmt.Errorf("trading.price_ttl must be greater than zero")
	}
	if len(c.Trading.Assets) == 0 {
		return fmt.Errorf("trading.assets must not be empty")
	}
	if len(c.Providers.Priority) == 0 {
		return fmt.Errorf("providers.priority must not be empty")
	}
	for _, name := range c.Providers.Priority {
		switch name {
		case "coingecko", "coincap", "onchain":
		default:
			return fmt.Errorf("providers.priority: unknown provider %q", name)
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	return nil
}
