// Package config defines the top-level configuration for spreadnav and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by SPREADNAV_* environment variables.
type Config struct {
	Feed       FeedConfig       `toml:"feed"`
	Retry      RetryConfig      `toml:"retry"`
	Fallback   FallbackConfig   `toml:"fallback"`
	Aggregator AggregatorConfig `toml:"aggregator"`
	Arbitrage  ArbitrageConfig  `toml:"arbitrage"`
	Redis      RedisConfig      `toml:"redis"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	// Mode is the ingestion path: stream, poll or follow.
	Mode     string `toml:"mode"`
	LogLevel string `toml:"log_level"`
}

// FeedConfig selects what to ingest and how the stream connections behave.
type FeedConfig struct {
	Exchanges      []string `toml:"exchanges"`
	Symbols        []string `toml:"symbols"`
	ConnectTimeout duration `toml:"connect_timeout"`
	WriteTimeout   duration `toml:"write_timeout"`
	ReadTimeout    duration `toml:"read_timeout"`
	PingInterval   duration `toml:"ping_interval"`
	// Endpoints overrides venue URLs, keyed by exchange name.
	Endpoints map[string]EndpointConfig `toml:"endpoints"`
}

// EndpointConfig replaces a venue's default hosts. Empty fields keep the
// default.
type EndpointConfig struct {
	Stream string `toml:"stream"`
	REST   string `toml:"rest"`
}

// RetryConfig is the reconnect backoff policy.
type RetryConfig struct {
	BaseDelay      duration `toml:"base_delay"`
	MaxDelay       duration `toml:"max_delay"`
	JitterFraction float64  `toml:"jitter_fraction"`
	// MaxAttempts of 0 retries forever.
	MaxAttempts int `toml:"max_attempts"`
}

// FallbackConfig holds REST fetcher and poller parameters.
type FallbackConfig struct {
	Enabled      bool     `toml:"enabled"`
	Timeout      duration `toml:"timeout"`
	CacheTTL     duration `toml:"cache_ttl"`
	PollInterval duration `toml:"poll_interval"`
	Concurrency  int      `toml:"concurrency"`
	// RateLimit caps REST requests per exchange per RateWindow across all
	// instances sharing Redis. 0 disables it.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// AggregatorConfig holds ticker table parameters.
type AggregatorConfig struct {
	// TTL hides tickers not refreshed within it. 0 keeps them forever.
	TTL duration `toml:"ttl"`
}

// ArbitrageConfig holds detector parameters.
type ArbitrageConfig struct {
	Strategies       []string `toml:"strategies"`
	MinSpreadPercent float64  `toml:"min_spread_percent"`
	Notional         float64  `toml:"notional"`
	CycleInterval    duration `toml:"cycle_interval"`
	ElevatedSpread   float64  `toml:"elevated_spread_percent"`
	SuspectSpread    float64  `toml:"suspect_spread_percent"`
	MediumVolume     float64  `toml:"medium_quote_volume"`
	LowVolume        float64  `toml:"low_quote_volume"`
	// HistorySize caps the opportunity history stream in Redis.
	HistorySize int `toml:"history_size"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	// Timeout bounds dial and each command round trip.
	Timeout   duration `toml:"timeout"`
	TickerTTL duration `toml:"ticker_ttl"`
	// Publish mirrors tickers, status and opportunities onto the bus.
	Publish bool `toml:"publish"`
}

type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	// RateLimit is requests per client per RateWindow; needs Redis.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	MinSpreadPercent  float64  `toml:"min_spread_percent"`
	Cooldown          duration `toml:"cooldown"`
	// Events filters alert types (opportunity, exhausted). Empty sends all.
	Events []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Feed: FeedConfig{
			Exchanges:      []string{"binance", "bybit", "okx", "kraken"},
			Symbols:        []string{"BTC/USDT", "ETH/USDT", "SOL/USDT"},
			ConnectTimeout: duration{10 * time.Second},
			WriteTimeout:   duration{5 * time.Second},
			ReadTimeout:    duration{60 * time.Second},
			PingInterval:   duration{20 * time.Second},
		},
		Retry: RetryConfig{
			BaseDelay:      duration{time.Second},
			MaxDelay:       duration{30 * time.Second},
			JitterFraction: 0.2,
		},
		Fallback: FallbackConfig{
			Enabled:      true,
			Timeout:      duration{10 * time.Second},
			CacheTTL:     duration{20 * time.Second},
			PollInterval: duration{5 * time.Second},
			Concurrency:  8,
			RateWindow:   duration{time.Second},
		},
		Aggregator: AggregatorConfig{
			TTL: duration{2 * time.Minute},
		},
		Arbitrage: ArbitrageConfig{
			Strategies:       []string{"cross_spread"},
			MinSpreadPercent: 1.0,
			Notional:         1000,
			CycleInterval:    duration{15 * time.Second},
			ElevatedSpread:   2,
			SuspectSpread:    5,
			MediumVolume:     1_000_000,
			LowVolume:        100_000,
			HistorySize:      1000,
		},
		Redis: RedisConfig{
			Enabled:    false,
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
			Timeout:    duration{5 * time.Second},
			TickerTTL:  duration{5 * time.Minute},
			Publish:    true,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			MinSpreadPercent: 2.0,
			Cooldown:         duration{10 * time.Minute},
			Events:           []string{"opportunity", "exhausted"},
		},
		Mode:     "stream",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"stream": true,
	"poll":   true,
	"follow": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: stream, poll, follow)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Feed
	if len(c.Feed.Exchanges) == 0 {
		errs = append(errs, "feed: exchanges must not be empty")
	}
	if len(c.Feed.Symbols) == 0 {
		errs = append(errs, "feed: symbols must not be empty")
	}
	if c.Feed.ConnectTimeout.Duration <= 0 {
		errs = append(errs, "feed: connect_timeout must be > 0")
	}
	if c.Feed.ReadTimeout.Duration <= 0 {
		errs = append(errs, "feed: read_timeout must be > 0")
	}

	// Retry
	if c.Retry.BaseDelay.Duration <= 0 {
		errs = append(errs, "retry: base_delay must be > 0")
	}
	if c.Retry.MaxDelay.Duration < c.Retry.BaseDelay.Duration {
		errs = append(errs, "retry: max_delay must be >= base_delay")
	}
	if c.Retry.JitterFraction < 0 || c.Retry.JitterFraction >= 1 {
		errs = append(errs, fmt.Sprintf("retry: jitter_fraction must be in [0, 1), got %g", c.Retry.JitterFraction))
	}
	if c.Retry.MaxAttempts < 0 {
		errs = append(errs, "retry: max_attempts must be >= 0")
	}

	// Fallback. Poll mode has no other data source.
	if strings.EqualFold(c.Mode, "poll") && !c.Fallback.Enabled {
		errs = append(errs, "fallback: must be enabled in poll mode")
	}
	if c.Fallback.Enabled {
		if c.Fallback.PollInterval.Duration <= 0 {
			errs = append(errs, "fallback: poll_interval must be > 0")
		}
		if c.Fallback.Concurrency < 1 {
			errs = append(errs, "fallback: concurrency must be >= 1")
		}
		if c.Fallback.RateLimit > 0 && c.Fallback.RateWindow.Duration <= 0 {
			errs = append(errs, "fallback: rate_window must be > 0 when rate_limit is set")
		}
	}

	if c.Aggregator.TTL.Duration < 0 {
		errs = append(errs, "aggregator: ttl must be >= 0")
	}

	// Arbitrage
	if len(c.Arbitrage.Strategies) == 0 {
		errs = append(errs, "arbitrage: strategies must not be empty")
	}
	if c.Arbitrage.MinSpreadPercent < 0 {
		errs = append(errs, "arbitrage: min_spread_percent must be >= 0")
	}
	if c.Arbitrage.Notional <= 0 {
		errs = append(errs, "arbitrage: notional must be > 0")
	}
	if c.Arbitrage.CycleInterval.Duration <= 0 {
		errs = append(errs, "arbitrage: cycle_interval must be > 0")
	}
	if c.Arbitrage.SuspectSpread < c.Arbitrage.ElevatedSpread {
		errs = append(errs, "arbitrage: suspect_spread_percent must be >= elevated_spread_percent")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}
	if strings.EqualFold(c.Mode, "follow") && !c.Redis.Enabled {
		errs = append(errs, "redis: must be enabled in follow mode")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	// Notify: telegram token and chat id go together.
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
