package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies SPREADNAV_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known SPREADNAV_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Feed ──
	setStringSlice(&cfg.Feed.Exchanges, "SPREADNAV_FEED_EXCHANGES")
	setStringSlice(&cfg.Feed.Symbols, "SPREADNAV_FEED_SYMBOLS")
	setDuration(&cfg.Feed.ConnectTimeout, "SPREADNAV_FEED_CONNECT_TIMEOUT")
	setDuration(&cfg.Feed.WriteTimeout, "SPREADNAV_FEED_WRITE_TIMEOUT")
	setDuration(&cfg.Feed.ReadTimeout, "SPREADNAV_FEED_READ_TIMEOUT")
	setDuration(&cfg.Feed.PingInterval, "SPREADNAV_FEED_PING_INTERVAL")

	// ── Retry ──
	setDuration(&cfg.Retry.BaseDelay, "SPREADNAV_RETRY_BASE_DELAY")
	setDuration(&cfg.Retry.MaxDelay, "SPREADNAV_RETRY_MAX_DELAY")
	setFloat64(&cfg.Retry.JitterFraction, "SPREADNAV_RETRY_JITTER_FRACTION")
	setInt(&cfg.Retry.MaxAttempts, "SPREADNAV_RETRY_MAX_ATTEMPTS")

	// ── Fallback ──
	setBool(&cfg.Fallback.Enabled, "SPREADNAV_FALLBACK_ENABLED")
	setDuration(&cfg.Fallback.Timeout, "SPREADNAV_FALLBACK_TIMEOUT")
	setDuration(&cfg.Fallback.CacheTTL, "SPREADNAV_FALLBACK_CACHE_TTL")
	setDuration(&cfg.Fallback.PollInterval, "SPREADNAV_FALLBACK_POLL_INTERVAL")
	setInt(&cfg.Fallback.Concurrency, "SPREADNAV_FALLBACK_CONCURRENCY")
	setInt(&cfg.Fallback.RateLimit, "SPREADNAV_FALLBACK_RATE_LIMIT")
	setDuration(&cfg.Fallback.RateWindow, "SPREADNAV_FALLBACK_RATE_WINDOW")

	// ── Aggregator ──
	setDuration(&cfg.Aggregator.TTL, "SPREADNAV_AGGREGATOR_TTL")

	// ── Arbitrage ──
	setStringSlice(&cfg.Arbitrage.Strategies, "SPREADNAV_ARBITRAGE_STRATEGIES")
	setFloat64(&cfg.Arbitrage.MinSpreadPercent, "SPREADNAV_ARBITRAGE_MIN_SPREAD_PERCENT")
	setFloat64(&cfg.Arbitrage.Notional, "SPREADNAV_ARBITRAGE_NOTIONAL")
	setDuration(&cfg.Arbitrage.CycleInterval, "SPREADNAV_ARBITRAGE_CYCLE_INTERVAL")
	setInt(&cfg.Arbitrage.HistorySize, "SPREADNAV_ARBITRAGE_HISTORY_SIZE")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "SPREADNAV_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "SPREADNAV_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "SPREADNAV_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "SPREADNAV_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "SPREADNAV_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "SPREADNAV_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "SPREADNAV_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.Timeout, "SPREADNAV_REDIS_TIMEOUT")
	setDuration(&cfg.Redis.TickerTTL, "SPREADNAV_REDIS_TICKER_TTL")
	setBool(&cfg.Redis.Publish, "SPREADNAV_REDIS_PUBLISH")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "SPREADNAV_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "SPREADNAV_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "SPREADNAV_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "SPREADNAV_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "SPREADNAV_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "SPREADNAV_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "SPREADNAV_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "SPREADNAV_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "SPREADNAV_NOTIFY_DISCORD_WEBHOOK_URL")
	setFloat64(&cfg.Notify.MinSpreadPercent, "SPREADNAV_NOTIFY_MIN_SPREAD_PERCENT")
	setDuration(&cfg.Notify.Cooldown, "SPREADNAV_NOTIFY_COOLDOWN")
	setStringSlice(&cfg.Notify.Events, "SPREADNAV_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "SPREADNAV_MODE")
	setStr(&cfg.LogLevel, "SPREADNAV_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
