package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/taffyke/crypto-spread-navigator/internal/cache/redis"
	"github.com/taffyke/crypto-spread-navigator/internal/config"
	"github.com/taffyke/crypto-spread-navigator/internal/domain"
	"github.com/taffyke/crypto-spread-navigator/internal/notify"
)

// Dependencies bundles the external services the application uses. Every
// Redis-backed field is nil when Redis is disabled.
type Dependencies struct {
	Redis       *redis.Client
	TickerCache domain.TickerCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	Notifier *notify.Notifier
	Alerter  *notify.Alerter
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
			MaxRetries:  cfg.Redis.MaxRetries,
			TLSEnabled:  cfg.Redis.TLSEnabled,
			DialTimeout: cfg.Redis.Timeout.Duration,
			ReadTimeout: cfg.Redis.Timeout.Duration,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Redis = redisClient
		deps.TickerCache = redis.NewTickerCache(redisClient, cfg.Redis.TickerTTL.Duration)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient, cfg.Arbitrage.HistorySize)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
	if deps.Notifier.Enabled() {
		deps.Alerter = notify.NewAlerter(notify.AlerterConfig{
			MinSpread: decimal.NewFromFloat(cfg.Notify.MinSpreadPercent),
			Cooldown:  cfg.Notify.Cooldown.Duration,
		}, deps.Notifier, deps.LockManager, logger)
	}

	return deps, cleanup, nil
}
