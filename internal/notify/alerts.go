package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/taffyke/crypto-spread-navigator/internal/domain"
)

// Event types accepted by Notifier.Notify.
const (
	EventOpportunity = "opportunity"
	EventExhausted   = "exhausted"
)

// AlerterConfig controls which opportunities are worth an alert.
type AlerterConfig struct {
	MinSpread decimal.Decimal
	// Cooldown suppresses repeats of the same route.
	Cooldown time.Duration
}

// Alerter turns engine events into notifications. Opportunities at or above
// MinSpread are sent once per route per Cooldown. When a LockManager is set
// the cooldown is shared by every instance using it.
type Alerter struct {
	cfg      AlerterConfig
	notifier *Notifier
	locks    domain.LockManager
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	sent      map[string]time.Time
	exhausted map[string]bool
}

// NewAlerter creates an Alerter. locks may be nil.
func NewAlerter(cfg AlerterConfig, n *Notifier, locks domain.LockManager, logger *slog.Logger) *Alerter {
	return &Alerter{
		cfg:       cfg,
		notifier:  n,
		locks:     locks,
		logger:    logger.With(slog.String("component", "alerter")),
		now:       time.Now,
		sent:      make(map[string]time.Time),
		exhausted: make(map[string]bool),
	}
}

// HandleEvent sends whatever alerts ev warrants.
func (a *Alerter) HandleEvent(ctx context.Context, ev domain.Event) error {
	switch ev.Kind {
	case domain.EventOpportunities:
		var errs []error
		for _, opp := range ev.Opportunities {
			if err := a.opportunity(ctx, opp); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	case domain.EventStatus:
		if ev.Status != nil {
			return a.status(ctx, *ev.Status)
		}
	}
	return nil
}

func routeKey(o domain.ArbitrageOpportunity) string {
	return strings.Join([]string{o.Strategy, o.Symbol, o.BuyExchange, o.SellExchange}, "|")
}

func (a *Alerter) opportunity(ctx context.Context, o domain.ArbitrageOpportunity) error {
	if o.SpreadPercent.LessThan(a.cfg.MinSpread) {
		return nil
	}
	key := routeKey(o)
	now := a.now()

	a.mu.Lock()
	last, seen := a.sent[key]
	if seen && now.Sub(last) < a.cfg.Cooldown {
		a.mu.Unlock()
		return nil
	}
	a.sent[key] = now
	a.mu.Unlock()

	release := func() {}
	if a.locks != nil && a.cfg.Cooldown > 0 {
		r, err := a.locks.Acquire(ctx, "notify:"+key, a.cfg.Cooldown)
		if errors.Is(err, domain.ErrLockHeld) {
			a.logger.DebugContext(ctx, "alert claimed elsewhere", slog.String("route", key))
			return nil
		}
		if err != nil {
			// Fall back to the local cooldown.
			a.logger.WarnContext(ctx, "alert claim failed", slog.String("error", err.Error()))
		} else {
			release = r
		}
	}

	title := fmt.Sprintf("%s spread %s%%", o.Symbol, o.SpreadPercent.StringFixed(2))
	msg := fmt.Sprintf("buy %s @ %s, sell %s @ %s\nprofit on %s: %s (risk %s)",
		o.BuyExchange, o.BuyPrice, o.SellExchange, o.SellPrice,
		o.Notional, o.Profit.StringFixed(2), o.Risk)
	if err := a.notifier.Notify(ctx, EventOpportunity, title, msg); err != nil {
		// Let the next cycle retry.
		release()
		a.mu.Lock()
		delete(a.sent, key)
		a.mu.Unlock()
		return err
	}
	return nil
}

func (a *Alerter) status(ctx context.Context, st domain.ConnectionState) error {
	a.mu.Lock()
	was := a.exhausted[st.Exchange]
	a.exhausted[st.Exchange] = st.Exhausted
	a.mu.Unlock()
	if !st.Exhausted || was {
		return nil
	}
	title := st.Exchange + " stream gave up"
	msg := fmt.Sprintf("after %d attempts: %s", st.RetryCount, st.LastError)
	return a.notifier.Notify(ctx, EventExhausted, title, msg)
}
