package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/taffyke/crypto-spread-navigator/internal/domain"
)

// relayTimeout bounds each external write made for one event.
const relayTimeout = 2 * time.Second

// Broadcaster receives every event for local push clients.
type Broadcaster interface {
	Broadcast(ev domain.Event)
}

// Alerter turns events into notifications.
type Alerter interface {
	HandleEvent(ctx context.Context, ev domain.Event) error
}

// Relay drains a subscription's events into the outer adapters: websocket
// hub, Redis bus and ticker cache, opportunity history and alerts. Any nil
// sink is skipped. Sink failures are logged and never stop the relay.
type Relay struct {
	hub     Broadcaster
	bus     domain.SignalBus
	cache   domain.TickerCache
	alerter Alerter
	// publish mirrors events onto the bus; off in follow mode, which reads
	// those same channels.
	publish bool
	logger  *slog.Logger

	seen map[string]bool // opportunity IDs of the previous cycle
}

// NewRelay creates a Relay. Every sink may be nil.
func NewRelay(hub Broadcaster, bus domain.SignalBus, cache domain.TickerCache, alerter Alerter, publish bool, logger *slog.Logger) *Relay {
	return &Relay{
		hub:     hub,
		bus:     bus,
		cache:   cache,
		alerter: alerter,
		publish: publish && bus != nil,
		logger:  logger.With(slog.String("component", "relay")),
		seen:    make(map[string]bool),
	}
}

// Run forwards events until updates is closed or ctx is done.
func (r *Relay) Run(ctx context.Context, updates <-chan domain.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-updates:
			if !ok {
				return nil
			}
			r.handle(ctx, ev)
		}
	}
}

func (r *Relay) handle(ctx context.Context, ev domain.Event) {
	if r.hub != nil {
		r.hub.Broadcast(ev)
	}

	ctx, cancel := context.WithTimeout(ctx, relayTimeout)
	defer cancel()

	if r.publish {
		if data, err := json.Marshal(ev); err == nil {
			if err := r.bus.Publish(ctx, ev.Channel(), data); err != nil {
				r.logger.WarnContext(ctx, "publish failed", slog.String("channel", ev.Channel()), slog.String("error", err.Error()))
			}
		}
	}

	switch ev.Kind {
	case domain.EventTicker:
		if r.cache != nil && ev.Ticker != nil {
			if err := r.cache.SetTicker(ctx, *ev.Ticker); err != nil {
				r.logger.WarnContext(ctx, "ticker cache write failed", slog.String("key", ev.Ticker.Key().String()), slog.String("error", err.Error()))
			}
		}
	case domain.EventOpportunities:
		r.record(ctx, ev.Opportunities)
	}

	if r.alerter != nil {
		if err := r.alerter.HandleEvent(ctx, ev); err != nil {
			r.logger.WarnContext(ctx, "alert failed", slog.String("error", err.Error()))
		}
	}
}

// record appends opportunities that were not in the previous cycle to the
// history stream, so a spread that persists is stored once.
func (r *Relay) record(ctx context.Context, opps []domain.ArbitrageOpportunity) {
	next := make(map[string]bool, len(opps))
	for _, o := range opps {
		next[o.ID] = true
		if r.seen[o.ID] || !r.publish {
			continue
		}
		data, err := json.Marshal(o)
		if err != nil {
			continue
		}
		if err := r.bus.StreamAppend(ctx, domain.OpportunityStream, data); err != nil {
			r.logger.WarnContext(ctx, "history append failed", slog.String("error", err.Error()))
		}
	}
	r.seen = next
	if len(opps) > 0 {
		r.logger.InfoContext(ctx, "opportunities",
			slog.Int("count", len(opps)),
			slog.String("best", opps[0].Symbol+" "+opps[0].BuyExchange+"->"+opps[0].SellExchange+" "+opps[0].SpreadPercent.StringFixed(3)+"%"),
		)
	}
}
