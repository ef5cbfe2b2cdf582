package arbitrage

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/taffyke/crypto-spread-navigator/internal/domain"
)

// Source supplies consistent ticker snapshots. *aggregator.Aggregator
// satisfies it.
type Source interface {
	Snapshot() domain.Matrix
}

// Result is one detection cycle's output. It is replaced wholesale.
type Result struct {
	Opportunities []domain.ArbitrageOpportunity
	Version       uint64
	EvaluatedAt   time.Time
}

// Detector runs the selected strategies over the aggregator on an interval
// and whenever the aggregator signals a change.
type Detector struct {
	strategies []Strategy
	source     Source
	interval   time.Duration
	publish    func(Result)
	logger     *slog.Logger

	latest      atomic.Pointer[Result]
	lastVersion atomic.Uint64
	evaluated   atomic.Bool
}

// DetectorConfig configures the detector.
type DetectorConfig struct {
	Strategies []Strategy
	Source     Source
	// Interval is the periodic cycle, default 15s.
	Interval time.Duration
	// Publish receives every completed cycle. Optional.
	Publish func(Result)
	Logger  *slog.Logger
}

// NewDetector creates a detector that runs the given strategies.
func NewDetector(cfg DetectorConfig) *Detector {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	d := &Detector{
		strategies: cfg.Strategies,
		source:     cfg.Source,
		interval:   cfg.Interval,
		publish:    cfg.Publish,
		logger:     cfg.Logger.With(slog.String("component", "arb_detector")),
	}
	d.latest.Store(&Result{})
	return d
}

// Evaluate runs one cycle over a fresh snapshot, stores the result and
// publishes it. The same snapshot always yields the same result.
func (d *Detector) Evaluate(ctx context.Context) (Result, error) {
	m := d.source.Snapshot()
	var all []domain.ArbitrageOpportunity
	for _, s := range d.strategies {
		opps, err := d.detect(ctx, s, m)
		if err != nil {
			return Result{}, err
		}
		all = append(all, opps...)
	}
	SortOpportunities(all)

	res := Result{Opportunities: all, Version: m.Version, EvaluatedAt: m.TakenAt}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	d.latest.Store(&res)
	d.lastVersion.Store(m.Version)
	d.evaluated.Store(true)
	if d.publish != nil {
		d.publish(res)
	}
	return res, nil
}

// detect isolates a misbehaving strategy.
func (d *Detector) detect(ctx context.Context, s Strategy, m domain.Matrix) (opps []domain.ArbitrageOpportunity, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("arbitrage: strategy %s panicked: %v", s.Name(), r)
		}
	}()
	opps, err = s.Detect(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("arbitrage: strategy %s: %w", s.Name(), err)
	}
	return opps, nil
}

// Run evaluates on every interval tick and on every trigger signal until
// ctx is done. Triggers that arrive with no new data are skipped.
func (d *Detector) Run(ctx context.Context, trigger <-chan struct{}) error {
	names := make([]string, 0, len(d.strategies))
	for _, s := range d.strategies {
		names = append(names, s.Name())
	}
	d.logger.Info("arb detector started",
		slog.String("strategies", strings.Join(names, ",")),
		slog.Duration("interval", d.interval),
	)
	defer d.logger.Info("arb detector stopped")

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.cycle(ctx, false)
		case _, ok := <-trigger:
			if !ok {
				trigger = nil
				continue
			}
			d.cycle(ctx, true)
		}
	}
}

func (d *Detector) cycle(ctx context.Context, onChange bool) {
	if onChange && d.evaluated.Load() {
		if v, ok := d.sourceVersion(); ok && v == d.lastVersion.Load() {
			return
		}
	}
	res, err := d.Evaluate(ctx)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Warn("arb cycle failed", slog.String("error", err.Error()))
		}
		return
	}
	if len(res.Opportunities) > 0 {
		d.logger.Debug("arb cycle complete",
			slog.Int("opportunities", len(res.Opportunities)),
			slog.Uint64("version", res.Version),
		)
	}
}

type versioned interface {
	Version() uint64
}

func (d *Detector) sourceVersion() (uint64, bool) {
	v, ok := d.source.(versioned)
	if !ok {
		return 0, false
	}
	return v.Version(), true
}

// Latest returns the most recent result.
func (d *Detector) Latest() Result {
	return *d.latest.Load()
}

// SortOpportunities orders by spread descending, then symbol, then buy and
// sell exchange, then strategy.
func SortOpportunities(opps []domain.ArbitrageOpportunity) {
	slices.SortStableFunc(opps, func(a, b domain.ArbitrageOpportunity) int {
		if c := b.SpreadPercent.Cmp(a.SpreadPercent); c != 0 {
			return c
		}
		if c := strings.Compare(a.Symbol, b.Symbol); c != 0 {
			return c
		}
		if c := strings.Compare(a.BuyExchange, b.BuyExchange); c != 0 {
			return c
		}
		if c := strings.Compare(a.SellExchange, b.SellExchange); c != 0 {
			return c
		}
		return strings.Compare(a.Strategy, b.Strategy)
	})
}
