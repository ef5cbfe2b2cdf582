// Package feed owns the streaming side of ingestion: one Supervisor per
// exchange drives that venue's websocket through
// Idle -> Connecting -> Subscribed -> Receiving -> Reconnecting -> Closed,
// retries with the shared backoff policy and bridges outages with REST
// fallback fetches.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taffyke/crypto-spread-navigator/internal/domain"
	"github.com/taffyke/crypto-spread-navigator/internal/exchange"
	"github.com/taffyke/crypto-spread-navigator/internal/retry"
)

// Fetcher is the REST fallback used while the stream is down.
// *fallback.Fetcher satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, exchange, symbol string) (domain.TickerSnapshot, error)
}

// Config holds per-connection timeouts.
type Config struct {
	ConnectTimeout time.Duration // dial + handshake, default 10s
	WriteTimeout   time.Duration // default 5s
	// ReadTimeout is how long the connection may stay silent. Every frame
	// and pong extends it. Default 60s.
	ReadTimeout time.Duration
	// PingInterval drives websocket ping frames for venues without an
	// application-level keepalive. Default 20s.
	PingInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 10 * time.Second,
		WriteTimeout:   5 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   20 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	return c
}

// Deps are the collaborators of a Supervisor. Retries is required; the
// rest are optional.
type Deps struct {
	Retries  *retry.Manager
	Fetcher  Fetcher
	OnTicker func(domain.TickerSnapshot)
	OnStatus func(domain.ConnectionState)
	Logger   *slog.Logger
	Dialer   *websocket.Dialer
}

// Supervisor manages one exchange's streaming connection.
type Supervisor struct {
	adapter  exchange.Adapter
	cfg      Config
	retries  *retry.Manager
	fetcher  Fetcher
	onTicker func(domain.TickerSnapshot)
	onStatus func(domain.ConnectionState)
	logger   *slog.Logger
	dialer   *websocket.Dialer
	now      func() time.Time

	mu      sync.Mutex
	state   domain.ConnectionState
	parent  context.Context
	cancel  context.CancelFunc
	running bool
	gen     uint64
	closed  bool
	conn    *websocket.Conn
	forced  bool

	kick chan struct{}
	wg   sync.WaitGroup
}

// NewSupervisor returns an idle supervisor for adapter.
func NewSupervisor(adapter exchange.Adapter, cfg Config, deps Deps) *Supervisor {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dialer := deps.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.withDefaults().ConnectTimeout,
		}
	}
	s := &Supervisor{
		adapter:  adapter,
		cfg:      cfg.withDefaults(),
		retries:  deps.Retries,
		fetcher:  deps.Fetcher,
		onTicker: deps.OnTicker,
		onStatus: deps.OnStatus,
		logger: logger.With(
			slog.String("component", "supervisor"),
			slog.String("exchange", adapter.Name()),
		),
		dialer: dialer,
		now:    time.Now,
		kick:   make(chan struct{}, 1),
	}
	if s.retries == nil {
		s.retries = retry.NewManager(retry.DefaultPolicy())
	}
	s.state = domain.ConnectionState{
		Exchange: adapter.Name(),
		State:    domain.StateIdle,
		Since:    s.now(),
	}
	return s
}

// Exchange returns the venue name.
func (s *Supervisor) Exchange() string { return s.adapter.Name() }

// Start subscribes to symbols and keeps the stream alive until ctx is done
// or Stop is called. It is a no-op while the loop is already running and
// restarts a supervisor whose retries were exhausted.
func (s *Supervisor) Start(ctx context.Context, symbols []string) error {
	if len(symbols) == 0 {
		return fmt.Errorf("feed: %s: no symbols", s.adapter.Name())
	}
	canon := make([]string, 0, len(symbols))
	subs := make([][]byte, 0, len(symbols))
	for _, sym := range symbols {
		c, err := exchange.NormalizeSymbol(sym)
		if err != nil {
			return fmt.Errorf("feed: %s: %w", s.adapter.Name(), err)
		}
		payload, err := s.adapter.BuildSubscription(c)
		if err != nil {
			return fmt.Errorf("feed: %s: build subscription %s: %w", s.adapter.Name(), c, err)
		}
		canon = append(canon, c)
		subs = append(subs, payload)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.ErrClosed
	}
	if s.running {
		return nil
	}
	s.retries.Reset(retry.StreamKey(s.adapter.Name()))
	for _, sym := range canon {
		s.retries.Reset(retry.FallbackKey(s.adapter.Name(), sym))
	}
	s.state.Symbols = canon
	s.state.Exhausted = false
	s.parent = ctx
	if s.cancel != nil {
		s.cancel()
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.gen++

	s.wg.Add(1)
	go s.run(runCtx, s.gen, canon, subs)
	return nil
}

// Stop tears the connection down and waits for every goroutine the
// supervisor started, bounded by ctx. After Stop returns no ticker is
// delivered and no timer fires.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	cancel, conn := s.cancel, s.conn
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("feed: %s: stop: %w", s.adapter.Name(), ctx.Err())
	}
	s.transition(domain.StateClosed, nil)
	s.logger.Info("supervisor stopped")
	return err
}

// Reconnect clears backoff and forces a fresh connection attempt now.
func (s *Supervisor) Reconnect() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ErrClosed
	}
	name := s.adapter.Name()
	s.retries.Reset(retry.StreamKey(name))
	for _, sym := range s.state.Symbols {
		s.retries.Reset(retry.FallbackKey(name, sym))
	}
	s.state.RetryCount = 0
	conn := s.conn
	if conn != nil && (s.state.State == domain.StateSubscribed || s.state.State == domain.StateReceiving) {
		s.forced = true
	}
	running, parent, symbols := s.running, s.parent, slices.Clone(s.state.Symbols)
	s.mu.Unlock()

	s.logger.Info("manual reconnect requested")
	if conn != nil {
		conn.Close()
	}
	select {
	case s.kick <- struct{}{}:
	default:
	}
	if !running && parent != nil {
		return s.Start(parent, symbols)
	}
	return nil
}

// State returns a copy of the connection status.
func (s *Supervisor) State() domain.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

func (s *Supervisor) run(ctx context.Context, gen uint64, symbols []string, subs [][]byte) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		if s.gen == gen {
			s.running = false
		}
		s.mu.Unlock()
	}()

	key := retry.StreamKey(s.adapter.Name())
	for {
		if ctx.Err() != nil {
			return
		}
		// A kick left over from an earlier Reconnect must not skip a future
		// backoff.
		select {
		case <-s.kick:
		default:
		}
		s.transition(domain.StateConnecting, nil)
		err := s.session(ctx, key, subs)
		if ctx.Err() != nil {
			return
		}
		if s.takeForced() {
			continue
		}

		s.transition(domain.StateReconnecting, err)
		s.fallbackOnce(ctx, symbols)

		d := s.retries.RecordFailure(key)
		s.mu.Lock()
		s.state.RetryCount = d.Attempt
		s.mu.Unlock()
		if d.GiveUp {
			s.mu.Lock()
			s.state.Exhausted = true
			s.running = false
			s.mu.Unlock()
			s.emit()
			s.logger.Error("retries exhausted, giving up",
				slog.Int("attempts", d.Attempt),
				slog.Any("error", err),
			)
			return
		}
		s.emit()
		s.logger.Warn("stream disconnected, reconnecting",
			slog.Any("error", err),
			slog.Int("attempt", d.Attempt),
			slog.Duration("backoff", d.Delay),
		)

		timer := time.NewTimer(d.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.kick:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (s *Supervisor) takeForced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.forced
	s.forced = false
	return f
}

// wsConn serializes data frame writes; gorilla allows a single concurrent
// writer.
type wsConn struct {
	conn    *websocket.Conn
	mu      sync.Mutex
	timeout time.Duration
}

func (w *wsConn) write(mt int, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	return w.conn.WriteMessage(mt, data)
}

func (s *Supervisor) connError(kind string, err error) error {
	return &domain.ConnectionError{Exchange: s.adapter.Name(), Kind: kind, Err: err}
}

// session runs one connection from dial to the first read error.
func (s *Supervisor) session(ctx context.Context, key string, subs [][]byte) error {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	conn, resp, err := s.dialer.DialContext(dialCtx, s.adapter.StreamURL(), nil)
	timedOut := errors.Is(dialCtx.Err(), context.DeadlineExceeded)
	cancel()
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var ne net.Error
		if timedOut || (errors.As(err, &ne) && ne.Timeout()) {
			return s.connError(domain.ErrorKindTimeout,
				fmt.Errorf("%w after %s: %v", domain.ErrConnectTimeout, s.cfg.ConnectTimeout, err))
		}
		if resp != nil {
			return s.connError(domain.ErrorKindTransport, fmt.Errorf("dial: http %d: %w", resp.StatusCode, err))
		}
		return s.connError(domain.ErrorKindTransport, fmt.Errorf("dial: %w", err))
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	stopClose := context.AfterFunc(ctx, func() { conn.Close() })

	sessCtx, sessCancel := context.WithCancel(ctx)
	var kwg sync.WaitGroup
	defer func() {
		sessCancel()
		stopClose()
		conn.Close()
		kwg.Wait()
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
	}()

	wc := &wsConn{conn: conn, timeout: s.cfg.WriteTimeout}
	for _, sub := range subs {
		if err := wc.write(websocket.TextMessage, sub); err != nil {
			return s.connError(domain.ErrorKindSubscription, fmt.Errorf("send subscription: %w", err))
		}
	}
	s.transition(domain.StateSubscribed, nil)
	s.logger.Info("stream subscribed", slog.Int("symbols", len(subs)))

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})
	kwg.Add(1)
	go func() {
		defer kwg.Done()
		s.keepalive(sessCtx, wc)
	}()

	return s.readLoop(ctx, key, wc)
}

func (s *Supervisor) readLoop(ctx context.Context, key string, wc *wsConn) error {
	decoder, _ := s.adapter.(exchange.FrameDecoder)
	replier, _ := s.adapter.(exchange.ControlReplier)
	receiving := false

	for {
		wc.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		mt, raw, err := wc.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return s.connError(domain.ErrorKindTransport, fmt.Errorf("read: %w", err))
		}
		if decoder != nil {
			if raw, err = decoder.Decode(mt, raw); err != nil {
				s.logger.Debug("frame dropped", slog.String("error", err.Error()))
				continue
			}
		}
		if replier != nil {
			if reply, handled := replier.Reply(raw); handled {
				if err := wc.write(websocket.TextMessage, reply); err != nil {
					return s.connError(domain.ErrorKindTransport, fmt.Errorf("control reply: %w", err))
				}
				continue
			}
		}

		snap, err := s.parse(raw)
		if err != nil {
			if errors.Is(err, domain.ErrSubscriptionRejected) {
				return s.connError(domain.ErrorKindSubscription, err)
			}
			if !errors.Is(err, domain.ErrNotRecognized) {
				s.logger.Debug("message dropped", slog.String("error", err.Error()))
			}
			continue
		}
		snap.CapturedAt = s.now()
		snap.Source = domain.SourceStream

		// Venues acknowledge subscriptions asynchronously, so the first
		// ticker is what confirms the session.
		if !receiving {
			receiving = true
			s.retries.RecordSuccess(key)
			s.mu.Lock()
			s.state.RetryCount = 0
			s.mu.Unlock()
			s.transition(domain.StateReceiving, nil)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.onTicker != nil {
			s.onTicker(snap)
		}
	}
}

// parse shields the supervisor from adapter panics.
func (s *Supervisor) parse(raw []byte) (snap domain.TickerSnapshot, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("adapter panicked", slog.Any("panic", r))
			err = fmt.Errorf("%s: adapter panic: %v", s.adapter.Name(), r)
		}
	}()
	return s.adapter.ParseMessage(raw)
}

func (s *Supervisor) keepalive(ctx context.Context, wc *wsConn) {
	ka, appLevel := s.adapter.(exchange.Keepalive)
	interval := s.cfg.PingInterval
	if appLevel {
		interval = ka.PingInterval()
	}
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var err error
			if appLevel {
				err = wc.write(websocket.TextMessage, ka.PingMessage())
			} else {
				err = wc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout))
			}
			if err != nil {
				s.logger.Debug("keepalive failed", slog.String("error", err.Error()))
				wc.conn.Close()
				return
			}
		}
	}
}

// fallbackOnce fetches every subscribed symbol over REST once, skipping
// symbols whose fallback is backing off or gave up.
func (s *Supervisor) fallbackOnce(ctx context.Context, symbols []string) {
	if s.fetcher == nil {
		return
	}
	name := s.adapter.Name()
	for _, sym := range symbols {
		key := retry.FallbackKey(name, sym)
		if !s.retries.Ready(key) {
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			snap, err := s.fetcher.Fetch(ctx, name, sym)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				s.retries.RecordFailure(key)
				s.mu.Lock()
				s.state.FallbackError = err.Error()
				s.mu.Unlock()
				s.emit()
				s.logger.Warn("fallback fetch failed", slog.String("symbol", sym), slog.Any("error", err))
				return
			}
			s.retries.RecordSuccess(key)
			if s.onTicker != nil {
				s.onTicker(snap)
			}
		}()
	}
}

// transition moves the state machine. Disallowed moves are logged and
// ignored. err, when set, is recorded as the last error.
func (s *Supervisor) transition(next domain.State, err error) {
	s.mu.Lock()
	cur := s.state.State
	if cur == next && err == nil {
		s.mu.Unlock()
		return
	}
	if cur != next && !cur.CanTransition(next) {
		s.mu.Unlock()
		s.logger.Error("invalid state transition",
			slog.String("from", cur.String()),
			slog.String("to", next.String()),
		)
		return
	}
	s.state.State = next
	s.state.Since = s.now()
	if err != nil {
		s.state.LastError = err.Error()
		s.state.ErrorKind = domain.ErrorKindTransport
		var ce *domain.ConnectionError
		if errors.As(err, &ce) {
			s.state.ErrorKind = ce.Kind
		}
	}
	if next == domain.StateReceiving {
		s.state.LastError = ""
		s.state.ErrorKind = ""
		s.state.FallbackError = ""
	}
	s.mu.Unlock()

	s.logger.Debug("state changed", slog.String("from", cur.String()), slog.String("to", next.String()))
	s.emit()
}

func (s *Supervisor) emit() {
	if s.onStatus == nil {
		return
	}
	s.onStatus(s.State())
}
