// Package retry tracks exponential backoff per logical connection key. One
// Manager is created per ingestion session; keys never share state.
package retry

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/taffyke/crypto-spread-navigator/internal/domain"
)

// Policy configures backoff growth.
type Policy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// JitterFraction adds up to fraction*backoff of random delay. Must be in
	// [0, 1) so that successive delays never shrink.
	JitterFraction float64
	// MaxAttempts is the number of consecutive failures after which the key
	// gives up. Zero retries forever.
	MaxAttempts int
}

// DefaultPolicy is 1s doubling to 30s with 20% jitter, retrying forever.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		JitterFraction: 0.2,
	}
}

// Validate reports an unusable policy.
func (p Policy) Validate() error {
	if p.BaseDelay <= 0 {
		return fmt.Errorf("retry: base delay must be positive, got %s", p.BaseDelay)
	}
	if p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("retry: max delay %s below base delay %s", p.MaxDelay, p.BaseDelay)
	}
	if p.JitterFraction < 0 || p.JitterFraction >= 1 {
		return fmt.Errorf("retry: jitter fraction must be in [0,1), got %v", p.JitterFraction)
	}
	if p.MaxAttempts < 0 {
		return fmt.Errorf("retry: max attempts must not be negative, got %d", p.MaxAttempts)
	}
	return nil
}

// Decision is the outcome of recording a failure.
type Decision struct {
	GiveUp  bool
	Delay   time.Duration
	Attempt int
}

// StreamKey is the key of an exchange's streaming connection.
func StreamKey(exchange string) string { return "stream:" + exchange }

// FallbackKey is the key of one REST fallback target.
func FallbackKey(exchange, symbol string) string { return "fallback:" + exchange + ":" + symbol }

// Backoff returns base*2^n capped at maxDelay. Negative n yields base.
func Backoff(base, maxDelay time.Duration, n int) time.Duration {
	if n <= 0 {
		return min(base, maxDelay)
	}
	// 2^32 seconds is far past any sane cap.
	if n > 32 {
		return maxDelay
	}
	d := base << n
	if d <= 0 || d > maxDelay {
		return maxDelay
	}
	return d
}

type entry struct {
	mu          sync.Mutex
	failures    int
	nextRetryAt time.Time
	exhausted   bool
}

// Manager holds per-key retry state. The zero value is not usable; call
// NewManager.
type Manager struct {
	policy  Policy
	entries sync.Map // string -> *entry
	now     func() time.Time
	jitter  func() float64
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithJitterSource replaces the [0,1) random source used for jitter.
func WithJitterSource(f func() float64) Option {
	return func(m *Manager) { m.jitter = f }
}

// NewManager returns a Manager for policy. An invalid policy falls back to
// DefaultPolicy; config validation is expected to have caught it earlier.
func NewManager(policy Policy, opts ...Option) *Manager {
	if policy.Validate() != nil {
		policy = DefaultPolicy()
	}
	m := &Manager{
		policy: policy,
		now:    time.Now,
		jitter: rand.Float64,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Policy returns the active policy.
func (m *Manager) Policy() Policy { return m.policy }

func (m *Manager) get(key string) *entry {
	if e, ok := m.entries.Load(key); ok {
		return e.(*entry)
	}
	e, _ := m.entries.LoadOrStore(key, &entry{})
	return e.(*entry)
}

// NextDelay returns how long the caller must still wait before the next
// attempt on key. Zero means an attempt may start now.
func (m *Manager) NextDelay(key string) time.Duration {
	v, ok := m.entries.Load(key)
	if !ok {
		return 0
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.nextRetryAt.IsZero() {
		return 0
	}
	return max(e.nextRetryAt.Sub(m.now()), 0)
}

// Exhausted reports whether key gave up. An exhausted key has no pending
// delay but must not be attempted again until RecordSuccess or Reset.
func (m *Manager) Exhausted(key string) bool {
	v, ok := m.entries.Load(key)
	if !ok {
		return false
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exhausted
}

// Ready reports whether an attempt on key may start now: not exhausted and
// not backing off.
func (m *Manager) Ready(key string) bool {
	return !m.Exhausted(key) && m.NextDelay(key) == 0
}

// RecordSuccess clears key's failure count so the next failure starts from
// BaseDelay again.
func (m *Manager) RecordSuccess(key string) {
	v, ok := m.entries.Load(key)
	if !ok {
		return
	}
	e := v.(*entry)
	e.mu.Lock()
	e.failures = 0
	e.nextRetryAt = time.Time{}
	e.exhausted = false
	e.mu.Unlock()
}

// RecordFailure counts a failure on key and returns how long to wait before
// retrying, or GiveUp once MaxAttempts consecutive failures are reached.
func (m *Manager) RecordFailure(key string) Decision {
	e := m.get(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.failures++
	if m.policy.MaxAttempts > 0 && e.failures >= m.policy.MaxAttempts {
		e.nextRetryAt = time.Time{}
		e.exhausted = true
		return Decision{GiveUp: true, Attempt: e.failures}
	}
	delay := m.delay(e.failures - 1)
	e.nextRetryAt = m.now().Add(delay)
	return Decision{Delay: delay, Attempt: e.failures}
}

// delay applies additive jitter before the cap. With JitterFraction < 1,
// delay(n+1) >= delay(n) for every n.
func (m *Manager) delay(n int) time.Duration {
	d := Backoff(m.policy.BaseDelay, m.policy.MaxDelay, n)
	if m.policy.JitterFraction > 0 {
		d += time.Duration(m.jitter() * m.policy.JitterFraction * float64(d))
	}
	return min(d, m.policy.MaxDelay)
}

// State returns a copy of key's bookkeeping.
func (m *Manager) State(key string) domain.RetryState {
	st := domain.RetryState{Key: key}
	v, ok := m.entries.Load(key)
	if !ok {
		return st
	}
	e := v.(*entry)
	e.mu.Lock()
	st.Failures = e.failures
	st.NextRetryAt = e.nextRetryAt
	st.Exhausted = e.exhausted
	e.mu.Unlock()
	return st
}

// Reset forgets key.
func (m *Manager) Reset(key string) {
	m.entries.Delete(key)
}

// ResetAll forgets every key.
func (m *Manager) ResetAll() {
	m.entries.Clear()
}
