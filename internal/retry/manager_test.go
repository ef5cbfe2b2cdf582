package retry

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		n    int
		want time.Duration
	}{
		{-1, time.Second},
		{0, time.Second},
		{1, 2 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{64, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(time.Second, 30*time.Second, tt.n); got != tt.want {
			t.Errorf("Backoff(n=%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

func TestRecordFailure_NonDecreasingUpToCap(t *testing.T) {
	for _, jitter := range []float64{0, 0.5, 0.999} {
		m := NewManager(Policy{BaseDelay: time.Second, MaxDelay: 30 * time.Second, JitterFraction: 0.9},
			WithJitterSource(func() float64 { return jitter }))
		var prev time.Duration
		for i := 1; i <= 20; i++ {
			d := m.RecordFailure("k")
			if d.GiveUp {
				t.Fatalf("unexpected give up at attempt %d", i)
			}
			if d.Attempt != i {
				t.Errorf("Attempt = %d, want %d", d.Attempt, i)
			}
			if d.Delay < prev {
				t.Errorf("jitter %v: delay shrank at attempt %d: %v < %v", jitter, i, d.Delay, prev)
			}
			if d.Delay > 30*time.Second {
				t.Errorf("delay %v exceeds cap", d.Delay)
			}
			prev = d.Delay
		}
		if prev != 30*time.Second {
			t.Errorf("jitter %v: final delay = %v, want cap", jitter, prev)
		}
	}
}

func TestRecordFailure_JitterAlternating(t *testing.T) {
	// High jitter followed by none must still not shrink the delay.
	vals := []float64{0.99, 0, 0.99, 0, 0.99, 0}
	i := 0
	m := NewManager(Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Hour, JitterFraction: 0.99},
		WithJitterSource(func() float64 { v := vals[i%len(vals)]; i++; return v }))
	var prev time.Duration
	for range vals {
		d := m.RecordFailure("k").Delay
		if d < prev {
			t.Fatalf("delay shrank: %v < %v", d, prev)
		}
		prev = d
	}
}

func TestRecordSuccess_ResetsToBase(t *testing.T) {
	m := NewManager(Policy{BaseDelay: time.Second, MaxDelay: 30 * time.Second})
	for range 4 {
		m.RecordFailure("k")
	}
	m.RecordSuccess("k")
	if st := m.State("k"); st.Failures != 0 || !st.NextRetryAt.IsZero() {
		t.Errorf("State after success = %+v", st)
	}
	if d := m.RecordFailure("k"); d.Delay != time.Second || d.Attempt != 1 {
		t.Errorf("first failure after success = %+v, want 1s attempt 1", d)
	}
}

func TestNextDelay(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	m := NewManager(Policy{BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second}, WithClock(clock.Now))

	if d := m.NextDelay("k"); d != 0 {
		t.Errorf("NextDelay on unknown key = %v", d)
	}
	m.RecordFailure("k")
	if d := m.NextDelay("k"); d != 2*time.Second {
		t.Errorf("NextDelay = %v, want 2s", d)
	}
	clock.Advance(1500 * time.Millisecond)
	if d := m.NextDelay("k"); d != 500*time.Millisecond {
		t.Errorf("NextDelay = %v, want 500ms", d)
	}
	clock.Advance(time.Second)
	if d := m.NextDelay("k"); d != 0 {
		t.Errorf("NextDelay after deadline = %v, want 0", d)
	}
}

func TestMaxAttempts(t *testing.T) {
	m := NewManager(Policy{BaseDelay: time.Millisecond, MaxDelay: time.Second, MaxAttempts: 3})
	for i := 1; i < 3; i++ {
		if d := m.RecordFailure("k"); d.GiveUp {
			t.Fatalf("gave up early at attempt %d", i)
		}
	}
	d := m.RecordFailure("k")
	if !d.GiveUp || d.Attempt != 3 {
		t.Errorf("third failure = %+v, want give up", d)
	}

	// Giving up must not turn into "retry immediately".
	if !m.Exhausted("k") || m.Ready("k") || !m.State("k").Exhausted {
		t.Errorf("exhausted key still ready: %+v", m.State("k"))
	}
	if d := m.RecordFailure("k"); !d.GiveUp {
		t.Errorf("failure after give up = %+v, want give up", d)
	}

	m.RecordSuccess("k")
	if m.Exhausted("k") || !m.Ready("k") {
		t.Error("RecordSuccess did not clear exhaustion")
	}
	m.RecordFailure("other")
	m.RecordFailure("other")
	m.RecordFailure("other")
	m.Reset("other")
	if m.Exhausted("other") {
		t.Error("Reset did not clear exhaustion")
	}
}

func TestKeysAreIsolated(t *testing.T) {
	m := NewManager(DefaultPolicy(), WithJitterSource(func() float64 { return 0 }))
	a, b := StreamKey("binance"), FallbackKey("binance", "BTC/USDT")
	for range 3 {
		m.RecordFailure(a)
	}
	if st := m.State(b); st.Failures != 0 {
		t.Errorf("fallback key affected by stream key: %+v", st)
	}
	if d := m.RecordFailure(b); d.Delay != time.Second {
		t.Errorf("fallback first delay = %v, want 1s", d.Delay)
	}

	m.Reset(a)
	if st := m.State(a); st.Failures != 0 {
		t.Errorf("Reset left state: %+v", st)
	}
	if st := m.State(b); st.Failures != 1 {
		t.Errorf("Reset touched other key: %+v", st)
	}
	m.ResetAll()
	if st := m.State(b); st.Failures != 0 {
		t.Errorf("ResetAll left state: %+v", st)
	}
}

func TestConcurrentFailures(t *testing.T) {
	m := NewManager(DefaultPolicy())
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.RecordFailure("k")
		}()
	}
	wg.Wait()
	if st := m.State("k"); st.Failures != 50 {
		t.Errorf("Failures = %d, want 50", st.Failures)
	}
}

func TestPolicyValidate(t *testing.T) {
	bad := []Policy{
		{BaseDelay: 0, MaxDelay: time.Second},
		{BaseDelay: time.Second, MaxDelay: time.Millisecond},
		{BaseDelay: time.Second, MaxDelay: time.Second, JitterFraction: 1},
		{BaseDelay: time.Second, MaxDelay: time.Second, MaxAttempts: -1},
	}
	for _, p := range bad {
		if p.Validate() == nil {
			t.Errorf("Validate(%+v) = nil, want error", p)
		}
	}
	if err := DefaultPolicy().Validate(); err != nil {
		t.Errorf("DefaultPolicy invalid: %v", err)
	}
}
