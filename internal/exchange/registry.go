package exchange

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/taffyke/crypto-spread-navigator/internal/domain"
)

// Registry is the lookup table of adapters keyed by lower-cased venue name.
type Registry struct {
	adapters map[string]Adapter
	mu       sync.RWMutex
}

// NewRegistry returns an empty registry. Call Register to add adapters.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// builtins constructs every built-in venue by name.
var builtins = map[string]func(...Option) Adapter{
	"binance":  func(o ...Option) Adapter { return NewBinance(o...) },
	"bybit":    func(o ...Option) Adapter { return NewBybit(o...) },
	"okx":      func(o ...Option) Adapter { return NewOKX(o...) },
	"gateio":   func(o ...Option) Adapter { return NewGateIO(o...) },
	"bitget":   func(o ...Option) Adapter { return NewBitget(o...) },
	"coinbase": func(o ...Option) Adapter { return NewCoinbase(o...) },
	"kraken":   func(o ...Option) Adapter { return NewKraken(o...) },
	"htx":      func(o ...Option) Adapter { return NewHTX(o...) },
}

// Default returns a registry with every built-in venue registered.
func Default() *Registry {
	r, _ := DefaultWith(nil)
	return r
}

// DefaultWith is Default with per-venue options, e.g. endpoint overrides
// keyed by venue name. An unknown venue name is an error.
func DefaultWith(opts map[string][]Option) (*Registry, error) {
	for name := range opts {
		if _, ok := builtins[strings.ToLower(name)]; !ok {
			return nil, fmt.Errorf("%w: %q", domain.ErrUnknownExchange, name)
		}
	}
	lower := make(map[string][]Option, len(opts))
	for name, o := range opts {
		lower[strings.ToLower(name)] = o
	}
	r := NewRegistry()
	for name, build := range builtins {
		r.Register(build(lower[name]...))
	}
	return r, nil
}

// Register adds or replaces an adapter under its Name.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[strings.ToLower(a.Name())] = a
}

// Get returns the adapter for name, or domain.ErrUnknownExchange.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownExchange, name)
	}
	return a, nil
}

// REST returns the REST capability of an adapter, if any.
func (r *Registry) REST(name string) (RESTAdapter, error) {
	a, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	ra, ok := a.(RESTAdapter)
	if !ok {
		return nil, fmt.Errorf("exchange %s: no REST ticker endpoint", a.Name())
	}
	return ra, nil
}

// Names returns all registered venue names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
