package circuitbreaker

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrUnknownBreaker = errors.New("unknown circuit breaker")

// Registry hands out named breakers, creating them on first use.
type Registry struct {
	cfg       Config
	overrides map[string]Config
	onChange  StateChangeFunc
	logger    *zap.Logger
	now       func() time.Time

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

func NewRegistry(cfg Config, onChange StateChangeFunc, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		cfg:       cfg.withDefaults(),
		overrides: make(map[string]Config),
		onChange:  onChange,
		logger:    logger,
		now:       time.Now,
		breakers:  make(map[string]*Breaker),
	}
}

// NameFor is the breaker name guarding a delivery channel, e.g. "email_service".
func NameFor(channel string) string {
	return strings.ToLower(strings.TrimSpace(channel)) + "_service"
}

// Configure sets the config used when name is first created.
func (r *Registry) Configure(name string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[name] = cfg.withDefaults()
}

func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}

	cfg := r.cfg
	if override, ok := r.overrides[name]; ok {
		cfg = override
	}
	b = newBreaker(name, cfg, r.onChange, r.logger, r.now)
	r.breakers[name] = b
	return b
}

func (r *Registry) lookup(name string) (*Breaker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBreaker, name)
	}
	return b, nil
}

func (r *Registry) ForceOpen(name string) error {
	b, err := r.lookup(name)
	if err != nil {
		return err
	}
	b.ForceOpen()
	return nil
}

func (r *Registry) Reset(name string) error {
	b, err := r.lookup(name)
	if err != nil {
		return err
	}
	b.Reset()
	return nil
}

// Snapshot returns all breakers ordered by name.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.RLock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
