package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kursadbilgin/reminder-engine/internal/domain"
	"go.uber.org/zap"
)

// UnhealthyThreshold is the number of consecutive unhealthy outcomes after
// which a provider is taken out of rotation.
const UnhealthyThreshold = 10

// Health is a point-in-time view of a tracked provider.
type Health struct {
	Name                 string                `json:"name"`
	Method               domain.DeliveryMethod `json:"method"`
	Available            bool                  `json:"available"`
	Successes            int64                 `json:"successes"`
	Errors               int64                 `json:"errors"`
	ConsecutiveUnhealthy int                   `json:"consecutiveUnhealthy"`
	UnavailableSince     *time.Time            `json:"unavailableSince,omitempty"`
}

// Tracked wraps a provider with rolling health counters.
type Tracked struct {
	inner  DeliveryProvider
	logger *zap.Logger
	now    func() time.Time

	mu                   sync.Mutex
	available            bool
	successes            int64
	errors               int64
	consecutiveUnhealthy int
	unavailableSince     time.Time
}

var _ DeliveryProvider = (*Tracked)(nil)

func (t *Tracked) Name() string                  { return t.inner.Name() }
func (t *Tracked) Method() domain.DeliveryMethod { return t.inner.Method() }

func (t *Tracked) Send(ctx context.Context, recipient string, message string, metadata map[string]any) (*SendResult, error) {
	result, err := t.inner.Send(ctx, recipient, message, metadata)
	if errors.Is(err, context.Canceled) {
		return result, err
	}
	t.observe(err == nil && result != nil && result.Success)
	return result, err
}

func (t *Tracked) observe(healthy bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if healthy {
		t.successes++
		t.consecutiveUnhealthy = 0
		return
	}

	t.errors++
	t.consecutiveUnhealthy++
	if t.available && t.consecutiveUnhealthy >= UnhealthyThreshold {
		t.available = false
		t.unavailableSince = t.now()
		t.logger.Warn("provider marked unavailable",
			zap.String("provider", t.inner.Name()),
			zap.String("method", t.inner.Method().String()),
			zap.Int("consecutiveUnhealthy", t.consecutiveUnhealthy),
		)
	}
}

func (t *Tracked) IsAvailable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.available
}

// Restore puts the provider back in rotation and clears the streak.
func (t *Tracked) Restore() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.available {
		return false
	}
	t.available = true
	t.consecutiveUnhealthy = 0
	t.unavailableSince = time.Time{}
	t.logger.Info("provider restored", zap.String("provider", t.inner.Name()))
	return true
}

func (t *Tracked) Health() Health {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := Health{
		Name:                 t.inner.Name(),
		Method:               t.inner.Method(),
		Available:            t.available,
		Successes:            t.successes,
		Errors:               t.errors,
		ConsecutiveUnhealthy: t.consecutiveUnhealthy,
	}
	if !t.unavailableSince.IsZero() {
		since := t.unavailableSince
		h.UnavailableSince = &since
	}
	return h
}

// Registry maps delivery methods to their providers in registration order.
type Registry struct {
	logger *zap.Logger
	now    func() time.Time

	mu       sync.RWMutex
	byMethod map[domain.DeliveryMethod][]*Tracked
}

func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger:   logger,
		now:      time.Now,
		byMethod: make(map[domain.DeliveryMethod][]*Tracked),
	}
}

func (r *Registry) Register(p DeliveryProvider) (*Tracked, error) {
	if p == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if !p.Method().IsValid() {
		return nil, fmt.Errorf("%w: provider %q has invalid method %q", domain.ErrValidation, p.Name(), p.Method())
	}

	t := &Tracked{inner: p, logger: r.logger, now: r.now, available: true}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byMethod[p.Method()] = append(r.byMethod[p.Method()], t)
	return t, nil
}

// Available returns the first provider for method that is in rotation.
func (r *Registry) Available(method domain.DeliveryMethod) (*Tracked, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, t := range r.byMethod[method] {
		if t.IsAvailable() {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w for method %s", ErrNoProvider, method)
}

// RestoreExpired returns providers that have been out of rotation for at
// least cooldown back into it, and reports their names.
func (r *Registry) RestoreExpired(cooldown time.Duration) []string {
	now := r.now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	var restored []string
	for _, list := range r.byMethod {
		for _, t := range list {
			h := t.Health()
			if h.Available || h.UnavailableSince == nil || now.Sub(*h.UnavailableSince) < cooldown {
				continue
			}
			if t.Restore() {
				restored = append(restored, h.Name)
			}
		}
	}
	sort.Strings(restored)
	return restored
}

func (r *Registry) Snapshot() []Health {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Health
	for _, list := range r.byMethod {
		for _, t := range list {
			out = append(out, t.Health())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Method != out[j].Method {
			return out[i].Method < out[j].Method
		}
		return out[i].Name < out[j].Name
	})
	return out
}
