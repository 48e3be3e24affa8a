package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/me/gpusched/internal/logging"
	"github.com/me/gpusched/pkg/model"
)

// Default cache and probe bounds.
const (
	DefaultStatusTTL     = 30 * time.Second
	DefaultStatusTimeout = 10 * time.Second
)

// StatusObserver is called after every probe.
type StatusObserver func(model.ProviderStatus)

// Registry holds the configured providers and caches their status.
type Registry struct {
	ttl      time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time
	observer StatusObserver

	mu        sync.Mutex
	providers map[string]Provider
	order     []string
	cache     map[string]model.ProviderStatus
	inflight  map[string]chan struct{}
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithTTL sets how long a probe result stays fresh.
func WithTTL(d time.Duration) RegistryOption {
	return func(r *Registry) { r.ttl = d }
}

// WithStatusTimeout bounds a single probe.
func WithStatusTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.timeout = d }
}

// WithStatusObserver registers a callback run after each probe.
func WithStatusObserver(o StatusObserver) RegistryOption {
	return func(r *Registry) { r.observer = o }
}

// WithRegistryClock overrides the time source.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		ttl:       DefaultStatusTTL,
		timeout:   DefaultStatusTimeout,
		logger:    logging.Component(logger, "registry"),
		now:       time.Now,
		providers: make(map[string]Provider),
		cache:     make(map[string]model.ProviderStatus),
		inflight:  make(map[string]chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds a provider. Names must be unique.
func (r *Registry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[p.Name()]; ok {
		return fmt.Errorf("provider %q already registered", p.Name())
	}
	r.providers[p.Name()] = p
	r.order = append(r.order, p.Name())
	r.logger.Info("provider registered", "name", p.Name(), "kind", p.Kind())
	return nil
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.providers[name]
	return p, ok
}

// Names returns provider names in registration order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// Cached returns the last probe result without probing.
func (r *Registry) Cached(name string) (model.ProviderStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.cache[name]
	return st, ok
}

// KnownUnavailable reports whether the cached status says the provider is
// down. A provider never probed is not known to be down.
func (r *Registry) KnownUnavailable(name string) bool {
	st, ok := r.Cached(name)
	return ok && !st.Available
}

// Status returns the cached status, probing first if it is older than the
// TTL. Concurrent callers for the same provider share one probe.
func (r *Registry) Status(ctx context.Context, name string) (model.ProviderStatus, error) {
	for {
		r.mu.Lock()
		p, ok := r.providers[name]
		if !ok {
			r.mu.Unlock()
			return model.ProviderStatus{}, fmt.Errorf("provider %q: %w", name, model.ErrProviderUnavailable)
		}
		st, cached := r.cache[name]
		if cached && r.now().Sub(st.CheckedAt) < r.ttl {
			r.mu.Unlock()
			return st, nil
		}
		if wait, busy := r.inflight[name]; busy {
			r.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return st, ctx.Err()
			}
		}
		done := make(chan struct{})
		r.inflight[name] = done
		r.mu.Unlock()

		st = r.probe(ctx, p)

		r.mu.Lock()
		delete(r.inflight, name)
		r.mu.Unlock()
		close(done)
		return st, nil
	}
}

// probe runs CheckStatus under the probe timeout and stores the result.
// A failed probe keeps the last known models and latency.
func (r *Registry) probe(ctx context.Context, p Provider) (st model.ProviderStatus) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			st = model.ProviderStatus{
				Name:  p.Name(),
				Kind:  p.Kind(),
				Error: fmt.Sprintf("status probe panicked: %v", rec),
			}
			st.CheckedAt = r.now()
			r.store(st)
		}
	}()

	st = p.CheckStatus(ctx)
	st.Name = p.Name()
	st.Kind = p.Kind()
	st.CheckedAt = r.now()
	if !st.Available && st.Error == "" {
		st.Error = model.ErrProviderUnavailable.Error()
	}
	return r.store(st)
}

func (r *Registry) store(st model.ProviderStatus) model.ProviderStatus {
	r.mu.Lock()
	prev, had := r.cache[st.Name]
	if !st.Available && had {
		if len(st.Models) == 0 {
			st.Models = prev.Models
		}
		if prev.Available {
			st.LatencyMS = prev.LatencyMS
		}
	}
	r.cache[st.Name] = st
	r.mu.Unlock()

	if !st.Available && (!had || prev.Available) {
		r.logger.Warn("provider unavailable", "name", st.Name, "error", st.Error)
	} else if st.Available && had && !prev.Available {
		r.logger.Info("provider recovered", "name", st.Name)
	}
	if r.observer != nil {
		r.observer(st)
	}
	return st
}

// SetStatus overwrites the cached status of a provider.
func (r *Registry) SetStatus(st model.ProviderStatus) {
	if st.CheckedAt.IsZero() {
		st.CheckedAt = r.now()
	}
	r.mu.Lock()
	r.cache[st.Name] = st
	r.mu.Unlock()
}

// Refresh probes every provider concurrently, honouring the TTL.
func (r *Registry) Refresh(ctx context.Context) map[string]model.ProviderStatus {
	names := r.Names()
	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if _, err := r.Status(ctx, name); err != nil {
				r.logger.Debug("refresh", "name", name, "error", err)
			}
		}(name)
	}
	wg.Wait()
	return r.Statuses()
}

// Statuses returns the cached status of every provider. Providers that
// were never probed are listed with no check time.
func (r *Registry) Statuses() map[string]model.ProviderStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]model.ProviderStatus, len(r.providers))
	for name, p := range r.providers {
		st, ok := r.cache[name]
		if !ok {
			st = model.ProviderStatus{Name: name, Kind: p.Kind(), Error: "not yet probed"}
		}
		out[name] = st
	}
	return out
}

// Run refreshes all providers once per TTL until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	r.Refresh(ctx)
	ticker := time.NewTicker(r.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Refresh(ctx)
		}
	}
}
