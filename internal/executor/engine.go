package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/me/gpusched/internal/logging"
	"github.com/me/gpusched/internal/provider"
	"github.com/me/gpusched/pkg/model"
)

// DefaultAttemptTimeout bounds one provider call.
const DefaultAttemptTimeout = 180 * time.Second

// Providers is the part of the provider registry the engine needs.
type Providers interface {
	Get(name string) (provider.Provider, bool)
	KnownUnavailable(name string) bool
}

// Routes is the part of the router the engine needs.
type Routes interface {
	FailoverChain(provider string) []string
	ModelFor(tt model.TaskType, provider string) string
}

// AttemptObserver is called after every provider attempt. failedOver is
// true when the attempt was not against the assigned provider.
type AttemptObserver func(task model.Task, a model.Attempt, failedOver bool)

// Outcome is the result of running a task through its failover chain.
type Outcome struct {
	Result   model.InferenceResult
	Provider string // provider that produced Result
	Model    string
	Attempts []model.Attempt
	// Err is nil on success. It wraps ErrAllProvidersExhausted or
	// ErrCancelled together with the last provider error.
	Err error
}

// Succeeded reports whether a provider produced a result.
func (o Outcome) Succeeded() bool {
	return o.Err == nil
}

// Engine runs tasks against providers with failover.
type Engine struct {
	providers Providers
	routes    Routes
	timeout   time.Duration
	logger    *slog.Logger
	observer  AttemptObserver
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithAttemptTimeout overrides the per-provider timeout.
func WithAttemptTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.timeout = d }
}

// WithAttemptObserver registers a callback run after each attempt.
func WithAttemptObserver(o AttemptObserver) EngineOption {
	return func(e *Engine) { e.observer = o }
}

// NewEngine creates an Engine.
func NewEngine(providers Providers, routes Routes, logger *slog.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		providers: providers,
		routes:    routes,
		timeout:   DefaultAttemptTimeout,
		logger:    logging.Component(logger, "engine"),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

type step struct {
	provider string
	model    string
}

// chain returns the assigned provider followed by its failover chain,
// without duplicates or excluded providers.
func (e *Engine) chain(task model.Task, exclude []string) []step {
	seen := make(map[string]bool)
	for _, x := range exclude {
		seen[x] = true
	}
	var steps []step
	if p := task.AssignedProvider; p != "" && !seen[p] {
		seen[p] = true
		m := task.AssignedModel
		if m == "" {
			m = e.routes.ModelFor(task.TaskType, p)
		}
		steps = append(steps, step{p, m})
	}
	for _, p := range e.routes.FailoverChain(task.AssignedProvider) {
		if seen[p] {
			continue
		}
		seen[p] = true
		steps = append(steps, step{p, e.routes.ModelFor(task.TaskType, p)})
	}
	return steps
}

// Run executes task against its assigned provider and then its failover
// chain. Failover candidates whose cached status is unavailable are
// skipped. Run does not modify task; running it again with the same
// provider health yields the same outcome.
func (e *Engine) Run(ctx context.Context, task model.Task, exclude ...string) Outcome {
	log := e.logger.With("task_id", task.ID)
	steps := e.chain(task, exclude)
	var (
		out     Outcome
		lastErr error
	)
	for i, s := range steps {
		if ctx.Err() != nil {
			out.Err = fmt.Errorf("%w: %v", model.ErrCancelled, ctx.Err())
			return out
		}
		if i > 0 && e.providers.KnownUnavailable(s.provider) {
			log.Debug("skipping unavailable provider", "provider", s.provider)
			if lastErr == nil {
				lastErr = &model.ProviderError{Provider: s.provider, Err: model.ErrProviderUnavailable}
			}
			continue
		}
		p, ok := e.providers.Get(s.provider)
		if !ok {
			log.Debug("skipping unregistered provider", "provider", s.provider)
			if lastErr == nil {
				lastErr = &model.ProviderError{Provider: s.provider, Err: model.ErrProviderUnavailable}
			}
			continue
		}

		res, attempt, err := e.attempt(ctx, p, s, task)
		out.Attempts = append(out.Attempts, attempt)
		if e.observer != nil {
			e.observer(task, attempt, i > 0 || s.provider != task.AssignedProvider)
		}
		if err == nil {
			if i > 0 {
				log.Info("failover succeeded", "assigned", task.AssignedProvider, "producing", s.provider)
			}
			out.Result = res
			out.Provider = s.provider
			out.Model = s.model
			return out
		}
		if ctx.Err() != nil {
			out.Err = fmt.Errorf("%w: %w", model.ErrCancelled, err)
			return out
		}
		lastErr = err
		log.Warn("provider attempt failed", "provider", s.provider, "model", s.model, "error", err)
	}

	if lastErr == nil {
		lastErr = errors.New("no providers in chain")
	}
	out.Err = fmt.Errorf("%w: %w", model.ErrAllProvidersExhausted, lastErr)
	out.Result = model.InferenceResult{Success: false, Error: lastErr.Error()}
	return out
}

// attempt runs one provider call under the per-attempt timeout.
func (e *Engine) attempt(ctx context.Context, p provider.Provider, s step, task model.Task) (res model.InferenceResult, a model.Attempt, err error) {
	actx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	a = model.Attempt{Provider: s.provider, Model: s.model, StartedAt: start}
	defer func() {
		if rec := recover(); rec != nil {
			err = &model.ProviderError{Provider: s.provider, Model: s.model, Err: fmt.Errorf("panic: %v", rec)}
			res = model.InferenceResult{Error: err.Error()}
		}
		a.DurationMS = time.Since(start).Milliseconds()
		a.Success = err == nil
		if err != nil {
			a.Error = err.Error()
		}
	}()

	res, err = p.Generate(actx, provider.GenerateRequest{
		Prompt:      task.Prompt,
		Model:       s.model,
		MaxTokens:   payloadInt(task.Payload, "max_tokens"),
		Temperature: payloadFloat(task.Payload, "temperature"),
	})
	if err == nil && !res.Success {
		err = &model.ProviderError{Provider: s.provider, Model: s.model, Err: errors.New(res.Error)}
	}
	if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) && !errors.Is(err, model.ErrGenerationTimeout) {
		err = &model.ProviderError{Provider: s.provider, Model: s.model, Err: fmt.Errorf("%w after %s", model.ErrGenerationTimeout, e.timeout)}
	}
	return res, a, err
}

func payloadInt(p map[string]any, key string) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func payloadFloat(p map[string]any, key string) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

// ChainFor lists the providers Run would consider for task, in order.
func (e *Engine) ChainFor(task model.Task, exclude ...string) []string {
	var names []string
	for _, s := range e.chain(task, exclude) {
		names = append(names, s.provider)
	}
	return slices.Clip(names)
}
