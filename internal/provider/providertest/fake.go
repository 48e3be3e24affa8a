// Package providertest provides a scriptable in-memory provider.
package providertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/me/gpusched/internal/provider"
	"github.com/me/gpusched/pkg/model"
)

// Fake is a provider whose availability and answers are set by tests.
type Fake struct {
	name string

	mu        sync.Mutex
	available bool
	response  string
	genErr    error
	delay     time.Duration
	block     chan struct{}
	calls     []provider.GenerateRequest
	probes    int
	respond   func(provider.GenerateRequest) (string, error)
}

// New returns an available fake that answers "<name>: ok".
func New(name string) *Fake {
	return &Fake{name: name, available: true, response: name + ": ok"}
}

func (f *Fake) Name() string             { return f.name }
func (f *Fake) Kind() model.ProviderKind { return model.ProviderKindCLI }
func (f *Fake) DefaultModel() string     { return f.name + "-default" }

// SetAvailable controls both the probe result and whether Generate fails.
func (f *Fake) SetAvailable(v bool) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.available = v
	return f
}

// SetResponse sets the text returned on success.
func (f *Fake) SetResponse(s string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.response = s
	return f
}

// SetError makes Generate fail with err while the probe stays healthy.
func (f *Fake) SetError(err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.genErr = err
	return f
}

// SetDelay makes Generate wait before answering.
func (f *Fake) SetDelay(d time.Duration) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
	return f
}

// SetRespond installs a function computing the response per request.
func (f *Fake) SetRespond(fn func(provider.GenerateRequest) (string, error)) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.respond = fn
	return f
}

// Block makes Generate wait until Release or context cancellation.
func (f *Fake) Block() *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block = make(chan struct{})
	return f
}

// Release unblocks every pending Generate call.
func (f *Fake) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.block != nil {
		close(f.block)
		f.block = nil
	}
}

// Calls returns the generation requests received so far.
func (f *Fake) Calls() []provider.GenerateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]provider.GenerateRequest(nil), f.calls...)
}

// Probes returns how many times CheckStatus ran.
func (f *Fake) Probes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes
}

// CheckStatus reports the configured availability.
func (f *Fake) CheckStatus(context.Context) model.ProviderStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	st := model.ProviderStatus{
		Name:      f.name,
		Kind:      model.ProviderKindCLI,
		Available: f.available,
		Models:    []string{f.name + "-default"},
		LatencyMS: 1,
		CheckedAt: time.Now(),
	}
	if !f.available {
		st.Error = "connection refused"
	}
	return st
}

// Generate answers according to the configured behaviour.
func (f *Fake) Generate(ctx context.Context, req provider.GenerateRequest) (model.InferenceResult, error) {
	start := time.Now()
	f.mu.Lock()
	f.calls = append(f.calls, req)
	available, response, genErr := f.available, f.response, f.genErr
	delay, block, respond := f.delay, f.block, f.respond
	f.mu.Unlock()

	fail := func(err error) (model.InferenceResult, error) {
		perr := &model.ProviderError{Provider: f.name, Model: req.Model, Err: err}
		return model.InferenceResult{Error: perr.Error(), DurationMS: time.Since(start).Milliseconds()}, perr
	}

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return fail(ctxErr(ctx))
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fail(ctxErr(ctx))
		}
	}
	if !available {
		return fail(fmt.Errorf("%w: connection refused", model.ErrProviderUnavailable))
	}
	if genErr != nil {
		return fail(genErr)
	}
	if respond != nil {
		out, err := respond(req)
		if err != nil {
			return fail(err)
		}
		response = out
	}
	return model.InferenceResult{
		Success:    true,
		Response:   response,
		Tokens:     len(response),
		DurationMS: time.Since(start).Milliseconds(),
	}, nil
}

func ctxErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", model.ErrGenerationTimeout, ctx.Err())
	}
	return ctx.Err()
}

var _ provider.Provider = (*Fake)(nil)
