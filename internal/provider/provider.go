// Package provider adapts inference backends behind a single interface and
// caches their health.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/me/gpusched/internal/config"
	"github.com/me/gpusched/pkg/model"
)

// Provider is an inference backend.
type Provider interface {
	Name() string
	Kind() model.ProviderKind
	// DefaultModel is used when routing names no model for this provider.
	DefaultModel() string
	// CheckStatus probes the backend. It never panics; a down backend is
	// reported with Available=false and Error set.
	CheckStatus(ctx context.Context) model.ProviderStatus
	// Generate runs one completion. err is non-nil exactly when
	// result.Success is false.
	Generate(ctx context.Context, req GenerateRequest) (model.InferenceResult, error)
}

// GenerateRequest is the provider-agnostic generation input.
type GenerateRequest struct {
	Prompt      string
	Model       string
	MaxTokens   int
	Temperature float64
}

// New builds a provider from its configuration.
func New(pc config.ProviderConfig, logger *slog.Logger) (Provider, error) {
	switch pc.Kind {
	case model.ProviderKindOllama:
		return NewOllama(pc, &http.Client{})
	case model.ProviderKindOpenAI:
		return NewOpenAI(pc, &http.Client{}), nil
	case model.ProviderKindCLI:
		return NewCLI(pc, logger), nil
	default:
		return nil, fmt.Errorf("provider %s: unknown kind %q", pc.Name, pc.Kind)
	}
}

// failure builds a failed result and its matching error.
func failure(name, modelName string, start time.Time, err error) (model.InferenceResult, error) {
	perr := &model.ProviderError{Provider: name, Model: modelName, Err: err}
	return model.InferenceResult{
		Success:    false,
		DurationMS: time.Since(start).Milliseconds(),
		Error:      perr.Error(),
	}, perr
}

// classifyCtxErr maps a context deadline to ErrGenerationTimeout.
func classifyCtxErr(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%w: %v", model.ErrGenerationTimeout, err)
	}
	return err
}

func down(base model.ProviderStatus, start time.Time, err error) model.ProviderStatus {
	base.Available = false
	base.Error = err.Error()
	base.LatencyMS = time.Since(start).Milliseconds()
	base.CheckedAt = time.Now()
	return base
}

func substituteModel(args []string, modelName string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = strings.ReplaceAll(a, "{model}", modelName)
	}
	return out
}
