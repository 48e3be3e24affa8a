package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/me/gpusched/internal/config"
	"github.com/me/gpusched/pkg/model"
)

// Ollama talks to a local Ollama server.
type Ollama struct {
	name         string
	endpoint     string
	defaultModel string
	cost         float64
	client       *api.Client
}

// NewOllama creates an Ollama provider for pc.Endpoint.
func NewOllama(pc config.ProviderConfig, hc *http.Client) (*Ollama, error) {
	u, err := url.Parse(pc.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("provider %s: parse endpoint: %w", pc.Name, err)
	}
	return &Ollama{
		name:         pc.Name,
		endpoint:     pc.Endpoint,
		defaultModel: pc.DefaultModel,
		cost:         pc.Cost,
		client:       api.NewClient(u, hc),
	}, nil
}

func (o *Ollama) Name() string             { return o.name }
func (o *Ollama) Kind() model.ProviderKind { return model.ProviderKindOllama }
func (o *Ollama) DefaultModel() string     { return o.defaultModel }

// CheckStatus lists installed models and, best effort, the ones resident
// in memory.
func (o *Ollama) CheckStatus(ctx context.Context) model.ProviderStatus {
	start := time.Now()
	st := model.ProviderStatus{
		Name:     o.name,
		Kind:     model.ProviderKindOllama,
		Endpoint: o.endpoint,
		Cost:     o.cost,
	}
	list, err := o.client.List(ctx)
	if err != nil {
		return down(st, start, err)
	}
	for _, m := range list.Models {
		st.Models = append(st.Models, m.Name)
	}
	if loaded, err := o.Running(ctx); err == nil {
		st.Loaded = loaded
	}
	st.Available = true
	st.LatencyMS = time.Since(start).Milliseconds()
	st.CheckedAt = time.Now()
	return st
}

// Running returns the models currently resident in memory.
func (o *Ollama) Running(ctx context.Context) ([]string, error) {
	ps, err := o.client.ListRunning(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ps.Models))
	for _, m := range ps.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// Generate runs a non-streaming completion.
func (o *Ollama) Generate(ctx context.Context, req GenerateRequest) (model.InferenceResult, error) {
	start := time.Now()
	modelName := req.Model
	if modelName == "" {
		modelName = o.defaultModel
	}
	stream := false
	opts := map[string]any{}
	if req.MaxTokens > 0 {
		opts["num_predict"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		opts["temperature"] = req.Temperature
	}
	greq := &api.GenerateRequest{
		Model:   modelName,
		Prompt:  req.Prompt,
		Stream:  &stream,
		Options: opts,
	}

	var (
		text   string
		tokens int
	)
	err := o.client.Generate(ctx, greq, func(resp api.GenerateResponse) error {
		text += resp.Response
		if resp.Done {
			tokens = resp.EvalCount
		}
		return nil
	})
	if err != nil {
		return failure(o.name, modelName, start, classifyCtxErr(ctx, err))
	}
	if text == "" {
		return failure(o.name, modelName, start, errors.New("empty response"))
	}
	return model.InferenceResult{
		Success:    true,
		Response:   text,
		Tokens:     tokens,
		DurationMS: time.Since(start).Milliseconds(),
	}, nil
}
