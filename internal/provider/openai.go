package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/me/gpusched/internal/config"
	"github.com/me/gpusched/pkg/model"
)

// OpenAI talks to any server exposing the OpenAI chat completions API
// (vLLM, llama.cpp server, LM Studio).
type OpenAI struct {
	name         string
	endpoint     string
	defaultModel string
	cost         float64
	apiKey       string
	hc           *http.Client
}

// NewOpenAI creates an OpenAI-compatible provider.
func NewOpenAI(pc config.ProviderConfig, hc *http.Client) *OpenAI {
	var key string
	if pc.APIKeyEnv != "" {
		key = os.Getenv(pc.APIKeyEnv)
	}
	return &OpenAI{
		name:         pc.Name,
		endpoint:     strings.TrimRight(pc.Endpoint, "/"),
		defaultModel: pc.DefaultModel,
		cost:         pc.Cost,
		apiKey:       key,
		hc:           hc,
	}
}

func (o *OpenAI) Name() string             { return o.name }
func (o *OpenAI) Kind() model.ProviderKind { return model.ProviderKindOpenAI }
func (o *OpenAI) DefaultModel() string     { return o.defaultModel }

type modelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens      int `json:"total_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// CheckStatus lists served models.
func (o *OpenAI) CheckStatus(ctx context.Context) model.ProviderStatus {
	start := time.Now()
	st := model.ProviderStatus{
		Name:     o.name,
		Kind:     model.ProviderKindOpenAI,
		Endpoint: o.endpoint,
		Cost:     o.cost,
	}
	var mr modelsResponse
	if err := o.do(ctx, http.MethodGet, "/v1/models", nil, &mr); err != nil {
		return down(st, start, err)
	}
	for _, m := range mr.Data {
		st.Models = append(st.Models, m.ID)
	}
	st.Available = true
	st.LatencyMS = time.Since(start).Milliseconds()
	st.CheckedAt = time.Now()
	return st
}

// Generate sends a single-message chat completion.
func (o *OpenAI) Generate(ctx context.Context, req GenerateRequest) (model.InferenceResult, error) {
	start := time.Now()
	modelName := req.Model
	if modelName == "" {
		modelName = o.defaultModel
	}
	body := chatRequest{
		Model:       modelName,
		Messages:    []chatMessage{{Role: "user", Content: req.Prompt}},
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	var cr chatResponse
	if err := o.do(ctx, http.MethodPost, "/v1/chat/completions", body, &cr); err != nil {
		return failure(o.name, modelName, start, classifyCtxErr(ctx, err))
	}
	if cr.Error != nil {
		return failure(o.name, modelName, start, errors.New(cr.Error.Message))
	}
	if len(cr.Choices) == 0 || cr.Choices[0].Message.Content == "" {
		return failure(o.name, modelName, start, errors.New("empty response"))
	}
	tokens := cr.Usage.CompletionTokens
	if tokens == 0 {
		tokens = cr.Usage.TotalTokens
	}
	return model.InferenceResult{
		Success:    true,
		Response:   cr.Choices[0].Message.Content,
		Tokens:     tokens,
		DurationMS: time.Since(start).Milliseconds(),
	}, nil
}

func (o *OpenAI) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, o.endpoint+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}
	resp, err := o.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
