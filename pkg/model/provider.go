package model

import "time"

// ProviderKind selects the adapter used to talk to a provider.
type ProviderKind string

const (
	ProviderKindOllama ProviderKind = "ollama"
	ProviderKindOpenAI ProviderKind = "openai"
	ProviderKindCLI    ProviderKind = "cli"
)

// ProviderStatus is the cached result of a provider health probe.
type ProviderStatus struct {
	Name      string       `json:"name"`
	Kind      ProviderKind `json:"kind"`
	Available bool         `json:"available"`
	Endpoint  string       `json:"endpoint,omitempty"`
	Models    []string     `json:"models,omitempty"`
	Loaded    []string     `json:"loaded_models,omitempty"`
	LatencyMS int64        `json:"latency_ms"`
	Cost      float64      `json:"cost"`
	Error     string       `json:"error,omitempty"`
	CheckedAt time.Time    `json:"checked_at"`
}

// Age returns how long ago the status was probed.
func (s ProviderStatus) Age(now time.Time) time.Duration {
	if s.CheckedAt.IsZero() {
		return 0
	}
	return now.Sub(s.CheckedAt)
}

// InferenceResult is the outcome of one generation call.
type InferenceResult struct {
	Success    bool   `json:"success"`
	Response   string `json:"response,omitempty"`
	Tokens     int    `json:"tokens,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// Verdict is the outcome of a cross-verification.
type Verdict string

const (
	VerdictPass Verdict = "pass"
	VerdictFail Verdict = "fail"
)

// Confidence qualifies a verdict.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// VerificationResult is the immutable record of a cross-verification.
type VerificationResult struct {
	TaskID            string     `json:"task_id,omitempty"`
	Verdict           Verdict    `json:"verdict"`
	Confidence        Confidence `json:"confidence"`
	Issues            []string   `json:"issues,omitempty"`
	VerifierProvider  string     `json:"verifier_provider"`
	ProducingProvider string     `json:"producing_provider"`
	CreatedAt         time.Time  `json:"created_at"`
}
