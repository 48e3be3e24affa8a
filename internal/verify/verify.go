// Package verify cross-checks a provider's output with a different provider.
package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/me/gpusched/internal/executor"
	"github.com/me/gpusched/internal/logging"
	"github.com/me/gpusched/pkg/model"
)

// Runner executes a task through the failover chain.
type Runner interface {
	Run(ctx context.Context, task model.Task, exclude ...string) executor.Outcome
}

// Routes is the part of the router the pipeline needs.
type Routes interface {
	VerifierFor(tt model.TaskType, producing string) string
	ModelFor(tt model.TaskType, provider string) string
}

// Pipeline builds review prompts and runs them on an independent provider.
type Pipeline struct {
	runner Runner
	routes Routes
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Pipeline.
func New(runner Runner, routes Routes, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		runner: runner,
		routes: routes,
		logger: logging.Component(logger, "verify"),
		now:    time.Now,
	}
}

// Verify reviews content produced by producing for a task of type tt. The
// producing provider is never used as the verifier, including during
// failover.
func (p *Pipeline) Verify(ctx context.Context, taskID, content string, tt model.TaskType, producing string) (model.VerificationResult, error) {
	verifier := p.routes.VerifierFor(tt, producing)
	if verifier == "" {
		return model.VerificationResult{}, fmt.Errorf("no verifier distinct from %s: %w", producing, model.ErrProviderUnavailable)
	}

	task := model.Task{
		ID:               "verify_" + uuid.New().String()[:8],
		TaskType:         model.TaskTypeVerification,
		Prompt:           BuildPrompt(content, tt),
		Status:           model.TaskStatusRunning,
		AssignedProvider: verifier,
		AssignedModel:    p.routes.ModelFor(model.TaskTypeVerification, verifier),
		CreatedAt:        p.now(),
	}
	log := p.logger.With("task_id", taskID, "verifier", verifier, "producing", producing)
	log.Debug("verification started")

	out := p.runner.Run(ctx, task, producing)
	if !out.Succeeded() {
		log.Warn("verification failed", "error", out.Err)
		return model.VerificationResult{}, fmt.Errorf("verify task %s: %w", taskID, out.Err)
	}

	res := ParseVerdict(out.Result.Response)
	res.TaskID = taskID
	res.VerifierProvider = out.Provider
	res.ProducingProvider = producing
	res.CreatedAt = p.now()
	log.Info("verification complete", "verdict", res.Verdict, "confidence", res.Confidence, "issues", len(res.Issues))
	return res, nil
}

// BuildPrompt returns the structured review prompt for content.
func BuildPrompt(content string, tt model.TaskType) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are reviewing the output of another assistant for a %s task.\n", strings.ReplaceAll(string(tt), "_", " "))
	b.WriteString("Assess it for:\n")
	b.WriteString("1. Correctness: is it factually and logically right?\n")
	b.WriteString("2. Completeness: does it fully address the request?\n")
	b.WriteString("3. Quality: is it clear and well structured?\n")
	b.WriteString("4. Security: does it introduce unsafe behaviour or leak secrets?\n\n")
	b.WriteString("Respond with only a JSON object of the form\n")
	b.WriteString(`{"verdict": "pass" | "fail", "confidence": "high" | "medium" | "low", "issues": ["..."]}`)
	b.WriteString("\n\n--- BEGIN OUTPUT ---\n")
	b.WriteString(content)
	b.WriteString("\n--- END OUTPUT ---\n")
	return b.String()
}

type verdictJSON struct {
	Verdict    string   `json:"verdict"`
	Confidence string   `json:"confidence"`
	Issues     []string `json:"issues"`
}

var jsonObject = regexp.MustCompile(`(?s)\{.*\}`)

// ParseVerdict extracts a verdict from a reviewer's answer. A JSON object
// anywhere in the text is preferred; otherwise keywords decide and the
// confidence is low.
func ParseVerdict(text string) model.VerificationResult {
	if m := jsonObject.FindString(text); m != "" {
		var v verdictJSON
		if err := json.Unmarshal([]byte(m), &v); err == nil && v.Verdict != "" {
			return model.VerificationResult{
				Verdict:    normalizeVerdict(v.Verdict),
				Confidence: normalizeConfidence(v.Confidence),
				Issues:     nonEmpty(v.Issues),
			}
		}
	}

	lower := strings.ToLower(text)
	res := model.VerificationResult{Verdict: model.VerdictPass, Confidence: model.ConfidenceLow}
	for _, neg := range []string{"fail", "incorrect", "wrong", "vulnerab", "does not"} {
		if strings.Contains(lower, neg) {
			res.Verdict = model.VerdictFail
			break
		}
	}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "- ") || strings.HasPrefix(line, "* ") {
			res.Issues = append(res.Issues, strings.TrimSpace(line[2:]))
		}
	}
	return res
}

func normalizeVerdict(s string) model.Verdict {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pass", "passed", "ok", "approve", "approved":
		return model.VerdictPass
	}
	return model.VerdictFail
}

func normalizeConfidence(s string) model.Confidence {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return model.ConfidenceHigh
	case "medium", "med":
		return model.ConfidenceMedium
	}
	return model.ConfidenceLow
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
