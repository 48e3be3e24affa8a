package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/me/gpusched/internal/config"
	"github.com/me/gpusched/internal/logging"
	"github.com/me/gpusched/pkg/model"
)

// CLI runs a locally installed command-line assistant. The prompt is
// written to stdin and stdout is the response.
type CLI struct {
	name         string
	command      string
	args         []string
	versionArgs  []string
	models       []string
	defaultModel string
	cost         float64
	logger       *slog.Logger
}

// NewCLI creates a command-line provider.
func NewCLI(pc config.ProviderConfig, logger *slog.Logger) *CLI {
	versionArgs := pc.VersionArgs
	if len(versionArgs) == 0 {
		versionArgs = []string{"--version"}
	}
	models := pc.Models
	if len(models) == 0 && pc.DefaultModel != "" {
		models = []string{pc.DefaultModel}
	}
	return &CLI{
		name:         pc.Name,
		command:      pc.Command,
		args:         pc.Args,
		versionArgs:  versionArgs,
		models:       models,
		defaultModel: pc.DefaultModel,
		cost:         pc.Cost,
		logger:       logging.Component(logger, "provider").With("provider", pc.Name),
	}
}

func (c *CLI) Name() string             { return c.name }
func (c *CLI) Kind() model.ProviderKind { return model.ProviderKindCLI }
func (c *CLI) DefaultModel() string     { return c.defaultModel }

// CheckStatus resolves the binary and runs its version command.
func (c *CLI) CheckStatus(ctx context.Context) model.ProviderStatus {
	start := time.Now()
	st := model.ProviderStatus{
		Name:   c.name,
		Kind:   model.ProviderKindCLI,
		Models: c.models,
		Cost:   c.cost,
	}
	path, err := exec.LookPath(c.command)
	if err != nil {
		return down(st, start, err)
	}
	st.Endpoint = path
	cmd := exec.CommandContext(ctx, path, c.versionArgs...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		return down(st, start, err)
	}
	st.Available = true
	st.LatencyMS = time.Since(start).Milliseconds()
	st.CheckedAt = time.Now()
	return st
}

// Generate runs the command once with the prompt on stdin.
func (c *CLI) Generate(ctx context.Context, req GenerateRequest) (model.InferenceResult, error) {
	start := time.Now()
	modelName := req.Model
	if modelName == "" {
		modelName = c.defaultModel
	}
	args := substituteModel(c.args, modelName)

	cmd := exec.CommandContext(ctx, c.command, args...)
	cmd.Stdin = strings.NewReader(req.Prompt)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 2 * time.Second

	c.logger.Debug("generate", "model", modelName, "args", args)
	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			msg := strings.TrimSpace(stderr.String())
			err = fmt.Errorf("exit code %d: %s", exitErr.ExitCode(), msg)
		}
		return failure(c.name, modelName, start, classifyCtxErr(ctx, err))
	}
	out := strings.TrimSpace(stdout.String())
	if out == "" {
		return failure(c.name, modelName, start, errors.New("empty response"))
	}
	return model.InferenceResult{
		Success:    true,
		Response:   out,
		Tokens:     len(strings.Fields(out)),
		DurationMS: time.Since(start).Milliseconds(),
	}, nil
}
