package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/me/gpusched/internal/config"
	"github.com/me/gpusched/internal/executor"
	"github.com/me/gpusched/internal/health"
	"github.com/me/gpusched/internal/logging"
	"github.com/me/gpusched/internal/provider"
	"github.com/me/gpusched/internal/provider/providertest"
	"github.com/me/gpusched/internal/router"
	"github.com/me/gpusched/internal/scheduler"
	"github.com/me/gpusched/internal/server"
	"github.com/me/gpusched/internal/verify"
	"github.com/me/gpusched/pkg/model"
)

type testEnv struct {
	url   string
	fakes map[string]*providertest.Fake
}

// startTestServer runs the full daemon stack over fake providers and one
// healthy GPU and returns its URL.
func startTestServer(t *testing.T) *testEnv {
	t.Helper()
	logger := logging.Discard()
	ctx := context.Background()

	mon := health.NewMonitor(health.StaticSource{Output: []byte("0, 55, 2000, 24000, 10\n")}, model.DefaultThresholds(), logger)
	mon.Poll(ctx)

	reg := provider.NewRegistry(logger)
	fakes := map[string]*providertest.Fake{}
	for _, name := range []string{"ollama", "claude_code", "gemini", "codex"} {
		f := providertest.New(name)
		fakes[name] = f
		if err := reg.Register(f); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	reg.Refresh(ctx)

	rt := router.New(router.DefaultTables())
	eng := executor.NewEngine(reg, rt, logger, executor.WithAttemptTimeout(5*time.Second))
	ver := verify.New(eng, rt, logger)

	cfg := scheduler.DefaultConfig()
	cfg.TickInterval = 20 * time.Millisecond
	loop, err := scheduler.NewLoop(cfg, scheduler.Deps{
		Health:    mon,
		Providers: reg,
		Routes:    rt,
		Runner:    eng,
		Verifier:  ver,
	}, logger)
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}

	srv := server.New(config.DefaultServerConfig(), loop, logger,
		server.WithRouter(rt), server.WithChains(eng), server.WithVerifier(ver), server.WithProviders(reg))
	go loop.Start(ctx)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		for _, f := range fakes {
			f.Release()
		}
		ts.Close()
		loop.Stop()
	})
	return &testEnv{url: ts.URL, fakes: fakes}
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()

	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := root.ExecuteContext(ctx)
	return buf.String(), err
}

// submitTask posts a task directly and returns it.
func submitTask(t *testing.T, env *testEnv, req model.SubmitRequest) model.Task {
	t.Helper()
	c := NewClient(env.url, logging.Discard())
	resp, err := c.Post(context.Background(), "/api/v1/tasks/", req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	var task model.Task
	if err := json.Unmarshal(resp.Data, &task); err != nil {
		t.Fatalf("parse task: %v", err)
	}
	return task
}

func waitTaskStatus(t *testing.T, env *testEnv, id string, want model.TaskStatus) {
	t.Helper()
	c := NewClient(env.url, logging.Discard())
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := c.GetTask(context.Background(), id)
		if err == nil && task.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never reached %s", id, want)
}

func TestSubmitCommand_Wait(t *testing.T) {
	env := startTestServer(t)

	output, err := runCLI(t, "--server", env.url, "submit", "write a function that adds two numbers", "--wait")
	if err != nil {
		t.Fatalf("submit error: %v\noutput: %s", err, output)
	}
	for _, want := range []string{"Task submitted: task_", "type: code_generation", "Status:   completed", "ollama: ok"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
}

func TestSubmitCommand_FileAndFlags(t *testing.T) {
	env := startTestServer(t)

	dir := t.TempDir()
	taskFile := filepath.Join(dir, "task.yaml")
	os.WriteFile(taskFile, []byte("prompt: survey recent papers on speculative decoding\ntask_type: research\n"), 0o644)
	payloadFile := filepath.Join(dir, "payload.yaml")
	os.WriteFile(payloadFile, []byte("temperature: 0.2\nmax_tokens: 512\n"), 0o644)

	output, err := runCLI(t, "--server", env.url, "submit", "-f", taskFile, "--priority", "7", "--payload", payloadFile)
	if err != nil {
		t.Fatalf("submit error: %v\noutput: %s", err, output)
	}
	if !strings.Contains(output, "type: research, priority: 7") {
		t.Errorf("unexpected output: %s", output)
	}
}

func TestSubmitCommand_Errors(t *testing.T) {
	env := startTestServer(t)

	if _, err := runCLI(t, "--server", env.url, "submit"); err == nil {
		t.Error("expected error without a prompt")
	}
	_, err := runCLI(t, "--server", env.url, "submit", "hello", "--type", "poetry")
	if err == nil || !strings.Contains(err.Error(), "VALIDATION_ERROR") {
		t.Errorf("expected validation error, got %v", err)
	}
	_, err = runCLI(t, "--server", env.url, "submit", "hello", "--depends-on", "task_missing")
	if err == nil {
		t.Error("expected error for unknown dependency")
	}
}

func TestTaskCommand(t *testing.T) {
	env := startTestServer(t)
	task := submitTask(t, env, model.SubmitRequest{Prompt: "document the config loader"})
	waitTaskStatus(t, env, task.ID, model.TaskStatusCompleted)

	output, err := runCLI(t, "--server", env.url, "task", task.ID)
	if err != nil {
		t.Fatalf("task error: %v", err)
	}
	if !strings.Contains(output, task.ID) || !strings.Contains(output, "Type:     documentation") {
		t.Errorf("unexpected output: %s", output)
	}

	output, err = runCLI(t, "--server", env.url, "task", "--json", task.ID)
	if err != nil {
		t.Fatalf("task --json error: %v", err)
	}
	var got model.Task
	if err := json.Unmarshal([]byte(output), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, output)
	}
	if got.Status != model.TaskStatusCompleted || got.ProducingProvider == "" {
		t.Errorf("task = %+v", got)
	}

	if _, err := runCLI(t, "--server", env.url, "task", "task_missing"); err == nil {
		t.Error("expected not found error")
	}
}

func TestListCommand(t *testing.T) {
	env := startTestServer(t)

	output, err := runCLI(t, "--server", env.url, "list")
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	if !strings.Contains(output, "No tasks found.") {
		t.Errorf("unexpected empty output: %s", output)
	}

	a := submitTask(t, env, model.SubmitRequest{Prompt: "classify these tickets"})
	waitTaskStatus(t, env, a.ID, model.TaskStatusCompleted)

	output, err = runCLI(t, "--server", env.url, "list", "--status", "completed")
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	if !strings.Contains(output, a.ID) || !strings.Contains(output, "classification") {
		t.Errorf("expected task in output, got: %s", output)
	}

	output, err = runCLI(t, "--server", env.url, "list", "--status", "failed")
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	if strings.Contains(output, a.ID) {
		t.Errorf("status filter ignored: %s", output)
	}
}

func TestCancelCommand(t *testing.T) {
	env := startTestServer(t)
	env.fakes["ollama"].Block()

	running := submitTask(t, env, model.SubmitRequest{Prompt: "write a parser", TaskType: model.TaskTypeCodeGeneration})
	waitTaskStatus(t, env, running.ID, model.TaskStatusRunning)
	pending := submitTask(t, env, model.SubmitRequest{Prompt: "write tests for the parser", Dependencies: []string{running.ID}})

	output, err := runCLI(t, "--server", env.url, "cancel", pending.ID)
	if err != nil {
		t.Fatalf("cancel error: %v", err)
	}
	if !strings.Contains(output, pending.ID+": cancelled") {
		t.Errorf("unexpected output: %s", output)
	}

	output, err = runCLI(t, "--server", env.url, "cancel", running.ID)
	if err != nil {
		t.Fatalf("cancel running error: %v", err)
	}
	if !strings.Contains(output, "cancellation requested") {
		t.Errorf("unexpected output: %s", output)
	}
	waitTaskStatus(t, env, running.ID, model.TaskStatusCancelled)

	_, err = runCLI(t, "--server", env.url, "cancel", running.ID)
	if err == nil || !strings.Contains(err.Error(), "CONFLICT") {
		t.Errorf("expected conflict, got %v", err)
	}
}

func TestStatusCommand(t *testing.T) {
	env := startTestServer(t)

	output, err := runCLI(t, "--server", env.url, "status")
	if err != nil {
		t.Fatalf("status error: %v", err)
	}
	for _, want := range []string{"Tasks: 0 pending", "GPUs:", "healthy", "Providers:", "claude_code", "available"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
}

func TestRouteCommand(t *testing.T) {
	env := startTestServer(t)

	output, err := runCLI(t, "--server", env.url, "route", "fix", "the", "crash", "bug")
	if err != nil {
		t.Fatalf("route error: %v", err)
	}
	for _, want := range []string{
		"Type:      bug_fix",
		"Priority:  1",
		"Providers: claude_code -> codex -> ollama",
		"Failover:  claude_code -> gemini -> codex -> ollama",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
}

func TestWatchCommand(t *testing.T) {
	env := startTestServer(t)
	env.fakes["ollama"].Block()

	task := submitTask(t, env, model.SubmitRequest{Prompt: "implement a queue", TaskType: model.TaskTypeCodeGeneration})
	waitTaskStatus(t, env, task.ID, model.TaskStatusRunning)

	done := make(chan struct{})
	var output string
	var err error
	go func() {
		defer close(done)
		output, err = runCLI(t, "--server", env.url, "watch", task.ID)
	}()

	time.Sleep(100 * time.Millisecond)
	env.fakes["ollama"].Release()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("watch did not return")
	}
	if err != nil {
		t.Fatalf("watch error: %v\noutput: %s", err, output)
	}
	if !strings.Contains(output, "Status:   completed") {
		t.Errorf("unexpected output: %s", output)
	}

	// A following command replaces the package logger; the watch reader
	// must already be gone.
	if _, err := runCLI(t, "--server", env.url, "--debug", "task", task.ID); err != nil {
		t.Fatalf("task after watch: %v", err)
	}
}

func TestReadEvents_ClosesOnCancel(t *testing.T) {
	env := startTestServer(t)
	c := NewClient(env.url, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn, err := c.DialEvents(ctx, "")
	if err != nil {
		t.Fatalf("DialEvents: %v", err)
	}
	defer conn.CloseNow()

	events := readEvents(ctx, conn, logging.Discard())
	cancel()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("event reader still running after cancel")
		}
	}
}
