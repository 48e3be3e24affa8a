package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/me/gpusched/internal/config"
	"github.com/me/gpusched/internal/logging"
	"github.com/me/gpusched/internal/metrics"
	"github.com/me/gpusched/internal/router"
	"github.com/me/gpusched/pkg/model"
)

// fakeScheduler is an in-memory Scheduler for handler tests.
type fakeScheduler struct {
	mu         sync.Mutex
	tasks      map[string]model.Task
	order      []string
	status     model.SchedulerStatus
	events     chan model.TaskEvent
	subscribed chan struct{}
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{
		tasks:      map[string]model.Task{},
		events:     make(chan model.TaskEvent, 16),
		subscribed: make(chan struct{}, 4),
		status: model.SchedulerStatus{
			Providers: map[string]model.ProviderStatus{},
			GPUs:      []model.GPUReport{},
		},
	}
}

func (f *fakeScheduler) Start(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }
func (f *fakeScheduler) Stop() error                     { return nil }
func (f *fakeScheduler) Tick(context.Context) error      { return nil }

func (f *fakeScheduler) Submit(_ context.Context, req model.SubmitRequest) (model.Task, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return model.Task{}, model.NewValidationError("invalid task",
			model.FieldError{Field: "prompt", Message: "must not be empty"})
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	t := model.Task{
		ID:       fmt.Sprintf("task_%d", len(f.order)+1),
		Seq:      uint64(len(f.order) + 1),
		TaskType: req.TaskType,
		Prompt:   req.Prompt,
		Status:   model.TaskStatusPending,
	}
	f.put(t)
	return t, nil
}

func (f *fakeScheduler) put(t model.Task) {
	if _, ok := f.tasks[t.ID]; !ok {
		f.order = append(f.order, t.ID)
	}
	f.tasks[t.ID] = t
}

func (f *fakeScheduler) Cancel(_ context.Context, id string) (model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return model.Task{}, fmt.Errorf("%w: %s", model.ErrTaskNotFound, id)
	}
	if t.Status.IsTerminal() {
		return model.Task{}, &model.InvalidTransitionError{Entity: "task", ID: id, From: string(t.Status), To: "cancelled"}
	}
	t.Status = model.TaskStatusCancelled
	f.tasks[id] = t
	return t, nil
}

func (f *fakeScheduler) Get(_ context.Context, id string) (model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return model.Task{}, fmt.Errorf("%w: %s", model.ErrTaskNotFound, id)
	}
	return t, nil
}

func (f *fakeScheduler) List(_ context.Context, opts model.ListOptions) ([]model.Task, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matched []model.Task
	for i := len(f.order) - 1; i >= 0; i-- {
		t := f.tasks[f.order[i]]
		if opts.Status == "" || t.Status == opts.Status {
			matched = append(matched, t)
		}
	}
	total := len(matched)
	if opts.Offset >= total {
		return nil, total, nil
	}
	end := min(opts.Offset+opts.Limit, total)
	return matched[opts.Offset:end], total, nil
}

func (f *fakeScheduler) Status() model.SchedulerStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeScheduler) Subscribe() (<-chan model.TaskEvent, func()) {
	f.subscribed <- struct{}{}
	return f.events, func() {}
}

type fakeVerifier struct {
	res model.VerificationResult
	err error
}

func (v fakeVerifier) Verify(_ context.Context, taskID, _ string, _ model.TaskType, producing string) (model.VerificationResult, error) {
	r := v.res
	r.TaskID = taskID
	r.ProducingProvider = producing
	return r, v.err
}

type fakeProviders struct {
	refreshed int
}

func (p *fakeProviders) Statuses() map[string]model.ProviderStatus {
	return map[string]model.ProviderStatus{
		"ollama": {Name: "ollama", Available: true},
		"codex":  {Name: "codex", Error: "not found"},
	}
}

func (p *fakeProviders) Refresh(context.Context) map[string]model.ProviderStatus {
	p.refreshed++
	return p.Statuses()
}

func testServer(opts ...Option) (*Server, *fakeScheduler) {
	sched := newFakeScheduler()
	return New(config.DefaultServerConfig(), sched, logging.Discard(), opts...), sched
}

// envelope is used to decode the standard response envelope.
type envelope struct {
	Status     string            `json:"status"`
	RequestID  string            `json:"request_id"`
	Timestamp  string            `json:"timestamp"`
	Data       json.RawMessage   `json:"data"`
	Pagination *model.Pagination `json:"pagination"`
	Error      *model.APIError   `json:"error"`
}

func do(t *testing.T, srv *Server, method, path string, body any, wantStatus int) envelope {
	t.Helper()
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = strings.NewReader(b)
	default:
		buf, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rdr = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, rdr)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != wantStatus {
		t.Fatalf("%s %s: status=%d, want %d, body=%s", method, path, w.Code, wantStatus, w.Body.String())
	}
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("%s %s: invalid JSON: %v", method, path, err)
	}
	return env
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	return v
}

func TestDiscovery(t *testing.T) {
	srv, _ := testServer()
	env := do(t, srv, "GET", "/api/v1/", nil, http.StatusOK)
	if env.Status != "ok" || env.RequestID == "" {
		t.Errorf("envelope = %+v", env)
	}
	data := decode[discoveryResponse](t, env.Data)
	if data.Name != "gpusched API" || len(data.Endpoints) < 10 {
		t.Errorf("discovery = %s with %d endpoints", data.Name, len(data.Endpoints))
	}
}

func TestHealth(t *testing.T) {
	srv, sched := testServer(WithStoreKind("sqlite"))
	data := decode[healthResponse](t, do(t, srv, "GET", "/api/v1/health", nil, http.StatusOK).Data)
	if data.Status != "degraded" || data.Store != "sqlite" || data.GoVersion == "" {
		t.Errorf("health = %+v", data)
	}

	sched.status.GPUs = []model.GPUReport{{}}
	sched.status.Providers = map[string]model.ProviderStatus{"ollama": {Available: true}}
	data = decode[healthResponse](t, do(t, srv, "GET", "/api/v1/health", nil, http.StatusOK).Data)
	if data.Status != "healthy" || data.Providers != 1 {
		t.Errorf("health = %+v", data)
	}
}

func TestSubmitAndGetTask(t *testing.T) {
	srv, _ := testServer()
	env := do(t, srv, "POST", "/api/v1/tasks/", model.SubmitRequest{Prompt: "write a sort", TaskType: model.TaskTypeCodeGeneration}, http.StatusCreated)
	task := decode[model.Task](t, env.Data)
	if task.ID == "" || task.Status != model.TaskStatusPending {
		t.Fatalf("task = %+v", task)
	}

	got := decode[model.Task](t, do(t, srv, "GET", "/api/v1/tasks/"+task.ID, nil, http.StatusOK).Data)
	if got.Prompt != "write a sort" {
		t.Errorf("prompt = %q", got.Prompt)
	}
}

func TestSubmitTask_Errors(t *testing.T) {
	srv, _ := testServer()

	env := do(t, srv, "POST", "/api/v1/tasks/", "{not json", http.StatusBadRequest)
	if env.Error == nil || env.Error.Code != model.ErrValidation {
		t.Errorf("invalid json error = %+v", env.Error)
	}

	env = do(t, srv, "POST", "/api/v1/tasks/", model.SubmitRequest{}, http.StatusBadRequest)
	if env.Status != "error" || len(env.Error.Details) != 1 || env.Error.Details[0].Field != "prompt" {
		t.Errorf("validation error = %+v", env.Error)
	}
}

func TestListTasks(t *testing.T) {
	srv, sched := testServer()
	for i := range 5 {
		sched.put(model.Task{ID: fmt.Sprintf("t%d", i), Seq: uint64(i), Status: model.TaskStatusQueued})
	}
	sched.put(model.Task{ID: "done", Seq: 9, Status: model.TaskStatusCompleted})

	env := do(t, srv, "GET", "/api/v1/tasks/?limit=2", nil, http.StatusOK)
	tasks := decode[[]model.Task](t, env.Data)
	if len(tasks) != 2 || env.Pagination.Total != 6 || !env.Pagination.HasMore {
		t.Errorf("page = %d tasks, pagination %+v", len(tasks), env.Pagination)
	}

	env = do(t, srv, "GET", "/api/v1/tasks/?status=completed", nil, http.StatusOK)
	tasks = decode[[]model.Task](t, env.Data)
	if len(tasks) != 1 || tasks[0].ID != "done" || env.Pagination.HasMore {
		t.Errorf("completed = %+v", tasks)
	}

	env = do(t, srv, "GET", "/api/v1/tasks/?status=sleeping", nil, http.StatusBadRequest)
	if env.Error.Details[0].Field != "status" {
		t.Errorf("error = %+v", env.Error)
	}
	do(t, srv, "GET", "/api/v1/tasks/?limit=abc", nil, http.StatusBadRequest)
}

func TestGetTask_NotFound(t *testing.T) {
	srv, _ := testServer()
	env := do(t, srv, "GET", "/api/v1/tasks/task_missing", nil, http.StatusNotFound)
	if env.Error.Code != model.ErrNotFound {
		t.Errorf("code = %s", env.Error.Code)
	}
}

func TestCancelTask(t *testing.T) {
	srv, sched := testServer()
	sched.put(model.Task{ID: "q", Status: model.TaskStatusQueued})
	sched.put(model.Task{ID: "done", Status: model.TaskStatusCompleted})

	got := decode[model.Task](t, do(t, srv, "PUT", "/api/v1/tasks/q/cancel", nil, http.StatusOK).Data)
	if got.Status != model.TaskStatusCancelled {
		t.Errorf("status = %s", got.Status)
	}

	env := do(t, srv, "PUT", "/api/v1/tasks/done/cancel", nil, http.StatusConflict)
	if env.Error.Code != model.ErrConflict {
		t.Errorf("code = %s", env.Error.Code)
	}
	do(t, srv, "PUT", "/api/v1/tasks/nope/cancel", nil, http.StatusNotFound)
}

func TestRespondSchedulerError_Stopped(t *testing.T) {
	w := httptest.NewRecorder()
	respondSchedulerError(w, "req", fmt.Errorf("submit: %w", model.ErrSchedulerStopped))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", w.Code)
	}
	w = httptest.NewRecorder()
	respondSchedulerError(w, "req", errors.New("boom"))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", w.Code)
	}
}

func TestStatusAndGPUs(t *testing.T) {
	srv, sched := testServer()
	sched.status.QueuedCount = 3
	sched.status.GPUs = []model.GPUReport{
		{GPUHealthStatus: model.GPUHealthStatus{GPUID: 1, HealthState: model.HealthHealthy}},
		{GPUHealthStatus: model.GPUHealthStatus{GPUID: 0, HealthState: model.HealthPause}, ActiveTasks: 2},
	}
	sched.status.Host = &model.HostStatus{CPUPercent: 12}

	st := decode[model.SchedulerStatus](t, do(t, srv, "GET", "/api/v1/status", nil, http.StatusOK).Data)
	if st.QueuedCount != 3 || len(st.GPUs) != 2 {
		t.Errorf("status = %+v", st)
	}

	gpus := decode[gpusResponse](t, do(t, srv, "GET", "/api/v1/gpus", nil, http.StatusOK).Data)
	if gpus.GPUs[0].GPUID != 0 || gpus.GPUs[0].ActiveTasks != 2 || gpus.Host == nil {
		t.Errorf("gpus = %+v", gpus)
	}
}

func TestProviders(t *testing.T) {
	p := &fakeProviders{}
	srv, _ := testServer(WithProviders(p))

	list := decode[[]model.ProviderStatus](t, do(t, srv, "GET", "/api/v1/providers", nil, http.StatusOK).Data)
	names := []string{list[0].Name, list[1].Name}
	if !sort.StringsAreSorted(names) || len(list) != 2 {
		t.Errorf("providers = %v", names)
	}
	if p.refreshed != 0 {
		t.Error("refreshed without ?refresh=true")
	}
	do(t, srv, "GET", "/api/v1/providers?refresh=true", nil, http.StatusOK)
	if p.refreshed != 1 {
		t.Errorf("refreshed = %d", p.refreshed)
	}
}

func TestRoute(t *testing.T) {
	srv, _ := testServer(WithRouter(router.New(router.DefaultTables())))

	dec := decode[model.RouteDecision](t, do(t, srv, "POST", "/api/v1/route", routeRequest{Text: "please fix this bug"}, http.StatusOK).Data)
	if dec.TaskType != model.TaskTypeBugFix || len(dec.Providers) == 0 || dec.Verifier == "" {
		t.Errorf("decision = %+v", dec)
	}

	do(t, srv, "POST", "/api/v1/route", routeRequest{}, http.StatusBadRequest)
	do(t, srv, "POST", "/api/v1/route", routeRequest{Text: "x", TaskType: "poetry"}, http.StatusBadRequest)

	bare, _ := testServer()
	do(t, bare, "POST", "/api/v1/route", routeRequest{Text: "x"}, http.StatusServiceUnavailable)
}

type fakeChains struct{ got model.Task }

func (f *fakeChains) ChainFor(task model.Task, exclude ...string) []string {
	f.got = task
	return []string{task.AssignedProvider, "gemini"}
}

func TestRoute_Failover(t *testing.T) {
	chains := &fakeChains{}
	srv, _ := testServer(WithRouter(router.New(router.DefaultTables())), WithChains(chains))

	dec := decode[model.RouteDecision](t, do(t, srv, "POST", "/api/v1/route", routeRequest{Text: "fix the crash"}, http.StatusOK).Data)
	if want := []string{"claude_code", "gemini"}; !slices.Equal(dec.Failover, want) {
		t.Errorf("failover = %v, want %v", dec.Failover, want)
	}
	if chains.got.TaskType != model.TaskTypeBugFix || chains.got.AssignedModel != "opus" {
		t.Errorf("chain asked for %+v", chains.got)
	}

	plain, _ := testServer(WithRouter(router.New(router.DefaultTables())))
	dec = decode[model.RouteDecision](t, do(t, plain, "POST", "/api/v1/route", routeRequest{Text: "fix the crash"}, http.StatusOK).Data)
	if dec.Failover != nil {
		t.Errorf("failover without engine = %v", dec.Failover)
	}
}

func TestVerify(t *testing.T) {
	ok := fakeVerifier{res: model.VerificationResult{Verdict: model.VerdictPass, Confidence: model.ConfidenceHigh, VerifierProvider: "gemini"}}
	srv, _ := testServer(WithVerifier(ok))

	res := decode[model.VerificationResult](t, do(t, srv, "POST", "/api/v1/verify",
		verifyRequest{Content: "func f() {}", TaskType: model.TaskTypeCodeGeneration, ProducingProvider: "ollama"}, http.StatusOK).Data)
	if res.Verdict != model.VerdictPass || res.ProducingProvider != "ollama" {
		t.Errorf("result = %+v", res)
	}

	env := do(t, srv, "POST", "/api/v1/verify", verifyRequest{}, http.StatusBadRequest)
	if env.Error.Details[0].Field != "content" {
		t.Errorf("error = %+v", env.Error)
	}

	failing, _ := testServer(WithVerifier(fakeVerifier{err: model.ErrAllProvidersExhausted}))
	env = do(t, failing, "POST", "/api/v1/verify", verifyRequest{Content: "x"}, http.StatusBadGateway)
	if env.Error.Code != model.ErrBadGateway {
		t.Errorf("code = %s", env.Error.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New()
	m.Register(reg)
	m.TaskSubmitted(model.Task{TaskType: model.TaskTypeResearch})
	srv, _ := testServer(WithMetrics(reg))

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `gpusched_tasks_submitted_total{task_type="research"} 1`) {
		t.Errorf("metrics body missing counter:\n%s", w.Body.String())
	}

	bare, _ := testServer()
	w = httptest.NewRecorder()
	bare.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("metrics without gatherer = %d", w.Code)
	}
}

func TestEventsWebsocket(t *testing.T) {
	srv, sched := testServer()
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/api/v1/events?task_id=task_a", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.CloseNow()

	select {
	case <-sched.subscribed:
	case <-ctx.Done():
		t.Fatal("server never subscribed")
	}
	sched.events <- model.TaskEvent{TaskID: "task_b", Status: model.TaskStatusRunning}
	sched.events <- model.TaskEvent{TaskID: "task_a", Status: model.TaskStatusCompleted}

	_, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	var ev model.TaskEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if ev.TaskID != "task_a" || ev.Status != model.TaskStatusCompleted {
		t.Errorf("event = %+v", ev)
	}
}

func TestSSETask_Terminal(t *testing.T) {
	srv, sched := testServer()
	sched.put(model.Task{ID: "done", Status: model.TaskStatusCompleted, Result: "ok"})

	req := httptest.NewRequest("GET", "/api/v1/sse/tasks/done", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	body := w.Body.String()
	if !strings.Contains(body, "event: init") || !strings.Contains(body, "event: complete") {
		t.Errorf("body = %s", body)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content-type = %s", ct)
	}
}

func TestSSETask_Updates(t *testing.T) {
	srv, sched := testServer()
	sched.put(model.Task{ID: "run", Status: model.TaskStatusRunning})

	done := make(chan string)
	go func() {
		w := httptest.NewRecorder()
		srv.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/sse/tasks/run", nil))
		done <- w.Body.String()
	}()

	<-sched.subscribed
	sched.events <- model.TaskEvent{TaskID: "other", Status: model.TaskStatusQueued}
	sched.events <- model.TaskEvent{TaskID: "run", Status: model.TaskStatusCompleted}

	select {
	case body := <-done:
		if strings.Count(body, "event: update") != 1 || !strings.Contains(body, "event: complete") {
			t.Errorf("body = %s", body)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end")
	}
}

func TestSSETask_NotFound(t *testing.T) {
	srv, _ := testServer()
	do(t, srv, "GET", "/api/v1/sse/tasks/nope", nil, http.StatusNotFound)
}
