package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/me/gpusched/internal/config"
	"github.com/me/gpusched/internal/executor"
	"github.com/me/gpusched/internal/health"
	"github.com/me/gpusched/internal/logging"
	"github.com/me/gpusched/internal/store"
	"github.com/me/gpusched/pkg/model"
)

// Config holds scheduler configuration.
type Config struct {
	TickInterval time.Duration
	// MaxConcurrent bounds running tasks per GPU.
	MaxConcurrent int
	// RecentLimit is the number of terminal tasks kept in snapshots and
	// reported as recent completions.
	RecentLimit int
	// RetainTerminal is the number of terminal tasks kept in memory.
	RetainTerminal int
	Footprints     map[string]int64
	AdmissionRule  string
	SaveTimeout    time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:   2 * time.Second,
		MaxConcurrent:  2,
		RecentLimit:    50,
		RetainTerminal: 1000,
		SaveTimeout:    5 * time.Second,
	}
}

// ConfigFrom derives a loop Config from the scheduler section of the
// config file.
func ConfigFrom(sc config.SchedulerConfig) Config {
	c := DefaultConfig()
	if sc.TickInterval > 0 {
		c.TickInterval = sc.TickInterval
	}
	if sc.MaxConcurrent > 0 {
		c.MaxConcurrent = sc.MaxConcurrent
	}
	if sc.RecentLimit > 0 {
		c.RecentLimit = sc.RecentLimit
	}
	if c.RetainTerminal < c.RecentLimit {
		c.RetainTerminal = c.RecentLimit
	}
	c.Footprints = sc.ModelFootprintsMB
	c.AdmissionRule = sc.AdmissionRule
	return c
}

// Deps are the collaborators a Loop drives. Host, Verifier, Store and
// Observer are optional.
type Deps struct {
	Health    HealthSource
	Host      HostSource
	Providers ProviderSource
	Routes    Routes
	Runner    Runner
	Verifier  Verifier
	Store     store.Store
	Observer  Observer
}

type run struct {
	cancel    context.CancelFunc
	device    *device
	model     string
	cancelled bool
}

type result struct {
	taskID       string
	outcome      *executor.Outcome
	verification *model.VerificationResult
	verifyErr    error
}

// Loop implements Scheduler as a single goroutine that owns all task,
// queue and device state. Other goroutines reach that state only through
// requests handed to the loop or through the published status snapshot.
type Loop struct {
	cfg    Config
	deps   Deps
	rule   *AdmissionRule
	logger *slog.Logger
	now    func() time.Time

	// owned by the loop goroutine
	tasks   map[string]*model.Task
	queue   *taskQueue
	devices map[int]*device
	running map[string]*run
	nextSeq uint64
	dirty   bool
	idle    bool

	reqCh   chan func()
	results chan result
	saves   chan model.Snapshot
	events  *hub
	status  atomic.Pointer[model.SchedulerStatus]

	workCtx     context.Context
	stopWorkers context.CancelFunc
	workers     sync.WaitGroup

	started     atomic.Bool
	stopOnce    sync.Once
	stopCh      chan struct{}
	quit        chan struct{}
	doneCh      chan struct{}
	persistDone chan struct{}
}

// Option configures a Loop.
type Option func(*Loop)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

// NewLoop creates a new scheduler loop.
func NewLoop(cfg Config, deps Deps, logger *slog.Logger, opts ...Option) (*Loop, error) {
	if deps.Health == nil || deps.Providers == nil || deps.Routes == nil || deps.Runner == nil {
		return nil, errors.New("scheduler: health, providers, routes and runner are required")
	}
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = def.RecentLimit
	}
	if cfg.RetainTerminal < cfg.RecentLimit {
		cfg.RetainTerminal = cfg.RecentLimit
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = def.SaveTimeout
	}
	if deps.Store == nil {
		deps.Store = store.NewMemoryStore()
	}

	rule, err := CompileAdmissionRule(cfg.AdmissionRule)
	if err != nil {
		return nil, err
	}

	l := &Loop{
		cfg:         cfg,
		deps:        deps,
		rule:        rule,
		logger:      logging.Component(logger, "scheduler"),
		now:         func() time.Time { return time.Now().UTC() },
		tasks:       make(map[string]*model.Task),
		queue:       newTaskQueue(),
		devices:     make(map[int]*device),
		running:     make(map[string]*run),
		nextSeq:     1,
		reqCh:       make(chan func()),
		results:     make(chan result, 256),
		saves:       make(chan model.Snapshot, 1),
		events:      newHub(),
		stopCh:      make(chan struct{}),
		quit:        make(chan struct{}),
		doneCh:      make(chan struct{}),
		persistDone: make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

// Start restores persisted state and runs the loop. Blocks until ctx is
// cancelled or Stop is called.
func (l *Loop) Start(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return errors.New("scheduler: already started")
	}
	if err := l.restore(ctx); err != nil {
		close(l.quit)
		close(l.persistDone)
		close(l.doneCh)
		return err
	}

	l.workCtx, l.stopWorkers = context.WithCancel(ctx)
	go l.persist()
	l.publish()

	l.logger.Info("scheduler started",
		"tick_interval", l.cfg.TickInterval,
		"max_concurrent", l.cfg.MaxConcurrent,
		"admission_rule", l.rule.String(),
	)
	ticker := time.NewTicker(l.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("scheduler stopping (context cancelled)")
			l.shutdown()
			return ctx.Err()
		case <-l.stopCh:
			l.logger.Info("scheduler stopping (stop called)")
			l.shutdown()
			return nil
		case fn := <-l.reqCh:
			fn()
		case <-ticker.C:
			if err := l.tick(); err != nil {
				l.logger.Error("tick error", "error", err)
			}
		}
	}
}

// Stop gracefully shuts down the scheduler and waits for the final
// snapshot to be written.
func (l *Loop) Stop() error {
	if !l.started.Load() {
		return nil
	}
	l.stopOnce.Do(func() { close(l.stopCh) })
	<-l.doneCh
	return nil
}

// Done is closed once the loop has shut down.
func (l *Loop) Done() <-chan struct{} { return l.doneCh }

// shutdown cancels in-flight work and writes a final snapshot. Running
// tasks are saved as running and come back as pending on restore.
func (l *Loop) shutdown() {
	close(l.quit)
	l.stopWorkers()
	l.workers.Wait()

	l.dirty = true
	l.checkpoint()
	close(l.saves)
	<-l.persistDone

	l.events.closeAll()
	close(l.doneCh)
}

// do runs fn on the loop goroutine and waits for it.
func (l *Loop) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	req := func() {
		defer close(done)
		fn()
	}
	select {
	case l.reqCh <- req:
	case <-l.doneCh:
		return model.ErrSchedulerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tick runs a single scheduling iteration on the loop goroutine.
func (l *Loop) Tick(ctx context.Context) error {
	var err error
	if e := l.do(ctx, func() { err = l.tick() }); e != nil {
		return e
	}
	return err
}

func (l *Loop) tick() error {
	start := l.now()

	l.drainResults()
	l.resolveDependencies()
	l.admit()
	l.prune()
	st := l.publish()
	l.checkpoint()

	if l.deps.Observer != nil {
		l.deps.Observer.TickCompleted(l.now().Sub(start), st)
	}
	return nil
}

// --- Requests ---

// Submit validates a request and adds a pending task.
func (l *Loop) Submit(ctx context.Context, req model.SubmitRequest) (model.Task, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return model.Task{}, model.NewValidationError("invalid task",
			model.FieldError{Field: "prompt", Message: "must not be empty"})
	}
	tt := req.TaskType
	if tt == "" {
		tt = l.deps.Routes.Classify(prompt)
	} else if !tt.Valid() {
		return model.Task{}, model.NewValidationError("invalid task",
			model.FieldError{Field: "task_type", Message: fmt.Sprintf("unknown task type %q", tt)})
	}
	priority := l.deps.Routes.PriorityFor(tt)
	if req.Priority != nil {
		priority = *req.Priority
	}

	deps := make([]string, 0, len(req.Dependencies))
	seen := make(map[string]bool)
	for _, d := range req.Dependencies {
		d = strings.TrimSpace(d)
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		deps = append(deps, d)
	}

	var (
		out model.Task
		err error
	)
	if e := l.do(ctx, func() {
		var missing []model.FieldError
		for _, d := range deps {
			if _, ok := l.tasks[d]; !ok {
				missing = append(missing, model.FieldError{Field: "dependencies", Message: fmt.Sprintf("unknown task %s", d)})
			}
		}
		if len(missing) > 0 {
			err = model.NewValidationError("invalid task", missing...)
			return
		}

		t := &model.Task{
			ID:           "task_" + uuid.New().String(),
			Seq:          l.nextSeq,
			Priority:     priority,
			TaskType:     tt,
			Prompt:       req.Prompt,
			Payload:      req.Payload,
			Status:       model.TaskStatusPending,
			Dependencies: deps,
			Verify:       req.Verify,
			CreatedAt:    l.now(),
		}
		l.nextSeq++
		l.tasks[t.ID] = t
		l.dirty = true
		l.emit(t, "submitted")
		if l.deps.Observer != nil {
			l.deps.Observer.TaskSubmitted(*t)
		}
		l.logger.Info("task submitted", "task_id", t.ID, "task_type", t.TaskType, "priority", t.Priority, "dependencies", len(deps))
		out = t.Clone()
		l.publish()
	}); e != nil {
		return model.Task{}, e
	}
	return out, err
}

// Cancel cancels a task. Pending and queued tasks are cancelled at once.
// A running task has its provider call cancelled and is marked cancelled
// when the call returns; the returned copy still shows it running.
func (l *Loop) Cancel(ctx context.Context, id string) (model.Task, error) {
	var (
		out model.Task
		err error
	)
	if e := l.do(ctx, func() {
		t, ok := l.tasks[id]
		if !ok {
			err = fmt.Errorf("%w: %s", model.ErrTaskNotFound, id)
			return
		}
		switch t.Status {
		case model.TaskStatusPending, model.TaskStatusQueued:
			l.queue.remove(id)
			l.terminate(t, model.TaskStatusCancelled, model.FailureCancelled, model.ErrCancelled.Error())
		case model.TaskStatusRunning:
			if rn := l.running[id]; rn != nil && !rn.cancelled {
				rn.cancelled = true
				rn.cancel()
				l.emit(t, "cancellation requested")
			}
		default:
			err = &model.InvalidTransitionError{
				Entity: "task", ID: id,
				From: string(t.Status), To: string(model.TaskStatusCancelled),
			}
			return
		}
		out = t.Clone()
		l.publish()
	}); e != nil {
		return model.Task{}, e
	}
	return out, err
}

// Get returns a copy of one task.
func (l *Loop) Get(ctx context.Context, id string) (model.Task, error) {
	var (
		out model.Task
		err error
	)
	if e := l.do(ctx, func() {
		t, ok := l.tasks[id]
		if !ok {
			err = fmt.Errorf("%w: %s", model.ErrTaskNotFound, id)
			return
		}
		out = t.Clone()
	}); e != nil {
		return model.Task{}, e
	}
	return out, err
}

// List returns tasks newest first, optionally filtered by status, with
// the total number of matches.
func (l *Loop) List(ctx context.Context, opts model.ListOptions) ([]model.Task, int, error) {
	opts.Clamp()
	var (
		page  []model.Task
		total int
	)
	err := l.do(ctx, func() {
		var matched []*model.Task
		for _, t := range l.tasks {
			if opts.Status == "" || t.Status == opts.Status {
				matched = append(matched, t)
			}
		}
		sort.Slice(matched, func(i, j int) bool { return matched[i].Seq > matched[j].Seq })
		total = len(matched)
		if opts.Offset >= total {
			return
		}
		end := min(opts.Offset+opts.Limit, total)
		page = make([]model.Task, 0, end-opts.Offset)
		for _, t := range matched[opts.Offset:end] {
			page = append(page, t.Clone())
		}
	})
	if err != nil {
		return nil, 0, err
	}
	return page, total, nil
}

// Status returns the snapshot published by the most recent tick or
// request. It never blocks on the loop.
func (l *Loop) Status() model.SchedulerStatus {
	if st := l.status.Load(); st != nil {
		return *st
	}
	return model.SchedulerStatus{
		Providers:         map[string]model.ProviderStatus{},
		GPUs:              []model.GPUReport{},
		RecentCompletions: []model.Task{},
		GeneratedAt:       l.now(),
	}
}

// Subscribe returns a channel of task events and a function that ends
// the subscription.
func (l *Loop) Subscribe() (<-chan model.TaskEvent, func()) {
	return l.events.subscribe()
}

// --- Tick phases ---

func (l *Loop) drainResults() {
	for {
		select {
		case r := <-l.results:
			l.apply(r)
		default:
			return
		}
	}
}

func (l *Loop) apply(r result) {
	t, ok := l.tasks[r.taskID]
	if !ok {
		return
	}
	if r.outcome == nil {
		l.applyVerification(t, r)
		return
	}

	rn, ok := l.running[r.taskID]
	if !ok {
		return
	}
	delete(l.running, r.taskID)
	if rn.device != nil {
		rn.device.release(rn.model)
	}

	out := r.outcome
	t.Attempts = append(t.Attempts, out.Attempts...)
	switch {
	case rn.cancelled || errors.Is(out.Err, model.ErrCancelled):
		l.terminate(t, model.TaskStatusCancelled, model.FailureCancelled, model.ErrCancelled.Error())
	case out.Succeeded():
		t.Result = out.Result.Response
		t.ProducingProvider = out.Provider
		t.ProducingModel = out.Model
		l.terminate(t, model.TaskStatusCompleted, "", "")
	default:
		l.terminate(t, model.TaskStatusFailed, model.FailureAllProvidersExhausted, out.Err.Error())
	}
}

func (l *Loop) applyVerification(t *model.Task, r result) {
	if r.verifyErr != nil {
		t.VerificationError = r.verifyErr.Error()
		l.logger.Warn("verification failed", "task_id", t.ID, "error", r.verifyErr)
		l.emit(t, "verification error: "+r.verifyErr.Error())
	} else if r.verification != nil {
		v := *r.verification
		t.Verification = &v
		l.logger.Info("task verified", "task_id", t.ID, "verdict", v.Verdict, "verifier", v.VerifierProvider)
		l.emit(t, fmt.Sprintf("verification %s (%s)", v.Verdict, v.Confidence))
		if l.deps.Observer != nil {
			l.deps.Observer.TaskVerified(v)
		}
	}
	l.dirty = true
}

// terminate moves a task to a terminal status.
func (l *Loop) terminate(t *model.Task, status model.TaskStatus, reason model.FailureReason, msg string) {
	now := l.now()
	t.Status = status
	t.FailureReason = reason
	t.Error = msg
	t.CompletedAt = &now
	l.dirty = true

	attrs := []any{"task_id", t.ID, "status", status}
	if t.ProducingProvider != "" {
		attrs = append(attrs, "provider", t.ProducingProvider)
	}
	if reason != "" {
		attrs = append(attrs, "reason", reason, "error", msg)
	}
	if status == model.TaskStatusFailed {
		l.logger.Warn("task finished", attrs...)
	} else {
		l.logger.Info("task finished", attrs...)
	}
	l.emit(t, msg)
	if l.deps.Observer != nil {
		l.deps.Observer.TaskFinished(*t)
	}
}

// resolveDependencies promotes pending tasks whose dependencies have all
// completed and fails those with a failed, cancelled or unknown
// dependency. Failures cascade within the same tick.
func (l *Loop) resolveDependencies() {
	pending := l.withStatus(model.TaskStatusPending)
	for changed := true; changed; {
		changed = false
		for _, t := range pending {
			if t.Status != model.TaskStatusPending {
				continue
			}
			satisfied, blocked := AreDependenciesSatisfied(t, l.tasks)
			switch {
			case blocked:
				dep := blockingDependency(t, l.tasks)
				l.terminate(t, model.TaskStatusFailed, model.FailureDependencyFailed,
					fmt.Sprintf("%s: %s", model.ErrDependencyFailed, dep))
				changed = true
			case satisfied:
				t.Status = model.TaskStatusQueued
				l.queue.push(t)
				l.dirty = true
				l.emit(t, "dependencies satisfied")
			}
		}
	}
}

// admit starts as many queued tasks as eligible devices can hold, in
// priority order. Tasks that fit nowhere stay queued for the next tick.
func (l *Loop) admit() {
	if l.queue.Len() == 0 {
		return
	}
	devices := l.eligibleDevices()
	if len(devices) == 0 {
		if !l.idle {
			l.logger.Info("no eligible device, holding queue", "queued", l.queue.Len())
			l.idle = true
		}
		return
	}
	l.idle = false

	var deferred []*model.Task
	for l.queue.Len() > 0 && hasFreeSlot(devices, l.cfg.MaxConcurrent) {
		t := l.queue.pop()
		prov, mdl := l.chooseProvider(t)
		fp := l.cfg.Footprints[mdl]
		d := pickDevice(devices, l.deps.Routes.PreferredGPUs(prov), mdl, fp, l.cfg.MaxConcurrent)
		if d == nil {
			l.logger.Debug("no device fits task", "task_id", t.ID, "model", mdl, "footprint_mb", fp)
			deferred = append(deferred, t)
			continue
		}
		l.launch(t, d, prov, mdl, fp)
	}
	for _, t := range deferred {
		l.queue.push(t)
	}
}

func hasFreeSlot(devices []*device, maxConcurrent int) bool {
	for _, d := range devices {
		if d.active < maxConcurrent {
			return true
		}
	}
	return false
}

// eligibleDevices refreshes device health from the monitor and returns
// the devices that may take new work, ordered by index. A device with no
// current reading is never eligible.
func (l *Loop) eligibleDevices() []*device {
	latest := l.deps.Health.Latest()
	for id, h := range latest {
		d, ok := l.devices[id]
		if !ok {
			d = newDevice(h)
			l.devices[id] = d
		}
		d.health = h
	}

	var out []*device
	for id, d := range l.devices {
		h, ok := latest[id]
		if !ok || !health.CanAcceptTask(h.HealthState) {
			continue
		}
		allow, err := l.rule.Allow(h, d.active)
		if err != nil {
			l.logger.Warn("admission rule error", "gpu", id, "error", err)
			continue
		}
		if allow {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id() < out[j].id() })
	return out
}

// chooseProvider picks the first preferred provider that is registered
// and not known to be down, falling back to the top preference so the
// engine's failover chain still gets a chance.
func (l *Loop) chooseProvider(t *model.Task) (string, string) {
	prefs := l.deps.Routes.RouteProviders(t.TaskType)
	if len(prefs) == 0 {
		return "", ""
	}
	registered := make(map[string]bool)
	for _, n := range l.deps.Providers.Names() {
		registered[n] = true
	}
	chosen := prefs[0]
	for _, p := range prefs {
		if registered[p] && !l.deps.Providers.KnownUnavailable(p) {
			chosen = p
			break
		}
	}
	return chosen, l.deps.Routes.ModelFor(t.TaskType, chosen)
}

func (l *Loop) launch(t *model.Task, d *device, prov, mdl string, footprintMB int64) {
	now := l.now()
	gpu := d.id()
	t.Status = model.TaskStatusRunning
	t.AssignedGPU = &gpu
	t.AssignedProvider = prov
	t.AssignedModel = mdl
	t.StartedAt = &now
	t.Error = ""
	t.FailureReason = ""
	d.reserve(mdl, footprintMB)

	ctx, cancel := context.WithCancel(l.workCtx)
	l.running[t.ID] = &run{cancel: cancel, device: d, model: mdl}
	l.dirty = true

	l.logger.Info("task started", "task_id", t.ID, "gpu", gpu, "provider", prov, "model", mdl, "reserved_mb", d.reservedMB)
	l.emit(t, "started")

	l.workers.Add(1)
	go l.work(ctx, cancel, t.Clone())
}

// work runs on its own goroutine and reports back over the results
// channel; it never touches loop state.
func (l *Loop) work(ctx context.Context, cancel context.CancelFunc, task model.Task) {
	defer l.workers.Done()
	defer cancel()

	out := l.deps.Runner.Run(ctx, task)
	if !l.send(result{taskID: task.ID, outcome: &out}) {
		return
	}
	if !out.Succeeded() || !task.Verify || l.deps.Verifier == nil || ctx.Err() != nil {
		return
	}

	vr, err := l.deps.Verifier.Verify(ctx, task.ID, out.Result.Response, task.TaskType, out.Provider)
	r := result{taskID: task.ID, verifyErr: err}
	if err == nil {
		r.verification = &vr
	}
	l.send(r)
}

func (l *Loop) send(r result) bool {
	select {
	case l.results <- r:
		return true
	case <-l.quit:
		return false
	}
}

// prune drops the oldest terminal tasks beyond RetainTerminal, keeping
// any that a live task still depends on.
func (l *Loop) prune() {
	var terminal []*model.Task
	needed := make(map[string]bool)
	for _, t := range l.tasks {
		if t.Status.IsTerminal() {
			terminal = append(terminal, t)
			continue
		}
		for _, d := range t.Dependencies {
			needed[d] = true
		}
	}
	excess := len(terminal) - l.cfg.RetainTerminal
	if excess <= 0 {
		return
	}
	sortByCompletion(terminal)
	for i := len(terminal) - 1; i >= 0 && excess > 0; i-- {
		if needed[terminal[i].ID] {
			continue
		}
		delete(l.tasks, terminal[i].ID)
		excess--
	}
}

// --- Views ---

func (l *Loop) withStatus(s model.TaskStatus) []*model.Task {
	var out []*model.Task
	for _, t := range l.tasks {
		if t.Status == s {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// sortByCompletion orders terminal tasks most recently finished first.
func sortByCompletion(ts []*model.Task) {
	sort.Slice(ts, func(i, j int) bool {
		a, b := ts[i].CompletedAt, ts[j].CompletedAt
		switch {
		case a == nil || b == nil:
			return ts[i].Seq > ts[j].Seq
		case a.Equal(*b):
			return ts[i].Seq > ts[j].Seq
		default:
			return a.After(*b)
		}
	})
}

func (l *Loop) recentTerminal(n int) []*model.Task {
	var terminal []*model.Task
	for _, t := range l.tasks {
		if t.Status.IsTerminal() {
			terminal = append(terminal, t)
		}
	}
	sortByCompletion(terminal)
	if len(terminal) > n {
		terminal = terminal[:n]
	}
	return terminal
}

// publish rebuilds the read-only status snapshot.
func (l *Loop) publish() model.SchedulerStatus {
	st := model.SchedulerStatus{
		Providers:   l.deps.Providers.Statuses(),
		GeneratedAt: l.now(),
	}
	for _, t := range l.tasks {
		switch t.Status {
		case model.TaskStatusPending:
			st.PendingCount++
		case model.TaskStatusQueued:
			st.QueuedCount++
		case model.TaskStatusRunning:
			st.RunningCount++
		case model.TaskStatusCompleted:
			st.CompletedCount++
		case model.TaskStatusFailed:
			st.FailedCount++
		case model.TaskStatusCancelled:
			st.CancelledCount++
		}
	}

	st.GPUs = l.deps.Health.Snapshot()
	for i := range st.GPUs {
		g := &st.GPUs[i]
		g.MaxConcurrent = l.cfg.MaxConcurrent
		if d, ok := l.devices[g.GPUID]; ok {
			g.ActiveTasks = d.active
			g.ReservedMB = d.reservedMB
			g.LoadedModels = d.loadedModels()
		}
	}
	if st.GPUs == nil {
		st.GPUs = []model.GPUReport{}
	}

	if l.deps.Host != nil {
		if h := l.deps.Host.Last(); !h.ObservedAt.IsZero() {
			st.Host = &h
		}
	}

	recent := l.recentTerminal(l.cfg.RecentLimit)
	st.RecentCompletions = make([]model.Task, 0, len(recent))
	for _, t := range recent {
		st.RecentCompletions = append(st.RecentCompletions, t.Clone())
	}

	l.status.Store(&st)
	return st
}

func (l *Loop) emit(t *model.Task, msg string) {
	ev := model.TaskEvent{
		TaskID:    t.ID,
		Status:    t.Status,
		Provider:  t.AssignedProvider,
		Message:   msg,
		Timestamp: l.now(),
	}
	if t.ProducingProvider != "" {
		ev.Provider = t.ProducingProvider
	}
	if t.AssignedGPU != nil {
		g := *t.AssignedGPU
		ev.GPU = &g
	}
	l.events.publish(ev)
}
