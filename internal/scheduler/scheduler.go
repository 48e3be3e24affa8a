package scheduler

import (
	"context"
	"time"

	"github.com/me/gpusched/internal/executor"
	"github.com/me/gpusched/pkg/model"
)

// Scheduler admits submitted tasks onto healthy GPUs, runs them through
// the execution engine and tracks their lifecycle.
type Scheduler interface {
	// Start begins the scheduling loop. Blocks until ctx is cancelled.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the scheduler.
	Stop() error

	// Tick runs a single scheduling iteration. Used for testing.
	Tick(ctx context.Context) error

	Submit(ctx context.Context, req model.SubmitRequest) (model.Task, error)
	Cancel(ctx context.Context, id string) (model.Task, error)
	Get(ctx context.Context, id string) (model.Task, error)
	List(ctx context.Context, opts model.ListOptions) ([]model.Task, int, error)
	Status() model.SchedulerStatus
	Subscribe() (<-chan model.TaskEvent, func())
}

// HealthSource supplies the latest classified GPU readings.
type HealthSource interface {
	Latest() map[int]model.GPUHealthStatus
	Snapshot() []model.GPUReport
}

// HostSource supplies the latest host sample.
type HostSource interface {
	Last() model.HostStatus
}

// ProviderSource is the read side of the provider registry.
type ProviderSource interface {
	Names() []string
	KnownUnavailable(name string) bool
	Statuses() map[string]model.ProviderStatus
}

// Routes is the part of the router the scheduler needs.
type Routes interface {
	Classify(text string) model.TaskType
	RouteProviders(tt model.TaskType) []string
	ModelFor(tt model.TaskType, provider string) string
	PriorityFor(tt model.TaskType) int
	PreferredGPUs(provider string) []int
}

// Runner executes a task against its provider chain.
type Runner interface {
	Run(ctx context.Context, task model.Task, exclude ...string) executor.Outcome
}

// Verifier cross-checks a completed result with a second provider.
type Verifier interface {
	Verify(ctx context.Context, taskID, content string, tt model.TaskType, producing string) (model.VerificationResult, error)
}

// Observer receives scheduler lifecycle notifications, typically to
// update metrics. Calls are made from the loop goroutine.
type Observer interface {
	TaskSubmitted(t model.Task)
	TaskFinished(t model.Task)
	TaskVerified(v model.VerificationResult)
	TickCompleted(d time.Duration, st model.SchedulerStatus)
}
