package model

import (
	"slices"
	"time"
)

// TaskType names the kind of work a task asks a provider to perform.
type TaskType string

const (
	TaskTypeCodeGeneration    TaskType = "code_generation"
	TaskTypeCodeReview        TaskType = "code_review"
	TaskTypeTestGeneration    TaskType = "test_generation"
	TaskTypeBugFix            TaskType = "bug_fix"
	TaskTypeRefactoring       TaskType = "refactoring"
	TaskTypeDocumentation     TaskType = "documentation"
	TaskTypeAnalysis          TaskType = "analysis"
	TaskTypeResearch          TaskType = "research"
	TaskTypePlanning          TaskType = "planning"
	TaskTypeClassification    TaskType = "classification"
	TaskTypePromptEngineering TaskType = "prompt_engineering"
	TaskTypeVerification      TaskType = "verification"
)

// TaskTypes lists every known task type in declaration order.
var TaskTypes = []TaskType{
	TaskTypeCodeGeneration,
	TaskTypeCodeReview,
	TaskTypeTestGeneration,
	TaskTypeBugFix,
	TaskTypeRefactoring,
	TaskTypeDocumentation,
	TaskTypeAnalysis,
	TaskTypeResearch,
	TaskTypePlanning,
	TaskTypeClassification,
	TaskTypePromptEngineering,
	TaskTypeVerification,
}

// Valid reports whether t is one of the known task types.
func (t TaskType) Valid() bool {
	return slices.Contains(TaskTypes, t)
}

func (t TaskType) String() string {
	return string(t)
}

// FailureReason explains why a task ended in a non-successful terminal state.
type FailureReason string

const (
	FailureAllProvidersExhausted FailureReason = "AllProvidersExhausted"
	FailureDependencyFailed      FailureReason = "DependencyFailed"
	FailureCancelled             FailureReason = "Cancelled"
)

// Task is one unit of inference work tracked by the scheduler.
type Task struct {
	ID           string         `json:"id"`
	Seq          uint64         `json:"seq"`
	Priority     int            `json:"priority"`
	TaskType     TaskType       `json:"task_type"`
	Prompt       string         `json:"prompt"`
	Payload      map[string]any `json:"payload,omitempty"`
	Status       TaskStatus     `json:"status"`
	Dependencies []string       `json:"dependencies,omitempty"`

	// Assignment is set when the scheduler starts a run and is never
	// rewritten by failover.
	AssignedGPU      *int   `json:"assigned_gpu,omitempty"`
	AssignedModel    string `json:"assigned_model,omitempty"`
	AssignedProvider string `json:"assigned_provider,omitempty"`

	ProducingProvider string    `json:"producing_provider,omitempty"`
	ProducingModel    string    `json:"producing_model,omitempty"`
	Attempts          []Attempt `json:"attempts,omitempty"`

	Result        string        `json:"result,omitempty"`
	Error         string        `json:"error,omitempty"`
	FailureReason FailureReason `json:"failure_reason,omitempty"`

	Verify            bool                `json:"verify"`
	Verification      *VerificationResult `json:"verification,omitempty"`
	VerificationError string              `json:"verification_error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Attempt records one provider call made while running a task.
type Attempt struct {
	Provider   string    `json:"provider"`
	Model      string    `json:"model,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
}

// Clone returns a deep copy so callers outside the scheduler loop can
// read a task without sharing its slices and maps.
func (t *Task) Clone() Task {
	c := *t
	c.Dependencies = slices.Clone(t.Dependencies)
	c.Attempts = slices.Clone(t.Attempts)
	if t.Payload != nil {
		c.Payload = make(map[string]any, len(t.Payload))
		for k, v := range t.Payload {
			c.Payload[k] = v
		}
	}
	if t.AssignedGPU != nil {
		g := *t.AssignedGPU
		c.AssignedGPU = &g
	}
	if t.StartedAt != nil {
		s := *t.StartedAt
		c.StartedAt = &s
	}
	if t.CompletedAt != nil {
		d := *t.CompletedAt
		c.CompletedAt = &d
	}
	if t.Verification != nil {
		v := *t.Verification
		v.Issues = slices.Clone(t.Verification.Issues)
		c.Verification = &v
	}
	return c
}

// ClearAssignment drops the scheduling fields of a task that is being
// put back into the pending set.
func (t *Task) ClearAssignment() {
	t.AssignedGPU = nil
	t.AssignedModel = ""
	t.AssignedProvider = ""
	t.StartedAt = nil
}

// SubmitRequest is the input accepted by Submit.
type SubmitRequest struct {
	TaskType     TaskType       `json:"task_type,omitempty" yaml:"task_type,omitempty"`
	Prompt       string         `json:"prompt" yaml:"prompt"`
	Priority     *int           `json:"priority,omitempty" yaml:"priority,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Payload      map[string]any `json:"payload,omitempty" yaml:"payload,omitempty"`
	Verify       bool           `json:"verify,omitempty" yaml:"verify,omitempty"`
}

// TaskEvent is published whenever a task changes status.
type TaskEvent struct {
	TaskID    string     `json:"task_id"`
	Status    TaskStatus `json:"status"`
	Provider  string     `json:"provider,omitempty"`
	GPU       *int       `json:"gpu,omitempty"`
	Message   string     `json:"message,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}
