package model

import "time"

// Response is the standard API response envelope.
type Response struct {
	Status     string      `json:"status"`
	RequestID  string      `json:"request_id"`
	Timestamp  time.Time   `json:"timestamp"`
	Data       any         `json:"data"`
	Pagination *Pagination `json:"pagination,omitempty"`
	Error      *APIError   `json:"error"`
}

// Pagination holds pagination metadata for list endpoints.
type Pagination struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// ListOptions configures task list queries.
type ListOptions struct {
	Limit  int
	Offset int
	Status TaskStatus // empty means all
}

// DefaultListOptions returns sensible defaults.
func DefaultListOptions() ListOptions {
	return ListOptions{Limit: 20, Offset: 0}
}

// Clamp enforces limits (max 100, min 1).
func (o *ListOptions) Clamp() {
	if o.Limit <= 0 {
		o.Limit = 20
	}
	if o.Limit > 100 {
		o.Limit = 100
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
}

// SchedulerStatus is the read-only view returned by GetStatus.
type SchedulerStatus struct {
	PendingCount      int                       `json:"pending_count"`
	QueuedCount       int                       `json:"queued_count"`
	RunningCount      int                       `json:"running_count"`
	CompletedCount    int                       `json:"completed_count"`
	FailedCount       int                       `json:"failed_count"`
	CancelledCount    int                       `json:"cancelled_count"`
	Providers         map[string]ProviderStatus `json:"per_provider"`
	GPUs              []GPUReport               `json:"per_gpu"`
	Host              *HostStatus               `json:"host,omitempty"`
	RecentCompletions []Task                    `json:"recent_completions"`
	GeneratedAt       time.Time                 `json:"generated_at"`
}

// RouteDecision describes how a piece of text would be routed.
type RouteDecision struct {
	TaskType  TaskType          `json:"task_type"`
	Priority  int               `json:"priority"`
	Providers []string          `json:"providers"`
	Models    map[string]string `json:"models"`
	Verifier  string            `json:"verifier"`

	// Failover is the order in which the execution engine would try
	// providers for a task assigned to the top preference.
	Failover []string `json:"failover,omitempty"`
}

// Snapshot is the persisted scheduler state: every non-terminal task and
// the most recent terminal ones.
type Snapshot struct {
	Tasks   []Task    `json:"tasks"`
	NextSeq uint64    `json:"next_seq"`
	SavedAt time.Time `json:"saved_at"`
}
