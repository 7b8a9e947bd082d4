// Package task implements the priority task queue, dependency-gated
// readiness, lease-based claiming, and capability-based routing that sit
// between task submission and agent execution.
package task

import "time"

// Priority orders lanes; P0 is highest.
type Priority int

const (
	P0 Priority = iota
	P1
	P2
	P3
)

func (p Priority) String() string {
	switch p {
	case P0:
		return "P0"
	case P1:
		return "P1"
	case P2:
		return "P2"
	case P3:
		return "P3"
	default:
		return "unknown"
	}
}

// Status is a Task's position in its lifecycle.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusReady     Status = "ready"
	StatusAssigned  Status = "assigned"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
	StatusTimedOut  Status = "timed_out"
)

// BackoffKind selects the retry delay curve.
type BackoffKind string

const (
	BackoffExponential BackoffKind = "exponential"
	BackoffFixed       BackoffKind = "fixed"
)

// RetryPolicy bounds how many attempts a failed task gets and how long it
// waits between them.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     BackoffKind
	Base        time.Duration
	Cap         time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Backoff == "" {
		p.Backoff = BackoffExponential
	}
	if p.Base <= 0 {
		p.Base = 500 * time.Millisecond
	}
	if p.Cap <= 0 {
		p.Cap = 30 * time.Second
	}
	return p
}

// Task is an immutable work item, save for the mutable bookkeeping fields
// tracked by the queue (status, attempt count, lease).
type Task struct {
	ID                   string
	Type                 string
	Payload              []byte
	Priority             Priority
	RequiredCapabilities []string
	Dependencies         []string
	TimeoutMs            int64
	RetryPolicy          RetryPolicy
	CreatedAt            time.Time
	Deadline             *time.Time
	AllowParentFailure   bool

	Status      Status
	Attempt     int
	LeaseOwner  string
	LeaseUntil  time.Time
	LastError   string

	poisonCount int
	availableAt time.Time
}

// Result is what an agent hands back after Execute.
type Result struct {
	TaskID  string
	Output  []byte
	Err     error
}
