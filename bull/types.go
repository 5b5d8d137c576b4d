package bull

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// ClientRole identifies which Redis link the engine is asking the factory for.
type ClientRole string

const (
	// RoleClient is the shared primary command link.
	RoleClient ClientRole = "client"

	// RoleSubscriber is the shared pub/sub link used for lifecycle events.
	RoleSubscriber ClientRole = "subscriber"

	// RoleBClient is a dedicated blocking-operation link, requested once per
	// concurrent blocking consumer. Never shared.
	RoleBClient ClientRole = "bclient"
)

// ClientFactory hands the engine a role-specific Redis link. Implementations
// must return the identical client for repeated "client"/"subscriber" calls
// and a brand-new client for every "bclient" call. Any other role is a
// contract violation and must fail.
type ClientFactory func(role ClientRole) (*redis.Client, error)

// Status is a job lifecycle state.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusDelayed   Status = "delayed"
	StatusPaused    Status = "paused"
)

// Counts aggregates job totals by status, in the shape Bull's getJobCounts
// has always reported them.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Paused    int64 `json:"paused"`
}

// Job is a single unit of work and its recorded lifecycle timestamps.
type Job struct {
	// ID is the queue-scoped job identifier, assigned from a counter.
	ID string `json:"id"`

	// Data is the caller-supplied JSON payload.
	Data json.RawMessage `json:"data"`

	// Timestamp is when the job was added, Unix milliseconds.
	Timestamp int64 `json:"timestamp"`

	// ProcessedOn is when a consumer picked the job up, Unix milliseconds.
	// Zero until the job goes active.
	ProcessedOn int64 `json:"processedOn,omitempty"`

	// FinishedOn is when the job completed or failed, Unix milliseconds.
	FinishedOn int64 `json:"finishedOn,omitempty"`

	// ReturnValue is the handler's JSON result for completed jobs.
	ReturnValue json.RawMessage `json:"returnvalue,omitempty"`

	// FailedReason is the handler error for failed jobs.
	FailedReason string `json:"failedReason,omitempty"`
}

// Worker describes an entry in the queue's worker index.
type Worker struct {
	// Name is the worker identity as registered in the index.
	Name string `json:"name"`

	// Job is the id of the job the worker is currently processing,
	// empty when idle or unknown.
	Job string `json:"job"`
}

// EventType is a global lifecycle event kind.
type EventType string

const (
	EventWaiting   EventType = "waiting"
	EventActive    EventType = "active"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

// Event is a global lifecycle notification published on the queue's events
// channel.
type Event struct {
	Type     EventType `json:"event"`
	Queue    string    `json:"queue"`
	JobID    string    `json:"jobId"`
	AtUnixMs int64     `json:"at"`
}

// Handler processes one job. The returned value is recorded as the job's
// return value; a non-nil error fails the job.
type Handler func(ctx context.Context, job *Job) (json.RawMessage, error)

// workerWindow is how long a worker stays in the index without a heartbeat.
const workerWindow = 60 * time.Second
