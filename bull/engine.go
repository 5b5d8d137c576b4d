package bull

import (
	"context"
	"encoding/json"
	"time"
)

// Engine is the queue-engine surface the registries and the event relay
// drive. *Queue is the production implementation; tests substitute fakes.
type Engine interface {
	// Name returns the underlying queue name.
	Name() string

	// Add enqueues a job and returns its id.
	Add(ctx context.Context, data json.RawMessage) (string, error)

	// Job fetches one job by id.
	Job(ctx context.Context, id string) (*Job, error)

	// Jobs returns one page of jobs in the given status (1-based pages).
	Jobs(ctx context.Context, status Status, page, limit int64) ([]Job, error)

	// Counts reports job totals by status.
	Counts(ctx context.Context) (Counts, error)

	// CountByStatus reports the total for one status.
	CountByStatus(ctx context.Context, status Status) (int64, error)

	// Workers returns the live worker index with current-job annotations.
	Workers(ctx context.Context) ([]Worker, error)

	// WorkerJob returns the job a worker is currently on, "" when idle.
	WorkerJob(ctx context.Context, worker string) (string, error)

	// Pause stops delivery without dropping jobs; Resume re-enables it.
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	IsPaused(ctx context.Context) (bool, error)

	// Empty drops all waiting and paused jobs.
	Empty(ctx context.Context) error

	// Clean removes jobs in a status older than grace.
	Clean(ctx context.Context, grace time.Duration, status Status) (int64, error)

	// RemoveJob deletes one job; RemoveJobsByPattern deletes by id glob.
	RemoveJob(ctx context.Context, id string) error
	RemoveJobsByPattern(ctx context.Context, pattern string) error

	// Obliterate deletes the queue wholesale.
	Obliterate(ctx context.Context, force bool) error

	// Subscribe delivers global lifecycle events until cancelled.
	Subscribe(ctx context.Context) (<-chan Event, func() error, error)

	// Close stops consumers and waits for in-flight work to drain.
	Close(ctx context.Context) error
}

// compile-time check
var _ Engine = (*Queue)(nil)
