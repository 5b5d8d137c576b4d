// Package relay fans queue lifecycle events out to live observers.
//
// One fan-out group exists per queue: an aggregate-stats group receiving
// fresh job counts on every event, and a detail group receiving the active
// worker roster on state-changing events. Observers are push channels owned
// by the caller (typically WebSocket connections); the relay's contract is
// that a detached observer never receives another frame.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/banteng-io/banteng/bull"
	"github.com/banteng-io/banteng/queue"
)

// Observer receives JSON-serializable frames. Send must be safe to call
// from the relay's dispatch goroutines.
type Observer interface {
	Send(v any) error
}

// StatsFrame is pushed to the aggregate group on every lifecycle event.
type StatsFrame struct {
	Type      string      `json:"type"`
	Event     string      `json:"event"`
	JobID     string      `json:"id,omitempty"`
	QueueID   string      `json:"queueId"`
	QueueName string      `json:"queueName"`
	Counts    bull.Counts `json:"counts"`
}

// DetailFrame annotates state-changing events with the worker roster.
type DetailFrame struct {
	Type string     `json:"type"`
	Data DetailData `json:"data"`
}

// DetailData carries the triggering job id and a snapshot of active workers
// with their current jobs. Completed events also carry the job's return
// value.
type DetailData struct {
	JobID       string          `json:"id"`
	Workers     []bull.Worker   `json:"workers"`
	ReturnValue json.RawMessage `json:"returnValue,omitempty"`
}

const defaultCountTimeout = 2 * time.Second

// attachment wraps an observer with a detach latch. The latch and Send share
// one mutex, so once detach returns no frame can reach the observer.
type attachment struct {
	mu       sync.Mutex
	obs      Observer
	detached bool
}

func (a *attachment) send(v any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.detached {
		return nil
	}
	return a.obs.Send(v)
}

func (a *attachment) detach() {
	a.mu.Lock()
	a.detached = true
	a.mu.Unlock()
}

// Relay multiplexes engine event streams onto observer groups.
type Relay struct {
	log          *slog.Logger
	countTimeout time.Duration

	mu      sync.Mutex
	stats   map[string][]*attachment
	detail  map[string][]*attachment
	unwires map[string]func() error
}

// Option configures a Relay.
type Option func(*Relay)

// WithLogger sets a custom logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(r *Relay) { r.log = log }
}

// WithCountTimeout bounds the per-event count and worker queries.
func WithCountTimeout(d time.Duration) Option {
	return func(r *Relay) { r.countTimeout = d }
}

// New creates an empty relay.
func New(opts ...Option) *Relay {
	r := &Relay{
		log:          slog.Default(),
		countTimeout: defaultCountTimeout,
		stats:        make(map[string][]*attachment),
		detail:       make(map[string][]*attachment),
		unwires:      make(map[string]func() error),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Attach adds an observer to the queue's aggregate-stats group and returns
// its detach func. Detach is idempotent; after it returns, the observer is
// guaranteed to receive no further frames.
func (r *Relay) Attach(queueID string, obs Observer) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attachLocked(r.stats, queueID, obs)
}

// AttachDetail adds an observer to the queue's worker-detail group and
// immediately sends it the current roster so a fresh client renders without
// waiting for the next event.
func (r *Relay) AttachDetail(ctx context.Context, q *queue.Queue, obs Observer) (func(), error) {
	workers, err := r.workers(ctx, q.Engine)
	if err != nil {
		return nil, err
	}
	if err := obs.Send(DetailFrame{Type: "workers", Data: DetailData{Workers: workers}}); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attachLocked(r.detail, q.Config.ID, obs), nil
}

func (r *Relay) attachLocked(groups map[string][]*attachment, queueID string, obs Observer) func() {
	a := &attachment{obs: obs}
	groups[queueID] = append(groups[queueID], a)

	var once sync.Once
	return func() {
		once.Do(func() {
			a.detach()
			r.mu.Lock()
			group := groups[queueID]
			for i, member := range group {
				if member == a {
					groups[queueID] = append(group[:i], group[i+1:]...)
					break
				}
			}
			r.mu.Unlock()
		})
	}
}

// Wire subscribes to the queue's engine event stream and dispatches frames
// to the queue's groups until ctx is cancelled or Unwire is called. Wiring
// the same queue id twice replaces the previous subscription.
func (r *Relay) Wire(ctx context.Context, q *queue.Queue) error {
	events, cancel, err := q.Engine.Subscribe(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if old := r.unwires[q.Config.ID]; old != nil {
		_ = old()
	}
	r.unwires[q.Config.ID] = cancel
	r.mu.Unlock()

	go func() {
		for ev := range events {
			r.dispatch(ctx, q, ev)
		}
	}()

	r.log.Info("relay wired", "component", "relay", "queue", q.Config.Slug)
	return nil
}

// Unwire cancels the queue's subscription. Attached observers stay attached
// and simply stop receiving frames.
func (r *Relay) Unwire(queueID string) {
	r.mu.Lock()
	cancel := r.unwires[queueID]
	delete(r.unwires, queueID)
	r.mu.Unlock()
	if cancel != nil {
		_ = cancel()
	}
}

// Close cancels every subscription and drops all observers.
func (r *Relay) Close() {
	r.mu.Lock()
	cancels := make([]func() error, 0, len(r.unwires))
	for _, cancel := range r.unwires {
		cancels = append(cancels, cancel)
	}
	r.unwires = make(map[string]func() error)
	for _, group := range r.stats {
		for _, a := range group {
			a.detach()
		}
	}
	for _, group := range r.detail {
		for _, a := range group {
			a.detach()
		}
	}
	r.stats = make(map[string][]*attachment)
	r.detail = make(map[string][]*attachment)
	r.mu.Unlock()

	for _, cancel := range cancels {
		_ = cancel()
	}
}

func (r *Relay) dispatch(ctx context.Context, q *queue.Queue, ev bull.Event) {
	r.mu.Lock()
	statsObs := append([]*attachment(nil), r.stats[q.Config.ID]...)
	detailObs := append([]*attachment(nil), r.detail[q.Config.ID]...)
	r.mu.Unlock()

	if len(statsObs) > 0 {
		frame := StatsFrame{
			Type:      "stats",
			Event:     string(ev.Type),
			JobID:     ev.JobID,
			QueueID:   q.Config.ID,
			QueueName: q.Config.QueueName,
		}
		counts, err := r.counts(ctx, q.Engine)
		if err != nil {
			// The event still goes out; stale counts beat a dropped frame.
			r.log.Warn("counts query failed", "component", "relay", "queue", q.Config.Slug, "error", err)
		} else {
			frame.Counts = counts
		}
		r.push(statsObs, frame, q.Config.Slug)
	}

	if len(detailObs) > 0 {
		if detailType, ok := detailFrameType(ev.Type); ok {
			data := DetailData{JobID: ev.JobID}
			workers, err := r.workers(ctx, q.Engine)
			if err != nil {
				r.log.Warn("workers query failed", "component", "relay", "queue", q.Config.Slug, "error", err)
			} else {
				data.Workers = workers
			}
			if ev.Type == bull.EventCompleted {
				if job, err := r.job(ctx, q.Engine, ev.JobID); err != nil {
					r.log.Warn("job query failed", "component", "relay", "queue", q.Config.Slug, "error", err)
				} else {
					data.ReturnValue = job.ReturnValue
				}
			}
			r.push(detailObs, DetailFrame{Type: detailType, Data: data}, q.Config.Slug)
		}
	}
}

func detailFrameType(t bull.EventType) (string, bool) {
	switch t {
	case bull.EventActive:
		return "onActive", true
	case bull.EventCompleted:
		return "onCompleted", true
	case bull.EventFailed:
		return "onFailed", true
	}
	return "", false
}

func (r *Relay) counts(ctx context.Context, eng bull.Engine) (bull.Counts, error) {
	ctx, cancel := context.WithTimeout(ctx, r.countTimeout)
	defer cancel()
	return eng.Counts(ctx)
}

func (r *Relay) workers(ctx context.Context, eng bull.Engine) ([]bull.Worker, error) {
	ctx, cancel := context.WithTimeout(ctx, r.countTimeout)
	defer cancel()
	return eng.Workers(ctx)
}

func (r *Relay) job(ctx context.Context, eng bull.Engine, id string) (*bull.Job, error) {
	ctx, cancel := context.WithTimeout(ctx, r.countTimeout)
	defer cancel()
	return eng.Job(ctx, id)
}

func (r *Relay) push(group []*attachment, frame any, slug string) {
	for _, a := range group {
		if err := a.send(frame); err != nil {
			r.log.Warn("observer send failed", "component", "relay", "queue", slug, "error", err)
		}
	}
}
