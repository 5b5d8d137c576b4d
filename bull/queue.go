package bull

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/banteng-io/banteng/regerr"
)

// Queue is the engine for one named job queue. All state lives in Redis;
// the struct only holds links obtained from the client factory and the
// bookkeeping for running consumers.
//
// Thread-safety: all methods are safe for concurrent use.
type Queue struct {
	name    string
	keys    keyBuilder
	factory ClientFactory
	client  *redis.Client

	mu      sync.Mutex
	closed  bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	nextWkr int
}

// Option configures a Queue.
type Option func(*options)

type options struct {
	prefix string
}

// WithPrefix overrides the "bull" key prefix.
func WithPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

// New constructs the engine for the named queue, obtaining its primary
// command link from the factory. No other links are requested until they
// are needed.
func New(name string, factory ClientFactory, opts ...Option) (*Queue, error) {
	if name == "" {
		return nil, fmt.Errorf("queue name cannot be empty")
	}
	if factory == nil {
		return nil, fmt.Errorf("client factory cannot be nil")
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	client, err := factory(RoleClient)
	if err != nil {
		return nil, fmt.Errorf("obtaining command link for queue %s: %w", name, err)
	}

	return &Queue{
		name:    name,
		keys:    newKeyBuilder(o.prefix, name),
		factory: factory,
		client:  client,
		stopCh:  make(chan struct{}),
	}, nil
}

// Name returns the underlying queue name.
func (q *Queue) Name() string { return q.name }

func (q *Queue) publish(ctx context.Context, typ EventType, jobID string) {
	ev := Event{Type: typ, Queue: q.name, JobID: jobID, AtUnixMs: time.Now().UnixMilli()}
	b, _ := json.Marshal(ev)
	_ = q.client.Publish(ctx, q.keys.events(), b).Err()
}

// Add enqueues a job with the given JSON payload and returns its id.
// While the queue is paused new jobs land in the paused list.
func (q *Queue) Add(ctx context.Context, data json.RawMessage) (string, error) {
	seq, err := q.client.Incr(ctx, q.keys.idCounter()).Result()
	if err != nil {
		return "", fmt.Errorf("allocating job id for queue %s: %w", q.name, err)
	}
	id := strconv.FormatInt(seq, 10)

	paused, err := q.IsPaused(ctx)
	if err != nil {
		return "", err
	}
	target := q.keys.wait()
	if paused {
		target = q.keys.paused()
	}

	pipe := q.client.Pipeline()
	pipe.HSet(ctx, q.keys.job(id),
		"data", string(data),
		"timestamp", time.Now().UnixMilli(),
	)
	pipe.LPush(ctx, target, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueueing job %s on queue %s: %w", id, q.name, err)
	}

	q.publish(ctx, EventWaiting, id)
	return id, nil
}

// Job fetches one job by id.
func (q *Queue) Job(ctx context.Context, id string) (*Job, error) {
	fields, err := q.client.HGetAll(ctx, q.keys.job(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading job %s on queue %s: %w", id, q.name, err)
	}
	if len(fields) == 0 {
		return nil, regerr.New("bull", "job", regerr.CodeNotFound,
			fmt.Sprintf("no job %s on queue %s", id, q.name))
	}
	return jobFromHash(id, fields), nil
}

func jobFromHash(id string, fields map[string]string) *Job {
	job := &Job{ID: id, Data: json.RawMessage(fields["data"])}
	job.Timestamp, _ = strconv.ParseInt(fields["timestamp"], 10, 64)
	job.ProcessedOn, _ = strconv.ParseInt(fields["processedOn"], 10, 64)
	job.FinishedOn, _ = strconv.ParseInt(fields["finishedOn"], 10, 64)
	if rv := fields["returnvalue"]; rv != "" {
		job.ReturnValue = json.RawMessage(rv)
	}
	job.FailedReason = fields["failedReason"]
	return job
}

// Jobs returns one page of jobs in the given status. Pages are 1-based;
// sorted-set statuses come back newest first.
func (q *Queue) Jobs(ctx context.Context, status Status, page, limit int64) ([]Job, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 10
	}
	start := (page - 1) * limit
	stop := page*limit - 1

	key, sorted, ok := q.keys.statusKey(status)
	if !ok {
		return nil, fmt.Errorf("unknown job status %q", status)
	}

	var ids []string
	var err error
	if sorted {
		ids, err = q.client.ZRevRange(ctx, key, start, stop).Result()
	} else {
		ids, err = q.client.LRange(ctx, key, start, stop).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("listing %s jobs on queue %s: %w", status, q.name, err)
	}

	jobs := make([]Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.Job(ctx, id)
		if err != nil {
			if regerr.IsNotFound(err) {
				continue // id outlived its hash, skip
			}
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, nil
}

// Counts reports job totals for every status in one round trip.
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.LLen(ctx, q.keys.wait())
	active := pipe.LLen(ctx, q.keys.active())
	paused := pipe.LLen(ctx, q.keys.paused())
	completed := pipe.ZCard(ctx, q.keys.completed())
	failed := pipe.ZCard(ctx, q.keys.failed())
	delayed := pipe.ZCard(ctx, q.keys.delayed())
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, fmt.Errorf("counting jobs on queue %s: %w", q.name, err)
	}

	return Counts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Paused:    paused.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Delayed:   delayed.Val(),
	}, nil
}

// CountByStatus reports the job total for a single status.
func (q *Queue) CountByStatus(ctx context.Context, status Status) (int64, error) {
	key, sorted, ok := q.keys.statusKey(status)
	if !ok {
		return 0, fmt.Errorf("unknown job status %q", status)
	}
	if sorted {
		return q.client.ZCard(ctx, key).Result()
	}
	return q.client.LLen(ctx, key).Result()
}

// Workers returns the live entries of the worker index, pruning identities
// whose last heartbeat fell out of the window first.
func (q *Queue) Workers(ctx context.Context) ([]Worker, error) {
	horizon := time.Now().Add(-workerWindow).UnixMilli()
	_ = q.client.ZRemRangeByScore(ctx, q.keys.workers(), "-inf", strconv.FormatInt(horizon, 10)).Err()

	names, err := q.client.ZRange(ctx, q.keys.workers(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading worker index for queue %s: %w", q.name, err)
	}

	workers := make([]Worker, 0, len(names))
	for _, name := range names {
		job, err := q.WorkerJob(ctx, name)
		if err != nil {
			return nil, err
		}
		workers = append(workers, Worker{Name: name, Job: job})
	}
	return workers, nil
}

// WorkerJob returns the id of the job a worker is currently on, or "" when
// idle or unknown.
func (q *Queue) WorkerJob(ctx context.Context, worker string) (string, error) {
	job, err := q.client.Get(ctx, q.keys.workerJob(worker)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading current job for worker %s: %w", worker, err)
	}
	return job, nil
}

// Pause stops delivery: new and already-waiting jobs move to the paused list.
// Active jobs keep running to completion.
func (q *Queue) Pause(ctx context.Context) error {
	if err := q.client.Set(ctx, q.keys.metaPaused(), "1", 0).Err(); err != nil {
		return fmt.Errorf("pausing queue %s: %w", q.name, err)
	}
	return q.drainList(ctx, q.keys.wait(), q.keys.paused())
}

// Resume moves paused jobs back to the wait list and re-enables delivery.
func (q *Queue) Resume(ctx context.Context) error {
	if err := q.drainList(ctx, q.keys.paused(), q.keys.wait()); err != nil {
		return err
	}
	if err := q.client.Del(ctx, q.keys.metaPaused()).Err(); err != nil {
		return fmt.Errorf("resuming queue %s: %w", q.name, err)
	}
	return nil
}

func (q *Queue) drainList(ctx context.Context, from, to string) error {
	for {
		_, err := q.client.RPopLPush(ctx, from, to).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("moving jobs from %s to %s: %w", from, to, err)
		}
	}
}

// IsPaused reports whether the queue is paused.
func (q *Queue) IsPaused(ctx context.Context) (bool, error) {
	n, err := q.client.Exists(ctx, q.keys.metaPaused()).Result()
	if err != nil {
		return false, fmt.Errorf("checking pause state of queue %s: %w", q.name, err)
	}
	return n > 0, nil
}

// Empty drops every waiting and paused job along with its payload.
func (q *Queue) Empty(ctx context.Context) error {
	for _, key := range []string{q.keys.wait(), q.keys.paused()} {
		ids, err := q.client.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return fmt.Errorf("emptying queue %s: %w", q.name, err)
		}
		pipe := q.client.Pipeline()
		for _, id := range ids {
			pipe.Del(ctx, q.keys.job(id))
		}
		pipe.Del(ctx, key)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("emptying queue %s: %w", q.name, err)
		}
	}
	return nil
}

// Clean removes jobs in the given status that are older than grace.
// Returns how many jobs were removed.
func (q *Queue) Clean(ctx context.Context, grace time.Duration, status Status) (int64, error) {
	key, sorted, ok := q.keys.statusKey(status)
	if !ok {
		return 0, fmt.Errorf("unknown job status %q", status)
	}
	horizon := time.Now().Add(-grace).UnixMilli()

	if sorted {
		ids, err := q.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
			Min: "-inf",
			Max: strconv.FormatInt(horizon, 10),
		}).Result()
		if err != nil {
			return 0, fmt.Errorf("cleaning %s jobs on queue %s: %w", status, q.name, err)
		}
		if len(ids) == 0 {
			return 0, nil
		}
		pipe := q.client.Pipeline()
		for _, id := range ids {
			pipe.ZRem(ctx, key, id)
			pipe.Del(ctx, q.keys.job(id))
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, fmt.Errorf("cleaning %s jobs on queue %s: %w", status, q.name, err)
		}
		return int64(len(ids)), nil
	}

	// List statuses have no score: check each job's timestamp.
	ids, err := q.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("cleaning %s jobs on queue %s: %w", status, q.name, err)
	}
	var removed int64
	for _, id := range ids {
		ts, err := q.client.HGet(ctx, q.keys.job(id), "timestamp").Result()
		if err != nil && err != redis.Nil {
			return removed, fmt.Errorf("cleaning %s jobs on queue %s: %w", status, q.name, err)
		}
		created, _ := strconv.ParseInt(ts, 10, 64)
		if err == redis.Nil || created <= horizon {
			pipe := q.client.Pipeline()
			pipe.LRem(ctx, key, 0, id)
			pipe.Del(ctx, q.keys.job(id))
			if _, err := pipe.Exec(ctx); err != nil {
				return removed, fmt.Errorf("cleaning %s jobs on queue %s: %w", status, q.name, err)
			}
			removed++
		}
	}
	return removed, nil
}

// RemoveJob deletes a single job from every structure it may sit in.
func (q *Queue) RemoveJob(ctx context.Context, id string) error {
	n, err := q.client.Exists(ctx, q.keys.job(id)).Result()
	if err != nil {
		return fmt.Errorf("removing job %s on queue %s: %w", id, q.name, err)
	}
	if n == 0 {
		return regerr.New("bull", "remove-job", regerr.CodeNotFound,
			fmt.Sprintf("no job %s on queue %s", id, q.name))
	}
	return q.removeJobUnchecked(ctx, id)
}

func (q *Queue) removeJobUnchecked(ctx context.Context, id string) error {
	pipe := q.client.Pipeline()
	pipe.LRem(ctx, q.keys.wait(), 0, id)
	pipe.LRem(ctx, q.keys.active(), 0, id)
	pipe.LRem(ctx, q.keys.paused(), 0, id)
	pipe.ZRem(ctx, q.keys.completed(), id)
	pipe.ZRem(ctx, q.keys.failed(), id)
	pipe.ZRem(ctx, q.keys.delayed(), id)
	pipe.Del(ctx, q.keys.job(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("removing job %s on queue %s: %w", id, q.name, err)
	}
	return nil
}

// RemoveJobsByPattern deletes every job whose id matches the glob pattern.
func (q *Queue) RemoveJobsByPattern(ctx context.Context, pattern string) error {
	if pattern == "" {
		return fmt.Errorf("pattern cannot be empty")
	}

	var cursor uint64
	match := q.keys.job(pattern)
	for {
		keys, next, err := q.client.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			return fmt.Errorf("scanning jobs on queue %s: %w", q.name, err)
		}
		for _, key := range keys {
			id := strings.TrimPrefix(key, q.keys.base()+":")
			// Skip structural keys that happen to match the glob.
			if _, structural := structuralSuffixes[id]; structural {
				continue
			}
			if err := q.removeJobUnchecked(ctx, id); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Obliterate deletes the queue wholesale: every job, every status structure,
// the worker index and the pause marker. Unless force is set, a queue with
// active jobs is refused.
func (q *Queue) Obliterate(ctx context.Context, force bool) error {
	if !force {
		active, err := q.client.LLen(ctx, q.keys.active()).Result()
		if err != nil {
			return fmt.Errorf("obliterating queue %s: %w", q.name, err)
		}
		if active > 0 {
			return fmt.Errorf("cannot obliterate queue %s: %d active jobs (use force)", q.name, active)
		}
	}

	var cursor uint64
	for {
		keys, next, err := q.client.Scan(ctx, cursor, q.keys.base()+":*", 100).Result()
		if err != nil {
			return fmt.Errorf("obliterating queue %s: %w", q.name, err)
		}
		if len(keys) > 0 {
			if err := q.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("obliterating queue %s: %w", q.name, err)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	// Worker index lives outside the bull:<name> prefix.
	cursor = 0
	for {
		keys, next, err := q.client.Scan(ctx, cursor, q.keys.workers()+"*", 100).Result()
		if err != nil {
			return fmt.Errorf("obliterating queue %s: %w", q.name, err)
		}
		if len(keys) > 0 {
			if err := q.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("obliterating queue %s: %w", q.name, err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Subscribe delivers global lifecycle events until cancel is called or ctx
// ends. The subscription rides the factory's shared subscriber link.
func (q *Queue) Subscribe(ctx context.Context) (<-chan Event, func() error, error) {
	sub, err := q.factory(RoleSubscriber)
	if err != nil {
		return nil, nil, fmt.Errorf("obtaining subscriber link for queue %s: %w", q.name, err)
	}

	pubsub := sub.Subscribe(ctx, q.keys.events())
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, nil, fmt.Errorf("subscribing to events of queue %s: %w", q.name, err)
	}

	events := make(chan Event)
	stop := make(chan struct{})

	go func() {
		defer close(events)
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				case <-stop:
					return
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() error {
		once.Do(func() { close(stop) })
		return pubsub.Close()
	}
	return events, cancel, nil
}

// Close stops consumers and waits for in-flight jobs to drain. The links
// themselves belong to the connection registry and are not closed here.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.stopCh)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("closing queue %s: %w", q.name, ctx.Err())
	}
}
