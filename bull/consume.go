package bull

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// pollTimeout bounds each blocking pop so consumers notice shutdown.
const pollTimeout = time.Second

// Consume starts the given number of concurrent blocking consumers, each on
// its own dedicated bclient link from the factory. Consumers run until ctx
// is cancelled or the queue is closed; Close waits for in-flight jobs.
//
// Each consumer registers itself in the queue's worker index and keeps its
// entry fresh while processing. The wait->active move is a single
// BRPOPLPUSH so a job is never in limbo between lists.
func (q *Queue) Consume(ctx context.Context, concurrency int, handler Handler) error {
	if concurrency < 1 {
		concurrency = 1
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("queue %s is closed", q.name)
	}

	for i := 0; i < concurrency; i++ {
		// A fresh blocking link per consumer: a blocking pop on a shared
		// link would stall every other command behind it.
		bclient, err := q.factory(RoleBClient)
		if err != nil {
			return fmt.Errorf("obtaining blocking link for queue %s: %w", q.name, err)
		}

		q.nextWkr++
		worker := workerName(q.name, q.nextWkr)

		q.wg.Add(1)
		go q.consumeLoop(ctx, bclient, worker, handler)
	}
	return nil
}

func workerName(queue string, n int) string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return host + ":" + queue + ":" + strconv.Itoa(n)
}

func (q *Queue) consumeLoop(ctx context.Context, bclient *redis.Client, worker string, handler Handler) {
	defer q.wg.Done()
	defer q.unregisterWorker(worker)

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		default:
		}

		q.heartbeat(ctx, worker, "")

		id, err := bclient.BRPopLPush(ctx, q.keys.wait(), q.keys.active(), pollTimeout).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.ErrClosed) {
				// A disconnect drained the blocking pool and closed this
				// link; request a fresh one instead of retrying a dead client.
				if fresh, ferr := q.factory(RoleBClient); ferr == nil {
					bclient = fresh
					continue
				}
			}
			// Transient link trouble: back off briefly rather than hot-loop.
			select {
			case <-time.After(pollTimeout):
			case <-ctx.Done():
				return
			case <-q.stopCh:
				return
			}
			continue
		}

		q.process(ctx, worker, id, handler)
	}
}

// heartbeat refreshes the worker's index entry and current-job annotation.
func (q *Queue) heartbeat(ctx context.Context, worker, jobID string) {
	now := time.Now().UnixMilli()
	pipe := q.client.Pipeline()
	pipe.ZAdd(ctx, q.keys.workers(), redis.Z{Score: float64(now), Member: worker})
	if jobID == "" {
		pipe.Del(ctx, q.keys.workerJob(worker))
	} else {
		pipe.Set(ctx, q.keys.workerJob(worker), jobID, workerWindow)
	}
	_, _ = pipe.Exec(ctx)
}

func (q *Queue) unregisterWorker(worker string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	pipe := q.client.Pipeline()
	pipe.ZRem(ctx, q.keys.workers(), worker)
	pipe.Del(ctx, q.keys.workerJob(worker))
	_, _ = pipe.Exec(ctx)
}

func (q *Queue) process(ctx context.Context, worker, id string, handler Handler) {
	now := time.Now().UnixMilli()
	_ = q.client.HSet(ctx, q.keys.job(id), "processedOn", now).Err()
	q.heartbeat(ctx, worker, id)
	q.publish(ctx, EventActive, id)

	job, err := q.Job(ctx, id)
	if err != nil {
		// Hash vanished under us; drop the orphaned id.
		_ = q.client.LRem(ctx, q.keys.active(), 0, id).Err()
		return
	}

	ret, handlerErr := handler(ctx, job)

	finished := time.Now()
	pipe := q.client.Pipeline()
	pipe.LRem(ctx, q.keys.active(), 0, id)
	if handlerErr != nil {
		pipe.ZAdd(ctx, q.keys.failed(), redis.Z{Score: float64(finished.UnixMilli()), Member: id})
		pipe.HSet(ctx, q.keys.job(id),
			"finishedOn", finished.UnixMilli(),
			"failedReason", handlerErr.Error(),
		)
	} else {
		pipe.ZAdd(ctx, q.keys.completed(), redis.Z{Score: float64(finished.UnixMilli()), Member: id})
		pipe.HSet(ctx, q.keys.job(id),
			"finishedOn", finished.UnixMilli(),
			"returnvalue", string(jsonOrNull(ret)),
		)
	}
	_, _ = pipe.Exec(ctx)

	q.heartbeat(ctx, worker, "")
	if handlerErr != nil {
		q.publish(ctx, EventFailed, id)
	} else {
		q.publish(ctx, EventCompleted, id)
	}
}

func jsonOrNull(v json.RawMessage) json.RawMessage {
	if len(v) == 0 {
		return json.RawMessage("null")
	}
	return v
}
