package bull

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banteng-io/banteng/regerr"
)

// testFactory mimics the connection registry's client factory: shared
// client/subscriber links, a fresh link per bclient request.
type testFactory struct {
	t  *testing.T
	mr *miniredis.Miniredis

	mu         sync.Mutex
	client     *redis.Client
	subscriber *redis.Client
	bclients   []*redis.Client
}

func newTestFactory(t *testing.T) *testFactory {
	t.Helper()
	return &testFactory{t: t, mr: miniredis.RunT(t)}
}

func (f *testFactory) newClient() *redis.Client {
	c := redis.NewClient(&redis.Options{Addr: f.mr.Addr()})
	f.t.Cleanup(func() { _ = c.Close() })
	return c
}

func (f *testFactory) factory(role ClientRole) (*redis.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch role {
	case RoleClient:
		if f.client == nil {
			f.client = f.newClient()
		}
		return f.client, nil
	case RoleSubscriber:
		if f.subscriber == nil {
			f.subscriber = f.newClient()
		}
		return f.subscriber, nil
	case RoleBClient:
		c := f.newClient()
		f.bclients = append(f.bclients, c)
		return c, nil
	default:
		return nil, regerr.New("test", "factory", regerr.CodeUnknownRole, string(role))
	}
}

func setupQueue(t *testing.T) (*Queue, *testFactory) {
	t.Helper()
	f := newTestFactory(t)
	q, err := New("email-send", f.factory)
	require.NoError(t, err)
	return q, f
}

func TestNew(t *testing.T) {
	t.Run("requires a name", func(t *testing.T) {
		f := newTestFactory(t)
		_, err := New("", f.factory)
		require.Error(t, err)
	})

	t.Run("requires a factory", func(t *testing.T) {
		_, err := New("q", nil)
		require.Error(t, err)
	})

	t.Run("obtains the command link from the factory", func(t *testing.T) {
		q, f := setupQueue(t)
		assert.Same(t, f.client, q.client)
	})
}

func TestAddAndCounts(t *testing.T) {
	ctx := context.Background()
	q, _ := setupQueue(t)

	id, err := q.Add(ctx, json.RawMessage(`{"to":"a@example.com"}`))
	require.NoError(t, err)
	assert.Equal(t, "1", id)

	id, err = q.Add(ctx, json.RawMessage(`{"to":"b@example.com"}`))
	require.NoError(t, err)
	assert.Equal(t, "2", id)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Waiting)
	assert.Zero(t, counts.Active)
	assert.Zero(t, counts.Completed)

	n, err := q.CountByStatus(ctx, StatusWaiting)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestJob(t *testing.T) {
	ctx := context.Background()
	q, _ := setupQueue(t)

	id, err := q.Add(ctx, json.RawMessage(`{"n":1}`))
	require.NoError(t, err)

	job, err := q.Job(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, job.ID)
	assert.JSONEq(t, `{"n":1}`, string(job.Data))
	assert.Positive(t, job.Timestamp)

	_, err = q.Job(ctx, "999")
	assert.True(t, regerr.IsNotFound(err))
}

func TestJobsPagination(t *testing.T) {
	ctx := context.Background()
	q, _ := setupQueue(t)

	for i := 0; i < 5; i++ {
		_, err := q.Add(ctx, json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)))
		require.NoError(t, err)
	}

	page1, err := q.Jobs(ctx, StatusWaiting, 1, 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)

	page3, err := q.Jobs(ctx, StatusWaiting, 3, 2)
	require.NoError(t, err)
	require.Len(t, page3, 1)

	_, err = q.Jobs(ctx, Status("bogus"), 1, 10)
	require.Error(t, err)
}

func TestPauseResume(t *testing.T) {
	ctx := context.Background()
	q, _ := setupQueue(t)

	paused, err := q.IsPaused(ctx)
	require.NoError(t, err)
	assert.False(t, paused)

	_, err = q.Add(ctx, json.RawMessage(`{}`))
	require.NoError(t, err)

	require.NoError(t, q.Pause(ctx))

	paused, err = q.IsPaused(ctx)
	require.NoError(t, err)
	assert.True(t, paused)

	// Waiting jobs moved aside, and new jobs land in the paused list.
	_, err = q.Add(ctx, json.RawMessage(`{}`))
	require.NoError(t, err)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Waiting)
	assert.Equal(t, int64(2), counts.Paused)

	require.NoError(t, q.Resume(ctx))

	counts, err = q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Waiting)
	assert.Zero(t, counts.Paused)
}

func TestEmpty(t *testing.T) {
	ctx := context.Background()
	q, f := setupQueue(t)

	id, err := q.Add(ctx, json.RawMessage(`{}`))
	require.NoError(t, err)

	require.NoError(t, q.Empty(ctx))

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Waiting)
	assert.False(t, f.mr.Exists("bull:email-send:"+id))
}

func TestClean(t *testing.T) {
	ctx := context.Background()
	q, f := setupQueue(t)

	// Fake two completed jobs, one old and one fresh.
	now := time.Now().UnixMilli()
	old := float64(now - int64(time.Hour/time.Millisecond))
	require.NoError(t, q.client.HSet(ctx, "bull:email-send:10", "data", "{}", "timestamp", now).Err())
	require.NoError(t, q.client.HSet(ctx, "bull:email-send:11", "data", "{}", "timestamp", now).Err())
	require.NoError(t, q.client.ZAdd(ctx, "bull:email-send:completed", redis.Z{Score: old, Member: "10"}).Err())
	require.NoError(t, q.client.ZAdd(ctx, "bull:email-send:completed", redis.Z{Score: float64(now), Member: "11"}).Err())

	removed, err := q.Clean(ctx, 30*time.Minute, StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
	assert.False(t, f.mr.Exists("bull:email-send:10"))
	assert.True(t, f.mr.Exists("bull:email-send:11"))
}

func TestRemoveJob(t *testing.T) {
	ctx := context.Background()
	q, _ := setupQueue(t)

	id, err := q.Add(ctx, json.RawMessage(`{}`))
	require.NoError(t, err)

	require.NoError(t, q.RemoveJob(ctx, id))

	n, err := q.CountByStatus(ctx, StatusWaiting)
	require.NoError(t, err)
	assert.Zero(t, n)

	err = q.RemoveJob(ctx, id)
	assert.True(t, regerr.IsNotFound(err))
}

func TestRemoveJobsByPattern(t *testing.T) {
	ctx := context.Background()

	t.Run("removes matching jobs", func(t *testing.T) {
		q, _ := setupQueue(t)

		for i := 0; i < 3; i++ {
			_, err := q.Add(ctx, json.RawMessage(`{}`))
			require.NoError(t, err)
		}

		require.NoError(t, q.RemoveJobsByPattern(ctx, "*"))

		n, err := q.CountByStatus(ctx, StatusWaiting)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("never touches structural keys", func(t *testing.T) {
		q, f := setupQueue(t)

		for i := 0; i < 2; i++ {
			_, err := q.Add(ctx, json.RawMessage(`{}`))
			require.NoError(t, err)
		}

		// "wa*" matches the wait list itself but no numeric job id; the
		// list and its jobs must survive untouched.
		require.NoError(t, q.RemoveJobsByPattern(ctx, "wa*"))

		counts, err := q.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), counts.Waiting)
		assert.True(t, f.mr.Exists("bull:email-send:1"))
		assert.True(t, f.mr.Exists("bull:email-send:2"))
	})
}

func TestObliterate(t *testing.T) {
	ctx := context.Background()

	t.Run("refuses active jobs without force", func(t *testing.T) {
		q, _ := setupQueue(t)
		require.NoError(t, q.client.LPush(ctx, "bull:email-send:active", "1").Err())

		err := q.Obliterate(ctx, false)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "active jobs")
	})

	t.Run("force removes everything", func(t *testing.T) {
		q, f := setupQueue(t)
		_, err := q.Add(ctx, json.RawMessage(`{}`))
		require.NoError(t, err)
		require.NoError(t, q.client.ZAdd(ctx, "bull-workers:email-send", redis.Z{Score: 1, Member: "w1"}).Err())

		require.NoError(t, q.Obliterate(ctx, true))

		assert.False(t, f.mr.Exists("bull:email-send:wait"))
		assert.False(t, f.mr.Exists("bull:email-send:id"))
		assert.False(t, f.mr.Exists("bull-workers:email-send"))
	})
}

func TestSubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q, _ := setupQueue(t)

	events, stop, err := q.Subscribe(ctx)
	require.NoError(t, err)
	defer stop()

	id, err := q.Add(ctx, json.RawMessage(`{}`))
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, EventWaiting, ev.Type)
		assert.Equal(t, id, ev.JobID)
		assert.Equal(t, "email-send", ev.Queue)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for lifecycle event")
	}
}

func TestConsume(t *testing.T) {
	t.Run("processes jobs to completion", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		q, f := setupQueue(t)

		done := make(chan string, 1)
		err := q.Consume(ctx, 1, func(ctx context.Context, job *Job) (json.RawMessage, error) {
			done <- job.ID
			return json.RawMessage(`"sent"`), nil
		})
		require.NoError(t, err)

		// One consumer means exactly one dedicated blocking link.
		f.mu.Lock()
		assert.Len(t, f.bclients, 1)
		f.mu.Unlock()

		id, err := q.Add(ctx, json.RawMessage(`{"to":"a@example.com"}`))
		require.NoError(t, err)

		select {
		case got := <-done:
			assert.Equal(t, id, got)
		case <-time.After(5 * time.Second):
			t.Fatal("job was never processed")
		}

		require.Eventually(t, func() bool {
			counts, err := q.Counts(ctx)
			return err == nil && counts.Completed == 1 && counts.Active == 0
		}, 5*time.Second, 20*time.Millisecond)

		job, err := q.Job(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, `"sent"`, string(job.ReturnValue))
		assert.Positive(t, job.FinishedOn)
	})

	t.Run("handler failure lands in failed", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		q, _ := setupQueue(t)

		err := q.Consume(ctx, 1, func(ctx context.Context, job *Job) (json.RawMessage, error) {
			return nil, errors.New("smtp unavailable")
		})
		require.NoError(t, err)

		id, err := q.Add(ctx, json.RawMessage(`{}`))
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			counts, err := q.Counts(ctx)
			return err == nil && counts.Failed == 1
		}, 5*time.Second, 20*time.Millisecond)

		job, err := q.Job(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "smtp unavailable", job.FailedReason)
	})

	t.Run("concurrency requests one bclient each", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		q, f := setupQueue(t)
		err := q.Consume(ctx, 3, func(ctx context.Context, job *Job) (json.RawMessage, error) {
			return nil, nil
		})
		require.NoError(t, err)

		f.mu.Lock()
		defer f.mu.Unlock()
		assert.Len(t, f.bclients, 3)
	})

	t.Run("recovers with a fresh bclient after its link closes", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		q, f := setupQueue(t)

		done := make(chan string, 1)
		err := q.Consume(ctx, 1, func(ctx context.Context, job *Job) (json.RawMessage, error) {
			done <- job.ID
			return nil, nil
		})
		require.NoError(t, err)

		// Close the consumer's blocking link out from under it, the way a
		// connection-wide disconnect drains the pool.
		f.mu.Lock()
		require.Len(t, f.bclients, 1)
		require.NoError(t, f.bclients[0].Close())
		f.mu.Unlock()

		id, err := q.Add(ctx, json.RawMessage(`{}`))
		require.NoError(t, err)

		select {
		case got := <-done:
			assert.Equal(t, id, got)
		case <-time.After(5 * time.Second):
			t.Fatal("consumer never recovered from its closed link")
		}

		f.mu.Lock()
		defer f.mu.Unlock()
		assert.Len(t, f.bclients, 2)
	})

	t.Run("close waits for consumers", func(t *testing.T) {
		ctx := context.Background()
		q, _ := setupQueue(t)

		err := q.Consume(ctx, 1, func(ctx context.Context, job *Job) (json.RawMessage, error) {
			return nil, nil
		})
		require.NoError(t, err)

		closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		require.NoError(t, q.Close(closeCtx))
	})
}
