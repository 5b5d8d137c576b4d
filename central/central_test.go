package central

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, name string) (*Central, *redis.Client, chan Command) {
	t.Helper()
	mr := miniredis.RunT(t)

	newClient := func() *redis.Client {
		c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = c.Close() })
		return c
	}

	received := make(chan Command, 16)
	c := New(name, "ctl", newClient(), newClient(), func(cmd Command) { received <- cmd })
	t.Cleanup(func() { _ = c.Close() })
	return c, newClient(), received
}

func waitCommand(t *testing.T, ch chan Command) Command {
	t.Helper()
	select {
	case cmd := <-ch:
		return cmd
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for command")
		return nil
	}
}

func expectNone(t *testing.T, ch chan Command) {
	t.Helper()
	select {
	case cmd := <-ch:
		t.Fatalf("unexpected command: %#v", cmd)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestListen(t *testing.T) {
	ctx := context.Background()

	t.Run("dispatches commands addressed to this instance", func(t *testing.T) {
		c, pub, received := setup(t, "worker-1")
		require.NoError(t, c.Listen(ctx))

		raw, err := json.Marshal(Command{"action": "restart", "from": "controller"})
		require.NoError(t, err)
		require.NoError(t, pub.Publish(ctx, "ctl:worker-1", raw).Err())

		cmd := waitCommand(t, received)
		assert.Equal(t, "restart", cmd["action"])
		assert.Equal(t, "controller", cmd["from"])
	})

	t.Run("ignores the outbound stream and other recipients", func(t *testing.T) {
		c, pub, received := setup(t, "worker-1")
		require.NoError(t, c.Listen(ctx))

		raw, err := json.Marshal(Command{"action": "restart"})
		require.NoError(t, err)
		require.NoError(t, pub.Publish(ctx, "ctl", raw).Err())
		require.NoError(t, pub.Publish(ctx, "ctl:worker-2", raw).Err())
		expectNone(t, received)
	})

	t.Run("skips undecodable payloads and keeps dispatching", func(t *testing.T) {
		c, pub, received := setup(t, "worker-1")
		require.NoError(t, c.Listen(ctx))

		require.NoError(t, pub.Publish(ctx, "ctl:worker-1", "{not json").Err())

		raw, err := json.Marshal(Command{"action": "status"})
		require.NoError(t, err)
		require.NoError(t, pub.Publish(ctx, "ctl:worker-1", raw).Err())

		cmd := waitCommand(t, received)
		assert.Equal(t, "status", cmd["action"])
	})

	t.Run("is idempotent", func(t *testing.T) {
		c, pub, received := setup(t, "worker-1")
		require.NoError(t, c.Listen(ctx))
		require.NoError(t, c.Listen(ctx))

		raw, err := json.Marshal(Command{"action": "once"})
		require.NoError(t, err)
		require.NoError(t, pub.Publish(ctx, "ctl:worker-1", raw).Err())

		waitCommand(t, received)
		expectNone(t, received)
	})
}

func TestSend(t *testing.T) {
	ctx := context.Background()
	c, raw, _ := setup(t, "worker-1")

	sub := raw.Subscribe(ctx, "ctl")
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	c.Send(ctx, Command{"action": "done", "jobId": "42"})

	select {
	case msg := <-sub.Channel():
		var cmd Command
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &cmd))
		assert.Equal(t, "done", cmd["action"])
		assert.Equal(t, "42", cmd["jobId"])
		assert.Equal(t, "worker-1", cmd["from"])
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for publish")
	}
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	c, pub, received := setup(t, "worker-1")
	require.NoError(t, c.Listen(ctx))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	raw, err := json.Marshal(Command{"action": "late"})
	require.NoError(t, err)
	require.NoError(t, pub.Publish(ctx, "ctl:worker-1", raw).Err())
	expectNone(t, received)

	// A closed instance stays closed.
	require.NoError(t, c.Listen(ctx))
	require.NoError(t, pub.Publish(ctx, "ctl:worker-1", raw).Err())
	expectNone(t, received)
}
