// Package central is the control-plane command bus: a named pub/sub channel
// pair for out-of-band signaling between agents. An instance sends on the
// bare stream channel and listens on the stream suffixed with its own name,
// so commands are addressed by recipient.
package central

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Command is an arbitrary key-value payload. Send stamps it with the
// sender's name under "from" before publishing.
type Command map[string]any

// Handler is invoked for every command addressed to this instance.
type Handler func(cmd Command)

// Central is one agent's endpoint on the bus. Safe for concurrent use.
type Central struct {
	name   string
	stream string
	pub    redis.UniversalClient
	sub    redis.UniversalClient
	log    *slog.Logger

	mu      sync.Mutex
	handler Handler
	pubsub  *redis.PubSub
	closed  bool
}

// Option configures a Central.
type Option func(*Central)

// WithLogger sets a custom logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(c *Central) { c.log = log }
}

// New creates a bus endpoint named name on the given stream. pub carries
// outbound publishes; sub is the link the inbound subscription is opened on
// (typically a connection's shared subscriber link). handler receives
// inbound commands once Listen has been called.
func New(name, stream string, pub, sub redis.UniversalClient, handler Handler, opts ...Option) *Central {
	c := &Central{
		name:    name,
		stream:  stream,
		pub:     pub,
		sub:     sub,
		handler: handler,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// inbound is the exact channel this instance dispatches from.
func (c *Central) inbound() string {
	return c.stream + ":" + c.name
}

// Send publishes the command on the outbound stream with "from" set to this
// instance's name. Fire and forget: a publish failure is logged and never
// surfaced, commands are best-effort signals.
func (c *Central) Send(ctx context.Context, cmd Command) {
	payload := make(Command, len(cmd)+1)
	for k, v := range cmd {
		payload[k] = v
	}
	payload["from"] = c.name

	raw, err := json.Marshal(payload)
	if err != nil {
		c.log.Warn("unencodable command dropped", "component", "central", "stream", c.stream, "error", err)
		return
	}
	if err := c.pub.Publish(ctx, c.stream, raw).Err(); err != nil {
		c.log.Warn("command publish failed", "component", "central", "stream", c.stream, "error", err)
	}
}

// Listen opens the inbound subscription and starts dispatching. Idempotent;
// calling it while already listening is a no-op. Only messages delivered on
// exactly the inbound channel are dispatched, anything else arriving over a
// shared subscriber is ignored.
func (c *Central) Listen(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pubsub != nil || c.closed {
		return nil
	}

	pubsub := c.sub.Subscribe(ctx, c.inbound())
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}
	c.pubsub = pubsub

	go c.dispatch(pubsub.Channel())
	c.log.Info("listening", "component", "central", "channel", c.inbound())
	return nil
}

func (c *Central) dispatch(messages <-chan *redis.Message) {
	for msg := range messages {
		if msg.Channel != c.inbound() {
			continue
		}
		var cmd Command
		if err := json.Unmarshal([]byte(msg.Payload), &cmd); err != nil {
			c.log.Warn("undecodable command dropped", "component", "central", "channel", msg.Channel, "error", err)
			continue
		}
		if c.handler != nil {
			c.handler(cmd)
		}
	}
}

// Close tears the inbound subscription down and stops dispatch. Idempotent;
// a closed instance will not listen again.
func (c *Central) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.pubsub == nil {
		return nil
	}
	err := c.pubsub.Close()
	c.pubsub = nil
	return err
}
