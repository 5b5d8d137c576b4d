// Package conn implements the connection registry: lifecycle management of
// Redis connections and the per-connection fan-out of role-specific links
// (primary command link, pub/sub subscriber link, blocking-operation pool)
// that the queue engine requires.
package conn

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// LinkStatus describes the socket state of a Link.
type LinkStatus string

const (
	// StatusReady means the link has been connected and not since disconnected.
	StatusReady LinkStatus = "ready"

	// StatusClosed means the link is disconnected or was never connected.
	StatusClosed LinkStatus = "closed"
)

// Link is one role-specific Redis link. The underlying client is created
// once and its identity is stable for the link's whole life: the engine
// holds clients by pointer, so a disconnect/connect cycle must hand back the
// same object, the way an ioredis client survives a disconnect. go-redis
// cannot reopen a closed client, so Disconnect toggles status without
// destroying the client and only Close (teardown for good) closes it.
//
// Thread-safety: all methods are safe for concurrent use.
type Link struct {
	opts *redis.Options

	mu     sync.Mutex
	client *redis.Client
	status LinkStatus
}

// NewLink creates an unconnected link for the given options.
func NewLink(opts *redis.Options) *Link {
	return &Link{opts: opts, status: StatusClosed}
}

// Config is a registered Redis endpoint. Stored as JSON under the slug id in
// the "redis-configs" namespace; immutable once stored except via full replace.
type Config struct {
	Name     string `json:"name"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	DB       int    `json:"db"`
	Password string `json:"password,omitempty"`
}

// Options converts the config into go-redis client options.
func (c Config) Options() *redis.Options {
	return &redis.Options{
		Addr:     net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		DB:       c.DB,
		Password: c.Password,
	}
}

// Client returns the underlying go-redis client, creating it lazily on first
// call and returning the identical object ever after. The client dials on
// first command, so this never blocks.
func (l *Link) Client() *redis.Client {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.client == nil {
		l.client = redis.NewClient(l.opts)
	}
	return l.client
}

// Connect establishes the link eagerly: it creates the client if absent and
// verifies connectivity with a ping.
func (l *Link) Connect(ctx context.Context) error {
	client := l.Client()
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connecting to %s: %w", l.opts.Addr, err)
	}

	l.mu.Lock()
	l.status = StatusReady
	l.mu.Unlock()
	return nil
}

// Disconnect marks the link closed. The client object survives, keeping
// every pointer the engine holds valid; its pooled sockets are reaped by the
// pool's idle timeout rather than torn down here.
func (l *Link) Disconnect() error {
	l.mu.Lock()
	l.status = StatusClosed
	l.mu.Unlock()
	return nil
}

// Close tears the link down for good: the client is closed and the link must
// not be used again. Used when the owning connection is removed or replaced,
// and for blocking links, which are never revived.
func (l *Link) Close() error {
	l.mu.Lock()
	client := l.client
	l.status = StatusClosed
	l.mu.Unlock()

	if client == nil {
		return nil
	}
	if err := client.Close(); err != nil {
		return fmt.Errorf("closing link to %s: %w", l.opts.Addr, err)
	}
	return nil
}

// Status reports the link's socket state.
func (l *Link) Status() LinkStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// Duplicate clones the link's options into a fresh, unconnected link.
func (l *Link) Duplicate() *Link {
	opts := *l.opts
	return NewLink(&opts)
}
