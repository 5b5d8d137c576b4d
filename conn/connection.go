package conn

import (
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/banteng-io/banteng/bull"
	"github.com/banteng-io/banteng/regerr"
)

// Connection is a registered Redis endpoint plus its role-specific links.
// At most one primary and one subscriber link exist per connection; the
// blocking pool grows as the engine requests bclient links and is drained
// only on Disconnect.
//
// Queues hold connections by id, never by ownership: the registry is the
// only component that mutates the live set.
type Connection struct {
	// ID is the stable identifier, derived from the config name by
	// slugification.
	ID string

	// Config is the endpoint configuration the connection was built from.
	Config Config

	mu         sync.Mutex
	primary    *Link
	subscriber *Link
	blocking   []*Link
}

// newConnection builds a connection with unconnected primary and subscriber
// links and an empty blocking pool.
func newConnection(id string, cfg Config) *Connection {
	primary := NewLink(cfg.Options())
	return &Connection{
		ID:         id,
		Config:     cfg,
		primary:    primary,
		subscriber: primary.Duplicate(),
	}
}

// Primary returns the shared primary command link.
func (c *Connection) Primary() *Link {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.primary == nil {
		c.primary = NewLink(c.Config.Options())
	}
	return c.primary
}

// Subscriber returns the shared pub/sub link.
func (c *Connection) Subscriber() *Link {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscriber == nil {
		c.subscriber = NewLink(c.Config.Options())
	}
	return c.subscriber
}

// BlockingLinks returns a snapshot of the blocking pool.
func (c *Connection) BlockingLinks() []*Link {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Link, len(c.blocking))
	copy(out, c.blocking)
	return out
}

// ClientFactory returns the callback the queue engine uses to obtain
// role-specific links. Repeated client/subscriber calls return the identical
// client; every bclient call creates a dedicated link and tracks it in the
// blocking pool. Any other role is a fatal contract violation.
func (c *Connection) ClientFactory() bull.ClientFactory {
	return func(role bull.ClientRole) (*redis.Client, error) {
		switch role {
		case bull.RoleClient:
			return c.Primary().Client(), nil
		case bull.RoleSubscriber:
			return c.Subscriber().Client(), nil
		case bull.RoleBClient:
			c.mu.Lock()
			link := NewLink(c.Config.Options())
			c.blocking = append(c.blocking, link)
			c.mu.Unlock()
			return link.Client(), nil
		default:
			return nil, regerr.New("conn", "client-factory", regerr.CodeUnknownRole,
				fmt.Sprintf("engine requested unknown link role %q on connection %s", role, c.ID))
		}
	}
}

// Disconnect tears down every link: primary and subscriber are toggled
// closed (their clients survive, so engine-held pointers stay valid for a
// later reconnect), while the blocking pool is closed for good and emptied
// because the engine requests fresh bclient links on reconnect.
// Connection-wide, not queue-wide: every queue bound to this connection
// loses its links at once.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	primary := c.primary
	subscriber := c.subscriber
	blocking := c.blocking
	c.blocking = nil
	c.mu.Unlock()

	var firstErr error
	if primary != nil {
		if err := primary.Disconnect(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if subscriber != nil {
		if err := subscriber.Disconnect(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, link := range blocking {
		if err := link.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close tears every link down for good. Used when the connection is removed
// from the registry or replaced; the connection must not be used afterwards.
func (c *Connection) Close() error {
	c.mu.Lock()
	primary := c.primary
	subscriber := c.subscriber
	blocking := c.blocking
	c.blocking = nil
	c.mu.Unlock()

	var firstErr error
	if primary != nil {
		if err := primary.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if subscriber != nil {
		if err := subscriber.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, link := range blocking {
		if err := link.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
