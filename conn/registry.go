package conn

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gosimple/slug"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/banteng-io/banteng/regerr"
	"github.com/banteng-io/banteng/store"
)

// Registry owns the live set of Connections. It is constructed explicitly
// and passed to its collaborators; there is no process-wide instance.
//
// Thread-safety: all methods are safe for concurrent use. The registry
// mutex is held across whole add/update/remove sequences so check-then-act
// races inside one process cannot interleave.
type Registry struct {
	store  store.Store
	log    *slog.Logger
	tracer trace.Tracer
	inUse  func(connID string) bool

	mu    sync.Mutex
	conns []*Connection
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets a custom logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// WithTracer sets an OpenTelemetry tracer for registry mutations.
// Defaults to a noop tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(r *Registry) { r.tracer = tracer }
}

// WithInUseGuard installs a hook consulted before Remove: when it reports
// the connection id as in use (queues still bound to it), removal fails
// with a conflict instead of leaving dangling references.
func WithInUseGuard(inUse func(connID string) bool) Option {
	return func(r *Registry) { r.inUse = inUse }
}

// NewRegistry creates a connection registry on the given store.
func NewRegistry(st store.Store, opts ...Option) *Registry {
	r := &Registry{
		store:  st,
		log:    slog.Default(),
		tracer: noop.NewTracerProvider().Tracer("banteng/conn"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddResult is the outcome of Add: the derived connection id, plus the
// link error when the eager connect attempt failed. The config is stored
// either way; a misconfigured connection can be registered now and repaired
// later.
type AddResult struct {
	ID      string
	LinkErr error
}

// Initialize loads every persisted connection config and instantiates a
// Connection for each, links unconnected. Individual bad records are
// logged and skipped; socket establishment is left to first use so the
// caller is never blocked on a dead endpoint.
func (r *Registry) Initialize(ctx context.Context) error {
	records, err := r.store.All(ctx, store.NamespaceConnections)
	if err != nil {
		return fmt.Errorf("loading connection configs: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, raw := range records {
		var cfg Config
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			r.log.Warn("skipping unreadable connection config", "component", "conn", "id", id, "error", err)
			continue
		}
		r.conns = append(r.conns, newConnection(id, cfg))
		r.log.Info("loaded connection", "component", "conn", "id", id, "addr", cfg.Options().Addr)
	}
	return nil
}

// List returns a snapshot of the live set. Callers must treat the entries'
// links as read-only.
func (r *Registry) List() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Connection, len(r.conns))
	copy(out, r.conns)
	return out
}

// FindByID returns the connection with the given id. Linear scan: the
// expected cardinality is tens of connections.
func (r *Registry) FindByID(id string) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findLocked(id)
}

func (r *Registry) findLocked(id string) (*Connection, error) {
	for _, c := range r.conns {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, regerr.New("conn", "find", regerr.CodeNotFound,
		fmt.Sprintf("no connection %q", id))
}

// Add registers a connection under the slug of its name. The primary link is
// established eagerly and synchronously, but the config is persisted whether
// or not the endpoint was reachable; a failed connect comes back as
// AddResult.LinkErr, never silently. Only a persistence failure is an error.
//
// A name slugifying to an id already in the live set silently replaces that
// entry, matching how re-adding has always doubled as repair.
func (r *Registry) Add(ctx context.Context, cfg Config) (AddResult, error) {
	ctx, span := r.tracer.Start(ctx, "conn.add")
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addLocked(ctx, cfg)
}

func (r *Registry) addLocked(ctx context.Context, cfg Config) (AddResult, error) {
	id := slug.Make(cfg.Name)

	c := newConnection(id, cfg)
	linkErr := c.Primary().Connect(ctx)
	if linkErr != nil {
		linkErr = regerr.New("conn", "add", regerr.CodeLink,
			fmt.Sprintf("connection %q stored but unreachable", id)).WithCause(linkErr)
		r.log.Warn("connection added but primary link failed", "component", "conn", "id", id, "error", linkErr)
	}

	raw, err := json.Marshal(cfg)
	if err != nil {
		return AddResult{}, fmt.Errorf("encoding connection config %q: %w", id, err)
	}
	if err := r.store.Set(ctx, store.NamespaceConnections, id, string(raw)); err != nil {
		return AddResult{}, regerr.New("conn", "add", regerr.CodePersistence,
			fmt.Sprintf("persisting connection %q", id)).WithCause(err)
	}

	replaced := false
	for i, existing := range r.conns {
		if existing.ID == id {
			_ = existing.Close()
			r.conns[i] = c
			replaced = true
			break
		}
	}
	if !replaced {
		r.conns = append(r.conns, c)
	}

	r.log.Info("connection added", "component", "conn", "id", id, "addr", cfg.Options().Addr, "replaced", replaced)
	return AddResult{ID: id, LinkErr: linkErr}, nil
}

// Update replaces a connection's config: disconnect, delete, re-add, all
// under the registry mutex so no concurrent operation observes the gap.
func (r *Registry) Update(ctx context.Context, id string, cfg Config) (AddResult, error) {
	ctx, span := r.tracer.Start(ctx, "conn.update")
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.findLocked(id)
	if err != nil {
		return AddResult{}, err
	}
	_ = c.Close()

	if err := r.store.Delete(ctx, store.NamespaceConnections, id); err != nil {
		return AddResult{}, regerr.New("conn", "update", regerr.CodePersistence,
			fmt.Sprintf("removing old config for connection %q", id)).WithCause(err)
	}
	r.removeLocked(id)

	return r.addLocked(ctx, cfg)
}

// Remove disconnects every link, deletes the persisted config and drops the
// connection from the live set. With an in-use guard configured, removal of
// a connection that still has bound queues fails with a conflict.
func (r *Registry) Remove(ctx context.Context, id string) (string, error) {
	ctx, span := r.tracer.Start(ctx, "conn.remove")
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.findLocked(id)
	if err != nil {
		return "", err
	}

	if r.inUse != nil && r.inUse(id) {
		return "", regerr.New("conn", "remove", regerr.CodeConnectionInUse,
			fmt.Sprintf("connection %q still has bound queues", id))
	}

	if err := c.Close(); err != nil {
		r.log.Warn("link teardown during remove failed", "component", "conn", "id", id, "error", err)
	}
	if err := r.store.Delete(ctx, store.NamespaceConnections, id); err != nil {
		return "", regerr.New("conn", "remove", regerr.CodePersistence,
			fmt.Sprintf("deleting config for connection %q", id)).WithCause(err)
	}
	r.removeLocked(id)

	r.log.Info("connection removed", "component", "conn", "id", id)
	return id, nil
}

func (r *Registry) removeLocked(id string) {
	for i, c := range r.conns {
		if c.ID == id {
			r.conns = append(r.conns[:i], r.conns[i+1:]...)
			return
		}
	}
}

// Connect re-establishes the primary and subscriber links. The persisted
// config and the live entry are untouched.
func (r *Registry) Connect(ctx context.Context, id string) (string, error) {
	c, err := r.FindByID(id)
	if err != nil {
		return "", err
	}

	if err := c.Primary().Connect(ctx); err != nil {
		return "", regerr.New("conn", "connect", regerr.CodeLink,
			fmt.Sprintf("primary link of connection %q", id)).WithCause(err)
	}
	if err := c.Subscriber().Connect(ctx); err != nil {
		return "", regerr.New("conn", "connect", regerr.CodeLink,
			fmt.Sprintf("subscriber link of connection %q", id)).WithCause(err)
	}
	return id, nil
}

// Disconnect tears down every link of the connection, blocking pool
// included. The persisted config and the live entry are untouched.
func (r *Registry) Disconnect(id string) (string, error) {
	c, err := r.FindByID(id)
	if err != nil {
		return "", err
	}
	if err := c.Disconnect(); err != nil {
		r.log.Warn("disconnect failed", "component", "conn", "id", id, "error", err)
	}
	return id, nil
}
