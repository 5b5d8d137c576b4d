package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/banteng-io/banteng/bull"
	"github.com/banteng-io/banteng/conn"
	"github.com/banteng-io/banteng/regerr"
	"github.com/banteng-io/banteng/store"
)

// ConnectionSource resolves connection ids to live connections. Satisfied by
// conn.Registry.
type ConnectionSource interface {
	FindByID(id string) (*conn.Connection, error)
}

// EngineFactory builds the engine for a registered queue. The default wraps
// bull.New; tests substitute their own.
type EngineFactory func(queueName string, factory bull.ClientFactory) (bull.Engine, error)

func defaultEngineFactory(queueName string, factory bull.ClientFactory) (bull.Engine, error) {
	return bull.New(queueName, factory)
}

// Registry owns the live set of monitored queues. Like the connection
// registry it is constructed explicitly and holds its mutex across whole
// mutation sequences.
type Registry struct {
	store   store.Store
	conns   ConnectionSource
	engines EngineFactory
	log     *slog.Logger
	tracer  trace.Tracer

	mu     sync.Mutex
	queues []*Queue

	// attach, when set, is invoked with every engine the registry brings up
	// so event fan-out can follow registration automatically.
	attach func(q *Queue)
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

// WithEngineFactory overrides how engines are built from configs.
func WithEngineFactory(f EngineFactory) Option {
	return func(r *Registry) { r.engines = f }
}

// WithAttachHook registers a callback fired for each queue the registry
// instantiates, whether at startup or through Add/Update.
func WithAttachHook(attach func(q *Queue)) Option {
	return func(r *Registry) { r.attach = attach }
}

// NewRegistry creates a queue registry backed by the given store, resolving
// connections through src.
func NewRegistry(st store.Store, src ConnectionSource, opts ...Option) *Registry {
	r := &Registry{
		store:   st,
		conns:   src,
		engines: defaultEngineFactory,
		log:     slog.Default(),
		tracer:  noop.NewTracerProvider().Tracer("banteng/queue"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// InitializeAll loads every persisted queue config and brings up an engine
// per entry. A record that fails to decode, or that points at a connection
// id no longer registered, is logged and skipped; startup never fails on one
// bad queue.
func (r *Registry) InitializeAll(ctx context.Context) error {
	records, err := r.store.All(ctx, store.NamespaceQueues)
	if err != nil {
		return fmt.Errorf("loading queue configs: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, raw := range records {
		var cfg Config
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			r.log.Warn("skipping unreadable queue config", "component", "queue", "id", id, "error", err)
			continue
		}
		q, err := r.buildQueue(cfg)
		if err != nil {
			r.log.Warn("skipping queue", "component", "queue", "id", id, "name", cfg.FriendlyName, "error", err)
			continue
		}
		r.queues = append(r.queues, q)
		r.log.Info("loaded queue", "component", "queue", "id", id, "slug", cfg.Slug, "connection", cfg.ConnectionID)
		if r.attach != nil {
			r.attach(q)
		}
	}
	return nil
}

// buildQueue resolves the config's connection and constructs its engine.
func (r *Registry) buildQueue(cfg Config) (*Queue, error) {
	c, err := r.conns.FindByID(cfg.ConnectionID)
	if err != nil {
		return nil, err
	}
	eng, err := r.engines(cfg.QueueName, c.ClientFactory())
	if err != nil {
		return nil, fmt.Errorf("building engine for queue %q: %w", cfg.QueueName, err)
	}
	return &Queue{Config: cfg, Engine: eng}, nil
}

// List returns a snapshot of the live set.
func (r *Registry) List() []*Queue {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Queue, len(r.queues))
	copy(out, r.queues)
	return out
}

// FindBySlug returns the queue registered under the given slug.
func (r *Registry) FindBySlug(s string) (*Queue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, q := range r.queues {
		if q.Config.Slug == s {
			return q, nil
		}
	}
	return nil, regerr.New("queue", "find", regerr.CodeNotFound,
		fmt.Sprintf("no queue with slug %q", s))
}

// FindByID returns the queue with the given id.
func (r *Registry) FindByID(id string) (*Queue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, _, err := r.findByIDLocked(id)
	return q, err
}

func (r *Registry) findByIDLocked(id string) (*Queue, int, error) {
	for i, q := range r.queues {
		if q.Config.ID == id {
			return q, i, nil
		}
	}
	return nil, -1, regerr.New("queue", "find", regerr.CodeNotFound,
		fmt.Sprintf("no queue %q", id))
}

// FindByName returns the queue whose friendly name matches exactly.
func (r *Registry) FindByName(name string) (*Queue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, q := range r.queues {
		if q.Config.FriendlyName == name {
			return q, nil
		}
	}
	return nil, regerr.New("queue", "find", regerr.CodeNotFound,
		fmt.Sprintf("no queue named %q", name))
}

// HasConnection reports whether any registered queue is bound to the given
// connection id. Wired into the connection registry's in-use guard.
func (r *Registry) HasConnection(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, q := range r.queues {
		if q.Config.ConnectionID == connID {
			return true
		}
	}
	return false
}

// AddInput is what a caller supplies to register a queue; id and slug are
// derived.
type AddInput struct {
	FriendlyName string
	QueueName    string
	ConnectionID string
	DataFields   []DataField
}

// Add registers a queue and returns the slug it can be addressed by.
//
// Friendly names are unique case-insensitively: names that slugify to the
// same value collide. Uniqueness is claimed in the store first so two
// processes sharing a backend cannot both win the same name.
func (r *Registry) Add(ctx context.Context, in AddInput) (string, error) {
	ctx, span := r.tracer.Start(ctx, "queue.add")
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()

	cfg := Config{
		ID:           uuid.NewString(),
		Slug:         slug.Make(in.FriendlyName),
		FriendlyName: in.FriendlyName,
		QueueName:    in.QueueName,
		ConnectionID: in.ConnectionID,
		DataFields:   in.DataFields,
	}

	ok, err := r.store.SetNX(ctx, store.NamespaceQueueNames, cfg.Slug, cfg.ID)
	if err != nil {
		return "", regerr.New("queue", "add", regerr.CodePersistence,
			fmt.Sprintf("claiming queue name %q", cfg.FriendlyName)).WithCause(err)
	}
	if !ok {
		return "", regerr.New("queue", "add", regerr.CodeDuplicateName,
			fmt.Sprintf("a queue named %q already exists", cfg.FriendlyName))
	}

	q, err := r.buildQueue(cfg)
	if err != nil {
		// Roll the name claim back so a fixed request can retry.
		if derr := r.store.Delete(ctx, store.NamespaceQueueNames, cfg.Slug); derr != nil {
			r.log.Error("releasing queue name after failed add", "component", "queue", "slug", cfg.Slug, "error", derr)
		}
		return "", err
	}

	if err := r.persist(ctx, cfg); err != nil {
		q.Engine.Close(ctx)
		if derr := r.store.Delete(ctx, store.NamespaceQueueNames, cfg.Slug); derr != nil {
			r.log.Error("releasing queue name after failed add", "component", "queue", "slug", cfg.Slug, "error", derr)
		}
		return "", err
	}

	r.queues = append(r.queues, q)
	r.log.Info("queue added", "component", "queue", "id", cfg.ID, "slug", cfg.Slug, "queue", cfg.QueueName, "connection", cfg.ConnectionID)
	if r.attach != nil {
		r.attach(q)
	}
	return cfg.Slug, nil
}

func (r *Registry) persist(ctx context.Context, cfg Config) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding queue config %q: %w", cfg.ID, err)
	}
	if err := r.store.Set(ctx, store.NamespaceQueues, cfg.ID, string(raw)); err != nil {
		return regerr.New("queue", "persist", regerr.CodePersistence,
			fmt.Sprintf("persisting queue %q", cfg.ID)).WithCause(err)
	}
	return nil
}

// UpdateByID replaces a queue's config in place. The new engine is built and
// the new config persisted before anything live changes; only then is the
// entry swapped and the old engine closed. A failure partway leaves the old
// queue running untouched.
func (r *Registry) UpdateByID(ctx context.Context, id string, in AddInput) (*Queue, error) {
	ctx, span := r.tracer.Start(ctx, "queue.update")
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()

	old, idx, err := r.findByIDLocked(id)
	if err != nil {
		return nil, err
	}

	cfg := Config{
		ID:           id,
		Slug:         slug.Make(in.FriendlyName),
		FriendlyName: in.FriendlyName,
		QueueName:    in.QueueName,
		ConnectionID: in.ConnectionID,
		DataFields:   in.DataFields,
	}

	renamed := cfg.Slug != old.Config.Slug
	if renamed {
		ok, err := r.store.SetNX(ctx, store.NamespaceQueueNames, cfg.Slug, cfg.ID)
		if err != nil {
			return nil, regerr.New("queue", "update", regerr.CodePersistence,
				fmt.Sprintf("claiming queue name %q", cfg.FriendlyName)).WithCause(err)
		}
		if !ok {
			return nil, regerr.New("queue", "update", regerr.CodeDuplicateName,
				fmt.Sprintf("a queue named %q already exists", cfg.FriendlyName))
		}
	}

	q, err := r.buildQueue(cfg)
	if err != nil {
		if renamed {
			_ = r.store.Delete(ctx, store.NamespaceQueueNames, cfg.Slug)
		}
		return nil, err
	}

	if err := r.persist(ctx, cfg); err != nil {
		q.Engine.Close(ctx)
		if renamed {
			_ = r.store.Delete(ctx, store.NamespaceQueueNames, cfg.Slug)
		}
		return nil, err
	}
	if renamed {
		if err := r.store.Delete(ctx, store.NamespaceQueueNames, old.Config.Slug); err != nil {
			r.log.Error("releasing old queue name", "component", "queue", "slug", old.Config.Slug, "error", err)
		}
	}

	r.queues[idx] = q
	if err := old.Engine.Close(ctx); err != nil {
		r.log.Warn("closing replaced engine", "component", "queue", "id", id, "error", err)
	}
	r.log.Info("queue updated", "component", "queue", "id", id, "slug", cfg.Slug, "connection", cfg.ConnectionID)
	if r.attach != nil {
		r.attach(q)
	}
	return q, nil
}

// RemoveBySlug tears down a queue: engine closed, config and name claim
// deleted, entry dropped from the live set. Returns the removed queue's id.
func (r *Registry) RemoveBySlug(ctx context.Context, s string) (string, error) {
	ctx, span := r.tracer.Start(ctx, "queue.remove")
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()

	idx := -1
	for i, q := range r.queues {
		if q.Config.Slug == s {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", regerr.New("queue", "remove", regerr.CodeNotFound,
			fmt.Sprintf("no queue with slug %q", s))
	}
	q := r.queues[idx]

	if err := q.Engine.Close(ctx); err != nil {
		r.log.Warn("closing removed engine", "component", "queue", "slug", s, "error", err)
	}
	if err := r.store.Delete(ctx, store.NamespaceQueues, q.Config.ID); err != nil {
		return "", regerr.New("queue", "remove", regerr.CodePersistence,
			fmt.Sprintf("deleting queue %q", q.Config.ID)).WithCause(err)
	}
	if err := r.store.Delete(ctx, store.NamespaceQueueNames, s); err != nil {
		r.log.Error("releasing queue name", "component", "queue", "slug", s, "error", err)
	}

	r.queues = append(r.queues[:idx], r.queues[idx+1:]...)
	r.log.Info("queue removed", "component", "queue", "id", q.Config.ID, "slug", s)
	return q.Config.ID, nil
}

// CloseAll shuts down every engine. Used during teardown; the persisted
// configs survive for the next start.
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, q := range r.queues {
		if err := q.Engine.Close(ctx); err != nil {
			r.log.Warn("closing engine", "component", "queue", "slug", q.Config.Slug, "error", err)
		}
	}
	r.queues = nil
}
