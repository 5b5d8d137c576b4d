package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/banteng-io/banteng/regerr"
)

// DefaultKeyPrefix is prepended to every namespace key, matching the key
// layout the dashboard's default Redis connection has always used.
const DefaultKeyPrefix = "banteng:"

// Redis is a Store backed by one Redis hash per namespace.
type Redis struct {
	client    redis.UniversalClient
	keyPrefix string
}

// RedisOption configures a Redis store.
type RedisOption func(*Redis)

// WithKeyPrefix overrides the prefix prepended to namespace keys.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *Redis) {
		s.keyPrefix = prefix
	}
}

// NewRedis creates a Redis-backed store on an existing client. The client is
// shared with the rest of the process; Close does not close it.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	s := &Redis{
		client:    client,
		keyPrefix: DefaultKeyPrefix,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Redis) key(namespace string) string {
	return s.keyPrefix + namespace
}

// All returns every record in the namespace hash.
func (s *Redis) All(ctx context.Context, namespace string) (map[string]string, error) {
	data, err := s.client.HGetAll(ctx, s.key(namespace)).Result()
	if err != nil {
		return nil, regerr.New("store", "all", regerr.CodePersistence,
			fmt.Sprintf("reading namespace %q", namespace)).WithCause(err)
	}
	return data, nil
}

// Get returns the record for id.
func (s *Redis) Get(ctx context.Context, namespace, id string) (string, error) {
	val, err := s.client.HGet(ctx, s.key(namespace), id).Result()
	if err == redis.Nil {
		return "", regerr.New("store", "get", regerr.CodeNotFound,
			fmt.Sprintf("no record %q in namespace %q", id, namespace))
	}
	if err != nil {
		return "", regerr.New("store", "get", regerr.CodePersistence,
			fmt.Sprintf("reading %q from namespace %q", id, namespace)).WithCause(err)
	}
	return val, nil
}

// Set writes the record for id.
func (s *Redis) Set(ctx context.Context, namespace, id, value string) error {
	if err := s.client.HSet(ctx, s.key(namespace), id, value).Err(); err != nil {
		return regerr.New("store", "set", regerr.CodePersistence,
			fmt.Sprintf("writing %q to namespace %q", id, namespace)).WithCause(err)
	}
	return nil
}

// SetNX writes the record only if id is absent, via HSETNX.
func (s *Redis) SetNX(ctx context.Context, namespace, id, value string) (bool, error) {
	ok, err := s.client.HSetNX(ctx, s.key(namespace), id, value).Result()
	if err != nil {
		return false, regerr.New("store", "setnx", regerr.CodePersistence,
			fmt.Sprintf("conditional write of %q to namespace %q", id, namespace)).WithCause(err)
	}
	return ok, nil
}

// Delete removes the record for id.
func (s *Redis) Delete(ctx context.Context, namespace, id string) error {
	if err := s.client.HDel(ctx, s.key(namespace), id).Err(); err != nil {
		return regerr.New("store", "delete", regerr.CodePersistence,
			fmt.Sprintf("deleting %q from namespace %q", id, namespace)).WithCause(err)
	}
	return nil
}

// Close is a no-op: the underlying client is owned by the caller.
func (s *Redis) Close() error {
	return nil
}
