package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/banteng-io/banteng/regerr"
)

// EtcdConfig configures an etcd-backed store.
type EtcdConfig struct {
	// Endpoints is the etcd cluster address list.
	Endpoints []string

	// Prefix is the root under which namespaces are stored. Defaults to "banteng".
	Prefix string

	// DialTimeout bounds connection establishment. Defaults to 5s.
	DialTimeout time.Duration
}

// Etcd is a Store backed by an etcd cluster. Records live at
// <prefix>/<namespace>/<id>; All is a prefix range read and SetNX is a
// transaction conditioned on the key never having been created.
type Etcd struct {
	client *clientv3.Client
	prefix string
}

// NewEtcd connects to the cluster and verifies connectivity.
func NewEtcd(cfg EtcdConfig) (*Etcd, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd endpoints cannot be empty")
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "banteng"
	}

	dialTimeout := cfg.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 5 * time.Second
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	// Verify connectivity with a quick read.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if _, err := cli.Get(ctx, prefix+"/health-check"); err != nil && err != context.DeadlineExceeded {
		cli.Close()
		return nil, fmt.Errorf("etcd health check failed: %w", err)
	}

	return &Etcd{client: cli, prefix: prefix}, nil
}

func (s *Etcd) key(namespace, id string) string {
	return s.prefix + "/" + namespace + "/" + id
}

func (s *Etcd) nsPrefix(namespace string) string {
	return s.prefix + "/" + namespace + "/"
}

// All returns every record under the namespace prefix.
func (s *Etcd) All(ctx context.Context, namespace string) (map[string]string, error) {
	resp, err := s.client.Get(ctx, s.nsPrefix(namespace), clientv3.WithPrefix())
	if err != nil {
		return nil, regerr.New("store", "all", regerr.CodePersistence,
			fmt.Sprintf("reading namespace %q", namespace)).WithCause(err)
	}

	out := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		id := strings.TrimPrefix(string(kv.Key), s.nsPrefix(namespace))
		out[id] = string(kv.Value)
	}
	return out, nil
}

// Get returns the record for id.
func (s *Etcd) Get(ctx context.Context, namespace, id string) (string, error) {
	resp, err := s.client.Get(ctx, s.key(namespace, id))
	if err != nil {
		return "", regerr.New("store", "get", regerr.CodePersistence,
			fmt.Sprintf("reading %q from namespace %q", id, namespace)).WithCause(err)
	}
	if len(resp.Kvs) == 0 {
		return "", regerr.New("store", "get", regerr.CodeNotFound,
			fmt.Sprintf("no record %q in namespace %q", id, namespace))
	}
	return string(resp.Kvs[0].Value), nil
}

// Set writes the record for id.
func (s *Etcd) Set(ctx context.Context, namespace, id, value string) error {
	if _, err := s.client.Put(ctx, s.key(namespace, id), value); err != nil {
		return regerr.New("store", "set", regerr.CodePersistence,
			fmt.Sprintf("writing %q to namespace %q", id, namespace)).WithCause(err)
	}
	return nil
}

// SetNX writes the record only if the key has never been created, using a
// transaction comparing CreateRevision against zero.
func (s *Etcd) SetNX(ctx context.Context, namespace, id, value string) (bool, error) {
	key := s.key(namespace, id)
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, value)).
		Commit()
	if err != nil {
		return false, regerr.New("store", "setnx", regerr.CodePersistence,
			fmt.Sprintf("conditional write of %q to namespace %q", id, namespace)).WithCause(err)
	}
	return resp.Succeeded, nil
}

// Delete removes the record for id.
func (s *Etcd) Delete(ctx context.Context, namespace, id string) error {
	if _, err := s.client.Delete(ctx, s.key(namespace, id)); err != nil {
		return regerr.New("store", "delete", regerr.CodePersistence,
			fmt.Sprintf("deleting %q from namespace %q", id, namespace)).WithCause(err)
	}
	return nil
}

// Close closes the etcd client.
func (s *Etcd) Close() error {
	return s.client.Close()
}
