package hostkey

import (
	"context"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// DefaultEtcdPrefix is the key prefix for pins stored in etcd
const DefaultEtcdPrefix = "/keyjawn/known_hosts/"

// EtcdBackend shares pins between devices through etcd. First pins are
// written in a transaction guarded on the key's create revision, so only one
// writer can win even across processes.
type EtcdBackend struct {
	kv     clientv3.KV
	closer func() error
	prefix string
}

// NewEtcdBackend connects to etcd
func NewEtcdBackend(endpoints []string, prefix string) (*EtcdBackend, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return newEtcdBackend(cli, cli.Close, prefix), nil
}

func newEtcdBackend(kv clientv3.KV, closer func() error, prefix string) *EtcdBackend {
	return &EtcdBackend{kv: kv, closer: closer, prefix: normalizePrefix(prefix)}
}

func normalizePrefix(prefix string) string {
	if prefix == "" {
		return DefaultEtcdPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix
}

func (e *EtcdBackend) key(endpoint string) string {
	return e.prefix + endpoint
}

// Ping checks that the cluster answers reads
func (e *EtcdBackend) Ping(ctx context.Context) error {
	_, err := e.kv.Get(ctx, e.prefix+"_ping")
	return err
}

func (e *EtcdBackend) Get(ctx context.Context, endpoint string) (string, bool, error) {
	resp, err := e.kv.Get(ctx, e.key(endpoint))
	if err != nil {
		return "", false, fmt.Errorf("failed to get host key from etcd: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return "", false, nil
	}
	return string(resp.Kvs[0].Value), true, nil
}

func (e *EtcdBackend) PutIfAbsent(ctx context.Context, endpoint, value string) (string, error) {
	key := e.key(endpoint)

	// a concurrent Forget can delete the record between the failed compare and
	// the read, so retry a few times
	for attempt := 0; attempt < 3; attempt++ {
		resp, err := e.kv.Txn(ctx).
			If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
			Then(clientv3.OpPut(key, value)).
			Else(clientv3.OpGet(key)).
			Commit()
		if err != nil {
			return "", fmt.Errorf("failed to pin host key in etcd: %w", err)
		}
		if resp.Succeeded {
			return value, nil
		}
		for _, r := range resp.Responses {
			if rng := r.GetResponseRange(); rng != nil && len(rng.Kvs) > 0 {
				return string(rng.Kvs[0].Value), nil
			}
		}
	}
	return "", fmt.Errorf("failed to pin host key in etcd: record for %s keeps changing", endpoint)
}

func (e *EtcdBackend) Delete(ctx context.Context, endpoint string) error {
	if _, err := e.kv.Delete(ctx, e.key(endpoint)); err != nil {
		return fmt.Errorf("failed to delete host key from etcd: %w", err)
	}
	return nil
}

func (e *EtcdBackend) Close() error {
	return e.closer()
}
