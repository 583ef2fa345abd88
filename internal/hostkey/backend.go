package hostkey

import (
	"context"
	"time"

	"keyjawn/internal/logging"

	"go.uber.org/zap"
)

// Backend persists the fingerprint table. Implementations must make
// PutIfAbsent atomic per endpoint.
type Backend interface {
	// Get returns the stored fingerprint for endpoint
	Get(ctx context.Context, endpoint string) (string, bool, error)
	// PutIfAbsent stores value unless a record exists, returning the value that is stored afterwards
	PutIfAbsent(ctx context.Context, endpoint, value string) (string, error)
	// Delete removes the record, if any
	Delete(ctx context.Context, endpoint string) error
	// Close releases any connections
	Close() error
}

// BackendConfig selects and configures a Backend.
type BackendConfig struct {
	Path          string
	EtcdEndpoints []string
	EtcdPrefix    string
}

// NewBackend picks etcd when endpoints are configured and reachable, then the
// YAML file when a path is set, then memory.
func NewBackend(cfg BackendConfig) Backend {
	if len(cfg.EtcdEndpoints) > 0 {
		backend, err := NewEtcdBackend(cfg.EtcdEndpoints, cfg.EtcdPrefix)
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			err = backend.Ping(ctx)
			cancel()
			if err == nil {
				logging.Logger().Info("Using etcd for pinned host keys",
					zap.Strings("endpoints", cfg.EtcdEndpoints))
				return backend
			}
			_ = backend.Close()
		}
		logging.Logger().Warn("etcd unavailable, falling back to local host key storage",
			zap.Strings("endpoints", cfg.EtcdEndpoints),
			zap.Error(err))
	}

	if cfg.Path != "" {
		logging.Logger().Debug("Using file for pinned host keys", zap.String("path", cfg.Path))
		return NewFileBackend(cfg.Path)
	}

	logging.Logger().Info("No host key storage configured, pins last for this process only")
	return NewMemoryBackend()
}
