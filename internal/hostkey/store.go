// Package hostkey pins remote host identities on first use and verifies them
// on every later connection.
package hostkey

import (
	"context"
	"net"
	"strconv"
	"sync"

	"keyjawn/internal/logging"

	"go.uber.org/zap"
)

// Store is the only writer of pinned host keys. It is safe for concurrent use;
// verification and the first-use write are serialized per endpoint.
type Store struct {
	backend Backend

	mu    sync.Mutex
	locks map[string]*endpointLock
}

// endpointLock is dropped from the map once nobody holds or waits for it
type endpointLock struct {
	sync.Mutex
	refs int
}

// NewStore wraps backend. A nil backend means memory.
func NewStore(backend Backend) *Store {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	return &Store{
		backend: backend,
		locks:   make(map[string]*endpointLock),
	}
}

// Endpoint renders the identity key for hostname and port.
func Endpoint(hostname string, port int) string {
	return net.JoinHostPort(hostname, strconv.Itoa(port))
}

func (s *Store) lock(endpoint string) func() {
	s.mu.Lock()
	l, ok := s.locks[endpoint]
	if !ok {
		l = &endpointLock{}
		s.locks[endpoint] = l
	}
	l.refs++
	s.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()

		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, endpoint)
		}
		s.mu.Unlock()
	}
}

// VerifyAndPin stores fingerprint when endpoint has never been seen and returns
// true; otherwise it returns whether fingerprint equals the pinned value. A
// mismatch never touches storage.
func (s *Store) VerifyAndPin(ctx context.Context, endpoint, fingerprint string) (bool, error) {
	unlock := s.lock(endpoint)
	defer unlock()

	pinned, ok, err := s.backend.Get(ctx, endpoint)
	if err != nil {
		return false, err
	}
	if ok {
		if pinned != fingerprint {
			logging.Logger().Warn("Host key mismatch",
				zap.String("endpoint", endpoint),
				zap.String("pinned", pinned),
				zap.String("presented", fingerprint))
			return false, nil
		}
		return true, nil
	}

	stored, err := s.backend.PutIfAbsent(ctx, endpoint, fingerprint)
	if err != nil {
		return false, err
	}
	if stored != fingerprint {
		// another process pinned first
		logging.Logger().Warn("Host key pinned concurrently with a different value",
			zap.String("endpoint", endpoint),
			zap.String("pinned", stored),
			zap.String("presented", fingerprint))
		return false, nil
	}

	logging.Logger().Info("Pinned new host key",
		zap.String("endpoint", endpoint),
		zap.String("fingerprint", fingerprint))
	return true, nil
}

// Fingerprint looks up the pinned value without changing anything.
func (s *Store) Fingerprint(ctx context.Context, endpoint string) (string, bool, error) {
	return s.backend.Get(ctx, endpoint)
}

// Forget clears the pin for endpoint so the next connection pins afresh.
// Used when the user deliberately accepts a rotated key.
func (s *Store) Forget(ctx context.Context, endpoint string) error {
	unlock := s.lock(endpoint)
	defer unlock()

	if err := s.backend.Delete(ctx, endpoint); err != nil {
		return err
	}
	logging.Logger().Info("Forgot pinned host key", zap.String("endpoint", endpoint))
	return nil
}

// Close releases the backend
func (s *Store) Close() error {
	return s.backend.Close()
}
