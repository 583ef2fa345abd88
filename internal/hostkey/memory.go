package hostkey

import (
	"context"
	"sync"
)

// MemoryBackend keeps pins for the lifetime of the process
type MemoryBackend struct {
	mu   sync.RWMutex
	pins map[string]string
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{pins: make(map[string]string)}
}

func (m *MemoryBackend) Get(_ context.Context, endpoint string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.pins[endpoint]
	return v, ok, nil
}

func (m *MemoryBackend) PutIfAbsent(_ context.Context, endpoint, value string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.pins[endpoint]; ok {
		return existing, nil
	}
	m.pins[endpoint] = value
	return value, nil
}

func (m *MemoryBackend) Delete(_ context.Context, endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pins, endpoint)
	return nil
}

func (m *MemoryBackend) Close() error {
	return nil
}
