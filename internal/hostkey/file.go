package hostkey

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// fileDocument is the on-disk layout of the fingerprint table
type fileDocument struct {
	Fingerprints map[string]string `yaml:"fingerprints"`
}

// FileBackend stores pins in a YAML file. The file is re-read on every call
// so pins written by another process are seen, and rewritten through a temp
// file and rename.
type FileBackend struct {
	mu   sync.Mutex
	path string
}

func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

// Path returns the backing file
func (f *FileBackend) Path() string {
	return f.path
}

func (f *FileBackend) Get(_ context.Context, endpoint string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	pins, err := f.load()
	if err != nil {
		return "", false, err
	}
	v, ok := pins[endpoint]
	return v, ok, nil
}

func (f *FileBackend) PutIfAbsent(_ context.Context, endpoint, value string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	pins, err := f.load()
	if err != nil {
		return "", err
	}
	if existing, ok := pins[endpoint]; ok {
		return existing, nil
	}
	pins[endpoint] = value
	if err := f.save(pins); err != nil {
		return "", err
	}
	return value, nil
}

func (f *FileBackend) Delete(_ context.Context, endpoint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	pins, err := f.load()
	if err != nil {
		return err
	}
	if _, ok := pins[endpoint]; !ok {
		return nil
	}
	delete(pins, endpoint)
	return f.save(pins)
}

func (f *FileBackend) Close() error {
	return nil
}

func (f *FileBackend) load() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return make(map[string]string), nil
		}
		return nil, fmt.Errorf("failed to read host key file: %w", err)
	}

	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse host key file %s: %w", f.path, err)
	}
	if doc.Fingerprints == nil {
		doc.Fingerprints = make(map[string]string)
	}
	return doc.Fingerprints, nil
}

func (f *FileBackend) save(pins map[string]string) error {
	data, err := yaml.Marshal(fileDocument{Fingerprints: pins})
	if err != nil {
		return fmt.Errorf("failed to marshal host keys: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create host key directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".known_hosts-*")
	if err != nil {
		return fmt.Errorf("failed to create temp host key file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write host key file: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to set host key file permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write host key file: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		return fmt.Errorf("failed to replace host key file: %w", err)
	}
	return nil
}
