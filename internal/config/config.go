package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"keyjawn/internal/hostkey"
	"keyjawn/internal/remote"
	"keyjawn/internal/transfer"

	"github.com/google/uuid"
	"github.com/kevinburke/ssh_config"
	"gopkg.in/yaml.v2"
)

const (
	DefaultFileName          = "keyjawn.yaml"
	DefaultKeepAlive         = 30 * time.Second
	DefaultUploadConcurrency = 4
)

// KnownHosts selects where pinned host key fingerprints live
type KnownHosts struct {
	Path          string   `yaml:"path"`
	EtcdEndpoints []string `yaml:"etcd_endpoints,omitempty"`
	EtcdPrefix    string   `yaml:"etcd_prefix,omitempty"`
}

// Config contains application configuration
type Config struct {
	// Registered remote hosts
	Hosts []remote.HostConfig `yaml:"hosts"`
	// ID or label of the host used when none is given on the command line
	ActiveHost string `yaml:"active_host"`

	// Upload transport, "scp" or "sftp"
	Transport  string     `yaml:"transport"`
	KnownHosts KnownHosts `yaml:"known_hosts"`

	DialTimeout       time.Duration `yaml:"dial_timeout"`
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"`

	// Private key used by hosts with auth_method "key" and no private_key_path
	IdentityKey       string `yaml:"identity_key"`
	UploadConcurrency int    `yaml:"upload_concurrency"`
}

// Path resolves the config file location: explicit path, then KEYJAWN_CONFIG,
// then keyjawn.yaml in the user config directory.
func Path(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if p := os.Getenv("KEYJAWN_CONFIG"); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return DefaultFileName
	}
	return filepath.Join(dir, "keyjawn", DefaultFileName)
}

func defaultDataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "."
	}
	return filepath.Join(dir, "keyjawn")
}

// Default returns a configuration with no hosts
func Default() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Transport:         string(transfer.KindSCP),
		KnownHosts:        KnownHosts{Path: filepath.Join(dataDir, "known_hosts.yaml")},
		DialTimeout:       remote.DefaultDialTimeout,
		KeepAliveInterval: DefaultKeepAlive,
		IdentityKey:       filepath.Join(dataDir, "id_ed25519"),
		UploadConcurrency: DefaultUploadConcurrency,
	}
}

// Load loads configuration from a YAML file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	config := Default()

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	config.expandEnv()
	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Save writes the configuration, replacing the file atomically
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".keyjawn-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set config permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

func (c *Config) expandEnv() {
	c.ActiveHost = os.ExpandEnv(c.ActiveHost)
	c.Transport = os.ExpandEnv(c.Transport)
	c.KnownHosts.Path = os.ExpandEnv(c.KnownHosts.Path)
	c.KnownHosts.EtcdPrefix = os.ExpandEnv(c.KnownHosts.EtcdPrefix)
	for i, ep := range c.KnownHosts.EtcdEndpoints {
		c.KnownHosts.EtcdEndpoints[i] = os.ExpandEnv(ep)
	}
	c.IdentityKey = os.ExpandEnv(c.IdentityKey)

	for i := range c.Hosts {
		h := &c.Hosts[i]
		h.Hostname = os.ExpandEnv(h.Hostname)
		h.Username = os.ExpandEnv(h.Username)
		h.UploadDirectory = os.ExpandEnv(h.UploadDirectory)
		h.PrivateKeyPath = os.ExpandEnv(h.PrivateKeyPath)
		h.PinnedHostKey = os.ExpandEnv(h.PinnedHostKey)
	}
}

func (c *Config) applyDefaults() {
	if c.Transport == "" {
		c.Transport = string(transfer.KindSCP)
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = remote.DefaultDialTimeout
	}
	if c.KeepAliveInterval < 0 {
		c.KeepAliveInterval = 0
	}
	if c.UploadConcurrency <= 0 {
		c.UploadConcurrency = DefaultUploadConcurrency
	}

	for i := range c.Hosts {
		h := c.Hosts[i].WithDefaults()
		if h.ID == "" {
			h.ID = uuid.NewString()
		}
		if h.Label == "" {
			h.Label = h.Hostname
		}
		if h.AuthMethod == remote.AuthKey && h.PrivateKeyPath == "" {
			h.PrivateKeyPath = c.IdentityKey
		}
		c.Hosts[i] = h
	}
}

// Validate checks every host and the top-level settings
func (c *Config) Validate() error {
	if _, err := transfer.ParseKind(c.Transport); err != nil {
		return err
	}

	ids := make(map[string]bool, len(c.Hosts))
	for _, h := range c.Hosts {
		if err := h.Validate(); err != nil {
			return fmt.Errorf("host %q: %w", h.DisplayName(), err)
		}
		if h.PinnedHostKey != "" {
			if _, err := hostkey.ParsePinned(h.PinnedHostKey); err != nil {
				return fmt.Errorf("host %q: %w", h.DisplayName(), err)
			}
		}
		if ids[h.ID] {
			return fmt.Errorf("duplicate host id %q", h.ID)
		}
		ids[h.ID] = true
	}

	if c.ActiveHost != "" {
		if _, err := c.Host(c.ActiveHost); err != nil {
			return fmt.Errorf("active_host: %w", err)
		}
	}
	return nil
}

// Host finds a host by ID, then by label
func (c *Config) Host(ref string) (remote.HostConfig, error) {
	for _, h := range c.Hosts {
		if h.ID == ref {
			return h, nil
		}
	}
	for _, h := range c.Hosts {
		if h.Label == ref {
			return h, nil
		}
	}
	return remote.HostConfig{}, fmt.Errorf("unknown host %q", ref)
}

// Active resolves ref, falling back to active_host and then to the only host
func (c *Config) Active(ref string) (remote.HostConfig, error) {
	switch {
	case ref != "":
		return c.Host(ref)
	case c.ActiveHost != "":
		return c.Host(c.ActiveHost)
	case len(c.Hosts) == 1:
		return c.Hosts[0], nil
	case len(c.Hosts) == 0:
		return remote.HostConfig{}, fmt.Errorf("no hosts configured")
	default:
		return remote.HostConfig{}, fmt.Errorf("several hosts configured; pick one with --host or set active_host")
	}
}

// AddHost registers h, replacing a host with the same label
func (c *Config) AddHost(h remote.HostConfig) remote.HostConfig {
	for i, existing := range c.Hosts {
		if existing.Label == h.Label {
			h.ID = existing.ID
			c.Hosts[i] = h
			return h
		}
	}
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	c.Hosts = append(c.Hosts, h)
	return h
}

// RemoveHost drops the host matching ref
func (c *Config) RemoveHost(ref string) error {
	h, err := c.Host(ref)
	if err != nil {
		return err
	}
	for i := range c.Hosts {
		if c.Hosts[i].ID == h.ID {
			c.Hosts = append(c.Hosts[:i], c.Hosts[i+1:]...)
			break
		}
	}
	if c.ActiveHost == h.ID || c.ActiveHost == h.Label {
		c.ActiveHost = ""
	}
	return nil
}

// HostKeyBackend describes the fingerprint store for hostkey.NewBackend
func (c *Config) HostKeyBackend() hostkey.BackendConfig {
	return hostkey.BackendConfig{
		Path:          c.KnownHosts.Path,
		EtcdEndpoints: c.KnownHosts.EtcdEndpoints,
		EtcdPrefix:    c.KnownHosts.EtcdPrefix,
	}
}

// ImportSSHConfig builds a host from the alias entry of an OpenSSH client
// config. A configured IdentityFile selects key authentication.
func ImportSSHConfig(alias string, r io.Reader) (remote.HostConfig, error) {
	cfg, err := ssh_config.Decode(r)
	if err != nil {
		return remote.HostConfig{}, fmt.Errorf("failed to parse ssh config: %w", err)
	}

	get := func(key string) string {
		v, _ := cfg.Get(alias, key)
		return strings.TrimSpace(v)
	}

	host := remote.HostConfig{
		Label:      alias,
		Hostname:   get("HostName"),
		Username:   get("User"),
		AuthMethod: remote.AuthPassword,
	}
	if host.Hostname == "" {
		host.Hostname = alias
	}
	if host.Username == "" {
		return remote.HostConfig{}, fmt.Errorf("ssh config has no User for %q", alias)
	}

	if p := get("Port"); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return remote.HostConfig{}, fmt.Errorf("invalid Port %q for %q", p, alias)
		}
		host.Port = port
	}
	if identity := get("IdentityFile"); identity != "" {
		host.AuthMethod = remote.AuthKey
		host.PrivateKeyPath = identity
	}

	host = host.WithDefaults()
	if err := host.Validate(); err != nil {
		return remote.HostConfig{}, err
	}
	return host, nil
}
