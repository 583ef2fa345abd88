package remote

import (
	"errors"
	"net"
	"strconv"
	"strings"
)

// AuthMethod selects how a host is authenticated against
type AuthMethod string

const (
	AuthPassword AuthMethod = "password"
	AuthKey      AuthMethod = "key"
)

const (
	// DefaultPort is used when a host config leaves the port unset
	DefaultPort = 22
	// DefaultUploadDirectory is where captured images land when a host does not say otherwise
	DefaultUploadDirectory = "/tmp/keyjawn/"
)

// HostConfig describes one remote endpoint. It is produced by the host registry
// and passed by value into sessions and uploaders, which never mutate it.
type HostConfig struct {
	ID              string     `yaml:"id" json:"id"`
	Label           string     `yaml:"label" json:"label"`
	Hostname        string     `yaml:"hostname" json:"hostname"`
	Port            int        `yaml:"port" json:"port"`
	Username        string     `yaml:"username" json:"username"`
	AuthMethod      AuthMethod `yaml:"auth_method" json:"auth_method"`
	PinnedHostKey   string     `yaml:"pinned_host_key,omitempty" json:"pinned_host_key,omitempty"` // authorized_keys line or SHA256 fingerprint
	UploadDirectory string     `yaml:"upload_directory" json:"upload_directory"`
	PrivateKeyPath  string     `yaml:"private_key_path,omitempty" json:"private_key_path,omitempty"`
}

// Credential carries the secret material for one connect or upload call.
type Credential struct {
	Password   string
	PrivateKey []byte // PEM-encoded private key content
	Passphrase []byte
}

// WithDefaults fills zero-valued optional fields.
func (h HostConfig) WithDefaults() HostConfig {
	if h.Port == 0 {
		h.Port = DefaultPort
	}
	if h.AuthMethod == "" {
		h.AuthMethod = AuthPassword
	}
	if strings.TrimSpace(h.UploadDirectory) == "" {
		h.UploadDirectory = DefaultUploadDirectory
	}
	return h
}

// Validate rejects configs that must never reach the network.
func (h HostConfig) Validate() error {
	if strings.TrimSpace(h.Hostname) == "" {
		return &Error{Kind: KindConfig, Message: "hostname cannot be blank"}
	}
	if strings.TrimSpace(h.Username) == "" {
		return &Error{Kind: KindConfig, Endpoint: h.Endpoint(), Message: "username cannot be blank"}
	}
	if h.Port <= 0 || h.Port > 65535 {
		return &Error{Kind: KindConfig, Endpoint: h.Endpoint(), Message: "port must be between 1 and 65535"}
	}
	// unset means password, as in WithDefaults
	switch h.AuthMethod {
	case AuthPassword, AuthKey, "":
	default:
		return &Error{Kind: KindConfig, Endpoint: h.Endpoint(), Message: "unknown auth method " + strconv.Quote(string(h.AuthMethod))}
	}
	return nil
}

// Endpoint renders the identity key "hostname:port" used for host key pinning.
func (h HostConfig) Endpoint() string {
	return net.JoinHostPort(h.Hostname, strconv.Itoa(h.Port))
}

// DisplayName returns the label, falling back to user@host.
func (h HostConfig) DisplayName() string {
	if strings.TrimSpace(h.Label) != "" {
		return h.Label
	}
	return h.Username + "@" + h.Hostname
}

// UploadDir returns the upload directory with exactly one trailing slash.
func (h HostConfig) UploadDir() string {
	dir := h.UploadDirectory
	if strings.TrimSpace(dir) == "" {
		dir = DefaultUploadDirectory
	}
	trimmed := strings.TrimRight(dir, "/")
	if trimmed == "" {
		return "/"
	}
	return trimmed + "/"
}

// RemotePath joins the upload directory and filename with exactly one slash.
func (h HostConfig) RemotePath(filename string) string {
	return h.UploadDir() + strings.TrimLeft(filename, "/")
}

// ErrNoCredential is returned when the selected auth method has nothing to authenticate with.
var ErrNoCredential = errors.New("no credential for the configured auth method")
