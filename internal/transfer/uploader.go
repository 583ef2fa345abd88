// Package transfer pushes single files to a remote host, either with the
// classic remote-copy protocol spoken over an exec channel or with SFTP.
package transfer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"keyjawn/internal/hostkey"
	"keyjawn/internal/logging"
	"keyjawn/internal/remote"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// Uploader pushes one file and reports where it landed. Every call opens and
// closes its own connection; failures come back in the result, never as panics.
type Uploader interface {
	Upload(ctx context.Context, host remote.HostConfig, cred remote.Credential, content []byte, filename string) remote.UploadResult
}

// Kind selects an Uploader implementation
type Kind string

const (
	KindSCP  Kind = "scp"
	KindSFTP Kind = "sftp"
)

// ParseKind accepts "scp" or "sftp", case-insensitively
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindSCP, "":
		return KindSCP, nil
	case KindSFTP:
		return KindSFTP, nil
	default:
		return "", fmt.Errorf("unsupported transport: %s", s)
	}
}

// Options configures both uploaders
type Options struct {
	Store       *hostkey.Store
	DialTimeout time.Duration
}

type Option func(*Options)

// WithHostKeyStore verifies and pins host keys through store
func WithHostKeyStore(store *hostkey.Store) Option {
	return func(o *Options) { o.Store = store }
}

// WithDialTimeout bounds connect, handshake and authentication
func WithDialTimeout(d time.Duration) Option {
	return func(o *Options) { o.DialTimeout = d }
}

func buildOptions(opts []Option) Options {
	o := Options{DialTimeout: remote.DefaultDialTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New creates the uploader for kind (factory pattern).
func New(kind Kind, opts ...Option) (Uploader, error) {
	switch kind {
	case KindSCP:
		return NewSCPUploader(opts...), nil
	case KindSFTP:
		return NewSFTPUploader(opts...), nil
	default:
		return nil, fmt.Errorf("unsupported transport: %s", kind)
	}
}

func dial(ctx context.Context, host remote.HostConfig, cred remote.Credential, o Options) (*ssh.Client, error) {
	return remote.Dial(ctx, host, cred, remote.DialOptions{
		Timeout:         o.DialTimeout,
		HostKeyCallback: hostkey.HostKeyCallback(ctx, host, o.Store),
	})
}

// validateFilename keeps the name usable in a remote-copy header line and as a
// single path element
func validateFilename(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return &remote.Error{Kind: remote.KindConfig, Message: "filename cannot be blank"}
	case strings.ContainsAny(name, "/\n\r\x00"):
		return &remote.Error{Kind: remote.KindConfig, Message: fmt.Sprintf("invalid filename %q", name)}
	}
	return nil
}

// finish converts the outcome of one upload into its result and logs it
func finish(transport string, host remote.HostConfig, remotePath string, size int, started time.Time, err error) remote.UploadResult {
	if err != nil {
		classified := remote.Classify(host.Endpoint(), err)
		logging.Logger().Warn("Upload failed",
			zap.String("transport", transport),
			zap.String("endpoint", host.Endpoint()),
			zap.String("kind", classified.Kind.String()),
			zap.Error(classified))
		return remote.UploadFailed(classified)
	}

	logging.Logger().Info("Upload completed",
		zap.String("transport", transport),
		zap.String("endpoint", host.Endpoint()),
		zap.String("remote_path", remotePath),
		zap.Int("bytes", size),
		zap.Duration("elapsed", time.Since(started)))
	return remote.UploadSucceeded(remotePath)
}
