package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"keyjawn/internal/logging"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// DefaultDialTimeout bounds TCP connect plus SSH handshake and authentication
const DefaultDialTimeout = 10 * time.Second

// DialOptions tunes Dial.
type DialOptions struct {
	Timeout         time.Duration
	HostKeyCallback ssh.HostKeyCallback
}

// SafeClose closes a resource and logs any error
func SafeClose(name string, closer func() error) {
	if err := closer(); err != nil && !errors.Is(err, net.ErrClosed) {
		logging.Logger().Warn("failed to close resource",
			zap.String("resource", name),
			zap.Error(err))
	}
}

// Dial opens an authenticated SSH client connection to host. Cancelling ctx
// aborts an in-progress handshake. The returned error is always an *Error.
func Dial(ctx context.Context, host HostConfig, cred Credential, opts DialOptions) (*ssh.Client, error) {
	if err := host.Validate(); err != nil {
		return nil, err
	}
	endpoint := host.Endpoint()

	auth, err := AuthMethods(host, cred)
	if err != nil {
		return nil, Classify(endpoint, err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}

	// the handshake error chain does not reliably carry the callback's error,
	// so the first rejection is kept here
	var (
		hostKeyMu  sync.Mutex
		hostKeyErr error
	)
	verify := opts.HostKeyCallback
	if verify == nil {
		verify = ssh.InsecureIgnoreHostKey()
	}

	config := &ssh.ClientConfig{
		User: host.Username,
		Auth: auth,
		HostKeyCallback: func(hostname string, addr net.Addr, key ssh.PublicKey) error {
			if err := verify(hostname, addr, key); err != nil {
				hostKeyMu.Lock()
				hostKeyErr = err
				hostKeyMu.Unlock()
				return err
			}
			return nil
		},
		Timeout: timeout,
	}

	logging.Logger().Debug("Dialing SSH endpoint",
		zap.String("endpoint", endpoint),
		zap.String("user", host.Username),
		zap.String("auth_method", string(host.AuthMethod)),
		zap.Duration("timeout", timeout))

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return nil, Classify(endpoint, err)
	}

	_ = conn.SetDeadline(time.Now().Add(timeout))
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })

	c, chans, reqs, err := ssh.NewClientConn(conn, endpoint, config)
	stopped := stop()
	if err != nil {
		SafeClose("tcp connection", conn.Close)

		hostKeyMu.Lock()
		rejected := hostKeyErr
		hostKeyMu.Unlock()

		switch {
		case rejected != nil:
			return nil, Classify(endpoint, rejected)
		case ctx.Err() != nil:
			return nil, Classify(endpoint, ctx.Err())
		default:
			return nil, Classify(endpoint, err)
		}
	}
	client := ssh.NewClient(c, chans, reqs)
	if !stopped {
		SafeClose("ssh client", client.Close)
		return nil, Classify(endpoint, ctx.Err())
	}
	_ = conn.SetDeadline(time.Time{})

	logging.Logger().Info("SSH connection established",
		zap.String("endpoint", endpoint),
		zap.String("user", host.Username))

	return client, nil
}

// AuthMethods builds the ssh auth methods for the host's configured method.
func AuthMethods(host HostConfig, cred Credential) ([]ssh.AuthMethod, error) {
	switch host.AuthMethod {
	case AuthKey:
		signer, err := loadSigner(host, cred)
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil

	case AuthPassword, "":
		if cred.Password == "" {
			return nil, ErrNoCredential
		}
		password := cred.Password
		return []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = password
				}
				return answers, nil
			}),
		}, nil

	default:
		return nil, &Error{Kind: KindConfig, Endpoint: host.Endpoint(), Message: "unknown auth method " + string(host.AuthMethod)}
	}
}

func loadSigner(host HostConfig, cred Credential) (ssh.Signer, error) {
	keyBytes := cred.PrivateKey
	if len(keyBytes) == 0 && host.PrivateKeyPath != "" {
		data, err := os.ReadFile(expandHome(host.PrivateKeyPath))
		if err != nil {
			return nil, &Error{Kind: KindAuthentication, Endpoint: host.Endpoint(), Message: "failed to read private key", Err: err}
		}
		keyBytes = data
	}
	if len(keyBytes) == 0 {
		return nil, ErrNoCredential
	}

	var (
		signer ssh.Signer
		err    error
	)
	if len(cred.Passphrase) > 0 {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, cred.Passphrase)
	} else {
		signer, err = ssh.ParsePrivateKey(keyBytes)
	}
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, &Error{Kind: KindAuthentication, Endpoint: host.Endpoint(), Message: "private key is passphrase protected"}
		}
		return nil, &Error{Kind: KindAuthentication, Endpoint: host.Endpoint(), Message: "invalid private key", Err: err}
	}
	return signer, nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

// ShellQuote single-quotes s for a POSIX shell.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// ExitStatus returns the remote exit code of err, or -1 when err is not a remote exit.
func ExitStatus(err error) int {
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus()
	}
	return -1
}

// Describe renders err for humans, e.g. in ConnectionState.Failed.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Error()
	}
	return fmt.Sprintf("%v", err)
}
