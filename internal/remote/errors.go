package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

// Kind classifies subsystem failures.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfig
	KindConnection
	KindAuthentication
	KindHostKeyMismatch
	KindProtocol
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindConnection:
		return "connection"
	case KindAuthentication:
		return "authentication"
	case KindHostKeyMismatch:
		return "host_key_mismatch"
	case KindProtocol:
		return "protocol"
	case KindIO:
		return "io"
	default:
		return "unknown"
	}
}

// Error is the value every failure is converted to before it crosses the
// subsystem boundary as ConnectionState.Failed or UploadResult.Error.
type Error struct {
	Kind     Kind
	Endpoint string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Endpoint != "" && e.Kind != KindHostKeyMismatch {
		b.WriteString(e.Endpoint)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is, or wraps, an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind == kind
	}
	return false
}

// NewHostKeyMismatch builds the security event raised when a pinned fingerprint
// disagrees with the one presented by the remote.
func NewHostKeyMismatch(endpoint, presented string) *Error {
	return &Error{
		Kind:     KindHostKeyMismatch,
		Endpoint: endpoint,
		Message: fmt.Sprintf("host key for %s does not match the pinned key (presented %s); "+
			"this may indicate a machine-in-the-middle attack. If the key was rotated deliberately, "+
			"clear the pin with \"keyjawn hostkey forget %s\"", endpoint, presented, endpoint),
	}
}

// NewProtocolError reports an unexpected remote-copy exchange.
func NewProtocolError(endpoint, message string) *Error {
	return &Error{Kind: KindProtocol, Endpoint: endpoint, Message: message}
}

// Classify maps err onto the error taxonomy. Errors already classified pass through.
func Classify(endpoint string, err error) *Error {
	if err == nil {
		return nil
	}

	var re *Error
	if errors.As(err, &re) {
		if re.Endpoint == "" {
			cp := *re
			cp.Endpoint = endpoint
			return &cp
		}
		return re
	}

	var dnsErr *net.DNSError
	var netErr net.Error
	var opErr *net.OpError
	msg := err.Error()

	switch {
	case errors.Is(err, context.Canceled):
		return &Error{Kind: KindConnection, Endpoint: endpoint, Message: "connection cancelled", Err: err}
	case errors.As(err, &dnsErr):
		return &Error{Kind: KindConnection, Endpoint: endpoint, Message: "cannot resolve host", Err: err}
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return &Error{Kind: KindConnection, Endpoint: endpoint, Message: "connection timed out", Err: err}
	case errors.As(err, &opErr):
		return &Error{Kind: KindConnection, Endpoint: endpoint, Message: "connection failed", Err: err}
	case strings.Contains(msg, "unable to authenticate"), errors.Is(err, ErrNoCredential):
		return &Error{Kind: KindAuthentication, Endpoint: endpoint, Message: "authentication failed", Err: err}
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return &Error{Kind: KindIO, Endpoint: endpoint, Message: "connection closed by remote", Err: err}
	case strings.Contains(msg, "handshake failed"):
		return &Error{Kind: KindConnection, Endpoint: endpoint, Message: "SSH handshake failed", Err: err}
	default:
		return &Error{Kind: KindUnknown, Endpoint: endpoint, Message: "remote operation failed", Err: err}
	}
}
