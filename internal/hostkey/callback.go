package hostkey

import (
	"context"
	"fmt"
	"net"
	"strings"

	"keyjawn/internal/logging"
	"keyjawn/internal/remote"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// Fingerprint renders the SHA256 fingerprint of key, the value stored in pins.
func Fingerprint(key ssh.PublicKey) string {
	return ssh.FingerprintSHA256(key)
}

// ParsePinned normalizes a pinned host key into a fingerprint. It accepts a
// "SHA256:..." fingerprint or an OpenSSH public key line such as the output
// of ssh-keyscan.
func ParsePinned(pinned string) (string, error) {
	pinned = strings.TrimSpace(pinned)
	if strings.HasPrefix(pinned, "SHA256:") {
		return pinned, nil
	}

	line := pinned
	// ssh-keyscan prefixes the host name
	if fields := strings.Fields(pinned); len(fields) >= 3 && !strings.HasPrefix(fields[0], "ssh-") && !strings.HasPrefix(fields[0], "ecdsa-") {
		line = strings.Join(fields[1:], " ")
	}
	key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
	if err != nil {
		return "", fmt.Errorf("unrecognized host key %q: %w", logging.TruncateN(pinned, 64), err)
	}
	return Fingerprint(key), nil
}

// HostKeyCallback verifies the presented key against the key pinned in host
// (when set) and then against store with trust on first use. With neither a
// pinned key nor a store every key is accepted.
func HostKeyCallback(ctx context.Context, host remote.HostConfig, store *Store) ssh.HostKeyCallback {
	endpoint := host.Endpoint()

	return func(_ string, _ net.Addr, key ssh.PublicKey) error {
		presented := Fingerprint(key)

		if host.PinnedHostKey != "" {
			want, err := ParsePinned(host.PinnedHostKey)
			if err != nil {
				return &remote.Error{Kind: remote.KindConfig, Endpoint: endpoint, Message: "invalid pinned host key", Err: err}
			}
			if want != presented {
				logging.Logger().Warn("Presented host key does not match the configured key",
					zap.String("endpoint", endpoint),
					zap.String("configured", want),
					zap.String("presented", presented))
				return remote.NewHostKeyMismatch(endpoint, presented)
			}
		}

		if store == nil {
			if host.PinnedHostKey == "" {
				logging.Logger().Warn("Accepting unverified host key",
					zap.String("endpoint", endpoint),
					zap.String("fingerprint", presented))
			}
			return nil
		}

		ok, err := store.VerifyAndPin(ctx, endpoint, presented)
		if err != nil {
			return &remote.Error{Kind: remote.KindIO, Endpoint: endpoint, Message: "host key store unavailable", Err: err}
		}
		if !ok {
			return remote.NewHostKeyMismatch(endpoint, presented)
		}
		return nil
	}
}
