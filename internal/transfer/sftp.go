package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"keyjawn/internal/logging"
	"keyjawn/internal/remote"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
)

// SFTPUploader writes the file through an SFTP session: create or truncate,
// write, close. The protocol reports a typed status per operation, so no
// acknowledgement parsing is needed.
type SFTPUploader struct {
	opts Options
}

func NewSFTPUploader(opts ...Option) *SFTPUploader {
	return &SFTPUploader{opts: buildOptions(opts)}
}

// Upload pushes content to host's upload directory as filename.
func (u *SFTPUploader) Upload(ctx context.Context, host remote.HostConfig, cred remote.Credential, content []byte, filename string) remote.UploadResult {
	started := time.Now()
	remotePath, err := u.upload(ctx, host, cred, content, filename)
	return finish(string(KindSFTP), host, remotePath, len(content), started, err)
}

func (u *SFTPUploader) upload(ctx context.Context, host remote.HostConfig, cred remote.Credential, content []byte, filename string) (string, error) {
	if err := validateFilename(filename); err != nil {
		return "", err
	}

	client, err := dial(ctx, host, cred, u.opts)
	if err != nil {
		return "", err
	}
	defer remote.SafeClose("ssh client", client.Close)
	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	defer stop()

	sc, err := sftp.NewClient(client)
	if err != nil {
		return "", &remote.Error{Kind: remote.KindProtocol, Message: "failed to start SFTP session", Err: err}
	}
	defer remote.SafeClose("SFTP client", sc.Close)

	if dir := strings.TrimRight(host.UploadDir(), "/"); dir != "" {
		if err := sc.MkdirAll(dir); err != nil {
			return "", sftpFailure("failed to create upload directory "+dir, err)
		}
	}

	remotePath := host.RemotePath(filename)
	f, err := sc.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return "", sftpFailure("failed to create remote file "+remotePath, err)
	}

	n, err := f.Write(content)
	if err != nil {
		_ = f.Close()
		return "", sftpFailure("failed to write remote file "+remotePath, err)
	}
	if n != len(content) {
		_ = f.Close()
		return "", &remote.Error{Kind: remote.KindIO, Message: fmt.Sprintf("short write to %s: %d of %d bytes", remotePath, n, len(content))}
	}
	if err := f.Close(); err != nil {
		return "", sftpFailure("failed to close remote file "+remotePath, err)
	}

	logging.Logger().Debug("SFTP file written",
		zap.String("remote_path", remotePath),
		zap.Int("bytes", n))
	return remotePath, nil
}

// sftpFailure keeps the server's status description in the message
func sftpFailure(action string, err error) error {
	var status *sftp.StatusError
	if errors.As(err, &status) {
		return &remote.Error{Kind: remote.KindIO, Message: action, Err: status}
	}
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
		return &remote.Error{Kind: remote.KindIO, Message: action, Err: err}
	}
	return fmt.Errorf("%s: %w", action, err)
}
