package transfer

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"keyjawn/internal/logging"
	"keyjawn/internal/remote"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// remote-copy acknowledgement bytes
const (
	ackOK      byte = 0x00
	ackWarning byte = 0x01
	ackFatal   byte = 0x02
)

// SCPUploader speaks the remote-copy sink protocol ("scp -t") directly:
// header line, ack, raw bytes, terminator, ack.
type SCPUploader struct {
	opts Options
}

func NewSCPUploader(opts ...Option) *SCPUploader {
	return &SCPUploader{opts: buildOptions(opts)}
}

// Upload pushes content to host's upload directory as filename.
func (u *SCPUploader) Upload(ctx context.Context, host remote.HostConfig, cred remote.Credential, content []byte, filename string) remote.UploadResult {
	started := time.Now()
	remotePath, err := u.upload(ctx, host, cred, content, filename)
	return finish(string(KindSCP), host, remotePath, len(content), started, err)
}

func (u *SCPUploader) upload(ctx context.Context, host remote.HostConfig, cred remote.Credential, content []byte, filename string) (string, error) {
	if err := validateFilename(filename); err != nil {
		return "", err
	}

	client, err := dial(ctx, host, cred, u.opts)
	if err != nil {
		return "", err
	}
	defer remote.SafeClose("ssh client", client.Close)

	if err := ensureDirectory(ctx, client, host.UploadDir()); err != nil {
		return "", err
	}

	remotePath := host.RemotePath(filename)
	if err := push(ctx, client, remotePath, filename, content); err != nil {
		return "", err
	}
	return remotePath, nil
}

// ensureDirectory runs mkdir -p on the remote. An "exists" complaint is fine,
// any other non-zero exit is not.
func ensureDirectory(ctx context.Context, client *ssh.Client, dir string) error {
	sess, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to open session for mkdir: %w", err)
	}
	defer remote.SafeClose("mkdir session", sess.Close)
	stop := context.AfterFunc(ctx, func() { _ = sess.Close() })
	defer stop()

	var stderr bytes.Buffer
	sess.Stderr = &stderr

	command := "mkdir -p " + remote.ShellQuote(dir)
	logging.Logger().Debug("Ensuring upload directory", zap.String("command", command))

	err = sess.Run(command)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	code := remote.ExitStatus(err)
	if code < 0 {
		return fmt.Errorf("mkdir failed: %w", err)
	}
	msg := strings.TrimSpace(stderr.String())
	if strings.Contains(msg, "File exists") {
		return nil
	}
	return &remote.Error{
		Kind:    remote.KindIO,
		Message: fmt.Sprintf("failed to create upload directory %s (exit %d): %s", dir, code, logging.Truncate(msg)),
	}
}

// push runs the sink and walks it through one file.
func push(ctx context.Context, client *ssh.Client, remotePath, filename string, content []byte) error {
	sess, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to open remote copy session: %w", err)
	}
	defer remote.SafeClose("remote copy session", sess.Close)

	stdin, err := sess.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open remote copy stdin: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open remote copy stdout: %w", err)
	}
	if err := sess.Start("scp -t " + remote.ShellQuote(remotePath)); err != nil {
		return fmt.Errorf("failed to start remote copy: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { _ = sess.Close() })
	defer stop()

	acks := bufio.NewReader(stdout)

	// the sink acknowledges once it is ready to receive
	if err := readAck(acks); err != nil {
		return err
	}

	if err := writeHeader(stdin, int64(len(content)), filename); err != nil {
		return fmt.Errorf("failed to send file header: %w", err)
	}
	if err := readAck(acks); err != nil {
		return err
	}

	if _, err := stdin.Write(content); err != nil {
		return fmt.Errorf("failed to send file content: %w", err)
	}
	if _, err := stdin.Write([]byte{ackOK}); err != nil {
		return fmt.Errorf("failed to send file terminator: %w", err)
	}
	if err := readAck(acks); err != nil {
		return err
	}

	// end of transfer: the sink exits once stdin closes
	_ = stdin.Close()
	if err := sess.Wait(); err != nil && ctx.Err() == nil {
		logging.Logger().Debug("remote copy sink exited with error after final ack",
			zap.String("remote_path", remotePath),
			zap.Error(err))
	}
	return nil
}

// writeHeader sends "C0644 <size> <filename>\n".
func writeHeader(w io.Writer, size int64, filename string) error {
	_, err := fmt.Fprintf(w, "C0644 %d %s\n", size, filename)
	return err
}

// readAck consumes one acknowledgement. A nack's newline-terminated message is
// always drained so the channel stays consistent.
func readAck(r *bufio.Reader) error {
	b, err := r.ReadByte()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return remote.NewProtocolError("", "remote closed the copy channel before acknowledging")
		}
		return fmt.Errorf("failed to read acknowledgement: %w", err)
	}

	switch b {
	case ackOK:
		return nil
	case ackWarning, ackFatal:
		msg, err := r.ReadString('\n')
		msg = strings.TrimRight(msg, "\r\n")
		if err != nil && msg == "" {
			msg = "remote copy failed without a message"
		}
		return &remote.Error{Kind: remote.KindProtocol, Message: msg}
	default:
		return remote.NewProtocolError("", fmt.Sprintf("unexpected acknowledgement byte 0x%02x", b))
	}
}
