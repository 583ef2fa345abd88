// Package session runs one interactive remote shell over SSH and reports its
// lifecycle through callbacks.
//
// A Session moves Disconnected -> Connecting -> Connected -> Disconnected.
// Any failure while Connecting ends in Failed, from which only a new Connect
// leads out. Once Connected, every way the stream can end (remote close,
// I/O error, keepalive failure, Disconnect) lands in Disconnected.
package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"keyjawn/internal/hostkey"
	"keyjawn/internal/logging"
	"keyjawn/internal/remote"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

const readBufferSize = 32 * 1024

// Session is owned by one caller. All methods are safe to call from any
// goroutine and none of them block on the network.
type Session struct {
	id     string
	opts   Options
	events *dispatcher
	resize chan struct{}

	mu    sync.Mutex
	state remote.ConnectionState
	// gen identifies the current connection attempt; workers of an older
	// attempt compare it before touching state
	gen    uint64
	cancel context.CancelFunc
	client *ssh.Client
	sess   *ssh.Session
	input  *inputQueue
	size   Size
}

func New(opts ...Option) *Session {
	o := buildOptions(opts)
	return &Session{
		id:     uuid.NewString(),
		opts:   o,
		events: newDispatcher(o.OnState, o.OnOutput),
		resize: make(chan struct{}, 1),
		state:  remote.Disconnected,
		size:   o.Size,
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() remote.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect starts connecting to host on a worker goroutine. It is ignored while
// Connecting or Connected.
func (s *Session) Connect(host remote.HostConfig, cred remote.Credential) {
	s.mu.Lock()
	switch s.state.Status {
	case remote.StatusConnecting, remote.StatusConnected:
		state := s.state
		s.mu.Unlock()
		logging.Logger().Debug("Connect ignored",
			zap.String("session_id", s.id),
			zap.String("state", state.String()))
		return
	}

	s.gen++
	gen := s.gen
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.input = newInputQueue()
	s.transition(remote.Connecting)
	s.mu.Unlock()

	logging.Logger().Info("Connecting",
		zap.String("session_id", s.id),
		zap.String("endpoint", host.Endpoint()),
		zap.String("user", host.Username))

	go s.run(ctx, gen, host, cred)
}

// Send queues data for the remote shell. Ignored unless Connected.
func (s *Session) Send(data []byte) {
	if len(data) == 0 {
		return
	}

	s.mu.Lock()
	q := s.input
	connected := s.state.Status == remote.StatusConnected
	s.mu.Unlock()

	if !connected || q == nil {
		return
	}
	q.push(append([]byte(nil), data...))
}

// Resize records the latest terminal size. Bursts collapse to the last value,
// which is applied as soon as a PTY exists.
func (s *Session) Resize(cols, rows int) {
	size := Size{Cols: cols, Rows: rows}
	if !size.valid() {
		logging.Logger().Debug("Ignoring invalid terminal size",
			zap.String("session_id", s.id),
			zap.Int("cols", cols),
			zap.Int("rows", rows))
		return
	}

	s.mu.Lock()
	s.size = size
	s.mu.Unlock()

	select {
	case s.resize <- struct{}{}:
	default:
	}
}

// Disconnect tears down whatever exists and reports Disconnected. Safe to
// call in any state, any number of times.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.gen++
	r := s.detach()
	changed := s.transition(remote.Disconnected)
	s.mu.Unlock()

	r.release()
	if changed {
		logging.Logger().Info("Disconnected", zap.String("session_id", s.id))
	}
}

// Wait blocks until every state change and output chunk produced so far has
// been delivered to the handlers.
func (s *Session) Wait() {
	s.events.wait()
}

// transition must be called with mu held
func (s *Session) transition(next remote.ConnectionState) bool {
	if s.state == next {
		return false
	}
	s.state = next
	s.events.postState(next)
	return true
}

type resources struct {
	cancel context.CancelFunc
	input  *inputQueue
	sess   *ssh.Session
	client *ssh.Client
}

// detach must be called with mu held
func (s *Session) detach() resources {
	r := resources{cancel: s.cancel, input: s.input, sess: s.sess, client: s.client}
	s.cancel, s.input, s.sess, s.client = nil, nil, nil, nil
	return r
}

func (r resources) release() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.input != nil {
		r.input.close()
	}
	if r.sess != nil {
		_ = r.sess.Close()
	}
	if r.client != nil {
		remote.SafeClose("ssh client", r.client.Close)
	}
}

type shell struct {
	client *ssh.Client
	sess   *ssh.Session
	stdin  io.WriteCloser
	stdout io.Reader
	size   Size
}

func (s *Session) run(ctx context.Context, gen uint64, host remote.HostConfig, cred remote.Credential) {
	sh, err := s.open(ctx, gen, host, cred)
	if err != nil {
		s.fail(gen, host, err)
		return
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		_ = sh.sess.Close()
		remote.SafeClose("ssh client", sh.client.Close)
		return
	}
	s.client = sh.client
	s.sess = sh.sess
	input := s.input
	s.transition(remote.Connected)
	s.mu.Unlock()

	logging.Logger().Info("Shell ready",
		zap.String("session_id", s.id),
		zap.String("endpoint", host.Endpoint()),
		zap.Int("cols", sh.size.Cols),
		zap.Int("rows", sh.size.Rows))

	var once sync.Once
	done := func(err error) {
		once.Do(func() { s.finish(gen, host, err) })
	}

	go s.pumpOutput(gen, sh.stdout, done)
	go s.pumpInput(ctx, input, sh.stdin, done)
	go s.applyResizes(ctx, sh.sess, sh.size)
	if s.opts.KeepAlive > 0 {
		go s.keepAlive(ctx, sh.client, done)
	}
}

// open dials and starts the remote shell
func (s *Session) open(ctx context.Context, gen uint64, host remote.HostConfig, cred remote.Credential) (*shell, error) {
	client, err := remote.Dial(ctx, host, cred, remote.DialOptions{
		Timeout:         s.opts.DialTimeout,
		HostKeyCallback: hostkey.HostKeyCallback(ctx, host, s.opts.Store),
	})
	if err != nil {
		return nil, err
	}
	// the client is closed as soon as the attempt is abandoned
	stop := context.AfterFunc(ctx, func() { _ = client.Close() })

	sh, err := s.startShell(gen, client)
	if err != nil {
		stop()
		remote.SafeClose("ssh client", client.Close)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return sh, nil
}

func (s *Session) startShell(gen uint64, client *ssh.Client) (*shell, error) {
	sess, err := client.NewSession()
	if err != nil {
		return nil, remote.NewProtocolError("", "failed to open session channel: "+err.Error())
	}

	s.mu.Lock()
	size := s.size
	s.mu.Unlock()

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty(s.opts.Terminal, size.Rows, size.Cols, modes); err != nil {
		_ = sess.Close()
		return nil, remote.NewProtocolError("", "pseudo-terminal request rejected: "+err.Error())
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		_ = sess.Close()
		return nil, err
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		_ = sess.Close()
		return nil, err
	}
	sess.Stderr = outputWriter{s: s, gen: gen}

	if err := sess.Shell(); err != nil {
		_ = sess.Close()
		return nil, remote.NewProtocolError("", "failed to start shell: "+err.Error())
	}

	return &shell{client: client, sess: sess, stdin: stdin, stdout: stdout, size: size}, nil
}

// fail ends a connection attempt that never reached Connected
func (s *Session) fail(gen uint64, host remote.HostConfig, err error) {
	classified := remote.Classify(host.Endpoint(), err)

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	r := s.detach()
	s.transition(remote.Failed(remote.Describe(classified)))
	s.mu.Unlock()

	r.release()
	logging.Logger().Warn("Connection failed",
		zap.String("session_id", s.id),
		zap.String("endpoint", host.Endpoint()),
		zap.String("kind", classified.Kind.String()),
		zap.Error(classified))
}

// finish tears a Connected session down after one of its pumps ended
func (s *Session) finish(gen uint64, host remote.HostConfig, err error) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.gen++
	r := s.detach()
	s.transition(remote.Disconnected)
	s.mu.Unlock()

	r.release()
	if err != nil {
		logging.Logger().Warn("Session stream failed",
			zap.String("session_id", s.id),
			zap.String("endpoint", host.Endpoint()),
			zap.Error(remote.Classify(host.Endpoint(), err)))
		return
	}
	logging.Logger().Info("Remote closed the session",
		zap.String("session_id", s.id),
		zap.String("endpoint", host.Endpoint()))
}

// emit forwards output belonging to attempt gen
func (s *Session) emit(gen uint64, chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.state.Status != remote.StatusConnected {
		return
	}
	s.events.postOutput(chunk)
}

type outputWriter struct {
	s   *Session
	gen uint64
}

func (w outputWriter) Write(p []byte) (int, error) {
	if len(p) > 0 {
		w.s.emit(w.gen, append([]byte(nil), p...))
	}
	return len(p), nil
}

func (s *Session) pumpOutput(gen uint64, stdout io.Reader, done func(error)) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			s.emit(gen, append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				done(nil)
			} else {
				done(err)
			}
			return
		}
	}
}

func (s *Session) pumpInput(ctx context.Context, input *inputQueue, stdin io.WriteCloser, done func(error)) {
	for {
		chunk, ok := input.pop(ctx)
		if !ok {
			return
		}
		if _, err := stdin.Write(chunk); err != nil {
			done(err)
			return
		}
	}
}

// applyResizes sends window-change requests for the latest recorded size
// whenever it differs from the size the PTY currently has.
func (s *Session) applyResizes(ctx context.Context, sess *ssh.Session, applied Size) {
	apply := func() {
		s.mu.Lock()
		want := s.size
		s.mu.Unlock()
		if want == applied {
			return
		}
		if err := sess.WindowChange(want.Rows, want.Cols); err != nil {
			logging.Logger().Debug("Window change failed",
				zap.String("session_id", s.id),
				zap.Error(err))
			return
		}
		applied = want
	}

	// sizes recorded while the PTY was being negotiated
	apply()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.resize:
			apply()
		}
	}
}

func (s *Session) keepAlive(ctx context.Context, client *ssh.Client, done func(error)) {
	ticker := time.NewTicker(s.opts.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				if ctx.Err() == nil {
					done(err)
				}
				return
			}
		}
	}
}
