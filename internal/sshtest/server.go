// Package sshtest runs an in-process SSH server for tests. It offers an echo
// shell with a PTY, "mkdir -p" and "scp -t" exec commands backed by memory,
// and a real SFTP subsystem.
package sshtest

import (
	"bufio"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"keyjawn/internal/remote"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Size is a terminal size reported by the client
type Size struct {
	Cols int
	Rows int
}

// PtyRequest is a recorded pty-req
type PtyRequest struct {
	Term string
	Size Size
}

type Option func(*Server)

func WithPassword(user, password string) Option {
	return func(s *Server) {
		s.user = user
		s.password = password
	}
}

// WithAuthorizedKey accepts public key authentication for key
func WithAuthorizedKey(user string, key ssh.PublicKey) Option {
	return func(s *Server) {
		s.user = user
		s.authorized = append(s.authorized, key)
	}
}

// WithAuthDelay stalls every authentication attempt
func WithAuthDelay(d time.Duration) Option {
	return func(s *Server) { s.authDelay = d }
}

// WithMkdirResult makes "mkdir -p" exit with code and write stderr
func WithMkdirResult(code int, stderr string) Option {
	return func(s *Server) {
		s.mkdirExit = code
		s.mkdirStderr = stderr
	}
}

// WithSCPHeaderNack makes the remote-copy sink reject the file header with message
func WithSCPHeaderNack(message string) Option {
	return func(s *Server) { s.headerNack = message }
}

// WithSCPFinalReply replaces the sink's acknowledgement of the file
// terminator with reply, sent verbatim
func WithSCPFinalReply(reply []byte) Option {
	return func(s *Server) { s.finalReply = reply }
}

type Server struct {
	user        string
	password    string
	authorized  []ssh.PublicKey
	authDelay   time.Duration
	mkdirExit   int
	mkdirStderr string
	headerNack  string
	finalReply  []byte

	signer   ssh.Signer
	config   *ssh.ServerConfig
	listener net.Listener
	wg       sync.WaitGroup

	mu             sync.Mutex
	conns          map[*ssh.ServerConn]struct{}
	shells         map[ssh.Channel]struct{}
	ptys           []PtyRequest
	windowChanges  []Size
	commands       []string
	files          map[string][]byte
	keepalives     int
	accepted       int
	sessions       int
	sinksDone      int
	bytesAfterNack int64
	closed         bool
}

// Start listens on a random loopback port
func Start(opts ...Option) (*Server, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, err
	}

	s := &Server{
		user:   "keyjawn",
		signer: signer,
		conns:  make(map[*ssh.ServerConn]struct{}),
		shells: make(map[ssh.Channel]struct{}),
		files:  make(map[string][]byte),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.config = &ssh.ServerConfig{
		PasswordCallback:  s.checkPassword,
		PublicKeyCallback: s.checkPublicKey,
	}
	s.config.AddHostKey(signer)

	s.listener, err = net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	s.wg.Add(1)
	go s.serve()
	return s, nil
}

func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

func (s *Server) Endpoint() string {
	return s.listener.Addr().String()
}

// Fingerprint is the SHA256 fingerprint of the server's host key
func (s *Server) Fingerprint() string {
	return ssh.FingerprintSHA256(s.signer.PublicKey())
}

// AuthorizedHostKey renders the host key as an authorized_keys line
func (s *Server) AuthorizedHostKey() string {
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(s.signer.PublicKey())))
}

// HostConfig points a host at this server
func (s *Server) HostConfig(method remote.AuthMethod) remote.HostConfig {
	return remote.HostConfig{
		ID:         "sshtest",
		Label:      "sshtest",
		Hostname:   "127.0.0.1",
		Port:       s.Port(),
		Username:   s.user,
		AuthMethod: method,
	}
}

func (s *Server) PtyRequests() []PtyRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PtyRequest(nil), s.ptys...)
}

func (s *Server) WindowChanges() []Size {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Size(nil), s.windowChanges...)
}

// LastSize is the most recent size from a pty-req or window-change
func (s *Server) LastSize() Size {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.windowChanges); n > 0 {
		return s.windowChanges[n-1]
	}
	if n := len(s.ptys); n > 0 {
		return s.ptys[n-1].Size
	}
	return Size{}
}

func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// File returns what the remote-copy sink stored at path
func (s *Server) File(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.files[path]
	return b, ok
}

func (s *Server) FileCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.files)
}

// Connections counts accepted TCP connections, whether or not the SSH
// handshake completed
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Sessions counts accepted session channels
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions
}

func (s *Server) KeepAlives() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keepalives
}

// SinksDone counts remote-copy sinks that have seen their channel end
func (s *Server) SinksDone() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sinksDone
}

// BytesAfterNack counts bytes the client sent after a rejected header
func (s *Server) BytesAfterNack() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesAfterNack
}

// CloseShells ends every running shell with exit status 0
func (s *Server) CloseShells() {
	s.mu.Lock()
	shells := make([]ssh.Channel, 0, len(s.shells))
	for ch := range s.shells {
		shells = append(shells, ch)
	}
	s.mu.Unlock()

	for _, ch := range shells {
		sendExitStatus(ch, 0)
		_ = ch.Close()
	}
}

// DropConnections closes every client connection without a clean shutdown
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*ssh.ServerConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	_ = s.listener.Close()
	s.DropConnections()
	s.wg.Wait()
}

func (s *Server) checkPassword(c ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
	if s.authDelay > 0 {
		time.Sleep(s.authDelay)
	}
	if s.password != "" && c.User() == s.user && string(password) == s.password {
		return &ssh.Permissions{}, nil
	}
	return nil, fmt.Errorf("password rejected for %s", c.User())
}

func (s *Server) checkPublicKey(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	if s.authDelay > 0 {
		time.Sleep(s.authDelay)
	}
	if c.User() != s.user {
		return nil, fmt.Errorf("unknown user %s", c.User())
	}
	for _, k := range s.authorized {
		if string(k.Marshal()) == string(key.Marshal()) {
			return &ssh.Permissions{}, nil
		}
	}
	return nil, errors.New("public key rejected")
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.accepted++
		s.mu.Unlock()
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(nc net.Conn) {
	defer s.wg.Done()

	conn, chans, reqs, err := ssh.NewServerConn(nc, s.config)
	if err != nil {
		_ = nc.Close()
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	go s.globalRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			continue
		}
		s.mu.Lock()
		s.sessions++
		s.mu.Unlock()
		go s.handleSession(ch, chReqs)
	}
}

func (s *Server) globalRequests(reqs <-chan *ssh.Request) {
	for req := range reqs {
		if req.Type == "keepalive@openssh.com" {
			s.mu.Lock()
			s.keepalives++
			s.mu.Unlock()
		}
		if req.WantReply {
			_ = req.Reply(false, nil)
		}
	}
}

func (s *Server) handleSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer func() {
		s.mu.Lock()
		delete(s.shells, ch)
		s.mu.Unlock()
		_ = ch.Close()
	}()

	for req := range reqs {
		ok := false
		switch req.Type {
		case "pty-req":
			var p struct {
				Term   string
				Cols   uint32
				Rows   uint32
				Width  uint32
				Height uint32
				Modes  string
			}
			if err := ssh.Unmarshal(req.Payload, &p); err == nil {
				s.mu.Lock()
				s.ptys = append(s.ptys, PtyRequest{Term: p.Term, Size: Size{Cols: int(p.Cols), Rows: int(p.Rows)}})
				s.mu.Unlock()
				ok = true
			}

		case "window-change":
			var w struct {
				Cols   uint32
				Rows   uint32
				Width  uint32
				Height uint32
			}
			if err := ssh.Unmarshal(req.Payload, &w); err == nil {
				s.mu.Lock()
				s.windowChanges = append(s.windowChanges, Size{Cols: int(w.Cols), Rows: int(w.Rows)})
				s.mu.Unlock()
				ok = true
			}

		case "env":
			ok = true

		case "shell":
			ok = true
			s.mu.Lock()
			s.shells[ch] = struct{}{}
			s.mu.Unlock()
			go s.echo(ch)

		case "exec":
			var e struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &e); err == nil {
				ok = true
				go s.exec(ch, e.Command)
			}

		case "subsystem":
			var sub struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &sub); err == nil && sub.Name == "sftp" {
				ok = true
				go s.serveSFTP(ch)
			}
		}
		if req.WantReply {
			_ = req.Reply(ok, nil)
		}
	}
}

func (s *Server) echo(ch ssh.Channel) {
	_, _ = io.Copy(ch, ch)
	sendExitStatus(ch, 0)
	_ = ch.Close()
}

func (s *Server) exec(ch ssh.Channel, command string) {
	s.mu.Lock()
	s.commands = append(s.commands, command)
	s.mu.Unlock()

	switch {
	case strings.HasPrefix(command, "mkdir -p "):
		if s.mkdirStderr != "" {
			_, _ = io.WriteString(ch.Stderr(), s.mkdirStderr)
		}
		sendExitStatus(ch, s.mkdirExit)
	case strings.HasPrefix(command, "scp -t "):
		sendExitStatus(ch, s.sink(ch, unquote(strings.TrimPrefix(command, "scp -t "))))
	default:
		_, _ = fmt.Fprintf(ch.Stderr(), "%s: command not found\n", command)
		sendExitStatus(ch, 127)
	}
	_ = ch.Close()
}

// sink plays the receiving side of one remote-copy transfer
func (s *Server) sink(ch ssh.Channel, target string) int {
	defer func() {
		s.mu.Lock()
		s.sinksDone++
		s.mu.Unlock()
	}()

	r := bufio.NewReader(ch)
	if _, err := ch.Write([]byte{0}); err != nil {
		return 1
	}

	header, err := r.ReadString('\n')
	if err != nil {
		return 1
	}

	if s.headerNack != "" {
		_, _ = ch.Write(append([]byte{2}, s.headerNack+"\n"...))
		n, _ := io.Copy(io.Discard, r)
		s.mu.Lock()
		s.bytesAfterNack += n
		s.mu.Unlock()
		return 1
	}

	size, name, err := parseHeader(header)
	if err != nil {
		_, _ = ch.Write(append([]byte{2}, err.Error()+"\n"...))
		return 1
	}
	if _, err := ch.Write([]byte{0}); err != nil {
		return 1
	}

	content := make([]byte, size)
	if _, err := io.ReadFull(r, content); err != nil {
		return 1
	}
	if b, err := r.ReadByte(); err != nil || b != 0 {
		return 1
	}

	path := target
	if strings.HasSuffix(path, "/") {
		path += name
	}
	if s.finalReply != nil {
		_, _ = ch.Write(s.finalReply)
		_, _ = io.Copy(io.Discard, r)
		return 1
	}

	s.mu.Lock()
	s.files[path] = content
	s.mu.Unlock()

	if _, err := ch.Write([]byte{0}); err != nil {
		return 1
	}
	_, _ = io.Copy(io.Discard, r)
	return 0
}

func (s *Server) serveSFTP(ch ssh.Channel) {
	server, err := sftp.NewServer(ch)
	if err != nil {
		_ = ch.Close()
		return
	}
	_ = server.Serve()
	_ = server.Close()
	sendExitStatus(ch, 0)
	_ = ch.Close()
}

// parseHeader reads "C<mode> <size> <name>\n"
func parseHeader(header string) (int64, string, error) {
	fields := strings.SplitN(strings.TrimRight(header, "\n"), " ", 3)
	if len(fields) != 3 || !strings.HasPrefix(fields[0], "C") {
		return 0, "", fmt.Errorf("protocol error: bad header %q", header)
	}
	size, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil || size < 0 {
		return 0, "", fmt.Errorf("protocol error: bad size %q", fields[1])
	}
	return size, fields[2], nil
}

func unquote(s string) string {
	if len(s) >= 2 && strings.HasPrefix(s, "'") && strings.HasSuffix(s, "'") {
		return strings.ReplaceAll(s[1:len(s)-1], `'\''`, "'")
	}
	return s
}

func sendExitStatus(ch ssh.Channel, code int) {
	_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(code)}))
}
