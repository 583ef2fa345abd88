package session_test

import (
	"bytes"
	"context"
	"sync"
	"time"

	"keyjawn/internal/hostkey"
	"keyjawn/internal/remote"
	"keyjawn/internal/session"
	"keyjawn/internal/sshtest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// recorder collects everything a session reports
type recorder struct {
	mu     sync.Mutex
	states []remote.ConnectionState
	output bytes.Buffer
}

func (r *recorder) onState(s remote.ConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) onOutput(b []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output.Write(b)
}

func (r *recorder) States() []remote.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]remote.ConnectionState(nil), r.states...)
}

func (r *recorder) Output() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.output.String()
}

func (r *recorder) Last() remote.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return remote.Disconnected
	}
	return r.states[len(r.states)-1]
}

const (
	user     = "deploy"
	password = "hunter2"
)

var _ = Describe("Session", func() {
	var (
		server *sshtest.Server
		rec    *recorder
		store  *hostkey.Store
		host   remote.HostConfig
		cred   remote.Credential
	)

	newSession := func(opts ...session.Option) *session.Session {
		opts = append([]session.Option{
			session.WithStateHandler(rec.onState),
			session.WithOutputHandler(rec.onOutput),
			session.WithHostKeyStore(store),
			session.WithDialTimeout(5 * time.Second),
		}, opts...)
		s := session.New(opts...)
		DeferCleanup(s.Disconnect)
		return s
	}

	startServer := func(opts ...sshtest.Option) {
		var err error
		server, err = sshtest.Start(append([]sshtest.Option{sshtest.WithPassword(user, password)}, opts...)...)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(server.Close)
		host = server.HostConfig(remote.AuthPassword)
	}

	BeforeEach(func() {
		rec = &recorder{}
		store = hostkey.NewStore(hostkey.NewMemoryBackend())
		cred = remote.Credential{Password: password}
	})

	Context("with a reachable host", func() {
		BeforeEach(func() {
			startServer()
		})

		It("connects, echoes input and pins the host key", func() {
			s := newSession()
			s.Connect(host, cred)
			Eventually(s.State, 5*time.Second).Should(Equal(remote.Connected))

			s.Send([]byte("hello\n"))
			Eventually(rec.Output, 5*time.Second).Should(ContainSubstring("hello"))

			fp, ok, err := store.Fingerprint(context.Background(), host.Endpoint())
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(fp).To(Equal(server.Fingerprint()))

			ptys := server.PtyRequests()
			Expect(ptys).To(HaveLen(1))
			Expect(ptys[0].Term).To(Equal("xterm-256color"))
			Expect(ptys[0].Size).To(Equal(sshtest.Size{Cols: 80, Rows: 24}))
		})

		It("reports the states in order", func() {
			s := newSession()
			s.Connect(host, cred)
			Eventually(s.State, 5*time.Second).Should(Equal(remote.Connected))

			s.Disconnect()
			s.Wait()
			Expect(rec.States()).To(Equal([]remote.ConnectionState{
				remote.Connecting,
				remote.Connected,
				remote.Disconnected,
			}))
		})

		It("ignores Connect while connecting or connected", func() {
			s := newSession()
			s.Connect(host, cred)
			s.Connect(host, cred)
			Eventually(s.State, 5*time.Second).Should(Equal(remote.Connected))
			s.Connect(host, cred)

			Consistently(s.State, 300*time.Millisecond).Should(Equal(remote.Connected))
			Expect(server.Sessions()).To(Equal(1))
			s.Wait()
			Expect(rec.States()).To(Equal([]remote.ConnectionState{remote.Connecting, remote.Connected}))
		})

		It("disconnects idempotently from any state", func() {
			s := newSession()
			s.Disconnect()
			Expect(s.State()).To(Equal(remote.Disconnected))

			s.Connect(host, cred)
			Eventually(s.State, 5*time.Second).Should(Equal(remote.Connected))
			s.Disconnect()
			s.Disconnect()
			Expect(s.State()).To(Equal(remote.Disconnected))

			s.Wait()
			Expect(rec.Last()).To(Equal(remote.Disconnected))
		})

		It("drops input while not connected", func() {
			s := newSession()
			s.Send([]byte("lost\n"))

			s.Connect(host, cred)
			Eventually(s.State, 5*time.Second).Should(Equal(remote.Connected))
			s.Send([]byte("kept\n"))

			Eventually(rec.Output, 5*time.Second).Should(ContainSubstring("kept"))
			Expect(rec.Output()).NotTo(ContainSubstring("lost"))
		})

		It("keeps input order across many sends", func() {
			s := newSession()
			s.Connect(host, cred)
			Eventually(s.State, 5*time.Second).Should(Equal(remote.Connected))

			for _, chunk := range []string{"a", "b", "c", "d", "e"} {
				s.Send([]byte(chunk))
			}
			s.Send([]byte("\n"))
			Eventually(rec.Output, 5*time.Second).Should(ContainSubstring("abcde"))
		})

		It("forwards resizes once connected", func() {
			s := newSession()
			s.Connect(host, cred)
			Eventually(s.State, 5*time.Second).Should(Equal(remote.Connected))

			s.Resize(132, 50)
			Eventually(server.LastSize, 5*time.Second).Should(Equal(sshtest.Size{Cols: 132, Rows: 50}))
		})

		It("ignores invalid sizes", func() {
			s := newSession()
			s.Connect(host, cred)
			Eventually(s.State, 5*time.Second).Should(Equal(remote.Connected))

			s.Resize(0, 50)
			s.Resize(-1, -1)
			Consistently(server.WindowChanges, 300*time.Millisecond).Should(BeEmpty())
		})

		It("goes to Disconnected when the remote ends the shell", func() {
			s := newSession()
			s.Connect(host, cred)
			Eventually(s.State, 5*time.Second).Should(Equal(remote.Connected))

			server.CloseShells()
			Eventually(s.State, 5*time.Second).Should(Equal(remote.Disconnected))
		})

		It("goes to Disconnected, not Failed, when the connection drops", func() {
			s := newSession()
			s.Connect(host, cred)
			Eventually(s.State, 5*time.Second).Should(Equal(remote.Connected))

			server.DropConnections()
			Eventually(s.State, 5*time.Second).Should(Equal(remote.Disconnected))
			s.Wait()
			for _, st := range rec.States() {
				Expect(st.Status).NotTo(Equal(remote.StatusFailed))
			}
		})

		It("can connect again after disconnecting", func() {
			s := newSession()
			s.Connect(host, cred)
			Eventually(s.State, 5*time.Second).Should(Equal(remote.Connected))
			s.Disconnect()

			s.Connect(host, cred)
			Eventually(s.State, 5*time.Second).Should(Equal(remote.Connected))
			Expect(server.Sessions()).To(Equal(2))
		})

		It("sends keepalives when configured", func() {
			s := newSession(session.WithKeepAlive(50 * time.Millisecond))
			s.Connect(host, cred)
			Eventually(s.State, 5*time.Second).Should(Equal(remote.Connected))

			Eventually(server.KeepAlives, 5*time.Second).Should(BeNumerically(">=", 2))
			Expect(s.State()).To(Equal(remote.Connected))
		})
	})

	Context("when resizing before the PTY exists", func() {
		BeforeEach(func() {
			startServer(sshtest.WithAuthDelay(300 * time.Millisecond))
		})

		It("applies only the latest size", func() {
			s := newSession()
			s.Connect(host, cred)
			s.Resize(100, 30)
			s.Resize(120, 40)
			Expect(s.State()).To(Equal(remote.Connecting))

			Eventually(s.State, 5*time.Second).Should(Equal(remote.Connected))
			Eventually(server.LastSize, 5*time.Second).Should(Equal(sshtest.Size{Cols: 120, Rows: 40}))
			for _, size := range server.WindowChanges() {
				Expect(size).NotTo(Equal(sshtest.Size{Cols: 100, Rows: 30}))
			}
		})

		It("abandons the attempt on Disconnect", func() {
			s := newSession()
			s.Connect(host, cred)
			s.Disconnect()

			Expect(s.State()).To(Equal(remote.Disconnected))
			Consistently(s.State, 600*time.Millisecond).Should(Equal(remote.Disconnected))
			Expect(server.PtyRequests()).To(BeEmpty())
		})
	})

	Context("when the connection cannot be established", func() {
		BeforeEach(func() {
			startServer()
		})

		It("fails on a rejected password", func() {
			s := newSession()
			s.Connect(host, remote.Credential{Password: "wrong"})

			Eventually(s.State, 5*time.Second).Should(HaveField("Status", remote.StatusFailed))
			Expect(s.State().Message).To(ContainSubstring("authentication failed"))
			Expect(server.PtyRequests()).To(BeEmpty())
		})

		It("fails on a host key mismatch without requesting a PTY", func() {
			pinned, err := store.VerifyAndPin(context.Background(), host.Endpoint(), "SHA256:AABBprevious")
			Expect(err).NotTo(HaveOccurred())
			Expect(pinned).To(BeTrue())

			s := newSession()
			s.Connect(host, cred)

			Eventually(s.State, 5*time.Second).Should(HaveField("Status", remote.StatusFailed))
			Expect(s.State().Message).To(ContainSubstring("machine-in-the-middle"))
			Expect(server.Sessions()).To(BeZero())
			Expect(server.PtyRequests()).To(BeEmpty())

			fp, _, err := store.Fingerprint(context.Background(), host.Endpoint())
			Expect(err).NotTo(HaveOccurred())
			Expect(fp).To(Equal("SHA256:AABBprevious"))
		})

		It("fails on a configured key that does not match", func() {
			host.PinnedHostKey = "SHA256:notthisone"
			s := newSession()
			s.Connect(host, cred)

			Eventually(s.State, 5*time.Second).Should(HaveField("Status", remote.StatusFailed))
			Expect(s.State().Message).To(ContainSubstring("does not match"))
		})

		It("fails an invalid host without touching the network", func() {
			host.Username = ""
			s := newSession()
			s.Connect(host, cred)

			Eventually(s.State, 5*time.Second).Should(HaveField("Status", remote.StatusFailed))
			Expect(s.State().Message).To(ContainSubstring("username cannot be blank"))
			Consistently(server.Connections, 200*time.Millisecond).Should(BeZero())
		})

		It("fails when nothing listens", func() {
			server.Close()
			s := newSession(session.WithDialTimeout(time.Second))
			s.Connect(host, cred)

			Eventually(s.State, 5*time.Second).Should(HaveField("Status", remote.StatusFailed))
			Expect(s.State().Message).To(ContainSubstring(host.Endpoint()))
		})

		It("leaves Failed through a fresh Connect or Disconnect", func() {
			s := newSession()
			s.Connect(host, remote.Credential{Password: "wrong"})
			Eventually(s.State, 5*time.Second).Should(HaveField("Status", remote.StatusFailed))

			s.Connect(host, cred)
			Eventually(s.State, 5*time.Second).Should(Equal(remote.Connected))

			s.Disconnect()
			Expect(s.State()).To(Equal(remote.Disconnected))
		})
	})
})
