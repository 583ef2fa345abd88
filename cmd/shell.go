package cmd

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"keyjawn/internal/hostkey"
	"keyjawn/internal/logging"
	"keyjawn/internal/remote"
	"keyjawn/internal/session"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"
)

var shellTerm string

// shellCmd represents the shell command
var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Open an interactive shell on the host",
	Long: `Connect to the selected host, request a PTY and attach the local terminal to it.
The session ends when the remote shell exits or the connection drops.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		host := activeHost(cfg)
		store := openStore(cfg)
		defer remote.SafeClose("host key store", store.Close)

		err := runShell(host, credentialFor(host), store,
			session.WithDialTimeout(cfg.DialTimeout),
			session.WithKeepAlive(cfg.KeepAliveInterval),
			session.WithTerminal(shellTerm))
		if err != nil {
			logging.Logger().Fatal("Shell failed", zap.String("endpoint", host.Endpoint()), zap.Error(err))
		}
	},
}

func init() {
	rootCmd.AddCommand(shellCmd)

	shellCmd.Flags().StringVar(&shellTerm, "term", session.DefaultTerminal, "terminal type sent with the PTY request")
}

// runShell attaches the local terminal to a session until it ends
func runShell(host remote.HostConfig, cred remote.Credential, store *hostkey.Store, opts ...session.Option) error {
	inFd := int(os.Stdin.Fd())
	outFd := int(os.Stdout.Fd())

	cols, rows := session.DefaultCols, session.DefaultRows
	if w, h, err := term.GetSize(outFd); err == nil {
		cols, rows = w, h
	}

	connected := make(chan struct{})
	ended := make(chan remote.ConnectionState, 1)

	opts = append(opts,
		session.WithHostKeyStore(store),
		session.WithSize(cols, rows),
		session.WithStateHandler(func(st remote.ConnectionState) {
			logging.Logger().Debug("Session state changed", zap.String("state", st.String()))
			switch st.Status {
			case remote.StatusConnected:
				close(connected)
			case remote.StatusFailed, remote.StatusDisconnected:
				select {
				case ended <- st:
				default:
				}
			}
		}),
		session.WithOutputHandler(func(b []byte) {
			_, _ = os.Stdout.Write(b)
		}),
	)

	s := session.New(opts...)
	defer s.Wait()
	defer s.Disconnect()

	s.Connect(host, cred)

	select {
	case st := <-ended:
		return errors.New(st.Message)
	case <-connected:
	}

	if term.IsTerminal(inFd) {
		oldState, err := term.MakeRaw(inFd)
		if err != nil {
			return err
		}
		defer func() { _ = term.Restore(inFd, oldState) }()
	}

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				s.Send(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-winch:
			if w, h, err := term.GetSize(outFd); err == nil {
				s.Resize(w, h)
			}
		case st := <-ended:
			if st.Status == remote.StatusFailed {
				return errors.New(st.Message)
			}
			return nil
		}
	}
}
