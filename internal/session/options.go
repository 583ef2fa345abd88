package session

import (
	"time"

	"keyjawn/internal/hostkey"
	"keyjawn/internal/remote"
)

const (
	DefaultTerminal = "xterm-256color"
	DefaultCols     = 80
	DefaultRows     = 24
)

// Size is a terminal size in character cells
type Size struct {
	Cols int
	Rows int
}

func (s Size) valid() bool {
	return s.Cols > 0 && s.Rows > 0
}

type Options struct {
	OnState     func(remote.ConnectionState)
	OnOutput    func([]byte)
	Store       *hostkey.Store
	DialTimeout time.Duration
	KeepAlive   time.Duration
	Terminal    string
	Size        Size
}

type Option func(*Options)

// WithStateHandler observes every state transition, in order.
func WithStateHandler(fn func(remote.ConnectionState)) Option {
	return func(o *Options) { o.OnState = fn }
}

// WithOutputHandler receives remote output chunks. Chunks are owned by the handler.
func WithOutputHandler(fn func([]byte)) Option {
	return func(o *Options) { o.OnOutput = fn }
}

func WithHostKeyStore(store *hostkey.Store) Option {
	return func(o *Options) { o.Store = store }
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *Options) { o.DialTimeout = d }
}

// WithKeepAlive sends an OpenSSH keepalive request every interval. Zero disables it.
func WithKeepAlive(interval time.Duration) Option {
	return func(o *Options) { o.KeepAlive = interval }
}

func WithTerminal(term string) Option {
	return func(o *Options) { o.Terminal = term }
}

// WithSize sets the size used for the initial PTY request
func WithSize(cols, rows int) Option {
	return func(o *Options) { o.Size = Size{Cols: cols, Rows: rows} }
}

func buildOptions(opts []Option) Options {
	o := Options{
		DialTimeout: remote.DefaultDialTimeout,
		Terminal:    DefaultTerminal,
		Size:        Size{Cols: DefaultCols, Rows: DefaultRows},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Terminal == "" {
		o.Terminal = DefaultTerminal
	}
	if !o.Size.valid() {
		o.Size = Size{Cols: DefaultCols, Rows: DefaultRows}
	}
	return o
}
