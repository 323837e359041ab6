// Package stream maintains the persistent websocket connection that carries
// anomaly frames, reconnecting after a fixed delay until it is closed.
package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrClosed is returned by Connect after Close.
var ErrClosed = errors.New("transport closed")

// State is the connection lifecycle state.
type State int

const (
	Idle State = iota
	Connecting
	Connected
	Errored
	Reconnecting
	// Closed is terminal: entered only through Close.
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Errored:
		return "error"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Status is the displayable transport status.
type Status struct {
	State   State
	Message string
	// Session identifies the connection attempt that produced the status.
	Session string
}

// Conn is the subset of *websocket.Conn the transport reads from.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// Dialer opens a Conn.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// Timer is a pending reconnect.
type Timer interface {
	Stop() bool
}

// Config holds transport settings.
type Config struct {
	URL              string
	ReconnectDelay   time.Duration
	HandshakeTimeout time.Duration
	// ReadTimeout of zero disables the read deadline.
	ReadTimeout time.Duration
}

// DefaultConfig returns the default transport configuration.
func DefaultConfig() Config {
	return Config{
		URL:              "ws://localhost:61125/ws/changes",
		ReconnectDelay:   2 * time.Second,
		HandshakeTimeout: 10 * time.Second,
	}
}

// Option customises a Transport.
type Option func(*Transport)

// WithDialer replaces the websocket dialer.
func WithDialer(d Dialer) Option {
	return func(t *Transport) { t.dialer = d }
}

// WithAfterFunc replaces time.AfterFunc for scheduling reconnects.
func WithAfterFunc(f func(time.Duration, func()) Timer) Option {
	return func(t *Transport) { t.afterFunc = f }
}

// Transport owns one stream connection at a time. Frames are delivered to
// the message handler sequentially, on the connection's read goroutine.
type Transport struct {
	cfg       Config
	dialer    Dialer
	afterFunc func(time.Duration, func()) Timer

	onMessage func([]byte)
	onStatus  func(Status)

	mu     sync.Mutex
	status Status
	conn   Conn
	timer  Timer
	ctx    context.Context
	cancel context.CancelFunc

	// cbMu is held for the duration of every handler call.
	cbMu   sync.Mutex
	closed atomic.Bool
	wg     sync.WaitGroup
}

// New creates an idle Transport.
func New(cfg Config, opts ...Option) *Transport {
	def := DefaultConfig()
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		cfg:    cfg,
		dialer: wsDialer{d: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}},
		afterFunc: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
		status: Status{State: Idle},
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OnMessage sets the frame handler. Must be called before Connect.
func (t *Transport) OnMessage(fn func([]byte)) {
	t.onMessage = fn
}

// OnStatus sets the status handler. Must be called before Connect.
func (t *Transport) OnStatus(fn func(Status)) {
	t.onStatus = fn
}

// Status returns the current status.
func (t *Transport) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// State returns the current lifecycle state.
func (t *Transport) State() State {
	return t.Status().State
}

// Connect starts connecting in the background. It is a no-op unless the
// transport is idle.
func (t *Transport) Connect() error {
	t.mu.Lock()
	switch t.status.State {
	case Closed:
		t.mu.Unlock()
		return ErrClosed
	case Idle:
	default:
		t.mu.Unlock()
		return nil
	}
	st := t.transition(Connecting, "")
	t.wg.Add(1)
	t.mu.Unlock()

	t.emitStatus(st)
	go t.run()
	return nil
}

// Close tears the transport down. Pending reconnects are cancelled, the live
// connection is closed, and no handler runs once Close returns. Close must
// not be called from inside a handler.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.status.State == Closed {
		t.mu.Unlock()
		return nil
	}
	t.status = Status{State: Closed, Message: "closed"}
	t.closed.Store(true)
	t.cancel()
	if t.timer != nil && t.timer.Stop() {
		// The timer callback will never run to release its slot.
		t.wg.Done()
	}
	t.timer = nil
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	// Wait out a handler that is already running.
	t.cbMu.Lock()
	t.cbMu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	t.wg.Wait()
	return err
}

// transition must be called with mu held.
func (t *Transport) transition(s State, msg string) Status {
	t.status = Status{State: s, Message: msg, Session: t.status.Session}
	return t.status
}

func (t *Transport) run() {
	defer t.wg.Done()

	session := uuid.NewString()
	header := http.Header{}
	header.Set("X-Request-ID", session)

	ctx, cancel := context.WithTimeout(t.ctx, t.cfg.HandshakeTimeout)
	conn, err := t.dialer.Dial(ctx, t.cfg.URL, header)
	cancel()

	t.mu.Lock()
	if t.status.State == Closed {
		t.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	t.status.Session = session
	if err != nil {
		st := t.transition(Errored, fmt.Sprintf("connect %s: %v", t.cfg.URL, err))
		t.mu.Unlock()
		t.emitStatus(st)
		t.scheduleReconnect(st.Message)
		return
	}
	t.conn = conn
	st := t.transition(Connected, "")
	t.mu.Unlock()
	t.emitStatus(st)

	err = t.readLoop(conn)
	conn.Close()

	t.mu.Lock()
	if t.status.State == Closed {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	msg := "connection closed by server"
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		msg = fmt.Sprintf("connection lost: %v", err)
		st = t.transition(Errored, msg)
		t.mu.Unlock()
		t.emitStatus(st)
	} else {
		t.mu.Unlock()
	}
	t.scheduleReconnect(msg)
}

func (t *Transport) readLoop(conn Conn) error {
	for {
		if t.cfg.ReadTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout)); err != nil {
				return err
			}
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		t.emit(func() {
			if t.onMessage != nil {
				t.onMessage(msg)
			}
		})
	}
}

// scheduleReconnect is the only place a reconnect timer is armed.
func (t *Transport) scheduleReconnect(reason string) {
	t.mu.Lock()
	if t.status.State == Closed {
		t.mu.Unlock()
		return
	}
	delay := t.cfg.ReconnectDelay
	st := t.transition(Reconnecting, fmt.Sprintf("%s; reconnecting in %s", reason, delay))
	t.wg.Add(1)
	t.timer = t.afterFunc(delay, t.reconnect)
	t.mu.Unlock()

	t.emitStatus(st)
}

func (t *Transport) reconnect() {
	t.mu.Lock()
	t.timer = nil
	if t.status.State == Closed {
		t.mu.Unlock()
		t.wg.Done()
		return
	}
	st := t.transition(Connecting, "")
	t.mu.Unlock()

	t.emitStatus(st)
	t.run()
}

func (t *Transport) emitStatus(st Status) {
	t.emit(func() {
		if t.onStatus != nil {
			t.onStatus(st)
		}
	})
}

func (t *Transport) emit(fn func()) {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	if t.closed.Load() {
		return
	}
	fn()
}

type wsDialer struct {
	d *websocket.Dialer
}

func (w wsDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, _, err := w.d.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
