// Package chatclient is the participant side of the chat protocol: one
// reconnecting connection per participant plus the widget and console views
// built on top of it.
package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/egor/ecochatserver/models"
)

// State is the lifecycle position of a Manager.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	}
	return "disconnected"
}

const (
	DefaultMaxAttempts = 5
	DefaultBackoffBase = 500 * time.Millisecond
	DefaultBackoffCap  = 8 * time.Second

	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 256
)

// ErrClosed is returned by Connect after Close.
var ErrClosed = errors.New("manager closed")

// Config describes where and how to connect.
type Config struct {
	URL    string
	Header http.Header
	// MaxAttempts is how many consecutive dials may fail before giving up.
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	Dialer      *websocket.Dialer
}

func (c *Config) defaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = DefaultBackoffCap
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
}

// backoff is the wait before retry n (1-based): base·2^(n-1), capped.
func (c Config) backoff(n int) time.Duration {
	d := c.BackoffBase
	for i := 1; i < n && d < c.BackoffCap; i++ {
		d *= 2
	}
	if d > c.BackoffCap {
		d = c.BackoffCap
	}
	return d
}

// JoinFunc builds the JOIN_CHAT payload each time a connection is established.
type JoinFunc func() models.JoinPayload

// Handler receives the raw payload of one event.
type Handler func(payload json.RawMessage)

// Manager owns one participant connection. A single goroutine dials,
// serves and redials; Send enqueues to that connection's writer.
type Manager struct {
	cfg  Config
	join JoinFunc
	log  *zap.Logger

	mu       sync.Mutex
	state    State
	sendCh   chan []byte
	stop     chan struct{}
	cancel   context.CancelFunc
	running  chan struct{}
	closed   bool
	nextID   uint64
	handlers map[string]map[uint64]Handler
	onState  map[uint64]func(State)
	onError  map[uint64]func(error)

	closeOnce sync.Once
}

func NewManager(cfg Config, join JoinFunc, log *zap.Logger) *Manager {
	cfg.defaults()
	return &Manager{
		cfg:      cfg,
		join:     join,
		log:      log,
		handlers: make(map[string]map[uint64]Handler),
		onState:  make(map[uint64]func(State)),
		onError:  make(map[uint64]func(error)),
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// On subscribes to an inbound event. The returned func unsubscribes.
// Handlers run on the read goroutine and must not call Disconnect or Close.
func (m *Manager) On(event string, h Handler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	if m.handlers[event] == nil {
		m.handlers[event] = make(map[uint64]Handler)
	}
	m.handlers[event][id] = h
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.handlers[event], id)
	}
}

// OnState subscribes to state changes.
func (m *Manager) OnState(fn func(State)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.onState[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.onState, id)
	}
}

// OnError subscribes to transport and send errors.
func (m *Manager) OnError(fn func(error)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.onError[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.onError, id)
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	fns := make([]func(State), 0, len(m.onState))
	for _, fn := range m.onState {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	m.log.Debug("connection state", zap.Stringer("state", s))
	for _, fn := range fns {
		fn(s)
	}
}

func (m *Manager) report(err error) {
	m.mu.Lock()
	fns := make([]func(error), 0, len(m.onError))
	for _, fn := range m.onError {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

// Connect dials and blocks until the connection is up, the retry budget is
// spent (a *models.ConnectionError) or ctx ends. Calling it while already
// connecting or connected is a no-op.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.running != nil {
		m.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	running := make(chan struct{})
	m.cancel, m.running = cancel, running
	m.mu.Unlock()

	first := make(chan error, 1)
	m.setState(StateConnecting)
	go func() {
		defer close(running)
		m.run(runCtx, first)
	}()

	select {
	case err := <-first:
		return err
	case <-ctx.Done():
		m.Disconnect()
		return ctx.Err()
	}
}

// run is the connection actor.
func (m *Manager) run(ctx context.Context, first chan<- error) {
	signal := func(err error) {
		select {
		case first <- err:
		default:
		}
	}
	defer m.finish()

	failures := 0
	for {
		conn, _, err := m.cfg.Dialer.DialContext(ctx, m.cfg.URL, m.cfg.Header)
		if ctx.Err() != nil {
			if conn != nil {
				conn.Close()
			}
			signal(ErrClosed)
			return
		}
		if err != nil {
			failures++
			m.log.Info("dial failed", zap.Int("attempt", failures), zap.Error(err))
			if failures >= m.cfg.MaxAttempts {
				cerr := &models.ConnectionError{Attempts: failures, Err: err}
				m.report(cerr)
				signal(cerr)
				return
			}
			select {
			case <-time.After(m.cfg.backoff(failures)):
				continue
			case <-ctx.Done():
				signal(ErrClosed)
				return
			}
		}

		failures = 0
		err = m.serve(ctx, conn, func() { signal(nil) })
		if ctx.Err() != nil {
			return
		}
		m.log.Info("connection lost, reconnecting", zap.Error(err))
		m.report(fmt.Errorf("connection lost: %w", err))
		m.setState(StateReconnecting)
	}
}

// finish runs when the actor exits for any reason.
func (m *Manager) finish() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.cancel, m.running = nil, nil
	m.mu.Unlock()
	m.setState(StateDisconnected)
}

// serve runs one established connection until it fails or ctx ends.
func (m *Manager) serve(ctx context.Context, conn *websocket.Conn, connected func()) error {
	sendCh := make(chan []byte, sendBuffer)
	stop := make(chan struct{})

	join, err := encode(models.EventJoinChat, m.join())
	if err != nil {
		conn.Close()
		return err
	}
	sendCh <- join

	m.mu.Lock()
	m.sendCh, m.stop = sendCh, stop
	m.mu.Unlock()
	m.setState(StateConnected)
	connected()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		m.writeLoop(conn, sendCh, stop)
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		case <-stop:
		}
	}()

	err = m.readLoop(conn)

	m.mu.Lock()
	m.sendCh, m.stop = nil, nil
	m.mu.Unlock()
	close(stop)
	conn.Close()
	<-writerDone
	return err
}

func (m *Manager) readLoop(conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var env models.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			m.log.Warn("undecodable frame", zap.Error(err))
			continue
		}
		m.dispatch(env)
	}
}

func (m *Manager) dispatch(env models.Envelope) {
	m.mu.Lock()
	hs := make([]Handler, 0, len(m.handlers[env.Type]))
	for _, h := range m.handlers[env.Type] {
		hs = append(hs, h)
	}
	m.mu.Unlock()
	for _, h := range hs {
		h(env.Payload)
	}
}

func (m *Manager) writeLoop(conn *websocket.Conn, sendCh <-chan []byte, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case data := <-sendCh:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				conn.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		case <-stop:
			return
		}
	}
}

func encode(event string, payload any) ([]byte, error) {
	if payload == nil {
		payload = struct{}{}
	}
	p, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(models.Envelope{Type: event, Payload: p})
}

// Send queues one event. Nothing is queued while not connected: the call
// fails with models.ErrNotConnected, which error handlers also receive.
func (m *Manager) Send(event string, payload any) error {
	data, err := encode(event, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}

	m.mu.Lock()
	sendCh, stop, state := m.sendCh, m.stop, m.state
	m.mu.Unlock()
	if state != StateConnected || sendCh == nil {
		m.report(models.ErrNotConnected)
		return models.ErrNotConnected
	}

	select {
	case sendCh <- data:
		return nil
	case <-stop:
		m.report(models.ErrNotConnected)
		return models.ErrNotConnected
	}
}

// Disconnect closes the connection without reconnecting. Handlers stay
// registered and Connect may be called again.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	cancel, running := m.cancel, m.running
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-running
}

// Close disconnects and drops every handler. It is safe to call repeatedly.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()

		m.Disconnect()

		m.mu.Lock()
		m.handlers = make(map[string]map[uint64]Handler)
		m.onState = make(map[uint64]func(State))
		m.onError = make(map[uint64]func(error))
		m.mu.Unlock()
	})
	return nil
}
