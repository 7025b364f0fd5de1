// Package ws manages named websocket connections with automatic
// reconnection. Ingestion owns one multiplex market-data connection; the
// manager keeps it alive across drops with capped exponential backoff and
// exposes an aggregate status for the rest of the system.
package ws

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// DefaultInitialDelay is the first reconnect delay after a non-clean
	// close.
	DefaultInitialDelay = time.Second
	// DefaultMaxDelay caps the backoff growth.
	DefaultMaxDelay = 30 * time.Second
	// backoffFactor multiplies the delay after each failed attempt.
	backoffFactor = 1.5

	writeTimeout     = 10 * time.Second
	handshakeTimeout = 10 * time.Second
)

// ErrShutdown is returned by Connect after Shutdown has been called.
var ErrShutdown = errors.New("ws: manager is shut down")

// Status is the aggregate connection state.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusDisconnected Status = "disconnected"
)

// Handlers are the per-connection callbacks. All fields are optional.
// Callbacks run on the connection's read goroutine; a panic inside one is
// recovered and reported, never fatal to the manager.
type Handlers struct {
	OnMessage func(data []byte)
	OnOpen    func()
	OnClose   func(code int, reason string)
	OnError   func(err error)
}

// Reporter receives connection failures for error tracking.
type Reporter func(key string, err error)

type connState int

const (
	stateConnected connState = iota
	stateReconnecting
	stateDisconnected
)

type connection struct {
	key           string
	url           string
	handlers      Handlers
	autoReconnect bool

	mu      sync.Mutex
	conn    *websocket.Conn
	state   connState
	delay   time.Duration
	timer   *time.Timer
	gen     int
	closing bool
}

// Manager owns the connection table. One mutex protects the table;
// connection I/O is serialized per connection by the socket itself.
type Manager struct {
	mu        sync.Mutex
	conns     map[string]*connection
	listeners []func(Status)
	last      Status
	report    Reporter
	shutdown  bool

	initialDelay time.Duration
	maxDelay     time.Duration
	dialer       *websocket.Dialer
}

// Option configures a Manager.
type Option func(*Manager)

// WithReporter wires connection failures into error tracking.
func WithReporter(r Reporter) Option {
	return func(m *Manager) { m.report = r }
}

// WithDelays overrides the reconnect window, used by tests and tuning.
func WithDelays(initial, max time.Duration) Option {
	return func(m *Manager) {
		if initial > 0 {
			m.initialDelay = initial
		}
		if max > 0 {
			m.maxDelay = max
		}
	}
}

// NewManager creates an empty Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		conns:        make(map[string]*connection),
		last:         StatusDisconnected,
		initialDelay: DefaultInitialDelay,
		maxDelay:     DefaultMaxDelay,
		dialer:       &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NextDelay advances a backoff delay one step: ×1.5, capped.
func (m *Manager) NextDelay(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > m.maxDelay {
		next = m.maxDelay
	}
	return next
}

// Connect opens (or replaces) the named connection. Dial failures do not
// fail the call: they are reported and, with autoReconnect, retried on
// the backoff schedule.
func (m *Manager) Connect(key, url string, handlers Handlers, autoReconnect bool) error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return ErrShutdown
	}

	if old, ok := m.conns[key]; ok {
		m.teardownLocked(old)
	}

	c := &connection{
		key:           key,
		url:           url,
		handlers:      handlers,
		autoReconnect: autoReconnect,
		state:         stateReconnecting,
		delay:         m.initialDelay,
	}
	m.conns[key] = c
	m.mu.Unlock()

	m.dial(c, c.gen)
	return nil
}

// Disconnect closes the named connection cleanly (code 1000) and cancels
// any pending reconnect.
func (m *Manager) Disconnect(key string) {
	m.mu.Lock()
	c, ok := m.conns[key]
	if ok {
		m.teardownLocked(c)
		delete(m.conns, key)
	}
	m.mu.Unlock()

	if ok {
		m.notifyStatus()
	}
}

// Shutdown closes every connection, cancels all reconnects, and refuses
// further connects.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.shutdown = true
	for key, c := range m.conns {
		m.teardownLocked(c)
		delete(m.conns, key)
	}
	m.mu.Unlock()

	m.notifyStatus()
}

// IsConnected reports whether the named connection is currently open.
func (m *Manager) IsConnected(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conns[key]
	if !ok {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateConnected
}

// OverallStatus aggregates every connection: reconnecting dominates,
// then connected, otherwise disconnected.
func (m *Manager) OverallStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overallLocked()
}

func (m *Manager) overallLocked() Status {
	anyConnected := false
	for _, c := range m.conns {
		c.mu.Lock()
		st := c.state
		c.mu.Unlock()
		switch st {
		case stateReconnecting:
			return StatusReconnecting
		case stateConnected:
			anyConnected = true
		}
	}
	if anyConnected {
		return StatusConnected
	}
	return StatusDisconnected
}

// AddStatusListener registers a callback fired whenever the aggregate
// status changes.
func (m *Manager) AddStatusListener(fn func(Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// teardownLocked cancels timers and closes the socket for an intentional
// close. Caller holds m.mu.
func (m *Manager) teardownLocked(c *connection) {
	c.mu.Lock()
	c.closing = true
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	conn := c.conn
	c.conn = nil
	c.state = stateDisconnected
	c.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		conn.WriteMessage(websocket.CloseMessage, msg)
		conn.Close()
	}
}

// dial attempts to open the socket for generation gen. Stale generations
// (replaced or disconnected connections) abort silently.
func (m *Manager) dial(c *connection, gen int) {
	c.mu.Lock()
	if c.closing || c.gen != gen {
		c.mu.Unlock()
		return
	}
	url := c.url
	c.mu.Unlock()

	conn, _, err := m.dialer.Dial(url, nil)
	if err != nil {
		m.reportErr(c.key, fmt.Errorf("dial %s: %w", url, err))
		m.callOnError(c, err)
		m.scheduleReconnect(c, gen)
		return
	}

	c.mu.Lock()
	if c.closing || c.gen != gen {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.state = stateConnected
	c.delay = m.initialDelay // successful open resets the backoff
	c.mu.Unlock()

	m.notifyStatus()
	if c.handlers.OnOpen != nil {
		m.safeCall(c, func() { c.handlers.OnOpen() })
	}

	go m.readLoop(c, conn, gen)
}

func (m *Manager) readLoop(c *connection, conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleReadError(c, gen, err)
			return
		}
		if c.handlers.OnMessage != nil {
			m.safeCall(c, func() { c.handlers.OnMessage(data) })
		}
	}
}

func (m *Manager) handleReadError(c *connection, gen int, err error) {
	code := websocket.CloseAbnormalClosure
	reason := err.Error()
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		code = closeErr.Code
		reason = closeErr.Text
	}

	c.mu.Lock()
	intentional := c.closing || c.gen != gen
	if !intentional {
		c.conn = nil
	}
	c.mu.Unlock()

	if intentional {
		return
	}

	if c.handlers.OnClose != nil {
		m.safeCall(c, func() { c.handlers.OnClose(code, reason) })
	}

	// A clean server close is final; anything else reconnects.
	if code == websocket.CloseNormalClosure || !c.autoReconnect {
		c.mu.Lock()
		c.state = stateDisconnected
		c.mu.Unlock()
		m.notifyStatus()
		return
	}

	m.reportErr(c.key, fmt.Errorf("connection closed (%d): %s", code, reason))
	m.scheduleReconnect(c, gen)
}

// scheduleReconnect arms the backoff timer for generation gen and grows
// the delay for the next failure.
func (m *Manager) scheduleReconnect(c *connection, gen int) {
	c.mu.Lock()
	if c.closing || c.gen != gen {
		c.mu.Unlock()
		return
	}
	if !c.autoReconnect {
		c.state = stateDisconnected
		c.mu.Unlock()
		m.notifyStatus()
		return
	}

	c.state = stateReconnecting
	delay := c.delay
	c.delay = m.NextDelay(delay)
	c.timer = time.AfterFunc(delay, func() { m.dial(c, gen) })
	c.mu.Unlock()

	m.notifyStatus()
}

func (m *Manager) notifyStatus() {
	m.mu.Lock()
	status := m.overallLocked()
	if status == m.last {
		m.mu.Unlock()
		return
	}
	m.last = status
	listeners := make([]func(Status), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(status)
	}
}

func (m *Manager) reportErr(key string, err error) {
	m.mu.Lock()
	report := m.report
	m.mu.Unlock()
	if report != nil {
		report(key, err)
	}
}

func (m *Manager) callOnError(c *connection, err error) {
	if c.handlers.OnError != nil {
		m.safeCall(c, func() { c.handlers.OnError(err) })
	}
}

// safeCall shields the manager from panics in user handlers.
func (m *Manager) safeCall(c *connection, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.reportErr(c.key, fmt.Errorf("handler panic: %v", r))
		}
	}()
	fn()
}
