// Package conn keeps a persistent websocket connection to the orchestration
// backend alive: it dials, authenticates, pings, probes health and reconnects
// with adaptive backoff, while queueing outbound messages across outages.
package conn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/dimasma0305/gzstream/internal/gzstream/bus"
	gzerrors "github.com/dimasma0305/gzstream/internal/gzstream/errors"
	"github.com/dimasma0305/gzstream/internal/gzstream/protocol"
	"github.com/dimasma0305/gzstream/internal/log"
)

// State of the connection
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Config holds the connection tuning knobs
type Config struct {
	URL   string
	Token string

	ConnectTimeoutBase time.Duration
	ConnectTimeoutStep time.Duration
	ConnectTimeoutMax  time.Duration

	PingIntervalHealthy  time.Duration
	PingIntervalDegraded time.Duration
	PongTimeoutHealthy   time.Duration
	PongTimeoutDegraded  time.Duration

	HealthyBackoffInitial   time.Duration
	HealthyBackoffMax       time.Duration
	UnhealthyBackoffInitial time.Duration
	UnhealthyBackoffMax     time.Duration

	MaxReconnectAttempts int
	RecoveryDelay        time.Duration
	HealthTimeout        time.Duration
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		ConnectTimeoutBase:      5 * time.Second,
		ConnectTimeoutStep:      time.Second,
		ConnectTimeoutMax:       15 * time.Second,
		PingIntervalHealthy:     20 * time.Second,
		PingIntervalDegraded:    30 * time.Second,
		PongTimeoutHealthy:      10 * time.Second,
		PongTimeoutDegraded:     20 * time.Second,
		HealthyBackoffInitial:   500 * time.Millisecond,
		HealthyBackoffMax:       5 * time.Second,
		UnhealthyBackoffInitial: 5 * time.Second,
		UnhealthyBackoffMax:     60 * time.Second,
		MaxReconnectAttempts:    10,
		RecoveryDelay:           time.Minute,
		HealthTimeout:           3 * time.Second,
	}
}

// Events receives connection lifecycle events and decoded messages
type Events interface {
	Emit(topic string, data any)
	Publish(msg protocol.Message)
}

// ConnectionFailure is emitted on connection_failed once reconnect attempts are exhausted
type ConnectionFailure struct {
	Message  string
	Attempts int
	// Retry resets the backoff state and reconnects immediately
	Retry func()
}

// ReconnectInfo is emitted on reconnecting before each scheduled attempt
type ReconnectInfo struct {
	Attempt         int
	Delay           time.Duration
	ServerAvailable bool
}

// Manager owns the single live transport to the backend
type Manager struct {
	cfg    Config
	dialer Dialer
	prober Prober
	events Events
	policy *Policy

	mu              sync.Mutex
	state           State
	transport       Transport
	gen             uint64
	cancel          context.CancelFunc
	stopped         bool
	attempts        int
	serverAvailable bool
	lastPing        time.Time
	lastPong        time.Time
	queue           [][]byte
	reconnectTimer  *time.Timer
	recoveryTimer   *time.Timer

	// writeMu serializes every write to the transport
	writeMu sync.Mutex
}

// NewManager creates an idle manager. A nil prober treats the server as always available.
func NewManager(cfg Config, dialer Dialer, prober Prober, events Events) *Manager {
	if prober == nil {
		prober = AlwaysAvailable
	}
	return &Manager{
		cfg:             cfg,
		dialer:          dialer,
		prober:          prober,
		events:          events,
		policy:          NewPolicy(cfg),
		serverAvailable: true,
	}
}

// State returns the current connection state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the number of consecutive failed reconnect attempts
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// ServerAvailable reports the result of the last health probe
func (m *Manager) ServerAvailable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.serverAvailable
}

// Pending returns the number of queued outbound frames
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func (m *Manager) dialURL() (string, error) {
	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return "", gzerrors.Wrapf(err, "parse url %q", m.cfg.URL)
	}
	if m.cfg.Token != "" {
		q := u.Query()
		q.Set("token", m.cfg.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// connectTimeoutLocked grows with each failed attempt up to the configured cap
func (m *Manager) connectTimeoutLocked() time.Duration {
	timeout := m.cfg.ConnectTimeoutBase + time.Duration(m.attempts)*m.cfg.ConnectTimeoutStep
	if m.cfg.ConnectTimeoutMax > 0 && timeout > m.cfg.ConnectTimeoutMax {
		timeout = m.cfg.ConnectTimeoutMax
	}
	return timeout
}

// Connect starts a dial in the background. It is a no-op while a session is
// open or connecting.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.state == StateOpen || m.state == StateConnecting {
		m.mu.Unlock()
		return
	}
	m.stopped = false
	m.state = StateConnecting
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	timeout := m.connectTimeoutLocked()
	m.mu.Unlock()

	go m.dial(ctx, gen, timeout)
}

func (m *Manager) dial(ctx context.Context, gen uint64, timeout time.Duration) {
	target, err := m.dialURL()
	var t Transport
	if err == nil {
		log.Debug("Dialing %s (timeout %v)", m.cfg.URL, timeout)
		dctx, dcancel := context.WithTimeout(ctx, timeout)
		t, err = m.dialer.Dial(dctx, target)
		if err != nil && dctx.Err() == context.DeadlineExceeded {
			err = gzerrors.Wrapf(gzerrors.ErrConnectTimeout, "after %v", timeout)
		}
		dcancel()
	}

	m.mu.Lock()
	if gen != m.gen || ctx.Err() != nil {
		m.mu.Unlock()
		if t != nil {
			_ = t.Close(CloseNormal, "superseded")
		}
		return
	}
	if err != nil {
		m.state = StateClosed
		m.mu.Unlock()
		log.Warn("Connection failed: %v", err)
		m.events.Emit(bus.TopicError, err)
		go m.retry(gen)
		return
	}

	m.transport = t
	m.state = StateOpen
	m.attempts = 0
	// a completed handshake proves the server is up
	m.serverAvailable = true
	m.policy.Reset()
	m.lastPing = time.Time{}
	m.lastPong = time.Now()
	if m.cfg.Token != "" {
		if frame, err := json.Marshal(protocol.Authenticate(m.cfg.Token)); err == nil {
			m.queue = append([][]byte{frame}, m.queue...)
		}
	}
	m.mu.Unlock()

	log.Success("Connected to %s", m.cfg.URL)
	go m.readLoop(ctx, gen, t)
	go m.keepAlive(ctx, gen)
	m.events.Emit(bus.TopicConnected, nil)
	m.drain()
}

// encode passes strings and byte slices through and JSON-encodes everything else
func encode(msg any) ([]byte, error) {
	switch v := msg.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	}
	return json.Marshal(msg)
}

// Send queues msg and transmits it when the connection is open. The only
// error returned is an encoding failure; transport problems trigger a reconnect.
func (m *Manager) Send(msg any) error {
	frame, err := encode(msg)
	if err != nil {
		return gzerrors.Wrap(err, "encode message")
	}

	m.mu.Lock()
	m.queue = append(m.queue, frame)
	state := m.state
	m.mu.Unlock()

	if state != StateOpen {
		m.Connect()
		return nil
	}
	m.drain()
	return nil
}

// drain writes queued frames in FIFO order while the session is open
func (m *Manager) drain() {
	gen, err := m.writeQueued()
	if err != nil {
		m.events.Emit(bus.TopicError, gzerrors.Wrap(err, "write"))
		go m.reconnect(gen)
	}
}

func (m *Manager) writeQueued() (uint64, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	for {
		m.mu.Lock()
		if m.state != StateOpen || len(m.queue) == 0 {
			m.mu.Unlock()
			return 0, nil
		}
		frame := m.queue[0]
		m.queue = m.queue[1:]
		t, gen := m.transport, m.gen
		m.mu.Unlock()

		if err := t.WriteMessage(frame); err != nil {
			m.mu.Lock()
			if !m.stopped {
				m.queue = append([][]byte{frame}, m.queue...)
			}
			m.mu.Unlock()
			return gen, err
		}
	}
}

// writeControl sends a keep-alive token outside the queue
func (m *Manager) writeControl(gen uint64, token string) {
	m.writeMu.Lock()
	m.mu.Lock()
	if gen != m.gen || m.state != StateOpen {
		m.mu.Unlock()
		m.writeMu.Unlock()
		return
	}
	t := m.transport
	m.mu.Unlock()
	err := t.WriteMessage([]byte(token))
	m.writeMu.Unlock()

	if err != nil {
		m.events.Emit(bus.TopicError, gzerrors.Wrapf(err, "write %s", token))
		go m.reconnect(gen)
	}
}

func (m *Manager) readLoop(ctx context.Context, gen uint64, t Transport) {
	for {
		data, err := t.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.events.Emit(bus.TopicError, gzerrors.Wrap(err, "read"))
			m.dropped(gen)
			return
		}
		m.handleFrame(gen, data)
	}
}

func (m *Manager) handleFrame(gen uint64, data []byte) {
	switch string(bytes.TrimSpace(data)) {
	case protocol.Ping:
		m.writeControl(gen, protocol.Pong)
		return
	case protocol.Pong:
		m.mu.Lock()
		m.lastPong = time.Now()
		m.mu.Unlock()
		return
	}

	msg, err := protocol.Decode(data)
	if err != nil {
		log.DebugH2("Dropping frame: %v", err)
		m.events.Emit(bus.TopicError, err)
		return
	}
	m.events.Publish(msg)
}

func (m *Manager) keepAliveTimings() (interval, pongTimeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.serverAvailable {
		return m.cfg.PingIntervalHealthy, m.cfg.PongTimeoutHealthy
	}
	return m.cfg.PingIntervalDegraded, m.cfg.PongTimeoutDegraded
}

// keepAlive pings every interval and forces a reconnect when a pong does not
// arrive within the pong timeout
func (m *Manager) keepAlive(ctx context.Context, gen uint64) {
	interval, pongTimeout := m.keepAliveTimings()
	wait := interval
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		m.mu.Lock()
		if gen != m.gen || m.state != StateOpen {
			m.mu.Unlock()
			return
		}
		sentAt := time.Now()
		m.lastPing = sentAt
		m.mu.Unlock()
		m.writeControl(gen, protocol.Ping)

		select {
		case <-ctx.Done():
			return
		case <-time.After(pongTimeout):
		}

		m.mu.Lock()
		late := gen == m.gen && m.lastPong.Before(sentAt)
		m.mu.Unlock()
		if late {
			log.Warn("No pong within %v, reconnecting", pongTimeout)
			m.events.Emit(bus.TopicError, gzerrors.ErrPongTimeout)
			m.reconnect(gen)
			return
		}

		interval, pongTimeout = m.keepAliveTimings()
		wait = interval - pongTimeout
		if wait <= 0 {
			wait = time.Millisecond
		}
	}
}

// teardownLocked ends the current session and returns its transport for closing
func (m *Manager) teardownLocked() Transport {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	if m.recoveryTimer != nil {
		m.recoveryTimer.Stop()
		m.recoveryTimer = nil
	}
	t := m.transport
	m.transport = nil
	m.state = StateClosed
	return t
}

// dropped handles a transport that failed underneath an open session
func (m *Manager) dropped(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.gen++
	next := m.gen
	t := m.teardownLocked()
	stopped := m.stopped
	m.mu.Unlock()

	if t != nil {
		_ = t.Close(CloseGoingAway, "connection lost")
	}
	log.Warn("Connection lost")
	m.events.Emit(bus.TopicDisconnected, nil)
	if !stopped {
		m.retry(next)
	}
}

// Reconnect force-closes the current transport and reopens after a health probe
func (m *Manager) Reconnect() {
	m.mu.Lock()
	gen := m.gen
	m.stopped = false
	m.mu.Unlock()
	m.reconnect(gen)
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.stopped {
		m.mu.Unlock()
		return
	}
	m.gen++
	next := m.gen
	t := m.teardownLocked()
	m.mu.Unlock()

	if t != nil {
		_ = t.Close(CloseGoingAway, "reconnecting")
		m.events.Emit(bus.TopicDisconnected, nil)
	}
	m.retry(next)
}

// ManualReconnect resets attempts and backoff state, then reconnects
func (m *Manager) ManualReconnect() {
	m.mu.Lock()
	m.attempts = 0
	m.policy.Reset()
	m.stopped = false
	if m.recoveryTimer != nil {
		m.recoveryTimer.Stop()
		m.recoveryTimer = nil
	}
	gen := m.gen
	m.mu.Unlock()

	log.Info("Manual reconnect requested")
	m.reconnect(gen)
}

// retry probes health and schedules the next dial, or gives up once the
// attempt budget is spent
func (m *Manager) retry(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.stopped {
		m.mu.Unlock()
		return
	}
	if m.attempts >= m.cfg.MaxReconnectAttempts {
		attempts := m.attempts
		m.recoveryTimer = time.AfterFunc(m.cfg.RecoveryDelay, func() { m.recover(gen) })
		m.mu.Unlock()

		failure := ConnectionFailure{
			Message:  fmt.Sprintf("unable to reach %s after %d attempts", m.cfg.URL, attempts),
			Attempts: attempts,
			Retry:    m.ManualReconnect,
		}
		log.Error("%s, next automatic check in %v", failure.Message, m.cfg.RecoveryDelay)
		m.events.Emit(bus.TopicConnectionFailed, failure)
		return
	}
	m.attempts++
	attempt := m.attempts
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.probeTimeout())
	available := m.prober.Probe(ctx)
	cancel()

	m.mu.Lock()
	if gen != m.gen || m.stopped {
		m.mu.Unlock()
		return
	}
	m.serverAvailable = available
	delay := m.policy.Next(available)
	m.mu.Unlock()

	log.InfoH2("Reconnecting in %v (attempt %d/%d, server available: %v)", delay, attempt, m.cfg.MaxReconnectAttempts, available)
	m.events.Emit(bus.TopicReconnecting, ReconnectInfo{Attempt: attempt, Delay: delay, ServerAvailable: available})

	m.mu.Lock()
	if gen == m.gen && !m.stopped {
		m.reconnectTimer = time.AfterFunc(delay, func() { m.redial(gen) })
	}
	m.mu.Unlock()
}

func (m *Manager) probeTimeout() time.Duration {
	if m.cfg.HealthTimeout > 0 {
		return m.cfg.HealthTimeout
	}
	return 3 * time.Second
}

func (m *Manager) redial(gen uint64) {
	m.mu.Lock()
	current := gen == m.gen && !m.stopped
	m.mu.Unlock()
	if current {
		m.Connect()
	}
}

// recover runs once after the attempt budget is spent
func (m *Manager) recover(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.stopped {
		m.mu.Unlock()
		return
	}
	m.recoveryTimer = nil
	m.attempts = 0
	m.policy.Reset()
	m.mu.Unlock()

	log.Info("Retrying connection after recovery delay")
	m.Connect()
}

// Disconnect closes the session with a normal closure, drops queued frames and
// suppresses automatic reconnects until the next Connect. Safe to call repeatedly.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.stopped = true
	m.gen++
	gen := m.gen
	t := m.teardownLocked()
	m.queue = nil
	m.attempts = 0
	m.policy.Reset()
	if t != nil {
		m.state = StateClosing
	}
	m.mu.Unlock()

	if t == nil {
		return
	}
	m.writeMu.Lock()
	_ = t.Close(CloseNormal, "client disconnect")
	m.writeMu.Unlock()

	m.mu.Lock()
	if m.gen == gen {
		m.state = StateClosed
	}
	m.mu.Unlock()

	log.Info("Disconnected")
	m.events.Emit(bus.TopicDisconnected, nil)
}

// Flush blocks until the outbound queue is empty or ctx is done
func (m *Manager) Flush(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		m.mu.Lock()
		n, state := len(m.queue), m.state
		m.mu.Unlock()
		if n == 0 && state == StateOpen {
			return nil
		}
		select {
		case <-ctx.Done():
			if state != StateOpen {
				return gzerrors.Wrap(gzerrors.ErrNotConnected, ctx.Err().Error())
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
