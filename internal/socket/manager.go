// Package socket maintains the client's single WebSocket connection to
// the backend push channel and multiplexes per-operation subscriptions
// over it. One topic per operation id; inbound OPERATION_PROGRESS and
// OPERATION_DONE frames are routed to every callback registered for the
// topic. Subscribers never see transport errors, only well-formed events
// or silence.
package socket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Defaults; overridable through Config for tests.
const (
	DefaultPingInterval     = 30 * time.Second
	DefaultReconnectDelay   = 3 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultQueueLimit       = 64
)

// Callback receives operation events for a subscribed topic.
type Callback func(Event)

// Config tunes the manager's timing and queue bounds.
type Config struct {
	PingInterval     time.Duration
	ReconnectDelay   time.Duration
	HandshakeTimeout time.Duration
	// QueueLimit bounds the outbound queue held while disconnected;
	// on overflow the oldest frame is dropped with a warning.
	QueueLimit int
}

// DefaultConfig returns the production timing configuration.
func DefaultConfig() Config {
	return Config{
		PingInterval:     DefaultPingInterval,
		ReconnectDelay:   DefaultReconnectDelay,
		HandshakeTimeout: DefaultHandshakeTimeout,
		QueueLimit:       DefaultQueueLimit,
	}
}

type subscriber struct {
	topic string
	cb    Callback
}

// Manager owns the connection lifecycle: Disconnected → Connecting →
// Connected, with a single scheduled reconnect attempt after any close
// while reconnection is still desired.
type Manager struct {
	cfg Config
	log zerolog.Logger

	mu             sync.Mutex
	conn           *websocket.Conn
	url            string
	token          string
	connecting     bool
	shouldRun      bool
	queue          [][]byte
	subs           map[string]map[*subscriber]struct{}
	reconnectTimer *time.Timer
	pingStop       chan struct{}
	gen            int // connection generation, guards stale goroutines

	writeMu sync.Mutex // gorilla allows one concurrent writer
}

// NewManager creates a disconnected Manager.
func NewManager(cfg Config, log zerolog.Logger) *Manager {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = DefaultQueueLimit
	}
	return &Manager{
		cfg:  cfg,
		log:  log.With().Str("component", "socket").Logger(),
		subs: make(map[string]map[*subscriber]struct{}),
	}
}

// Connect establishes (or re-targets) the connection. Calling Connect
// with an unchanged URL and token while already connected is a no-op;
// changing either tears down the old connection first. The token is
// carried as a query parameter on the dial URL.
func (m *Manager) Connect(baseURL, token string) {
	m.mu.Lock()
	if m.conn != nil && m.url == baseURL && m.token == token {
		m.mu.Unlock()
		return
	}
	if m.conn != nil {
		m.teardownLocked()
	}
	m.url = baseURL
	m.token = token
	m.shouldRun = true
	m.mu.Unlock()

	m.establish()
}

// Disconnect closes the connection and stops reconnection.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.shouldRun = false
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.teardownLocked()
	m.mu.Unlock()
}

// Connected reports whether a live connection is up.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// Subscribe registers cb under topic and returns its unsubscribe
// function. The first subscriber for a topic sends a SUBSCRIBE frame
// (queued when disconnected); the last unsubscribe sends UNSUBSCRIBE so
// the server can stop fanning out.
func (m *Manager) Subscribe(topic string, cb Callback) func() {
	sub := &subscriber{topic: topic, cb: cb}

	m.mu.Lock()
	set, ok := m.subs[topic]
	if !ok {
		set = make(map[*subscriber]struct{})
		m.subs[topic] = set
	}
	set[sub] = struct{}{}
	first := len(set) == 1
	m.mu.Unlock()

	// When disconnected, resubscription at connect time covers this
	// topic; no need to queue the frame.
	if first {
		m.sendIfConnected(outboundFrame{Action: actionSubscribe, Topic: topic})
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			set, ok := m.subs[topic]
			if ok {
				delete(set, sub)
				if len(set) == 0 {
					delete(m.subs, topic)
				}
			}
			last := ok && len(set) == 0
			m.mu.Unlock()

			if last {
				m.sendIfConnected(outboundFrame{Action: actionUnsubscribe, Topic: topic})
			}
		})
	}
}

// Send marshals v and delivers it to the server. While disconnected the
// frame is held in the bounded FIFO queue and flushed right after the
// connection reopens, in enqueue order.
func (m *Manager) Send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		m.log.Error().Err(err).Msg("failed to marshal frame")
		return
	}

	m.mu.Lock()
	conn := m.conn
	if conn == nil {
		if len(m.queue) >= m.cfg.QueueLimit {
			m.log.Warn().Int("limit", m.cfg.QueueLimit).Msg("outbound queue full, dropping oldest frame")
			m.queue = m.queue[1:]
		}
		m.queue = append(m.queue, data)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.write(conn, data)
}

// sendIfConnected writes a control frame only when a connection is up.
func (m *Manager) sendIfConnected(frame outboundFrame) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return
	}
	data, err := marshalFrame(frame)
	if err != nil {
		m.log.Error().Err(err).Msg("failed to marshal frame")
		return
	}
	m.write(conn, data)
}

func (m *Manager) write(conn *websocket.Conn, data []byte) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		m.log.Debug().Err(err).Msg("write failed")
	}
}

// establish dials the configured URL. Dial failures take the same path
// as an abnormal close: one reconnect attempt after the configured
// delay.
func (m *Manager) establish() {
	m.mu.Lock()
	if !m.shouldRun || m.connecting || m.conn != nil {
		m.mu.Unlock()
		return
	}
	m.connecting = true
	url, token := m.url, m.token
	m.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: m.cfg.HandshakeTimeout}
	conn, _, err := dialer.Dial(url+"?token="+token, nil)
	if err != nil {
		m.log.Warn().Err(err).Str("url", url).Msg("connect failed")
		m.mu.Lock()
		m.connecting = false
		m.mu.Unlock()
		m.scheduleReconnect()
		return
	}

	m.mu.Lock()
	if !m.shouldRun {
		// Disconnect raced the dial.
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.conn = conn
	m.connecting = false
	m.gen++
	gen := m.gen
	m.pingStop = make(chan struct{})
	pingStop := m.pingStop
	topics := make([]string, 0, len(m.subs))
	for topic := range m.subs {
		topics = append(topics, topic)
	}
	pending := m.queue
	m.queue = nil
	m.mu.Unlock()

	m.log.Info().Str("url", url).Msg("connected")

	// Resubscribe before flushing anything queued while down.
	for _, topic := range topics {
		data, err := marshalFrame(outboundFrame{Action: actionSubscribe, Topic: topic})
		if err == nil {
			m.write(conn, data)
		}
	}
	for _, data := range pending {
		m.write(conn, data)
	}

	go m.readLoop(conn, gen)
	go m.heartbeat(conn, pingStop)
}

func (m *Manager) heartbeat(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	data, err := marshalFrame(outboundFrame{Action: actionPing})
	if err != nil {
		return
	}
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.write(conn, data)
		}
	}
}

func (m *Manager) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(gen, err)
			return
		}
		m.handleMessage(data)
	}
}

func (m *Manager) handleClose(gen int, err error) {
	m.mu.Lock()
	if gen != m.gen {
		// A newer connection already replaced this one.
		m.mu.Unlock()
		return
	}
	m.teardownLocked()
	retry := m.shouldRun
	m.mu.Unlock()

	m.log.Warn().Err(err).Msg("connection closed")
	if retry {
		m.scheduleReconnect()
	}
}

// teardownLocked closes the live connection and stops its heartbeat.
// Callers hold m.mu.
func (m *Manager) teardownLocked() {
	if m.pingStop != nil {
		close(m.pingStop)
		m.pingStop = nil
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.gen++
}

func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.shouldRun || m.reconnectTimer != nil {
		return
	}
	m.reconnectTimer = time.AfterFunc(m.cfg.ReconnectDelay, func() {
		m.mu.Lock()
		m.reconnectTimer = nil
		m.mu.Unlock()
		m.log.Debug().Msg("attempting reconnect")
		m.establish()
	})
}

// handleMessage decodes one inbound frame and routes it. Unknown frame
// shapes and undecodable payloads are logged and dropped, never raised.
func (m *Manager) handleMessage(data []byte) {
	frame, err := unmarshalFrame(data)
	if err != nil {
		m.log.Warn().Err(err).Msg("dropping malformed frame")
		return
	}

	switch {
	case frame.Type == framePong || frame.Action == framePong:
		return
	case frame.Type == frameOperationProgress || frame.Type == frameOperationDone:
		event, err := decodeEvent(frame)
		if err != nil {
			m.log.Warn().Err(err).Str("type", frame.Type).Msg("dropping undecodable operation frame")
			return
		}
		m.dispatch(event)
	default:
		m.log.Warn().Str("type", frame.Type).Str("action", frame.Action).Msg("dropping unknown frame")
	}
}

func (m *Manager) dispatch(event Event) {
	m.mu.Lock()
	set := m.subs[event.OperationID]
	cbs := make([]Callback, 0, len(set))
	for sub := range set {
		cbs = append(cbs, sub.cb)
	}
	m.mu.Unlock()

	for _, cb := range cbs {
		cb(event)
	}
}
