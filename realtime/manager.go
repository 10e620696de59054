// Package realtime owns the persistent STOMP-over-WebSocket connection:
// its lifecycle state machine, the reconnect timer, and the registry of
// intended subscriptions that is replayed on every reconnect.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/url"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-stomp/stomp/v3/frame"

	chaterrors "github.com/alexjbarnes/chatsync/internal/errors"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultReadLimit        = 1 << 20
	writeTimeout            = 10 * time.Second
	stompVersion            = "1.2"
)

// ManagerConfig holds the parameters for NewManager.
type ManagerConfig struct {
	URL              string
	Dialer           Dialer        // defaults to WebsocketDialer
	Registry         *Registry     // defaults to a fresh registry
	HandshakeTimeout time.Duration // defaults to 10s
	ReconnectDelay   time.Duration // <= 0 disables auto-reconnect
	ReadLimit        int64         // defaults to 1 MiB
}

// Manager owns one physical connection at a time and its lifecycle.
// Inbound MESSAGE frames are delivered to handlers sequentially on a
// single reader goroutine per connection. Handlers must not call Close.
type Manager struct {
	url              string
	host             string
	dialer           Dialer
	logger           *slog.Logger
	registry         *Registry
	handshakeTimeout time.Duration
	readLimit        int64

	mu             sync.Mutex
	state          State
	dialing        bool
	closed         bool
	conn           Conn
	connCancel     context.CancelFunc
	connSeq        uint64
	headers        map[string]string
	reconnectDelay time.Duration
	reconnectTimer *time.Timer
	timerSeq       uint64
	active         map[string]string // destination -> subscription id on conn
	byID           map[string]string // subscription id -> destination
	subSeq         int
	pending        []StateEvent

	listenersMu sync.RWMutex
	listeners   []func(StateEvent)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a Manager in StateDisconnected. Nothing is dialed
// until Connect.
func NewManager(cfg ManagerConfig, logger *slog.Logger) *Manager {
	host := cfg.URL
	if u, err := url.Parse(cfg.URL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = WebsocketDialer
	}

	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
	}

	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}

	readLimit := cfg.ReadLimit
	if readLimit <= 0 {
		readLimit = defaultReadLimit
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		url:              cfg.URL,
		host:             host,
		dialer:           dialer,
		logger:           logger,
		registry:         registry,
		handshakeTimeout: timeout,
		readLimit:        readLimit,
		reconnectDelay:   cfg.ReconnectDelay,
		active:           make(map[string]string),
		byID:             make(map[string]string),
		ctx:              ctx,
		cancel:           cancel,
	}
}

// Registry returns the subscription registry backing this manager.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// OnStateChange registers fn for every state transition. Callbacks run
// outside the manager lock, in transition order per goroutine.
func (m *Manager) OnStateChange(fn func(StateEvent)) {
	m.listenersMu.Lock()
	m.listeners = append(m.listeners, fn)
	m.listenersMu.Unlock()
}

// ActiveSubscriptions returns destination -> subscription id for every
// SUBSCRIBE issued on the current connection.
func (m *Manager) ActiveSubscriptions() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return maps.Clone(m.active)
}

// SetAutoReconnect sets the constant reconnect delay. A delay <= 0
// disables automatic reconnection. The policy applies to the next close
// or failed attempt.
func (m *Manager) SetAutoReconnect(delay time.Duration) {
	m.mu.Lock()
	m.reconnectDelay = delay
	m.mu.Unlock()

	m.logger.Debug("auto-reconnect policy updated", slog.Duration("delay", delay))
}

// Connect dials, performs the STOMP handshake and replays every
// registered subscription. It is a no-op while a connection attempt is
// in flight or the manager is already connected. headers, when non-nil,
// replace the CONNECT headers used for this and every later attempt.
func (m *Manager) Connect(ctx context.Context, headers map[string]string) error {
	m.mu.Lock()

	if m.closed {
		m.unlock()
		return fmt.Errorf("%w: manager closed", chaterrors.ErrConnection)
	}

	if m.dialing || m.state == StateConnected {
		m.unlock()
		return nil
	}

	if headers != nil {
		m.headers = maps.Clone(headers)
	}

	return m.connectLocked(ctx)
}

// connectLocked runs one connection attempt. Called with m.mu held; it
// releases the lock.
func (m *Manager) connectLocked(ctx context.Context) error {
	m.stopTimerLocked()
	m.dialing = true

	if m.state != StateReconnecting {
		m.setStateLocked(StateConnecting, nil)
	}

	headers := m.headers
	m.unlock()

	m.logger.Debug("connecting", slog.String("url", m.url))

	conn, err := m.handshake(ctx, headers)

	m.mu.Lock()
	m.dialing = false

	if err != nil {
		err = fmt.Errorf("%w: %w", chaterrors.ErrConnection, err)

		if m.closed || m.state == StateDisconnected {
			m.unlock()
			return err
		}

		m.setStateLocked(StateErrored, err)
		m.scheduleReconnectLocked()
		m.unlock()

		m.logger.Warn("connect failed", slog.String("error", err.Error()))

		return err
	}

	if m.closed || m.state == StateDisconnected {
		m.unlock()
		conn.Close(websocket.StatusNormalClosure, "cancelled")

		return fmt.Errorf("%w: connect cancelled", chaterrors.ErrConnection)
	}

	m.connSeq++
	seq := m.connSeq
	connCtx, cancel := context.WithCancel(m.ctx)
	m.conn = conn
	m.connCancel = cancel
	clear(m.active)
	clear(m.byID)
	m.setStateLocked(StateConnected, nil)

	subs := m.registry.List()
	for _, sub := range subs {
		if err := m.subscribeLocked(connCtx, conn, sub); err != nil {
			conn.Close(websocket.StatusGoingAway, "subscribe failed")
			m.dropLocked(seq, err)
			m.unlock()

			return fmt.Errorf("%w: replaying subscription %s: %w", chaterrors.ErrConnection, sub.Destination, err)
		}
	}

	m.wg.Add(1)

	go m.readLoop(connCtx, conn, seq)

	m.unlock()

	m.logger.Info("connected",
		slog.String("url", m.url),
		slog.Int("subscriptions", len(subs)),
	)

	return nil
}

// handshake dials and exchanges CONNECT/CONNECTED. The returned Conn is
// ready for the reader loop; on error nothing is left open.
func (m *Manager) handshake(ctx context.Context, headers map[string]string) (Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, m.handshakeTimeout)
	defer cancel()

	conn, err := m.dialer(ctx, m.url, nil)
	if err != nil {
		return nil, err
	}

	conn.SetReadLimit(m.readLimit)

	connect := newFrame(cmdConnect, headers,
		hdrAcceptVersion, stompVersion,
		hdrHost, m.host,
		hdrHeartBeat, "0,0",
	)
	if err := writeFrame(ctx, conn, connect); err != nil {
		conn.Close(websocket.StatusInternalError, "connect failed")
		return nil, fmt.Errorf("sending CONNECT: %w", err)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			conn.Close(websocket.StatusInternalError, "handshake read failed")
			return nil, fmt.Errorf("reading CONNECTED: %w", err)
		}

		f, err := decodeFrame(data)
		if err != nil {
			conn.Close(websocket.StatusProtocolError, "bad frame")
			return nil, err
		}

		if f == nil {
			continue
		}

		switch f.Command {
		case cmdConnected:
			m.logger.Debug("stomp session established", slog.String("version", f.Header.Get(hdrVersion)))
			return conn, nil
		case cmdError:
			conn.Close(websocket.StatusNormalClosure, "connect rejected")
			return nil, fmt.Errorf("server rejected CONNECT: %s", f.Header.Get(hdrMessage))
		default:
			m.logger.Debug("unexpected frame before CONNECTED", slog.String("command", f.Command))
		}
	}
}

// Disconnect gracefully closes the connection. It is valid only while
// connected; in any other state it returns a *NotConnectedError. Any
// pending reconnect is cancelled either way, and a Reconnecting or
// Errored manager settles in StateDisconnected. Subscriptions stay
// registered for a later Connect.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	m.stopTimerLocked()

	if m.state != StateConnected {
		st := m.state
		if st == StateReconnecting || st == StateErrored {
			m.setStateLocked(StateDisconnected, nil)
		}

		m.unlock()

		return &NotConnectedError{Op: "disconnect", State: st}
	}

	conn, cancel := m.detachLocked()
	m.setStateLocked(StateDisconnected, nil)
	m.unlock()

	m.closeGracefully(conn, cancel)
	m.logger.Info("disconnected", slog.String("url", m.url))

	return nil
}

// Close ends the session: cancels any reconnect, closes the socket,
// clears the registry and waits for the reader goroutine. Safe to call
// more than once.
func (m *Manager) Close() error {
	m.mu.Lock()

	if m.closed {
		m.unlock()
		return nil
	}

	m.closed = true
	m.stopTimerLocked()
	conn, cancel := m.detachLocked()
	m.setStateLocked(StateDisconnected, nil)
	m.unlock()

	if conn != nil {
		m.closeGracefully(conn, cancel)
	}

	m.registry.Clear()
	m.cancel()
	m.wg.Wait()

	return nil
}

func (m *Manager) detachLocked() (Conn, context.CancelFunc) {
	conn, cancel := m.conn, m.connCancel
	m.conn = nil
	m.connCancel = nil
	clear(m.active)
	clear(m.byID)

	return conn, cancel
}

func (m *Manager) closeGracefully(conn Conn, cancel context.CancelFunc) {
	ctx, done := context.WithTimeout(m.ctx, writeTimeout)
	defer done()

	if err := writeFrame(ctx, conn, newFrame(cmdDisconnect, nil)); err != nil {
		m.logger.Debug("sending DISCONNECT", slog.String("error", err.Error()))
	}

	conn.Close(websocket.StatusNormalClosure, "")

	if cancel != nil {
		cancel()
	}
}

// Send transmits body to destination as a JSON SEND frame. It fails
// with *NotConnectedError, without touching the transport, unless the
// manager is connected. []byte and json.RawMessage bodies are sent
// as-is. A transport write failure is not returned: it is logged and the
// connection is dropped, which starts the reconnect path.
func (m *Manager) Send(ctx context.Context, destination string, body any, headers map[string]string) error {
	m.mu.Lock()
	conn, seq, st := m.conn, m.connSeq, m.state
	m.mu.Unlock()

	if st != StateConnected || conn == nil {
		return &NotConnectedError{Op: "send", State: st}
	}

	payload, err := encodeBody(body)
	if err != nil {
		return fmt.Errorf("encoding body for %s: %w", destination, err)
	}

	if err := writeFrame(ctx, conn, newSendFrame(destination, payload, headers)); err != nil {
		m.logger.Warn("send failed", slog.String("destination", destination))
		m.dropConn(conn, seq, err)

		return nil
	}

	m.logger.Debug("frame sent",
		slog.String("destination", destination),
		slog.Int("bytes", len(payload)),
	)

	return nil
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	case string:
		return []byte(b), nil
	default:
		return json.Marshal(body)
	}
}

// Subscribe registers handler for destination. While connected the
// SUBSCRIBE frame goes out immediately; otherwise it is issued on the
// next successful connect. Re-subscribing a destination replaces its
// handler.
func (m *Manager) Subscribe(destination string, handler Handler, id string) error {
	if destination == "" {
		return errors.New("subscribe: empty destination")
	}

	if handler == nil {
		return errors.New("subscribe: nil handler")
	}

	m.registry.Add(destination, handler, id)

	m.mu.Lock()

	if m.state != StateConnected || m.conn == nil {
		m.unlock()
		m.logger.Debug("subscription queued until connected", slog.String("destination", destination))

		return nil
	}

	current, replacing := m.active[destination]
	if replacing && (id == "" || id == current) {
		m.unlock()
		return nil
	}

	if replacing {
		delete(m.byID, current)
	}

	conn, seq := m.conn, m.connSeq
	sub := Subscription{Destination: destination, Handler: handler, ID: m.claimIDLocked(destination, id)}
	m.unlock()

	ctx, cancel := context.WithTimeout(m.ctx, writeTimeout)
	defer cancel()

	if replacing {
		if err := writeFrame(ctx, conn, newFrame(cmdUnsubscribe, nil, hdrID, current)); err != nil {
			m.dropConn(conn, seq, err)
			return nil
		}
	}

	if err := writeFrame(ctx, conn, subscribeFrame(sub)); err != nil {
		m.dropConn(conn, seq, err)
		return nil
	}

	m.logger.Debug("subscribed",
		slog.String("destination", sub.Destination),
		slog.String("id", sub.ID),
	)

	return nil
}

// claimIDLocked picks the subscription id for destination, generating
// one when id is empty, and records it for dispatch.
func (m *Manager) claimIDLocked(destination, id string) string {
	if id == "" {
		m.subSeq++
		id = "sub-" + strconv.Itoa(m.subSeq)
	}

	m.active[destination] = id
	m.byID[id] = destination

	return id
}

func subscribeFrame(sub Subscription) *frame.Frame {
	return newFrame(cmdSubscribe, nil,
		hdrID, sub.ID,
		hdrDestination, sub.Destination,
		hdrAck, "auto",
	)
}

// subscribeLocked issues SUBSCRIBE during connect, before the reader
// starts and while no other writer can see conn.
func (m *Manager) subscribeLocked(ctx context.Context, conn Conn, sub Subscription) error {
	sub.ID = m.claimIDLocked(sub.Destination, sub.ID)

	if err := writeFrame(ctx, conn, subscribeFrame(sub)); err != nil {
		return fmt.Errorf("subscribing to %s: %w", sub.Destination, err)
	}

	m.logger.Debug("subscribed",
		slog.String("destination", sub.Destination),
		slog.String("id", sub.ID),
	)

	return nil
}

// Unsubscribe forgets destination. While connected an UNSUBSCRIBE frame
// is sent; frames already handed to the handler still complete.
func (m *Manager) Unsubscribe(destination string) error {
	if destination == "" {
		return errors.New("unsubscribe: empty destination")
	}

	m.registry.Remove(destination)

	m.mu.Lock()

	id, ok := m.active[destination]
	if !ok || m.conn == nil {
		m.unlock()
		return nil
	}

	delete(m.active, destination)
	delete(m.byID, id)

	conn, seq := m.conn, m.connSeq
	m.unlock()

	ctx, cancel := context.WithTimeout(m.ctx, writeTimeout)
	defer cancel()

	if err := writeFrame(ctx, conn, newFrame(cmdUnsubscribe, nil, hdrID, id)); err != nil {
		m.dropConn(conn, seq, err)
		return nil
	}

	m.logger.Debug("unsubscribed", slog.String("destination", destination))

	return nil
}

// dropConn tears down connection seq after a write error. A connection
// that was already replaced is only closed.
func (m *Manager) dropConn(conn Conn, seq uint64, err error) {
	m.logger.Warn("write failed, dropping connection", slog.String("error", err.Error()))
	conn.Close(websocket.StatusGoingAway, "write failed")
	m.handleClose(seq, err)
}

func (m *Manager) readLoop(ctx context.Context, conn Conn, seq uint64) {
	defer m.wg.Done()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			m.handleClose(seq, err)
			return
		}

		f, err := decodeFrame(data)
		if err != nil {
			m.logger.Warn("dropping undecodable frame", slog.String("error", err.Error()))
			continue
		}

		if f == nil {
			continue
		}

		switch f.Command {
		case cmdMessage:
			m.dispatch(f)
		case cmdError:
			msg := f.Header.Get(hdrMessage)
			m.logger.Warn("server sent ERROR frame", slog.String("message", msg))
			conn.Close(websocket.StatusGoingAway, "stomp error")
			m.handleClose(seq, fmt.Errorf("server error: %s", msg))

			return
		case cmdReceipt:
			m.logger.Debug("receipt", slog.String("id", f.Header.Get("receipt-id")))
		default:
			m.logger.Debug("ignoring frame", slog.String("command", f.Command))
		}
	}
}

// dispatch hands a MESSAGE to the handler registered for its
// destination, resolved through the subscription id when present.
func (m *Manager) dispatch(f *frame.Frame) {
	msg := toMessage(f)
	dest := msg.Destination

	m.mu.Lock()
	if d, ok := m.byID[msg.Subscription]; ok {
		dest = d
	}
	m.mu.Unlock()

	sub, ok := m.registry.Get(dest)
	if !ok {
		m.logger.Debug("no handler for destination", slog.String("destination", dest))
		return
	}

	sub.Handler(msg)
}

// handleClose reacts to the loss of connection seq. Stale or
// intentional closes are ignored.
func (m *Manager) handleClose(seq uint64, cause error) {
	m.mu.Lock()
	m.dropLocked(seq, cause)
	m.unlock()
}

func (m *Manager) dropLocked(seq uint64, cause error) {
	if seq != m.connSeq || m.conn == nil {
		return
	}

	_, cancel := m.detachLocked()
	if cancel != nil {
		cancel()
	}

	if m.closed {
		return
	}

	m.logger.Warn("connection lost",
		slog.String("error", cause.Error()),
		slog.Duration("reconnect_delay", m.reconnectDelay),
	)

	if m.reconnectDelay > 0 {
		m.setStateLocked(StateReconnecting, cause)
		m.scheduleReconnectLocked()

		return
	}

	m.setStateLocked(StateDisconnected, cause)
}

func (m *Manager) scheduleReconnectLocked() {
	if m.reconnectDelay <= 0 || m.closed {
		return
	}

	m.stopTimerLocked()

	m.timerSeq++
	gen := m.timerSeq
	m.reconnectTimer = time.AfterFunc(m.reconnectDelay, func() { m.retry(gen) })

	m.logger.Debug("reconnect scheduled", slog.Duration("delay", m.reconnectDelay))
}

func (m *Manager) stopTimerLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}

	m.timerSeq++
}

func (m *Manager) retry(gen uint64) {
	m.mu.Lock()

	if gen != m.timerSeq || m.closed || m.dialing {
		m.unlock()
		return
	}

	m.reconnectTimer = nil

	switch m.state {
	case StateReconnecting, StateErrored:
	default:
		m.unlock()
		return
	}

	if m.reconnectDelay <= 0 {
		m.setStateLocked(StateDisconnected, nil)
		m.unlock()

		return
	}

	m.setStateLocked(StateReconnecting, nil)

	// Failures are logged and rescheduled inside connectLocked.
	_ = m.connectLocked(m.ctx)
}

func (m *Manager) setStateLocked(next State, cause error) {
	if m.state == next {
		return
	}

	ev := StateEvent{Old: m.state, New: next, Err: cause}
	m.state = next
	m.pending = append(m.pending, ev)

	m.logger.Debug("state changed",
		slog.String("from", ev.Old.String()),
		slog.String("to", ev.New.String()),
	)
}

// unlock releases m.mu and then delivers queued state events.
func (m *Manager) unlock() {
	events := m.pending
	m.pending = nil
	m.mu.Unlock()

	if len(events) == 0 {
		return
	}

	m.listenersMu.RLock()
	listeners := slices.Clone(m.listeners)
	m.listenersMu.RUnlock()

	for _, ev := range events {
		for _, fn := range listeners {
			fn(ev)
		}
	}
}

func writeFrame(ctx context.Context, conn Conn, f *frame.Frame) error {
	data, err := encodeFrame(f)
	if err != nil {
		return err
	}

	return conn.Write(ctx, websocket.MessageText, data)
}
