// Package socket owns the websocket connection of the active conversation.
package socket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"dolabb/logger"
	"dolabb/presence"
	"dolabb/protocol"
)

// Close codes with special meaning for the reconnect policy
const (
	CloseNormal     = websocket.CloseNormalClosure
	CloseAuthFailed = 4001
)

const (
	reasonSwitching  = "Switching conversation"
	reasonDisconnect = "Client disconnect"
	writeWait        = 10 * time.Second
)

var (
	ErrNotConnected   = errors.New("socket: not connected")
	ErrConnectTimeout = errors.New("socket: connect timeout")
	ErrAuthFailed     = errors.New("socket: authentication failed")
)

// Config defines connection settings.
type Config struct {
	BaseURL        string // ws:// or wss:// origin
	Token          string
	ConnectTimeout time.Duration
	ReconnectBase  time.Duration
	MaxReconnects  int

	Presence *presence.Registry
	Dialer   *websocket.Dialer
	Logger   *slog.Logger
}

// Manager keeps at most one connection open and fans its events out to subscribers.
type Manager struct {
	cfg Config
	log *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	convID string
	gen    uint64 // bumped on every intentional close; stale readers compare against it
	cancel context.CancelFunc

	writeMu sync.Mutex

	subMu   sync.RWMutex
	subs    map[int]func(Event)
	nextSub int
}

func NewManager(cfg Config) *Manager {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = 3 * time.Second
	}
	if cfg.MaxReconnects < 0 {
		cfg.MaxReconnects = 0
	}
	if cfg.Presence == nil {
		cfg.Presence = presence.Default
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.ConnectTimeout,
		}
	}
	return &Manager{
		cfg:  cfg,
		log:  logger.OrDefault(cfg.Logger).With("component", "socket"),
		subs: make(map[int]func(Event)),
	}
}

// Subscribe registers fn for every event. Handlers run on the reader
// goroutine and must not block. The returned func removes the handler.
func (m *Manager) Subscribe(fn func(Event)) (unsubscribe func()) {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, id)
			m.subMu.Unlock()
		})
	}
}

func (m *Manager) publish(ev Event) {
	m.subMu.RLock()
	handlers := make([]func(Event), 0, len(m.subs))
	for _, fn := range m.subs {
		handlers = append(handlers, fn)
	}
	m.subMu.RUnlock()

	for _, fn := range handlers {
		fn(ev)
	}
}

// Connect opens the socket for conversationID. An open socket for another
// conversation is closed first with code 1000. Connecting to the already
// connected conversation is a no-op.
//
// A failed initial dial is returned and, unless it was an auth failure,
// handed to the reconnect loop.
func (m *Manager) Connect(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return errors.New("socket: conversation id required")
	}

	m.mu.Lock()
	if m.conn != nil && m.convID == conversationID {
		m.mu.Unlock()
		return nil
	}
	m.closeLocked(reasonSwitching)
	gen := m.gen
	m.convID = conversationID
	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()

	conn, err := m.dial(ctx, conversationID)
	if err != nil {
		m.log.Error("websocket connect failed", logger.Conversation(conversationID), logger.Err(err))
		m.publish(Event{Kind: EventError, ConversationID: conversationID, Err: err})
		if errors.Is(err, ErrAuthFailed) {
			m.publish(Event{Kind: EventAuthFailed, ConversationID: conversationID, Err: err})
			return err
		}
		go m.reconnect(loopCtx, gen, conversationID)
		return err
	}
	if !m.attach(gen, conn) {
		conn.Close()
		return context.Canceled
	}
	m.log.Info("websocket connected", logger.Conversation(conversationID))
	m.publish(Event{Kind: EventConnected, ConversationID: conversationID})
	go m.readLoop(loopCtx, gen, conn, conversationID)
	return nil
}

// Disconnect closes the socket intentionally; no reconnect follows.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	convID := m.convID
	had := m.conn != nil
	m.closeLocked(reasonDisconnect)
	m.convID = ""
	m.mu.Unlock()

	if had {
		m.publish(Event{Kind: EventClosed, ConversationID: convID})
	}
}

// Send writes v as a JSON text frame. It never queues: ErrNotConnected is
// returned when no socket is open so callers can roll back or fall back.
func (m *Manager) Send(v any) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("socket: set write deadline: %w", err)
	}
	if err := conn.WriteJSON(v); err != nil {
		return fmt.Errorf("socket: write: %w", err)
	}
	return nil
}

// Connected reports whether a socket is currently open
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// ConversationID returns the conversation the manager is bound to, open or reconnecting
func (m *Manager) ConversationID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.convID
}

// closeLocked tears down the current connection and invalidates its reader
// and any pending reconnect. Caller holds m.mu.
func (m *Manager) closeLocked(reason string) {
	m.gen++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.conn == nil {
		return
	}
	conn := m.conn
	m.conn = nil

	msg := websocket.FormatCloseMessage(CloseNormal, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		m.log.Debug("close frame not delivered", logger.Conversation(m.convID), logger.Err(err))
	}
	conn.Close()
	m.log.Info("websocket closed", logger.Conversation(m.convID), slog.String("reason", reason))
}

// attach installs conn if gen is still current
func (m *Manager) attach(gen uint64, conn *websocket.Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return false
	}
	m.conn = conn
	return true
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen == gen
}

func (m *Manager) endpoint(conversationID string) string {
	return fmt.Sprintf("%s/ws/chat/%s/?token=%s", m.cfg.BaseURL, url.PathEscape(conversationID), url.QueryEscape(m.cfg.Token))
}

func (m *Manager) dial(ctx context.Context, conversationID string) (*websocket.Conn, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	conn, resp, err := m.cfg.Dialer.DialContext(dialCtx, m.endpoint(conversationID), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake status %d", ErrAuthFailed, resp.StatusCode)
		}
		var ne net.Error
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
			return nil, fmt.Errorf("%w after %s", ErrConnectTimeout, m.cfg.ConnectTimeout)
		}
		return nil, err
	}
	return conn, nil
}

func (m *Manager) readLoop(ctx context.Context, gen uint64, conn *websocket.Conn, conversationID string) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.onClosed(ctx, gen, conn, conversationID, err)
			return
		}
		f, err := protocol.Decode(data)
		if err != nil {
			m.log.Warn("dropping malformed frame", logger.Conversation(conversationID), logger.Err(err))
			continue
		}
		m.route(conversationID, f)
	}
}

// route applies presence frames to the registry and forwards everything
// the engine understands to subscribers
func (m *Manager) route(conversationID string, f protocol.Frame) {
	switch {
	case f.Type == protocol.TypeOnlineUsers:
		m.cfg.Presence.Replace(f.OnlineIDs, f.OnlineUsers)
	case f.Type == protocol.TypeUserStatus:
		if f.Status != nil {
			m.cfg.Presence.SetStatus(f.Status.UserID, f.Status.Online, f.Status.User)
		}
	case f.Type == protocol.TypeChatMessage, f.Type.IsOfferEvent(), f.Type == protocol.TypeError:
	default:
		m.log.Debug("ignoring unknown frame", logger.FrameType(string(f.Type)), logger.Conversation(conversationID))
		return
	}
	m.publish(Event{Kind: EventFrame, ConversationID: conversationID, Frame: f})
}

func (m *Manager) onClosed(ctx context.Context, gen uint64, conn *websocket.Conn, conversationID string, err error) {
	m.mu.Lock()
	if m.gen != gen {
		// closed on purpose
		m.mu.Unlock()
		return
	}
	if m.conn == conn {
		m.conn = nil
	}
	m.mu.Unlock()
	conn.Close()

	code := CloseCode(err)
	switch code {
	case CloseAuthFailed:
		m.log.Warn("websocket auth failed", logger.Conversation(conversationID))
		m.publish(Event{Kind: EventAuthFailed, ConversationID: conversationID, Code: code, Err: ErrAuthFailed})
		return
	case CloseNormal:
		m.log.Info("websocket closed by server", logger.Conversation(conversationID))
		m.publish(Event{Kind: EventClosed, ConversationID: conversationID, Code: code})
		return
	}
	m.log.Warn("websocket dropped", logger.Conversation(conversationID), slog.Int("code", code), logger.Err(err))
	m.reconnect(ctx, gen, conversationID)
}

// reconnect retries with linear backoff. A successful dial hands over to a
// fresh reader, which starts counting attempts from zero again.
func (m *Manager) reconnect(ctx context.Context, gen uint64, conversationID string) {
	for attempt := 1; attempt <= m.cfg.MaxReconnects; attempt++ {
		delay := m.cfg.ReconnectBase * time.Duration(attempt)
		m.publish(Event{Kind: EventReconnecting, ConversationID: conversationID, Attempt: attempt, Delay: delay})
		m.log.Info("websocket reconnecting", logger.Conversation(conversationID), slog.Int("attempt", attempt), slog.Duration("delay", delay))

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		if !m.current(gen) {
			return
		}

		conn, err := m.dial(ctx, conversationID)
		if err != nil {
			if errors.Is(err, ErrAuthFailed) {
				m.publish(Event{Kind: EventAuthFailed, ConversationID: conversationID, Err: err})
				return
			}
			m.log.Warn("websocket reconnect failed", logger.Conversation(conversationID), slog.Int("attempt", attempt), logger.Err(err))
			continue
		}
		if !m.attach(gen, conn) {
			conn.Close()
			return
		}
		m.publish(Event{Kind: EventConnected, ConversationID: conversationID, Attempt: attempt})
		go m.readLoop(ctx, gen, conn, conversationID)
		return
	}

	if !m.current(gen) {
		return
	}
	m.log.Error("websocket connection lost", logger.Conversation(conversationID), slog.Int("attempts", m.cfg.MaxReconnects))
	m.publish(Event{Kind: EventConnectionLost, ConversationID: conversationID, Attempt: m.cfg.MaxReconnects})
}

// CloseCode extracts the close code from a read error; 1006 when the
// connection dropped without a close frame
func CloseCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return websocket.CloseAbnormalClosure
}
