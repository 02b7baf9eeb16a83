package socket

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dolabb/presence"
	"dolabb/protocol"
)

type fakeServer struct {
	*httptest.Server
	upgrader websocket.Upgrader
	dials    atomic.Int32
	conns    chan *websocket.Conn
	reject   atomic.Int32 // http status for upgrades once set
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{conns: make(chan *websocket.Conn, 8)}
	r := mux.NewRouter()
	r.HandleFunc("/ws/chat/{id}/", func(w http.ResponseWriter, req *http.Request) {
		fs.dials.Add(1)
		if req.URL.Query().Get("token") == "bad" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if code := fs.reject.Load(); code != 0 {
			http.Error(w, "nope", int(code))
			return
		}
		conn, err := fs.upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		fs.conns <- conn
	})
	fs.Server = httptest.NewServer(r)
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) wsURL() string {
	return "ws" + strings.TrimPrefix(fs.URL, "http")
}

func (fs *fakeServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-fs.conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no websocket connection")
		return nil
	}
}

type recorder struct {
	ch chan Event
}

func record(m *Manager) *recorder {
	r := &recorder{ch: make(chan Event, 64)}
	m.Subscribe(func(ev Event) { r.ch <- ev })
	return r
}

func (r *recorder) waitFor(t *testing.T, kind EventKind) Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-r.ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
			return Event{}
		}
	}
}

func (r *recorder) none(t *testing.T, kind EventKind, wait time.Duration) {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case ev := <-r.ch:
			require.NotEqual(t, kind, ev.Kind, "unexpected %s event", kind)
		case <-deadline:
			return
		}
	}
}

func newTestManager(fs *fakeServer, token string, reg *presence.Registry) *Manager {
	return NewManager(Config{
		BaseURL:        fs.wsURL(),
		Token:          token,
		ConnectTimeout: time.Second,
		ReconnectBase:  10 * time.Millisecond,
		MaxReconnects:  2,
		Presence:       reg,
	})
}

func TestConnectRoutesFrames(t *testing.T) {
	fs := newFakeServer(t)
	reg := presence.NewRegistry()
	m := newTestManager(fs, "tok", reg)
	rec := record(m)

	require.NoError(t, m.Connect(context.Background(), "c1"))
	defer m.Disconnect()
	rec.waitFor(t, EventConnected)
	srv := fs.accept(t)

	require.NoError(t, srv.WriteMessage(websocket.TextMessage, []byte(`{"type":"online_users","onlineUsers":["u2"]}`)))
	require.NoError(t, srv.WriteMessage(websocket.TextMessage, []byte(`{"type":"typing"}`)))
	require.NoError(t, srv.WriteMessage(websocket.TextMessage, []byte(`garbage`)))
	require.NoError(t, srv.WriteMessage(websocket.TextMessage, []byte(`{"type":"chat_message","message":{"id":"m1","text":"hi"}}`)))

	ev := rec.waitFor(t, EventFrame)
	assert.Equal(t, protocol.TypeOnlineUsers, ev.Frame.Type)
	assert.True(t, reg.IsOnline("u2"))

	ev = rec.waitFor(t, EventFrame)
	assert.Equal(t, protocol.TypeChatMessage, ev.Frame.Type, "unknown and malformed frames are skipped")
	assert.Equal(t, "c1", ev.ConversationID)
	assert.Equal(t, "m1", ev.Frame.Envelope.Message.ID)
}

func TestSend(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(fs, "tok", presence.NewRegistry())

	assert.ErrorIs(t, m.Send(protocol.NewChatMessage("u1", "u2", "x", nil)), ErrNotConnected)

	require.NoError(t, m.Connect(context.Background(), "c1"))
	defer m.Disconnect()
	srv := fs.accept(t)

	require.NoError(t, m.Send(protocol.NewAcceptOffer("o1", "u2", "ok")))
	_, data, err := srv.ReadMessage()
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "accept_offer", got["type"])
	assert.Equal(t, "o1", got["offerId"])
}

func TestSwitchingConversationClosesNormally(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(fs, "tok", presence.NewRegistry())
	rec := record(m)

	require.NoError(t, m.Connect(context.Background(), "c1"))
	first := fs.accept(t)
	require.NoError(t, m.Connect(context.Background(), "c1"), "same conversation is a no-op")

	require.NoError(t, m.Connect(context.Background(), "c2"))
	defer m.Disconnect()
	fs.accept(t)

	_, _, err := first.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
	assert.Equal(t, "Switching conversation", ce.Text)

	rec.none(t, EventReconnecting, 100*time.Millisecond)
	assert.Equal(t, int32(2), fs.dials.Load())
	assert.Equal(t, "c2", m.ConversationID())
}

func TestAuthCloseDoesNotReconnect(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(fs, "tok", presence.NewRegistry())
	rec := record(m)

	require.NoError(t, m.Connect(context.Background(), "c1"))
	srv := fs.accept(t)
	require.NoError(t, srv.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(CloseAuthFailed, "auth failed")))

	ev := rec.waitFor(t, EventAuthFailed)
	assert.True(t, ev.Blocking())
	assert.Equal(t, CloseAuthFailed, ev.Code)
	rec.none(t, EventReconnecting, 100*time.Millisecond)
	assert.Equal(t, int32(1), fs.dials.Load())
	assert.False(t, m.Connected())
}

func TestHandshakeUnauthorized(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(fs, "bad", presence.NewRegistry())
	rec := record(m)

	err := m.Connect(context.Background(), "c1")
	assert.ErrorIs(t, err, ErrAuthFailed)
	rec.waitFor(t, EventAuthFailed)
	rec.none(t, EventReconnecting, 100*time.Millisecond)
}

// stalledListener accepts TCP connections and never answers the upgrade request
func stalledListener(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var mu sync.Mutex
	var held []net.Conn
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			held = append(held, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range held {
			c.Close()
		}
	})
	return "ws://" + ln.Addr().String()
}

func TestConnectTimeout(t *testing.T) {
	m := NewManager(Config{
		BaseURL:        stalledListener(t),
		Token:          "tok",
		ConnectTimeout: 100 * time.Millisecond,
		ReconnectBase:  time.Hour,
		MaxReconnects:  1,
		Presence:       presence.NewRegistry(),
	})
	rec := record(m)
	defer m.Disconnect()

	start := time.Now()
	err := m.Connect(context.Background(), "c1")
	require.ErrorIs(t, err, ErrConnectTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.False(t, m.Connected())

	ev := rec.waitFor(t, EventError)
	assert.ErrorIs(t, ev.Err, ErrConnectTimeout)
	assert.False(t, ev.Blocking())
}

func TestReconnectAfterDrop(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(fs, "tok", presence.NewRegistry())
	rec := record(m)

	require.NoError(t, m.Connect(context.Background(), "c1"))
	defer m.Disconnect()
	rec.waitFor(t, EventConnected)
	fs.accept(t).Close() // no close frame: 1006

	ev := rec.waitFor(t, EventReconnecting)
	assert.Equal(t, 1, ev.Attempt)
	assert.Equal(t, 10*time.Millisecond, ev.Delay)

	ev = rec.waitFor(t, EventConnected)
	assert.Equal(t, 1, ev.Attempt)
	fs.accept(t)
	assert.True(t, m.Connected())
}

func TestReconnectExhaustion(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(fs, "tok", presence.NewRegistry())
	rec := record(m)

	require.NoError(t, m.Connect(context.Background(), "c1"))
	defer m.Disconnect()
	rec.waitFor(t, EventConnected)
	fs.reject.Store(http.StatusServiceUnavailable)
	fs.accept(t).Close()

	first := rec.waitFor(t, EventReconnecting)
	second := rec.waitFor(t, EventReconnecting)
	assert.Equal(t, 10*time.Millisecond, first.Delay)
	assert.Equal(t, 20*time.Millisecond, second.Delay, "backoff grows linearly")

	ev := rec.waitFor(t, EventConnectionLost)
	assert.True(t, ev.Blocking())
	assert.Equal(t, int32(3), fs.dials.Load())
	rec.none(t, EventReconnecting, 100*time.Millisecond)
}

func TestDisconnectSuppressesReconnect(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(fs, "tok", presence.NewRegistry())
	rec := record(m)

	require.NoError(t, m.Connect(context.Background(), "c1"))
	fs.accept(t)
	m.Disconnect()

	rec.waitFor(t, EventClosed)
	rec.none(t, EventReconnecting, 100*time.Millisecond)
	assert.Empty(t, m.ConversationID())
}

func TestUnsubscribe(t *testing.T) {
	m := NewManager(Config{})
	var n atomic.Int32
	unsub := m.Subscribe(func(Event) { n.Add(1) })
	m.publish(Event{Kind: EventError})
	unsub()
	unsub()
	m.publish(Event{Kind: EventError})
	assert.Equal(t, int32(1), n.Load())
}

func TestCloseCode(t *testing.T) {
	assert.Equal(t, 4001, CloseCode(&websocket.CloseError{Code: 4001}))
	assert.Equal(t, websocket.CloseAbnormalClosure, CloseCode(assert.AnError))
}
