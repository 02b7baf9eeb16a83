package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dolabb/api"
	"dolabb/database"
	"dolabb/middleware"
	"dolabb/models"
	"dolabb/offers"
	"dolabb/presence"
	"dolabb/protocol"
	"dolabb/socket"
)

const me, them = "u-me", "u-them"

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type fakeTransport struct {
	mu         sync.Mutex
	connectErr error
	sendErr    error
	connected  bool
	conv       string
	sent       []any
	subs       []func(socket.Event)
}

func (f *fakeTransport) Connect(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conv = id
	f.connected = f.connectErr == nil
	return f.connectErr
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func (f *fakeTransport) Send(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Subscribe(fn func(socket.Event)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, fn)
	return func() {}
}

func (f *fakeTransport) push(fr protocol.Frame) {
	f.emit(socket.Event{Kind: socket.EventFrame, ConversationID: f.conv, Frame: fr})
}

func (f *fakeTransport) emit(ev socket.Event) {
	f.mu.Lock()
	subs := append([]func(socket.Event){}, f.subs...)
	f.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (f *fakeTransport) frames() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]any{}, f.sent...)
}

type fakeBackend struct {
	mu        sync.Mutex
	convs     []models.Conversation
	convErr   error
	convCalls int
	pages     map[int][]protocol.Envelope
	total     int
	msgErr    error
	sendErr   error
	sent      []api.SendRequest
	sentBy    []string
}

func (b *fakeBackend) Conversations(ctx context.Context) ([]models.Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.convCalls++
	if b.convErr != nil {
		return nil, b.convErr
	}
	return append([]models.Conversation{}, b.convs...), nil
}

func (b *fakeBackend) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.convCalls
}

func (b *fakeBackend) Messages(ctx context.Context, conv string, page, limit int) ([]protocol.Envelope, *protocol.Pagination, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.msgErr != nil {
		return nil, nil, b.msgErr
	}
	return b.pages[page], &protocol.Pagination{CurrentPage: page, TotalPages: b.total}, nil
}

func (b *fakeBackend) SendMessage(ctx context.Context, req api.SendRequest) (protocol.Envelope, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return protocol.Envelope{}, b.sendErr
	}
	sender := ""
	if u := middleware.GetUserFromContext(ctx); u != nil {
		sender = u.ID
	}
	b.sent = append(b.sent, req)
	b.sentBy = append(b.sentBy, sender)
	env := chat(fmt.Sprintf("srv-%d", len(b.sent)), sender, req.Text, time.Second)
	env.Message.ConversationID = req.ConversationID
	env.Message.Attachments = req.Attachments
	return env, nil
}

func (b *fakeBackend) Upload(ctx context.Context, name string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("https://cdn/%s?%d", name, len(data)), nil
}

func chat(id, sender, text string, d time.Duration) protocol.Envelope {
	ts := t0.Add(d)
	return protocol.Envelope{
		Message: models.Message{
			ID: id, Text: text, SenderID: sender,
			RawTimestamp: protocol.FormatTimestamp(ts), Timestamp: ts,
			MessageType: models.MessageTypeText,
		},
		Hints: protocol.SenderHints{SenderID: sender},
	}
}

func offerEnv(id, offerID, sender string, status models.OfferStatus, counter *float64, d time.Duration) protocol.Envelope {
	env := chat(id, sender, "", d)
	env.Message.MessageType = models.MessageTypeOffer
	env.Message.OfferID = offerID
	env.Message.Offer = &models.Offer{ID: offerID, OfferAmount: 80, CounterAmount: counter, OriginalPrice: 100, Status: status, ProductID: "p1"}
	return env
}

func amount(v float64) *float64 { return &v }

type harness struct {
	s       *Session
	sock    *fakeTransport
	backend *fakeBackend

	mu      sync.Mutex
	notices []Notice
}

func (h *harness) lastNotice() (Notice, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.notices) == 0 {
		return Notice{}, false
	}
	return h.notices[len(h.notices)-1], true
}

func newHarness(t *testing.T, role string, cache Cache) *harness {
	t.Helper()
	h := &harness{
		sock: &fakeTransport{},
		backend: &fakeBackend{
			convs: []models.Conversation{
				{ID: "c1", OtherUser: models.User{ID: them, Username: "bob"}, LastMessageAt: t0, UnreadCount: 2},
				{ID: "c2", OtherUser: models.User{ID: "u-3", Username: "eve"}, LastMessageAt: t0.Add(-time.Hour)},
			},
			pages: map[int][]protocol.Envelope{},
			total: 1,
		},
	}
	h.s = NewSession(Config{
		User:            models.CurrentUser{ID: me, Role: role},
		Transport:       h.sock,
		Backend:         h.backend,
		Cache:           cache,
		Presence:        presence.NewRegistry(),
		RefetchInterval: 50 * time.Millisecond,
		Clock:           func() time.Time { return t0.Add(time.Hour) },
		OnNotice: func(n Notice) {
			h.mu.Lock()
			h.notices = append(h.notices, n)
			h.mu.Unlock()
		},
	})
	t.Cleanup(h.s.Close)
	return h
}

func (h *harness) open(t *testing.T) {
	t.Helper()
	_, err := h.s.LoadConversations(context.Background())
	require.NoError(t, err)
	require.NoError(t, h.s.OpenConversation(context.Background(), "c1", nil, nil))
}

func ids(log []models.Message) []string {
	out := make([]string, len(log))
	for i, m := range log {
		out[i] = m.ID
	}
	return out
}

func TestMergeConversations(t *testing.T) {
	merged := MergeConversations([]models.Conversation{
		{ID: "a", OtherUser: models.User{ID: "u2"}, LastMessageAt: t0, UnreadCount: 1},
		{ID: "b", OtherUser: models.User{ID: "u3"}, LastMessageAt: t0.Add(time.Minute)},
		{ID: "c", OtherUser: models.User{ID: "u2"}, LastMessageAt: t0.Add(2 * time.Minute), UnreadCount: 3},
	})
	require.Len(t, merged, 2)
	assert.Equal(t, "c", merged[0].ID)
	assert.Equal(t, 4, merged[0].UnreadCount)
	assert.Equal(t, "b", merged[1].ID)
}

func TestOpenConversationLoadsFirstPage(t *testing.T) {
	h := newHarness(t, models.RoleBuyer, nil)
	h.backend.pages[1] = []protocol.Envelope{
		chat("m2", them, "second", 2*time.Second),
		chat("m1", me, "first", time.Second),
	}
	h.open(t)

	assert.Equal(t, "c1", h.sock.conv)
	log := h.s.Messages()
	assert.Equal(t, []string{"m1", "m2"}, ids(log))
	assert.Equal(t, models.DirectionMe, log[0].Sender)
	assert.Equal(t, models.DirectionOther, log[1].Sender)

	convs := h.s.Conversations()
	assert.Equal(t, 0, convs[0].UnreadCount)

	// reopening is a no-op
	h.backend.msgErr = errors.New("must not refetch")
	require.NoError(t, h.s.OpenConversation(context.Background(), "c1", nil, nil))
}

func TestSendTextOverSocketIsReplacedByEcho(t *testing.T) {
	h := newHarness(t, models.RoleBuyer, nil)
	h.open(t)

	m, err := h.s.SendText(context.Background(), "  Hello there ")
	require.NoError(t, err)
	assert.True(t, m.IsOptimistic())
	require.Len(t, h.sock.frames(), 1)
	frame := h.sock.frames()[0].(protocol.ChatMessageFrame)
	assert.Equal(t, them, frame.ReceiverID)
	assert.Equal(t, "Hello there", frame.Text)

	h.sock.push(protocol.Frame{Type: protocol.TypeChatMessage, Envelope: ptr(chat("srv-9", me, "hello there", time.Second))})

	log := h.s.Messages()
	require.Len(t, log, 1)
	assert.Equal(t, "srv-9", log[0].ID)
	assert.True(t, log[0].IsDelivered)
}

func TestSendTextFallsBackToREST(t *testing.T) {
	h := newHarness(t, models.RoleBuyer, nil)
	h.sock.connectErr = socket.ErrConnectTimeout
	h.open(t)

	_, err := h.s.SendText(context.Background(), "via rest", File{Name: "a.png", Type: "image/png", Body: strings.NewReader("PNG")})
	require.NoError(t, err)

	require.Len(t, h.backend.sent, 1)
	assert.Equal(t, "c1", h.backend.sent[0].ConversationID)
	assert.Equal(t, me, h.backend.sentBy[0])
	require.Len(t, h.backend.sent[0].Attachments, 1)

	log := h.s.Messages()
	require.Len(t, log, 1)
	assert.Equal(t, "srv-1", log[0].ID)
}

func TestSendTextRollsBackWhenEveryRouteFails(t *testing.T) {
	h := newHarness(t, models.RoleBuyer, nil)
	h.sock.connectErr = socket.ErrConnectTimeout
	h.open(t)
	h.backend.sendErr = &api.Error{StatusCode: 502}

	_, err := h.s.SendText(context.Background(), "lost")
	require.Error(t, err)
	assert.Empty(t, h.s.Messages())

	n, ok := h.lastNotice()
	require.True(t, ok)
	assert.Equal(t, NoticeSendFailed, n.Kind)
	assert.True(t, n.Retryable)

	_, err = h.s.SendText(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestSendOfferRollsBackWithoutSocket(t *testing.T) {
	h := newHarness(t, models.RoleBuyer, nil)
	h.open(t)

	m, err := h.s.SendOffer(context.Background(), OfferRequest{ProductID: "p1", Amount: 80, Product: models.Product{Title: "Bag", Price: 100}})
	require.NoError(t, err)
	assert.Equal(t, 100.0, m.Offer.OriginalPrice)
	require.Len(t, h.sock.frames(), 1)
	assert.Equal(t, protocol.TypeSendOffer, h.sock.frames()[0].(protocol.SendOfferFrame).Type)

	// confirmation replaces the draft
	confirmed := offerEnv("o-1", "of1", me, models.OfferStatusPending, nil, time.Second)
	h.sock.push(protocol.Frame{Type: protocol.TypeOfferSent, Envelope: &confirmed})
	assert.Equal(t, []string{"o-1"}, ids(h.s.Messages()))

	h.sock.Disconnect()
	_, err = h.s.SendOffer(context.Background(), OfferRequest{ProductID: "p1", Amount: 70})
	assert.ErrorIs(t, err, socket.ErrNotConnected)
	assert.Equal(t, []string{"o-1"}, ids(h.s.Messages()))
	n, _ := h.lastNotice()
	assert.Equal(t, NoticeConnection, n.Kind)
}

func TestCounterOwnCounterIsRefusedLocally(t *testing.T) {
	h := newHarness(t, models.RoleBuyer, nil)
	h.backend.pages[1] = []protocol.Envelope{
		offerEnv("o-2", "of1", me, models.OfferStatusCountered, amount(90), 2*time.Second),
		offerEnv("o-1", "of1", them, models.OfferStatusCountered, amount(95), time.Second),
	}
	h.open(t)

	_, err := h.s.CounterOffer(context.Background(), "of1", 85, "")
	var ce *offers.CounterOfferError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "of1", ce.OfferID)
	assert.Empty(t, h.sock.frames())

	n, _ := h.lastNotice()
	assert.Equal(t, NoticeCounterOwnCounter, n.Kind)
	assert.Nil(t, h.s.Actions("of1"))
}

func TestCounterOfferDraftPurgedByServerError(t *testing.T) {
	h := newHarness(t, models.RoleSeller, nil)
	h.backend.pages[1] = []protocol.Envelope{
		offerEnv("o-1", "of1", them, models.OfferStatusPending, nil, time.Second),
	}
	h.open(t)
	assert.Equal(t, []offers.Action{offers.ActionAccept, offers.ActionCounter, offers.ActionReject}, h.s.Actions("of1"))

	m, err := h.s.CounterOffer(context.Background(), "of1", 90, "meet me")
	require.NoError(t, err)
	assert.Equal(t, "of1", m.OfferID)

	frame := h.sock.frames()[0].(protocol.CounterOfferFrame)
	assert.Equal(t, them, frame.BuyerID)
	assert.Empty(t, frame.SellerID)
	assert.Equal(t, 90.0, frame.CounterAmount)

	st, ok := h.s.Offer("of1")
	require.True(t, ok)
	assert.True(t, st.Pending)
	assert.Equal(t, models.OfferStatusCountered, st.Status)

	h.sock.push(protocol.Frame{Type: protocol.TypeError, Error: &protocol.ServerError{
		Code: protocol.CodeCounterOffer, Message: "wait for the other party", OfferID: "of1",
	}})
	assert.Equal(t, []string{"o-1"}, ids(h.s.Messages()))
	n, _ := h.lastNotice()
	assert.Equal(t, NoticeCounterOwnCounter, n.Kind)
}

func TestRepliesOnSettledOfferAreRefused(t *testing.T) {
	h := newHarness(t, models.RoleSeller, nil)
	h.backend.pages[1] = []protocol.Envelope{
		offerEnv("o-1", "of1", them, models.OfferStatusAccepted, nil, time.Second),
	}
	h.open(t)

	assert.ErrorIs(t, h.s.AcceptOffer(context.Background(), "of1", ""), offers.ErrOfferTerminal)
	assert.ErrorIs(t, h.s.RejectOffer(context.Background(), "nope", ""), offers.ErrOfferNotFound)
	assert.Empty(t, h.sock.frames())
}

func TestAcceptSendsReplyAndWaitsForConfirmation(t *testing.T) {
	h := newHarness(t, models.RoleSeller, nil)
	h.backend.pages[1] = []protocol.Envelope{
		offerEnv("o-1", "of1", them, models.OfferStatusPending, nil, time.Second),
	}
	h.open(t)

	require.NoError(t, h.s.AcceptOffer(context.Background(), "of1", "deal"))
	assert.Equal(t, protocol.NewAcceptOffer("of1", them, "deal"), h.sock.frames()[0])
	st, _ := h.s.Offer("of1")
	assert.Equal(t, models.OfferStatusPending, st.Status)

	accepted := offerEnv("o-2", "of1", me, models.OfferStatusAccepted, nil, 2*time.Second)
	h.sock.push(protocol.Frame{Type: protocol.TypeOfferAccepted, Envelope: &accepted})
	st, _ = h.s.Offer("of1")
	assert.Equal(t, models.OfferStatusAccepted, st.Status)
	assert.Equal(t, []string{"o-1"}, ids(h.s.Messages()))

	all := h.s.Offers()
	require.Len(t, all, 1)
	assert.Equal(t, models.OfferStatusAccepted, all["of1"].Status)
}

func TestFrameForOtherConversationOnlyTouchesPreview(t *testing.T) {
	h := newHarness(t, models.RoleBuyer, nil)
	h.open(t)
	// keep the background refetch from replacing the local preview
	h.backend.mu.Lock()
	h.backend.convErr = errors.New("offline")
	h.backend.mu.Unlock()

	h.sock.push(protocol.Frame{Type: protocol.TypeChatMessage, ConversationID: "c2", Envelope: ptr(chat("x1", "u-3", "psst", time.Minute))})
	assert.Empty(t, h.s.Messages())

	convs := h.s.Conversations()
	require.Len(t, convs, 2)
	for _, c := range convs {
		if c.ID == "c2" {
			assert.Equal(t, 1, c.UnreadCount)
			assert.Equal(t, "psst", c.LastMessage)
		}
	}
}

func TestRefetchWaitsForFirstLoadAndCoalesces(t *testing.T) {
	h := newHarness(t, models.RoleBuyer, nil)

	h.s.RequestRefetch()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, h.backend.calls())

	_, err := h.s.LoadConversations(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.backend.calls() == 2 }, time.Second, 5*time.Millisecond)

	for i := 0; i < 5; i++ {
		h.s.RequestRefetch()
	}
	time.Sleep(200 * time.Millisecond)
	assert.LessOrEqual(t, h.backend.calls(), 4)
	assert.GreaterOrEqual(t, h.backend.calls(), 3)
}

func TestPresenceAppliedToConversations(t *testing.T) {
	h := newHarness(t, models.RoleBuyer, nil)
	_, err := h.s.LoadConversations(context.Background())
	require.NoError(t, err)

	h.s.presence.SetStatus(them, true, nil)
	convs := h.s.Conversations()
	assert.True(t, convs[0].OtherUser.IsOnline)
	assert.False(t, convs[1].OtherUser.IsOnline)
}

func TestBlockingSocketNotices(t *testing.T) {
	h := newHarness(t, models.RoleBuyer, nil)
	h.open(t)

	h.s.presence.SetStatus(them, true, nil)
	h.sock.emit(socket.Event{Kind: socket.EventAuthFailed, ConversationID: "c1", Code: socket.CloseAuthFailed})
	n, ok := h.lastNotice()
	require.True(t, ok)
	assert.Equal(t, NoticeSessionExpired, n.Kind)
	assert.True(t, n.Blocking)

	h.sock.emit(socket.Event{Kind: socket.EventConnectionLost, ConversationID: "c1"})
	n, _ = h.lastNotice()
	assert.Equal(t, NoticeConnectionLost, n.Kind)
	assert.True(t, n.Blocking)
	assert.False(t, h.s.presence.IsOnline(them))
}

func TestLoadMoreAndCloseChat(t *testing.T) {
	h := newHarness(t, models.RoleBuyer, nil)
	h.backend.total = 2
	h.backend.pages[1] = []protocol.Envelope{chat("m2", them, "b", 2*time.Second)}
	h.backend.pages[2] = []protocol.Envelope{chat("m1", them, "a", time.Second)}
	h.open(t)

	assert.Equal(t, History{Page: 1, HasMore: true}, h.s.History())
	loaded, err := h.s.LoadMore(context.Background())
	require.NoError(t, err)
	assert.True(t, loaded)
	assert.Equal(t, []string{"m1", "m2"}, ids(h.s.Messages()))
	assert.Equal(t, History{Page: 2}, h.s.History())

	loaded, err = h.s.LoadMore(context.Background())
	require.NoError(t, err)
	assert.False(t, loaded)

	h.s.CloseChat()
	assert.Nil(t, h.s.Messages())
	_, ok := h.s.Active()
	assert.False(t, ok)
	_, err = h.s.LoadMore(context.Background())
	assert.ErrorIs(t, err, ErrNoConversation)
}

func TestCachedHistoryServedWhenBackendFails(t *testing.T) {
	store, err := database.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := newHarness(t, models.RoleBuyer, store)
	h.backend.pages[1] = []protocol.Envelope{chat("m1", them, "cached", time.Second)}
	h.open(t)
	h.s.CloseChat()

	second := newHarness(t, models.RoleBuyer, store)
	second.backend.convErr = &api.Error{StatusCode: 503}
	second.backend.msgErr = &api.Error{StatusCode: 503}

	convs, err := second.s.LoadConversations(context.Background())
	require.Error(t, err)
	require.Len(t, convs, 2)

	err = second.s.OpenConversation(context.Background(), "c1", nil, nil)
	require.Error(t, err)
	log := second.s.Messages()
	require.Len(t, log, 1)
	assert.True(t, log[0].Cached)

	n, _ := second.lastNotice()
	assert.Equal(t, NoticeLoadFailed, n.Kind)
	assert.True(t, n.Retryable)

	second.backend.msgErr = nil
	second.backend.pages[1] = []protocol.Envelope{chat("m1", them, "cached", time.Second)}
	require.NoError(t, second.s.Retry(context.Background()))
	assert.False(t, second.s.Messages()[0].Cached)
}

func TestDroppedConversationClearsCachedHistory(t *testing.T) {
	store, err := database.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := newHarness(t, models.RoleBuyer, store)
	h.backend.pages[1] = []protocol.Envelope{chat("m1", them, "hi", time.Second)}
	h.open(t)
	cached, err := store.LoadMessages(context.Background(), "c1", 20)
	require.NoError(t, err)
	require.Len(t, cached, 1)

	h.backend.mu.Lock()
	all := h.backend.convs
	h.backend.convs = all[1:]
	h.backend.mu.Unlock()

	// the open conversation keeps its cache even when the list drops it
	_, err = h.s.LoadConversations(context.Background())
	require.NoError(t, err)
	cached, err = store.LoadMessages(context.Background(), "c1", 20)
	require.NoError(t, err)
	assert.Len(t, cached, 1)

	h.backend.mu.Lock()
	h.backend.convs = all
	h.backend.mu.Unlock()
	_, err = h.s.LoadConversations(context.Background())
	require.NoError(t, err)
	h.s.CloseChat()

	h.backend.mu.Lock()
	h.backend.convs = all[1:]
	h.backend.mu.Unlock()
	_, err = h.s.LoadConversations(context.Background())
	require.NoError(t, err)
	cached, err = store.LoadMessages(context.Background(), "c1", 20)
	require.NoError(t, err)
	assert.Empty(t, cached)
}

func ptr[T any](v T) *T { return &v }
