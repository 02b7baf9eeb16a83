// Package handlers drives one user's chat dashboard: the conversation list,
// the open conversation and the offer actions on it.
package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"dolabb/api"
	"dolabb/backfill"
	"dolabb/logger"
	"dolabb/models"
	"dolabb/offers"
	"dolabb/presence"
	"dolabb/protocol"
	"dolabb/reconciler"
	"dolabb/socket"
)

// ErrNoConversation is returned by actions that need an open conversation
var ErrNoConversation = errors.New("handlers: no conversation open")

// Transport is the realtime channel, implemented by *socket.Manager
type Transport interface {
	Connect(ctx context.Context, conversationID string) error
	Disconnect()
	Send(v any) error
	Connected() bool
	Subscribe(fn func(socket.Event)) (unsubscribe func())
}

// Backend is the REST surface, implemented by *api.Client
type Backend interface {
	backfill.Fetcher
	Conversations(ctx context.Context) ([]models.Conversation, error)
	SendMessage(ctx context.Context, req api.SendRequest) (protocol.Envelope, error)
	Upload(ctx context.Context, filename string, r io.Reader) (string, error)
}

// Cache keeps the last known state across restarts, implemented by *database.Store
type Cache interface {
	SaveConversations(ctx context.Context, convs []models.Conversation) error
	LoadConversations(ctx context.Context) ([]models.Conversation, error)
	SaveMessages(ctx context.Context, conversationID string, msgs []models.Message) error
	LoadMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error)
	DeleteMessages(ctx context.Context, conversationID string) error
}

// ChangeKind tells an observer what to redraw
type ChangeKind string

const (
	ChangeMessages      ChangeKind = "messages"
	ChangeConversations ChangeKind = "conversations"
	ChangePresence      ChangeKind = "presence"
	ChangeConnection    ChangeKind = "connection"
)

type Change struct {
	Kind           ChangeKind
	ConversationID string
}

// Config wires a Session. Cache, Presence and the callbacks are optional.
type Config struct {
	User      models.CurrentUser
	Transport Transport
	Backend   Backend
	Cache     Cache
	Presence  *presence.Registry

	PageSize         int
	OptimisticWindow time.Duration
	RefetchInterval  time.Duration
	Clock            func() time.Time
	Logger           *slog.Logger

	// OnNotice and OnChange may run on the socket reader goroutine and must not block
	OnNotice func(Notice)
	OnChange func(Change)
}

// Session is the dashboard state of one logged in user
type Session struct {
	cfg      Config
	user     models.CurrentUser
	socket   Transport
	backend  Backend
	cache    Cache
	presence *presence.Registry
	log      *slog.Logger
	now      func() time.Time
	backfill *backfill.Controller
	limiter  *rate.Limiter
	unsub    func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	conversations []models.Conversation
	active        *models.Conversation
	rec           *reconciler.Reconciler
	ready         bool
	refetchDirty  bool
	refetching    bool
	closed        bool
}

// NewSession subscribes to the transport right away so no frame is missed
func NewSession(cfg Config) *Session {
	if cfg.PageSize <= 0 {
		cfg.PageSize = backfill.DefaultPageSize
	}
	if cfg.OptimisticWindow <= 0 {
		cfg.OptimisticWindow = reconciler.DefaultWindow
	}
	if cfg.RefetchInterval <= 0 {
		cfg.RefetchInterval = 500 * time.Millisecond
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Presence == nil {
		cfg.Presence = presence.Default
	}
	log := logger.OrDefault(cfg.Logger).With("component", "session", "user_id", cfg.User.ID)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:      cfg,
		user:     cfg.User,
		socket:   cfg.Transport,
		backend:  cfg.Backend,
		cache:    cfg.Cache,
		presence: cfg.Presence,
		log:      log,
		now:      cfg.Clock,
		limiter:  rate.NewLimiter(rate.Every(cfg.RefetchInterval), 1),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.backfill = backfill.New(backfill.Config{Fetcher: cfg.Backend, PageSize: cfg.PageSize, Logger: cfg.Logger})
	if s.socket != nil {
		s.unsub = s.socket.Subscribe(s.handleEvent)
	}
	return s
}

// Close stops background work and drops the connection
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	if s.unsub != nil {
		s.unsub()
	}
	if s.socket != nil {
		s.socket.Disconnect()
	}
	s.wg.Wait()
}

// OpenConversation makes id the active conversation: cached history is shown
// first, the socket is switched over and page 1 is fetched. Reopening the
// active conversation is a no-op. A socket failure is reported but does not
// fail the call; sends fall back to REST.
func (s *Session) OpenConversation(ctx context.Context, id string, view backfill.Viewport, render func()) error {
	s.mu.Lock()
	if s.active != nil && s.active.Matches(id) {
		s.mu.Unlock()
		return nil
	}
	conv := models.Conversation{ID: id}
	for i := range s.conversations {
		if s.conversations[i].Matches(id) {
			conv = s.conversations[i]
			s.conversations[i].UnreadCount = 0
			break
		}
	}
	rec := reconciler.New(conv.ChannelID(), s.user.ID,
		reconciler.WithWindow(s.cfg.OptimisticWindow),
		reconciler.WithClock(s.now),
		reconciler.WithLogger(s.cfg.Logger),
	)
	s.active = &conv
	s.rec = rec
	s.mu.Unlock()

	channel := conv.ChannelID()
	s.log.Info("opening conversation", logger.Conversation(channel))

	if s.cache != nil {
		cached, err := s.cache.LoadMessages(ctx, channel, s.cfg.PageSize)
		if err != nil {
			s.log.Warn("cached history unavailable", logger.Conversation(channel), logger.Err(err))
		} else if rec.Seed(cached) {
			s.changed(Change{Kind: ChangeMessages, ConversationID: channel})
		}
	}

	s.backfill.Bind(channel, rec, view, render)

	if s.socket != nil {
		if err := s.socket.Connect(ctx, channel); err != nil {
			s.log.Warn("realtime channel unavailable", logger.Conversation(channel), logger.Err(err))
		}
	}

	return s.loadFirstPage(ctx, channel)
}

// Retry refetches page 1 of the active conversation after a failed load.
// Once page 1 is in, live frames keep the log current and Retry does nothing.
func (s *Session) Retry(ctx context.Context) error {
	_, rec := s.current()
	if rec == nil {
		return ErrNoConversation
	}
	return s.loadFirstPage(ctx, rec.ConversationID())
}

func (s *Session) loadFirstPage(ctx context.Context, channel string) error {
	res, err := s.backfill.LoadInitial(ctx)
	switch {
	case errors.Is(err, context.Canceled):
		// superseded by another conversation
		return nil
	case err != nil:
		s.notify(loadNotice(err, channel))
		return err
	}
	if res.Changed() {
		s.persist(ctx)
		s.changed(Change{Kind: ChangeMessages, ConversationID: channel})
	}
	return nil
}

// CloseChat leaves the active conversation. The socket stays open so
// presence keeps flowing until another conversation is opened.
func (s *Session) CloseChat() {
	s.mu.Lock()
	s.active = nil
	s.rec = nil
	s.mu.Unlock()
	s.backfill.Unbind()
	s.changed(Change{Kind: ChangeMessages})
}

// LoadMore backfills the next older page of the active conversation
func (s *Session) LoadMore(ctx context.Context) (bool, error) {
	_, rec := s.current()
	if rec == nil {
		return false, ErrNoConversation
	}
	loaded, err := s.backfill.LoadMore(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, backfill.ErrNotReady) {
			return false, err
		}
		s.notify(loadNotice(err, rec.ConversationID()))
		return false, err
	}
	if loaded {
		s.persist(ctx)
		s.changed(Change{Kind: ChangeMessages, ConversationID: rec.ConversationID()})
	}
	return loaded, nil
}

// History is the backfill progress of the open conversation
type History struct {
	Page    int
	HasMore bool
	Loading bool
}

func (s *Session) History() History {
	return History{
		Page:    s.backfill.Page(),
		HasMore: s.backfill.HasMore(),
		Loading: s.backfill.Loading(),
	}
}

// Active returns the open conversation
func (s *Session) Active() (models.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return models.Conversation{}, false
	}
	return *s.active, true
}

// Messages returns a snapshot of the active conversation's log
func (s *Session) Messages() []models.Message {
	_, rec := s.current()
	if rec == nil {
		return nil
	}
	return rec.Messages()
}

// Offer projects one offer thread of the active conversation
func (s *Session) Offer(offerID string) (offers.State, bool) {
	return offers.Derive(s.Messages(), offerID)
}

// Offers projects every offer thread of the active conversation, keyed by offer id
func (s *Session) Offers() map[string]offers.State {
	return offers.DeriveAll(s.Messages())
}

// Actions lists what the local user may do on an offer right now
func (s *Session) Actions(offerID string) []offers.Action {
	st, ok := s.Offer(offerID)
	if !ok {
		return nil
	}
	return offers.AvailableActions(st, s.user.Role)
}

func (s *Session) current() (*models.Conversation, *reconciler.Reconciler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil, nil
	}
	c := *s.active
	return &c, s.rec
}

// handleEvent runs on the socket reader goroutine
func (s *Session) handleEvent(ev socket.Event) {
	switch ev.Kind {
	case socket.EventFrame:
		s.handleFrame(ev)
	case socket.EventConnected, socket.EventClosed, socket.EventReconnecting:
		if ev.Kind == socket.EventReconnecting {
			s.log.Info("reconnecting", logger.Conversation(ev.ConversationID),
				slog.Int("attempt", ev.Attempt), slog.Duration("delay", ev.Delay))
		}
		s.changed(Change{Kind: ChangeConnection, ConversationID: ev.ConversationID})
	default:
		if ev.Blocking() {
			// no presence updates arrive until a new session connects
			s.presence.Clear()
			s.changed(Change{Kind: ChangePresence})
		}
		if n, ok := socketNotice(ev); ok {
			s.notify(n)
		}
		s.changed(Change{Kind: ChangeConnection, ConversationID: ev.ConversationID})
	}
}

func (s *Session) handleFrame(ev socket.Event) {
	f := ev.Frame
	switch {
	case f.Type == protocol.TypeOnlineUsers, f.Type == protocol.TypeUserStatus:
		s.changed(Change{Kind: ChangePresence})
		return
	case f.Type == protocol.TypeError:
		if f.Error == nil {
			return
		}
		s.log.Warn("server rejected request", logger.Offer(f.Error.OfferID), logger.Err(f.Error))
		if active, rec := s.current(); rec != nil && s.belongs(active, ev.ConversationID, f.ConversationID) {
			if rec.ApplyRemote(f).Changed() {
				s.changed(Change{Kind: ChangeMessages, ConversationID: rec.ConversationID()})
			}
		}
		s.notify(serverNotice(f.Error))
		return
	case f.Envelope == nil:
		return
	}

	convID := f.ConversationID
	if convID == "" {
		convID = ev.ConversationID
	}

	active, rec := s.current()
	if rec != nil && s.belongs(active, ev.ConversationID, f.ConversationID) {
		if rec.ApplyRemote(f).Changed() {
			s.persist(s.ctx)
			s.changed(Change{Kind: ChangeMessages, ConversationID: rec.ConversationID()})
		}
	} else {
		s.log.Debug("frame for inactive conversation", logger.Conversation(convID), logger.FrameType(string(f.Type)))
	}

	preview := f.Envelope.Message
	if preview.SenderID != "" && preview.SenderID != s.user.ID {
		preview.Sender = models.DirectionOther
	}
	if s.touchConversation(convID, preview) {
		s.changed(Change{Kind: ChangeConversations})
	}
	s.RequestRefetch()
}

// belongs reports whether a frame read from socketConv naming frameConv is
// for the active conversation. Frames without their own id inherit the socket's.
func (s *Session) belongs(active *models.Conversation, socketConv, frameConv string) bool {
	if active == nil {
		return false
	}
	if socketConv != "" && !active.Matches(socketConv) {
		return false
	}
	return frameConv == "" || active.Matches(frameConv)
}

// persist writes the confirmed part of the active log to the cache
func (s *Session) persist(ctx context.Context) {
	if s.cache == nil {
		return
	}
	_, rec := s.current()
	if rec == nil {
		return
	}
	if err := s.cache.SaveMessages(ctx, rec.ConversationID(), rec.Messages()); err != nil {
		s.log.Warn("cache messages failed", logger.Conversation(rec.ConversationID()), logger.Err(err))
	}
}

func (s *Session) notify(n Notice) {
	if n.Blocking {
		s.log.Error("blocking notice", slog.String("kind", string(n.Kind)), slog.String("text", n.Text))
	}
	if s.cfg.OnNotice != nil {
		s.cfg.OnNotice(n)
	}
}

func (s *Session) changed(c Change) {
	if s.cfg.OnChange != nil {
		s.cfg.OnChange(c)
	}
}
