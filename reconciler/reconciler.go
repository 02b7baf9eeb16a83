// Package reconciler merges REST pages, websocket pushes and local optimistic
// inserts into one sorted, deduplicated event log per conversation.
//
// The merge rules live in pure functions (merge.go); Reconciler only owns
// the current log and serializes writers.
package reconciler

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"dolabb/logger"
	"dolabb/models"
	"dolabb/protocol"
)

// DefaultWindow bounds how old an optimistic entry may be and still be confirmed
const DefaultWindow = 30 * time.Second

type Option func(*Reconciler)

func WithWindow(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.window = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) { r.log = logger.OrDefault(l) }
}

// Reconciler holds the log of one conversation
type Reconciler struct {
	conversationID string
	userID         string
	window         time.Duration
	now            func() time.Time
	log            *slog.Logger

	mu      sync.Mutex
	entries []models.Message
}

func New(conversationID, userID string, opts ...Option) *Reconciler {
	r := &Reconciler{
		conversationID: conversationID,
		userID:         userID,
		window:         DefaultWindow,
		now:            time.Now,
		log:            slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With(logger.Conversation(conversationID))
	return r
}

func (r *Reconciler) ConversationID() string { return r.conversationID }

// Messages returns a copy of the current log
func (r *Reconciler) Messages() []models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneLog(r.entries)
}

func (r *Reconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Reset clears the log
func (r *Reconciler) Reset() {
	r.mu.Lock()
	r.entries = nil
	r.mu.Unlock()
}

// Seed fills an empty log with cached history. Seeded entries are replaced
// by the first REST page.
func (r *Reconciler) Seed(cached []models.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) > 0 {
		return false
	}
	out := make([]models.Message, 0, len(cached))
	for _, m := range cached {
		if m.IsOptimistic() {
			continue
		}
		m = m.Clone()
		m.Cached = true
		out = append(out, m)
	}
	Sort(out)
	r.entries = out
	return len(out) > 0
}

// AppendLocal inserts an optimistic entry. The entry must carry a temp- id;
// sender, creation time and timestamp are filled in.
func (r *Reconciler) AppendLocal(m models.Message) (models.Message, MergeResult) {
	now := r.now()
	m.Sender = models.DirectionMe
	if m.SenderID == "" {
		m.SenderID = r.userID
	}
	if m.ConversationID == "" {
		m.ConversationID = r.conversationID
	}
	m.CreatedLocally = now
	m.Timestamp = now.UTC()
	m.RawTimestamp = protocol.FormatTimestamp(now)
	m.IsDelivered = false
	if !m.IsOptimistic() {
		r.log.Warn("local entry without temp id", logger.MessageID(m.ID))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var res MergeResult
	r.entries, res = AppendLocal(r.entries, m)
	return m, res
}

// ApplyRemote merges one pushed frame. Frame types that do not touch the
// log are ignored; routing frames to the right conversation is the caller's job.
func (r *Reconciler) ApplyRemote(f protocol.Frame) MergeResult {
	switch {
	case f.Type == protocol.TypeError:
		if f.Error != nil && f.Error.IsCounterOfferError() {
			return r.PurgeCounterDrafts(f.Error.OfferID)
		}
		return MergeResult{}
	case f.Envelope == nil:
		return MergeResult{}
	}

	m := r.resolve(*f.Envelope)
	if m.ID == "" {
		r.log.Warn("dropping pushed message without id", logger.FrameType(string(f.Type)))
		return MergeResult{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var res MergeResult
	if f.Type.IsOfferEvent() {
		r.entries, res = MergeOffer(r.entries, m, r.now(), r.window)
	} else {
		r.entries, res = MergeChat(r.entries, m, r.now(), r.window)
	}
	return res
}

// ApplyPage merges one REST page as returned by the server (newest first).
// Page 1 replaces confirmed history; later pages only add older entries.
func (r *Reconciler) ApplyPage(envs []protocol.Envelope, page int) MergeResult {
	batch := make([]models.Message, 0, len(envs))
	for _, env := range envs {
		m := r.resolve(env)
		if m.ID == "" {
			r.log.Warn("dropping page message without id")
			continue
		}
		batch = append(batch, m)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var res MergeResult
	if page <= 1 {
		r.entries, res = MergeFirstPage(r.entries, batch, r.window)
	} else {
		r.entries, res = MergeOlderPage(r.entries, batch)
	}
	return res
}

// Remove drops one entry, used to roll back a failed optimistic send
func (r *Reconciler) Remove(id string) MergeResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res MergeResult
	r.entries, res = RemoveWhere(r.entries, func(m *models.Message) bool { return m.ID == id })
	return res
}

// PurgeCounterDrafts drops optimistic counters of offerID, or of every offer when offerID is empty
func (r *Reconciler) PurgeCounterDrafts(offerID string) MergeResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res MergeResult
	r.entries, res = RemoveWhere(r.entries, func(m *models.Message) bool {
		return strings.HasPrefix(m.ID, models.TempCounterPrefix) && (offerID == "" || m.OfferID == offerID)
	})
	if len(res.Removed) > 0 {
		r.log.Info("purged optimistic counters", logger.Offer(offerID), slog.Int("count", len(res.Removed)))
	}
	return res
}

// resolve attributes an envelope and fills conversation defaults
func (r *Reconciler) resolve(env protocol.Envelope) models.Message {
	m := env.Message.Clone()
	a := Attribute(env.Hints, r.userID)
	m.Sender = a.Direction
	switch {
	case a.Conflict:
		r.log.Warn("sender signals disagree, using id comparison",
			logger.MessageID(m.ID), slog.String("sender_id", env.Hints.SenderID), slog.String("resolved", string(a.Direction)))
	case a.Guessed:
		r.log.Warn("no sender signal, attributing to counterpart", logger.MessageID(m.ID))
	}
	if m.Timestamp.IsZero() && m.RawTimestamp != "" {
		r.log.Warn("unparseable timestamp", logger.MessageID(m.ID), slog.String("raw", m.RawTimestamp))
	}
	if m.ConversationID == "" {
		m.ConversationID = r.conversationID
	}
	return m
}
