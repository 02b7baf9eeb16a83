package handlers

import (
	"context"
	"sort"
	"time"

	"dolabb/logger"
	"dolabb/models"
)

// MergeConversations folds backend records into one conversation per
// counterpart. The most recent record is shown and unread counts are summed.
func MergeConversations(convs []models.Conversation) []models.Conversation {
	byUser := make(map[string]int, len(convs))
	var out []models.Conversation
	for _, c := range convs {
		key := c.OtherUser.ID
		if key == "" {
			key = "conversation:" + c.ChannelID()
		}
		i, ok := byUser[key]
		if !ok {
			byUser[key] = len(out)
			out = append(out, c)
			continue
		}
		unread := out[i].UnreadCount + c.UnreadCount
		online := out[i].OtherUser.IsOnline || c.OtherUser.IsOnline
		if c.LastMessageAt.After(out[i].LastMessageAt) {
			out[i] = c
		}
		out[i].UnreadCount = unread
		out[i].OtherUser.IsOnline = online
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out
}

// LoadConversations fetches, merges and publishes the conversation list.
// The first successful call opens the refetch gate. When the backend is
// unreachable and nothing was loaded yet, the cached list is served.
func (s *Session) LoadConversations(ctx context.Context) ([]models.Conversation, error) {
	convs, err := s.fetchConversations(ctx)
	if err != nil {
		s.notify(loadNotice(err, ""))
		if cached := s.cachedConversations(ctx); cached != nil {
			return cached, err
		}
		return nil, err
	}

	s.mu.Lock()
	wasReady := s.ready
	s.ready = true
	queued := s.refetchDirty
	s.mu.Unlock()

	if !wasReady && queued {
		s.RequestRefetch()
	}
	return convs, nil
}

func (s *Session) fetchConversations(ctx context.Context) ([]models.Conversation, error) {
	raw, err := s.backend.Conversations(ctx)
	if err != nil {
		return nil, err
	}
	merged := MergeConversations(raw)

	s.mu.Lock()
	var dropped []string
	for i := range s.conversations {
		prev := &s.conversations[i]
		if s.active != nil && s.active.Matches(prev.ChannelID()) {
			continue
		}
		if !listed(merged, prev) {
			dropped = append(dropped, prev.ChannelID())
		}
	}
	s.conversations = merged
	if s.active != nil {
		for i := range merged {
			if merged[i].OtherUser.ID != "" && merged[i].OtherUser.ID == s.active.OtherUser.ID {
				// keep the pane's ids, refresh everything else
				c := merged[i]
				c.ID, c.ConversationID = s.active.ID, s.active.ConversationID
				*s.active = c
				break
			}
		}
	}
	s.mu.Unlock()

	if s.cache != nil {
		if err := s.cache.SaveConversations(ctx, merged); err != nil {
			s.log.Warn("cache conversations failed", logger.Err(err))
		}
		for _, id := range dropped {
			if err := s.cache.DeleteMessages(ctx, id); err != nil {
				s.log.Warn("cache cleanup failed", logger.Conversation(id), logger.Err(err))
			}
		}
	}
	s.changed(Change{Kind: ChangeConversations})
	return s.Conversations(), nil
}

// listed reports whether c is still in convs under either id
func listed(convs []models.Conversation, c *models.Conversation) bool {
	for i := range convs {
		if convs[i].Matches(c.ID) || convs[i].Matches(c.ConversationID) {
			return true
		}
	}
	return false
}

func (s *Session) cachedConversations(ctx context.Context) []models.Conversation {
	if s.cache == nil {
		return nil
	}
	s.mu.Lock()
	loaded := len(s.conversations) > 0
	s.mu.Unlock()
	if loaded {
		return s.Conversations()
	}
	cached, err := s.cache.LoadConversations(ctx)
	if err != nil || len(cached) == 0 {
		return nil
	}
	s.mu.Lock()
	s.conversations = cached
	s.mu.Unlock()
	return s.Conversations()
}

// Conversations returns the merged list with live presence applied
func (s *Session) Conversations() []models.Conversation {
	s.mu.Lock()
	out := append([]models.Conversation(nil), s.conversations...)
	s.mu.Unlock()
	for i := range out {
		if s.presence.IsOnline(out[i].OtherUser.ID) {
			out[i].OtherUser.IsOnline = true
		}
	}
	return out
}

// RequestRefetch schedules a conversation list refresh. Calls before the
// first successful load are held until then; calls while a refresh is
// pending coalesce into it, and refreshes are spaced by the refetch interval.
func (s *Session) RequestRefetch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refetchDirty = true
	if !s.ready || s.refetching || s.closed {
		return
	}
	s.refetching = true
	s.wg.Add(1)
	go s.refetchLoop()
}

func (s *Session) refetchLoop() {
	defer s.wg.Done()
	for {
		if d := s.limiter.Reserve().Delay(); d > 0 {
			t := time.NewTimer(d)
			select {
			case <-s.ctx.Done():
				t.Stop()
				s.stopRefetch()
				return
			case <-t.C:
			}
		}

		s.mu.Lock()
		s.refetchDirty = false
		s.mu.Unlock()

		if _, err := s.fetchConversations(s.ctx); err != nil && s.ctx.Err() == nil {
			s.log.Warn("conversation refetch failed", logger.Err(err))
		}

		s.mu.Lock()
		if !s.refetchDirty || s.closed {
			s.refetching = false
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
	}
}

func (s *Session) stopRefetch() {
	s.mu.Lock()
	s.refetching = false
	s.mu.Unlock()
}

// touchConversation updates the list preview for an incoming or outgoing message
func (s *Session) touchConversation(conversationID string, m models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.conversations {
		c := &s.conversations[i]
		if !c.Matches(conversationID) {
			continue
		}
		if m.Text != "" {
			c.LastMessage = m.Text
		}
		if !m.Timestamp.IsZero() && m.Timestamp.After(c.LastMessageAt) {
			c.LastMessageAt = m.Timestamp
		}
		isActive := s.active != nil && s.active.Matches(conversationID)
		if m.Sender == models.DirectionOther && !isActive {
			c.UnreadCount++
		}
		return true
	}
	return false
}
