package models

import (
	"strings"
	"time"
)

// Prefixes of locally generated ids for entries that are not yet confirmed by the server
const (
	TempPrefix        = "temp-"
	TempOfferPrefix   = "temp-offer-"
	TempCounterPrefix = "temp-counter-"
)

// Direction tells whether a message was sent by the local user or the counterpart
type Direction string

const (
	DirectionMe    Direction = "me"
	DirectionOther Direction = "other"
)

// MessageType distinguishes plain chat from offer transitions
type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeOffer MessageType = "offer"
)

// Attachment is a file uploaded alongside a message
type Attachment struct {
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
	Type string `json:"type,omitempty"`
}

// Message is one entry of a conversation's event log
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId,omitempty"`
	Text           string       `json:"text"`
	Sender         Direction    `json:"sender"` // derived, never trusted from the wire
	SenderID       string       `json:"senderId"`
	ReceiverID     string       `json:"receiverId"`
	RawTimestamp   string       `json:"rawTimestamp"`
	Timestamp      time.Time    `json:"-"` // parsed RawTimestamp, zero when unparseable
	Attachments    []Attachment `json:"attachments,omitempty"`
	MessageType    MessageType  `json:"messageType"`
	OfferID        string       `json:"offerId,omitempty"`
	Offer          *Offer       `json:"offer,omitempty"`
	IsDelivered    bool         `json:"isDelivered,omitempty"`
	IsRead         bool         `json:"isRead,omitempty"`

	// CreatedLocally is set on optimistic entries only
	CreatedLocally time.Time `json:"-"`
	// Cached marks entries seeded from the local snapshot cache
	Cached bool `json:"-"`
}

// IsOptimistic reports whether the entry carries a locally generated id
func (m *Message) IsOptimistic() bool {
	return strings.HasPrefix(m.ID, TempPrefix)
}

// IsOffer reports whether the entry belongs to an offer thread
func (m *Message) IsOffer() bool {
	return m.MessageType == MessageTypeOffer || m.OfferID != ""
}

// Clone returns a deep copy so merges never share offer snapshots between logs
func (m Message) Clone() Message {
	if m.Attachments != nil {
		m.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.Offer != nil {
		o := m.Offer.Clone()
		m.Offer = &o
	}
	return m
}

// Conversation represents a chat thread with another user
type Conversation struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	OtherUser      User      `json:"otherUser"`
	LastMessage    string    `json:"lastMessage"`
	LastMessageAt  time.Time `json:"lastMessageAt"`
	UnreadCount    int       `json:"unreadCount"`
}

// Matches reports whether id refers to this conversation under either backend identifier
func (c *Conversation) Matches(id string) bool {
	if id == "" {
		return false
	}
	return c.ID == id || c.ConversationID == id
}

// ChannelID returns the identifier used for the websocket route
func (c *Conversation) ChannelID() string {
	if c.ConversationID != "" {
		return c.ConversationID
	}
	return c.ID
}
