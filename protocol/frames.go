package protocol

import "dolabb/models"

// FrameType is the `type` discriminator carried by every websocket frame
type FrameType string

// Inbound frame types
const (
	TypeOnlineUsers    FrameType = "online_users"
	TypeUserStatus     FrameType = "user_status"
	TypeChatMessage    FrameType = "chat_message"
	TypeOfferSent      FrameType = "offer_sent"
	TypeOfferCountered FrameType = "offer_countered"
	TypeOfferAccepted  FrameType = "offer_accepted"
	TypeOfferRejected  FrameType = "offer_rejected"
	TypeError          FrameType = "error"
)

// Outbound frame types
const (
	TypeSendOffer    FrameType = "send_offer"
	TypeCounterOffer FrameType = "counter_offer"
	TypeAcceptOffer  FrameType = "accept_offer"
	TypeRejectOffer  FrameType = "reject_offer"
)

// IsOfferEvent reports whether t is one of the offer lifecycle events
func (t FrameType) IsOfferEvent() bool {
	switch t {
	case TypeOfferSent, TypeOfferCountered, TypeOfferAccepted, TypeOfferRejected:
		return true
	}
	return false
}

// OfferStatus returns the negotiation status an offer lifecycle event moves to
func (t FrameType) OfferStatus() models.OfferStatus {
	switch t {
	case TypeOfferCountered:
		return models.OfferStatusCountered
	case TypeOfferAccepted:
		return models.OfferStatusAccepted
	case TypeOfferRejected:
		return models.OfferStatusRejected
	default:
		return models.OfferStatusPending
	}
}

// SenderHints carries every sender signal a backend payload may provide.
// They are resolved into a single Direction by the reconciler.
type SenderHints struct {
	IsSender *bool
	Sender   models.Direction
	SenderID string
}

// Envelope is a normalized message plus the raw attribution signals it arrived with
type Envelope struct {
	Message models.Message
	Hints   SenderHints
}

// UserStatus is the payload of a user_status frame
type UserStatus struct {
	UserID string
	Online bool
	User   *models.OnlineUser
}

// Pagination is the server-supplied page metadata of a message listing
type Pagination struct {
	CurrentPage int `json:"currentPage"`
	TotalPages  int `json:"totalPages"`
}

// Frame is one decoded inbound websocket frame
type Frame struct {
	Type           FrameType
	ConversationID string

	// Envelope is set for chat_message and offer lifecycle frames
	Envelope *Envelope
	// Offer is the offer snapshot of an offer lifecycle frame
	Offer *models.Offer

	OnlineIDs   []string
	OnlineUsers []models.OnlineUser
	Status      *UserStatus

	Error *ServerError
}

// ChatMessageFrame is sent for plain chat messages
type ChatMessageFrame struct {
	Type        FrameType           `json:"type"`
	SenderID    string              `json:"senderId"`
	ReceiverID  string              `json:"receiverId"`
	Text        string              `json:"text"`
	Attachments []models.Attachment `json:"attachments"`
	OfferID     *string             `json:"offerId"`
	ProductID   *string             `json:"productId"`
	MessageType models.MessageType  `json:"messageType"`
}

// NewChatMessage builds a chat_message frame
func NewChatMessage(senderID, receiverID, text string, attachments []models.Attachment) ChatMessageFrame {
	if attachments == nil {
		attachments = []models.Attachment{}
	}
	return ChatMessageFrame{
		Type:        TypeChatMessage,
		SenderID:    senderID,
		ReceiverID:  receiverID,
		Text:        text,
		Attachments: attachments,
		MessageType: models.MessageTypeText,
	}
}

// SendOfferFrame opens a new offer thread
type SendOfferFrame struct {
	Type            FrameType `json:"type"`
	ProductID       string    `json:"productId"`
	OfferAmount     float64   `json:"offerAmount"`
	ReceiverID      string    `json:"receiverId"`
	Text            string    `json:"text"`
	ShippingAddress string    `json:"shippingAddress,omitempty"`
	ZipCode         string    `json:"zipCode,omitempty"`
	HouseNumber     string    `json:"houseNumber,omitempty"`
}

// CounterOfferFrame proposes a new amount on an existing thread.
// Exactly one of SellerID and BuyerID is set, naming the counterpart's role.
type CounterOfferFrame struct {
	Type          FrameType `json:"type"`
	OfferID       string    `json:"offerId"`
	CounterAmount float64   `json:"counterAmount"`
	ReceiverID    string    `json:"receiverId"`
	Text          string    `json:"text"`
	SellerID      string    `json:"sellerId,omitempty"`
	BuyerID       string    `json:"buyerId,omitempty"`
}

// OfferReplyFrame accepts or rejects an offer thread
type OfferReplyFrame struct {
	Type       FrameType `json:"type"`
	OfferID    string    `json:"offerId"`
	ReceiverID string    `json:"receiverId"`
	Text       string    `json:"text"`
}

// NewAcceptOffer builds an accept_offer frame
func NewAcceptOffer(offerID, receiverID, text string) OfferReplyFrame {
	return OfferReplyFrame{Type: TypeAcceptOffer, OfferID: offerID, ReceiverID: receiverID, Text: text}
}

// NewRejectOffer builds a reject_offer frame
func NewRejectOffer(offerID, receiverID, text string) OfferReplyFrame {
	return OfferReplyFrame{Type: TypeRejectOffer, OfferID: offerID, ReceiverID: receiverID, Text: text}
}
