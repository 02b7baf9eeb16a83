package protocol

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"dolabb/models"
)

// The backend is inconsistent about key casing and nesting. Everything below
// folds those shapes into the canonical models; nothing past this file sees a
// raw payload.

// first returns the first existing value among paths
func first(r gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() && v.Type != gjson.Null {
			return v
		}
	}
	return gjson.Result{}
}

func str(r gjson.Result, paths ...string) string {
	return strings.TrimSpace(first(r, paths...).String())
}

func optFloat(r gjson.Result, paths ...string) *float64 {
	v := first(r, paths...)
	if !v.Exists() || (v.Type == gjson.String && strings.TrimSpace(v.Str) == "") {
		return nil
	}
	f := v.Float()
	return &f
}

func optBool(r gjson.Result, paths ...string) *bool {
	v := first(r, paths...)
	if v.Type != gjson.True && v.Type != gjson.False {
		return nil
	}
	b := v.Bool()
	return &b
}

// Decode parses one inbound websocket frame. Unknown types decode without
// error and are left to the caller to ignore.
func Decode(data []byte) (Frame, error) {
	if !gjson.ValidBytes(data) {
		return Frame{}, ErrMalformedFrame
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return Frame{}, ErrMalformedFrame
	}
	typ := FrameType(root.Get("type").String())
	if typ == "" {
		return Frame{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}

	f := Frame{
		Type:           typ,
		ConversationID: str(root, "conversationId", "conversation_id"),
	}
	switch {
	case typ == TypeOnlineUsers:
		decodeOnlineUsers(root, &f)
	case typ == TypeUserStatus:
		f.Status = decodeUserStatus(root)
	case typ == TypeChatMessage:
		msg := first(root, "message", "data")
		if !msg.IsObject() {
			return Frame{}, fmt.Errorf("%w: chat_message without message object", ErrMalformedFrame)
		}
		env := NormalizeMessage(msg)
		if env.Message.ConversationID == "" {
			env.Message.ConversationID = f.ConversationID
		}
		if f.ConversationID == "" {
			f.ConversationID = env.Message.ConversationID
		}
		f.Envelope = &env
	case typ.IsOfferEvent():
		if err := decodeOfferEvent(root, &f); err != nil {
			return Frame{}, err
		}
	case typ == TypeError:
		f.Error = &ServerError{
			Code:           str(root, "error", "code"),
			Message:        str(root, "message", "detail"),
			ConversationID: f.ConversationID,
			OfferID:        str(root, "offerId", "offer_id"),
		}
	}
	return f, nil
}

func decodeOnlineUsers(root gjson.Result, f *Frame) {
	for _, id := range first(root, "onlineUsers", "online_users").Array() {
		if s := strings.TrimSpace(id.String()); s != "" {
			f.OnlineIDs = append(f.OnlineIDs, s)
		}
	}
	for _, d := range first(root, "onlineUsersDetails", "online_users_details").Array() {
		u := NormalizeOnlineUser(d)
		if u.ID != "" {
			f.OnlineUsers = append(f.OnlineUsers, u)
		}
	}
}

func decodeUserStatus(root gjson.Result) *UserStatus {
	st := &UserStatus{
		UserID: str(root, "user_id", "userId", "user.id"),
		Online: strings.EqualFold(str(root, "status"), "online"),
	}
	if u := root.Get("user"); u.IsObject() {
		ou := NormalizeOnlineUser(u)
		if ou.ID == "" {
			ou.ID = st.UserID
		}
		st.User = &ou
	}
	return st
}

func decodeOfferEvent(root gjson.Result, f *Frame) error {
	var offer *models.Offer
	if o := root.Get("offer"); o.IsObject() {
		v := NormalizeOffer(o)
		offer = &v
	}

	var env Envelope
	if msg := root.Get("message"); msg.IsObject() {
		env = NormalizeMessage(msg)
	} else if offer != nil {
		// no message bubble in the frame; synthesize one keyed on the transition
		ts := str(root.Get("offer"), "updatedAt", "updated_at", "createdAt", "created_at")
		env.Message = models.Message{
			ID:           fmt.Sprintf("offer-%s-%s-%s", offer.ID, f.Type, ts),
			Text:         str(root, "text"),
			SenderID:     str(root, "senderId", "sender_id"),
			ReceiverID:   str(root, "receiverId", "receiver_id"),
			RawTimestamp: ts,
		}
		env.Hints.SenderID = env.Message.SenderID
		env.Hints.IsSender = optBool(root, "isSender", "is_sender")
		if t, ok := ParseTimestamp(ts); ok {
			env.Message.Timestamp = t
		}
	} else {
		return fmt.Errorf("%w: %s without offer or message", ErrMalformedFrame, f.Type)
	}

	m := &env.Message
	if offer == nil && m.Offer != nil {
		o := m.Offer.Clone()
		offer = &o
	}
	if offer == nil {
		offer = &models.Offer{ID: m.OfferID}
	}
	if offer.ID == "" {
		offer.ID = str(root, "offerId", "offer_id")
		if offer.ID == "" {
			offer.ID = m.OfferID
		}
	}
	if f.Type != TypeOfferSent || offer.Status == "" {
		offer.Status = f.Type.OfferStatus()
	}

	m.MessageType = models.MessageTypeOffer
	m.OfferID = offer.ID
	snapshot := offer.Clone()
	m.Offer = &snapshot
	if m.ConversationID == "" {
		m.ConversationID = f.ConversationID
	}
	if f.ConversationID == "" {
		f.ConversationID = m.ConversationID
	}
	f.Offer = offer
	f.Envelope = &env
	return nil
}

// NormalizeMessage folds one backend message object into the canonical schema.
// Sender direction is left unresolved; the raw signals are returned in Hints.
func NormalizeMessage(r gjson.Result) Envelope {
	m := models.Message{
		ID:             str(r, "id", "_id", "messageId", "message_id"),
		ConversationID: str(r, "conversationId", "conversation_id", "conversation"),
		SenderID:       str(r, "senderId", "sender_id", "senderID", "sender.id", "sender._id"),
		ReceiverID:     str(r, "receiverId", "receiver_id", "receiverID", "receiver.id", "receiver._id"),
		RawTimestamp:   rawTimestamp(first(r, "rawTimestamp", "timestamp", "createdAt", "created_at", "sentAt")),
		OfferID:        str(r, "offerId", "offer_id", "offer.id", "offer._id"),
		IsDelivered:    first(r, "isDelivered", "is_delivered").Bool(),
		IsRead:         first(r, "isRead", "is_read").Bool(),
	}
	if text := first(r, "text", "content", "message"); text.Type == gjson.String {
		m.Text = text.Str
	}
	if t, ok := ParseTimestamp(m.RawTimestamp); ok {
		m.Timestamp = t
	}
	for _, a := range r.Get("attachments").Array() {
		if att, ok := normalizeAttachment(a); ok {
			m.Attachments = append(m.Attachments, att)
		}
	}
	if o := r.Get("offer"); o.IsObject() {
		offer := NormalizeOffer(o)
		if offer.ID == "" {
			offer.ID = m.OfferID
		}
		m.Offer = &offer
		if m.OfferID == "" {
			m.OfferID = offer.ID
		}
	}
	switch strings.ToLower(str(r, "messageType", "message_type", "type")) {
	case string(models.MessageTypeOffer):
		m.MessageType = models.MessageTypeOffer
	default:
		m.MessageType = models.MessageTypeText
	}
	if m.OfferID != "" {
		m.MessageType = models.MessageTypeOffer
	}

	hints := SenderHints{
		IsSender: optBool(r, "isSender", "is_sender"),
		SenderID: m.SenderID,
	}
	if s := r.Get("sender"); s.Type == gjson.String {
		switch models.Direction(strings.ToLower(s.Str)) {
		case models.DirectionMe:
			hints.Sender = models.DirectionMe
		case models.DirectionOther:
			hints.Sender = models.DirectionOther
		}
	}
	return Envelope{Message: m, Hints: hints}
}

// NormalizeOffer folds one backend offer object into the canonical schema
func NormalizeOffer(r gjson.Result) models.Offer {
	o := models.Offer{
		ID:            str(r, "id", "_id", "offerId", "offer_id"),
		OriginalPrice: first(r, "originalPrice", "original_price", "product.price").Float(),
		Status:        models.OfferStatus(strings.ToLower(str(r, "status"))),
		ProductID:     str(r, "productId", "product_id", "product.id", "product._id"),
		CounterAmount: optFloat(r, "counterAmount", "counter_amount"),
		ShippingCost:  optFloat(r, "shippingCost", "shipping_cost"),
		BuyerID:       str(r, "buyerId", "buyer_id", "buyer.id", "buyer._id"),
		SellerID:      str(r, "sellerId", "seller_id", "seller.id", "seller._id"),
		PaymentStatus: strings.ToLower(str(r, "paymentStatus", "payment_status", "payment.status")),
	}
	if amt := optFloat(r, "offerAmount", "offer_amount", "amount"); amt != nil {
		o.OfferAmount = *amt
	}
	if p := r.Get("product"); p.IsObject() {
		o.Product = models.Product{
			ID:        o.ProductID,
			Title:     str(p, "title", "name", "itemtitle"),
			Image:     str(p, "image", "images.0", "imageUrl", "image_url"),
			Price:     first(p, "price").Float(),
			Currency:  str(p, "currency"),
			Size:      str(p, "size"),
			Condition: str(p, "condition"),
		}
	}
	return o
}

// NormalizeOnlineUser folds a presence detail object into the canonical schema
func NormalizeOnlineUser(r gjson.Result) models.OnlineUser {
	return models.OnlineUser{
		ID:           str(r, "id", "_id", "user_id", "userId"),
		Username:     str(r, "username", "name"),
		ProfileImage: str(r, "profileImage", "profile_image", "avatar"),
	}
}

// NormalizeConversation folds one backend conversation record into the canonical schema
func NormalizeConversation(r gjson.Result) models.Conversation {
	c := models.Conversation{
		ID:             str(r, "id", "_id"),
		ConversationID: str(r, "conversationId", "conversation_id"),
		UnreadCount:    int(first(r, "unreadCount", "unread_count").Int()),
	}
	other := first(r, "otherUser", "other_user", "participant")
	c.OtherUser = models.User{
		ID:           str(other, "id", "_id", "user_id"),
		Username:     str(other, "username", "name"),
		ProfileImage: str(other, "profileImage", "profile_image", "avatar"),
		IsOnline:     first(other, "isOnline", "is_online").Bool(),
	}
	if last := first(r, "lastMessage", "last_message"); last.IsObject() {
		c.LastMessage = str(last, "text", "content")
		if c.LastMessage == "" {
			c.LastMessage = str(last, "message")
		}
	} else {
		c.LastMessage = last.String()
	}
	if t, ok := ParseTimestamp(rawTimestamp(first(r, "lastMessageAt", "last_message_at", "updatedAt", "updated_at"))); ok {
		c.LastMessageAt = t
	}
	if c.ConversationID == "" {
		c.ConversationID = c.ID
	}
	if c.ID == "" {
		c.ID = c.ConversationID
	}
	return c
}

// DecodeMessagePage parses a GET /api/chat/messages response.
// Messages are returned in wire order (newest first); pagination is nil when absent.
func DecodeMessagePage(body []byte) ([]Envelope, *Pagination, error) {
	if !gjson.ValidBytes(body) {
		return nil, nil, fmt.Errorf("%w: message page", ErrMalformedFrame)
	}
	root := gjson.ParseBytes(body)
	list := root
	if root.IsObject() {
		list = first(root, "messages", "results", "data")
	}
	var out []Envelope
	for _, m := range list.Array() {
		if m.IsObject() {
			out = append(out, NormalizeMessage(m))
		}
	}
	var pg *Pagination
	if p := root.Get("pagination"); p.IsObject() {
		cur, total := first(p, "currentPage", "current_page", "page"), first(p, "totalPages", "total_pages")
		if cur.Exists() && total.Exists() {
			pg = &Pagination{CurrentPage: int(cur.Int()), TotalPages: int(total.Int())}
		}
	}
	return out, pg, nil
}

// DecodeConversations parses a GET /api/chat/conversations/ response
func DecodeConversations(body []byte) ([]models.Conversation, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: conversations", ErrMalformedFrame)
	}
	root := gjson.ParseBytes(body)
	list := root
	if root.IsObject() {
		list = first(root, "conversations", "results", "data")
	}
	var out []models.Conversation
	for _, c := range list.Array() {
		if c.IsObject() {
			out = append(out, NormalizeConversation(c))
		}
	}
	return out, nil
}

// rawTimestamp keeps string timestamps verbatim and renders epoch numbers as ISO-8601
func rawTimestamp(v gjson.Result) string {
	switch v.Type {
	case gjson.String:
		return strings.TrimSpace(v.Str)
	case gjson.Number:
		return FormatTimestamp(fromEpoch(v.Int()))
	default:
		return ""
	}
}

// attachments arrive either as bare URLs or as objects
func normalizeAttachment(r gjson.Result) (models.Attachment, bool) {
	if r.Type == gjson.String {
		u := strings.TrimSpace(r.Str)
		return models.Attachment{URL: u}, u != ""
	}
	if !r.IsObject() {
		return models.Attachment{}, false
	}
	a := models.Attachment{
		URL:  str(r, "url", "fileUrl", "file_url"),
		Name: str(r, "name", "fileName", "file_name"),
		Type: str(r, "type", "mimeType", "mime_type"),
	}
	return a, a.URL != ""
}
