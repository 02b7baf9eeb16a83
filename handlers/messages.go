package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"dolabb/api"
	"dolabb/logger"
	"dolabb/middleware"
	"dolabb/models"
	"dolabb/offers"
	"dolabb/protocol"
	"dolabb/socket"
)

var (
	ErrEmptyMessage  = errors.New("handlers: message has no text or attachments")
	ErrInvalidAmount = errors.New("handlers: amount must be positive")
)

// File is an attachment to upload before sending
type File struct {
	Name string
	Type string
	Body io.Reader
}

// OfferRequest opens a new offer thread on a product
type OfferRequest struct {
	ProductID       string
	Product         models.Product
	Amount          float64
	OriginalPrice   float64
	Text            string
	ShippingAddress string
	ZipCode         string
	HouseNumber     string
}

// SendText shows the message immediately and sends it over the socket, or
// over REST when the socket is down. The optimistic entry is removed again
// if both fail.
func (s *Session) SendText(ctx context.Context, text string, files ...File) (models.Message, error) {
	active, rec := s.current()
	if rec == nil {
		return models.Message{}, ErrNoConversation
	}
	text = strings.TrimSpace(text)
	if text == "" && len(files) == 0 {
		return models.Message{}, ErrEmptyMessage
	}

	atts, err := s.upload(ctx, files)
	if err != nil {
		s.notify(actionNotice(err, ""))
		return models.Message{}, err
	}

	m, _ := rec.AppendLocal(models.Message{
		ID:          models.TempPrefix + uuid.NewString(),
		Text:        text,
		ReceiverID:  active.OtherUser.ID,
		Attachments: atts,
		MessageType: models.MessageTypeText,
	})
	channel := rec.ConversationID()
	s.changed(Change{Kind: ChangeMessages, ConversationID: channel})
	s.touchConversation(channel, m)

	if s.socket != nil && s.socket.Connected() {
		err := s.socket.Send(protocol.NewChatMessage(s.user.ID, active.OtherUser.ID, text, atts))
		if err == nil {
			s.RequestRefetch()
			return m, nil
		}
		s.log.Warn("socket send failed, using REST", logger.Conversation(channel), logger.Err(err))
	}

	env, err := s.backend.SendMessage(middleware.WithUser(ctx, &s.user), api.SendRequest{
		ConversationID: channel,
		ReceiverID:     active.OtherUser.ID,
		Text:           text,
		Attachments:    atts,
	})
	if err != nil {
		rec.Remove(m.ID)
		s.changed(Change{Kind: ChangeMessages, ConversationID: channel})
		n := actionNotice(err, "")
		n.ConversationID = channel
		s.notify(n)
		return models.Message{}, fmt.Errorf("send message: %w", err)
	}
	if env.Message.ConversationID == "" {
		env.Message.ConversationID = channel
	}
	rec.ApplyRemote(protocol.Frame{Type: protocol.TypeChatMessage, ConversationID: channel, Envelope: &env})
	s.persist(ctx)
	s.changed(Change{Kind: ChangeMessages, ConversationID: channel})
	s.RequestRefetch()
	return m, nil
}

func (s *Session) upload(ctx context.Context, files []File) ([]models.Attachment, error) {
	if len(files) == 0 {
		return nil, nil
	}
	atts := make([]models.Attachment, 0, len(files))
	for _, f := range files {
		url, err := s.backend.Upload(ctx, f.Name, f.Body)
		if err != nil {
			return nil, fmt.Errorf("upload %s: %w", f.Name, err)
		}
		atts = append(atts, models.Attachment{URL: url, Name: f.Name, Type: f.Type})
	}
	return atts, nil
}

// SendOffer opens an offer thread. Offers only travel over the socket.
func (s *Session) SendOffer(ctx context.Context, req OfferRequest) (models.Message, error) {
	active, rec := s.current()
	if rec == nil {
		return models.Message{}, ErrNoConversation
	}
	if req.Amount <= 0 {
		return models.Message{}, ErrInvalidAmount
	}
	if req.ProductID == "" {
		req.ProductID = req.Product.ID
	}
	if req.OriginalPrice == 0 {
		req.OriginalPrice = req.Product.Price
	}

	draft := models.Message{
		ID:          models.TempOfferPrefix + uuid.NewString(),
		Text:        req.Text,
		ReceiverID:  active.OtherUser.ID,
		MessageType: models.MessageTypeOffer,
		Offer: &models.Offer{
			OfferAmount:   req.Amount,
			OriginalPrice: req.OriginalPrice,
			Status:        models.OfferStatusPending,
			ProductID:     req.ProductID,
			Product:       req.Product,
			BuyerID:       s.user.ID,
			SellerID:      active.OtherUser.ID,
		},
	}
	frame := protocol.SendOfferFrame{
		Type:            protocol.TypeSendOffer,
		ProductID:       req.ProductID,
		OfferAmount:     req.Amount,
		ReceiverID:      active.OtherUser.ID,
		Text:            req.Text,
		ShippingAddress: req.ShippingAddress,
		ZipCode:         req.ZipCode,
		HouseNumber:     req.HouseNumber,
	}
	return s.sendDraft(rec.ConversationID(), draft, frame)
}

// CounterOffer proposes amount on offerID. Countering one's own latest
// counter fails with a *offers.CounterOfferError before anything is sent.
func (s *Session) CounterOffer(ctx context.Context, offerID string, amount float64, text string) (models.Message, error) {
	active, rec := s.current()
	if rec == nil {
		return models.Message{}, ErrNoConversation
	}
	if amount <= 0 {
		return models.Message{}, ErrInvalidAmount
	}
	st, err := s.check(rec.Messages(), offerID, offers.ActionCounter)
	if err != nil {
		return models.Message{}, err
	}

	snap := st.Offer.Clone()
	snap.CounterAmount = &amount
	snap.Status = models.OfferStatusCountered
	draft := models.Message{
		ID:          models.TempCounterPrefix + uuid.NewString(),
		Text:        text,
		ReceiverID:  active.OtherUser.ID,
		MessageType: models.MessageTypeOffer,
		OfferID:     offerID,
		Offer:       &snap,
	}

	frame := protocol.CounterOfferFrame{
		Type:          protocol.TypeCounterOffer,
		OfferID:       offerID,
		CounterAmount: amount,
		ReceiverID:    active.OtherUser.ID,
		Text:          text,
	}
	// name the counterpart by its role
	if s.user.Role == models.RoleSeller {
		frame.BuyerID = active.OtherUser.ID
	} else {
		frame.SellerID = active.OtherUser.ID
	}
	return s.sendDraft(rec.ConversationID(), draft, frame)
}

// AcceptOffer settles offerID. The log changes when the server confirms.
func (s *Session) AcceptOffer(ctx context.Context, offerID, text string) error {
	return s.reply(offerID, offers.ActionAccept, text)
}

// RejectOffer closes offerID. The log changes when the server confirms.
func (s *Session) RejectOffer(ctx context.Context, offerID, text string) error {
	return s.reply(offerID, offers.ActionReject, text)
}

func (s *Session) reply(offerID string, action offers.Action, text string) error {
	active, rec := s.current()
	if rec == nil {
		return ErrNoConversation
	}
	if _, err := s.check(rec.Messages(), offerID, action); err != nil {
		return err
	}
	var frame protocol.OfferReplyFrame
	if action == offers.ActionAccept {
		frame = protocol.NewAcceptOffer(offerID, active.OtherUser.ID, text)
	} else {
		frame = protocol.NewRejectOffer(offerID, active.OtherUser.ID, text)
	}
	if err := s.sendFrame(frame); err != nil {
		n := actionNotice(err, offerID)
		n.ConversationID = rec.ConversationID()
		s.notify(n)
		return err
	}
	s.log.Info("offer reply sent", logger.Offer(offerID), logger.FrameType(string(frame.Type)))
	return nil
}

// check validates action against the projected offer and reports failures
func (s *Session) check(log []models.Message, offerID string, action offers.Action) (offers.State, error) {
	st, found := offers.Derive(log, offerID)
	if err := offers.Check(st, found, action); err != nil {
		s.log.Warn("offer action refused", logger.Offer(offerID), logger.Err(err))
		s.notify(actionNotice(err, offerID))
		return st, err
	}
	return st, nil
}

// sendDraft appends an optimistic offer entry and rolls it back if the frame cannot be sent
func (s *Session) sendDraft(channel string, draft models.Message, frame any) (models.Message, error) {
	_, rec := s.current()
	if rec == nil {
		return models.Message{}, ErrNoConversation
	}
	m, _ := rec.AppendLocal(draft)
	s.changed(Change{Kind: ChangeMessages, ConversationID: channel})

	if err := s.sendFrame(frame); err != nil {
		rec.Remove(m.ID)
		s.changed(Change{Kind: ChangeMessages, ConversationID: channel})
		n := actionNotice(err, draft.OfferID)
		n.ConversationID = channel
		s.notify(n)
		return models.Message{}, err
	}
	s.RequestRefetch()
	return m, nil
}

func (s *Session) sendFrame(frame any) error {
	if s.socket == nil || !s.socket.Connected() {
		return socket.ErrNotConnected
	}
	return s.socket.Send(frame)
}
