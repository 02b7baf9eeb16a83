package handlers

import (
	"errors"

	"dolabb/api"
	"dolabb/offers"
	"dolabb/protocol"
	"dolabb/socket"
)

// NoticeKind identifies a user facing message; localization is up to the caller
type NoticeKind string

const (
	NoticeCounterOwnCounter NoticeKind = NoticeKind(protocol.KindCounterOwnCounter)
	NoticeOfferOwnProduct   NoticeKind = NoticeKind(protocol.KindOfferOwnProduct)
	NoticeOfferNotFound     NoticeKind = NoticeKind(protocol.KindOfferNotFound)
	NoticeGeneric           NoticeKind = NoticeKind(protocol.KindGeneric)

	NoticeOfferSettled   NoticeKind = "offer_settled"
	NoticeSendFailed     NoticeKind = "send_failed"
	NoticeLoadFailed     NoticeKind = "load_failed"
	NoticeSessionExpired NoticeKind = "session_expired"
	NoticeConnection     NoticeKind = "connection_error"
	NoticeConnectionLost NoticeKind = "connection_lost"
)

// Notice is an error turned into something to show.
// Blocking notices stay until the page is refreshed.
type Notice struct {
	Kind           NoticeKind
	Text           string
	ConversationID string
	OfferID        string
	Retryable      bool
	Blocking       bool
	Err            error
}

func serverNotice(e *protocol.ServerError) Notice {
	return Notice{
		Kind:           NoticeKind(e.Kind()),
		Text:           e.Message,
		ConversationID: e.ConversationID,
		OfferID:        e.OfferID,
		Err:            e,
	}
}

// actionNotice classifies a failed user action
func actionNotice(err error, offerID string) Notice {
	n := Notice{Kind: NoticeSendFailed, Text: err.Error(), OfferID: offerID, Err: err}
	var ce *offers.CounterOfferError
	switch {
	case errors.As(err, &ce):
		n.Kind = NoticeCounterOwnCounter
	case errors.Is(err, offers.ErrOfferTerminal):
		n.Kind = NoticeOfferSettled
	case errors.Is(err, offers.ErrOfferNotFound):
		n.Kind = NoticeOfferNotFound
	case api.IsAuth(err):
		n.Kind = NoticeSessionExpired
	case errors.Is(err, socket.ErrNotConnected):
		n.Kind = NoticeConnection
		n.Retryable = true
	default:
		n.Retryable = api.IsRetryable(err)
	}
	return n
}

// loadNotice classifies a failed REST fetch. Timeouts can be retried;
// auth failures ask for a refresh instead.
func loadNotice(err error, conversationID string) Notice {
	n := Notice{Kind: NoticeLoadFailed, Text: err.Error(), ConversationID: conversationID, Err: err}
	if api.IsAuth(err) {
		n.Kind = NoticeSessionExpired
		return n
	}
	n.Retryable = api.IsTimeout(err) || api.IsRetryable(err)
	return n
}

func socketNotice(ev socket.Event) (Notice, bool) {
	switch ev.Kind {
	case socket.EventAuthFailed:
		return Notice{Kind: NoticeSessionExpired, Text: "authentication failed, please refresh", ConversationID: ev.ConversationID, Blocking: true, Err: ev.Err}, true
	case socket.EventConnectionLost:
		return Notice{Kind: NoticeConnectionLost, Text: "connection lost, please refresh", ConversationID: ev.ConversationID, Blocking: true}, true
	case socket.EventError:
		if errors.Is(ev.Err, socket.ErrAuthFailed) {
			// followed by EventAuthFailed
			return Notice{}, false
		}
		text := "connection error"
		if ev.Err != nil {
			text = ev.Err.Error()
		}
		return Notice{Kind: NoticeConnection, Text: text, ConversationID: ev.ConversationID, Retryable: true, Err: ev.Err}, true
	}
	return Notice{}, false
}
