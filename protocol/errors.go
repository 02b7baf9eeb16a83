package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedFrame is returned for frames that are not JSON objects with a type
var ErrMalformedFrame = errors.New("protocol: malformed frame")

// CodeCounterOffer is the error code the server uses for rejected counter offers
const CodeCounterOffer = "COUNTER_OFFER_ERROR"

// ErrorKind groups server error strings into the cases the client reacts to
type ErrorKind string

const (
	KindCounterOwnCounter ErrorKind = "counter_own_counter"
	KindOfferOwnProduct   ErrorKind = "offer_own_product"
	KindOfferNotFound     ErrorKind = "offer_not_found"
	KindGeneric           ErrorKind = "generic"
)

// ServerError is the payload of an `error` frame
type ServerError struct {
	Code           string
	Message        string
	ConversationID string
	OfferID        string
}

func (e *ServerError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server error: %s", e.Message)
	}
	return fmt.Sprintf("server error %s: %s", e.Code, e.Message)
}

// IsCounterOfferError reports whether optimistic counters for OfferID must be purged
func (e *ServerError) IsCounterOfferError() bool {
	return strings.EqualFold(e.Code, CodeCounterOffer) || e.Kind() == KindCounterOwnCounter
}

// Kind maps the known message strings to an ErrorKind
func (e *ServerError) Kind() ErrorKind {
	msg := strings.ToLower(e.Message + " " + e.Code)
	switch {
	case strings.Contains(msg, "counter") && (strings.Contains(msg, "own") || strings.Contains(msg, "wait")):
		return KindCounterOwnCounter
	case strings.Contains(msg, "own product"):
		return KindOfferOwnProduct
	case strings.Contains(msg, "offer") && strings.Contains(msg, "not found"):
		return KindOfferNotFound
	case strings.EqualFold(e.Code, CodeCounterOffer):
		return KindCounterOwnCounter
	default:
		return KindGeneric
	}
}
