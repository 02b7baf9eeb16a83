// Package offers derives negotiation state from a conversation log and
// decides which offer actions are allowed.
package offers

import (
	"errors"
	"fmt"
	"strings"

	"dolabb/models"
)

var (
	ErrOfferNotFound = errors.New("offers: offer not found")
	ErrOfferTerminal = errors.New("offers: offer already settled")
)

// CounterOfferError is returned when a party tries to counter their own latest counter
type CounterOfferError struct {
	OfferID string
}

func (e *CounterOfferError) Error() string {
	return fmt.Sprintf("offer %s: cannot counter your own counter offer, wait for the other party to respond", e.OfferID)
}

// Action is a user initiated offer transition
type Action string

const (
	ActionCounter Action = "counter"
	ActionAccept  Action = "accept"
	ActionReject  Action = "reject"
)

// State is the projection of one offer thread
type State struct {
	OfferID       string
	Status        models.OfferStatus
	DisplayStatus models.OfferStatus

	// Offer is the latest snapshot, with payment status overlaid
	Offer models.Offer
	// LastMessageID is the entry holding the latest transition
	LastMessageID string
	// LastBy is who made the latest transition, relative to the local user
	LastBy models.Direction
	// Pending is set while the latest transition is an unconfirmed local draft
	Pending bool
}

func (s State) Terminal() bool {
	return s.Status.IsTerminal()
}

// LastCounterMine reports whether the latest transition is a counter by the local user
func (s State) LastCounterMine() bool {
	return s.Status == models.OfferStatusCountered && s.LastBy == models.DirectionMe
}

// Derive projects offerID from a sorted log. The latest transition defines
// the status, except that a terminal status is never reopened by a later
// entry. Payment settlement is overlaid from any snapshot that carries it.
func Derive(log []models.Message, offerID string) (State, bool) {
	st := State{OfferID: offerID}
	found := false
	terminal := models.OfferStatus("")
	payment := ""

	for i := range log {
		m := &log[i]
		if m.OfferID != offerID || m.Offer == nil || offerID == "" {
			continue
		}
		found = true
		st.Offer = m.Offer.Clone()
		st.Status = m.Offer.Status
		st.LastMessageID = m.ID
		st.LastBy = m.Sender
		st.Pending = m.IsOptimistic()
		if strings.HasPrefix(m.ID, models.TempCounterPrefix) {
			st.Status = models.OfferStatusCountered
		}
		if m.Offer.Status.IsTerminal() && !m.IsOptimistic() && terminal == "" {
			terminal = m.Offer.Status
		}
		if m.Offer.PaymentStatus != "" {
			payment = m.Offer.PaymentStatus
		}
	}
	if !found {
		return State{OfferID: offerID}, false
	}
	if st.Status == "" {
		st.Status = models.OfferStatusPending
	}
	if terminal != "" {
		st.Status = terminal
	}
	st.Offer.Status = st.Status
	st.Offer.PaymentStatus = payment
	st.DisplayStatus = st.Offer.DisplayStatus()
	return st, true
}

// DeriveAll projects every offer thread present in log, keyed by offer id
func DeriveAll(log []models.Message) map[string]State {
	out := make(map[string]State)
	for i := range log {
		id := log[i].OfferID
		if id == "" {
			continue
		}
		if _, ok := out[id]; ok {
			continue
		}
		if st, ok := Derive(log, id); ok {
			out[id] = st
		}
	}
	return out
}

// Check validates action against the projected state before anything is sent
func Check(st State, found bool, action Action) error {
	if !found {
		return fmt.Errorf("%w: %s", ErrOfferNotFound, st.OfferID)
	}
	if st.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrOfferTerminal, st.OfferID, st.Status)
	}
	if action == ActionCounter && st.LastCounterMine() {
		return &CounterOfferError{OfferID: st.OfferID}
	}
	return nil
}

// AvailableActions is the rendering policy for an offer bubble: only the
// party that received the latest transition may act. Sellers may counter a
// pending offer; buyers answering a counter may only accept or reject.
func AvailableActions(st State, role string) []Action {
	if st.Terminal() || st.Pending || st.LastBy != models.DirectionOther {
		return nil
	}
	switch {
	case role == models.RoleSeller:
		return []Action{ActionAccept, ActionCounter, ActionReject}
	case st.Status == models.OfferStatusCountered:
		return []Action{ActionAccept, ActionReject}
	default:
		return []Action{ActionAccept, ActionCounter, ActionReject}
	}
}
