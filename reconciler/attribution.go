package reconciler

import (
	"dolabb/models"
	"dolabb/protocol"
)

// Attribution is the resolved sender of one event
type Attribution struct {
	Direction models.Direction
	// Conflict is set when the available signals disagreed
	Conflict bool
	// Guessed is set when no signal was usable and the default was applied
	Guessed bool
}

// Attribute resolves who sent an event from the signals it carried.
//
// isSender wins over the sender string, which wins over comparing senderId
// to localUserID. When signals disagree and an id comparison is possible the
// id comparison wins. With no usable signal the event is attributed to the
// counterpart.
func Attribute(h protocol.SenderHints, localUserID string) Attribution {
	var byID models.Direction
	if h.SenderID != "" && localUserID != "" {
		byID = models.DirectionOther
		if h.SenderID == localUserID {
			byID = models.DirectionMe
		}
	}

	var byFlag models.Direction
	if h.IsSender != nil {
		byFlag = models.DirectionOther
		if *h.IsSender {
			byFlag = models.DirectionMe
		}
	}

	var byName models.Direction
	if h.Sender == models.DirectionMe || h.Sender == models.DirectionOther {
		byName = h.Sender
	}

	signals := []models.Direction{byFlag, byName, byID}
	var chosen models.Direction
	conflict := false
	for _, d := range signals {
		if d == "" {
			continue
		}
		if chosen == "" {
			chosen = d
		} else if d != chosen {
			conflict = true
		}
	}

	switch {
	case chosen == "":
		return Attribution{Direction: models.DirectionOther, Guessed: true}
	case conflict && byID != "":
		return Attribution{Direction: byID, Conflict: true}
	default:
		return Attribution{Direction: chosen, Conflict: conflict}
	}
}
