package models

// OfferStatus is the negotiation-layer status of an offer
type OfferStatus string

const (
	OfferStatusPending   OfferStatus = "pending"
	OfferStatusCountered OfferStatus = "countered"
	OfferStatusAccepted  OfferStatus = "accepted"
	OfferStatusRejected  OfferStatus = "rejected"

	// OfferStatusPaid is display-only, it never appears as a negotiation status
	OfferStatusPaid OfferStatus = "paid"
)

// PaymentStatusPaid is the settlement value that turns an accepted offer into a paid one
const PaymentStatusPaid = "paid"

// IsTerminal reports whether no further transitions are allowed
func (s OfferStatus) IsTerminal() bool {
	return s == OfferStatusAccepted || s == OfferStatusRejected
}

// Product is the denormalized listing snapshot embedded in an offer
type Product struct {
	ID        string  `json:"id,omitempty"`
	Title     string  `json:"title"`
	Image     string  `json:"image,omitempty"`
	Price     float64 `json:"price"`
	Currency  string  `json:"currency,omitempty"`
	Size      string  `json:"size,omitempty"`
	Condition string  `json:"condition,omitempty"`
}

// Offer is a snapshot of one negotiation thread at one transition
type Offer struct {
	ID            string      `json:"id"`
	OfferAmount   float64     `json:"offerAmount"`
	CounterAmount *float64    `json:"counterAmount,omitempty"`
	OriginalPrice float64     `json:"originalPrice"`
	Status        OfferStatus `json:"status"`
	ProductID     string      `json:"productId"`
	ShippingCost  *float64    `json:"shippingCost,omitempty"`
	Product       Product     `json:"product"`
	BuyerID       string      `json:"buyerId,omitempty"`
	SellerID      string      `json:"sellerId,omitempty"`
	PaymentStatus string      `json:"paymentStatus,omitempty"`
}

// Clone copies the pointer fields
func (o Offer) Clone() Offer {
	if o.CounterAmount != nil {
		v := *o.CounterAmount
		o.CounterAmount = &v
	}
	if o.ShippingCost != nil {
		v := *o.ShippingCost
		o.ShippingCost = &v
	}
	return o
}

// DisplayStatus overlays settlement information on the negotiation status
func (o *Offer) DisplayStatus() OfferStatus {
	if o.Status == OfferStatusAccepted && o.PaymentStatus == PaymentStatusPaid {
		return OfferStatusPaid
	}
	return o.Status
}
