package offers

import (
	"github.com/get-eventually/eventpipe/event"
	"github.com/get-eventually/eventpipe/serde"
)

// Events is the serde.Registry of all the offers Domain Events.
var Events = serde.MustNewRegistry(
	func() event.Event { return new(LoyaltyAccountOpened) },
	func() event.Event { return new(PointsCredited) },
	func() event.Event { return new(PointsDebited) },
	func() event.Event { return new(PointsDebitRejected) },
	func() event.Event { return new(PointsRefunded) },
	func() event.Event { return new(OrderPlaced) },
	func() event.Event { return new(OrderConfirmed) },
	func() event.Event { return new(OrderCancelled) },
)

// LoyaltyAccountOpened is the Domain Event recorded when a member opens
// a loyalty account.
type LoyaltyAccountOpened struct {
	AccountID string `json:"accountId"`
	Owner     string `json:"owner"`
}

// Name implements message.Message.
func (*LoyaltyAccountOpened) Name() string { return "LoyaltyAccountOpened" }

// PointsCredited is the Domain Event recorded when points are added
// to a loyalty account.
type PointsCredited struct {
	AccountID string `json:"accountId"`
	Amount    int64  `json:"amount"`
	Reason    string `json:"reason,omitempty"`
}

// Name implements message.Message.
func (*PointsCredited) Name() string { return "PointsCredited" }

// PointsDebited is the Domain Event recorded when points are spent on an Order.
type PointsDebited struct {
	AccountID string `json:"accountId"`
	OrderID   string `json:"orderId"`
	Amount    int64  `json:"amount"`
}

// Name implements message.Message.
func (*PointsDebited) Name() string { return "PointsDebited" }

// PointsDebitRejected is the Domain Event recorded when an Order asks for
// more points than the account balance.
type PointsDebitRejected struct {
	AccountID string `json:"accountId"`
	OrderID   string `json:"orderId"`
	Amount    int64  `json:"amount"`
	Balance   int64  `json:"balance"`
}

// Name implements message.Message.
func (*PointsDebitRejected) Name() string { return "PointsDebitRejected" }

// PointsRefunded is the Domain Event recorded when the points debited
// for an Order are given back.
type PointsRefunded struct {
	AccountID string `json:"accountId"`
	OrderID   string `json:"orderId"`
	Amount    int64  `json:"amount"`
}

// Name implements message.Message.
func (*PointsRefunded) Name() string { return "PointsRefunded" }

// OrderPlaced is the Domain Event recorded when a member buys an offer
// using the points of their account.
type OrderPlaced struct {
	OrderID   string `json:"orderId"`
	AccountID string `json:"accountId"`
	OfferID   string `json:"offerId"`
	Points    int64  `json:"points"`
}

// Name implements message.Message.
func (*OrderPlaced) Name() string { return "OrderPlaced" }

// OrderConfirmed is the Domain Event recorded when an Order is paid.
type OrderConfirmed struct {
	OrderID string `json:"orderId"`
}

// Name implements message.Message.
func (*OrderConfirmed) Name() string { return "OrderConfirmed" }

// OrderCancelled is the Domain Event recorded when an Order is cancelled.
type OrderCancelled struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason,omitempty"`
}

// Name implements message.Message.
func (*OrderCancelled) Name() string { return "OrderCancelled" }
