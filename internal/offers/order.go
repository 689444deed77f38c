package offers

import (
	"errors"
	"fmt"

	"github.com/get-eventually/eventpipe/aggregate"
	"github.com/get-eventually/eventpipe/event"
)

// OrderType is the Order aggregate type.
var OrderType = aggregate.Type[*Order]{
	Name:    "Order",
	Factory: func() *Order { return new(Order) },
}

// OrderStatus is the lifecycle status of an Order.
type OrderStatus string

// All the OrderStatus values.
const (
	StatusPending   OrderStatus = "pending"
	StatusConfirmed OrderStatus = "confirmed"
	StatusCancelled OrderStatus = "cancelled"
)

// All the errors returned by Order methods.
var (
	ErrOrderAlreadyPlaced = errors.New("offers: order already placed")
	ErrOrderNotPlaced     = errors.New("offers: order not placed")
	ErrInvalidOffer       = errors.New("offers: invalid offer id, is empty")
	ErrInvalidAccount     = errors.New("offers: invalid account id, is empty")
	ErrOrderIsCancelled   = errors.New("offers: order is cancelled")
	ErrOrderIsConfirmed   = errors.New("offers: order is confirmed")
)

// Order is the purchase of an offer, paid with loyalty points.
type Order struct {
	aggregate.BaseRoot

	id        string
	accountID string
	offerID   string
	points    int64
	status    OrderStatus
}

// AggregateID implements aggregate.Root.
func (o *Order) AggregateID() string { return o.id }

// Status returns the Order status.
func (o *Order) Status() OrderStatus { return o.status }

// Apply implements aggregate.Aggregate.
func (o *Order) Apply(evt event.Event) error {
	switch evt := evt.(type) {
	case *OrderPlaced:
		o.id = evt.OrderID
		o.accountID = evt.AccountID
		o.offerID = evt.OfferID
		o.points = evt.Points
		o.status = StatusPending
	case *OrderConfirmed:
		o.status = StatusConfirmed
	case *OrderCancelled:
		o.status = StatusCancelled
	default:
		return fmt.Errorf("offers.Order: unexpected event type, %T", evt)
	}

	return nil
}

func (o *Order) record(evt event.Event) error {
	if err := aggregate.RecordThat(o, event.ToEnvelope(evt)); err != nil {
		return fmt.Errorf("offers.Order: failed to record domain event, %w", err)
	}

	return nil
}

// Place places the Order of an offer for the points specified.
func (o *Order) Place(id, accountID, offerID string, points int64) error {
	switch {
	case o.Version() > 0:
		return ErrOrderAlreadyPlaced
	case accountID == "":
		return ErrInvalidAccount
	case offerID == "":
		return ErrInvalidOffer
	case points <= 0:
		return ErrInvalidAmount
	}

	return o.record(&OrderPlaced{OrderID: id, AccountID: accountID, OfferID: offerID, Points: points})
}

// Confirm confirms a pending Order. Confirming it again records nothing.
func (o *Order) Confirm() error {
	switch o.status {
	case "":
		return ErrOrderNotPlaced
	case StatusConfirmed:
		return nil
	case StatusCancelled:
		return ErrOrderIsCancelled
	}

	return o.record(&OrderConfirmed{OrderID: o.id})
}

// Cancel cancels a pending Order. Cancelling it again records nothing.
func (o *Order) Cancel(reason string) error {
	switch o.status {
	case "":
		return ErrOrderNotPlaced
	case StatusConfirmed:
		return ErrOrderIsConfirmed
	case StatusCancelled:
		return nil
	}

	return o.record(&OrderCancelled{OrderID: o.id, Reason: reason})
}
