// Package offers is the domain of the discount-card marketplace:
// members hold loyalty accounts, and spend their points to buy offers.
//
// The purchase of an offer spans the Order and the LoyaltyAccount
// aggregates, and is coordinated by the OfferPurchase saga.
package offers

import (
	"errors"
	"fmt"

	"github.com/get-eventually/eventpipe/aggregate"
	"github.com/get-eventually/eventpipe/event"
)

// AccountType is the LoyaltyAccount aggregate type.
var AccountType = aggregate.Type[*LoyaltyAccount]{
	Name:    "LoyaltyAccount",
	Factory: func() *LoyaltyAccount { return new(LoyaltyAccount) },
}

// All the errors returned by LoyaltyAccount methods.
var (
	ErrAccountAlreadyOpen = errors.New("offers: loyalty account already open")
	ErrAccountNotOpen     = errors.New("offers: loyalty account not open")
	ErrInvalidOwner       = errors.New("offers: invalid owner, is empty")
	ErrInvalidAmount      = errors.New("offers: invalid amount, must be positive")
	ErrInvalidOrder       = errors.New("offers: invalid order id, is empty")
	ErrOrderNotDebited    = errors.New("offers: no points were debited for the order")
)

// LoyaltyAccount holds the points balance of a member.
type LoyaltyAccount struct {
	aggregate.BaseRoot

	id      string
	owner   string
	balance int64

	// Orders the account took a decision on: points debited per order,
	// rejected orders and refunded orders.
	debited  map[string]int64
	rejected map[string]bool
	refunded map[string]bool
}

// AggregateID implements aggregate.Root.
func (a *LoyaltyAccount) AggregateID() string { return a.id }

// Owner returns the member owning the account.
func (a *LoyaltyAccount) Owner() string { return a.owner }

// Balance returns the points available.
func (a *LoyaltyAccount) Balance() int64 { return a.balance }

// Apply implements aggregate.Aggregate.
func (a *LoyaltyAccount) Apply(evt event.Event) error {
	switch evt := evt.(type) {
	case *LoyaltyAccountOpened:
		a.id = evt.AccountID
		a.owner = evt.Owner
		a.debited = make(map[string]int64)
		a.rejected = make(map[string]bool)
		a.refunded = make(map[string]bool)
	case *PointsCredited:
		a.balance += evt.Amount
	case *PointsDebited:
		a.balance -= evt.Amount
		a.debited[evt.OrderID] = evt.Amount
	case *PointsDebitRejected:
		a.rejected[evt.OrderID] = true
	case *PointsRefunded:
		a.balance += evt.Amount
		a.refunded[evt.OrderID] = true
	default:
		return fmt.Errorf("offers.LoyaltyAccount: unexpected event type, %T", evt)
	}

	return nil
}

func (a *LoyaltyAccount) record(evt event.Event) error {
	if err := aggregate.RecordThat(a, event.ToEnvelope(evt)); err != nil {
		return fmt.Errorf("offers.LoyaltyAccount: failed to record domain event, %w", err)
	}

	return nil
}

// Open opens a new account with no points.
func (a *LoyaltyAccount) Open(id, owner string) error {
	if a.Version() > 0 {
		return ErrAccountAlreadyOpen
	}

	if owner == "" {
		return ErrInvalidOwner
	}

	return a.record(&LoyaltyAccountOpened{AccountID: id, Owner: owner})
}

// Credit adds points to the account.
func (a *LoyaltyAccount) Credit(amount int64, reason string) error {
	if a.Version() == 0 {
		return ErrAccountNotOpen
	}

	if amount <= 0 {
		return ErrInvalidAmount
	}

	return a.record(&PointsCredited{AccountID: a.id, Amount: amount, Reason: reason})
}

// Debit spends points on the Order.
//
// An insufficient balance is not an error: it is recorded as
// PointsDebitRejected, so that the Order can be cancelled. Debiting an
// Order the account already decided on records nothing.
func (a *LoyaltyAccount) Debit(orderID string, amount int64) error {
	if a.Version() == 0 {
		return ErrAccountNotOpen
	}

	if orderID == "" {
		return ErrInvalidOrder
	}

	if amount <= 0 {
		return ErrInvalidAmount
	}

	if _, ok := a.debited[orderID]; ok || a.rejected[orderID] {
		return nil
	}

	if a.balance < amount {
		return a.record(&PointsDebitRejected{
			AccountID: a.id,
			OrderID:   orderID,
			Amount:    amount,
			Balance:   a.balance,
		})
	}

	return a.record(&PointsDebited{AccountID: a.id, OrderID: orderID, Amount: amount})
}

// Refund gives back the points debited for the Order, once.
func (a *LoyaltyAccount) Refund(orderID string) error {
	if a.Version() == 0 {
		return ErrAccountNotOpen
	}

	amount, ok := a.debited[orderID]
	if !ok {
		return ErrOrderNotDebited
	}

	if a.refunded[orderID] {
		return nil
	}

	return a.record(&PointsRefunded{AccountID: a.id, OrderID: orderID, Amount: amount})
}
