// Package readmodel contains the read models of the offers marketplace:
// account balances and order summaries, kept up to date by the
// Projection Manager.
//
// Each read model is a Model, a fold of the Domain Events of one
// aggregate type into a row, stored in memory, in PostgreSQL or in
// PostgreSQL behind a Redis cache.
package readmodel

import (
	"context"
	"errors"

	"github.com/get-eventually/eventpipe/event"
	"github.com/get-eventually/eventpipe/internal/offers"
	"github.com/get-eventually/eventpipe/projection"
	"github.com/get-eventually/eventpipe/version"
)

// ErrNotFound is returned when a read model has no row for the id.
var ErrNotFound = errors.New("readmodel: not found")

// Model describes a read model with one row per aggregate.
type Model[T any] struct {
	Name          string
	AggregateType string

	// Apply folds a Domain Event of the aggregate into its row.
	// It must ignore unknown event types.
	Apply func(current T, evt event.Persisted) T
}

// Reader returns read model rows.
type Reader[T any] interface {
	Get(ctx context.Context, id string) (T, error)
}

// Store is a read model storage, fed by the Projection Manager.
type Store[T any] interface {
	projection.Projection
	Reader[T]
}

// AccountBalance is the read model row of a LoyaltyAccount.
type AccountBalance struct {
	AccountID  string          `json:"accountId"`
	Owner      string          `json:"owner"`
	Balance    int64           `json:"balance"`
	Spent      int64           `json:"spent"`
	Rejections int             `json:"rejections"`
	Version    version.Version `json:"version"`
}

// Watermark implements the readmodel.Row interface.
func (r AccountBalance) Watermark() version.Version { return r.Version }

// Accounts is the account balances read model.
var Accounts = Model[AccountBalance]{
	Name:          "account_balances",
	AggregateType: offers.AccountType.Name,
	Apply: func(row AccountBalance, evt event.Persisted) AccountBalance {
		switch msg := evt.Message.(type) {
		case *offers.LoyaltyAccountOpened:
			row.AccountID = msg.AccountID
			row.Owner = msg.Owner
		case *offers.PointsCredited:
			row.Balance += msg.Amount
		case *offers.PointsDebited:
			row.Balance -= msg.Amount
			row.Spent += msg.Amount
		case *offers.PointsDebitRejected:
			row.Rejections++
		case *offers.PointsRefunded:
			row.Balance += msg.Amount
			row.Spent -= msg.Amount
		}

		row.Version = evt.Version

		return row
	},
}

// OrderSummary is the read model row of an Order.
type OrderSummary struct {
	OrderID   string             `json:"orderId"`
	AccountID string             `json:"accountId"`
	OfferID   string             `json:"offerId"`
	Points    int64              `json:"points"`
	Status    offers.OrderStatus `json:"status"`
	Reason    string             `json:"reason,omitempty"`
	Version   version.Version    `json:"version"`
}

// Watermark implements the readmodel.Row interface.
func (r OrderSummary) Watermark() version.Version { return r.Version }

// Orders is the order summaries read model.
var Orders = Model[OrderSummary]{
	Name:          "order_summaries",
	AggregateType: offers.OrderType.Name,
	Apply: func(row OrderSummary, evt event.Persisted) OrderSummary {
		switch msg := evt.Message.(type) {
		case *offers.OrderPlaced:
			row.OrderID = msg.OrderID
			row.AccountID = msg.AccountID
			row.OfferID = msg.OfferID
			row.Points = msg.Points
			row.Status = offers.StatusPending
		case *offers.OrderConfirmed:
			row.Status = offers.StatusConfirmed
		case *offers.OrderCancelled:
			row.Status = offers.StatusCancelled
			row.Reason = msg.Reason
		}

		row.Version = evt.Version

		return row
	},
}
