package offers

import (
	"fmt"
	"strconv"

	"github.com/get-eventually/eventpipe/command"
	"github.com/get-eventually/eventpipe/correlation"
	"github.com/get-eventually/eventpipe/event"
	"github.com/get-eventually/eventpipe/message"
	"github.com/get-eventually/eventpipe/saga"
)

// OfferPurchase saga states.
const (
	AwaitingDebit        saga.State = "AwaitingDebit"
	AwaitingConfirmation saga.State = "AwaitingConfirmation"
	Compensating         saga.State = "Compensating"
	Completed            saga.State = "Completed"
	Compensated          saga.State = "Compensated"
	Failed               saga.State = "Failed"
)

// ReasonInsufficientPoints is the reason of Orders cancelled by the
// OfferPurchase saga after a rejected debit.
const ReasonInsufficientPoints = "insufficient points"

const (
	dataAccount = "accountId"
	dataPoints  = "points"
)

// OfferPurchase is the saga paying an Order with loyalty points: it debits
// the account, then confirms the Order, refunding the points if the Order
// gets cancelled before being confirmed.
var OfferPurchase = saga.Definition{
	Type: "OfferPurchase",
	Start: map[string]saga.Transition{
		"OrderPlaced": {To: AwaitingDebit, Emit: debitPoints},
	},
	Transitions: map[saga.Key]saga.Transition{
		{State: AwaitingDebit, EventType: "PointsDebited"}:        {To: AwaitingConfirmation, Emit: confirmOrder},
		{State: AwaitingDebit, EventType: "PointsDebitRejected"}:  {To: Failed, Emit: cancelOrder},
		{State: AwaitingDebit, EventType: "OrderCancelled"}:       {To: Failed},
		{State: AwaitingConfirmation, EventType: "OrderConfirmed"}: {To: Completed},
		{State: AwaitingConfirmation, EventType: "OrderCancelled"}: {To: Compensating, Emit: refundPoints},
		{State: Compensating, EventType: "PointsRefunded"}:         {To: Compensated},
	},
	Terminal:  []saga.State{Completed, Compensated, Failed},
	Correlate: orderOf,
}

func orderOf(evt event.Persisted) (string, bool) {
	var orderID string

	switch evt := evt.Message.(type) {
	case *OrderPlaced:
		orderID = evt.OrderID
	case *OrderConfirmed:
		orderID = evt.OrderID
	case *OrderCancelled:
		orderID = evt.OrderID
	case *PointsDebited:
		orderID = evt.OrderID
	case *PointsDebitRejected:
		orderID = evt.OrderID
	case *PointsRefunded:
		orderID = evt.OrderID
	}

	return orderID, orderID != ""
}

// causedBy returns the Envelope of a Command caused by the Domain Event.
func causedBy(evt event.Persisted, cmd command.Command) command.GenericEnvelope {
	metadata := message.Metadata{}.With(correlation.CausationIDKey, evt.ID.String())

	if id := evt.Metadata[correlation.CorrelationIDKey]; id != "" {
		metadata = metadata.With(correlation.CorrelationIDKey, id)
	}

	return command.GenericEnvelope{Message: cmd, Metadata: metadata}
}

func debitPoints(instance *saga.Instance, evt event.Persisted) ([]command.GenericEnvelope, error) {
	placed, ok := evt.Message.(*OrderPlaced)
	if !ok {
		return nil, fmt.Errorf("offers.OfferPurchase: unexpected event type, %T", evt.Message)
	}

	instance.Data[dataAccount] = placed.AccountID
	instance.Data[dataPoints] = strconv.FormatInt(placed.Points, 10)

	return []command.GenericEnvelope{
		causedBy(evt, &DebitPoints{
			AccountID: placed.AccountID,
			OrderID:   placed.OrderID,
			Amount:    placed.Points,
		}),
	}, nil
}

func confirmOrder(instance *saga.Instance, evt event.Persisted) ([]command.GenericEnvelope, error) {
	return []command.GenericEnvelope{
		causedBy(evt, &ConfirmOrder{OrderID: instance.Correlation}),
	}, nil
}

func cancelOrder(instance *saga.Instance, evt event.Persisted) ([]command.GenericEnvelope, error) {
	return []command.GenericEnvelope{
		causedBy(evt, &CancelOrder{OrderID: instance.Correlation, Reason: ReasonInsufficientPoints}),
	}, nil
}

func refundPoints(instance *saga.Instance, evt event.Persisted) ([]command.GenericEnvelope, error) {
	accountID := instance.Data[dataAccount]
	if accountID == "" {
		return nil, fmt.Errorf("offers.OfferPurchase: no account recorded for order %s", instance.Correlation)
	}

	return []command.GenericEnvelope{
		causedBy(evt, &RefundPoints{AccountID: accountID, OrderID: instance.Correlation}),
	}, nil
}
