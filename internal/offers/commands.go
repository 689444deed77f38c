package offers

import (
	"github.com/get-eventually/eventpipe/aggregate"
	"github.com/get-eventually/eventpipe/command"
)

// Commands is the command.Registry of all the offers Commands, used to
// decode Commands received over HTTP.
var Commands = command.NewRegistry(
	func(id string) command.Command { return &OpenAccount{AccountID: id} },
	func(id string) command.Command { return &CreditPoints{AccountID: id} },
	func(id string) command.Command { return &DebitPoints{AccountID: id} },
	func(id string) command.Command { return &RefundPoints{AccountID: id} },
	func(id string) command.Command { return &PlaceOrder{OrderID: id} },
	func(id string) command.Command { return &ConfirmOrder{OrderID: id} },
	func(id string) command.Command { return &CancelOrder{OrderID: id} },
)

// OpenAccount opens a LoyaltyAccount.
type OpenAccount struct {
	AccountID string `json:"-"`
	Owner     string `json:"owner"`
}

// Name implements message.Message.
func (*OpenAccount) Name() string { return "OpenAccount" }

// AggregateID implements command.Command.
func (c *OpenAccount) AggregateID() string { return c.AccountID }

// CreditPoints adds points to a LoyaltyAccount.
type CreditPoints struct {
	AccountID string `json:"-"`
	Amount    int64  `json:"amount"`
	Reason    string `json:"reason"`
}

// Name implements message.Message.
func (*CreditPoints) Name() string { return "CreditPoints" }

// AggregateID implements command.Command.
func (c *CreditPoints) AggregateID() string { return c.AccountID }

// DebitPoints spends the points of a LoyaltyAccount on an Order.
type DebitPoints struct {
	AccountID string `json:"-"`
	OrderID   string `json:"orderId"`
	Amount    int64  `json:"amount"`
}

// Name implements message.Message.
func (*DebitPoints) Name() string { return "DebitPoints" }

// AggregateID implements command.Command.
func (c *DebitPoints) AggregateID() string { return c.AccountID }

// RefundPoints gives back the points debited for an Order.
type RefundPoints struct {
	AccountID string `json:"-"`
	OrderID   string `json:"orderId"`
}

// Name implements message.Message.
func (*RefundPoints) Name() string { return "RefundPoints" }

// AggregateID implements command.Command.
func (c *RefundPoints) AggregateID() string { return c.AccountID }

// PlaceOrder places an Order for an offer.
type PlaceOrder struct {
	OrderID   string `json:"-"`
	AccountID string `json:"accountId"`
	OfferID   string `json:"offerId"`
	Points    int64  `json:"points"`
}

// Name implements message.Message.
func (*PlaceOrder) Name() string { return "PlaceOrder" }

// AggregateID implements command.Command.
func (c *PlaceOrder) AggregateID() string { return c.OrderID }

// ConfirmOrder confirms a pending Order.
type ConfirmOrder struct {
	OrderID string `json:"-"`
}

// Name implements message.Message.
func (*ConfirmOrder) Name() string { return "ConfirmOrder" }

// AggregateID implements command.Command.
func (c *ConfirmOrder) AggregateID() string { return c.OrderID }

// CancelOrder cancels a pending Order.
type CancelOrder struct {
	OrderID string `json:"-"`
	Reason  string `json:"reason"`
}

// Name implements message.Message.
func (*CancelOrder) Name() string { return "CancelOrder" }

// AggregateID implements command.Command.
func (c *CancelOrder) AggregateID() string { return c.OrderID }

func decideOpenAccount(a *LoyaltyAccount, cmd command.Envelope[*OpenAccount]) error {
	return a.Open(cmd.Message.AccountID, cmd.Message.Owner)
}

func decideCreditPoints(a *LoyaltyAccount, cmd command.Envelope[*CreditPoints]) error {
	return a.Credit(cmd.Message.Amount, cmd.Message.Reason)
}

func decideDebitPoints(a *LoyaltyAccount, cmd command.Envelope[*DebitPoints]) error {
	return a.Debit(cmd.Message.OrderID, cmd.Message.Amount)
}

func decideRefundPoints(a *LoyaltyAccount, cmd command.Envelope[*RefundPoints]) error {
	return a.Refund(cmd.Message.OrderID)
}

func decidePlaceOrder(o *Order, cmd command.Envelope[*PlaceOrder]) error {
	return o.Place(cmd.Message.OrderID, cmd.Message.AccountID, cmd.Message.OfferID, cmd.Message.Points)
}

func decideConfirmOrder(o *Order, _ command.Envelope[*ConfirmOrder]) error {
	return o.Confirm()
}

func decideCancelOrder(o *Order, cmd command.Envelope[*CancelOrder]) error {
	return o.Cancel(cmd.Message.Reason)
}

// Register adds the Handlers of all the offers Commands to the Bus.
func Register(
	bus *command.Bus,
	accounts aggregate.Repository[*LoyaltyAccount],
	orders aggregate.Repository[*Order],
	options ...command.HandlerOption,
) {
	command.Register(bus, command.NewHandler(accounts, decideOpenAccount, options...))
	command.Register(bus, command.NewHandler(accounts, decideCreditPoints, options...))
	command.Register(bus, command.NewHandler(accounts, decideDebitPoints, options...))
	command.Register(bus, command.NewHandler(accounts, decideRefundPoints, options...))
	command.Register(bus, command.NewHandler(orders, decidePlaceOrder, options...))
	command.Register(bus, command.NewHandler(orders, decideConfirmOrder, options...))
	command.Register(bus, command.NewHandler(orders, decideCancelOrder, options...))
}
