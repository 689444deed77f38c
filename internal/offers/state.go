package offers

import (
	"github.com/get-eventually/eventpipe/serde"
)

type accountState struct {
	ID       string           `json:"id"`
	Owner    string           `json:"owner"`
	Balance  int64            `json:"balance"`
	Debited  map[string]int64 `json:"debited"`
	Rejected []string         `json:"rejected,omitempty"`
	Refunded []string         `json:"refunded,omitempty"`
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}

	return set
}

func fromSet(set map[string]bool) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}

	return ids
}

// AccountSnapshotSerde is the serde.Serde used to store LoyaltyAccount
// Snapshots as JSON.
var AccountSnapshotSerde = serde.Chain[*LoyaltyAccount, accountState, []byte](
	serde.Fuse[*LoyaltyAccount, accountState](
		serde.SerializerFunc[*LoyaltyAccount, accountState](func(a *LoyaltyAccount) (accountState, error) {
			return accountState{
				ID:       a.id,
				Owner:    a.owner,
				Balance:  a.balance,
				Debited:  a.debited,
				Rejected: fromSet(a.rejected),
				Refunded: fromSet(a.refunded),
			}, nil
		}),
		serde.DeserializerFunc[*LoyaltyAccount, accountState](func(s accountState) (*LoyaltyAccount, error) {
			debited := s.Debited
			if debited == nil {
				debited = make(map[string]int64)
			}

			return &LoyaltyAccount{
				id:       s.ID,
				owner:    s.Owner,
				balance:  s.Balance,
				debited:  debited,
				rejected: toSet(s.Rejected),
				refunded: toSet(s.Refunded),
			}, nil
		}),
	),
	serde.NewJSON(func() accountState { return accountState{} }),
)

type orderState struct {
	ID        string      `json:"id"`
	AccountID string      `json:"accountId"`
	OfferID   string      `json:"offerId"`
	Points    int64       `json:"points"`
	Status    OrderStatus `json:"status"`
}

// OrderSnapshotSerde is the serde.Serde used to store Order Snapshots as JSON.
var OrderSnapshotSerde = serde.Chain[*Order, orderState, []byte](
	serde.Fuse[*Order, orderState](
		serde.SerializerFunc[*Order, orderState](func(o *Order) (orderState, error) {
			return orderState{
				ID:        o.id,
				AccountID: o.accountID,
				OfferID:   o.offerID,
				Points:    o.points,
				Status:    o.status,
			}, nil
		}),
		serde.DeserializerFunc[*Order, orderState](func(s orderState) (*Order, error) {
			return &Order{
				id:        s.ID,
				accountID: s.AccountID,
				offerID:   s.OfferID,
				points:    s.Points,
				status:    s.Status,
			}, nil
		}),
	),
	serde.NewJSON(func() orderState { return orderState{} }),
)
