// Package activity contains the Event Handler building the activity feed
// of loyalty accounts, and notifying subscribers of new entries.
//
// The feed is kept on Redis when available, with notifications on a
// Redis channel, or on PostgreSQL otherwise.
package activity

import (
	"context"
	"fmt"
	"time"

	"github.com/get-eventually/eventpipe/event"
	"github.com/get-eventually/eventpipe/internal/offers"
	"github.com/get-eventually/eventpipe/logger"
)

// DefaultFeedLength is the number of entries returned by default, and
// the number of entries kept per account on Redis.
const DefaultFeedLength = 50

// Entry is an item of the activity feed of an account.
type Entry struct {
	EventID   string    `json:"eventId"`
	AccountID string    `json:"accountId"`
	Kind      string    `json:"kind"`
	Points    int64     `json:"points,omitempty"`
	OrderID   string    `json:"orderId,omitempty"`
	At        time.Time `json:"at"`
}

// Store keeps the activity feed.
type Store interface {
	// Add records the Entry, unless an Entry of the same Domain Event was
	// already recorded. It reports whether the Entry was added.
	Add(ctx context.Context, entry Entry) (bool, error)

	// Latest returns at most limit entries of the account, newest first.
	Latest(ctx context.Context, accountID string, limit int64) ([]Entry, error)
}

// Notifier tells subscribers about new entries.
type Notifier interface {
	Notify(ctx context.Context, entry Entry) error
}

// Option configures a Handler.
type Option func(*Handler)

// WithNotifier sets the Notifier of new entries.
func WithNotifier(n Notifier) Option {
	return func(h *Handler) { h.notifier = n }
}

// WithLogger sets the Handler logger.
func WithLogger(l logger.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

var _ event.Processor = new(Handler)

// Handler is the Event Handler of the activity feed.
type Handler struct {
	store    Store
	notifier Notifier
	logger   logger.Logger
}

// NewHandler returns a Handler writing on the Store.
func NewHandler(store Store, options ...Option) *Handler {
	h := &Handler{store: store}

	for _, opt := range options {
		opt(h)
	}

	return h
}

func entryOf(evt event.Persisted) (Entry, bool) {
	entry := Entry{EventID: evt.ID.String(), Kind: evt.Type(), At: evt.RecordedAt}

	switch msg := evt.Message.(type) {
	case *offers.LoyaltyAccountOpened:
		entry.AccountID = msg.AccountID
	case *offers.PointsCredited:
		entry.AccountID, entry.Points = msg.AccountID, msg.Amount
	case *offers.PointsDebited:
		entry.AccountID, entry.Points, entry.OrderID = msg.AccountID, msg.Amount, msg.OrderID
	case *offers.PointsDebitRejected:
		entry.AccountID, entry.Points, entry.OrderID = msg.AccountID, msg.Amount, msg.OrderID
	case *offers.PointsRefunded:
		entry.AccountID, entry.Points, entry.OrderID = msg.AccountID, msg.Amount, msg.OrderID
	default:
		return Entry{}, false
	}

	return entry, true
}

// Process implements the event.Processor interface.
func (h *Handler) Process(ctx context.Context, evt event.Persisted) error {
	entry, ok := entryOf(evt)
	if !ok {
		return nil
	}

	added, err := h.store.Add(ctx, entry)
	if err != nil {
		return fmt.Errorf("activity.Handler: failed to add entry, %w", err)
	}

	if !added {
		logger.Debug(h.logger, "Skipping already processed event", logger.With("event.id", evt.ID))
		return nil
	}

	if h.notifier == nil {
		return nil
	}

	// Notifications are best effort: the feed is the source of truth.
	if err := h.notifier.Notify(ctx, entry); err != nil {
		logger.Error(h.logger, "Failed to publish activity notification",
			logger.With("account.id", entry.AccountID),
			logger.With("error", err),
		)
	}

	return nil
}

// Feed returns the latest entries of the account, newest first.
func (h *Handler) Feed(ctx context.Context, accountID string, limit int64) ([]Entry, error) {
	if limit <= 0 || limit > DefaultFeedLength {
		limit = DefaultFeedLength
	}

	entries, err := h.store.Latest(ctx, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("activity.Handler: failed to read feed, %w", err)
	}

	return entries, nil
}
