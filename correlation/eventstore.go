package correlation

import (
	"context"

	"github.com/get-eventually/eventpipe/event"
)

// Generator returns new unique ids.
type Generator func() string

var _ event.Appender = Appender{}

// Appender decorates an event.Appender, stamping the correlation entries
// of the context on the Metadata of every appended Domain Event.
//
// When the context has no correlation id, a new one is generated and used
// for the whole batch; the causation id then defaults to it.
type Appender struct {
	event.Appender

	Generator Generator
}

// Append implements the event.Appender interface.
func (a Appender) Append(ctx context.Context, events ...event.Uncommitted) ([]event.Persisted, error) {
	correlationID, ok := CorrelationID(ctx)
	if !ok {
		correlationID = a.Generator()
	}

	causationID, ok := CausationID(ctx)
	if !ok {
		causationID = correlationID
	}

	enriched := make([]event.Uncommitted, 0, len(events))

	for _, evt := range events {
		evt.Metadata = evt.Metadata.Clone().
			Merge(Metadata(ctx)).
			With(CorrelationIDKey, correlationID).
			With(CausationIDKey, causationID)

		enriched = append(enriched, evt)
	}

	return a.Appender.Append(ctx, enriched...)
}
