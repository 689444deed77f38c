package correlation

import (
	"context"

	"github.com/get-eventually/eventpipe/event"
)

var _ event.Processor = Processor{}

// Processor decorates an event.Processor so that whatever it does while
// processing a Domain Event is correlated with it: the correlation id is
// carried over and the Domain Event becomes the causation.
type Processor struct {
	event.Processor
}

// Process implements the event.Processor interface.
func (p Processor) Process(ctx context.Context, evt event.Persisted) error {
	ctx = FromMetadata(ctx, evt.Metadata)
	ctx = WithCausationID(ctx, evt.ID.String())

	return p.Processor.Process(ctx, evt)
}
