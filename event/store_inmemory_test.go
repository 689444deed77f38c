package event_test

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/suite"

	"github.com/get-eventually/eventpipe/event"
	"github.com/get-eventually/eventpipe/internal"
	"github.com/get-eventually/eventpipe/version"
)

func TestInMemoryStore(t *testing.T) {
	suite.Run(t, event.NewStoreSuite(func() event.Log {
		return event.NewInMemoryStore()
	}))
}

func TestInMemoryStore_VersionsAreGapless(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	// Each attempt picks a stream and a claimed version offset from the tail:
	// only offset 1 is valid, everything else must be rejected.
	properties.Property("read back versions are gapless and start at 1", prop.ForAll(
		func(streams []int, offsets []int) bool {
			ctx := context.Background()
			store := event.NewInMemoryStore()

			for i, s := range streams {
				if i >= len(offsets) {
					break
				}

				id := event.StreamID([]string{"a", "b", "c"}[s])

				last, err := store.LastVersion(ctx, id)
				if err != nil {
					return false
				}

				claimed := int(last) + offsets[i]
				if claimed < 0 {
					claimed = 0
				}

				_, err = store.Append(ctx, event.Uncommitted{
					StreamID: id,
					Version:  version.Version(claimed),
					Envelope: event.ToEnvelope(&internal.Created{Value: int64(i)}),
				})

				if (offsets[i] == 1) != (err == nil) {
					return false
				}
			}

			for _, id := range []event.StreamID{"a", "b", "c"} {
				id := id
				events, err := event.StreamToSlice(ctx, func(ctx context.Context, stream event.StreamWrite) error {
					return store.Stream(ctx, stream, id, version.SelectFromBeginning)
				})
				if err != nil {
					return false
				}

				for i, evt := range events {
					if evt.Version != version.Version(i+1) {
						return false
					}
				}
			}

			return true
		},
		gen.SliceOf(gen.IntRange(0, 2)),
		gen.SliceOf(gen.IntRange(-1, 2)),
	))

	properties.TestingRun(t)
}
