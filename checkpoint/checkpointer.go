package checkpoint

import (
	"context"
	"sync"

	"github.com/get-eventually/eventpipe/version"
)

// Checkpointer stores the last processed global SequenceNumber under a key.
type Checkpointer interface {
	// Read returns 0 when nothing was checkpointed under the key.
	Read(ctx context.Context, key string) (version.SequenceNumber, error)
	Write(ctx context.Context, key string, sequenceNumber version.SequenceNumber) error
}

// NopCheckpointer never records progress.
var NopCheckpointer = nopCheckpointer{}

type nopCheckpointer struct{}

func (nopCheckpointer) Read(context.Context, string) (version.SequenceNumber, error) { return 0, nil }

func (nopCheckpointer) Write(context.Context, string, version.SequenceNumber) error { return nil }

// FixedCheckpointer always reads the same value, and ignores writes.
type FixedCheckpointer struct{ StartingFrom version.SequenceNumber }

// Read returns the fixed starting point.
func (fc FixedCheckpointer) Read(context.Context, string) (version.SequenceNumber, error) {
	return fc.StartingFrom, nil
}

// Write is a no-op.
func (fc FixedCheckpointer) Write(context.Context, string, version.SequenceNumber) error { return nil }

var _ Checkpointer = new(InMemoryCheckpointer)

// InMemoryCheckpointer keeps checkpoints in a thread-safe map.
type InMemoryCheckpointer struct {
	mx          sync.RWMutex
	checkpoints map[string]version.SequenceNumber
}

// NewInMemoryCheckpointer returns an empty InMemoryCheckpointer.
func NewInMemoryCheckpointer() *InMemoryCheckpointer {
	return &InMemoryCheckpointer{checkpoints: make(map[string]version.SequenceNumber)}
}

// Read implements the checkpoint.Checkpointer interface.
func (c *InMemoryCheckpointer) Read(_ context.Context, key string) (version.SequenceNumber, error) {
	c.mx.RLock()
	defer c.mx.RUnlock()

	return c.checkpoints[key], nil
}

// Write implements the checkpoint.Checkpointer interface.
func (c *InMemoryCheckpointer) Write(_ context.Context, key string, sequenceNumber version.SequenceNumber) error {
	c.mx.Lock()
	defer c.mx.Unlock()

	c.checkpoints[key] = sequenceNumber

	return nil
}
