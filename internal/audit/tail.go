package audit

import (
	"context"

	"fabricgate.org/internal/stream"
)

// Tail fans persisted records out to live subscribers.
type Tail struct {
	hub *stream.Hub[Record]
}

func NewTail() *Tail { return &Tail{hub: stream.New[Record]()} }

func (t *Tail) Mirror(_ context.Context, rec Record) error {
	t.hub.Publish(rec)
	return nil
}

// Subscribe returns a channel of new records that closes with ctx.
func (t *Tail) Subscribe(ctx context.Context) <-chan Record {
	return t.hub.Subscribe(ctx, 64)
}
