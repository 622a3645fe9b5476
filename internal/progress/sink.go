package progress

import "context"

// Sink receives flushed batches. Consume may be called concurrently with
// itself across hubs but not within one hub; Close is called once, after the
// final flush.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter is the producer-side view of the hub. The scheduler, the executor
// and the catalog service emit through it without knowing how events are
// batched or where they land.
type Emitter interface {
	Emit(evt Event)
}
