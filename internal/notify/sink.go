package notify

import "context"

// Sink consumes batches of events. Implementations honor ctx deadlines.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter accepts individual events. Hub satisfies it.
type Emitter interface {
	Emit(evt Event)
}
