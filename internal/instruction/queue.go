package instruction

import "context"

// Handler processes one queued instruction ID.
type Handler func(ctx context.Context, id string) error

// Producer publishes instruction IDs for asynchronous processing.
type Producer interface {
	Publish(ctx context.Context, id string) error
	Close() error
}

// Consumer feeds queued instruction IDs to a handler until the context
// ends. Implementations run workerCount concurrent workers.
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue combines both ends of the pipeline.
type Queue interface {
	Producer
	Consumer
}
