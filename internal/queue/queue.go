package queue

import (
	"context"
	"errors"
	"fmt"
)

// Publisher publishes ingest messages to a queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg IngestMessage) error
	Close() error
}

// MessageHandler handles a consumed queue message. A returned error
// dead-letters the message unless it wraps ErrRequeue.
type MessageHandler func(ctx context.Context, msg IngestMessage) error

// Consumer consumes ingest messages from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler MessageHandler) error
	Close() error
}

// ErrRequeue marks a handler failure as transient: the message goes back
// to the queue instead of the dead-letter queue.
var ErrRequeue = errors.New("requeue message")

const (
	// IngestQueue carries one message per uploaded file.
	IngestQueue = "ingest.products"
)

// DLQName returns the dead-letter queue name for a work queue, e.g. dlq.ingest.products.
func DLQName(queue string) string {
	return fmt.Sprintf("dlq.%s", queue)
}

// WorkQueueNames returns every work queue the service declares.
func WorkQueueNames() []string {
	return []string{IngestQueue}
}

func shouldRequeue(err error) bool {
	return errors.Is(err, ErrRequeue)
}
