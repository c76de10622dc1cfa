package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	_ Publisher = (*MemoryQueue)(nil)
	_ Consumer  = (*MemoryQueue)(nil)
)

// DeadLetter is a message a handler rejected without asking for a requeue.
type DeadLetter struct {
	Queue   string
	Message IngestMessage
	Err     error
}

// MemoryQueue is an in-process broker for single-binary deployments and
// tests. Messages are lost on restart.
type MemoryQueue struct {
	logger       *zap.Logger
	requeueDelay time.Duration

	mu     sync.Mutex
	queues map[string]chan IngestMessage
	dead   []DeadLetter
	closed bool
	size   int
}

func NewMemoryQueue(buffer int, logger *zap.Logger) *MemoryQueue {
	if buffer < 1 {
		buffer = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryQueue{
		logger:       logger,
		requeueDelay: reconnectBackoff,
		queues:       make(map[string]chan IngestMessage),
		size:         buffer,
	}
}

func (q *MemoryQueue) queue(name string) (chan IngestMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, fmt.Errorf("memory queue is closed")
	}
	ch, ok := q.queues[name]
	if !ok {
		ch = make(chan IngestMessage, q.size)
		q.queues[name] = ch
	}
	return ch, nil
}

func (q *MemoryQueue) Publish(ctx context.Context, queue string, msg IngestMessage) error {
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid message: %w", err)
	}

	ch, err := q.queue(queue)
	if err != nil {
		return err
	}

	select {
	case ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume blocks until ctx is canceled. Handlers run one message at a time.
func (q *MemoryQueue) Consume(ctx context.Context, queue string, handler MessageHandler) error {
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}
	if handler == nil {
		return fmt.Errorf("message handler is required")
	}

	ch, err := q.queue(queue)
	if err != nil {
		return err
	}

	// Consecutive requeues back off so a failing dependency is not retried
	// in a tight loop.
	delay := q.requeueDelay
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-ch:
			if q.handle(ctx, queue, ch, msg, handler, delay) {
				delay = min(delay*2, maxBackoff)
			} else {
				delay = q.requeueDelay
			}
		}
	}
}

// handle runs the handler and reports whether the message went back on the
// queue.
func (q *MemoryQueue) handle(
	ctx context.Context,
	queue string,
	ch chan IngestMessage,
	msg IngestMessage,
	handler MessageHandler,
	delay time.Duration,
) bool {
	err := handler(ctx, msg)
	if err == nil {
		return false
	}

	if shouldRequeue(err) && ctx.Err() == nil {
		q.logger.Warn("message handler failed, requeueing",
			zap.String("queue", queue),
			zap.String("jobId", msg.JobID),
			zap.Duration("retryIn", delay),
			zap.Error(err),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}

		select {
		case ch <- msg:
			return true
		default:
		}
	}

	q.logger.Warn("message dead-lettered",
		zap.String("queue", queue),
		zap.String("jobId", msg.JobID),
		zap.Error(err),
	)

	q.mu.Lock()
	q.dead = append(q.dead, DeadLetter{Queue: DLQName(queue), Message: msg, Err: err})
	q.mu.Unlock()
	return false
}

// DeadLetters returns a copy of every dead-lettered message so far.
func (q *MemoryQueue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]DeadLetter, len(q.dead))
	copy(out, q.dead)
	return out
}

// Close stops accepting new messages. Consumers exit on their own context.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
