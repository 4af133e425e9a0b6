package interfaces

import (
	"context"
	"errors"
	"time"
)

// ErrNoMessage is returned by Receive when the queue has no visible messages
var ErrNoMessage = errors.New("no message available")

// QueueMessage is a leased message popped from the job queue
type QueueMessage struct {
	ID           string
	Body         []byte
	ReceiveCount int
}

// DeleteFunc acknowledges a leased message and removes it permanently
type DeleteFunc func(ctx context.Context) error

// QueueManager manages the persistent, lease-based job queue
type QueueManager interface {
	Start() error
	Stop() error

	// Enqueue appends a message. Lower priority values are delivered first;
	// within a priority band delivery is FIFO.
	Enqueue(ctx context.Context, body []byte, priority int) (string, error)

	// Receive pops the highest-priority visible message and leases it for
	// the configured visibility timeout. Returns ErrNoMessage when empty.
	Receive(ctx context.Context) (*QueueMessage, DeleteFunc, error)

	// Extend renews the lease on an in-flight message
	Extend(ctx context.Context, msgID string, duration time.Duration) error

	// Len reports the number of messages in the queue, leased or not
	Len(ctx context.Context) (int, error)
}
