// Package queue defines the durable point-to-point job queue the worker
// runtime consumes from. Backends live in subpackages.
package queue

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned by a broker after Close.
	ErrClosed = errors.New("queue: closed")
	// ErrNoDelivery means Receive waited its poll window without a message.
	// Callers loop and call Receive again.
	ErrNoDelivery = errors.New("queue: no delivery")
	// ErrUnknownQueue is returned for a queue the broker never declared.
	ErrUnknownQueue = errors.New("queue: unknown queue")
)

// FailedSuffix names the dead-letter list of a queue: "<queue>:failed".
const FailedSuffix = ":failed"

// Delivery is one unacknowledged message. Exactly one of Ack, Nack or
// DeadLetter settles it; calling a second one is an error.
type Delivery interface {
	Body() []byte
	// Attempt is 1 on first delivery and grows by one per requeue.
	Attempt() int
	Ack(ctx context.Context) error
	// Nack with requeue puts the message back at the head of the queue so it
	// is redelivered next; without requeue the message is discarded.
	Nack(ctx context.Context, requeue bool) error
	DeadLetter(ctx context.Context) error
}

type Stats struct {
	Queue   string `json:"queue"`
	Waiting int64  `json:"waiting"`
	Active  int64  `json:"active"`
	Failed  int64  `json:"failed"`
}

// Broker is what the worker runtime and producers need from a backend.
type Broker interface {
	// Declare makes sure the queue exists and recovers deliveries this
	// consumer held when it last stopped.
	Declare(ctx context.Context, name string) error
	Publish(ctx context.Context, name string, body []byte) error
	// Receive blocks for at most the backend's poll window.
	Receive(ctx context.Context, name string) (Delivery, error)
	Stats(ctx context.Context, name string) (Stats, error)
	// ReplayFailed moves every dead letter back onto a declared queue.
	ReplayFailed(ctx context.Context, name string) (int, error)
	Queues(ctx context.Context) ([]string, error)
	Close() error
}

// ErrSettled is returned when a delivery is settled twice.
var ErrSettled = errors.New("queue: delivery already settled")
