// Package memq is an in-process queue.Broker for tests and single-binary runs.
// Messages do not survive a restart.
package memq

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hamed0406/uptimewatch/internal/queue"
)

var _ queue.Broker = (*Broker)(nil)

const defaultPollWindow = 500 * time.Millisecond

type message struct {
	id      uint64
	body    []byte
	attempt int
}

type mqueue struct {
	waiting []*message // head is next to deliver
	active  map[uint64]*message
	failed  [][]byte
	ready   chan struct{} // closed and replaced on every push
}

type Broker struct {
	PollWindow time.Duration

	mu     sync.Mutex
	queues map[string]*mqueue
	nextID uint64
	closed bool
}

func New() *Broker {
	return &Broker{PollWindow: defaultPollWindow, queues: make(map[string]*mqueue)}
}

// q returns the named queue, creating it. Callers hold b.mu.
func (b *Broker) q(name string) *mqueue {
	mq, ok := b.queues[name]
	if !ok {
		mq = &mqueue{active: make(map[uint64]*message), ready: make(chan struct{})}
		b.queues[name] = mq
	}
	return mq
}

func (mq *mqueue) wake() {
	close(mq.ready)
	mq.ready = make(chan struct{})
}

func (b *Broker) Declare(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return queue.ErrClosed
	}
	b.q(name)
	return nil
}

func (b *Broker) Publish(ctx context.Context, name string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return queue.ErrClosed
	}
	b.nextID++
	mq := b.q(name)
	mq.waiting = append(mq.waiting, &message{id: b.nextID, body: append([]byte(nil), body...)})
	mq.wake()
	return nil
}

func (b *Broker) Receive(ctx context.Context, name string) (queue.Delivery, error) {
	window := b.PollWindow
	if window <= 0 {
		window = defaultPollWindow
	}
	timer := time.NewTimer(window)
	defer timer.Stop()

	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, queue.ErrClosed
		}
		mq := b.q(name)
		if len(mq.waiting) > 0 {
			m := mq.waiting[0]
			mq.waiting = mq.waiting[1:]
			m.attempt++
			mq.active[m.id] = m
			b.mu.Unlock()
			return &delivery{b: b, queue: name, msg: m, attempt: m.attempt}, nil
		}
		ready := mq.ready
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, queue.ErrNoDelivery
		case <-ready:
		}
	}
}

func (b *Broker) Stats(ctx context.Context, name string) (queue.Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return queue.Stats{}, queue.ErrClosed
	}
	mq, ok := b.queues[name]
	if !ok {
		return queue.Stats{Queue: name}, nil
	}
	return queue.Stats{
		Queue:   name,
		Waiting: int64(len(mq.waiting)),
		Active:  int64(len(mq.active)),
		Failed:  int64(len(mq.failed)),
	}, nil
}

func (b *Broker) ReplayFailed(ctx context.Context, name string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, queue.ErrClosed
	}
	mq, ok := b.queues[name]
	if !ok {
		return 0, fmt.Errorf("replay %s: %w", name, queue.ErrUnknownQueue)
	}
	n := len(mq.failed)
	for _, body := range mq.failed {
		b.nextID++
		mq.waiting = append(mq.waiting, &message{id: b.nextID, body: body})
	}
	mq.failed = nil
	if n > 0 {
		mq.wake()
	}
	return n, nil
}

// Failed returns a copy of the dead letters of a queue.
func (b *Broker) Failed(name string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	mq := b.q(name)
	out := make([][]byte, len(mq.failed))
	copy(out, mq.failed)
	return out
}

func (b *Broker) Queues(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.queues))
	for n := range b.queues {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, mq := range b.queues {
		mq.wake()
	}
	return nil
}

type delivery struct {
	b       *Broker
	queue   string
	msg     *message
	attempt int
}

func (d *delivery) Body() []byte { return d.msg.body }
func (d *delivery) Attempt() int { return d.attempt }

// settle removes the message from the active set, reporting false when it
// was already settled.
func (d *delivery) settle(fn func(mq *mqueue)) error {
	d.b.mu.Lock()
	defer d.b.mu.Unlock()
	mq := d.b.q(d.queue)
	if _, ok := mq.active[d.msg.id]; !ok {
		return queue.ErrSettled
	}
	delete(mq.active, d.msg.id)
	if fn != nil {
		fn(mq)
	}
	return nil
}

func (d *delivery) Ack(ctx context.Context) error { return d.settle(nil) }

func (d *delivery) Nack(ctx context.Context, requeue bool) error {
	if !requeue {
		return d.settle(nil)
	}
	return d.settle(func(mq *mqueue) {
		mq.waiting = append([]*message{d.msg}, mq.waiting...)
		mq.wake()
	})
}

func (d *delivery) DeadLetter(ctx context.Context) error {
	return d.settle(func(mq *mqueue) {
		mq.failed = append(mq.failed, d.msg.body)
	})
}
