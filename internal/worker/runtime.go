// Package worker binds queue deliveries to processors.
//
// Each binding runs one or more consumer loops on its queue. A loop holds at
// most one unsettled delivery. Successful jobs are acked; failed jobs are
// requeued until MaxAttempts and then dead-lettered; payloads that do not
// decode are dead-lettered on first sight.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/hamed0406/uptimewatch/internal/domain"
	"github.com/hamed0406/uptimewatch/internal/notify"
	"github.com/hamed0406/uptimewatch/internal/queue"
)

const DefaultMaxAttempts = 5

// Processor handles one decoded job.
type Processor interface {
	Process(ctx context.Context, job domain.Job) (domain.Outcome, error)
}

type ProcessorFunc func(ctx context.Context, job domain.Job) (domain.Outcome, error)

func (f ProcessorFunc) Process(ctx context.Context, job domain.Job) (domain.Outcome, error) {
	return f(ctx, job)
}

// DecodeError means a delivery's body is not a usable job.
type DecodeError struct {
	Body []byte
	Err  error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("decode job: %v", e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }

// Decode parses a job payload. Missing monitor ids are rejected.
func Decode(body []byte) (domain.Job, error) {
	var job domain.Job
	if err := json.Unmarshal(body, &job); err != nil {
		return job, &DecodeError{Body: body, Err: err}
	}
	if job.MonitorID == "" {
		return job, &DecodeError{Body: body, Err: errors.New("missing monitorId")}
	}
	return job, nil
}

type Binding struct {
	Kind      domain.JobKind
	Queue     string
	Consumers int
	Processor Processor
}

type Runtime struct {
	Logger      *zap.Logger
	Broker      queue.Broker
	Bindings    []Binding
	MaxAttempts int             // <= 0 requeues forever
	Notifier    notify.Notifier // optional, told about dead letters
	// RetryDelay is the pause after a broker error before receiving again.
	RetryDelay time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	errs    error
	started bool
}

func New(logger *zap.Logger, broker queue.Broker, maxAttempts int, n notify.Notifier, bindings ...Binding) *Runtime {
	for i := range bindings {
		if bindings[i].Consumers < 1 {
			bindings[i].Consumers = 1
		}
	}
	return &Runtime{
		Logger:      logger,
		Broker:      broker,
		Bindings:    bindings,
		MaxAttempts: maxAttempts,
		Notifier:    n,
		RetryDelay:  time.Second,
	}
}

// Start declares every bound queue and launches the consumer loops.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.New("worker runtime already started")
	}

	for _, b := range r.Bindings {
		if err := r.Broker.Declare(ctx, b.Queue); err != nil {
			return fmt.Errorf("declare %s: %w", b.Queue, err)
		}
	}

	lctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.started = true
	for _, b := range r.Bindings {
		for i := 0; i < b.Consumers; i++ {
			r.wg.Add(1)
			go func(b Binding, n int) {
				defer r.wg.Done()
				if err := r.consume(lctx, b, n); err != nil {
					r.mu.Lock()
					r.errs = multierr.Append(r.errs, err)
					r.mu.Unlock()
				}
			}(b, i)
		}
		r.Logger.Info("worker_consuming",
			zap.String("queue", b.Queue),
			zap.String("kind", string(b.Kind)),
			zap.Int("consumers", b.Consumers))
	}
	return nil
}

// Stop stops receiving, waits for in-flight jobs to settle and returns the
// errors loops ended with.
func (r *Runtime) Stop() error {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.Logger.Info("worker_stopped")
	return r.errs
}

// Run starts the runtime and blocks until ctx is cancelled.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return r.Stop()
}

func (r *Runtime) consume(ctx context.Context, b Binding, n int) error {
	log := r.Logger.With(zap.String("queue", b.Queue), zap.Int("consumer", n))
	for {
		if ctx.Err() != nil {
			return nil
		}
		d, err := r.Broker.Receive(ctx, b.Queue)
		switch {
		case err == nil:
		case errors.Is(err, queue.ErrNoDelivery):
			continue
		case errors.Is(err, queue.ErrClosed):
			return fmt.Errorf("consumer %s/%d: %w", b.Queue, n, err)
		case ctx.Err() != nil:
			return nil
		default:
			log.Warn("worker_receive_error", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(r.RetryDelay):
			}
			continue
		}

		// The job finishes even if shutdown starts while it runs.
		r.handle(context.WithoutCancel(ctx), log, b, d)
	}
}

func (r *Runtime) handle(ctx context.Context, log *zap.Logger, b Binding, d queue.Delivery) {
	job, err := Decode(d.Body())
	if err != nil {
		r.deadLetter(ctx, log, b, d, err)
		return
	}
	log = log.With(zap.String("monitor_id", string(job.MonitorID)))

	start := time.Now()
	outcome, err := b.Processor.Process(ctx, job)
	if err == nil {
		if aerr := d.Ack(ctx); aerr != nil {
			log.Error("job_ack_error", zap.Error(aerr))
			return
		}
		log.Info("job_completed",
			zap.Int("attempt", d.Attempt()),
			zap.Stringer("outcome", outcome),
			zap.Duration("took", time.Since(start)))
		return
	}

	if r.MaxAttempts > 0 && d.Attempt() >= r.MaxAttempts {
		r.deadLetter(ctx, log, b, d, err)
		return
	}
	if nerr := d.Nack(ctx, true); nerr != nil {
		log.Error("job_requeue_error", zap.Error(nerr), zap.NamedError("cause", err))
		return
	}
	log.Warn("job_requeued", zap.Int("attempt", d.Attempt()), zap.Error(err))
}

func (r *Runtime) deadLetter(ctx context.Context, log *zap.Logger, b Binding, d queue.Delivery, cause error) {
	if err := d.DeadLetter(ctx); err != nil {
		log.Error("job_dead_letter_error", zap.Error(err), zap.NamedError("cause", cause))
		return
	}
	var de *DecodeError
	log.Error("job_dead_lettered",
		zap.Int("attempt", d.Attempt()),
		zap.Bool("poison", errors.As(cause, &de)),
		zap.Error(cause))

	if r.Notifier != nil {
		title, text := notify.DeadLettered(b.Queue, d.Attempt(), cause, d.Body())
		if err := r.Notifier.Send(ctx, title, text); err != nil {
			log.Warn("dead_letter_notify_error", zap.Error(err))
		}
	}
}
