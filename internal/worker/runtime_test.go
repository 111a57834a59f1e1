package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/hamed0406/uptimewatch/internal/domain"
	"github.com/hamed0406/uptimewatch/internal/queue"
	"github.com/hamed0406/uptimewatch/internal/queue/memq"
)

const testQueue = "uptime_check_queue"

func newBroker() *memq.Broker {
	b := memq.New()
	b.PollWindow = 20 * time.Millisecond
	return b
}

func publishJob(t *testing.T, b queue.Broker, id string) {
	t.Helper()
	body, err := json.Marshal(domain.Job{MonitorID: domain.MonitorID(id), URL: "https://example.com", Timestamp: time.Now().UTC()})
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), testQueue, body))
}

type notes struct {
	mu     sync.Mutex
	titles []string
}

func (n *notes) Send(ctx context.Context, title, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.titles = append(n.titles, title)
	return nil
}

func (n *notes) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.titles)
}

func startRuntime(t *testing.T, rt *Runtime) {
	t.Helper()
	require.NoError(t, rt.Start(context.Background()))
	t.Cleanup(func() { _ = rt.Stop() })
}

func stats(t *testing.T, b queue.Broker) queue.Stats {
	t.Helper()
	st, err := b.Stats(context.Background(), testQueue)
	require.NoError(t, err)
	return st
}

func TestRuntime_SuccessIsAcked(t *testing.T) {
	b := newBroker()
	var calls atomic.Int32
	proc := ProcessorFunc(func(ctx context.Context, job domain.Job) (domain.Outcome, error) {
		calls.Add(1)
		return domain.OutcomeRecorded, nil
	})
	rt := New(zap.NewNop(), b, DefaultMaxAttempts, nil, Binding{Kind: domain.JobUptime, Queue: testQueue, Processor: proc})
	startRuntime(t, rt)

	publishJob(t, b, "m1")
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return stats(t, b) == queue.Stats{Queue: testQueue} }, time.Second, 5*time.Millisecond)
}

func TestRuntime_RequeueLeadsToRedelivery(t *testing.T) {
	b := newBroker()
	var calls atomic.Int32
	proc := ProcessorFunc(func(ctx context.Context, job domain.Job) (domain.Outcome, error) {
		if calls.Add(1) == 1 {
			return domain.OutcomeSkipped, errors.New("database unavailable")
		}
		return domain.OutcomeRecorded, nil
	})
	rt := New(zap.NewNop(), b, DefaultMaxAttempts, nil, Binding{Kind: domain.JobUptime, Queue: testQueue, Processor: proc})
	startRuntime(t, rt)

	publishJob(t, b, "m1")
	require.Eventually(t, func() bool { return calls.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return stats(t, b) == queue.Stats{Queue: testQueue} }, time.Second, 5*time.Millisecond)
	assert.Empty(t, b.Failed(testQueue))
}

func TestRuntime_DeadLettersAfterMaxAttempts(t *testing.T) {
	b := newBroker()
	core, logs := observer.New(zapcore.InfoLevel)
	n := &notes{}
	var calls atomic.Int32
	proc := ProcessorFunc(func(ctx context.Context, job domain.Job) (domain.Outcome, error) {
		calls.Add(1)
		return domain.OutcomeSkipped, errors.New("still broken")
	})
	rt := New(zap.New(core), b, 3, n, Binding{Kind: domain.JobUptime, Queue: testQueue, Processor: proc})
	startRuntime(t, rt)

	publishJob(t, b, "m1")
	require.Eventually(t, func() bool { return len(b.Failed(testQueue)) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
	require.Eventually(t, func() bool { return n.count() == 1 }, time.Second, 5*time.Millisecond)

	entries := logs.FilterMessage("job_dead_lettered").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, int64(3), fields["attempt"])
	assert.Equal(t, "m1", fields["monitor_id"])
	assert.Equal(t, testQueue, fields["queue"])
	assert.Equal(t, false, fields["poison"])
	assert.Len(t, logs.FilterMessage("job_requeued").All(), 2)
}

func TestRuntime_PoisonMessageIsDeadLetteredImmediately(t *testing.T) {
	b := newBroker()
	var calls atomic.Int32
	proc := ProcessorFunc(func(ctx context.Context, job domain.Job) (domain.Outcome, error) {
		calls.Add(1)
		return domain.OutcomeRecorded, nil
	})
	rt := New(zap.NewNop(), b, 0, nil, Binding{Kind: domain.JobUptime, Queue: testQueue, Processor: proc})
	startRuntime(t, rt)

	require.NoError(t, b.Publish(context.Background(), testQueue, []byte("{not json")))
	require.NoError(t, b.Publish(context.Background(), testQueue, []byte(`{"url":"https://no-id.example"}`)))

	require.Eventually(t, func() bool { return len(b.Failed(testQueue)) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}

func TestRuntime_UnboundedAttemptsKeepRequeueing(t *testing.T) {
	b := newBroker()
	var calls atomic.Int32
	proc := ProcessorFunc(func(ctx context.Context, job domain.Job) (domain.Outcome, error) {
		calls.Add(1)
		return domain.OutcomeSkipped, errors.New("nope")
	})
	rt := New(zap.NewNop(), b, 0, nil, Binding{Kind: domain.JobUptime, Queue: testQueue, Processor: proc})
	startRuntime(t, rt)

	publishJob(t, b, "m1")
	require.Eventually(t, func() bool { return calls.Load() > 10 }, 2*time.Second, time.Millisecond)
	assert.Empty(t, b.Failed(testQueue))
}

func TestRuntime_InFlightJobFinishesOnStop(t *testing.T) {
	b := newBroker()
	entered := make(chan struct{})
	release := make(chan struct{})
	var ctxErr atomic.Value
	proc := ProcessorFunc(func(ctx context.Context, job domain.Job) (domain.Outcome, error) {
		close(entered)
		<-release
		ctxErr.Store(fmtErr(ctx.Err()))
		return domain.OutcomeRecorded, nil
	})
	rt := New(zap.NewNop(), b, DefaultMaxAttempts, nil, Binding{Kind: domain.JobUptime, Queue: testQueue, Processor: proc})
	require.NoError(t, rt.Start(context.Background()))

	publishJob(t, b, "m1")
	<-entered

	stopped := make(chan error, 1)
	go func() { stopped <- rt.Stop() }()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a job was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-stopped)

	assert.Equal(t, "<nil>", ctxErr.Load())
	assert.Equal(t, queue.Stats{Queue: testQueue}, stats(t, b))
}

func TestRuntime_ClosedBrokerEndsLoopsWithError(t *testing.T) {
	b := newBroker()
	proc := ProcessorFunc(func(ctx context.Context, job domain.Job) (domain.Outcome, error) {
		return domain.OutcomeRecorded, nil
	})
	rt := New(zap.NewNop(), b, DefaultMaxAttempts, nil,
		Binding{Kind: domain.JobUptime, Queue: testQueue, Consumers: 2, Processor: proc})
	require.NoError(t, rt.Start(context.Background()))
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, b.Close())
	time.Sleep(50 * time.Millisecond)
	err := rt.Stop()
	assert.ErrorIs(t, err, queue.ErrClosed)
}

func TestDecode(t *testing.T) {
	job, err := Decode([]byte(`{"monitorId":"m1","url":"https://a","timestamp":"2025-08-18T12:00:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.MonitorID("m1"), job.MonitorID)

	_, err = Decode([]byte(`[]`))
	var de *DecodeError
	assert.ErrorAs(t, err, &de)

	_, err = Decode([]byte(`{"url":"https://a"}`))
	assert.ErrorAs(t, err, &de)
}

func fmtErr(err error) string {
	if err == nil {
		return "<nil>"
	}
	return err.Error()
}
