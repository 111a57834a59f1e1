package changes

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hamed0406/uptimewatch/internal/domain"
	"github.com/hamed0406/uptimewatch/internal/probe"
	"github.com/hamed0406/uptimewatch/internal/repo/memory"
)

// bodies serves one canned body per Fetch call.
type bodies struct {
	seq []string
	err error
}

func (b *bodies) Fetch(ctx context.Context, target string) (*probe.Response, error) {
	if b.err != nil {
		return nil, b.err
	}
	next := b.seq[0]
	b.seq = b.seq[1:]
	return &probe.Response{StatusCode: 200, Body: []byte(next)}, nil
}

type recorder struct{ titles []string }

func (r *recorder) Send(ctx context.Context, title, text string) error {
	r.titles = append(r.titles, title)
	return errors.New("webhook down")
}

func newProcessor(t *testing.T, f probe.Fetcher) (*Processor, *memory.Store, *domain.Monitor, *recorder) {
	t.Helper()
	store := memory.New()
	mon := &domain.Monitor{Name: "site", URL: "https://example.com", MonitorChanges: true}
	require.NoError(t, store.AddMonitor(context.Background(), mon))

	rec := &recorder{}
	p := NewProcessor(zap.NewNop(), store, f, rec)
	tick := time.Date(2025, 8, 18, 12, 0, 0, 0, time.UTC)
	p.Now = func() time.Time {
		tick = tick.Add(time.Minute)
		return tick
	}
	return p, store, mon, rec
}

func TestFingerprint(t *testing.T) {
	// sha256("A")
	assert.Equal(t, "559aead08264d5795d3909718cdd05abd49572e84fe55590eef31a88a08fdffd", Fingerprint([]byte("A")))
	assert.NotEqual(t, Fingerprint([]byte("A ")), Fingerprint([]byte("A")))
}

func TestProcess_BaselineChangeNoop(t *testing.T) {
	ctx := context.Background()
	p, store, mon, rec := newProcessor(t, &bodies{seq: []string{"A", "B", "B"}})
	job := domain.Job{MonitorID: mon.ID}

	out, err := p.Process(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeBaseline, out)

	out, err = p.Process(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeChanged, out)

	out, err = p.Process(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeUnchanged, out)

	ds := store.ChangeDetections(mon.ID)
	require.Len(t, ds, 2)

	assert.Nil(t, ds[0].PreviousContentHash)
	assert.Equal(t, Fingerprint([]byte("A")), *ds[0].CurrentContentHash)
	assert.Equal(t, BaselineDescription, *ds[0].Description)
	assert.Equal(t, domain.ChangeContent, ds[0].ChangeType)

	assert.Equal(t, *ds[0].CurrentContentHash, *ds[1].PreviousContentHash)
	assert.Equal(t, Fingerprint([]byte("B")), *ds[1].CurrentContentHash)
	assert.Equal(t, ChangedDescription, *ds[1].Description)

	// notifier failures are logged, not returned, and only changes notify
	assert.Equal(t, []string{"Content changed: site"}, rec.titles)
}

func TestProcess_HashChainOverManyChanges(t *testing.T) {
	ctx := context.Background()
	p, store, mon, _ := newProcessor(t, &bodies{seq: []string{"1", "2", "3", "3", "4"}})

	for i := 0; i < 5; i++ {
		_, err := p.Process(ctx, domain.Job{MonitorID: mon.ID})
		require.NoError(t, err)
	}

	ds := store.ChangeDetections(mon.ID)
	require.Len(t, ds, 4)
	for i := 1; i < len(ds); i++ {
		assert.Equal(t, *ds[i-1].CurrentContentHash, *ds[i].PreviousContentHash, "record %d", i)
	}
}

func TestProcess_FetchFailureIsProcessingError(t *testing.T) {
	f := &bodies{err: &probe.Error{Kind: probe.KindTransport, Err: errors.New("connection refused")}}
	p, store, mon, _ := newProcessor(t, f)

	_, err := p.Process(context.Background(), domain.Job{MonitorID: mon.ID})
	require.Error(t, err)
	var pe *probe.Error
	assert.ErrorAs(t, err, &pe)
	assert.Empty(t, store.ChangeDetections(mon.ID))
}

func TestProcess_MissingMonitorIsSkipped(t *testing.T) {
	p, _, _, _ := newProcessor(t, &bodies{})

	out, err := p.Process(context.Background(), domain.Job{MonitorID: "gone"})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSkipped, out)
}

type constBody string

func (b constBody) Fetch(ctx context.Context, target string) (*probe.Response, error) {
	return &probe.Response{StatusCode: 200, Body: []byte(b)}, nil
}

// racingStore holds the first two LatestChangeDetection readers until both
// have read, so both decide on the same snapshot.
type racingStore struct {
	*memory.Store
	reads   atomic.Int32
	barrier sync.WaitGroup
}

func newRacingStore() *racingStore {
	s := &racingStore{Store: memory.New()}
	s.barrier.Add(2)
	return s
}

func (s *racingStore) LatestChangeDetection(ctx context.Context, id domain.MonitorID) (*domain.ChangeDetection, error) {
	d, err := s.Store.LatestChangeDetection(ctx, id)
	if s.reads.Add(1) <= 2 {
		s.barrier.Done()
		s.barrier.Wait()
	}
	return d, err
}

func runConcurrently(t *testing.T, store *racingStore, mon *domain.Monitor, contents ...string) []domain.Outcome {
	t.Helper()
	outcomes := make([]domain.Outcome, len(contents))
	var wg sync.WaitGroup
	for i, c := range contents {
		wg.Add(1)
		go func(i int, c string) {
			defer wg.Done()
			p := NewProcessor(zap.NewNop(), store, constBody(c), nil)
			out, err := p.Process(context.Background(), domain.Job{MonitorID: mon.ID})
			assert.NoError(t, err)
			outcomes[i] = out
		}(i, c)
	}
	wg.Wait()
	return outcomes
}

func TestProcess_ConcurrentConsumersKeepTheHashChain(t *testing.T) {
	store := newRacingStore()
	mon := &domain.Monitor{URL: "https://example.com", MonitorChanges: true}
	require.NoError(t, store.AddMonitor(context.Background(), mon))

	outcomes := runConcurrently(t, store, mon, "A", "B")
	assert.ElementsMatch(t, []domain.Outcome{domain.OutcomeBaseline, domain.OutcomeChanged}, outcomes)

	records := store.ChangeDetections(mon.ID)
	require.Len(t, records, 2)
	assert.Nil(t, records[0].PreviousContentHash)
	require.NotNil(t, records[1].PreviousContentHash)
	assert.Equal(t, *records[0].CurrentContentHash, *records[1].PreviousContentHash)
}

func TestProcess_ConcurrentConsumersSameContentOneBaseline(t *testing.T) {
	store := newRacingStore()
	mon := &domain.Monitor{URL: "https://example.com", MonitorChanges: true}
	require.NoError(t, store.AddMonitor(context.Background(), mon))

	outcomes := runConcurrently(t, store, mon, "A", "A")
	assert.ElementsMatch(t, []domain.Outcome{domain.OutcomeBaseline, domain.OutcomeUnchanged}, outcomes)
	assert.Len(t, store.ChangeDetections(mon.ID), 1)
}
