package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hamed0406/uptimewatch/internal/domain"
	"github.com/hamed0406/uptimewatch/internal/repo"
)

// MonitorPublisher enqueues the jobs a monitor's flags call for.
type MonitorPublisher interface {
	PublishForMonitor(ctx context.Context, m *domain.Monitor) ([]domain.JobKind, error)
}

// Dispatcher periodically publishes jobs for monitors whose interval has
// elapsed. It is opt-in; with a zero interval Run returns immediately.
type Dispatcher struct {
	Logger    *zap.Logger
	Monitors  repo.MonitorStore
	Publisher MonitorPublisher
	Interval  time.Duration
	Now       func() time.Time

	mu   sync.Mutex
	sent map[domain.MonitorID]time.Time
}

func NewDispatcher(logger *zap.Logger, monitors repo.MonitorStore, pub MonitorPublisher, interval time.Duration) *Dispatcher {
	if interval < 0 {
		interval = 0
	}
	return &Dispatcher{
		Logger:    logger,
		Monitors:  monitors,
		Publisher: pub,
		Interval:  interval,
		Now:       func() time.Time { return time.Now().UTC() },
		sent:      make(map[domain.MonitorID]time.Time),
	}
}

// Run does an immediate pass, then one pass per tick until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	if d.Interval == 0 {
		d.Logger.Info("dispatcher_disabled")
		return
	}
	t := time.NewTicker(d.Interval)
	defer t.Stop()

	d.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			d.Logger.Info("dispatcher_stopped")
			return
		case <-t.C:
			d.RunOnce(ctx)
		}
	}
}

// RunOnce publishes jobs for every due monitor and returns how many monitors
// were dispatched.
func (d *Dispatcher) RunOnce(ctx context.Context) int {
	ms, err := d.Monitors.ListMonitors(ctx)
	if err != nil {
		d.Logger.Warn("dispatcher_list_error", zap.Error(err))
		return 0
	}

	now := d.Now()
	n := 0
	for _, m := range ms {
		if !d.due(m, now) {
			continue
		}
		kinds, err := d.Publisher.PublishForMonitor(ctx, m)
		if err != nil {
			d.Logger.Warn("dispatcher_publish_error",
				zap.String("monitor_id", string(m.ID)),
				zap.Error(err))
			continue
		}
		if len(kinds) == 0 {
			continue
		}
		d.mu.Lock()
		d.sent[m.ID] = now
		d.mu.Unlock()
		n++
		d.Logger.Debug("dispatcher_published",
			zap.String("monitor_id", string(m.ID)),
			zap.Int("jobs", len(kinds)))
	}
	return n
}

// due applies Monitor.Due and also holds back monitors dispatched within
// their interval, so change-only monitors (whose LastCheckedAt never moves)
// and jobs still waiting in the queue are not published again every tick.
func (d *Dispatcher) due(m *domain.Monitor, now time.Time) bool {
	if !m.Due(now) {
		return false
	}
	d.mu.Lock()
	last, ok := d.sent[m.ID]
	d.mu.Unlock()
	return !ok || !now.Before(last.Add(m.Interval()))
}
