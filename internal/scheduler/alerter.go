package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hamed0406/uptimewatch/internal/domain"
	"github.com/hamed0406/uptimewatch/internal/notify"
	"github.com/hamed0406/uptimewatch/internal/repo"
)

// AlertSource is what the alerter reads: monitors and their latest check.
type AlertSource interface {
	ListMonitors(ctx context.Context) ([]*domain.Monitor, error)
	LatestUptimeCheck(ctx context.Context, id domain.MonitorID) (*domain.UptimeCheck, error)
}

type AlerterConfig struct {
	AlertOnRecovery bool
	Cooldown        time.Duration
	PollInterval    time.Duration
}

type alertState struct {
	up     bool
	sentAt time.Time
}

// Alerter watches the latest uptime check of every monitor and notifies when
// a monitor goes down or, optionally, recovers. Repeated down alerts for the
// same monitor are held back for Cooldown.
type Alerter struct {
	logger   *zap.Logger
	source   AlertSource
	notifier notify.Notifier
	cfg      AlerterConfig

	mu    sync.Mutex
	state map[domain.MonitorID]alertState
	now   func() time.Time
}

func NewAlerter(logger *zap.Logger, source AlertSource, n notify.Notifier, cfg AlerterConfig) *Alerter {
	return &Alerter{
		logger:   logger,
		source:   source,
		notifier: n,
		cfg:      cfg,
		state:    make(map[domain.MonitorID]alertState),
		now:      time.Now,
	}
}

// Run polls until ctx is cancelled. A zero PollInterval or a nil notifier
// disables it.
func (a *Alerter) Run(ctx context.Context) error {
	if a.cfg.PollInterval <= 0 || a.notifier == nil {
		a.logger.Info("alerter_disabled")
		return nil
	}
	t := time.NewTicker(a.cfg.PollInterval)
	defer t.Stop()

	// initial pass
	a.scan(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			a.scan(ctx)
		}
	}
}

func (a *Alerter) scan(ctx context.Context) {
	if err := a.scanOnce(ctx); err != nil {
		a.logger.Warn("alerter_scan_error", zap.Error(err))
	}
}

func (a *Alerter) scanOnce(ctx context.Context) error {
	ms, err := a.source.ListMonitors(ctx)
	if err != nil {
		return fmt.Errorf("list monitors: %w", err)
	}

	now := a.now()
	for _, m := range ms {
		if !m.MonitorUptime || m.Status != domain.MonitorActive {
			continue
		}
		c, err := a.source.LatestUptimeCheck(ctx, m.ID)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("latest check for %s: %w", m.ID, err)
		}
		a.evaluate(ctx, m, c, now)
	}
	return nil
}

func (a *Alerter) evaluate(ctx context.Context, m *domain.Monitor, c *domain.UptimeCheck, now time.Time) {
	up := c.Status == domain.UptimeOnline

	a.mu.Lock()
	rec, seen := a.state[m.ID]
	a.mu.Unlock()

	// The first observation of a healthy monitor is not a recovery.
	stateChanged := (!seen && !up) || (seen && rec.up != up)
	cooled := !seen || rec.sentAt.IsZero() || now.Sub(rec.sentAt) >= a.cfg.Cooldown

	downAlert := stateChanged && !up && cooled
	recoveryAlert := stateChanged && up && a.cfg.AlertOnRecovery

	next := alertState{up: up, sentAt: rec.sentAt}
	if downAlert || recoveryAlert {
		title, text := statusMessage(m, c)
		if err := a.notifier.Send(ctx, title, text); err != nil {
			a.logger.Warn("alerter_notify_error",
				zap.String("monitor_id", string(m.ID)),
				zap.Error(err))
		} else {
			next.sentAt = now
			a.logger.Info("alert_sent",
				zap.String("monitor_id", string(m.ID)),
				zap.Stringer("status", c.Status))
		}
	}

	a.mu.Lock()
	a.state[m.ID] = next
	a.mu.Unlock()
}

func statusMessage(m *domain.Monitor, c *domain.UptimeCheck) (title, text string) {
	title = "Monitor DOWN: " + m.URL
	if c.Status == domain.UptimeOnline {
		title = "Monitor RECOVERED: " + m.URL
	}

	httpTxt := "n/a"
	if c.StatusCode != nil {
		httpTxt = fmt.Sprintf("%d", *c.StatusCode)
	}
	latencyTxt := "n/a"
	if c.ResponseTimeMs != nil {
		latencyTxt = fmt.Sprintf("%d ms", *c.ResponseTimeMs)
	}
	reason := c.Status.String()
	if c.ErrorMessage != nil {
		reason = *c.ErrorMessage
	}

	text = fmt.Sprintf(
		"URL: %s\nHTTP: %s\nLatency: %s\nReason: %s\nChecked: %s",
		m.URL, httpTxt, latencyTxt, reason, c.CheckedAt.Format(time.RFC3339),
	)
	return title, text
}
