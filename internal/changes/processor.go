// Package changes fingerprints a monitor's content and records when the
// fingerprint moves.
package changes

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hamed0406/uptimewatch/internal/domain"
	"github.com/hamed0406/uptimewatch/internal/notify"
	"github.com/hamed0406/uptimewatch/internal/probe"
	"github.com/hamed0406/uptimewatch/internal/repo"
)

const (
	BaselineDescription = "Initial content snapshot"
	ChangedDescription  = "Content change detected"

	maxAppendAttempts = 3
)

type Store interface {
	repo.MonitorStore
	repo.ChangeStore
}

type Processor struct {
	Logger   *zap.Logger
	Store    Store
	Fetcher  probe.Fetcher
	Notifier notify.Notifier // optional
	Now      func() time.Time
}

func NewProcessor(logger *zap.Logger, store Store, fetcher probe.Fetcher, n notify.Notifier) *Processor {
	return &Processor{
		Logger:   logger,
		Store:    store,
		Fetcher:  fetcher,
		Notifier: n,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// Fingerprint is the lower-case hex SHA-256 of body.
func Fingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Process fetches the monitor's content and compares its fingerprint with the
// latest recorded one. A failed fetch is returned as an error so the job is
// retried.
func (p *Processor) Process(ctx context.Context, job domain.Job) (domain.Outcome, error) {
	mon, err := p.Store.GetMonitor(ctx, job.MonitorID)
	if errors.Is(err, repo.ErrNotFound) {
		p.Logger.Warn("change_monitor_not_found", zap.String("monitor_id", string(job.MonitorID)))
		return domain.OutcomeSkipped, nil
	}
	if err != nil {
		return domain.OutcomeSkipped, fmt.Errorf("load monitor %s: %w", job.MonitorID, err)
	}

	resp, err := p.Fetcher.Fetch(ctx, mon.URL)
	if err != nil {
		p.Logger.Warn("change_fetch_failed",
			zap.String("monitor_id", string(mon.ID)),
			zap.String("url", mon.URL),
			zap.Error(err))
		return domain.OutcomeSkipped, fmt.Errorf("fetch content for %s: %w", mon.ID, err)
	}
	fp := Fingerprint(resp.Body)

	var (
		d       *domain.ChangeDetection
		outcome domain.Outcome
	)
	for attempt := 1; ; attempt++ {
		d, outcome, err = p.record(ctx, mon.ID, fp)
		if !errors.Is(err, repo.ErrConflict) || attempt == maxAppendAttempts {
			break
		}
		p.Logger.Debug("change_append_conflict",
			zap.String("monitor_id", string(mon.ID)),
			zap.Int("attempt", attempt))
	}
	if err != nil {
		return domain.OutcomeSkipped, fmt.Errorf("save change detection for %s: %w", mon.ID, err)
	}
	if outcome == domain.OutcomeUnchanged {
		p.Logger.Debug("change_unchanged",
			zap.String("monitor_id", string(mon.ID)),
			zap.String("hash", fp))
		return outcome, nil
	}
	p.Logger.Info("change_detection_recorded",
		zap.String("monitor_id", string(mon.ID)),
		zap.String("url", mon.URL),
		zap.Stringer("outcome", outcome),
		zap.String("hash", fp))

	if outcome == domain.OutcomeChanged && p.Notifier != nil {
		title, text := notify.ContentChanged(mon, d)
		if err := p.Notifier.Send(ctx, title, text); err != nil {
			p.Logger.Warn("change_notify_error",
				zap.String("monitor_id", string(mon.ID)),
				zap.Error(err))
		}
	}
	return outcome, nil
}

// record compares fp with the latest detection and appends a new one when it
// moved. The store rejects the append with repo.ErrConflict if another
// detection landed after the read.
func (p *Processor) record(ctx context.Context, id domain.MonitorID, fp string) (*domain.ChangeDetection, domain.Outcome, error) {
	latest, err := p.Store.LatestChangeDetection(ctx, id)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return nil, domain.OutcomeSkipped, fmt.Errorf("load latest detection: %w", err)
	}

	d := &domain.ChangeDetection{
		MonitorID:          id,
		ChangeType:         domain.ChangeContent,
		CurrentContentHash: domain.StringPtr(fp),
		DetectedAt:         p.Now(),
	}
	outcome := domain.OutcomeBaseline
	switch {
	case latest == nil:
		d.Description = domain.StringPtr(BaselineDescription)
	case latest.CurrentContentHash != nil && *latest.CurrentContentHash == fp:
		return nil, domain.OutcomeUnchanged, nil
	default:
		d.PreviousContentHash = latest.CurrentContentHash
		d.Description = domain.StringPtr(ChangedDescription)
		outcome = domain.OutcomeChanged
	}
	if err := p.Store.AddChangeDetection(ctx, d); err != nil {
		return nil, domain.OutcomeSkipped, err
	}
	return d, outcome, nil
}
