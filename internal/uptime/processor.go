// Package uptime turns a probe of a monitor's URL into an UptimeCheck record.
package uptime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hamed0406/uptimewatch/internal/domain"
	"github.com/hamed0406/uptimewatch/internal/probe"
	"github.com/hamed0406/uptimewatch/internal/repo"
)

// TimeoutMessage is stored on checks that ran out of time.
const TimeoutMessage = "request timeout"

type Store interface {
	repo.MonitorStore
	repo.UptimeStore
}

type Processor struct {
	Logger  *zap.Logger
	Store   Store
	Fetcher probe.Fetcher
	Now     func() time.Time
}

func NewProcessor(logger *zap.Logger, store Store, fetcher probe.Fetcher) *Processor {
	return &Processor{
		Logger:  logger,
		Store:   store,
		Fetcher: fetcher,
		Now:     func() time.Time { return time.Now().UTC() },
	}
}

// Process probes the monitor named by job and records the classified result.
// Probe failures are data; only storage errors are returned.
func (p *Processor) Process(ctx context.Context, job domain.Job) (domain.Outcome, error) {
	mon, err := p.Store.GetMonitor(ctx, job.MonitorID)
	if errors.Is(err, repo.ErrNotFound) {
		p.Logger.Warn("uptime_monitor_not_found", zap.String("monitor_id", string(job.MonitorID)))
		return domain.OutcomeSkipped, nil
	}
	if err != nil {
		return domain.OutcomeSkipped, fmt.Errorf("load monitor %s: %w", job.MonitorID, err)
	}

	resp, ferr := p.Fetcher.Fetch(ctx, mon.URL)
	now := p.Now()
	check := Classify(resp, ferr)
	check.MonitorID = mon.ID
	check.CheckedAt = now

	if err := p.Store.AddUptimeCheck(ctx, &check); err != nil {
		return domain.OutcomeSkipped, fmt.Errorf("save uptime check for %s: %w", mon.ID, err)
	}

	if err := p.Store.SetLastCheckedAt(ctx, mon.ID, now); err != nil {
		return domain.OutcomeSkipped, fmt.Errorf("update monitor %s: %w", mon.ID, err)
	}

	fields := []zap.Field{
		zap.String("monitor_id", string(mon.ID)),
		zap.String("url", mon.URL),
		zap.Stringer("status", check.Status),
	}
	if check.ResponseTimeMs != nil {
		fields = append(fields, zap.Int("response_time_ms", *check.ResponseTimeMs))
	}
	if check.StatusCode != nil {
		fields = append(fields, zap.Int("status_code", *check.StatusCode))
	}
	if check.ErrorMessage != nil {
		fields = append(fields, zap.String("error", *check.ErrorMessage))
	}
	p.Logger.Info("uptime_check_recorded", fields...)
	return domain.OutcomeRecorded, nil
}

// Classify maps a fetch result onto an UptimeCheck with Status and the
// fields that status carries. MonitorID and CheckedAt are left to the caller.
func Classify(resp *probe.Response, err error) domain.UptimeCheck {
	if err == nil && resp != nil {
		status := domain.UptimeOffline
		if resp.Success() {
			status = domain.UptimeOnline
		}
		return domain.UptimeCheck{
			Status:         status,
			ResponseTimeMs: domain.IntPtr(resp.ElapsedMS()),
			StatusCode:     domain.IntPtr(resp.StatusCode),
		}
	}

	var pe *probe.Error
	if errors.As(err, &pe) && pe.Kind == probe.KindTimeout {
		return domain.UptimeCheck{
			Status:       domain.UptimeTimeout,
			ErrorMessage: domain.StringPtr(TimeoutMessage),
		}
	}

	msg := "no response"
	if err != nil {
		msg = err.Error()
		if pe != nil && pe.Err != nil {
			msg = pe.Err.Error()
		}
	}
	return domain.UptimeCheck{
		Status:       domain.UptimeError,
		ErrorMessage: domain.StringPtr(msg),
	}
}
