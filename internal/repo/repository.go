package repo

import (
	"context"
	"errors"
	"time"

	"github.com/hamed0406/uptimewatch/internal/domain"
)

// ErrNotFound is returned when a monitor or record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned by AddChangeDetection when another record was
// appended for the monitor since its latest detection was read.
var ErrConflict = errors.New("conflict")

// Ports the pipeline depends on.
type MonitorStore interface {
	AddMonitor(ctx context.Context, m *domain.Monitor) error
	GetMonitor(ctx context.Context, id domain.MonitorID) (*domain.Monitor, error)
	UpdateMonitor(ctx context.Context, m *domain.Monitor) error
	// SetLastCheckedAt touches only the monitor's last_checked_at.
	SetLastCheckedAt(ctx context.Context, id domain.MonitorID, t time.Time) error
	ListMonitors(ctx context.Context) ([]*domain.Monitor, error)
}

type UptimeStore interface {
	AddUptimeCheck(ctx context.Context, c *domain.UptimeCheck) error
	LatestUptimeCheck(ctx context.Context, id domain.MonitorID) (*domain.UptimeCheck, error)
}

// AddChangeDetection appends d only while the current hash of the monitor's
// latest detection equals d.PreviousContentHash. A missing detection counts
// as a nil hash. Otherwise it returns ErrConflict and stores nothing.
type ChangeStore interface {
	AddChangeDetection(ctx context.Context, d *domain.ChangeDetection) error
	LatestChangeDetection(ctx context.Context, id domain.MonitorID) (*domain.ChangeDetection, error)
}

// Store is what a full backend provides.
type Store interface {
	MonitorStore
	UptimeStore
	ChangeStore
	Close() error
}
