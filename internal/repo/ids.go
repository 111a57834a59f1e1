package repo

import (
	"time"

	"github.com/google/uuid"

	"github.com/hamed0406/uptimewatch/internal/domain"
)

// NewID returns a fresh record identifier.
func NewID() string { return uuid.NewString() }

// PrepareMonitor fills the fields a backend owns on insert.
func PrepareMonitor(m *domain.Monitor) {
	now := time.Now().UTC()
	if m.ID == "" {
		m.ID = domain.MonitorID(NewID())
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.CreatedAt
	}
	if m.Status == 0 {
		m.Status = domain.MonitorActive
	}
	if m.CheckIntervalSeconds == 0 {
		m.CheckIntervalSeconds = domain.DefaultCheckIntervalSeconds
	}
}
