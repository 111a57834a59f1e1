package domain

import "time"

type MonitorID string

type MonitorStatus int

const (
	MonitorActive MonitorStatus = iota + 1
	MonitorInactive
	MonitorPaused
)

func (s MonitorStatus) String() string {
	switch s {
	case MonitorActive:
		return "active"
	case MonitorInactive:
		return "inactive"
	case MonitorPaused:
		return "paused"
	}
	return "unknown"
}

const (
	DefaultCheckIntervalSeconds = 60
	MinCheckIntervalSeconds     = 10
)

type Monitor struct {
	ID                   MonitorID     `json:"id"`
	Name                 string        `json:"name"`
	URL                  string        `json:"url"`
	CheckIntervalSeconds int           `json:"check_interval_seconds"`
	MonitorUptime        bool          `json:"monitor_uptime"`
	MonitorChanges       bool          `json:"monitor_changes"`
	Status               MonitorStatus `json:"status"`
	CreatedAt            time.Time     `json:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at"`
	LastCheckedAt        *time.Time    `json:"last_checked_at,omitempty"`
}

// Interval returns the probe interval, clamped to the allowed minimum.
func (m *Monitor) Interval() time.Duration {
	secs := m.CheckIntervalSeconds
	if secs == 0 {
		secs = DefaultCheckIntervalSeconds
	}
	if secs < MinCheckIntervalSeconds {
		secs = MinCheckIntervalSeconds
	}
	return time.Duration(secs) * time.Second
}

// Due reports whether the monitor should be checked again at now.
func (m *Monitor) Due(now time.Time) bool {
	if m.Status != MonitorActive {
		return false
	}
	if m.LastCheckedAt == nil {
		return true
	}
	return !now.Before(m.LastCheckedAt.Add(m.Interval()))
}
