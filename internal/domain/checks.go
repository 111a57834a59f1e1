package domain

import "time"

type UptimeStatus int

const (
	UptimeOnline UptimeStatus = iota + 1
	UptimeOffline
	UptimeTimeout
	UptimeError
)

func (s UptimeStatus) String() string {
	switch s {
	case UptimeOnline:
		return "online"
	case UptimeOffline:
		return "offline"
	case UptimeTimeout:
		return "timeout"
	case UptimeError:
		return "error"
	}
	return "unknown"
}

// UptimeCheck is one classified availability probe. Records are append-only.
type UptimeCheck struct {
	ID             string       `json:"id"`
	MonitorID      MonitorID    `json:"monitor_id"`
	Status         UptimeStatus `json:"status"`
	ResponseTimeMs *int         `json:"response_time_ms,omitempty"` // Online/Offline only
	StatusCode     *int         `json:"status_code,omitempty"`
	ErrorMessage   *string      `json:"error_message,omitempty"` // Timeout/Error only
	CheckedAt      time.Time    `json:"checked_at"`
}

type ChangeType int

const (
	ChangeContent ChangeType = iota + 1
	ChangeStructure
	ChangeStatus
)

func (c ChangeType) String() string {
	switch c {
	case ChangeContent:
		return "content_changed"
	case ChangeStructure:
		return "structure_changed"
	case ChangeStatus:
		return "status_changed"
	}
	return "unknown"
}

// ChangeDetection records a content fingerprint for a monitor. The first record
// for a monitor has no PreviousContentHash; each later one chains onto the
// CurrentContentHash of the record before it.
type ChangeDetection struct {
	ID                  string     `json:"id"`
	MonitorID           MonitorID  `json:"monitor_id"`
	ChangeType          ChangeType `json:"change_type"`
	PreviousContentHash *string    `json:"previous_content_hash,omitempty"`
	CurrentContentHash  *string    `json:"current_content_hash,omitempty"`
	Description         *string    `json:"description,omitempty"`
	DetectedAt          time.Time  `json:"detected_at"`
}

func StringPtr(s string) *string { return &s }
func IntPtr(i int) *int          { return &i }
