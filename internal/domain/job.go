package domain

import "time"

type JobKind string

const (
	JobUptime JobKind = "uptime"
	JobChange JobKind = "change"
)

// Job is the queue payload for both job kinds.
type Job struct {
	MonitorID MonitorID `json:"monitorId"`
	URL       string    `json:"url"`
	Timestamp time.Time `json:"timestamp"`
}

func NewJob(m *Monitor, now time.Time) Job {
	return Job{MonitorID: m.ID, URL: m.URL, Timestamp: now.UTC()}
}
