// Package notify delivers operator-facing messages about pipeline events:
// detected content changes and dead-lettered jobs.
package notify

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/multierr"

	"github.com/hamed0406/uptimewatch/internal/domain"
)

type Notifier interface {
	Send(ctx context.Context, title, text string) error
}

// Multi fans a message out to every notifier and returns all failures combined.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, title, text string) error {
	var err error
	for _, n := range m {
		if n == nil {
			continue
		}
		err = multierr.Append(err, n.Send(ctx, title, text))
	}
	return err
}

// New returns a Notifier for the configured channels, or nil when none are set.
func New(slackWebhook string) Notifier {
	var m Multi
	if s := NewSlack(slackWebhook); s != nil {
		m = append(m, s)
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

// ContentChanged formats a change detection for a monitor.
func ContentChanged(mon *domain.Monitor, d *domain.ChangeDetection) (title, text string) {
	name := mon.Name
	if name == "" {
		name = mon.URL
	}
	title = "Content changed: " + name
	var b strings.Builder
	fmt.Fprintf(&b, "URL: %s\n", mon.URL)
	if d.PreviousContentHash != nil {
		fmt.Fprintf(&b, "Previous: %s\n", short(*d.PreviousContentHash))
	}
	if d.CurrentContentHash != nil {
		fmt.Fprintf(&b, "Current: %s\n", short(*d.CurrentContentHash))
	}
	fmt.Fprintf(&b, "Detected: %s", d.DetectedAt.UTC().Format("2006-01-02 15:04:05 UTC"))
	return title, b.String()
}

// DeadLettered formats a job that was moved to the failed list.
func DeadLettered(queueName string, attempt int, reason error, body []byte) (title, text string) {
	title = "Job dead-lettered on " + queueName
	payload := string(body)
	if len(payload) > 512 {
		payload = payload[:512] + "..."
	}
	text = fmt.Sprintf("Attempt: %d\nReason: %v\nPayload: %s", attempt, reason, payload)
	return title, text
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
