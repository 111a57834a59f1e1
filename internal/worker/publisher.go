package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hamed0406/uptimewatch/internal/domain"
	"github.com/hamed0406/uptimewatch/internal/queue"
)

// Publisher is the producer side: it turns a monitor into queued jobs.
type Publisher struct {
	Broker      queue.Broker
	UptimeQueue string
	ChangeQueue string
	Now         func() time.Time
}

func NewPublisher(b queue.Broker, uptimeQueue, changeQueue string) *Publisher {
	return &Publisher{
		Broker:      b,
		UptimeQueue: uptimeQueue,
		ChangeQueue: changeQueue,
		Now:         time.Now,
	}
}

func (p *Publisher) queueFor(kind domain.JobKind) (string, error) {
	switch kind {
	case domain.JobUptime:
		return p.UptimeQueue, nil
	case domain.JobChange:
		return p.ChangeQueue, nil
	}
	return "", fmt.Errorf("unknown job kind %q", kind)
}

// Publish enqueues one job of the given kind for m.
func (p *Publisher) Publish(ctx context.Context, kind domain.JobKind, m *domain.Monitor) error {
	name, err := p.queueFor(kind)
	if err != nil {
		return err
	}
	body, err := json.Marshal(domain.NewJob(m, p.Now()))
	if err != nil {
		return fmt.Errorf("encode %s job: %w", kind, err)
	}
	if err := p.Broker.Publish(ctx, name, body); err != nil {
		return fmt.Errorf("publish %s job for %s: %w", kind, m.ID, err)
	}
	return nil
}

// PublishForMonitor enqueues an uptime job and/or a change job according to
// the monitor's feature flags and reports which kinds were published.
func (p *Publisher) PublishForMonitor(ctx context.Context, m *domain.Monitor) ([]domain.JobKind, error) {
	var kinds []domain.JobKind
	if m.MonitorUptime {
		kinds = append(kinds, domain.JobUptime)
	}
	if m.MonitorChanges {
		kinds = append(kinds, domain.JobChange)
	}
	published := kinds[:0:0]
	for _, k := range kinds {
		if err := p.Publish(ctx, k, m); err != nil {
			return published, err
		}
		published = append(published, k)
	}
	return published, nil
}
