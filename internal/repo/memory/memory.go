package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hamed0406/uptimewatch/internal/domain"
	"github.com/hamed0406/uptimewatch/internal/repo"
)

type Store struct {
	mu       sync.RWMutex
	monitors map[domain.MonitorID]*domain.Monitor
	checks   map[domain.MonitorID][]*domain.UptimeCheck
	changes  map[domain.MonitorID][]*domain.ChangeDetection
}

func New() *Store {
	return &Store{
		monitors: make(map[domain.MonitorID]*domain.Monitor),
		checks:   make(map[domain.MonitorID][]*domain.UptimeCheck),
		changes:  make(map[domain.MonitorID][]*domain.ChangeDetection),
	}
}

func (m *Store) Close() error { return nil }

// ---- MonitorStore ----

func (m *Store) AddMonitor(ctx context.Context, mon *domain.Monitor) error {
	repo.PrepareMonitor(mon)
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *mon
	m.monitors[mon.ID] = &cp
	return nil
}

func (m *Store) GetMonitor(ctx context.Context, id domain.MonitorID) (*domain.Monitor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mon, ok := m.monitors[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *mon
	return &cp, nil
}

func (m *Store) UpdateMonitor(ctx context.Context, mon *domain.Monitor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.monitors[mon.ID]; !ok {
		return repo.ErrNotFound
	}
	cp := *mon
	m.monitors[mon.ID] = &cp
	return nil
}

func (m *Store) SetLastCheckedAt(ctx context.Context, id domain.MonitorID, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mon, ok := m.monitors[id]
	if !ok {
		return repo.ErrNotFound
	}
	t = t.UTC()
	mon.LastCheckedAt = &t
	return nil
}

func (m *Store) ListMonitors(ctx context.Context) ([]*domain.Monitor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.Monitor, 0, len(m.monitors))
	for _, mon := range m.monitors {
		cp := *mon
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// DeleteMonitor removes a monitor and, like the SQL backends, its records.
func (m *Store) DeleteMonitor(ctx context.Context, id domain.MonitorID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.monitors, id)
	delete(m.checks, id)
	delete(m.changes, id)
}

// ---- UptimeStore ----

func (m *Store) AddUptimeCheck(ctx context.Context, c *domain.UptimeCheck) error {
	if c.ID == "" {
		c.ID = repo.NewID()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.checks[c.MonitorID] = append(m.checks[c.MonitorID], &cp)
	return nil
}

func (m *Store) LatestUptimeCheck(ctx context.Context, id domain.MonitorID) (*domain.UptimeCheck, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *domain.UptimeCheck
	for _, c := range m.checks[id] {
		if latest == nil || !c.CheckedAt.Before(latest.CheckedAt) {
			latest = c
		}
	}
	if latest == nil {
		return nil, repo.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

// UptimeChecks returns every check recorded for a monitor in insertion order.
func (m *Store) UptimeChecks(id domain.MonitorID) []domain.UptimeCheck {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.UptimeCheck, 0, len(m.checks[id]))
	for _, c := range m.checks[id] {
		out = append(out, *c)
	}
	return out
}

// ---- ChangeStore ----

func (m *Store) AddChangeDetection(ctx context.Context, d *domain.ChangeDetection) error {
	if d.ID == "" {
		d.ID = repo.NewID()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var current *string
	if latest := m.latestChange(d.MonitorID); latest != nil {
		current = latest.CurrentContentHash
	}
	if !sameHash(current, d.PreviousContentHash) {
		return repo.ErrConflict
	}
	cp := *d
	m.changes[d.MonitorID] = append(m.changes[d.MonitorID], &cp)
	return nil
}

func (m *Store) LatestChangeDetection(ctx context.Context, id domain.MonitorID) (*domain.ChangeDetection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	latest := m.latestChange(id)
	if latest == nil {
		return nil, repo.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

// latestChange must be called with mu held.
func (m *Store) latestChange(id domain.MonitorID) *domain.ChangeDetection {
	var latest *domain.ChangeDetection
	for _, d := range m.changes[id] {
		if latest == nil || !d.DetectedAt.Before(latest.DetectedAt) {
			latest = d
		}
	}
	return latest
}

func sameHash(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// ChangeDetections returns every detection recorded for a monitor in insertion order.
func (m *Store) ChangeDetections(id domain.MonitorID) []domain.ChangeDetection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.ChangeDetection, 0, len(m.changes[id]))
	for _, d := range m.changes[id] {
		out = append(out, *d)
	}
	return out
}

var _ repo.Store = (*Store)(nil)
