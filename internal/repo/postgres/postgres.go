package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hamed0406/uptimewatch/internal/domain"
	"github.com/hamed0406/uptimewatch/internal/repo"
)

var _ repo.Store = (*Store)(nil)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS monitors (
  id                     TEXT PRIMARY KEY,
  name                   TEXT NOT NULL DEFAULT '',
  url                    TEXT NOT NULL,
  check_interval_seconds INTEGER NOT NULL DEFAULT 60 CHECK (check_interval_seconds >= 10),
  monitor_uptime         BOOLEAN NOT NULL DEFAULT TRUE,
  monitor_changes        BOOLEAN NOT NULL DEFAULT FALSE,
  status                 INTEGER NOT NULL DEFAULT 1,
  created_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
  last_checked_at        TIMESTAMPTZ NULL
);
CREATE INDEX IF NOT EXISTS idx_monitors_status ON monitors (status);

CREATE TABLE IF NOT EXISTS uptime_checks (
  id               TEXT PRIMARY KEY,
  monitor_id       TEXT NOT NULL REFERENCES monitors(id) ON DELETE CASCADE,
  status           INTEGER NOT NULL,
  response_time_ms INTEGER NULL,
  status_code      INTEGER NULL,
  error_message    TEXT NULL,
  checked_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_uptime_checks_monitor_time ON uptime_checks (monitor_id, checked_at DESC);

CREATE TABLE IF NOT EXISTS change_detections (
  id                    TEXT PRIMARY KEY,
  monitor_id            TEXT NOT NULL REFERENCES monitors(id) ON DELETE CASCADE,
  change_type           INTEGER NOT NULL,
  previous_content_hash VARCHAR(64) NULL,
  current_content_hash  VARCHAR(64) NULL,
  description           VARCHAR(2000) NULL,
  detected_at           TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_change_detections_monitor_time ON change_detections (monitor_id, detected_at DESC);
`

type Store struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

func New(ctx context.Context, dsn string, log *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Info("postgres_store_ready")
	return &Store{pool: pool, log: log}, nil
}

func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// ---- MonitorStore ----

func (s *Store) AddMonitor(ctx context.Context, m *domain.Monitor) error {
	repo.PrepareMonitor(m)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO monitors
		   (id, name, url, check_interval_seconds, monitor_uptime, monitor_changes,
		    status, created_at, updated_at, last_checked_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		string(m.ID), m.Name, m.URL, m.CheckIntervalSeconds, m.MonitorUptime, m.MonitorChanges,
		int(m.Status), m.CreatedAt, m.UpdatedAt, m.LastCheckedAt,
	)
	if err != nil {
		return fmt.Errorf("insert monitor: %w", err)
	}
	return nil
}

const monitorColumns = `id, name, url, check_interval_seconds, monitor_uptime, monitor_changes,
       status, created_at, updated_at, last_checked_at`

func scanMonitor(row pgx.Row) (*domain.Monitor, error) {
	var (
		m      domain.Monitor
		id     string
		status int
	)
	if err := row.Scan(&id, &m.Name, &m.URL, &m.CheckIntervalSeconds, &m.MonitorUptime,
		&m.MonitorChanges, &status, &m.CreatedAt, &m.UpdatedAt, &m.LastCheckedAt); err != nil {
		return nil, err
	}
	m.ID = domain.MonitorID(id)
	m.Status = domain.MonitorStatus(status)
	return &m, nil
}

func (s *Store) GetMonitor(ctx context.Context, id domain.MonitorID) (*domain.Monitor, error) {
	m, err := scanMonitor(s.pool.QueryRow(ctx,
		`SELECT `+monitorColumns+` FROM monitors WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repo.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get monitor: %w", err)
	}
	return m, nil
}

func (s *Store) UpdateMonitor(ctx context.Context, m *domain.Monitor) error {
	m.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE monitors
		    SET name = $2, url = $3, check_interval_seconds = $4, monitor_uptime = $5,
		        monitor_changes = $6, status = $7, updated_at = $8, last_checked_at = $9
		  WHERE id = $1`,
		string(m.ID), m.Name, m.URL, m.CheckIntervalSeconds, m.MonitorUptime,
		m.MonitorChanges, int(m.Status), m.UpdatedAt, m.LastCheckedAt,
	)
	if err != nil {
		return fmt.Errorf("update monitor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *Store) SetLastCheckedAt(ctx context.Context, id domain.MonitorID, t time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE monitors SET last_checked_at = $2 WHERE id = $1`, string(id), t.UTC())
	if err != nil {
		return fmt.Errorf("set last checked: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *Store) ListMonitors(ctx context.Context) ([]*domain.Monitor, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+monitorColumns+` FROM monitors ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list monitors: %w", err)
	}
	defer rows.Close()

	var out []*domain.Monitor
	for rows.Next() {
		m, err := scanMonitor(rows)
		if err != nil {
			return nil, fmt.Errorf("scan monitor: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ---- UptimeStore ----

func (s *Store) AddUptimeCheck(ctx context.Context, c *domain.UptimeCheck) error {
	if c.ID == "" {
		c.ID = repo.NewID()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO uptime_checks
		   (id, monitor_id, status, response_time_ms, status_code, error_message, checked_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, string(c.MonitorID), int(c.Status), c.ResponseTimeMs, c.StatusCode, c.ErrorMessage, c.CheckedAt,
	)
	if err != nil {
		return fmt.Errorf("insert uptime check: %w", err)
	}
	return nil
}

func (s *Store) LatestUptimeCheck(ctx context.Context, id domain.MonitorID) (*domain.UptimeCheck, error) {
	var (
		c      domain.UptimeCheck
		status int
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, status, response_time_ms, status_code, error_message, checked_at
		   FROM uptime_checks
		  WHERE monitor_id = $1
		  ORDER BY checked_at DESC
		  LIMIT 1`, string(id)).
		Scan(&c.ID, &status, &c.ResponseTimeMs, &c.StatusCode, &c.ErrorMessage, &c.CheckedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repo.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest uptime check: %w", err)
	}
	c.MonitorID = id
	c.Status = domain.UptimeStatus(status)
	return &c, nil
}

// ---- ChangeStore ----

func (s *Store) AddChangeDetection(ctx context.Context, d *domain.ChangeDetection) error {
	if d.ID == "" {
		d.ID = repo.NewID()
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin change detection: %w", err)
	}
	defer tx.Rollback(ctx)

	// The monitor row lock serialises appends for one monitor.
	var locked string
	err = tx.QueryRow(ctx, `SELECT id FROM monitors WHERE id = $1 FOR UPDATE`, string(d.MonitorID)).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return repo.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock monitor: %w", err)
	}

	var current *string
	err = tx.QueryRow(ctx,
		`SELECT current_content_hash
		   FROM change_detections
		  WHERE monitor_id = $1
		  ORDER BY detected_at DESC
		  LIMIT 1`, string(d.MonitorID)).Scan(&current)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("latest change detection: %w", err)
	}
	if !sameHash(current, d.PreviousContentHash) {
		return repo.ErrConflict
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO change_detections
		   (id, monitor_id, change_type, previous_content_hash, current_content_hash, description, detected_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		d.ID, string(d.MonitorID), int(d.ChangeType), d.PreviousContentHash, d.CurrentContentHash,
		d.Description, d.DetectedAt,
	)
	if err != nil {
		return fmt.Errorf("insert change detection: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit change detection: %w", err)
	}
	return nil
}

func sameHash(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (s *Store) LatestChangeDetection(ctx context.Context, id domain.MonitorID) (*domain.ChangeDetection, error) {
	var (
		d          domain.ChangeDetection
		changeType int
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, change_type, previous_content_hash, current_content_hash, description, detected_at
		   FROM change_detections
		  WHERE monitor_id = $1
		  ORDER BY detected_at DESC
		  LIMIT 1`, string(id)).
		Scan(&d.ID, &changeType, &d.PreviousContentHash, &d.CurrentContentHash, &d.Description, &d.DetectedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repo.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest change detection: %w", err)
	}
	d.MonitorID = id
	d.ChangeType = domain.ChangeType(changeType)
	return &d, nil
}
