package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/hamed0406/uptimewatch/internal/domain"
	"github.com/hamed0406/uptimewatch/internal/repo"
)

var _ repo.Store = (*Store)(nil)

// Fixed-width UTC timestamps keep ORDER BY on TEXT columns chronological.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS monitors (
	id                     TEXT PRIMARY KEY,
	name                   TEXT NOT NULL DEFAULT '',
	url                    TEXT NOT NULL,
	check_interval_seconds INTEGER NOT NULL DEFAULT 60 CHECK (check_interval_seconds >= 10),
	monitor_uptime         INTEGER NOT NULL DEFAULT 1,
	monitor_changes        INTEGER NOT NULL DEFAULT 0,
	status                 INTEGER NOT NULL DEFAULT 1,
	created_at             TEXT NOT NULL,
	updated_at             TEXT NOT NULL,
	last_checked_at        TEXT NULL
);
CREATE INDEX IF NOT EXISTS idx_monitors_status ON monitors (status);

CREATE TABLE IF NOT EXISTS uptime_checks (
	id               TEXT PRIMARY KEY,
	monitor_id       TEXT NOT NULL REFERENCES monitors(id) ON DELETE CASCADE,
	status           INTEGER NOT NULL,
	response_time_ms INTEGER NULL,
	status_code      INTEGER NULL,
	error_message    TEXT NULL,
	checked_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_uptime_checks_monitor_time ON uptime_checks (monitor_id, checked_at DESC);

CREATE TABLE IF NOT EXISTS change_detections (
	id                    TEXT PRIMARY KEY,
	monitor_id            TEXT NOT NULL REFERENCES monitors(id) ON DELETE CASCADE,
	change_type           INTEGER NOT NULL,
	previous_content_hash TEXT NULL,
	current_content_hash  TEXT NULL,
	description           TEXT NULL,
	detected_at           TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_change_detections_monitor_time ON change_detections (monitor_id, detected_at DESC);
`

type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// New opens (creating if needed) the database file at path and migrates it.
func New(ctx context.Context, path string, log *zap.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir %s: %w", dir, err)
		}
	}
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// a single writer avoids SQLITE_BUSY between consumer goroutines
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Info("sqlite_store_ready", zap.String("path", path))
	return &Store{db: db, log: log}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func formatTime(t time.Time) string { return t.UTC().Format(tsLayout) }

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(tsLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", v, err)
	}
	return t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func stringPtr(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	v := n.String
	return &v
}

// ---- MonitorStore ----

func (s *Store) AddMonitor(ctx context.Context, m *domain.Monitor) error {
	repo.PrepareMonitor(m)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO monitors
		   (id, name, url, check_interval_seconds, monitor_uptime, monitor_changes,
		    status, created_at, updated_at, last_checked_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(m.ID), m.Name, m.URL, m.CheckIntervalSeconds, m.MonitorUptime, m.MonitorChanges,
		int(m.Status), formatTime(m.CreatedAt), formatTime(m.UpdatedAt), nullTime(m.LastCheckedAt),
	)
	if err != nil {
		return fmt.Errorf("insert monitor: %w", err)
	}
	return nil
}

const monitorColumns = `id, name, url, check_interval_seconds, monitor_uptime, monitor_changes,
	status, created_at, updated_at, last_checked_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanMonitor(row scanner) (*domain.Monitor, error) {
	var (
		m                domain.Monitor
		id               string
		status           int
		created, updated string
		lastChecked      sql.NullString
	)
	if err := row.Scan(&id, &m.Name, &m.URL, &m.CheckIntervalSeconds, &m.MonitorUptime,
		&m.MonitorChanges, &status, &created, &updated, &lastChecked); err != nil {
		return nil, err
	}
	var err error
	if m.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if m.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if lastChecked.Valid {
		t, err := parseTime(lastChecked.String)
		if err != nil {
			return nil, err
		}
		m.LastCheckedAt = &t
	}
	m.ID = domain.MonitorID(id)
	m.Status = domain.MonitorStatus(status)
	return &m, nil
}

func (s *Store) GetMonitor(ctx context.Context, id domain.MonitorID) (*domain.Monitor, error) {
	m, err := scanMonitor(s.db.QueryRowContext(ctx,
		`SELECT `+monitorColumns+` FROM monitors WHERE id = ?`, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repo.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get monitor: %w", err)
	}
	return m, nil
}

func (s *Store) UpdateMonitor(ctx context.Context, m *domain.Monitor) error {
	m.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE monitors
		    SET name = ?, url = ?, check_interval_seconds = ?, monitor_uptime = ?,
		        monitor_changes = ?, status = ?, updated_at = ?, last_checked_at = ?
		  WHERE id = ?`,
		m.Name, m.URL, m.CheckIntervalSeconds, m.MonitorUptime, m.MonitorChanges,
		int(m.Status), formatTime(m.UpdatedAt), nullTime(m.LastCheckedAt), string(m.ID),
	)
	if err != nil {
		return fmt.Errorf("update monitor: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update monitor: %w", err)
	}
	if n == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *Store) SetLastCheckedAt(ctx context.Context, id domain.MonitorID, t time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE monitors SET last_checked_at = ? WHERE id = ?`, formatTime(t), string(id))
	if err != nil {
		return fmt.Errorf("set last checked: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set last checked: %w", err)
	}
	if n == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *Store) ListMonitors(ctx context.Context) ([]*domain.Monitor, error) {
	rows, err := s.db.QueryContext(ctx,
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

// DeleteMonitor removes a monitor; its records go with it via ON DELETE CASCADE.
func (s *Store) DeleteMonitor(ctx context.Context, id domain.MonitorID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM monitors WHERE id = ?`, string(id)); err != nil {
		return fmt.Errorf("delete monitor: %w", err)
	}
	return nil
}

// ---- UptimeStore ----

func (s *Store) AddUptimeCheck(ctx context.Context, c *domain.UptimeCheck) error {
	if c.ID == "" {
		c.ID = repo.NewID()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO uptime_checks
		   (id, monitor_id, status, response_time_ms, status_code, error_message, checked_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, string(c.MonitorID), int(c.Status), nullInt(c.ResponseTimeMs), nullInt(c.StatusCode),
		nullString(c.ErrorMessage), formatTime(c.CheckedAt),
	)
	if err != nil {
		return fmt.Errorf("insert uptime check: %w", err)
	}
	return nil
}

func (s *Store) LatestUptimeCheck(ctx context.Context, id domain.MonitorID) (*domain.UptimeCheck, error) {
	var (
		c            domain.UptimeCheck
		status       int
		respMs, code sql.NullInt64
		errMsg       sql.NullString
		checked      string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, status, response_time_ms, status_code, error_message, checked_at
		   FROM uptime_checks
		  WHERE monitor_id = ?
		  ORDER BY checked_at DESC
		  LIMIT 1`, string(id)).
		Scan(&c.ID, &status, &respMs, &code, &errMsg, &checked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repo.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest uptime check: %w", err)
	}
	if c.CheckedAt, err = parseTime(checked); err != nil {
		return nil, err
	}
	c.MonitorID = id
	c.Status = domain.UptimeStatus(status)
	c.ResponseTimeMs = intPtr(respMs)
	c.StatusCode = intPtr(code)
	c.ErrorMessage = stringPtr(errMsg)
	return &c, nil
}

// ---- ChangeStore ----

func (s *Store) AddChangeDetection(ctx context.Context, d *domain.ChangeDetection) error {
	if d.ID == "" {
		d.ID = repo.NewID()
	}
	// One statement, so the latest-hash check and the insert share a write lock.
	// IS treats a missing latest row and a NULL previous hash as equal.
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO change_detections
		   (id, monitor_id, change_type, previous_content_hash, current_content_hash, description, detected_at)
		 SELECT ?, ?, ?, ?, ?, ?, ?
		  WHERE (SELECT current_content_hash
		           FROM change_detections
		          WHERE monitor_id = ?
		          ORDER BY detected_at DESC
		          LIMIT 1) IS ?`,
		d.ID, string(d.MonitorID), int(d.ChangeType), nullString(d.PreviousContentHash),
		nullString(d.CurrentContentHash), nullString(d.Description), formatTime(d.DetectedAt),
		string(d.MonitorID), nullString(d.PreviousContentHash),
	)
	if err != nil {
		return fmt.Errorf("insert change detection: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert change detection: %w", err)
	}
	if n == 0 {
		return repo.ErrConflict
	}
	return nil
}

func (s *Store) LatestChangeDetection(ctx context.Context, id domain.MonitorID) (*domain.ChangeDetection, error) {
	var (
		d               domain.ChangeDetection
		changeType      int
		prev, cur, desc sql.NullString
		detected        string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, change_type, previous_content_hash, current_content_hash, description, detected_at
		   FROM change_detections
		  WHERE monitor_id = ?
		  ORDER BY detected_at DESC
		  LIMIT 1`, string(id)).
		Scan(&d.ID, &changeType, &prev, &cur, &desc, &detected)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repo.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest change detection: %w", err)
	}
	if d.DetectedAt, err = parseTime(detected); err != nil {
		return nil, err
	}
	d.MonitorID = id
	d.ChangeType = domain.ChangeType(changeType)
	d.PreviousContentHash = stringPtr(prev)
	d.CurrentContentHash = stringPtr(cur)
	d.Description = stringPtr(desc)
	return &d, nil
}
