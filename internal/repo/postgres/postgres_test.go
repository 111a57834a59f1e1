package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hamed0406/uptimewatch/internal/domain"
	"github.com/hamed0406/uptimewatch/internal/repo"
)

func TestPostgresStore_MonitorChecksChanges(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping Postgres integration test")
	}

	ctx := context.Background()
	store, err := New(ctx, dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("New store: %v", err)
	}
	defer store.Close()

	mon := &domain.Monitor{
		Name:          "pg-test",
		URL:           fmt.Sprintf("https://example.com/test-%d", time.Now().UTC().UnixNano()),
		MonitorUptime: true,
	}
	if err := store.AddMonitor(ctx, mon); err != nil {
		t.Fatalf("AddMonitor: %v", err)
	}

	got, err := store.GetMonitor(ctx, mon.ID)
	if err != nil {
		t.Fatalf("GetMonitor: %v", err)
	}
	if got.URL != mon.URL || got.LastCheckedAt != nil {
		t.Fatalf("unexpected monitor: %+v", got)
	}

	checked := time.Now().UTC().Truncate(time.Microsecond)
	got.LastCheckedAt = &checked
	if err := store.UpdateMonitor(ctx, got); err != nil {
		t.Fatalf("UpdateMonitor: %v", err)
	}

	if err := store.AddUptimeCheck(ctx, &domain.UptimeCheck{
		MonitorID:      mon.ID,
		Status:         domain.UptimeOnline,
		ResponseTimeMs: domain.IntPtr(42),
		StatusCode:     domain.IntPtr(200),
		CheckedAt:      checked,
	}); err != nil {
		t.Fatalf("AddUptimeCheck: %v", err)
	}
	latest, err := store.LatestUptimeCheck(ctx, mon.ID)
	if err != nil {
		t.Fatalf("LatestUptimeCheck: %v", err)
	}
	if latest.Status != domain.UptimeOnline || latest.StatusCode == nil || *latest.StatusCode != 200 || latest.ErrorMessage != nil {
		t.Fatalf("unexpected latest check: %+v", latest)
	}

	if _, err := store.LatestChangeDetection(ctx, mon.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("want ErrNotFound before any detection, got %v", err)
	}
	if err := store.AddChangeDetection(ctx, &domain.ChangeDetection{
		MonitorID:          mon.ID,
		ChangeType:         domain.ChangeContent,
		CurrentContentHash: domain.StringPtr("h1"),
		Description:        domain.StringPtr("Initial content snapshot"),
		DetectedAt:         checked,
	}); err != nil {
		t.Fatalf("AddChangeDetection: %v", err)
	}
	d, err := store.LatestChangeDetection(ctx, mon.ID)
	if err != nil {
		t.Fatalf("LatestChangeDetection: %v", err)
	}
	if d.PreviousContentHash != nil || d.CurrentContentHash == nil || *d.CurrentContentHash != "h1" {
		t.Fatalf("unexpected detection: %+v", d)
	}
}

func TestPostgresStore_ConcurrentBaselinesKeepOneChain(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping Postgres integration test")
	}

	ctx := context.Background()
	store, err := New(ctx, dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("New store: %v", err)
	}
	defer store.Close()

	mon := &domain.Monitor{URL: fmt.Sprintf("https://example.com/chain-%d", time.Now().UTC().UnixNano())}
	if err := store.AddMonitor(ctx, mon); err != nil {
		t.Fatalf("AddMonitor: %v", err)
	}

	errs := make(chan error, 2)
	for _, h := range []string{"h1", "h2"} {
		go func(h string) {
			errs <- store.AddChangeDetection(ctx, &domain.ChangeDetection{
				MonitorID:          mon.ID,
				ChangeType:         domain.ChangeContent,
				CurrentContentHash: domain.StringPtr(h),
				DetectedAt:         time.Now().UTC(),
			})
		}(h)
	}
	var ok, conflicts int
	for i := 0; i < 2; i++ {
		switch err := <-errs; {
		case err == nil:
			ok++
		case errors.Is(err, repo.ErrConflict):
			conflicts++
		default:
			t.Fatalf("AddChangeDetection: %v", err)
		}
	}
	if ok != 1 || conflicts != 1 {
		t.Fatalf("want one baseline and one conflict, got ok=%d conflicts=%d", ok, conflicts)
	}

	at := time.Date(2025, 8, 18, 12, 0, 0, 0, time.UTC)
	if err := store.SetLastCheckedAt(ctx, mon.ID, at); err != nil {
		t.Fatalf("SetLastCheckedAt: %v", err)
	}
	got, err := store.GetMonitor(ctx, mon.ID)
	if err != nil {
		t.Fatalf("GetMonitor: %v", err)
	}
	if got.LastCheckedAt == nil || !got.LastCheckedAt.Equal(at) {
		t.Fatalf("LastCheckedAt not set: %+v", got)
	}
}
