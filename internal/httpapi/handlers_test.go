package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/hamed0406/uptimewatch/internal/domain"
	apimw "github.com/hamed0406/uptimewatch/internal/httpapi/middleware"
	"github.com/hamed0406/uptimewatch/internal/queue"
	"github.com/hamed0406/uptimewatch/internal/queue/memq"
	"github.com/hamed0406/uptimewatch/internal/repo/memory"
	"github.com/hamed0406/uptimewatch/internal/worker"
)

// ---- test helpers ----

const (
	upQ  = "uptime_check_queue"
	chgQ = "change_detection_queue"
)

type fixture struct {
	ts     *httptest.Server
	store  *memory.Store
	broker *memq.Broker
}

func setup(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	broker := memq.New()
	pub := worker.NewPublisher(broker, upQ, chgQ)

	srv := NewServer(zap.NewNop(), store, broker, pub, upQ, chgQ)
	keys := apimw.Keys{
		Read:  []string{"read_test"},
		Admin: []string{"adm_test"},
	}
	// very high rate limits to avoid flakiness in tests
	ts := httptest.NewServer(srv.Router(keys, Limits{AdminRPM: 10_000, AdminBurst: 10_000}))
	t.Cleanup(ts.Close)
	return &fixture{ts: ts, store: store, broker: broker}
}

func (f *fixture) do(t *testing.T, method, path, key string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.ts.URL+path, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

// ---- tests ----

func TestPublish_FollowsMonitorFlags(t *testing.T) {
	f := setup(t)
	mon := &domain.Monitor{URL: "https://a.example", MonitorUptime: true, MonitorChanges: true}
	if err := f.store.AddMonitor(context.Background(), mon); err != nil {
		t.Fatal(err)
	}

	resp := f.do(t, http.MethodPost, "/api/monitors/"+string(mon.ID)+"/jobs", "adm_test")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("want 202, got %d", resp.StatusCode)
	}
	out := decode[publishResponse](t, resp)
	if out.MonitorID != mon.ID || len(out.Published) != 2 {
		t.Fatalf("unexpected response: %+v", out)
	}

	up, _ := f.broker.Stats(context.Background(), upQ)
	chg, _ := f.broker.Stats(context.Background(), chgQ)
	if up.Waiting != 1 || chg.Waiting != 1 {
		t.Fatalf("want one job per queue, got %+v %+v", up, chg)
	}
}

func TestPublish_SingleKindAndErrors(t *testing.T) {
	f := setup(t)
	mon := &domain.Monitor{URL: "https://a.example", MonitorUptime: true}
	if err := f.store.AddMonitor(context.Background(), mon); err != nil {
		t.Fatal(err)
	}
	path := "/api/monitors/" + string(mon.ID) + "/jobs"

	if resp := f.do(t, http.MethodPost, path+"?kind=change", "adm_test"); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("explicit kind: want 202, got %d", resp.StatusCode)
	}
	chg, _ := f.broker.Stats(context.Background(), chgQ)
	if chg.Waiting != 1 {
		t.Fatalf("explicit change job must be published, got %+v", chg)
	}

	if resp := f.do(t, http.MethodPost, path+"?kind=bogus", "adm_test"); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad kind: want 400, got %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodPost, "/api/monitors/missing/jobs", "adm_test"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing monitor: want 404, got %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodPost, path, "read_test"); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("read key: want 403, got %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodPost, path, ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no key: want 401, got %d", resp.StatusCode)
	}
}

func TestQueueStatsAndReplay(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	if err := f.broker.Publish(ctx, upQ, []byte("poison")); err != nil {
		t.Fatal(err)
	}
	d, err := f.broker.Receive(ctx, upQ)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.DeadLetter(ctx); err != nil {
		t.Fatal(err)
	}

	resp := f.do(t, http.MethodGet, "/api/queues", "read_test")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats: want 200, got %d", resp.StatusCode)
	}
	stats := decode[[]queue.Stats](t, resp)
	if len(stats) != 2 || stats[0].Queue != upQ || stats[0].Failed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	resp = f.do(t, http.MethodPost, "/api/queues/"+upQ+"/failed/replay", "adm_test")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("replay: want 200, got %d", resp.StatusCode)
	}
	out := decode[map[string]any](t, resp)
	if out["replayed"] != float64(1) {
		t.Fatalf("unexpected replay response: %v", out)
	}
	st, _ := f.broker.Stats(ctx, upQ)
	if st.Waiting != 1 || st.Failed != 0 {
		t.Fatalf("dead letter not moved back: %+v", st)
	}

	if resp := f.do(t, http.MethodPost, "/api/queues/other/failed/replay", "adm_test"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown queue: want 404, got %d", resp.StatusCode)
	}
}

func TestReplay_ConfiguredButUndeclaredQueue(t *testing.T) {
	f := setup(t)
	if resp := f.do(t, http.MethodPost, "/api/queues/"+chgQ+"/failed/replay", "adm_test"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("undeclared queue: want 404, got %d", resp.StatusCode)
	}
	if names, _ := f.broker.Queues(context.Background()); len(names) != 0 {
		t.Fatalf("replay must not create queues, got %v", names)
	}
}
