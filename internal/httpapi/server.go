// Package httpapi is the operator-facing HTTP surface of the worker: queue
// state, manual job publishing and dead-letter replay.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/hamed0406/uptimewatch/internal/domain"
	apimw "github.com/hamed0406/uptimewatch/internal/httpapi/middleware"
	"github.com/hamed0406/uptimewatch/internal/queue"
	"github.com/hamed0406/uptimewatch/internal/repo"
)

// Publisher is the producer side the API triggers.
type Publisher interface {
	Publish(ctx context.Context, kind domain.JobKind, m *domain.Monitor) error
	PublishForMonitor(ctx context.Context, m *domain.Monitor) ([]domain.JobKind, error)
}

type Server struct {
	Logger    *zap.Logger
	Monitors  repo.MonitorStore
	Broker    queue.Broker
	Publisher Publisher
	Queues    []string // queues the API may inspect and replay
}

func NewServer(l *zap.Logger, monitors repo.MonitorStore, b queue.Broker, p Publisher, queues ...string) *Server {
	return &Server{Logger: l, Monitors: monitors, Broker: b, Publisher: p, Queues: queues}
}

type Limits struct {
	AdminRPM   int
	AdminBurst int
}

func (s *Server) Router(keys apimw.Keys, lim Limits) http.Handler {
	r := chi.NewRouter()
	r.Use(cors.AllowAll().Handler)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(apimw.RequireAny(keys))
		r.Get("/queues", s.handleQueueStats)

		r.Group(func(r chi.Router) {
			r.Use(apimw.RequireAdmin(keys))
			r.Use(apimw.RateLimit(lim.AdminRPM, lim.AdminBurst))
			r.Post("/monitors/{id}/jobs", s.handlePublish)
			r.Post("/queues/{name}/failed/replay", s.handleReplay)
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	out := make([]queue.Stats, 0, len(s.Queues))
	for _, name := range s.Queues {
		st, err := s.Broker.Stats(r.Context(), name)
		if err != nil {
			s.Logger.Warn("api_queue_stats_error", zap.String("queue", name), zap.Error(err))
			writeError(w, http.StatusBadGateway, "queue unavailable")
			return
		}
		out = append(out, st)
	}
	writeJSON(w, http.StatusOK, out)
}

type publishResponse struct {
	MonitorID domain.MonitorID `json:"monitor_id"`
	Published []domain.JobKind `json:"published"`
}

// handlePublish enqueues jobs for a monitor. Without ?kind= it follows the
// monitor's flags; with ?kind=uptime|change it publishes that one kind.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	id := domain.MonitorID(chi.URLParam(r, "id"))
	mon, err := s.Monitors.GetMonitor(r.Context(), id)
	if errors.Is(err, repo.ErrNotFound) {
		writeError(w, http.StatusNotFound, "monitor not found")
		return
	}
	if err != nil {
		s.Logger.Warn("api_get_monitor_error", zap.String("monitor_id", string(id)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not load monitor")
		return
	}

	var kinds []domain.JobKind
	switch k := domain.JobKind(r.URL.Query().Get("kind")); k {
	case "":
		kinds, err = s.Publisher.PublishForMonitor(r.Context(), mon)
	case domain.JobUptime, domain.JobChange:
		if err = s.Publisher.Publish(r.Context(), k, mon); err == nil {
			kinds = []domain.JobKind{k}
		}
	default:
		writeError(w, http.StatusBadRequest, "kind must be uptime or change")
		return
	}
	if err != nil {
		s.Logger.Warn("api_publish_error", zap.String("monitor_id", string(id)), zap.Error(err))
		writeError(w, http.StatusBadGateway, "could not publish")
		return
	}
	if kinds == nil {
		kinds = []domain.JobKind{}
	}

	s.Logger.Info("api_jobs_published",
		zap.String("monitor_id", string(id)),
		zap.Int("jobs", len(kinds)))
	writeJSON(w, http.StatusAccepted, publishResponse{MonitorID: id, Published: kinds})
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !slices.Contains(s.Queues, name) {
		writeError(w, http.StatusNotFound, "unknown queue")
		return
	}
	n, err := s.Broker.ReplayFailed(r.Context(), name)
	if errors.Is(err, queue.ErrUnknownQueue) {
		writeError(w, http.StatusNotFound, "unknown queue")
		return
	}
	if err != nil {
		s.Logger.Warn("api_replay_error", zap.String("queue", name), zap.Error(err))
		writeError(w, http.StatusBadGateway, "could not replay")
		return
	}
	s.Logger.Info("api_failed_replayed", zap.String("queue", name), zap.Int("count", n))
	writeJSON(w, http.StatusOK, map[string]any{"queue": name, "replayed": n})
}
