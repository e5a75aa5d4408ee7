// Package api exposes the backup service and the scheduler over HTTP/JSON.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/Chapsvision-dev/cloudbackupd/internal/backup"
	"github.com/Chapsvision-dev/cloudbackupd/internal/metrics"
	"github.com/Chapsvision-dev/cloudbackupd/internal/model"
	"github.com/Chapsvision-dev/cloudbackupd/internal/version"
)

// Backups is the job surface served under /v1.
type Backups interface {
	Create(ctx context.Context, req backup.CreateRequest) (*model.Job, error)
	Restore(ctx context.Context, req backup.RestoreRequest) (*model.Job, error)
	Delete(ctx context.Context, id string) (*model.Job, error)
	DeleteAll(ctx context.Context, volumeID string) (backup.DeleteAllResult, error)
	Enumerate(ctx context.Context, req backup.EnumerateRequest) ([]*model.Job, error)
	Status(ctx context.Context, id string) (*model.Job, error)
	Catalog(ctx context.Context, id string) ([]model.CatalogEntry, error)
	Dependents(ctx context.Context, id string) ([]*model.Job, error)
	History(ctx context.Context, volumeID string) ([]*model.Job, error)
	StateChange(ctx context.Context, id string, target model.State) (*model.Job, error)
}

// Schedules is the policy surface served under /v1/schedules.
type Schedules interface {
	Create(ctx context.Context, p *model.SchedulePolicy) (*model.SchedulePolicy, error)
	Update(ctx context.Context, p *model.SchedulePolicy) (*model.SchedulePolicy, error)
	Get(ctx context.Context, name string) (*model.SchedulePolicy, error)
	Delete(ctx context.Context, name string) error
	Enumerate(ctx context.Context) ([]*model.SchedulePolicy, error)
}

type Server struct {
	router    chi.Router
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	backups   Backups
	schedules Schedules
}

func NewServer(logger zerolog.Logger, backups Backups, schedules Schedules, m *metrics.Metrics) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With().Str("component", "api").Logger(),
		metrics:   m,
		backups:   backups,
		schedules: schedules,
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(RequestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(Metrics(s.metrics))
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version.Version})
	})

	s.router.Route("/v1", func(r chi.Router) {
		r.Post("/backups", s.createBackup)
		r.Get("/backups", s.enumerateBackups)
		r.Delete("/backups/{id}", s.deleteBackup)
		r.Get("/backups/{id}/catalog", s.catalog)
		r.Get("/backups/{id}/dependents", s.dependents)

		r.Post("/restores", s.createRestore)

		r.Get("/jobs/{id}", s.status)
		r.Post("/jobs/{id}/state", s.changeState)

		r.Delete("/volumes/{volumeID}/backups", s.deleteAll)
		r.Get("/volumes/{volumeID}/history", s.history)

		r.Get("/schedules", s.enumerateSchedules)
		r.Post("/schedules", s.createSchedule)
		r.Get("/schedules/{name}", s.getSchedule)
		r.Put("/schedules/{name}", s.updateSchedule)
		r.Delete("/schedules/{name}", s.deleteSchedule)
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// HTTPServer wraps the router for ListenAndServe.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
