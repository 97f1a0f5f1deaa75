// Package api exposes the schedule management HTTP surface.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/harvey240/evcharger-scheduler/internal/config"
	"github.com/harvey240/evcharger-scheduler/internal/scheduler"
	"github.com/harvey240/evcharger-scheduler/internal/store"
)

func NewRouter(cfg config.AppConfig, reconciler *scheduler.Reconciler, history *store.HistoryStore, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Content-Type", principalHeader},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	sh := &ScheduleHandler{Reconciler: reconciler, Logger: logger}
	hh := &HistoryHandler{History: history, Logger: logger}

	r.Group(func(r chi.Router) {
		r.Use(RequireAuth(cfg.MockUserEmail))

		r.Route("/schedules", func(r chi.Router) {
			r.Get("/", sh.List)
			r.Post("/", sh.Create)
			r.Put("/{id}", sh.Update)
			r.Delete("/{id}", sh.Delete)
			r.Post("/{id}/run", sh.Run)
		})

		r.Get("/run-history", hh.List)
	})

	return r
}
