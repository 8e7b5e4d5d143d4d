package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"broadcast-orchestrator/internal/platform/logger"
	"broadcast-orchestrator/internal/platform/metrics"
	"broadcast-orchestrator/internal/session"
	"broadcast-orchestrator/internal/webhook"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type routerDeps struct {
	log      *slog.Logger
	metrics  *metrics.Metrics
	svc      *session.Service
	sessions *session.Handler
	webhooks *webhook.Handler
}

func newRouter(d routerDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logger.RequestLogger(d.log))
	r.Use(metrics.RequestMiddleware(d.metrics))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		d.metrics.Handler(func() {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			d.metrics.SetActiveSessions(d.svc.ActiveSessionCount(ctx))
		}).ServeHTTP(w, r)
	})

	r.Route("/v1/sessions", func(r chi.Router) {
		r.Post("/", d.sessions.CreateSession)
		r.Route("/{session_id}", func(r chi.Router) {
			r.Get("/", d.sessions.GetSession)
			r.Post("/start", d.sessions.StartSession)
			r.Post("/end", d.sessions.EndSession)
			r.Post("/room", d.sessions.CreateRoom)
			r.Post("/recreate", d.sessions.RecreateSession)
		})
	})
	r.Route("/v1/rooms/{room_id}", func(r chi.Router) {
		r.Get("/session", d.sessions.GetActiveSession)
		r.Get("/sessions/latest", d.sessions.GetLastSession)
	})

	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/livekit", d.webhooks.LiveKit)
		r.Post("/mux", d.webhooks.Mux)
	})
	return r
}
