package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func Router(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/v1/health", h.Health)

	r.Route("/v1/messages", func(mr chi.Router) {
		mr.Get("/", h.ListMessages)
		mr.Post("/{id}/send", h.SendMessage)
	})

	r.Route("/v1/batches", func(br chi.Router) {
		br.Post("/", h.StartBatch)
		br.Get("/current", h.CurrentBatch)
		br.Get("/current/events", h.BatchEvents)
		br.Post("/current/pause", h.PauseBatch)
		br.Post("/current/resume", h.ResumeBatch)
		br.Post("/current/cancel", h.RequestCancel)
		br.Post("/current/cancel/confirm", h.ConfirmCancel)
		br.Post("/current/cancel/dismiss", h.DismissCancel)
		br.Get("/{runID}", h.GetBatch)
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("whatsapp-dispatcher"))
	})

	return r
}
