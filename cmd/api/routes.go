package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/smsrent/wallet-engine/internal/api"
	"github.com/smsrent/wallet-engine/internal/metrics"
)

// newRouter builds the HTTP router for the wallet API.
func newRouter(h *api.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"wallet-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/accounts", h.CreateAccount)
		r.Get("/accounts/{accountID}", h.GetAccount)
		r.Post("/accounts/{accountID}/deposit", h.Deposit)
		r.Get("/accounts/{accountID}/reconcile", h.Reconcile)
		r.Get("/accounts/{accountID}/events", h.AccountEvents)

		r.Post("/reservations", h.Reserve)
		r.Get("/reservations/{reservationID}", h.GetReservation)
		r.Get("/reservations/{reservationID}/events", h.ReservationEvents)
		r.Post("/reservations/{reservationID}/settle", h.Settle)
		r.Post("/reservations/{reservationID}/release", h.Release)
	})

	return r
}
