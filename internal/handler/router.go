package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	custommiddleware "github.com/otakumori/petal-economy/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(custommiddleware.Logger(h.logger))
	r.Use(chimw.Recoverer)
	r.Use(custommiddleware.GzipMiddleware)

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(h.authMiddleware.Identify)

		r.Post("/session/guest", h.StartGuestSession)

		r.Route("/petals", func(r chi.Router) {
			r.Get("/balance", h.GetBalance)
			r.Get("/ledger", h.GetLedger)

			r.Post("/collect", h.CollectPetal)
			r.Post("/games/{gameID}/complete", h.CompleteGame)
			r.Post("/quests/{questKey}/claim", h.ClaimQuest)
			r.Post("/spend", h.Spend)

			r.With(custommiddleware.RequireStorefront(h.storefrontToken)).
				Post("/purchases", h.PurchaseReward)

			r.Group(func(r chi.Router) {
				r.Use(h.authMiddleware.RequireUser)

				r.Post("/vouchers", h.PurchaseVoucher)
				r.Get("/vouchers", h.GetVouchers)
				r.Post("/guest/merge", h.MergeGuest)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, envelope{Error: "not_found"})
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, envelope{Error: "method_not_allowed"})
	})

	return r
}
