package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/mmeshcher/raffle-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса розыгрышей.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/webhook/payment", h.PaymentWebhook)
		r.Get("/raffles/{id}", h.GetRaffle)

		r.Route("/user", func(r chi.Router) {
			r.Post("/register", h.Register)
			r.Post("/login", h.Login)
			r.With(h.authMiddleware.Middleware).Get("/tickets", h.GetTickets)
		})

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/reserve", h.Reserve)
			r.Get("/ticket/{id}", h.GetTicket)
			r.Post("/raffles/{id}/claim", h.ClaimPrize)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(custommiddleware.AdminOnly(h.adminToken))

			r.Post("/raffles", h.CreateRaffle)
			r.Post("/raffles/{id}/close", h.CloseRaffle)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
