package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/raffle-system/internal/middleware"
	"github.com/mmeshcher/raffle-system/internal/model"
	"github.com/mmeshcher/raffle-system/internal/payment"
	"github.com/mmeshcher/raffle-system/internal/service"
)

type reserveRequest struct {
	RaffleID int64 `json:"raffle_id"`
}

type reservationResponse struct {
	TicketID    string `json:"ticket_id"`
	RaffleID    int64  `json:"raffle_id"`
	Number      int    `json:"number"`
	Status      string `json:"status"`
	InvoiceID   string `json:"invoice_id"`
	CheckoutURL string `json:"checkout_url"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	ExpiresAt   string `json:"expires_at"`
}

// Reserve занимает место в розыгрыше для текущего покупателя и возвращает счёт на оплату.
func (h *Handler) Reserve(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req reserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RaffleID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.service.RequestTicket(r.Context(), req.RaffleID, userID)
	if err != nil {
		switch reason := model.RejectionReason(err); {
		case reason == model.ReasonSoldOut:
			h.writeError(w, http.StatusConflict, reason)
		case reason != "":
			h.writeError(w, http.StatusUnprocessableEntity, reason)
		case errors.Is(err, model.ErrRaffleNotFound):
			h.writeError(w, http.StatusNotFound, "RaffleNotFound")
		case errors.Is(err, service.ErrPaymentUnavailable):
			h.logger.Warn("reserve: payment unavailable", zap.Error(err), zap.Int64("raffle_id", req.RaffleID))
			h.writeError(w, http.StatusBadGateway, "PaymentUnavailable")
		default:
			h.internalError(w, "reserve ticket error", err, zap.Int64("raffle_id", req.RaffleID), zap.Int64("user_id", userID))
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, reservationResponse{
		TicketID:    res.Ticket.ID,
		RaffleID:    res.Ticket.RaffleID,
		Number:      res.Ticket.Number,
		Status:      string(res.Ticket.Status),
		InvoiceID:   res.InvoiceID,
		CheckoutURL: res.CheckoutURL,
		Amount:      payment.FormatAmount(res.AmountCents),
		Currency:    res.Currency,
		ExpiresAt:   res.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

type ticketResponse struct {
	TicketID    string  `json:"ticket_id"`
	RaffleID    int64   `json:"raffle_id"`
	Number      int     `json:"number"`
	Status      string  `json:"status"`
	InvoiceID   *string `json:"invoice_id,omitempty"`
	ReservedAt  *string `json:"reserved_at,omitempty"`
	ExpiresAt   *string `json:"expires_at,omitempty"`
	PurchasedAt *string `json:"purchased_at,omitempty"`
	ExpiredAt   *string `json:"expired_at,omitempty"`
}

func (h *Handler) ticketView(t model.Ticket) ticketResponse {
	resp := ticketResponse{
		TicketID:    t.ID,
		RaffleID:    t.RaffleID,
		Number:      t.Number,
		Status:      string(t.Status),
		InvoiceID:   t.InvoiceID,
		ReservedAt:  formatTime(t.ReservedAt),
		PurchasedAt: formatTime(t.PurchasedAt),
		ExpiredAt:   formatTime(t.ExpiredAt),
	}
	if deadline, ok := h.service.ReservationDeadline(t); ok {
		resp.ExpiresAt = formatTime(&deadline)
	}
	return resp
}

// GetTicket возвращает состояние билета текущего покупателя.
func (h *Handler) GetTicket(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	ticketID := chi.URLParam(r, "id")

	t, err := h.service.GetTicket(r.Context(), ticketID, userID)
	if err != nil {
		if errors.Is(err, model.ErrTicketNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.internalError(w, "get ticket error", err, zap.String("ticket_id", ticketID))
		return
	}

	h.writeJSON(w, http.StatusOK, h.ticketView(*t))
}

// GetTickets возвращает билеты текущего покупателя.
func (h *Handler) GetTickets(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	tickets, err := h.service.ListUserTickets(r.Context(), userID)
	if err != nil {
		h.internalError(w, "get tickets error", err, zap.Int64("user_id", userID))
		return
	}

	if len(tickets) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]ticketResponse, 0, len(tickets))
	for _, t := range tickets {
		resp = append(resp, h.ticketView(t))
	}

	h.writeJSON(w, http.StatusOK, resp)
}
