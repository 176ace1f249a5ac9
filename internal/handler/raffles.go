package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/raffle-system/internal/middleware"
	"github.com/mmeshcher/raffle-system/internal/model"
	"github.com/mmeshcher/raffle-system/internal/payment"
	"github.com/mmeshcher/raffle-system/internal/validation"
)

type winnerResponse struct {
	TicketID     string `json:"ticket_id"`
	TicketNumber int    `json:"ticket_number"`
	Claimed      bool   `json:"claimed"`
	AnnouncedAt  string `json:"announced_at"`
}

type raffleResponse struct {
	ID           int64           `json:"id"`
	Name         string          `json:"name"`
	TotalTickets int             `json:"total_tickets"`
	Paid         int             `json:"paid"`
	Pending      int             `json:"pending"`
	Available    int             `json:"available"`
	Price        string          `json:"price"`
	Currency     string          `json:"currency"`
	StartsAt     string          `json:"starts_at"`
	EndsAt       string          `json:"ends_at"`
	Active       bool            `json:"active"`
	ClosedAt     *string         `json:"closed_at,omitempty"`
	Winner       *winnerResponse `json:"winner,omitempty"`
}

func winnerView(w *model.Winner) *winnerResponse {
	if w == nil {
		return nil
	}
	return &winnerResponse{
		TicketID:     w.TicketID,
		TicketNumber: w.TicketNumber,
		Claimed:      w.Claimed,
		AnnouncedAt:  w.AnnouncedAt.UTC().Format(time.RFC3339),
	}
}

func raffleView(rf *model.Raffle) raffleResponse {
	return raffleResponse{
		ID:           rf.ID,
		Name:         rf.Name,
		TotalTickets: rf.TotalTickets,
		Paid:         rf.Paid,
		Pending:      rf.Pending,
		Available:    rf.Available(),
		Price:        payment.FormatAmount(rf.PriceCents),
		Currency:     rf.Currency,
		StartsAt:     rf.StartsAt.UTC().Format(time.RFC3339),
		EndsAt:       rf.EndsAt.UTC().Format(time.RFC3339),
		Active:       rf.Active && !rf.Closed(),
		ClosedAt:     formatTime(rf.ClosedAt),
		Winner:       winnerView(rf.Winner),
	}
}

// GetRaffle возвращает справочное состояние розыгрыша. Счётчики могут устареть сразу после ответа.
func (h *Handler) GetRaffle(w http.ResponseWriter, r *http.Request) {
	id, ok := raffleIDParam(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	rf, err := h.service.GetRaffle(r.Context(), id)
	if err != nil {
		if errors.Is(err, model.ErrRaffleNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.internalError(w, "get raffle error", err, zap.Int64("raffle_id", id))
		return
	}

	h.writeJSON(w, http.StatusOK, raffleView(rf))
}

// ClaimPrize отмечает приз полученным, если текущий покупатель выиграл розыгрыш.
func (h *Handler) ClaimPrize(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id, ok := raffleIDParam(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	winner, err := h.service.ClaimPrize(r.Context(), id, userID)
	if err != nil {
		switch {
		case errors.Is(err, model.ErrWinnerNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, model.ErrNotWinner):
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		default:
			h.internalError(w, "claim prize error", err, zap.Int64("raffle_id", id), zap.Int64("user_id", userID))
		}
		return
	}

	h.writeJSON(w, http.StatusOK, winnerView(winner))
}

type createRaffleRequest struct {
	Name         string    `json:"name"`
	TotalTickets int       `json:"total_tickets"`
	PriceCents   int64     `json:"price_cents"`
	Currency     string    `json:"currency"`
	StartsAt     time.Time `json:"starts_at"`
	EndsAt       time.Time `json:"ends_at"`
}

// CreateRaffle создаёт розыгрыш. Доступно только администратору.
func (h *Handler) CreateRaffle(w http.ResponseWriter, r *http.Request) {
	var req createRaffleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	rf, err := h.service.CreateRaffle(r.Context(), model.RaffleParams{
		Name:         req.Name,
		TotalTickets: req.TotalTickets,
		PriceCents:   req.PriceCents,
		Currency:     req.Currency,
		StartsAt:     req.StartsAt,
		EndsAt:       req.EndsAt,
	})
	if err != nil {
		if errors.Is(err, validation.ErrInvalidRaffle) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.internalError(w, "create raffle error", err)
		return
	}

	h.writeJSON(w, http.StatusCreated, raffleView(rf))
}

type closeResponse struct {
	RaffleID      int64           `json:"raffle_id"`
	Closed        bool            `json:"closed"`
	AlreadyClosed bool            `json:"already_closed"`
	Reason        string          `json:"reason"`
	Winner        *winnerResponse `json:"winner,omitempty"`
}

// CloseRaffle подводит итоги розыгрыша, если он готов к закрытию. Доступно только администратору.
func (h *Handler) CloseRaffle(w http.ResponseWriter, r *http.Request) {
	id, ok := raffleIDParam(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.service.CloseIfEligible(r.Context(), id)
	if err != nil {
		if errors.Is(err, model.ErrRaffleNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.internalError(w, "close raffle error", err, zap.Int64("raffle_id", id))
		return
	}

	h.writeJSON(w, http.StatusOK, closeResponse{
		RaffleID:      res.RaffleID,
		Closed:        res.Closed,
		AlreadyClosed: res.AlreadyClosed,
		Reason:        res.Reason,
		Winner:        winnerView(res.Winner),
	})
}
