package handler

import (
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/mmeshcher/raffle-system/internal/payment"
)

const maxWebhookBody = 1 << 20

type webhookResponse struct {
	Outcome string `json:"outcome"`
}

// PaymentWebhook принимает уведомления платёжной системы. Любое подлинное уведомление
// подтверждается кодом 200; 500 возвращается только при сбое хранилища.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.service.HandlePaymentEvent(r.Context(), body, r.Header.Get(payment.SignatureHeader))
	if err != nil {
		if errors.Is(err, payment.ErrInvalidSignature) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.internalError(w, "payment webhook error", err)
		return
	}

	h.logger.Debug("payment webhook processed",
		zap.String("delivery_id", res.DeliveryID),
		zap.String("ticket_id", res.TicketID),
		zap.String("outcome", res.Outcome),
	)

	h.writeJSON(w, http.StatusOK, webhookResponse{Outcome: res.Outcome})
}
