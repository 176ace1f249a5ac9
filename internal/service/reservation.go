package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/raffle-system/internal/events"
	"github.com/mmeshcher/raffle-system/internal/model"
	"github.com/mmeshcher/raffle-system/internal/payment"
)

// Reservation описывает занятое место и счёт, по которому его нужно оплатить.
type Reservation struct {
	Ticket      model.Ticket
	InvoiceID   string
	CheckoutURL string
	AmountCents int64
	Currency    string
	ExpiresAt   time.Time
}

const outcomeReserved = "reserved"

// RequestTicket резервирует место в розыгрыше и выставляет счёт на его оплату.
//
// Отказы реестра (ErrSoldOut, ErrRaffleInactive, ErrRaffleEnded, ErrRaffleNotStarted)
// возвращаются как есть. Если после резервирования счёт не удалось создать или привязать,
// билет сразу переводится в expired и возвращается ErrPaymentUnavailable.
func (s *Service) RequestTicket(ctx context.Context, raffleID, userID int64) (*Reservation, error) {
	rf, err := s.repo.GetRaffle(ctx, raffleID)
	if err != nil {
		if errors.Is(err, model.ErrRaffleNotFound) {
			s.metrics.Reservation("not_found")
		}
		return nil, err
	}

	now := s.now()

	t, err := s.repo.ReserveSlot(ctx, raffleID, userID, now)
	if err != nil {
		if reason := model.RejectionReason(err); reason != "" {
			s.metrics.Reservation(reason)
			s.logger.Info("reservation rejected",
				zap.Int64("raffle_id", raffleID),
				zap.Int64("user_id", userID),
				zap.String("reason", reason),
			)
			return nil, err
		}
		s.metrics.Reservation("error")
		return nil, fmt.Errorf("reserve slot: %w", err)
	}

	inv, err := s.createInvoice(ctx, rf, t)
	if err != nil {
		s.rollback(ctx, t, err)
		return nil, fmt.Errorf("%w: %v", ErrPaymentUnavailable, err)
	}

	attached, err := s.repo.AttachInvoice(ctx, t.ID, inv.ID)
	if err != nil {
		s.rollback(ctx, t, err)
		return nil, fmt.Errorf("%w: attach invoice: %v", ErrPaymentUnavailable, err)
	}

	s.metrics.Reservation(outcomeReserved)
	s.metrics.Transition(outcomeReserved)
	s.publish(ctx, events.TicketEvent(events.TypeTicketReserved, *attached, "", now))

	s.logger.Info("ticket reserved",
		zap.String("ticket_id", attached.ID),
		zap.Int64("raffle_id", raffleID),
		zap.Int64("user_id", userID),
		zap.Int("number", attached.Number),
		zap.String("invoice_id", inv.ID),
	)

	return &Reservation{
		Ticket:      *attached,
		InvoiceID:   inv.ID,
		CheckoutURL: inv.CheckoutURL,
		AmountCents: rf.PriceCents,
		Currency:    rf.Currency,
		ExpiresAt:   now.Add(s.settings.ReservationWindow),
	}, nil
}

func (s *Service) createInvoice(ctx context.Context, rf *model.Raffle, t *model.Ticket) (*payment.Invoice, error) {
	if s.payments == nil {
		return nil, errors.New("payment processor is not configured")
	}

	return s.payments.CreateInvoice(ctx, payment.InvoiceRequest{
		AmountCents: rf.PriceCents,
		Currency:    rf.Currency,
		TicketID:    t.ID,
		RaffleID:    rf.ID,
		UserID:      t.UserID,
		Expiration:  s.settings.ReservationWindow,
	})
}

// rollback освобождает место, если покупатель так и не получил счёт.
// Выполняется и после отмены контекста запроса.
func (s *Service) rollback(ctx context.Context, t *model.Ticket, cause error) {
	s.metrics.Reservation("payment_unavailable")

	tr, err := s.repo.MarkExpired(context.WithoutCancel(ctx), t.ID, s.now())
	if err != nil {
		s.logger.Error("release reservation failed",
			zap.String("ticket_id", t.ID),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return
	}

	s.metrics.Transition(string(tr.Outcome))
	s.logger.Warn("reservation released: payment unavailable",
		zap.String("ticket_id", t.ID),
		zap.Int64("raffle_id", t.RaffleID),
		zap.Error(cause),
	)
}
