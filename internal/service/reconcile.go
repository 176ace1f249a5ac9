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

// Итоги обработки уведомления, не связанные с переходом билета.
const (
	WebhookDuplicate      = "duplicate"
	WebhookMalformed      = "malformed"
	WebhookIgnored        = "ignored"
	WebhookUnknownInvoice = "unknown_invoice"
	WebhookTicketMismatch = "ticket_mismatch"
)

// WebhookResult описывает итог обработки уведомления платёжной системы.
type WebhookResult struct {
	DeliveryID string
	Kind       payment.EventKind
	TicketID   string
	// Outcome содержит исход команды реестра или одну из констант Webhook*.
	Outcome string
}

// HandlePaymentEvent проверяет и применяет уведомление платёжной системы.
//
// Ошибка payment.ErrInvalidSignature означает, что состояние не менялось. Подписанные, но
// нераспознанные или не относящиеся к билетам уведомления подтверждаются без изменений.
// Прочие ошибки означают сбой хранилища: уведомление нужно доставить повторно.
func (s *Service) HandlePaymentEvent(ctx context.Context, body []byte, signature string) (*WebhookResult, error) {
	if err := payment.VerifySignature(s.settings.WebhookSecret, body, signature); err != nil {
		s.metrics.Webhook("unknown", "invalid_signature")
		s.logger.Warn("webhook rejected", zap.Error(err))
		return nil, err
	}

	e, err := payment.ParseEvent(body)
	if err != nil {
		s.metrics.Webhook("unknown", WebhookMalformed)
		s.logger.Warn("webhook acknowledged without changes", zap.Error(err))
		return &WebhookResult{Outcome: WebhookMalformed}, nil
	}

	res := &WebhookResult{DeliveryID: e.DeliveryID, Kind: e.Kind}

	if e.DeliveryID != "" {
		seen, err := s.repo.WebhookDeliverySeen(ctx, e.DeliveryID)
		if err != nil {
			return nil, fmt.Errorf("check delivery: %w", err)
		}
		if seen {
			res.Outcome = WebhookDuplicate
			s.metrics.Webhook(string(e.Kind), WebhookDuplicate)
			s.logger.Debug("webhook delivery already processed", zap.String("delivery_id", e.DeliveryID))
			return res, nil
		}
	}

	res.Outcome, res.TicketID, err = s.applyEvent(ctx, e)
	if err != nil {
		s.metrics.Webhook(string(e.Kind), "error")
		return nil, err
	}

	if err := s.recordDelivery(ctx, e, res.Outcome); err != nil {
		return nil, err
	}

	s.metrics.Webhook(string(e.Kind), res.Outcome)

	return res, nil
}

func (s *Service) applyEvent(ctx context.Context, e *payment.Event) (string, string, error) {
	if e.Kind == payment.EventIgnored {
		return WebhookIgnored, "", nil
	}

	t, err := s.repo.GetTicketByInvoice(ctx, e.InvoiceID)
	if err != nil {
		if errors.Is(err, model.ErrTicketNotFound) {
			s.logger.Warn("webhook for unknown invoice discarded",
				zap.String("invoice_id", e.InvoiceID),
				zap.String("type", e.Type),
			)
			return WebhookUnknownInvoice, "", nil
		}
		return "", "", fmt.Errorf("resolve invoice: %w", err)
	}

	if e.Metadata.TicketID != "" && e.Metadata.TicketID != t.ID {
		s.logger.Warn("webhook ticket does not match invoice",
			zap.String("invoice_id", e.InvoiceID),
			zap.String("ticket_id", t.ID),
			zap.String("metadata_ticket_id", e.Metadata.TicketID),
		)
		return WebhookTicketMismatch, t.ID, nil
	}

	now := s.now()

	var tr *model.Transition
	switch e.Kind {
	case payment.EventSettled:
		tr, err = s.repo.MarkPaid(ctx, t.ID, e.InvoiceID, now)
	default:
		tr, err = s.repo.MarkExpired(ctx, t.ID, now)
	}
	if err != nil {
		return "", "", fmt.Errorf("apply %s: %w", e.Kind, err)
	}

	s.afterTransition(ctx, tr, e.InvoiceID, now)

	if tr.Outcome.Changed() && tr.Ticket.Status == model.TicketStatusPaid {
		if _, err := s.CloseIfEligible(ctx, tr.Ticket.RaffleID); err != nil {
			s.logger.Error("close after settlement failed",
				zap.Int64("raffle_id", tr.Ticket.RaffleID),
				zap.Error(err),
			)
		}
	}

	return string(tr.Outcome), t.ID, nil
}

func (s *Service) afterTransition(ctx context.Context, tr *model.Transition, invoiceID string, now time.Time) {
	s.metrics.Transition(string(tr.Outcome))

	fields := []zap.Field{
		zap.String("ticket_id", tr.Ticket.ID),
		zap.Int64("raffle_id", tr.Ticket.RaffleID),
		zap.String("invoice_id", invoiceID),
		zap.String("outcome", string(tr.Outcome)),
	}

	switch tr.Outcome {
	case model.OutcomePaid, model.OutcomeResurrected:
		s.logger.Info("ticket paid", fields...)
		s.publish(ctx, events.TicketEvent(events.TypeTicketPaid, tr.Ticket, tr.Outcome, now))
	case model.OutcomeExpired:
		s.logger.Info("ticket expired", fields...)
		s.publish(ctx, events.TicketEvent(events.TypeTicketExpired, tr.Ticket, tr.Outcome, now))
	case model.OutcomeRefundRequired:
		s.logger.Warn("late settlement requires refund", fields...)
		s.publish(ctx, events.TicketEvent(events.TypeTicketRefundRequired, tr.Ticket, tr.Outcome, now))
	case model.OutcomeInvoiceMismatch:
		s.logger.Warn("settlement invoice does not match ticket", fields...)
	default:
		s.logger.Debug("ticket unchanged", fields...)
	}
}

func (s *Service) recordDelivery(ctx context.Context, e *payment.Event, outcome string) error {
	if e.DeliveryID == "" {
		return nil
	}

	err := s.repo.RecordWebhookDelivery(ctx, model.WebhookDelivery{
		DeliveryID: e.DeliveryID,
		EventType:  e.Type,
		InvoiceID:  e.InvoiceID,
		Outcome:    outcome,
		ReceivedAt: s.now(),
	})
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}

	return nil
}
