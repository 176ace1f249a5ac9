package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/raffle-system/internal/events"
	"github.com/mmeshcher/raffle-system/internal/model"
)

// CloseIfEligible подводит итоги розыгрыша, если заняты все места или прошла дата окончания.
// Повторный вызов для закрытого розыгрыша возвращает сохранённого победителя.
func (s *Service) CloseIfEligible(ctx context.Context, raffleID int64) (*model.CloseResult, error) {
	now := s.now()

	res, err := s.repo.CloseRaffle(ctx, raffleID, now, s.pick)
	if err != nil {
		return nil, fmt.Errorf("close raffle %d: %w", raffleID, err)
	}

	if !res.Closed {
		s.logger.Debug("raffle not closed", zap.Int64("raffle_id", raffleID), zap.String("reason", res.Reason))
		return res, nil
	}

	e := events.Event{
		Type:       events.TypeRaffleClosed,
		RaffleID:   raffleID,
		Outcome:    res.Reason,
		OccurredAt: now,
	}

	if res.Winner == nil {
		s.metrics.RaffleClosed("no_winner")
		s.logger.Info("raffle closed without paid tickets", zap.Int64("raffle_id", raffleID))
	} else {
		s.metrics.RaffleClosed("winner")
		e.TicketID = res.Winner.TicketID
		e.TicketNumber = res.Winner.TicketNumber
		e.UserID = res.Winner.UserID
		s.logger.Info("raffle closed",
			zap.Int64("raffle_id", raffleID),
			zap.String("reason", res.Reason),
			zap.String("winner_ticket_id", res.Winner.TicketID),
			zap.Int("winner_number", res.Winner.TicketNumber),
		)
	}

	s.publish(ctx, e)

	return res, nil
}

// CloseDueRaffles пытается закрыть все розыгрыши, готовые к подведению итогов.
// Ошибка одного розыгрыша не мешает обработке остальных.
func (s *Service) CloseDueRaffles(ctx context.Context) (int, error) {
	ids, err := s.repo.ListRafflesDueForClosing(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("list due raffles: %w", err)
	}

	closed := 0
	var errs []error

	for _, id := range ids {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}

		res, err := s.CloseIfEligible(ctx, id)
		if err != nil {
			s.logger.Error("close raffle failed", zap.Int64("raffle_id", id), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		if res.Closed {
			closed++
		}
	}

	return closed, errors.Join(errs...)
}
