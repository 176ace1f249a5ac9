package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// SweepExpiredReservations переводит в expired все pending-билеты, чьё окно оплаты истекло.
// Ошибка отдельного билета логируется и пропускается: он будет обработан на следующем запуске.
func (s *Service) SweepExpiredReservations(ctx context.Context) (int, error) {
	now := s.now()
	cutoff := now.Add(-s.settings.ReservationWindow)

	expired := 0

	for {
		ids, err := s.repo.ListLapsedReservations(ctx, cutoff, s.settings.SweepBatch)
		if err != nil {
			return expired, fmt.Errorf("list lapsed reservations: %w", err)
		}

		changed := 0
		for _, id := range ids {
			if ctx.Err() != nil {
				return expired, ctx.Err()
			}

			tr, err := s.repo.MarkExpired(ctx, id, now)
			if err != nil {
				s.logger.Error("expire reservation failed", zap.String("ticket_id", id), zap.Error(err))
				continue
			}

			s.afterTransition(ctx, tr, "", now)
			if tr.Outcome.Changed() {
				changed++
			}
		}

		expired += changed

		// Неудачные билеты возвращаются в начало следующей выборки.
		if len(ids) < s.settings.SweepBatch || changed == 0 {
			break
		}
	}

	if expired > 0 {
		s.logger.Info("expired reservations released", zap.Int("count", expired))
	}

	return expired, nil
}
