package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/raffle-system/internal/model"
)

const raffleColumns = `id, name, total_tickets, price_cents, currency, starts_at, ends_at, active, closed_at, created_at`

const ticketColumns = `id::text, raffle_id, user_id, number, status, invoice_id, reserved_at, purchased_at, expired_at, created_at`

func scanRaffle(row pgx.Row) (*model.Raffle, error) {
	var rf model.Raffle
	err := row.Scan(&rf.ID, &rf.Name, &rf.TotalTickets, &rf.PriceCents, &rf.Currency,
		&rf.StartsAt, &rf.EndsAt, &rf.Active, &rf.ClosedAt, &rf.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrRaffleNotFound
		}
		return nil, fmt.Errorf("scan raffle: %w", err)
	}
	return &rf, nil
}

func scanTicket(row pgx.Row) (*model.Ticket, error) {
	var (
		t      model.Ticket
		status string
	)
	err := row.Scan(&t.ID, &t.RaffleID, &t.UserID, &t.Number, &status, &t.InvoiceID,
		&t.ReservedAt, &t.PurchasedAt, &t.ExpiredAt, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrTicketNotFound
		}
		return nil, fmt.Errorf("scan ticket: %w", err)
	}
	t.Status = model.TicketStatus(status)
	return &t, nil
}

// loadRaffle читает розыгрыш вместе с производными счётчиками и победителем.
// С lock = true строка розыгрыша блокируется до конца транзакции, что сериализует
// все команды реестра по одному розыгрышу.
func loadRaffle(ctx context.Context, q querier, id int64, lock bool) (*model.Raffle, error) {
	query := `SELECT ` + raffleColumns + ` FROM raffles WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}

	rf, err := scanRaffle(q.QueryRow(ctx, query, id))
	if err != nil {
		return nil, err
	}

	err = q.QueryRow(ctx,
		`SELECT COUNT(*) FILTER (WHERE status = $2), COUNT(*) FILTER (WHERE status = $3)
		 FROM tickets
		 WHERE raffle_id = $1`,
		id, string(model.TicketStatusPaid), string(model.TicketStatusPending),
	).Scan(&rf.Paid, &rf.Pending)
	if err != nil {
		return nil, fmt.Errorf("count tickets: %w", err)
	}

	w, err := loadWinner(ctx, q, id, false)
	if err != nil && !errors.Is(err, model.ErrWinnerNotFound) {
		return nil, err
	}
	rf.Winner = w

	return rf, nil
}

func loadWinner(ctx context.Context, q querier, raffleID int64, lock bool) (*model.Winner, error) {
	query := `SELECT w.raffle_id, w.ticket_id::text, w.user_id, t.number, w.claimed, w.announced_at
		 FROM winners w
		 JOIN tickets t ON t.id = w.ticket_id
		 WHERE w.raffle_id = $1`
	if lock {
		query += ` FOR UPDATE OF w`
	}

	var w model.Winner
	err := q.QueryRow(ctx, query, raffleID).
		Scan(&w.RaffleID, &w.TicketID, &w.UserID, &w.TicketNumber, &w.Claimed, &w.AnnouncedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrWinnerNotFound
		}
		return nil, fmt.Errorf("select winner: %w", err)
	}
	return &w, nil
}

func liveNumbers(ctx context.Context, q querier, raffleID int64) ([]int, error) {
	rows, err := q.Query(ctx,
		`SELECT number FROM tickets WHERE raffle_id = $1 AND status IN ($2, $3)`,
		raffleID, string(model.TicketStatusPending), string(model.TicketStatusPaid),
	)
	if err != nil {
		return nil, fmt.Errorf("select live numbers: %w", err)
	}
	defer rows.Close()

	var res []int
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scan number: %w", err)
		}
		res = append(res, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CreateRaffle создаёт активный розыгрыш.
func (r *PostgresRepository) CreateRaffle(ctx context.Context, p model.RaffleParams) (*model.Raffle, error) {
	rf := model.Raffle{
		Name:         p.Name,
		TotalTickets: p.TotalTickets,
		PriceCents:   p.PriceCents,
		Currency:     p.Currency,
		StartsAt:     p.StartsAt,
		EndsAt:       p.EndsAt,
		Active:       true,
	}

	err := r.pool.QueryRow(ctx,
		`INSERT INTO raffles (name, total_tickets, price_cents, currency, starts_at, ends_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at`,
		p.Name, p.TotalTickets, p.PriceCents, p.Currency, p.StartsAt, p.EndsAt,
	).Scan(&rf.ID, &rf.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert raffle: %w", err)
	}

	return &rf, nil
}

// GetRaffle возвращает розыгрыш без блокировки. Счётчики носят справочный характер.
func (r *PostgresRepository) GetRaffle(ctx context.Context, id int64) (*model.Raffle, error) {
	return loadRaffle(ctx, r.pool, id, false)
}

// ReserveSlot атомарно проверяет вместимость розыгрыша и создаёт билет в статусе pending.
func (r *PostgresRepository) ReserveSlot(ctx context.Context, raffleID, userID int64, now time.Time) (*model.Ticket, error) {
	var ticket *model.Ticket

	err := r.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		rf, err := loadRaffle(ctx, tx, raffleID, true)
		if err != nil {
			return err
		}

		if err := model.CheckReservable(*rf, now); err != nil {
			return err
		}

		taken, err := liveNumbers(ctx, tx, raffleID)
		if err != nil {
			return err
		}

		number, ok := model.NextFreeNumber(rf.TotalTickets, taken)
		if !ok {
			return model.ErrSoldOut
		}

		t := model.Ticket{
			ID:         uuid.NewString(),
			RaffleID:   raffleID,
			UserID:     userID,
			Number:     number,
			Status:     model.TicketStatusPending,
			ReservedAt: &now,
			CreatedAt:  now,
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO tickets (id, raffle_id, user_id, number, status, reserved_at, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			t.ID, t.RaffleID, t.UserID, t.Number, string(t.Status), now, now,
		)
		if err != nil {
			return mapWriteError(err, "insert ticket")
		}

		ticket = &t
		return nil
	})
	if err != nil {
		return nil, err
	}

	return ticket, nil
}

// AttachInvoice сохраняет идентификатор счёта у билета, ожидающего оплаты.
func (r *PostgresRepository) AttachInvoice(ctx context.Context, ticketID, invoiceID string) (*model.Ticket, error) {
	if !validTicketID(ticketID) {
		return nil, model.ErrTicketNotFound
	}

	var ticket *model.Ticket

	err := r.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		t, err := scanTicket(tx.QueryRow(ctx,
			`SELECT `+ticketColumns+` FROM tickets WHERE id = $1 FOR UPDATE`, ticketID))
		if err != nil {
			return err
		}

		if t.Status != model.TicketStatusPending {
			return model.ErrTicketNotPending
		}

		if _, err := tx.Exec(ctx,
			`UPDATE tickets SET invoice_id = $2 WHERE id = $1`, ticketID, invoiceID); err != nil {
			return fmt.Errorf("attach invoice: %w", err)
		}

		t.InvoiceID = &invoiceID
		ticket = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	return ticket, nil
}

// MarkPaid переводит билет в paid, если счёт совпадает с сохранённым при резервировании.
// Повторное подтверждение не меняет состояние и возвращает фактический статус билета.
func (r *PostgresRepository) MarkPaid(ctx context.Context, ticketID, invoiceID string, now time.Time) (*model.Transition, error) {
	return r.transition(ctx, ticketID, now, func(rf *model.Raffle, t *model.Ticket) model.Outcome {
		return model.DecidePayment(*t, invoiceID, *rf)
	})
}

// MarkExpired переводит билет из pending в expired и освобождает его место.
func (r *PostgresRepository) MarkExpired(ctx context.Context, ticketID string, now time.Time) (*model.Transition, error) {
	return r.transition(ctx, ticketID, now, func(_ *model.Raffle, t *model.Ticket) model.Outcome {
		return model.DecideExpiry(*t)
	})
}

// transition блокирует розыгрыш, затем билет, и применяет исход decide.
// Порядок блокировок совпадает с ReserveSlot.
func (r *PostgresRepository) transition(
	ctx context.Context,
	ticketID string,
	now time.Time,
	decide func(rf *model.Raffle, t *model.Ticket) model.Outcome,
) (*model.Transition, error) {
	if !validTicketID(ticketID) {
		return nil, model.ErrTicketNotFound
	}

	var res *model.Transition

	err := r.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var raffleID int64
		err := tx.QueryRow(ctx, `SELECT raffle_id FROM tickets WHERE id = $1`, ticketID).Scan(&raffleID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return model.ErrTicketNotFound
			}
			return fmt.Errorf("select ticket raffle: %w", err)
		}

		rf, err := loadRaffle(ctx, tx, raffleID, true)
		if err != nil {
			return err
		}

		t, err := scanTicket(tx.QueryRow(ctx,
			`SELECT `+ticketColumns+` FROM tickets WHERE id = $1 FOR UPDATE`, ticketID))
		if err != nil {
			return err
		}

		outcome := decide(rf, t)
		if outcome.Changed() {
			if outcome == model.OutcomeResurrected {
				if err := renumber(ctx, tx, rf, t); err != nil {
					return err
				}
			}

			outcome.Apply(t, now)

			_, err = tx.Exec(ctx,
				`UPDATE tickets
				 SET status = $2, number = $3, purchased_at = $4, expired_at = $5
				 WHERE id = $1`,
				t.ID, string(t.Status), t.Number, t.PurchasedAt, t.ExpiredAt,
			)
			if err != nil {
				return mapWriteError(err, "update ticket")
			}
		}

		res = &model.Transition{Ticket: *t, Outcome: outcome}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}

// renumber выдаёт возвращаемому в игру билету свободный номер, если прежний уже занят.
func renumber(ctx context.Context, q querier, rf *model.Raffle, t *model.Ticket) error {
	taken, err := liveNumbers(ctx, q, rf.ID)
	if err != nil {
		return err
	}

	for _, n := range taken {
		if n == t.Number {
			number, ok := model.NextFreeNumber(rf.TotalTickets, taken)
			if !ok {
				return model.ErrSoldOut
			}
			t.Number = number
			break
		}
	}
	return nil
}

// GetTicket возвращает билет по идентификатору.
func (r *PostgresRepository) GetTicket(ctx context.Context, ticketID string) (*model.Ticket, error) {
	if !validTicketID(ticketID) {
		return nil, model.ErrTicketNotFound
	}
	return scanTicket(r.pool.QueryRow(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE id = $1`, ticketID))
}

// GetTicketByInvoice возвращает билет по идентификатору счёта.
func (r *PostgresRepository) GetTicketByInvoice(ctx context.Context, invoiceID string) (*model.Ticket, error) {
	return scanTicket(r.pool.QueryRow(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE invoice_id = $1`, invoiceID))
}

// ListTicketsByUser возвращает билеты пользователя, новые первыми.
func (r *PostgresRepository) ListTicketsByUser(ctx context.Context, userID int64) ([]model.Ticket, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+ticketColumns+`
		 FROM tickets
		 WHERE user_id = $1
		 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select tickets: %w", err)
	}
	defer rows.Close()

	var res []model.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ListLapsedReservations возвращает pending-билеты, зарезервированные не позже cutoff.
func (r *PostgresRepository) ListLapsedReservations(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id::text
		 FROM tickets
		 WHERE status = $1 AND reserved_at <= $2
		 ORDER BY reserved_at
		 LIMIT $3`,
		string(model.TicketStatusPending), cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select lapsed reservations: %w", err)
	}
	defer rows.Close()

	var res []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan ticket id: %w", err)
		}
		res = append(res, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ListRafflesDueForClosing возвращает незакрытые розыгрыши, у которых прошла дата окончания
// или заняты все места.
func (r *PostgresRepository) ListRafflesDueForClosing(ctx context.Context, now time.Time) ([]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT r.id
		 FROM raffles r
		 WHERE r.closed_at IS NULL
		   AND (r.ends_at < $1
		        OR (SELECT COUNT(*) FROM tickets t
		            WHERE t.raffle_id = r.id AND t.status IN ($2, $3)) >= r.total_tickets)
		 ORDER BY r.id`,
		now, string(model.TicketStatusPaid), string(model.TicketStatusPending),
	)
	if err != nil {
		return nil, fmt.Errorf("select raffles due: %w", err)
	}
	defer rows.Close()

	var res []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan raffle id: %w", err)
		}
		res = append(res, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CloseRaffle подводит итоги розыгрыша под блокировкой его строки. pick выбирает индекс
// победителя среди n оплаченных билетов, упорядоченных по номеру.
func (r *PostgresRepository) CloseRaffle(ctx context.Context, raffleID int64, now time.Time, pick func(n int) (int, error)) (*model.CloseResult, error) {
	var res *model.CloseResult

	err := r.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		rf, err := loadRaffle(ctx, tx, raffleID, true)
		if err != nil {
			return err
		}

		eligible, reason := model.CheckClosable(*rf, now)
		if !eligible {
			res = &model.CloseResult{
				RaffleID:      raffleID,
				AlreadyClosed: reason == model.CloseReasonAlreadyClosed,
				Reason:        reason,
				Winner:        rf.Winner,
			}
			return nil
		}

		rows, err := tx.Query(ctx,
			`SELECT id::text, user_id, number
			 FROM tickets
			 WHERE raffle_id = $1 AND status = $2
			 ORDER BY number`,
			raffleID, string(model.TicketStatusPaid),
		)
		if err != nil {
			return fmt.Errorf("select paid tickets: %w", err)
		}

		var candidates []model.Winner
		for rows.Next() {
			w := model.Winner{RaffleID: raffleID, AnnouncedAt: now}
			if err := rows.Scan(&w.TicketID, &w.UserID, &w.TicketNumber); err != nil {
				rows.Close()
				return fmt.Errorf("scan paid ticket: %w", err)
			}
			candidates = append(candidates, w)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("rows error: %w", err)
		}

		res = &model.CloseResult{RaffleID: raffleID, Closed: true, Reason: reason}

		if len(candidates) > 0 {
			idx, err := pick(len(candidates))
			if err != nil {
				return fmt.Errorf("pick winner: %w", err)
			}
			w := candidates[idx]

			_, err = tx.Exec(ctx,
				`INSERT INTO winners (raffle_id, ticket_id, user_id, announced_at) VALUES ($1, $2, $3, $4)`,
				w.RaffleID, w.TicketID, w.UserID, w.AnnouncedAt,
			)
			if err != nil {
				return fmt.Errorf("insert winner: %w", err)
			}
			res.Winner = &w
		}

		if _, err := tx.Exec(ctx,
			`UPDATE raffles SET active = FALSE, closed_at = $2 WHERE id = $1`, raffleID, now); err != nil {
			return fmt.Errorf("close raffle: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}

// ClaimPrize отмечает приз полученным. Повторное получение не является ошибкой.
func (r *PostgresRepository) ClaimPrize(ctx context.Context, raffleID, userID int64) (*model.Winner, error) {
	var res *model.Winner

	err := r.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		w, err := loadWinner(ctx, tx, raffleID, true)
		if err != nil {
			return err
		}

		if w.UserID != userID {
			return model.ErrNotWinner
		}

		if !w.Claimed {
			if _, err := tx.Exec(ctx,
				`UPDATE winners SET claimed = TRUE WHERE raffle_id = $1`, raffleID); err != nil {
				return fmt.Errorf("claim prize: %w", err)
			}
			w.Claimed = true
		}

		res = w
		return nil
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}
