package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/raffle-system/internal/model"
)

// MemoryRepository реализует реестр билетов в памяти процесса.
// Все команды сериализуются одним мьютексом. Используется без БД и в тестах.
type MemoryRepository struct {
	mu sync.Mutex

	nextUserID   int64
	nextRaffleID int64

	users      map[int64]model.User
	logins     map[string]int64
	raffles    map[int64]model.Raffle
	tickets    map[string]model.Ticket
	invoices   map[string]string
	winners    map[int64]model.Winner
	deliveries map[string]model.WebhookDelivery
}

// NewMemoryRepository создаёт пустой реестр в памяти.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:      make(map[int64]model.User),
		logins:     make(map[string]int64),
		raffles:    make(map[int64]model.Raffle),
		tickets:    make(map[string]model.Ticket),
		invoices:   make(map[string]string),
		winners:    make(map[int64]model.Winner),
		deliveries: make(map[string]model.WebhookDelivery),
	}
}

// Close ничего не делает.
func (m *MemoryRepository) Close() error { return nil }

// Ping ничего не делает.
func (m *MemoryRepository) Ping(ctx context.Context) error { return ctx.Err() }

// CreateUser создаёт нового пользователя.
func (m *MemoryRepository) CreateUser(_ context.Context, login string, passwordHash []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.logins[login]; ok {
		return 0, fmt.Errorf("%w: %s", ErrUserExists, login)
	}

	m.nextUserID++
	id := m.nextUserID
	m.users[id] = model.User{ID: id, Login: login, PasswordHash: passwordHash, CreatedAt: time.Now()}
	m.logins[login] = id
	return id, nil
}

// GetUserByLogin возвращает пользователя по логину.
func (m *MemoryRepository) GetUserByLogin(_ context.Context, login string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.logins[login]
	if !ok {
		return nil, ErrUserNotFound
	}
	u := m.users[id]
	return &u, nil
}

// CreateRaffle создаёт активный розыгрыш.
func (m *MemoryRepository) CreateRaffle(_ context.Context, p model.RaffleParams) (*model.Raffle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextRaffleID++
	rf := model.Raffle{
		ID:           m.nextRaffleID,
		Name:         p.Name,
		TotalTickets: p.TotalTickets,
		PriceCents:   p.PriceCents,
		Currency:     p.Currency,
		StartsAt:     p.StartsAt,
		EndsAt:       p.EndsAt,
		Active:       true,
		CreatedAt:    time.Now(),
	}
	m.raffles[rf.ID] = rf
	return &rf, nil
}

// GetRaffle возвращает розыгрыш с пересчитанными счётчиками.
func (m *MemoryRepository) GetRaffle(_ context.Context, id int64) (*model.Raffle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.raffleLocked(id)
}

// raffleLocked собирает розыгрыш со счётчиками и победителем. Требует удержания m.mu.
func (m *MemoryRepository) raffleLocked(id int64) (*model.Raffle, error) {
	rf, ok := m.raffles[id]
	if !ok {
		return nil, model.ErrRaffleNotFound
	}

	for _, t := range m.tickets {
		if t.RaffleID != id {
			continue
		}
		switch t.Status {
		case model.TicketStatusPaid:
			rf.Paid++
		case model.TicketStatusPending:
			rf.Pending++
		}
	}

	if w, ok := m.winners[id]; ok {
		rf.Winner = &w
	}

	return &rf, nil
}

func (m *MemoryRepository) liveNumbersLocked(raffleID int64) []int {
	var res []int
	for _, t := range m.tickets {
		if t.RaffleID == raffleID && t.Status.Live() {
			res = append(res, t.Number)
		}
	}
	return res
}

// ReserveSlot атомарно проверяет вместимость розыгрыша и создаёт билет в статусе pending.
func (m *MemoryRepository) ReserveSlot(_ context.Context, raffleID, userID int64, now time.Time) (*model.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rf, err := m.raffleLocked(raffleID)
	if err != nil {
		return nil, err
	}

	if err := model.CheckReservable(*rf, now); err != nil {
		return nil, err
	}

	number, ok := model.NextFreeNumber(rf.TotalTickets, m.liveNumbersLocked(raffleID))
	if !ok {
		return nil, model.ErrSoldOut
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
	m.tickets[t.ID] = t

	return &t, nil
}

// AttachInvoice сохраняет идентификатор счёта у билета, ожидающего оплаты.
func (m *MemoryRepository) AttachInvoice(_ context.Context, ticketID, invoiceID string) (*model.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tickets[ticketID]
	if !ok {
		return nil, model.ErrTicketNotFound
	}

	if t.Status != model.TicketStatusPending {
		return nil, model.ErrTicketNotPending
	}

	if owner, ok := m.invoices[invoiceID]; ok && owner != ticketID {
		return nil, fmt.Errorf("attach invoice: invoice %s already attached", invoiceID)
	}

	t.InvoiceID = &invoiceID
	m.tickets[ticketID] = t
	m.invoices[invoiceID] = ticketID

	return &t, nil
}

// MarkPaid переводит билет в paid, если счёт совпадает с сохранённым при резервировании.
func (m *MemoryRepository) MarkPaid(_ context.Context, ticketID, invoiceID string, now time.Time) (*model.Transition, error) {
	return m.transition(ticketID, now, func(rf *model.Raffle, t model.Ticket) model.Outcome {
		return model.DecidePayment(t, invoiceID, *rf)
	})
}

// MarkExpired переводит билет из pending в expired и освобождает его место.
func (m *MemoryRepository) MarkExpired(_ context.Context, ticketID string, now time.Time) (*model.Transition, error) {
	return m.transition(ticketID, now, func(_ *model.Raffle, t model.Ticket) model.Outcome {
		return model.DecideExpiry(t)
	})
}

func (m *MemoryRepository) transition(
	ticketID string,
	now time.Time,
	decide func(rf *model.Raffle, t model.Ticket) model.Outcome,
) (*model.Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tickets[ticketID]
	if !ok {
		return nil, model.ErrTicketNotFound
	}

	rf, err := m.raffleLocked(t.RaffleID)
	if err != nil {
		return nil, err
	}

	outcome := decide(rf, t)
	if outcome.Changed() {
		if outcome == model.OutcomeResurrected {
			taken := m.liveNumbersLocked(rf.ID)
			for _, n := range taken {
				if n == t.Number {
					number, ok := model.NextFreeNumber(rf.TotalTickets, taken)
					if !ok {
						return nil, model.ErrSoldOut
					}
					t.Number = number
					break
				}
			}
		}

		outcome.Apply(&t, now)
		m.tickets[ticketID] = t
	}

	return &model.Transition{Ticket: t, Outcome: outcome}, nil
}

// GetTicket возвращает билет по идентификатору.
func (m *MemoryRepository) GetTicket(_ context.Context, ticketID string) (*model.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tickets[ticketID]
	if !ok {
		return nil, model.ErrTicketNotFound
	}
	return &t, nil
}

// GetTicketByInvoice возвращает билет по идентификатору счёта.
func (m *MemoryRepository) GetTicketByInvoice(_ context.Context, invoiceID string) (*model.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.invoices[invoiceID]
	if !ok {
		return nil, model.ErrTicketNotFound
	}
	t := m.tickets[id]
	return &t, nil
}

// ListTicketsByUser возвращает билеты пользователя, новые первыми.
func (m *MemoryRepository) ListTicketsByUser(_ context.Context, userID int64) ([]model.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res []model.Ticket
	for _, t := range m.tickets {
		if t.UserID == userID {
			res = append(res, t)
		}
	}

	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].ID > res[j].ID
		}
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})

	return res, nil
}

// ListLapsedReservations возвращает pending-билеты, зарезервированные не позже cutoff.
func (m *MemoryRepository) ListLapsedReservations(_ context.Context, cutoff time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var lapsed []model.Ticket
	for _, t := range m.tickets {
		if t.Status == model.TicketStatusPending && t.ReservedAt != nil && !t.ReservedAt.After(cutoff) {
			lapsed = append(lapsed, t)
		}
	}

	sort.Slice(lapsed, func(i, j int) bool {
		return lapsed[i].ReservedAt.Before(*lapsed[j].ReservedAt)
	})

	res := make([]string, 0, len(lapsed))
	for _, t := range lapsed {
		if len(res) == limit {
			break
		}
		res = append(res, t.ID)
	}
	return res, nil
}

// ListRafflesDueForClosing возвращает незакрытые розыгрыши с прошедшей датой окончания
// или с занятыми местами.
func (m *MemoryRepository) ListRafflesDueForClosing(_ context.Context, now time.Time) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res []int64
	for id := range m.raffles {
		rf, err := m.raffleLocked(id)
		if err != nil {
			return nil, err
		}
		if rf.Closed() {
			continue
		}
		if now.After(rf.EndsAt) || rf.Sold() >= rf.TotalTickets {
			res = append(res, id)
		}
	}

	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res, nil
}

// CloseRaffle подводит итоги розыгрыша. pick выбирает индекс победителя среди n оплаченных
// билетов, упорядоченных по номеру.
func (m *MemoryRepository) CloseRaffle(_ context.Context, raffleID int64, now time.Time, pick func(n int) (int, error)) (*model.CloseResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rf, err := m.raffleLocked(raffleID)
	if err != nil {
		return nil, err
	}

	eligible, reason := model.CheckClosable(*rf, now)
	if !eligible {
		return &model.CloseResult{
			RaffleID:      raffleID,
			AlreadyClosed: reason == model.CloseReasonAlreadyClosed,
			Reason:        reason,
			Winner:        rf.Winner,
		}, nil
	}

	var paid []model.Ticket
	for _, t := range m.tickets {
		if t.RaffleID == raffleID && t.Status == model.TicketStatusPaid {
			paid = append(paid, t)
		}
	}
	sort.Slice(paid, func(i, j int) bool { return paid[i].Number < paid[j].Number })

	res := &model.CloseResult{RaffleID: raffleID, Closed: true, Reason: reason}

	if len(paid) > 0 {
		idx, err := pick(len(paid))
		if err != nil {
			return nil, fmt.Errorf("pick winner: %w", err)
		}
		if idx < 0 || idx >= len(paid) {
			return nil, fmt.Errorf("pick winner: index %d out of range", idx)
		}

		w := model.Winner{
			RaffleID:     raffleID,
			TicketID:     paid[idx].ID,
			UserID:       paid[idx].UserID,
			TicketNumber: paid[idx].Number,
			AnnouncedAt:  now,
		}
		m.winners[raffleID] = w
		res.Winner = &w
	}

	stored := m.raffles[raffleID]
	stored.Active = false
	stored.ClosedAt = &now
	m.raffles[raffleID] = stored

	return res, nil
}

// ClaimPrize отмечает приз полученным.
func (m *MemoryRepository) ClaimPrize(_ context.Context, raffleID, userID int64) (*model.Winner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.winners[raffleID]
	if !ok {
		return nil, model.ErrWinnerNotFound
	}
	if w.UserID != userID {
		return nil, model.ErrNotWinner
	}

	w.Claimed = true
	m.winners[raffleID] = w
	return &w, nil
}

// WebhookDeliverySeen сообщает, была ли доставка уже обработана.
func (m *MemoryRepository) WebhookDeliverySeen(_ context.Context, deliveryID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.deliveries[deliveryID]
	return ok, nil
}

// RecordWebhookDelivery сохраняет результат обработки доставки. Повторная запись игнорируется.
func (m *MemoryRepository) RecordWebhookDelivery(_ context.Context, d model.WebhookDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if strings.TrimSpace(d.DeliveryID) == "" {
		return fmt.Errorf("insert webhook delivery: empty delivery id")
	}
	if _, ok := m.deliveries[d.DeliveryID]; !ok {
		m.deliveries[d.DeliveryID] = d
	}
	return nil
}
