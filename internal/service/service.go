// Package service реализует бизнес-логику продажи билетов: резервирование, сверку платежей,
// подведение итогов и освобождение просроченных резервов.
package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/mmeshcher/raffle-system/internal/events"
	"github.com/mmeshcher/raffle-system/internal/metrics"
	"github.com/mmeshcher/raffle-system/internal/model"
	"github.com/mmeshcher/raffle-system/internal/payment"
	"github.com/mmeshcher/raffle-system/internal/repository"
	"github.com/mmeshcher/raffle-system/internal/validation"
)

var (
	// ErrInvalidCredentials возвращается при неверной паре логин/пароль.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrPaymentUnavailable возвращается, если счёт не удалось создать или привязать к билету.
	ErrPaymentUnavailable = errors.New("payment processor unavailable")
)

// Repository описывает контракт реестра билетов, используемый сервисом.
type Repository interface {
	Close() error
	Ping(ctx context.Context) error

	CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)

	CreateRaffle(ctx context.Context, p model.RaffleParams) (*model.Raffle, error)
	GetRaffle(ctx context.Context, id int64) (*model.Raffle, error)
	ListRafflesDueForClosing(ctx context.Context, now time.Time) ([]int64, error)
	CloseRaffle(ctx context.Context, raffleID int64, now time.Time, pick func(n int) (int, error)) (*model.CloseResult, error)
	ClaimPrize(ctx context.Context, raffleID, userID int64) (*model.Winner, error)

	ReserveSlot(ctx context.Context, raffleID, userID int64, now time.Time) (*model.Ticket, error)
	AttachInvoice(ctx context.Context, ticketID, invoiceID string) (*model.Ticket, error)
	MarkPaid(ctx context.Context, ticketID, invoiceID string, now time.Time) (*model.Transition, error)
	MarkExpired(ctx context.Context, ticketID string, now time.Time) (*model.Transition, error)
	GetTicket(ctx context.Context, ticketID string) (*model.Ticket, error)
	GetTicketByInvoice(ctx context.Context, invoiceID string) (*model.Ticket, error)
	ListTicketsByUser(ctx context.Context, userID int64) ([]model.Ticket, error)
	ListLapsedReservations(ctx context.Context, cutoff time.Time, limit int) ([]string, error)

	WebhookDeliverySeen(ctx context.Context, deliveryID string) (bool, error)
	RecordWebhookDelivery(ctx context.Context, d model.WebhookDelivery) error
}

// PaymentProcessor создаёт счета на оплату билетов.
type PaymentProcessor interface {
	CreateInvoice(ctx context.Context, req payment.InvoiceRequest) (*payment.Invoice, error)
}

// Settings содержит параметры жизненного цикла билетов.
type Settings struct {
	// ReservationWindow задаёт время, в течение которого pending-билет занимает место.
	ReservationWindow time.Duration
	// WebhookSecret используется для проверки подписи уведомлений платёжной системы.
	WebhookSecret []byte
	// SweepBatch ограничивает число билетов, обрабатываемых за одну выборку.
	SweepBatch int
}

const (
	defaultReservationWindow = 15 * time.Minute
	defaultSweepBatch        = 100
)

// Service содержит бизнес-логику сервиса розыгрышей.
type Service struct {
	repo      Repository
	payments  PaymentProcessor
	settings  Settings
	logger    *zap.Logger
	metrics   *metrics.Metrics
	publisher events.Publisher
	now       func() time.Time
	pick      func(n int) (int, error)
}

// Option настраивает необязательные зависимости сервиса.
type Option func(*Service)

// WithLogger задаёт логгер сервиса.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics задаёт счётчики сервиса.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithPublisher задаёт издателя доменных событий.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithClock подменяет источник текущего времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithPicker подменяет выбор индекса победителя среди n оплаченных билетов.
func WithPicker(pick func(n int) (int, error)) Option {
	return func(s *Service) { s.pick = pick }
}

// NewService создаёт сервис с указанным реестром и платёжной системой.
func NewService(repo Repository, payments PaymentProcessor, settings Settings, opts ...Option) *Service {
	if settings.ReservationWindow <= 0 {
		settings.ReservationWindow = defaultReservationWindow
	}
	if settings.SweepBatch <= 0 {
		settings.SweepBatch = defaultSweepBatch
	}

	s := &Service{
		repo:      repo,
		payments:  payments,
		settings:  settings,
		logger:    zap.NewNop(),
		publisher: events.NopPublisher{},
		now:       func() time.Time { return time.Now().UTC() },
		pick:      cryptoPick,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	var errs []error
	if s.publisher != nil {
		errs = append(errs, s.publisher.Close())
	}
	if s.repo != nil {
		errs = append(errs, s.repo.Close())
	}
	return errors.Join(errs...)
}

// Ping проверяет доступность реестра.
func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// RegisterUser регистрирует нового покупателя.
func (s *Service) RegisterUser(ctx context.Context, login, password string) (int64, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return 0, fmt.Errorf("hash password: %w", err)
	}

	return s.repo.CreateUser(ctx, login, hashed)
}

// AuthenticateUser проверяет логин и пароль покупателя и возвращает его идентификатор.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (int64, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return 0, ErrInvalidCredentials
		}
		return 0, err
	}

	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)); err != nil {
		return 0, ErrInvalidCredentials
	}

	return u.ID, nil
}

// CreateRaffle проверяет параметры и создаёт розыгрыш.
func (s *Service) CreateRaffle(ctx context.Context, p model.RaffleParams) (*model.Raffle, error) {
	if err := validation.ValidateRaffle(p); err != nil {
		return nil, err
	}

	rf, err := s.repo.CreateRaffle(ctx, p)
	if err != nil {
		return nil, err
	}

	s.logger.Info("raffle created",
		zap.Int64("raffle_id", rf.ID),
		zap.Int("total_tickets", rf.TotalTickets),
		zap.Time("ends_at", rf.EndsAt),
	)

	return rf, nil
}

// GetRaffle возвращает розыгрыш со справочными счётчиками и победителем.
func (s *Service) GetRaffle(ctx context.Context, id int64) (*model.Raffle, error) {
	return s.repo.GetRaffle(ctx, id)
}

// GetTicket возвращает билет покупателя. Чужие билеты неотличимы от несуществующих.
func (s *Service) GetTicket(ctx context.Context, ticketID string, userID int64) (*model.Ticket, error) {
	t, err := s.repo.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}

	if t.UserID != userID {
		return nil, model.ErrTicketNotFound
	}

	return t, nil
}

// ListUserTickets возвращает билеты покупателя, новые первыми.
func (s *Service) ListUserTickets(ctx context.Context, userID int64) ([]model.Ticket, error) {
	return s.repo.ListTicketsByUser(ctx, userID)
}

// ClaimPrize отмечает приз розыгрыша полученным победителем.
func (s *Service) ClaimPrize(ctx context.Context, raffleID, userID int64) (*model.Winner, error) {
	w, err := s.repo.ClaimPrize(ctx, raffleID, userID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("prize claimed", zap.Int64("raffle_id", raffleID), zap.Int64("user_id", userID))

	return w, nil
}

// ReservationDeadline возвращает момент, после которого pending-билет освобождает место.
func (s *Service) ReservationDeadline(t model.Ticket) (time.Time, bool) {
	if t.Status != model.TicketStatusPending || t.ReservedAt == nil {
		return time.Time{}, false
	}
	return t.ReservedAt.Add(s.settings.ReservationWindow), true
}

func (s *Service) publish(ctx context.Context, e events.Event) {
	if err := s.publisher.Publish(ctx, e); err != nil {
		s.logger.Warn("publish event failed", zap.String("type", e.Type), zap.Error(err))
	}
}

// cryptoPick выбирает равномерно распределённый индекс из [0, n).
func cryptoPick(n int) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("pick from empty set")
	}

	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}

	return int(v.Int64()), nil
}
