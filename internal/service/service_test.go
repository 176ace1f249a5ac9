package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/raffle-system/internal/events"
	"github.com/mmeshcher/raffle-system/internal/model"
	"github.com/mmeshcher/raffle-system/internal/payment"
	"github.com/mmeshcher/raffle-system/internal/repository"
	"github.com/mmeshcher/raffle-system/internal/validation"
)

var webhookSecret = []byte("whsec_test")

type stubPayments struct {
	mu       sync.Mutex
	requests []payment.InvoiceRequest
	err      error
}

func (p *stubPayments) CreateInvoice(_ context.Context, req payment.InvoiceRequest) (*payment.Invoice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return nil, p.err
	}

	p.requests = append(p.requests, req)
	id := fmt.Sprintf("inv-%d", len(p.requests))

	return &payment.Invoice{ID: id, CheckoutURL: "https://pay.example/i/" + id, Status: "New"}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	res := make([]string, 0, len(p.events))
	for _, e := range p.events {
		res = append(res, e.Type)
	}
	return res
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	svc       *Service
	repo      *repository.MemoryRepository
	payments  *stubPayments
	publisher *recordingPublisher
	clock     *clock
	picked    []int
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	f := &fixture{
		repo:      repository.NewMemoryRepository(),
		payments:  &stubPayments{},
		publisher: &recordingPublisher{},
		clock:     &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}

	base := []Option{
		WithClock(f.clock.Now),
		WithPublisher(f.publisher),
		WithPicker(func(n int) (int, error) {
			f.picked = append(f.picked, n)
			return n - 1, nil
		}),
	}

	f.svc = NewService(f.repo, f.payments, Settings{
		ReservationWindow: 15 * time.Minute,
		WebhookSecret:     webhookSecret,
		SweepBatch:        2,
	}, append(base, opts...)...)

	return f
}

func (f *fixture) raffle(t *testing.T, total int) *model.Raffle {
	t.Helper()

	now := f.clock.Now()
	rf, err := f.svc.CreateRaffle(context.Background(), model.RaffleParams{
		Name:         "Test draw",
		TotalTickets: total,
		PriceCents:   2500,
		Currency:     "USD",
		StartsAt:     now.Add(-time.Hour),
		EndsAt:       now.Add(24 * time.Hour),
	})
	require.NoError(t, err)
	return rf
}

func (f *fixture) webhook(t *testing.T, deliveryID, typ, invoiceID, ticketID string) (*WebhookResult, error) {
	t.Helper()

	body, err := json.Marshal(map[string]any{
		"deliveryId": deliveryID,
		"type":       typ,
		"invoiceId":  invoiceID,
		"metadata":   map[string]string{"ticketId": ticketID},
	})
	require.NoError(t, err)

	return f.svc.HandlePaymentEvent(context.Background(), body, payment.Sign(webhookSecret, body))
}

func (f *fixture) ticket(t *testing.T, id string) *model.Ticket {
	t.Helper()

	tk, err := f.repo.GetTicket(context.Background(), id)
	require.NoError(t, err)
	return tk
}

func TestRegisterAndAuthenticate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.svc.RegisterUser(ctx, "alice", "s3cret")
	require.NoError(t, err)

	_, err = f.svc.RegisterUser(ctx, "alice", "other")
	assert.ErrorIs(t, err, repository.ErrUserExists)

	got, err := f.svc.AuthenticateUser(ctx, "alice", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = f.svc.AuthenticateUser(ctx, "alice", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = f.svc.AuthenticateUser(ctx, "bob", "s3cret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestCreateRaffle_Validation(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreateRaffle(context.Background(), model.RaffleParams{Name: "x", TotalTickets: 0})
	assert.ErrorIs(t, err, validation.ErrInvalidRaffle)
}

func TestRequestTicket_CreatesInvoice(t *testing.T) {
	f := newFixture(t)
	rf := f.raffle(t, 3)

	res, err := f.svc.RequestTicket(context.Background(), rf.ID, 7)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Ticket.Number)
	assert.Equal(t, model.TicketStatusPending, res.Ticket.Status)
	assert.Equal(t, "inv-1", res.InvoiceID)
	assert.Equal(t, "https://pay.example/i/inv-1", res.CheckoutURL)
	assert.Equal(t, int64(2500), res.AmountCents)
	assert.Equal(t, f.clock.Now().Add(15*time.Minute), res.ExpiresAt)
	require.True(t, res.Ticket.HasInvoice("inv-1"))

	require.Len(t, f.payments.requests, 1)
	req := f.payments.requests[0]
	assert.Equal(t, res.Ticket.ID, req.TicketID)
	assert.Equal(t, rf.ID, req.RaffleID)
	assert.Equal(t, int64(7), req.UserID)
	assert.Equal(t, "USD", req.Currency)
	assert.Equal(t, 15*time.Minute, req.Expiration)

	deadline, ok := f.svc.ReservationDeadline(res.Ticket)
	require.True(t, ok)
	assert.Equal(t, res.ExpiresAt, deadline)

	assert.Equal(t, []string{events.TypeTicketReserved}, f.publisher.types())
}

func TestRequestTicket_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rf := f.raffle(t, 1)

	_, err := f.svc.RequestTicket(ctx, rf.ID, 1)
	require.NoError(t, err)

	_, err = f.svc.RequestTicket(ctx, rf.ID, 2)
	assert.ErrorIs(t, err, model.ErrSoldOut)

	_, err = f.svc.RequestTicket(ctx, 999, 2)
	assert.ErrorIs(t, err, model.ErrRaffleNotFound)

	f.clock.Advance(48 * time.Hour)
	_, err = f.svc.RequestTicket(ctx, rf.ID, 2)
	assert.ErrorIs(t, err, model.ErrRaffleEnded)

	assert.Len(t, f.payments.requests, 1, "rejected requests must not create invoices")
}

func TestRequestTicket_PaymentFailureReleasesSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rf := f.raffle(t, 1)

	f.payments.err = errors.New("processor down")

	_, err := f.svc.RequestTicket(ctx, rf.ID, 1)
	require.ErrorIs(t, err, ErrPaymentUnavailable)

	got, err := f.svc.GetRaffle(ctx, rf.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Pending)
	assert.Equal(t, 1, got.Available())

	tickets, err := f.svc.ListUserTickets(ctx, 1)
	require.NoError(t, err)
	require.Len(t, tickets, 1)
	assert.Equal(t, model.TicketStatusExpired, tickets[0].Status)

	f.payments.err = nil
	res, err := f.svc.RequestTicket(ctx, rf.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Ticket.Number)
}

func TestRequestTicket_WithoutProcessor(t *testing.T) {
	f := newFixture(t)
	f.svc.payments = nil
	rf := f.raffle(t, 1)

	_, err := f.svc.RequestTicket(context.Background(), rf.ID, 1)
	assert.ErrorIs(t, err, ErrPaymentUnavailable)
}

func TestRaffleLifecycle_TwoTickets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rf := f.raffle(t, 2)

	a, err := f.svc.RequestTicket(ctx, rf.ID, 1)
	require.NoError(t, err)

	res, err := f.webhook(t, "d-1", "InvoiceSettled", a.InvoiceID, a.Ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, string(model.OutcomePaid), res.Outcome)
	assert.Equal(t, model.TicketStatusPaid, f.ticket(t, a.Ticket.ID).Status)

	b, err := f.svc.RequestTicket(ctx, rf.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, b.Ticket.Number)

	_, err = f.svc.RequestTicket(ctx, rf.ID, 3)
	require.ErrorIs(t, err, model.ErrSoldOut)

	f.clock.Advance(16 * time.Minute)
	n, err := f.svc.SweepExpiredReservations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.TicketStatusExpired, f.ticket(t, b.Ticket.ID).Status)

	c, err := f.svc.RequestTicket(ctx, rf.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Ticket.Number, "expired number is reused")

	res, err = f.webhook(t, "d-2", "InvoiceSettled", c.InvoiceID, c.Ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, string(model.OutcomePaid), res.Outcome)

	got, err := f.svc.GetRaffle(ctx, rf.ID)
	require.NoError(t, err)
	require.True(t, got.Closed(), "raffle closes once every ticket is paid")
	require.NotNil(t, got.Winner)
	assert.Equal(t, []int{2}, f.picked)
	assert.Equal(t, c.Ticket.ID, got.Winner.TicketID)
	assert.Equal(t, int64(3), got.Winner.UserID)

	_, err = f.svc.RequestTicket(ctx, rf.ID, 4)
	assert.ErrorIs(t, err, model.ErrRaffleInactive)

	again, err := f.svc.CloseIfEligible(ctx, rf.ID)
	require.NoError(t, err)
	assert.False(t, again.Closed)
	assert.True(t, again.AlreadyClosed)
	assert.Equal(t, c.Ticket.ID, again.Winner.TicketID)

	assert.Equal(t, []string{
		events.TypeTicketReserved,
		events.TypeTicketPaid,
		events.TypeTicketReserved,
		events.TypeTicketExpired,
		events.TypeTicketReserved,
		events.TypeTicketPaid,
		events.TypeRaffleClosed,
	}, f.publisher.types())
}

func TestHandlePaymentEvent_SettlementAfterDraw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rf := f.raffle(t, 2)

	a, err := f.svc.RequestTicket(ctx, rf.ID, 1)
	require.NoError(t, err)
	b, err := f.svc.RequestTicket(ctx, rf.ID, 2)
	require.NoError(t, err)

	// Все места заняты: первая же оплата подводит итоги среди оплаченных билетов.
	_, err = f.webhook(t, "d-1", "InvoiceSettled", a.InvoiceID, a.Ticket.ID)
	require.NoError(t, err)

	got, err := f.svc.GetRaffle(ctx, rf.ID)
	require.NoError(t, err)
	require.True(t, got.Closed())
	require.NotNil(t, got.Winner)
	assert.Equal(t, a.Ticket.ID, got.Winner.TicketID)
	assert.Equal(t, []int{1}, f.picked)

	res, err := f.webhook(t, "d-2", "InvoiceSettled", b.InvoiceID, b.Ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, string(model.OutcomeRefundRequired), res.Outcome)
	assert.Equal(t, model.TicketStatusPending, f.ticket(t, b.Ticket.ID).Status)
	assert.Contains(t, f.publisher.types(), events.TypeTicketRefundRequired)

	f.clock.Advance(16 * time.Minute)
	n, err := f.svc.SweepExpiredReservations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.TicketStatusExpired, f.ticket(t, b.Ticket.ID).Status)
}

func TestHandlePaymentEvent_InvalidSignature(t *testing.T) {
	f := newFixture(t)
	rf := f.raffle(t, 1)

	r, err := f.svc.RequestTicket(context.Background(), rf.ID, 1)
	require.NoError(t, err)

	body := []byte(fmt.Sprintf(`{"deliveryId":"d-1","type":"InvoiceSettled","invoiceId":%q}`, r.InvoiceID))

	_, err = f.svc.HandlePaymentEvent(context.Background(), body, payment.Sign([]byte("forged"), body))
	require.ErrorIs(t, err, payment.ErrInvalidSignature)
	assert.Equal(t, model.TicketStatusPending, f.ticket(t, r.Ticket.ID).Status)

	seen, err := f.repo.WebhookDeliverySeen(context.Background(), "d-1")
	require.NoError(t, err)
	assert.False(t, seen, "rejected deliveries are not recorded")
}

func TestHandlePaymentEvent_Idempotent(t *testing.T) {
	f := newFixture(t)
	rf := f.raffle(t, 2)

	r, err := f.svc.RequestTicket(context.Background(), rf.ID, 1)
	require.NoError(t, err)

	res, err := f.webhook(t, "d-1", "InvoiceSettled", r.InvoiceID, r.Ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, string(model.OutcomePaid), res.Outcome)
	purchasedAt := f.ticket(t, r.Ticket.ID).PurchasedAt

	res, err = f.webhook(t, "d-1", "InvoiceSettled", r.InvoiceID, r.Ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, WebhookDuplicate, res.Outcome)

	f.clock.Advance(time.Minute)
	res, err = f.webhook(t, "d-2", "invoice_settled", r.InvoiceID, r.Ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, string(model.OutcomeAlreadyPaid), res.Outcome)

	assert.Equal(t, purchasedAt, f.ticket(t, r.Ticket.ID).PurchasedAt)
	assert.Equal(t, 1, countType(f.publisher.types(), events.TypeTicketPaid))
}

func TestHandlePaymentEvent_SettlementAfterExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rf := f.raffle(t, 2)

	r, err := f.svc.RequestTicket(ctx, rf.ID, 1)
	require.NoError(t, err)

	res, err := f.webhook(t, "d-1", "InvoiceExpired", r.InvoiceID, r.Ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, string(model.OutcomeExpired), res.Outcome)

	res, err = f.webhook(t, "d-2", "InvoiceSettled", r.InvoiceID, r.Ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, string(model.OutcomeResurrected), res.Outcome)
	assert.Equal(t, model.TicketStatusPaid, f.ticket(t, r.Ticket.ID).Status)

	res, err = f.webhook(t, "d-3", "InvoiceExpired", r.InvoiceID, r.Ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, string(model.OutcomeAlreadyPaid), res.Outcome, "paid tickets never expire")
}

func TestHandlePaymentEvent_LateSettlementIntoFullRaffle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rf := f.raffle(t, 1)

	late, err := f.svc.RequestTicket(ctx, rf.ID, 1)
	require.NoError(t, err)

	f.clock.Advance(20 * time.Minute)
	_, err = f.svc.SweepExpiredReservations(ctx)
	require.NoError(t, err)

	other, err := f.svc.RequestTicket(ctx, rf.ID, 2)
	require.NoError(t, err)

	res, err := f.webhook(t, "d-1", "InvoiceSettled", late.InvoiceID, late.Ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, string(model.OutcomeRefundRequired), res.Outcome)
	assert.Equal(t, model.TicketStatusExpired, f.ticket(t, late.Ticket.ID).Status)
	assert.Equal(t, model.TicketStatusPending, f.ticket(t, other.Ticket.ID).Status)
	assert.Contains(t, f.publisher.types(), events.TypeTicketRefundRequired)
}

func TestHandlePaymentEvent_Unresolvable(t *testing.T) {
	f := newFixture(t)
	rf := f.raffle(t, 2)

	r, err := f.svc.RequestTicket(context.Background(), rf.ID, 1)
	require.NoError(t, err)

	res, err := f.webhook(t, "d-1", "InvoiceSettled", "inv-unknown", "")
	require.NoError(t, err)
	assert.Equal(t, WebhookUnknownInvoice, res.Outcome)

	res, err = f.webhook(t, "d-2", "InvoiceSettled", r.InvoiceID, "00000000-0000-0000-0000-000000000000")
	require.NoError(t, err)
	assert.Equal(t, WebhookTicketMismatch, res.Outcome)

	res, err = f.webhook(t, "d-3", "InvoiceProcessing", r.InvoiceID, r.Ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, WebhookIgnored, res.Outcome)

	body := []byte(`{"type":`)
	res, err = f.svc.HandlePaymentEvent(context.Background(), body, payment.Sign(webhookSecret, body))
	require.NoError(t, err)
	assert.Equal(t, WebhookMalformed, res.Outcome)

	assert.Equal(t, model.TicketStatusPending, f.ticket(t, r.Ticket.ID).Status)
}

type failingRepo struct {
	*repository.MemoryRepository
}

func (failingRepo) GetTicketByInvoice(context.Context, string) (*model.Ticket, error) {
	return nil, errors.New("connection reset")
}

func TestHandlePaymentEvent_StorageFailure(t *testing.T) {
	repo := failingRepo{repository.NewMemoryRepository()}
	svc := NewService(repo, &stubPayments{}, Settings{WebhookSecret: webhookSecret})

	body := []byte(`{"deliveryId":"d-1","type":"InvoiceSettled","invoiceId":"inv-1"}`)
	_, err := svc.HandlePaymentEvent(context.Background(), body, payment.Sign(webhookSecret, body))
	require.Error(t, err)
	assert.NotErrorIs(t, err, payment.ErrInvalidSignature)

	seen, err := repo.WebhookDeliverySeen(context.Background(), "d-1")
	require.NoError(t, err)
	assert.False(t, seen, "failed deliveries must be redelivered")
}

func TestSweepExpiredReservations_Batches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rf := f.raffle(t, 5)

	for i := int64(1); i <= 5; i++ {
		_, err := f.svc.RequestTicket(ctx, rf.ID, i)
		require.NoError(t, err)
	}

	f.clock.Advance(14 * time.Minute)
	n, err := f.svc.SweepExpiredReservations(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "reservations inside the window are kept")

	f.clock.Advance(2 * time.Minute)
	n, err = f.svc.SweepExpiredReservations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	got, err := f.svc.GetRaffle(ctx, rf.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Pending)
	assert.Equal(t, 5, got.Available())

	n, err = f.svc.SweepExpiredReservations(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCloseDueRaffles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ended := f.raffle(t, 3)
	empty := f.raffle(t, 3)

	r, err := f.svc.RequestTicket(ctx, ended.ID, 1)
	require.NoError(t, err)
	_, err = f.webhook(t, "d-1", "InvoiceSettled", r.InvoiceID, r.Ticket.ID)
	require.NoError(t, err)

	expired, err := f.svc.RequestTicket(ctx, ended.ID, 2)
	require.NoError(t, err)
	_, err = f.webhook(t, "d-2", "InvoiceExpired", expired.InvoiceID, expired.Ticket.ID)
	require.NoError(t, err)

	pending, err := f.svc.RequestTicket(ctx, ended.ID, 3)
	require.NoError(t, err)

	n, err := f.svc.CloseDueRaffles(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing is due before the end date while capacity remains")

	f.clock.Advance(24*time.Hour + time.Minute)

	n, err = f.svc.CloseDueRaffles(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "the ended raffle gets a winner and the empty one closes without")
	assert.Equal(t, []int{1}, f.picked, "only the paid ticket is a candidate")
	assert.Equal(t, model.TicketStatusPending, f.ticket(t, pending.Ticket.ID).Status)

	got, err := f.svc.GetRaffle(ctx, ended.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Winner)
	assert.Equal(t, r.Ticket.ID, got.Winner.TicketID)

	noPaid, err := f.svc.GetRaffle(ctx, empty.ID)
	require.NoError(t, err)
	assert.True(t, noPaid.Closed())
	assert.Nil(t, noPaid.Winner)

	w, err := f.svc.ClaimPrize(ctx, ended.ID, 1)
	require.NoError(t, err)
	assert.True(t, w.Claimed)

	_, err = f.svc.ClaimPrize(ctx, ended.ID, 2)
	assert.ErrorIs(t, err, model.ErrNotWinner)
}

func TestGetTicket_OwnerOnly(t *testing.T) {
	f := newFixture(t)
	rf := f.raffle(t, 1)

	r, err := f.svc.RequestTicket(context.Background(), rf.ID, 1)
	require.NoError(t, err)

	got, err := f.svc.GetTicket(context.Background(), r.Ticket.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, r.Ticket.ID, got.ID)

	_, err = f.svc.GetTicket(context.Background(), r.Ticket.ID, 2)
	assert.ErrorIs(t, err, model.ErrTicketNotFound)
}

func TestConcurrentReservations_NeverOversell(t *testing.T) {
	f := newFixture(t)
	rf := f.raffle(t, 5)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		soldOut int
	)

	for i := int64(1); i <= 30; i++ {
		wg.Add(1)
		go func(user int64) {
			defer wg.Done()

			_, err := f.svc.RequestTicket(context.Background(), rf.ID, user)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, model.ErrSoldOut):
				soldOut++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 5, ok)
	assert.Equal(t, 25, soldOut)

	got, err := f.svc.GetRaffle(context.Background(), rf.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.Pending)
}

func TestCryptoPick(t *testing.T) {
	for i := 0; i < 100; i++ {
		idx, err := cryptoPick(3)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, idx, 0)
		assert.Less(t, idx, 3)
	}

	_, err := cryptoPick(0)
	assert.Error(t, err)
}

func countType(types []string, typ string) int {
	n := 0
	for _, t := range types {
		if t == typ {
			n++
		}
	}
	return n
}
