// Package model содержит доменные сущности сервиса продажи билетов на розыгрыши.
package model

import "time"

// User представляет зарегистрированного покупателя билетов.
type User struct {
	ID           int64
	Login        string
	PasswordHash []byte
	CreatedAt    time.Time
}

// TicketStatus описывает состояние билета в жизненном цикле резервирования.
type TicketStatus string

const (
	TicketStatusPending TicketStatus = "pending"
	TicketStatusPaid    TicketStatus = "paid"
	TicketStatusExpired TicketStatus = "expired"
)

// Live сообщает, занимает ли билет место в розыгрыше.
func (s TicketStatus) Live() bool {
	return s == TicketStatusPending || s == TicketStatusPaid
}

// Raffle описывает розыгрыш. Paid и Pending всегда пересчитываются по билетам при чтении.
type Raffle struct {
	ID           int64
	Name         string
	TotalTickets int
	PriceCents   int64
	Currency     string
	StartsAt     time.Time
	EndsAt       time.Time
	Active       bool
	ClosedAt     *time.Time
	CreatedAt    time.Time

	Paid    int
	Pending int
	Winner  *Winner
}

// Sold возвращает число билетов, занимающих места (оплаченные и ожидающие оплаты).
func (r Raffle) Sold() int {
	return r.Paid + r.Pending
}

// Available возвращает число свободных мест.
func (r Raffle) Available() int {
	if n := r.TotalTickets - r.Sold(); n > 0 {
		return n
	}
	return 0
}

// Closed сообщает, подведены ли итоги розыгрыша.
func (r Raffle) Closed() bool {
	return r.ClosedAt != nil
}

// RaffleParams содержит параметры создания розыгрыша.
type RaffleParams struct {
	Name         string
	TotalTickets int
	PriceCents   int64
	Currency     string
	StartsAt     time.Time
	EndsAt       time.Time
}

// Ticket описывает пронумерованный билет розыгрыша.
type Ticket struct {
	ID          string
	RaffleID    int64
	UserID      int64
	Number      int
	Status      TicketStatus
	InvoiceID   *string
	ReservedAt  *time.Time
	PurchasedAt *time.Time
	ExpiredAt   *time.Time
	CreatedAt   time.Time
}

// HasInvoice сообщает, привязан ли к билету указанный счёт.
func (t Ticket) HasInvoice(invoiceID string) bool {
	return t.InvoiceID != nil && invoiceID != "" && *t.InvoiceID == invoiceID
}

// Winner описывает победителя розыгрыша.
type Winner struct {
	RaffleID     int64
	TicketID     string
	UserID       int64
	TicketNumber int
	Claimed      bool
	AnnouncedAt  time.Time
}

// CloseResult описывает итог попытки закрыть розыгрыш.
type CloseResult struct {
	RaffleID int64
	// Closed выставляется, только если розыгрыш закрыт именно этим вызовом.
	Closed        bool
	AlreadyClosed bool
	Reason        string
	Winner        *Winner
}

// WebhookDelivery фиксирует обработанную доставку уведомления платёжной системы.
type WebhookDelivery struct {
	DeliveryID string
	EventType  string
	InvoiceID  string
	Outcome    string
	ReceivedAt time.Time
}
