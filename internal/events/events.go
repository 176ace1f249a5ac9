// Package events публикует доменные события жизненного цикла билетов и розыгрышей.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mmeshcher/raffle-system/internal/model"
)

// Типы доменных событий.
const (
	TypeTicketReserved       = "ticket.reserved"
	TypeTicketPaid           = "ticket.paid"
	TypeTicketExpired        = "ticket.expired"
	TypeTicketRefundRequired = "ticket.refund_required"
	TypeRaffleClosed         = "raffle.closed"
)

// Event описывает изменение состояния, уже зафиксированное в реестре.
type Event struct {
	Type         string    `json:"type"`
	RaffleID     int64     `json:"raffle_id"`
	TicketID     string    `json:"ticket_id,omitempty"`
	TicketNumber int       `json:"ticket_number,omitempty"`
	UserID       int64     `json:"user_id,omitempty"`
	Status       string    `json:"status,omitempty"`
	Outcome      string    `json:"outcome,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// Key возвращает ключ партиционирования: билет или, для событий розыгрыша, сам розыгрыш.
func (e Event) Key() string {
	if e.TicketID != "" {
		return e.TicketID
	}
	return strconv.FormatInt(e.RaffleID, 10)
}

// TicketEvent строит событие по билету.
func TicketEvent(typ string, t model.Ticket, outcome model.Outcome, at time.Time) Event {
	return Event{
		Type:         typ,
		RaffleID:     t.RaffleID,
		TicketID:     t.ID,
		TicketNumber: t.Number,
		UserID:       t.UserID,
		Status:       string(t.Status),
		Outcome:      string(outcome),
		OccurredAt:   at,
	}
}

// Publisher отправляет доменные события подписчикам.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// NopPublisher отбрасывает события. Используется, когда брокер не настроен.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher публикует события в топик Kafka в формате JSON.
type KafkaPublisher struct {
	writer messageWriter
}

// NewKafkaPublisher создаёт издателя для указанных брокеров и топика.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
			RequiredAcks:           kafka.RequireOne,
			BatchTimeout:           50 * time.Millisecond,
		},
	}
}

// Publish отправляет событие. Сообщения одного билета попадают в одну партицию.
func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.Key()),
		Value: b,
		Time:  e.OccurredAt,
	}); err != nil {
		return fmt.Errorf("write event %s: %w", e.Type, err)
	}

	return nil
}

// Close сбрасывает буфер и закрывает соединения с брокерами.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
