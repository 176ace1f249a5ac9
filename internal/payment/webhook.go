package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// SignatureHeader содержит подпись тела уведомления.
const SignatureHeader = "BTCPay-Sig"

const signaturePrefix = "sha256="

var (
	// ErrInvalidSignature возвращается, если подпись уведомления не совпадает с ожидаемой.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrMalformedEvent возвращается для подписанного, но нечитаемого уведомления.
	ErrMalformedEvent = errors.New("malformed webhook event")
)

// EventKind описывает значение уведомления для жизненного цикла билета.
type EventKind string

const (
	EventSettled   EventKind = "settled"
	EventCancelled EventKind = "cancelled"
	EventIgnored   EventKind = "ignored"
)

// Event описывает уведомление платёжной системы о смене состояния счёта.
type Event struct {
	DeliveryID  string        `json:"deliveryId"`
	WebhookID   string        `json:"webhookId"`
	Type        string        `json:"type"`
	Timestamp   int64         `json:"timestamp"`
	StoreID     string        `json:"storeId"`
	InvoiceID   string        `json:"invoiceId"`
	IsRedeliver bool          `json:"isRedelivery"`
	Metadata    EventMetadata `json:"metadata"`

	Kind EventKind `json:"-"`
}

// EventMetadata содержит метаданные, переданные при создании счёта.
type EventMetadata struct {
	TicketID string `json:"ticketId"`
	OrderID  string `json:"orderId"`
}

// Sign вычисляет значение заголовка подписи для тела уведомления.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature проверяет подпись уведомления. Пустой секрет никогда не проходит проверку.
func VerifySignature(secret, body []byte, header string) error {
	if len(secret) == 0 {
		return fmt.Errorf("%w: webhook secret is not configured", ErrInvalidSignature)
	}

	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, signaturePrefix) {
		return ErrInvalidSignature
	}

	got, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)

	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrInvalidSignature
	}

	return nil
}

// ParseEvent разбирает тело уведомления и определяет его значение.
func ParseEvent(body []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	if e.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}

	e.Kind = KindOf(e.Type)
	if e.Kind != EventIgnored && e.InvoiceID == "" {
		return nil, fmt.Errorf("%w: missing invoice id", ErrMalformedEvent)
	}

	return &e, nil
}

// KindOf сопоставляет тип уведомления с его значением для билета.
// Поддерживаются имена Greenfield API и их snake_case-формы.
func KindOf(eventType string) EventKind {
	switch normalizeType(eventType) {
	case "invoicesettled":
		return EventSettled
	case "invoiceexpired", "invoiceinvalid":
		return EventCancelled
	default:
		return EventIgnored
	}
}

func normalizeType(t string) string {
	return strings.ToLower(strings.ReplaceAll(t, "_", ""))
}
