// Package payment предоставляет клиент платёжной системы и разбор её уведомлений.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Client инкапсулирует HTTP-взаимодействие с платёжной системой (Greenfield API).
type Client struct {
	baseURL    string
	storeID    string
	apiKey     string
	httpClient *retryablehttp.Client
}

// InvoiceRequest описывает счёт на оплату одного билета.
type InvoiceRequest struct {
	AmountCents int64
	Currency    string
	TicketID    string
	RaffleID    int64
	UserID      int64
	Expiration  time.Duration
}

// Invoice описывает созданный платёжной системой счёт.
type Invoice struct {
	ID          string
	CheckoutURL string
	Status      string
	ExpiresAt   time.Time
}

type createInvoiceRequest struct {
	Amount   string          `json:"amount"`
	Currency string          `json:"currency"`
	Metadata invoiceMetadata `json:"metadata"`
	Checkout checkoutOptions `json:"checkout"`
}

type invoiceMetadata struct {
	OrderID  string `json:"orderId"`
	TicketID string `json:"ticketId"`
	RaffleID int64  `json:"raffleId"`
	BuyerID  int64  `json:"buyerId"`
}

type checkoutOptions struct {
	ExpirationMinutes int `json:"expirationMinutes,omitempty"`
}

type invoiceResponse struct {
	ID             string `json:"id"`
	CheckoutLink   string `json:"checkoutLink"`
	Status         string `json:"status"`
	ExpirationTime int64  `json:"expirationTime"`
}

// NewClient создаёт клиент платёжной системы. Запрос на создание счёта повторяется только
// тогда, когда он заведомо не был принят: см. retryUnaccepted.
func NewClient(baseURL, storeID, apiKey string, logger *zap.Logger) *Client {
	rc := retryablehttp.NewClient()
	rc.CheckRetry = retryUnaccepted
	rc.RetryMax = 2
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.Logger = nil
	if logger != nil {
		rc.Logger = leveledLogger{logger.Sugar()}
	}

	base := strings.TrimRight(baseURL, "/")
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	return &Client{
		baseURL:    base,
		storeID:    storeID,
		apiKey:     apiKey,
		httpClient: rc,
	}
}

// CreateInvoice создаёт счёт на оплату билета.
func (c *Client) CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("payment client not configured")
	}

	body, err := json.Marshal(createInvoiceRequest{
		Amount:   FormatAmount(req.AmountCents),
		Currency: req.Currency,
		Metadata: invoiceMetadata{
			OrderID:  req.TicketID,
			TicketID: req.TicketID,
			RaffleID: req.RaffleID,
			BuyerID:  req.UserID,
		},
		Checkout: checkoutOptions{
			ExpirationMinutes: int(req.Expiration / time.Minute),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/stores/%s/invoices", c.baseURL, c.storeID)

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "token "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("unexpected status: %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result invoiceResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if result.ID == "" {
		return nil, fmt.Errorf("decode response: empty invoice id")
	}

	inv := &Invoice{
		ID:          result.ID,
		CheckoutURL: result.CheckoutLink,
		Status:      result.Status,
	}
	if result.ExpirationTime > 0 {
		inv.ExpiresAt = time.Unix(result.ExpirationTime, 0).UTC()
	}

	return inv, nil
}

// retryUnaccepted разрешает повтор POST только при отказе в соединении и ответах 503/429:
// в остальных случаях счёт мог быть создан, и повтор оставил бы лишний счёт.
func retryUnaccepted(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return errors.Is(err, syscall.ECONNREFUSED), nil
	}
	switch resp.StatusCode {
	case http.StatusServiceUnavailable, http.StatusTooManyRequests:
		return true, nil
	default:
		return false, nil
	}
}

// expirationMinutes округляет окно резервирования вверх до целых минут.
func expirationMinutes(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Minute - 1) / time.Minute)
}

// FormatAmount переводит сумму в центах в десятичную строку с двумя знаками.
func FormatAmount(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return sign + strconv.FormatInt(cents/100, 10) + "." + fmt.Sprintf("%02d", cents%100)
}

// leveledLogger передаёт журнал повторов retryablehttp в zap.
type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) { l.s.Errorw(msg, keysAndValues...) }
func (l leveledLogger) Info(msg string, keysAndValues ...interface{})  { l.s.Debugw(msg, keysAndValues...) }
func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) { l.s.Debugw(msg, keysAndValues...) }
func (l leveledLogger) Warn(msg string, keysAndValues ...interface{})  { l.s.Warnw(msg, keysAndValues...) }
