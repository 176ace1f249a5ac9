// Package validation содержит функции валидации входных данных.
package validation

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/mmeshcher/raffle-system/internal/model"
)

// ErrInvalidRaffle возвращается для некорректных параметров розыгрыша.
var ErrInvalidRaffle = errors.New("invalid raffle")

// ValidateRaffle проверяет параметры создания розыгрыша.
func ValidateRaffle(p model.RaffleParams) error {
	switch {
	case strings.TrimSpace(p.Name) == "":
		return fmt.Errorf("%w: name is required", ErrInvalidRaffle)
	case p.TotalTickets <= 0:
		return fmt.Errorf("%w: total_tickets must be positive", ErrInvalidRaffle)
	case p.PriceCents <= 0:
		return fmt.Errorf("%w: price must be positive", ErrInvalidRaffle)
	case !IsValidCurrency(p.Currency):
		return fmt.Errorf("%w: unsupported currency %q", ErrInvalidRaffle, p.Currency)
	case p.StartsAt.IsZero() || p.EndsAt.IsZero():
		return fmt.Errorf("%w: starts_at and ends_at are required", ErrInvalidRaffle)
	case !p.EndsAt.After(p.StartsAt):
		return fmt.Errorf("%w: ends_at must be after starts_at", ErrInvalidRaffle)
	}
	return nil
}

// IsValidCurrency проверяет код валюты: от 3 до 5 заглавных латинских букв или цифр (USD, BTC, USDT).
func IsValidCurrency(code string) bool {
	if len(code) < 3 || len(code) > 5 {
		return false
	}

	for _, ch := range code {
		if ch > unicode.MaxASCII {
			return false
		}
		if !unicode.IsUpper(ch) && !unicode.IsDigit(ch) {
			return false
		}
	}

	return true
}
