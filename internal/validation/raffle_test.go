package validation

import (
	"errors"
	"testing"
	"time"

	"github.com/mmeshcher/raffle-system/internal/model"
)

func TestIsValidCurrency(t *testing.T) {
	tests := []struct {
		name  string
		code  string
		valid bool
	}{
		{name: "fiat", code: "USD", valid: true},
		{name: "crypto", code: "BTC", valid: true},
		{name: "stablecoin", code: "USDT", valid: true},
		{name: "lower case", code: "usd", valid: false},
		{name: "too short", code: "US", valid: false},
		{name: "too long", code: "TOOLONG", valid: false},
		{name: "punctuation", code: "US-D", valid: false},
		{name: "empty string", code: "", valid: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsValidCurrency(tt.code)
			if got != tt.valid {
				t.Fatalf("IsValidCurrency(%q) = %v, want %v", tt.code, got, tt.valid)
			}
		})
	}
}

func TestValidateRaffle(t *testing.T) {
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	valid := model.RaffleParams{
		Name:         "Spring draw",
		TotalTickets: 100,
		PriceCents:   500,
		Currency:     "USD",
		StartsAt:     start,
		EndsAt:       start.Add(24 * time.Hour),
	}

	tests := []struct {
		name   string
		modify func(p *model.RaffleParams)
		valid  bool
	}{
		{name: "valid", modify: func(p *model.RaffleParams) {}, valid: true},
		{name: "blank name", modify: func(p *model.RaffleParams) { p.Name = "  " }},
		{name: "no tickets", modify: func(p *model.RaffleParams) { p.TotalTickets = 0 }},
		{name: "free ticket", modify: func(p *model.RaffleParams) { p.PriceCents = 0 }},
		{name: "bad currency", modify: func(p *model.RaffleParams) { p.Currency = "dollars" }},
		{name: "missing end", modify: func(p *model.RaffleParams) { p.EndsAt = time.Time{} }},
		{name: "ends before start", modify: func(p *model.RaffleParams) { p.EndsAt = start.Add(-time.Hour) }},
		{name: "ends at start", modify: func(p *model.RaffleParams) { p.EndsAt = start }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.modify(&p)

			err := ValidateRaffle(p)
			if tt.valid && err != nil {
				t.Fatalf("ValidateRaffle() = %v, want nil", err)
			}
			if !tt.valid && !errors.Is(err, ErrInvalidRaffle) {
				t.Fatalf("ValidateRaffle() = %v, want ErrInvalidRaffle", err)
			}
		})
	}
}
