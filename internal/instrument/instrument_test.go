package instrument

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/investquest/portfolio-engine/internal/apperr"
)

func TestParseSymbol_Valid(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"ABC", "ABC"},
		{" abc ", "ABC"},
		{"brk.b", "BRK.B"},
		{"BTC-USD", "BTC-USD"},
		{"X", "X"},
	}
	for _, tt := range tests {
		got, err := ParseSymbol(tt.in)
		if err != nil {
			t.Errorf("ParseSymbol(%q): unexpected error %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseSymbol(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseSymbol_Invalid(t *testing.T) {
	invalid := []string{
		"",
		"   ",
		"1ABC",
		"AB C",
		"ABC$",
		"ABCDEFGHIJKLMNOP", // 16 chars
	}
	for _, s := range invalid {
		_, err := ParseSymbol(s)
		if !errors.Is(err, ErrInvalidSymbol) {
			t.Errorf("ParseSymbol(%q): expected ErrInvalidSymbol, got %v", s, err)
		}
		if !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("ParseSymbol(%q): expected ErrValidation, got %v", s, err)
		}
	}
}

func TestPolicy_CheckQuantity(t *testing.T) {
	whole := Policy{Fractional: false}
	frac := DefaultPolicy

	tests := []struct {
		name   string
		policy Policy
		qty    string
		ok     bool
	}{
		{"zero", frac, "0", false},
		{"negative", frac, "-1", false},
		{"whole under whole policy", whole, "10", true},
		{"fraction under whole policy", whole, "1.5", false},
		{"fraction under fractional policy", frac, "0.25", true},
		{"too precise", frac, "0.0000001", false},
		{"six places", frac, "0.000001", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.CheckQuantity(decimal.RequireFromString(tt.qty))
			if tt.ok && err != nil {
				t.Errorf("expected ok, got %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidQuantity) {
				t.Errorf("expected ErrInvalidQuantity, got %v", err)
			}
		})
	}
}
