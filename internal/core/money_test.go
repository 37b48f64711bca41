package core

import (
	"errors"
	"testing"
)

func TestParseSignedDecimalToCents(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int64
		wantErr bool
	}{
		{"expense dot", "-12.34", -1234, false},
		{"income dot", "12.34", 1234, false},
		{"explicit plus", "+7.50", 750, false},
		{"comma separator", "-12,34", -1234, false},
		{"integer only", "45", 4500, false},
		{"single decimal", "4.5", 450, false},
		{"rounds half up", "12.345", 1235, false},
		{"rounds down", "12.344", 1234, false},
		{"leading dot", ".99", 99, false},
		{"whitespace trimmed", "  3.00 ", 300, false},
		{"empty", "", 0, true},
		{"zero", "0.00", 0, true},
		{"zero integer", "0", 0, true},
		{"letters", "abc", 0, true},
		{"two separators", "1.2.3", 0, true},
		{"sign only", "-", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSignedDecimalToCents(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidAmount) {
					t.Errorf("ParseSignedDecimalToCents(%q) error = %v, want ErrInvalidAmount", tt.input, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSignedDecimalToCents(%q) error = %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseSignedDecimalToCents(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

func TestMoneyDecimal(t *testing.T) {
	tests := []struct {
		cents int64
		want  string
	}{
		{-1234, "-12.34"},
		{1234, "12.34"},
		{50, "0.50"},
		{-5, "-0.05"},
		{100000, "1000.00"},
	}

	for _, tt := range tests {
		if got := (Money{Cents: tt.cents}).Decimal(); got != tt.want {
			t.Errorf("Decimal(%d) = %q, want %q", tt.cents, got, tt.want)
		}
	}
}
