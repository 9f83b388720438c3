package ledger

import (
	"errors"
	"testing"
)

func TestSubRejectsNegativeResult(t *testing.T) {
	if _, err := Amount(10).Sub(11); !errors.Is(err, ErrNegativeAmount) {
		t.Fatalf("expected ErrNegativeAmount, got %v", err)
	}
	got, err := Amount(10).Sub(10)
	if err != nil || got != 0 {
		t.Fatalf("10 - 10 = %d, %v", got, err)
	}
}

func TestMulBasisPoints(t *testing.T) {
	tests := []struct {
		amount Amount
		bp     BasisPoints
		want   Amount
	}{
		{10000, 10000, 10000},
		{10000, 5000, 5000},
		{10000, 1, 1},
		{999, 5000, 499}, // truncates toward zero
		{0, 10000, 0},
	}
	for _, tt := range tests {
		if got := tt.amount.MulBasisPoints(tt.bp); got != tt.want {
			t.Errorf("%d * %dbp = %d, want %d", tt.amount, tt.bp, got, tt.want)
		}
	}
}

func TestValidateSplits(t *testing.T) {
	tests := []struct {
		name   string
		splits []BasisPoints
		ok     bool
	}{
		{"single full split", []BasisPoints{10000}, true},
		{"even halves", []BasisPoints{5000, 5000}, true},
		{"three way", []BasisPoints{3333, 3333, 3334}, true},
		{"short of denominator", []BasisPoints{9999}, false},
		{"over denominator", []BasisPoints{5000, 5001}, false},
		{"empty", nil, false},
	}
	for _, tt := range tests {
		err := ValidateSplits(tt.splits)
		if tt.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tt.name, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("%s: expected validation failure", tt.name)
		}
	}
}

func TestCurrencyConfirmations(t *testing.T) {
	if BTC.Confirmations() != 3 {
		t.Fatalf("BTC confirmations = %d, want 3", BTC.Confirmations())
	}
	if Currency("DOGE").Valid() {
		t.Fatalf("unsupported currency must not validate")
	}
	if Currency("DOGE").Confirmations() != 6 {
		t.Fatalf("unknown currency must default to 6 confirmations")
	}
}
