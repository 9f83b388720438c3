package mixer

import (
	"testing"
	"time"

	"github.com/R3E-Network/mixer/internal/domain/ledger"
)

func validRequest() MixRequest {
	now := time.Now().UTC()
	return MixRequest{
		Currency:    ledger.BTC,
		InputAmount: 1000,
		OutputAddresses: []OutputSplit{
			{Address: "a", PercentBasisPoints: 6000},
			{Address: "b", PercentBasisPoints: 4000},
		},
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*MixRequest)
		ok     bool
	}{
		{"valid", func(r *MixRequest) {}, true},
		{"unsupported currency", func(r *MixRequest) { r.Currency = "DOGE" }, false},
		{"zero amount", func(r *MixRequest) { r.InputAmount = 0 }, false},
		{"negative amount", func(r *MixRequest) { r.InputAmount = -5 }, false},
		{"splits under 10000", func(r *MixRequest) { r.OutputAddresses[1].PercentBasisPoints = 3999 }, false},
		{"no splits", func(r *MixRequest) { r.OutputAddresses = nil }, false},
		{"expiry before creation", func(r *MixRequest) { r.ExpiresAt = r.CreatedAt.Add(-time.Minute) }, false},
	}
	for _, tt := range tests {
		req := validRequest()
		tt.mutate(&req)
		err := req.Validate()
		if tt.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tt.name, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("%s: expected validation failure", tt.name)
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s must be terminal", s)
		}
	}
	live := []Status{StatusPending, StatusDeposited, StatusPooling, StatusMixing}
	for _, s := range live {
		if s.Terminal() {
			t.Errorf("%s must not be terminal", s)
		}
	}
}

func TestNetOutputFor(t *testing.T) {
	split := OutputSplit{Address: "a", PercentBasisPoints: 2500}
	if got := NetOutputFor(1000, split); got != 250 {
		t.Fatalf("NetOutputFor(1000, 2500bp) = %d, want 250", got)
	}
}
