package engine

import (
	"testing"

	"github.com/R3E-Network/mixer/internal/domain/ledger"
	"github.com/R3E-Network/mixer/internal/domain/mixer"
)

func TestRandomSplitSumsExactly(t *testing.T) {
	tests := []struct {
		total ledger.Amount
		n     int
	}{
		{1000, 4},
		{999, 3},
		{10, 2},
		{7, 1},
		{100000, 16},
	}
	for _, tt := range tests {
		chunks, err := randomSplit(tt.total, tt.n)
		if err != nil {
			t.Fatalf("randomSplit(%d, %d): %v", tt.total, tt.n, err)
		}
		var sum ledger.Amount
		for _, c := range chunks {
			if c <= 0 {
				t.Fatalf("randomSplit(%d, %d) produced non-positive chunk %d", tt.total, tt.n, c)
			}
			sum += c
		}
		if sum != tt.total {
			t.Fatalf("randomSplit(%d, %d) chunks sum to %d", tt.total, tt.n, sum)
		}
	}
}

func TestRandomSplitRejectsNonPositiveCount(t *testing.T) {
	if _, err := randomSplit(100, 0); err == nil {
		t.Fatalf("expected error for n=0")
	}
}

func TestChunkCountBounds(t *testing.T) {
	tests := []struct {
		name  string
		total ledger.Amount
		cfg   Config
		lo    int
		hi    int
	}{
		{"total below min chunk", 100, Config{MinChunkAmount: 250}, 1, 1},
		{"no max configured", 1000, Config{MinChunkAmount: 250}, 1, 4},
		{"max forces multiple chunks", 1000, Config{MinChunkAmount: 100, MaxChunkAmount: 250}, 4, 10},
		{"capped at sixteen", 100000, Config{MinChunkAmount: 1}, 1, 16},
		{"no min configured", 1000, Config{}, 1, 1},
	}
	for _, tt := range tests {
		for i := 0; i < 50; i++ {
			got := chunkCount(tt.total, tt.cfg)
			if got < tt.lo || got > tt.hi {
				t.Fatalf("%s: chunkCount(%d) = %d, want within [%d, %d]", tt.name, tt.total, got, tt.lo, tt.hi)
			}
		}
	}
}

func TestWithinToleranceBand(t *testing.T) {
	// 10% band around 1000: [900, 1100].
	tests := []struct {
		candidate ledger.Amount
		want      bool
	}{
		{900, true},
		{1100, true},
		{1000, true},
		{899, false},
		{1101, false},
	}
	for _, tt := range tests {
		if got := within(1000, tt.candidate, 1000); got != tt.want {
			t.Errorf("within(1000, %d, 1000bp) = %v, want %v", tt.candidate, got, tt.want)
		}
	}
}

func TestDowngradeLadder(t *testing.T) {
	if got := downgradeStrategy(mixer.StrategyCoinJoin); got != mixer.StrategyPoolMixing {
		t.Fatalf("COINJOIN must downgrade to POOL_MIXING, got %s", got)
	}
	if got := downgradeStrategy(mixer.StrategyPoolMixing); got != mixer.StrategyFastMix {
		t.Fatalf("POOL_MIXING must downgrade to FAST_MIX, got %s", got)
	}
}
