package pricing

import "testing"

func TestEstimateSlippageBps(t *testing.T) {
	tests := []struct {
		liquidityUSD float64
		want         float64
	}{
		{5_000_000, 10},
		{1_000_000, 10},
		{500_000, 40},
		{250_000, 40},
		{100_000, 120},
		{50_000, 120},
		{10_000, 400},
		{1, 400},
		{0, 10_000}, // no liquidity data reads as untradeable
	}

	for _, tt := range tests {
		if got := estimateSlippageBps(tt.liquidityUSD); got != tt.want {
			t.Errorf("estimateSlippageBps(%v) = %v, want %v", tt.liquidityUSD, got, tt.want)
		}
	}
}
