package eval

import (
	"math"
	"sort"

	"sanad-trader/internal/database"
)

// FoldMetrics summarizes one policy version's closed trades inside one test
// window.
type FoldMetrics struct {
	Trades         int     `json:"trades"`
	NetPnLUSD      float64 `json:"net_pnl_usd"`
	WinRate        float64 `json:"win_rate"`
	ProfitFactor   float64 `json:"profit_factor"`
	MaxDrawdownUSD float64 `json:"max_drawdown_usd"`
	TotalFeesUSD   float64 `json:"total_fees_usd"`
	AvgSlippageBps float64 `json:"avg_slippage_bps"`
}

// ComputeMetrics aggregates closed positions (already in chronological close
// order) into fold metrics. With no losing trades the profit factor reports
// the raw win sum instead of dividing by zero.
func ComputeMetrics(positions []*database.Position) FoldMetrics {
	m := FoldMetrics{Trades: len(positions)}
	if len(positions) == 0 {
		return m
	}

	var wins int
	var winSum, lossSum float64 // lossSum accumulated as a positive magnitude
	var cumulative, peak, maxDrawdown float64

	for _, pos := range positions {
		pnl := 0.0
		if pos.NetPnLUSD != nil {
			pnl = *pos.NetPnLUSD
		}
		m.NetPnLUSD += pnl
		if pos.FeesUSD != nil {
			m.TotalFeesUSD += *pos.FeesUSD
		}
		if pnl > 0 {
			wins++
			winSum += pnl
		} else {
			lossSum += -pnl
		}

		cumulative += pnl
		if cumulative > peak {
			peak = cumulative
		}
		if dd := peak - cumulative; dd > maxDrawdown {
			maxDrawdown = dd
		}
	}

	m.WinRate = float64(wins) / float64(len(positions))
	if lossSum > 0 {
		m.ProfitFactor = winSum / lossSum
	} else {
		m.ProfitFactor = winSum
	}
	m.MaxDrawdownUSD = maxDrawdown
	return m
}

// median returns the median of a slice (0 for empty).
func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// drawdownEpsilon guards the drawdown tolerance comparison against
// floating-point false negatives.
const drawdownEpsilon = 1e-9

// drawdownAcceptable reports whether the candidate's drawdown is no worse
// than baseline's times the tolerance factor.
func drawdownAcceptable(candidate, baseline, tolerance float64) bool {
	return candidate <= baseline*tolerance+drawdownEpsilon ||
		math.Abs(candidate-baseline*tolerance) < drawdownEpsilon
}
