package decision

import "sanad-trader/internal/database"

// SizingConfig parameterizes dynamic Kelly sizing.
type SizingConfig struct {
	// ColdStartTrades is the trade count below which a strategy sizes at the
	// fixed default fraction instead of its Kelly estimate.
	ColdStartTrades int `json:"cold_start_trades"`
	// DefaultFraction is the cold-start fraction of available cash.
	DefaultFraction float64 `json:"default_fraction"`
	// MaxPositionFraction caps the half-Kelly fraction.
	MaxPositionFraction float64 `json:"max_position_fraction"`
}

// DefaultSizingConfig returns the reference sizing parameters
func DefaultSizingConfig() SizingConfig {
	return SizingConfig{
		ColdStartTrades:     30,
		DefaultFraction:     0.075,
		MaxPositionFraction: 0.10,
	}
}

// PositionSizeUSD computes the dynamic Kelly position size. Pure and fast:
// it runs on the hot path.
//
//   - cold start (n < ColdStartTrades): the fixed default fraction;
//   - kelly_full = 2*win_rate - 1 with win_rate = alpha/(alpha+beta);
//   - kelly_full <= 0: half the default fraction -- a conservative floor
//     rather than zero, so a negative-trending strategy keeps generating
//     evidence for re-evaluation;
//   - otherwise: half-Kelly, capped at MaxPositionFraction.
func PositionSizeUSD(stat *database.BanditStrategyStat, availableCashUSD float64, cfg SizingConfig) float64 {
	if availableCashUSD <= 0 {
		return 0
	}

	fraction := cfg.DefaultFraction
	if stat.N >= cfg.ColdStartTrades {
		winRate := stat.Alpha / (stat.Alpha + stat.Beta)
		kellyFull := 2*winRate - 1
		if kellyFull <= 0 {
			fraction = cfg.DefaultFraction / 2
		} else {
			fraction = 0.5 * kellyFull
			if fraction > cfg.MaxPositionFraction {
				fraction = cfg.MaxPositionFraction
			}
		}
	}

	return fraction * availableCashUSD
}
