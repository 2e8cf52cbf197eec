package decision

import "sanad-trader/internal/signal"

// Scoring weights. The score is a pure function of on-chain evidence,
// cross-source corroboration, volume, and the source's learned grade.
const (
	weightRugcheck      = 0.40
	weightCorroboration = 0.30
	weightVolume        = 0.15
	weightSourceGrade   = 0.15
)

var gradeScore = map[string]float64{
	"A": 1.0,
	"B": 0.75,
	"C": 0.5,
	"D": 0.25,
}

// Score computes the deterministic signal score in [0, 1]. Missing fields
// were already defaulted to their most conservative value by normalization,
// so absent evidence scores low rather than passing.
func Score(sig *signal.Signal, sourceGrade string) float64 {
	rug := clamp01(sig.RugcheckScore / 100.0)

	corro := float64(sig.CorroborationCount) / 3.0
	corro = clamp01(corro)

	var volume float64
	switch {
	case sig.Volume24hUSD >= 1_000_000:
		volume = 1.0
	case sig.Volume24hUSD >= 100_000:
		volume = 0.75
	case sig.Volume24hUSD >= 10_000:
		volume = 0.5
	case sig.Volume24hUSD > 0:
		volume = 0.25
	}

	grade, ok := gradeScore[sourceGrade]
	if !ok {
		grade = gradeScore["C"]
	}

	return weightRugcheck*rug +
		weightCorroboration*corro +
		weightVolume*volume +
		weightSourceGrade*grade
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
