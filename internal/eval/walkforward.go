// Package eval implements the walk-forward evaluator: an offline comparison
// of a candidate policy version against the active baseline over rolling
// test windows of already-closed positions, deciding PROMOTE or HOLD.
package eval

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"sanad-trader/internal/database"
)

// Run decisions.
const (
	DecisionPromote = "PROMOTE"
	DecisionHold    = "HOLD"
)

// Config parameterizes one walk-forward run.
type Config struct {
	TrainDays   int     `json:"train_days"`
	TestDays    int     `json:"test_days"`
	StepDays    int     `json:"step_days"`
	HorizonDays int     `json:"horizon_days"`
	MinTrades   int     `json:"min_trades"`
	// DrawdownTolerance is the factor by which the candidate's per-fold max
	// drawdown may exceed baseline's.
	DrawdownTolerance float64 `json:"drawdown_tolerance"`
	// MinPassRate is the fraction of folds the candidate must win.
	MinPassRate float64 `json:"min_pass_rate"`
	// PromoteIfPass must be set explicitly by the caller; evaluation alone
	// never flips the active policy.
	PromoteIfPass bool `json:"promote_if_pass"`
}

// DefaultConfig returns reference walk-forward settings
func DefaultConfig() Config {
	return Config{
		TrainDays:         14,
		TestDays:          7,
		StepDays:          7,
		HorizonDays:       56,
		MinTrades:         5,
		DrawdownTolerance: 1.10,
		MinPassRate:       0.60,
	}
}

// Fold is one rolling test window.
type Fold struct {
	Index     int
	TestStart time.Time
	TestEnd   time.Time
}

// GenerateFolds slides a cursor forward by StepDays starting at
// horizonStart+TrainDays, emitting [start, start+TestDays) windows until the
// window would exceed the horizon end.
func GenerateFolds(cfg Config, now time.Time) []Fold {
	horizonStart := now.AddDate(0, 0, -cfg.HorizonDays)
	cursor := horizonStart.AddDate(0, 0, cfg.TrainDays)

	var folds []Fold
	for i := 0; ; i++ {
		end := cursor.AddDate(0, 0, cfg.TestDays)
		if end.After(now) {
			break
		}
		folds = append(folds, Fold{Index: i, TestStart: cursor, TestEnd: end})
		cursor = cursor.AddDate(0, 0, cfg.StepDays)
	}
	return folds
}

// FoldResult pairs both policies' metrics for one fold.
type FoldResult struct {
	Fold      Fold
	Candidate FoldMetrics
	Baseline  FoldMetrics
	Passed    bool
}

// RunResult is the full outcome of one walk-forward run.
type RunResult struct {
	RunID       string       `json:"run_id"`
	Decision    string       `json:"decision"`
	Reason      string       `json:"reason"`
	PassRate    float64      `json:"pass_rate"`
	MedianDelta float64      `json:"median_delta"`
	Folds       []FoldResult `json:"folds"`
	Promoted    bool         `json:"promoted"`
}

// Evaluator runs walk-forward comparisons.
type Evaluator struct {
	repo *database.Repository
	cfg  Config
	log  zerolog.Logger
}

// NewEvaluator creates an evaluator
func NewEvaluator(repo *database.Repository, cfg Config, log zerolog.Logger) *Evaluator {
	return &Evaluator{
		repo: repo,
		cfg:  cfg,
		log:  log.With().Str("component", "walkforward").Logger(),
	}
}

// Run compares candidate against baseline and persists the audit record
// regardless of outcome. The active-policy pointer moves only on PROMOTE
// with PromoteIfPass set.
func (e *Evaluator) Run(ctx context.Context, candidateVersion, baselineVersion string, now time.Time) (*RunResult, error) {
	folds := GenerateFolds(e.cfg, now)
	if len(folds) == 0 {
		return nil, fmt.Errorf("horizon %dd with train %dd / test %dd yields no folds",
			e.cfg.HorizonDays, e.cfg.TrainDays, e.cfg.TestDays)
	}

	result := &RunResult{RunID: "wf_" + uuid.NewString()}
	var passed int
	var deltas []float64
	var candidateTrades, baselineTrades int

	for _, fold := range folds {
		candidate, err := e.foldMetrics(ctx, candidateVersion, fold)
		if err != nil {
			return nil, err
		}
		baseline, err := e.foldMetrics(ctx, baselineVersion, fold)
		if err != nil {
			return nil, err
		}

		foldPassed := candidate.Trades >= e.cfg.MinTrades &&
			candidate.NetPnLUSD > baseline.NetPnLUSD &&
			drawdownAcceptable(candidate.MaxDrawdownUSD, baseline.MaxDrawdownUSD, e.cfg.DrawdownTolerance)

		if foldPassed {
			passed++
		}
		deltas = append(deltas, candidate.NetPnLUSD-baseline.NetPnLUSD)
		candidateTrades += candidate.Trades
		baselineTrades += baseline.Trades

		result.Folds = append(result.Folds, FoldResult{
			Fold: fold, Candidate: candidate, Baseline: baseline, Passed: foldPassed,
		})
	}

	result.PassRate = float64(passed) / float64(len(folds))
	result.MedianDelta = median(deltas)

	// Run-level promotion criteria, every failure named in the reason.
	tradeFloor := e.cfg.MinTrades * len(folds)
	var failures []string
	if result.PassRate < e.cfg.MinPassRate {
		failures = append(failures, fmt.Sprintf("pass rate %.0f%% < %.0f%%", result.PassRate*100, e.cfg.MinPassRate*100))
	}
	if result.MedianDelta <= 0 {
		failures = append(failures, fmt.Sprintf("median PnL delta $%.2f <= 0", result.MedianDelta))
	}
	if candidateTrades < tradeFloor {
		failures = append(failures, fmt.Sprintf("candidate trades %d < required %d", candidateTrades, tradeFloor))
	}
	if baselineTrades < tradeFloor {
		failures = append(failures, fmt.Sprintf("baseline trades %d < required %d", baselineTrades, tradeFloor))
	}
	if !e.cfg.PromoteIfPass {
		failures = append(failures, "promote-if-pass not requested")
	}

	if len(failures) == 0 {
		result.Decision = DecisionPromote
		result.Reason = fmt.Sprintf("candidate %s beat baseline %s: pass rate %.0f%%, median delta $%.2f",
			candidateVersion, baselineVersion, result.PassRate*100, result.MedianDelta)
	} else {
		result.Decision = DecisionHold
		result.Reason = "hold: " + strings.Join(failures, "; ")
	}

	if err := e.persist(ctx, result, candidateVersion, baselineVersion, now); err != nil {
		return nil, err
	}

	if result.Decision == DecisionPromote {
		if err := e.repo.PromotePolicyVersion(ctx, candidateVersion, now); err != nil {
			return nil, fmt.Errorf("promote %s: %w", candidateVersion, err)
		}
		result.Promoted = true
		e.log.Info().Str("candidate", candidateVersion).Msg("policy promoted")
	} else {
		e.log.Info().Str("candidate", candidateVersion).Str("reason", result.Reason).Msg("policy held")
	}

	return result, nil
}

func (e *Evaluator) foldMetrics(ctx context.Context, policyVersion string, fold Fold) (FoldMetrics, error) {
	positions, err := e.repo.GetClosedPositionsForPolicy(ctx, policyVersion, fold.TestStart, fold.TestEnd)
	if err != nil {
		return FoldMetrics{}, fmt.Errorf("fold %d query for %s: %w", fold.Index, policyVersion, err)
	}
	m := ComputeMetrics(positions)

	ids := make([]string, len(positions))
	for i, pos := range positions {
		ids[i] = pos.PositionID
	}
	if m.AvgSlippageBps, err = e.repo.AvgSlippageForPositions(ctx, ids); err != nil {
		return FoldMetrics{}, err
	}
	return m, nil
}

func (e *Evaluator) persist(ctx context.Context, result *RunResult, candidateVersion, baselineVersion string, now time.Time) error {
	run := &database.EvalRun{
		RunID:            result.RunID,
		CandidateVersion: candidateVersion,
		BaselineVersion:  baselineVersion,
		Folds:            len(result.Folds),
		PassRate:         result.PassRate,
		MedianDelta:      result.MedianDelta,
		Decision:         result.Decision,
		Reason:           result.Reason,
		CreatedAt:        now,
	}

	folds := make([]*database.EvalFold, len(result.Folds))
	for i, fr := range result.Folds {
		candidateJSON, _ := json.Marshal(fr.Candidate)
		baselineJSON, _ := json.Marshal(fr.Baseline)
		folds[i] = &database.EvalFold{
			RunID:         result.RunID,
			FoldIndex:     fr.Fold.Index,
			TestStart:     fr.Fold.TestStart,
			TestEnd:       fr.Fold.TestEnd,
			CandidateJSON: string(candidateJSON),
			BaselineJSON:  string(baselineJSON),
			Passed:        fr.Passed,
		}
	}
	return e.repo.RecordEvalRun(ctx, run, folds)
}
