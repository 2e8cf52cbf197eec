// Package learning implements the exactly-once consumption of closed
// positions into the online-learning statistics: Thompson Beta parameters
// per (strategy, regime) and win-rate accumulators per source. The loop is
// safe to run repeatedly and concurrently; the store's guarded claim makes
// double counting impossible.
package learning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"sanad-trader/internal/database"
	"sanad-trader/internal/metrics"
)

// Summary reports one loop invocation.
type Summary struct {
	Scanned int `json:"scanned"`
	Applied int `json:"applied"`
	Skipped int `json:"skipped"`
}

// Loop drains pending learning outcomes.
type Loop struct {
	repo *database.Repository
	log  zerolog.Logger
}

// NewLoop creates a learning loop
func NewLoop(repo *database.Repository, log zerolog.Logger) *Loop {
	return &Loop{
		repo: repo,
		log:  log.With().Str("component", "learning_loop").Logger(),
	}
}

// RunOnce scans CLOSED positions with learning_status=PENDING and applies
// each outcome exactly once. A lost claim counts as skipped, never as an
// error: some other invocation already consumed it.
func (l *Loop) RunOnce(ctx context.Context, now time.Time) (*Summary, error) {
	positions, err := l.repo.GetLearnablePositions(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("scan learnable positions: %w", err)
	}

	summary := &Summary{Scanned: len(positions)}
	for _, pos := range positions {
		err := l.repo.ApplyLearningOutcome(ctx, pos, now)
		switch {
		case err == nil:
			summary.Applied++
			metrics.LearningOutcomesTotal.WithLabelValues("applied").Inc()
			l.log.Info().
				Str("position_id", pos.PositionID).
				Str("strategy_id", pos.StrategyID).
				Float64("pnl_pct", *pos.PnLPct).
				Msg("learning outcome applied")
		case errors.Is(err, database.ErrLearningNotClaimed):
			summary.Skipped++
			metrics.LearningOutcomesTotal.WithLabelValues("skipped").Inc()
		case database.IsBusy(err):
			// Transient; this position stays PENDING for the next run.
			summary.Skipped++
			l.log.Warn().Err(err).Str("position_id", pos.PositionID).Msg("store busy; deferring outcome")
		default:
			return summary, fmt.Errorf("apply outcome for %s: %w", pos.PositionID, err)
		}
	}

	return summary, nil
}
