// Package analysis implements the async analysis queue worker: it claims
// PENDING tasks, runs the slow LLM secondary review, and persists results
// with bounded retries. Multiple worker processes may run concurrently; the
// store's atomic claim is the only coordination.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"sanad-trader/internal/ai/llm"
	"sanad-trader/internal/database"
	"sanad-trader/internal/metrics"
)

// Error codes recorded on failed attempts.
const (
	ErrCodeReviewFailed    = "ERR_REVIEW_FAILED"
	ErrCodeTimeout         = "ERR_REVIEW_TIMEOUT"
	ErrCodePositionMissing = "ERR_POSITION_MISSING"
	ErrCodeUnknownType     = "ERR_UNKNOWN_TASK_TYPE"
)

// Config holds worker tuning.
type Config struct {
	// ReviewTimeout bounds one full review attempt.
	ReviewTimeout time.Duration `json:"review_timeout"`
	// BatchLimit caps tasks examined per invocation.
	BatchLimit int `json:"batch_limit"`
}

// DefaultConfig returns reference worker settings
func DefaultConfig() Config {
	return Config{
		ReviewTimeout: 3 * time.Minute,
		BatchLimit:    10,
	}
}

// Worker drains the task queue once per invocation.
type Worker struct {
	repo     *database.Repository
	reviewer llm.Reviewer
	cfg      Config
	log      zerolog.Logger
}

// NewWorker creates an analysis worker
func NewWorker(repo *database.Repository, reviewer llm.Reviewer, cfg Config, log zerolog.Logger) *Worker {
	return &Worker{
		repo:     repo,
		reviewer: reviewer,
		cfg:      cfg,
		log:      log.With().Str("component", "analysis_worker").Logger(),
	}
}

// RunOnce polls for claimable tasks and processes each one it wins. Safe to
// invoke repeatedly and concurrently; lost claims are silent no-ops. Returns
// the number of tasks this worker completed or failed.
func (w *Worker) RunOnce(ctx context.Context, now time.Time) (int, error) {
	tasks, err := w.repo.PollPendingTasks(ctx, now, w.cfg.BatchLimit)
	if err != nil {
		return 0, fmt.Errorf("poll pending tasks: %w", err)
	}

	processed := 0
	for _, candidate := range tasks {
		task, err := w.repo.ClaimTask(ctx, candidate.TaskID, now)
		if err != nil {
			if database.IsBusy(err) {
				w.log.Warn().Err(err).Str("task_id", candidate.TaskID).Msg("store busy; leaving task for next run")
				continue
			}
			return processed, err
		}
		if task == nil {
			// Another worker won the claim.
			continue
		}
		metrics.TasksClaimedTotal.Inc()

		w.process(ctx, task, now)
		processed++
	}
	return processed, nil
}

// process runs one claimed task to DONE or a failed attempt.
func (w *Worker) process(ctx context.Context, task *database.AsyncTask, now time.Time) {
	log := w.log.With().Str("task_id", task.TaskID).Str("entity_id", task.EntityID).Int("attempt", task.Attempts).Logger()

	if task.TaskType != database.TaskTypeAnalyzeExecuted {
		w.fail(ctx, task, fmt.Sprintf("%s: %s", ErrCodeUnknownType, task.TaskType), now)
		return
	}

	pos, err := w.repo.GetPosition(ctx, task.EntityID)
	if err != nil || pos == nil {
		w.fail(ctx, task, fmt.Sprintf("%s: %s", ErrCodePositionMissing, task.EntityID), now)
		return
	}

	reviewCtx, cancel := context.WithTimeout(ctx, w.cfg.ReviewTimeout)
	result, err := w.reviewer.Review(reviewCtx, pos)
	cancel()
	if err != nil {
		code := ErrCodeReviewFailed
		if reviewCtx.Err() != nil {
			code = ErrCodeTimeout
		}
		w.fail(ctx, task, fmt.Sprintf("%s: %v", code, err), now)
		return
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		w.fail(ctx, task, fmt.Sprintf("%s: marshal: %v", ErrCodeReviewFailed, err), now)
		return
	}

	if err := w.repo.SetPositionAnalysis(ctx, pos.PositionID, string(resultJSON), now); err != nil {
		w.fail(ctx, task, fmt.Sprintf("%s: persist: %v", ErrCodeReviewFailed, err), now)
		return
	}
	if err := w.repo.MarkTaskDone(ctx, task.TaskID, string(resultJSON), now); err != nil {
		log.Error().Err(err).Msg("task result persisted but DONE transition failed")
		return
	}

	// Budget accrual is an observational side channel; a failure here never
	// unwinds the completed review.
	if err := w.repo.AddAPISpend(ctx, w.reviewer.CostUSD(), now); err != nil {
		log.Warn().Err(err).Msg("api spend accrual failed")
	}

	log.Info().Str("verdict", result.Judge.Verdict).Float64("trade_confidence", result.TradeConfidenceScore).Msg("analysis complete")
}

func (w *Worker) fail(ctx context.Context, task *database.AsyncTask, taskErr string, now time.Time) {
	metrics.TaskFailuresTotal.Inc()
	if err := w.repo.MarkTaskFailed(ctx, task.TaskID, taskErr, task.Attempts, now); err != nil {
		w.log.Error().Err(err).Str("task_id", task.TaskID).Msg("failed-attempt transition failed")
		return
	}
	if task.Attempts >= database.MaxTaskAttempts {
		w.log.Error().Str("task_id", task.TaskID).Str("error", taskErr).Msg("task permanently failed")
	} else {
		w.log.Warn().Str("task_id", task.TaskID).Str("error", taskErr).Int("attempt", task.Attempts).Msg("attempt failed; scheduled for retry")
	}
}
