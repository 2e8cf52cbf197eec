package database

import (
	"context"
	"fmt"
	"strings"
)

// AvgSlippageForPositions returns the mean fill slippage in basis points
// across all fills of the given positions (round-trip average). Zero when
// there are no fills.
func (r *Repository) AvgSlippageForPositions(ctx context.Context, positionIDs []string) (float64, error) {
	if len(positionIDs) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(positionIDs)), ",")
	args := make([]any, len(positionIDs))
	for i, id := range positionIDs {
		args[i] = id
	}
	var avg *float64
	err := r.db.conn.QueryRowContext(ctx,
		`SELECT AVG(slippage_bps) FROM fills WHERE position_id IN (`+placeholders+`)`,
		args...).Scan(&avg)
	if err != nil {
		return 0, err
	}
	if avg == nil {
		return 0, nil
	}
	return *avg, nil
}

// RecordEvalRun persists a walk-forward run and its folds in one
// transaction. Runs are append-only audit records, written regardless of the
// PROMOTE/HOLD outcome.
func (r *Repository) RecordEvalRun(ctx context.Context, run *EvalRun, folds []*EvalFold) error {
	tx, err := r.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO eval_runs (run_id, candidate_version, baseline_version, folds,
		                       pass_rate, median_delta, decision, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.RunID, run.CandidateVersion, run.BaselineVersion, run.Folds,
		run.PassRate, run.MedianDelta, run.Decision, run.Reason, encodeTime(run.CreatedAt))
	if err != nil {
		return fmt.Errorf("record eval run %s: %w", run.RunID, err)
	}

	for _, fold := range folds {
		passed := 0
		if fold.Passed {
			passed = 1
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO eval_folds (run_id, fold_index, test_start, test_end, candidate_json, baseline_json, passed)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, run.RunID, fold.FoldIndex, encodeTime(fold.TestStart), encodeTime(fold.TestEnd),
			fold.CandidateJSON, fold.BaselineJSON, passed)
		if err != nil {
			return fmt.Errorf("record eval fold %d: %w", fold.FoldIndex, err)
		}
	}

	return tx.Commit()
}

// GetEvalRun retrieves one eval run by id
func (r *Repository) GetEvalRun(ctx context.Context, runID string) (*EvalRun, error) {
	query := `
		SELECT run_id, candidate_version, baseline_version, folds, pass_rate, median_delta, decision, reason, created_at
		FROM eval_runs WHERE run_id = ?
	`
	var run EvalRun
	var createdAt string
	err := r.db.conn.QueryRowContext(ctx, query, runID).Scan(
		&run.RunID, &run.CandidateVersion, &run.BaselineVersion, &run.Folds,
		&run.PassRate, &run.MedianDelta, &run.Decision, &run.Reason, &createdAt)
	if err != nil {
		return nil, err
	}
	if run.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	return &run, nil
}
