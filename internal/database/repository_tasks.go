package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// retryBackoff is the fixed retry schedule, keyed by the attempt number that
// just failed. A failure on the final attempt is terminal.
var retryBackoff = []time.Duration{
	300 * time.Second,  // after attempt 1
	900 * time.Second,  // after attempt 2
	3600 * time.Second, // after attempt 3
}

// MaxTaskAttempts is the total number of attempts a task gets before it is
// permanently FAILED: one initial attempt plus one per schedule entry.
const MaxTaskAttempts = 4

// PollPendingTasks returns claimable PENDING tasks whose next_run_at has
// elapsed, oldest first. Read-only; claiming is a separate atomic step.
func (r *Repository) PollPendingTasks(ctx context.Context, now time.Time, limit int) ([]*AsyncTask, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT task_id, entity_id, task_type, status, attempts, next_run_at, last_error, result_json, created_at, updated_at
		FROM tasks
		WHERE status = 'PENDING' AND next_run_at <= ?
		ORDER BY next_run_at ASC
		LIMIT ?
	`
	rows, err := r.db.conn.QueryContext(ctx, query, encodeTime(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AsyncTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// ClaimTask atomically transitions a task PENDING -> RUNNING and increments
// attempts. Returns nil when another worker won the race; attempts never
// moves on a lost claim.
func (r *Repository) ClaimTask(ctx context.Context, taskID string, now time.Time) (*AsyncTask, error) {
	res, err := r.db.conn.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'RUNNING', attempts = attempts + 1, updated_at = ?
		WHERE task_id = ? AND status = 'PENDING'
	`, encodeTime(now), taskID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	return r.GetTask(ctx, taskID)
}

// MarkTaskDone finalizes a successful task with its result payload
func (r *Repository) MarkTaskDone(ctx context.Context, taskID, resultJSON string, now time.Time) error {
	res, err := r.db.conn.ExecContext(ctx, `
		UPDATE tasks SET status = 'DONE', result_json = ?, last_error = '', updated_at = ?
		WHERE task_id = ? AND status = 'RUNNING'
	`, resultJSON, encodeTime(now), taskID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s is not RUNNING", ErrTaskNotClaimed, taskID)
	}
	return nil
}

// MarkTaskFailed records a failed attempt. While the schedule has entries
// left the task returns to PENDING with next_run_at pushed out by the
// schedule delay for attemptsNow; once the schedule is exhausted the task is
// permanently FAILED. taskErr should carry an ERR_*-prefixed code.
func (r *Repository) MarkTaskFailed(ctx context.Context, taskID, taskErr string, attemptsNow int, now time.Time) error {
	if attemptsNow >= MaxTaskAttempts {
		res, err := r.db.conn.ExecContext(ctx, `
			UPDATE tasks SET status = 'FAILED', last_error = ?, updated_at = ?
			WHERE task_id = ? AND status = 'RUNNING'
		`, taskErr, encodeTime(now), taskID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s is not RUNNING", ErrTaskNotClaimed, taskID)
		}
		return nil
	}

	delay := retryBackoff[attemptsNow-1]
	res, err := r.db.conn.ExecContext(ctx, `
		UPDATE tasks SET status = 'PENDING', last_error = ?, next_run_at = ?, updated_at = ?
		WHERE task_id = ? AND status = 'RUNNING'
	`, taskErr, encodeTime(now.Add(delay)), encodeTime(now), taskID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s is not RUNNING", ErrTaskNotClaimed, taskID)
	}
	return nil
}

// GetTask retrieves a task by id (nil when absent)
func (r *Repository) GetTask(ctx context.Context, taskID string) (*AsyncTask, error) {
	query := `
		SELECT task_id, entity_id, task_type, status, attempts, next_run_at, last_error, result_json, created_at, updated_at
		FROM tasks WHERE task_id = ?
	`
	task, err := scanTask(r.db.conn.QueryRowContext(ctx, query, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return task, err
}

// CountTasksByStatus returns task counts keyed by status
func (r *Repository) CountTasksByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.conn.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// GetStuckRunningTasks returns RUNNING tasks whose updated_at has not
// advanced within the timeout. These are never auto-reclaimed; the health
// check surfaces them to operators.
func (r *Repository) GetStuckRunningTasks(ctx context.Context, now time.Time, timeout time.Duration) ([]*AsyncTask, error) {
	query := `
		SELECT task_id, entity_id, task_type, status, attempts, next_run_at, last_error, result_json, created_at, updated_at
		FROM tasks
		WHERE status = 'RUNNING' AND updated_at < ?
	`
	rows, err := r.db.conn.QueryContext(ctx, query, encodeTime(now.Add(-timeout)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AsyncTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func scanTask(row rowScanner) (*AsyncTask, error) {
	var t AsyncTask
	var nextRunAt, createdAt, updatedAt string
	err := row.Scan(&t.TaskID, &t.EntityID, &t.TaskType, &t.Status, &t.Attempts,
		&nextRunAt, &t.LastError, &t.ResultJSON, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if t.NextRunAt, err = decodeTime(nextRunAt); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}
