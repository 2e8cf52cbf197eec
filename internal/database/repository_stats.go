package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// GetBanditStats returns the Beta parameters for one (strategy, regime) arm.
// An unseen arm returns the Beta(1, 1) prior with n=0.
func (r *Repository) GetBanditStats(ctx context.Context, strategyID, regimeTag string) (*BanditStrategyStat, error) {
	query := `
		SELECT strategy_id, regime_tag, alpha, beta, n, updated_at
		FROM bandit_strategy_stats
		WHERE strategy_id = ? AND regime_tag = ?
	`
	var s BanditStrategyStat
	var updatedAt string
	err := r.db.conn.QueryRowContext(ctx, query, strategyID, regimeTag).Scan(
		&s.StrategyID, &s.RegimeTag, &s.Alpha, &s.Beta, &s.N, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &BanditStrategyStat{StrategyID: strategyID, RegimeTag: regimeTag, Alpha: 1, Beta: 1}, nil
	}
	if err != nil {
		return nil, err
	}
	if s.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetSourceUcbStats returns the accumulator for one canonicalized source.
// An unseen source returns zeros.
func (r *Repository) GetSourceUcbStats(ctx context.Context, sourceID string) (*SourceUcbStat, error) {
	sourceID = CanonicalSource(sourceID)
	query := `SELECT source_id, n, reward_sum, updated_at FROM source_ucb_stats WHERE source_id = ?`
	var s SourceUcbStat
	var updatedAt string
	err := r.db.conn.QueryRowContext(ctx, query, sourceID).Scan(&s.SourceID, &s.N, &s.RewardSum, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &SourceUcbStat{SourceID: sourceID}, nil
	}
	if err != nil {
		return nil, err
	}
	if s.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

// CanonicalSource normalizes a source identifier before keying stats
func CanonicalSource(sourceID string) string {
	s := strings.ToLower(strings.TrimSpace(sourceID))
	if s == "" {
		return "unknown"
	}
	return s
}

// ApplyLearningOutcome consumes one closed position's win/loss outcome into
// the bandit and UCB tables, exactly once. The claim is a guarded UPDATE on
// learning_status='PENDING' inside the same transaction as the stat updates;
// a lost claim returns ErrLearningNotClaimed so callers can report "skipped"
// without double counting.
func (r *Repository) ApplyLearningOutcome(ctx context.Context, pos *Position, now time.Time) error {
	if pos.Status != PositionStatusClosed || pos.PnLPct == nil {
		return fmt.Errorf("position %s is not a closed, settled position", pos.PositionID)
	}
	win := *pos.PnLPct > 0

	tx, err := r.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE positions SET learning_status = 'DONE', updated_at = ?
		WHERE position_id = ? AND status = 'CLOSED' AND learning_status = 'PENDING'
	`, encodeTime(now), pos.PositionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrLearningNotClaimed, pos.PositionID)
	}

	alphaInc, betaInc, reward := 0.0, 1.0, 0.0
	if win {
		alphaInc, betaInc, reward = 1.0, 0.0, 1.0
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO bandit_strategy_stats (strategy_id, regime_tag, alpha, beta, n, updated_at)
		VALUES (?, ?, 1 + ?, 1 + ?, 1, ?)
		ON CONFLICT(strategy_id, regime_tag) DO UPDATE SET
			alpha = alpha + ?, beta = beta + ?, n = n + 1, updated_at = ?
	`, pos.StrategyID, pos.RegimeTag, alphaInc, betaInc, encodeTime(now),
		alphaInc, betaInc, encodeTime(now)); err != nil {
		return err
	}

	source := CanonicalSource(pos.SourcePrimary)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO source_ucb_stats (source_id, n, reward_sum, updated_at)
		VALUES (?, 1, ?, ?)
		ON CONFLICT(source_id) DO UPDATE SET
			n = n + 1, reward_sum = reward_sum + ?, updated_at = ?
	`, source, reward, encodeTime(now), reward, encodeTime(now)); err != nil {
		return err
	}

	return tx.Commit()
}
