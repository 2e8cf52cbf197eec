package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PositionIDFor derives a position id from its decision id and execution
// ordinal. Ordinal 0 is the normal case; higher ordinals exist only when a
// decision intentionally opens more than one position.
func PositionIDFor(decisionID string, ordinal int) string {
	return fmt.Sprintf("%s:%d", decisionID, ordinal)
}

// OpenPositionParams carries everything needed to open a position with its
// entry fill in a single transaction.
type OpenPositionParams struct {
	DecisionID    string
	Ordinal       int
	TokenAddress  string
	Chain         string
	StrategyID    string
	RegimeTag     string
	SourcePrimary string
	Category      string
	EntryPrice    float64
	SizeUSD       float64
	Venue         string
	ExpectedPrice *float64
	FeeBps        float64
	SlippageBps   float64
	Now           time.Time
}

// ClosePositionParams carries the exit side of a position.
type ClosePositionParams struct {
	PositionID    string
	ExitPrice     float64
	Venue         string
	ExpectedPrice *float64
	FeeBps        float64
	SlippageBps   float64
	Now           time.Time
}

// FilePosition is a position record tracked by the legacy flat-file pipeline,
// used by EnsureAndClosePosition to backfill the canonical store.
type FilePosition struct {
	PositionID    string
	DecisionID    string
	TokenAddress  string
	Chain         string
	StrategyID    string
	RegimeTag     string
	SourcePrimary string
	Category      string
	EntryPrice    float64
	SizeUSD       float64
	Venue         string
	FeeBps        float64
	OpenedAt      time.Time
}

// OpenPosition validates and opens a position with its entry fill in one
// transaction. Callers wanting idempotency must go through
// TryOpenPositionAtomic; a reused position_id here is a primary-key conflict.
func (r *Repository) OpenPosition(ctx context.Context, p OpenPositionParams) (*Position, error) {
	tx, err := r.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	pos, err := r.openPositionTx(ctx, tx, p)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return pos, nil
}

// TryOpenPositionAtomic is the production entry point for the fast decision
// path. If a position already exists for this decision/ordinal it is returned
// with alreadyExisted=true and nothing is written; otherwise the position is
// opened and exactly one ANALYZE_EXECUTED task is enqueued in the same
// transaction. At most one position and one task per decision, under any
// concurrency or replay.
func (r *Repository) TryOpenPositionAtomic(ctx context.Context, p OpenPositionParams) (*Position, bool, error) {
	positionID := PositionIDFor(p.DecisionID, p.Ordinal)

	if existing, err := r.GetPosition(ctx, positionID); err != nil {
		return nil, false, err
	} else if existing != nil {
		return existing, true, nil
	}

	tx, err := r.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	pos, err := r.openPositionTx(ctx, tx, p)
	if err != nil {
		// A concurrent caller may have won the insert race between our
		// existence check and the insert; the primary key resolves it.
		if isUniqueViolation(err) {
			tx.Rollback()
			existing, gerr := r.GetPosition(ctx, positionID)
			if gerr != nil {
				return nil, false, gerr
			}
			if existing != nil {
				return existing, true, nil
			}
		}
		return nil, false, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (task_id, entity_id, task_type, status, attempts, next_run_at, created_at, updated_at)
		VALUES (?, ?, ?, 'PENDING', 0, ?, ?, ?)
		ON CONFLICT(entity_id, task_type) DO NOTHING
	`, uuid.NewString(), positionID, TaskTypeAnalyzeExecuted,
		encodeTime(p.Now), encodeTime(p.Now), encodeTime(p.Now))
	if err != nil {
		return nil, false, fmt.Errorf("enqueue analysis task for %s: %w", positionID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return pos, false, nil
}

// openPositionTx does the validated insert of position + entry fill, and
// debits the portfolio so the later exit credit nets out. Every open path
// shares this so open/close portfolio accounting stays symmetric.
func (r *Repository) openPositionTx(ctx context.Context, tx *sql.Tx, p OpenPositionParams) (*Position, error) {
	if p.EntryPrice <= 0 {
		return nil, fmt.Errorf("%w: %.10f", ErrInvalidPrice, p.EntryPrice)
	}
	if p.SizeUSD < 0 {
		return nil, fmt.Errorf("%w: %.2f", ErrInvalidSize, p.SizeUSD)
	}

	positionID := PositionIDFor(p.DecisionID, p.Ordinal)
	qty, _ := decimal.NewFromFloat(p.SizeUSD).Div(decimal.NewFromFloat(p.EntryPrice)).Float64()

	fill, err := insertFillTx(ctx, tx, Fill{
		FillID:        uuid.NewString(),
		PositionID:    positionID,
		Side:          FillSideBuy,
		Venue:         p.Venue,
		ExpectedPrice: p.ExpectedPrice,
		ExecPrice:     p.EntryPrice,
		Qty:           qty,
		FeeBps:        p.FeeBps,
		SlippageBps:   p.SlippageBps,
		CreatedAt:     p.Now,
	})
	if err != nil {
		return nil, err
	}

	now := encodeTime(p.Now)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO positions (position_id, decision_id, status, token_address, chain,
		                       strategy_id, regime_tag, source_primary, category,
		                       entry_price, qty, size_usd, entry_fill_id,
		                       opened_at, created_at, updated_at)
		VALUES (?, ?, 'OPEN', ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, positionID, p.DecisionID, p.TokenAddress, p.Chain,
		p.StrategyID, p.RegimeTag, p.SourcePrimary, p.Category,
		p.EntryPrice, qty, p.SizeUSD, fill.FillID,
		now, now, now)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE portfolio SET balance_usd = balance_usd - ?, open_positions = open_positions + 1, updated_at = ?
		WHERE id = 1
	`, p.SizeUSD, now); err != nil {
		return nil, err
	}

	return &Position{
		PositionID:    positionID,
		DecisionID:    p.DecisionID,
		Status:        PositionStatusOpen,
		TokenAddress:  p.TokenAddress,
		Chain:         p.Chain,
		StrategyID:    p.StrategyID,
		RegimeTag:     p.RegimeTag,
		SourcePrimary: p.SourcePrimary,
		Category:      p.Category,
		EntryPrice:    p.EntryPrice,
		Qty:           qty,
		SizeUSD:       p.SizeUSD,
		EntryFillID:   &fill.FillID,
		OpenedAt:      p.Now,
		CreatedAt:     p.Now,
		UpdatedAt:     p.Now,
	}, nil
}

// ClosePosition transitions OPEN -> CLOSED exactly once, records the exit
// fill, computes PnL net of both fills' fees, clamps the learning reward into
// [-1, +1], and flags the position for the learning loop.
func (r *Repository) ClosePosition(ctx context.Context, p ClosePositionParams) (*Position, error) {
	if p.ExitPrice <= 0 {
		return nil, fmt.Errorf("%w: %.10f", ErrInvalidPrice, p.ExitPrice)
	}

	tx, err := r.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	pos, err := getPositionTx(ctx, tx, p.PositionID)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, p.PositionID)
	}
	if pos.Status == PositionStatusClosed {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyClosed, p.PositionID)
	}

	var entryFee float64
	if pos.EntryFillID != nil {
		if err := tx.QueryRowContext(ctx,
			`SELECT fee_usd FROM fills WHERE fill_id = ?`, *pos.EntryFillID).Scan(&entryFee); err != nil {
			return nil, fmt.Errorf("read entry fill for %s: %w", p.PositionID, err)
		}
	}

	exitFill, err := insertFillTx(ctx, tx, Fill{
		FillID:        uuid.NewString(),
		PositionID:    p.PositionID,
		Side:          FillSideSell,
		Venue:         p.Venue,
		ExpectedPrice: p.ExpectedPrice,
		ExecPrice:     p.ExitPrice,
		Qty:           pos.Qty,
		FeeBps:        p.FeeBps,
		SlippageBps:   p.SlippageBps,
		CreatedAt:     p.Now,
	})
	if err != nil {
		return nil, err
	}

	qty := decimal.NewFromFloat(pos.Qty)
	entryNotional := decimal.NewFromFloat(pos.EntryPrice).Mul(qty)
	exitNotional := decimal.NewFromFloat(p.ExitPrice).Mul(qty)
	gross := exitNotional.Sub(entryNotional)
	fees := decimal.NewFromFloat(entryFee).Add(decimal.NewFromFloat(exitFill.FeeUSD))
	net := gross.Sub(fees)

	var pnlPct float64
	if !entryNotional.IsZero() {
		pnlPct, _ = net.Div(entryNotional).Mul(decimal.NewFromInt(100)).Float64()
	}
	reward := clamp(pnlPct/100.0, -1.0, 1.0)

	grossF, _ := gross.Float64()
	feesF, _ := fees.Float64()
	netF, _ := net.Float64()

	res, err := tx.ExecContext(ctx, `
		UPDATE positions
		SET status = 'CLOSED', exit_price = ?, exit_fill_id = ?,
		    gross_pnl_usd = ?, fees_usd = ?, net_pnl_usd = ?, pnl_pct = ?, reward_real = ?,
		    learning_status = 'PENDING', closed_at = ?, updated_at = ?
		WHERE position_id = ? AND status = 'OPEN'
	`, p.ExitPrice, exitFill.FillID, grossF, feesF, netF, pnlPct, reward,
		encodeTime(p.Now), encodeTime(p.Now), p.PositionID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyClosed, p.PositionID)
	}

	exitProceeds, _ := exitNotional.Sub(decimal.NewFromFloat(exitFill.FeeUSD)).Float64()
	if _, err := tx.ExecContext(ctx, `
		UPDATE portfolio
		SET balance_usd = balance_usd + ?,
		    open_positions = MAX(open_positions - 1, 0),
		    daily_pnl_usd = daily_pnl_usd + ?,
		    updated_at = ?
		WHERE id = 1
	`, exitProceeds, netF, encodeTime(p.Now)); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return getPosition(ctx, r.db.conn, p.PositionID)
}

// EnsureAndClosePosition bridges a legacy file-tracked position into the
// canonical store before closing it. A missing position is synthesized as
// OPEN from the file record; a decision_id that is already bound to some
// other position fails loudly rather than overwriting unrelated history.
func (r *Repository) EnsureAndClosePosition(ctx context.Context, fp FilePosition, close ClosePositionParams) (*Position, error) {
	if fp.PositionID == "" {
		fp.PositionID = PositionIDFor(fp.DecisionID, 0)
	}
	close.PositionID = fp.PositionID

	existing, err := r.GetPosition(ctx, fp.PositionID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		conflict, err := r.findPositionByDecision(ctx, fp.DecisionID)
		if err != nil {
			return nil, err
		}
		if conflict != nil {
			return nil, fmt.Errorf("%w: decision %s is bound to position %s",
				ErrDecisionCollision, fp.DecisionID, conflict.PositionID)
		}
		opened := fp.OpenedAt
		if opened.IsZero() {
			opened = close.Now
		}
		if _, err := r.OpenPosition(ctx, OpenPositionParams{
			DecisionID:    fp.DecisionID,
			TokenAddress:  fp.TokenAddress,
			Chain:         fp.Chain,
			StrategyID:    fp.StrategyID,
			RegimeTag:     fp.RegimeTag,
			SourcePrimary: fp.SourcePrimary,
			Category:      fp.Category,
			EntryPrice:    fp.EntryPrice,
			SizeUSD:       fp.SizeUSD,
			Venue:         fp.Venue,
			FeeBps:        fp.FeeBps,
			Now:           opened,
		}); err != nil {
			return nil, err
		}
	} else if existing.TokenAddress != fp.TokenAddress || existing.Chain != fp.Chain {
		return nil, fmt.Errorf("%w: position %s holds %s/%s, file record says %s/%s",
			ErrDecisionCollision, fp.PositionID,
			existing.Chain, existing.TokenAddress, fp.Chain, fp.TokenAddress)
	}

	return r.ClosePosition(ctx, close)
}

// RecordFill inserts a standalone immutable fill row
func (r *Repository) RecordFill(ctx context.Context, f Fill) (*Fill, error) {
	tx, err := r.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	out, err := insertFillTx(ctx, tx, f)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

// insertFillTx computes notional and fee when not supplied and inserts the
// fill. notional = exec_price * qty; fee = notional * fee_bps / 10000.
func insertFillTx(ctx context.Context, tx *sql.Tx, f Fill) (*Fill, error) {
	if f.FillID == "" {
		f.FillID = uuid.NewString()
	}
	if f.NotionalUSD == 0 {
		f.NotionalUSD, _ = decimal.NewFromFloat(f.ExecPrice).
			Mul(decimal.NewFromFloat(f.Qty)).Float64()
	}
	if f.FeeUSD == 0 && f.FeeBps != 0 {
		f.FeeUSD, _ = decimal.NewFromFloat(f.NotionalUSD).
			Mul(decimal.NewFromFloat(f.FeeBps)).
			Div(decimal.NewFromInt(10000)).Float64()
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO fills (fill_id, position_id, side, venue, expected_price, exec_price,
		                   qty, fee_bps, fee_usd, slippage_bps, notional_usd, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, f.FillID, f.PositionID, f.Side, f.Venue, f.ExpectedPrice, f.ExecPrice,
		f.Qty, f.FeeBps, f.FeeUSD, f.SlippageBps, f.NotionalUSD, encodeTime(f.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert fill for %s: %w", f.PositionID, err)
	}
	return &f, nil
}

// SetPositionAnalysis stores the completed secondary-review result on the
// owning position.
func (r *Repository) SetPositionAnalysis(ctx context.Context, positionID, analysisJSON string, now time.Time) error {
	res, err := r.db.conn.ExecContext(ctx, `
		UPDATE positions SET async_analysis_json = ?, async_analysis_complete = 1, updated_at = ?
		WHERE position_id = ?
	`, analysisJSON, encodeTime(now), positionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
	}
	return nil
}

// ============================================================================
// POSITION QUERIES
// ============================================================================

const positionColumns = `
	position_id, decision_id, status, token_address, chain,
	strategy_id, regime_tag, source_primary, category,
	entry_price, exit_price, qty, size_usd, entry_fill_id, exit_fill_id,
	gross_pnl_usd, net_pnl_usd, pnl_pct, fees_usd, reward_real,
	learning_status, async_analysis_json, async_analysis_complete,
	opened_at, closed_at, created_at, updated_at`

// prefixedPositionColumns qualifies every position column with a table alias
// for join queries.
func prefixedPositionColumns(alias string) string {
	cols := strings.Split(positionColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return " " + strings.Join(cols, ", ")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (*Position, error) {
	var pos Position
	var openedAt, createdAt, updatedAt string
	var closedAt *string
	var complete int
	err := row.Scan(
		&pos.PositionID, &pos.DecisionID, &pos.Status, &pos.TokenAddress, &pos.Chain,
		&pos.StrategyID, &pos.RegimeTag, &pos.SourcePrimary, &pos.Category,
		&pos.EntryPrice, &pos.ExitPrice, &pos.Qty, &pos.SizeUSD, &pos.EntryFillID, &pos.ExitFillID,
		&pos.GrossPnLUSD, &pos.NetPnLUSD, &pos.PnLPct, &pos.FeesUSD, &pos.RewardReal,
		&pos.LearningStatus, &pos.AsyncAnalysisJSON, &complete,
		&openedAt, &closedAt, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	pos.AsyncAnalysisComplete = complete != 0
	if pos.OpenedAt, err = decodeTime(openedAt); err != nil {
		return nil, err
	}
	if pos.ClosedAt, err = decodeTimePtr(closedAt); err != nil {
		return nil, err
	}
	if pos.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	if pos.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return nil, err
	}
	return &pos, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func getPosition(ctx context.Context, q queryer, positionID string) (*Position, error) {
	query := `SELECT` + positionColumns + ` FROM positions WHERE position_id = ?`
	return scanPosition(q.QueryRowContext(ctx, query, positionID))
}

func getPositionTx(ctx context.Context, tx *sql.Tx, positionID string) (*Position, error) {
	return getPosition(ctx, tx, positionID)
}

// GetPosition retrieves a position by id (nil when absent)
func (r *Repository) GetPosition(ctx context.Context, positionID string) (*Position, error) {
	return getPosition(ctx, r.db.conn, positionID)
}

func (r *Repository) findPositionByDecision(ctx context.Context, decisionID string) (*Position, error) {
	query := `SELECT` + positionColumns + ` FROM positions WHERE decision_id = ? LIMIT 1`
	return scanPosition(r.db.conn.QueryRowContext(ctx, query, decisionID))
}

// GetOpenPositions retrieves all open positions, newest first
func (r *Repository) GetOpenPositions(ctx context.Context) ([]*Position, error) {
	query := `SELECT` + positionColumns + ` FROM positions WHERE status = 'OPEN' ORDER BY opened_at DESC`
	return r.queryPositions(ctx, query)
}

// GetOpenPositionsForToken retrieves open positions on one token
func (r *Repository) GetOpenPositionsForToken(ctx context.Context, tokenAddress, chain string) ([]*Position, error) {
	query := `SELECT` + positionColumns + ` FROM positions
		WHERE status = 'OPEN' AND token_address = ? AND chain = ?`
	return r.queryPositions(ctx, query, tokenAddress, chain)
}

// GetLastTradeOnToken returns the most recent position (any status) opened on
// a token, used by the cooldown gate.
func (r *Repository) GetLastTradeOnToken(ctx context.Context, tokenAddress, chain string) (*Position, error) {
	query := `SELECT` + positionColumns + ` FROM positions
		WHERE token_address = ? AND chain = ? ORDER BY opened_at DESC LIMIT 1`
	return scanPosition(r.db.conn.QueryRowContext(ctx, query, tokenAddress, chain))
}

// GetClosedPositionsForPolicy retrieves closed positions decided by one
// policy version whose closed_at falls in [start, end). Used by the
// walk-forward evaluator.
func (r *Repository) GetClosedPositionsForPolicy(ctx context.Context, policyVersion string, start, end time.Time) ([]*Position, error) {
	query := `SELECT` + prefixedPositionColumns("p") + `
		FROM positions p
		JOIN decisions d ON d.decision_id = p.decision_id
		WHERE p.status = 'CLOSED' AND d.policy_version = ?
		  AND p.closed_at >= ? AND p.closed_at < ?
		ORDER BY p.closed_at ASC`
	return r.queryPositions(ctx, query, policyVersion, encodeTime(start), encodeTime(end))
}

// GetLearnablePositions retrieves closed positions not yet consumed by the
// learning loop.
func (r *Repository) GetLearnablePositions(ctx context.Context, limit int) ([]*Position, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT` + positionColumns + ` FROM positions
		WHERE status = 'CLOSED' AND learning_status = 'PENDING'
		ORDER BY closed_at ASC LIMIT ?`
	return r.queryPositions(ctx, query, limit)
}

func (r *Repository) queryPositions(ctx context.Context, query string, args ...any) ([]*Position, error) {
	rows, err := r.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pos)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint violation")
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
