package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Repository provides data access methods over the canonical store.
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.conn.PingContext(ctx)
}

// GetDB returns the underlying DB instance
func (r *Repository) GetDB() *DB {
	return r.db
}

// ============================================================================
// DECISIONS
// ============================================================================

// RecordDecision inserts a decision row. Replays of an already-recorded
// decision_id are idempotent no-ops.
func (r *Repository) RecordDecision(ctx context.Context, d *Decision) error {
	query := `
		INSERT INTO decisions (decision_id, signal_id, policy_version, result, stage,
		                       reason_code, gate_failed, gate_name, evidence_json, timings_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(decision_id) DO NOTHING
	`
	_, err := r.db.conn.ExecContext(ctx, query,
		d.DecisionID, d.SignalID, d.PolicyVersion, d.Result, d.Stage,
		d.ReasonCode, d.GateFailed, d.GateName, d.EvidenceJSON, d.TimingsJSON,
		encodeTime(d.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("record decision %s: %w", d.DecisionID, err)
	}
	return nil
}

// GetDecision retrieves a decision by id
func (r *Repository) GetDecision(ctx context.Context, decisionID string) (*Decision, error) {
	query := `
		SELECT decision_id, signal_id, policy_version, result, stage, reason_code,
		       gate_failed, gate_name, evidence_json, timings_json, created_at
		FROM decisions WHERE decision_id = ?
	`
	var d Decision
	var createdAt string
	err := r.db.conn.QueryRowContext(ctx, query, decisionID).Scan(
		&d.DecisionID, &d.SignalID, &d.PolicyVersion, &d.Result, &d.Stage,
		&d.ReasonCode, &d.GateFailed, &d.GateName, &d.EvidenceJSON, &d.TimingsJSON, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if d.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	return &d, nil
}

// FindExecuteDecision returns the EXECUTE decision recorded for a
// (signal, policy version) pair, if any. Used to recognize re-emitted
// signals instead of re-deciding them.
func (r *Repository) FindExecuteDecision(ctx context.Context, signalID, policyVersion string) (*Decision, error) {
	query := `
		SELECT decision_id FROM decisions
		WHERE signal_id = ? AND policy_version = ? AND result = 'EXECUTE'
	`
	var id string
	err := r.db.conn.QueryRowContext(ctx, query, signalID, policyVersion).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r.GetDecision(ctx, id)
}

// GetRecentDecisions returns the most recent decisions, newest first
func (r *Repository) GetRecentDecisions(ctx context.Context, limit int) ([]*Decision, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT decision_id, signal_id, policy_version, result, stage, reason_code,
		       gate_failed, gate_name, evidence_json, timings_json, created_at
		FROM decisions ORDER BY created_at DESC LIMIT ?
	`
	rows, err := r.db.conn.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Decision
	for rows.Next() {
		var d Decision
		var createdAt string
		if err := rows.Scan(
			&d.DecisionID, &d.SignalID, &d.PolicyVersion, &d.Result, &d.Stage,
			&d.ReasonCode, &d.GateFailed, &d.GateName, &d.EvidenceJSON, &d.TimingsJSON, &createdAt,
		); err != nil {
			return nil, err
		}
		if d.CreatedAt, err = decodeTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// ============================================================================
// PORTFOLIO
// ============================================================================

// GetPortfolio returns the singleton portfolio row, or a zero-value paper
// portfolio if it was never initialized.
func (r *Repository) GetPortfolio(ctx context.Context) (*Portfolio, error) {
	query := `
		SELECT balance_usd, starting_balance_usd, mode, open_positions,
		       daily_pnl_usd, daily_pnl_pct, drawdown_pct, updated_at
		FROM portfolio WHERE id = 1
	`
	var p Portfolio
	var updatedAt string
	err := r.db.conn.QueryRowContext(ctx, query).Scan(
		&p.BalanceUSD, &p.StartingBalanceUSD, &p.Mode, &p.OpenPositions,
		&p.DailyPnLUSD, &p.DailyPnLPct, &p.DrawdownPct, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return &Portfolio{Mode: ModePaper}, nil
	}
	if err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// InitPortfolio seeds the singleton portfolio row if absent
func (r *Repository) InitPortfolio(ctx context.Context, balanceUSD float64, mode string, now time.Time) error {
	query := `
		INSERT INTO portfolio (id, balance_usd, starting_balance_usd, mode, open_positions,
		                       daily_pnl_usd, drawdown_pct, updated_at)
		VALUES (1, ?, ?, ?, 0, 0, 0, ?)
		ON CONFLICT(id) DO NOTHING
	`
	_, err := r.db.conn.ExecContext(ctx, query, balanceUSD, balanceUSD, mode, encodeTime(now))
	return err
}

// ============================================================================
// FLAGS, CIRCUITS, API SPEND
// ============================================================================

// GetFlag reads a system flag value ("" when unset)
func (r *Repository) GetFlag(ctx context.Context, name string) (string, error) {
	var value string
	err := r.db.conn.QueryRowContext(ctx,
		`SELECT value FROM system_flags WHERE name = ?`, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// SetFlag upserts a system flag
func (r *Repository) SetFlag(ctx context.Context, name, value string, now time.Time) error {
	_, err := r.db.conn.ExecContext(ctx, `
		INSERT INTO system_flags (name, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, name, value, encodeTime(now))
	return err
}

// KillSwitchFlag is the system flag name for the process-wide kill switch.
const KillSwitchFlag = "kill_switch"

// GetOpenCircuits returns the names of dependencies whose breaker is open
func (r *Repository) GetOpenCircuits(ctx context.Context) ([]string, error) {
	rows, err := r.db.conn.QueryContext(ctx,
		`SELECT name FROM circuit_states WHERE state = 'open' ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// SetCircuitState upserts the breaker state for a named dependency
func (r *Repository) SetCircuitState(ctx context.Context, name, state string, now time.Time) error {
	_, err := r.db.conn.ExecContext(ctx, `
		INSERT INTO circuit_states (name, state, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at
	`, name, state, encodeTime(now))
	return err
}

// AddAPISpend accrues paid-API spend against the day and month buckets
func (r *Repository) AddAPISpend(ctx context.Context, usd float64, now time.Time) error {
	day := now.UTC().Format("2006-01-02")
	month := now.UTC().Format("2006-01")
	for _, period := range []string{day, month} {
		_, err := r.db.conn.ExecContext(ctx, `
			INSERT INTO api_spend (period, spend_usd) VALUES (?, ?)
			ON CONFLICT(period) DO UPDATE SET spend_usd = spend_usd + excluded.spend_usd
		`, period, usd)
		if err != nil {
			return err
		}
	}
	return nil
}

// GetAPISpend returns (day, month) paid-API spend in USD for the given time
func (r *Repository) GetAPISpend(ctx context.Context, now time.Time) (float64, float64, error) {
	read := func(period string) (float64, error) {
		var usd float64
		err := r.db.conn.QueryRowContext(ctx,
			`SELECT spend_usd FROM api_spend WHERE period = ?`, period).Scan(&usd)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return usd, err
	}
	day, err := read(now.UTC().Format("2006-01-02"))
	if err != nil {
		return 0, 0, err
	}
	month, err := read(now.UTC().Format("2006-01"))
	if err != nil {
		return 0, 0, err
	}
	return day, month, nil
}

// ============================================================================
// POLICY CONFIGS
// ============================================================================

// RegisterPolicyVersion inserts a policy version; the first registered
// version becomes active.
func (r *Repository) RegisterPolicyVersion(ctx context.Context, version, configJSON string, now time.Time) error {
	var count int
	if err := r.db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM policy_configs`).Scan(&count); err != nil {
		return err
	}
	active := 0
	if count == 0 {
		active = 1
	}
	res, err := r.db.conn.ExecContext(ctx, `
		INSERT INTO policy_configs (policy_version, config_json, is_active, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(policy_version) DO NOTHING
	`, version, configJSON, active, encodeTime(now))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrPolicyVersionExists, version)
	}
	return nil
}

// GetActivePolicyVersion returns the currently active policy version
func (r *Repository) GetActivePolicyVersion(ctx context.Context) (string, error) {
	var version string
	err := r.db.conn.QueryRowContext(ctx,
		`SELECT policy_version FROM policy_configs WHERE is_active = 1 LIMIT 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return version, err
}

// PromotePolicyVersion atomically flips the active-policy pointer
func (r *Repository) PromotePolicyVersion(ctx context.Context, version string, now time.Time) error {
	tx, err := r.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE policy_configs SET is_active = 1 WHERE policy_version = ?
	`, version)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("policy version %s is not registered", version)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE policy_configs SET is_active = 0 WHERE policy_version != ?
	`, version); err != nil {
		return err
	}
	return tx.Commit()
}
