package database

import (
	"context"
	"fmt"
)

// RunMigrations creates the schema. Every statement is idempotent so the
// migration runs on every process start.
func (db *DB) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS decisions (
			decision_id    TEXT PRIMARY KEY,
			signal_id      TEXT NOT NULL,
			policy_version TEXT NOT NULL,
			result         TEXT NOT NULL,
			stage          TEXT NOT NULL,
			reason_code    TEXT NOT NULL DEFAULT '',
			gate_failed    INTEGER,
			gate_name      TEXT,
			evidence_json  TEXT NOT NULL DEFAULT '{}',
			timings_json   TEXT NOT NULL DEFAULT '{}',
			created_at     TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_signal ON decisions(signal_id)`,
		// At most one EXECUTE per (signal, policy version).
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_decisions_execute
			ON decisions(signal_id, policy_version) WHERE result = 'EXECUTE'`,

		`CREATE TABLE IF NOT EXISTS positions (
			position_id     TEXT PRIMARY KEY,
			decision_id     TEXT NOT NULL,
			status          TEXT NOT NULL DEFAULT 'OPEN',
			token_address   TEXT NOT NULL,
			chain           TEXT NOT NULL,
			strategy_id     TEXT NOT NULL DEFAULT '',
			regime_tag      TEXT NOT NULL DEFAULT '',
			source_primary  TEXT NOT NULL DEFAULT '',
			category        TEXT NOT NULL DEFAULT '',
			entry_price     REAL NOT NULL,
			exit_price      REAL,
			qty             REAL NOT NULL,
			size_usd        REAL NOT NULL,
			entry_fill_id   TEXT,
			exit_fill_id    TEXT,
			gross_pnl_usd   REAL,
			net_pnl_usd     REAL,
			pnl_pct         REAL,
			fees_usd        REAL,
			reward_real     REAL,
			learning_status TEXT NOT NULL DEFAULT '',
			async_analysis_json     TEXT,
			async_analysis_complete INTEGER NOT NULL DEFAULT 0,
			opened_at       TEXT NOT NULL,
			closed_at       TEXT,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_decision ON positions(decision_id)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_learning ON positions(status, learning_status)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_token ON positions(token_address, chain)`,

		`CREATE TABLE IF NOT EXISTS fills (
			fill_id       TEXT PRIMARY KEY,
			position_id   TEXT NOT NULL,
			side          TEXT NOT NULL,
			venue         TEXT NOT NULL DEFAULT '',
			expected_price REAL,
			exec_price    REAL NOT NULL,
			qty           REAL NOT NULL,
			fee_bps       REAL NOT NULL DEFAULT 0,
			fee_usd       REAL NOT NULL DEFAULT 0,
			slippage_bps  REAL NOT NULL DEFAULT 0,
			notional_usd  REAL NOT NULL DEFAULT 0,
			created_at    TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fills_position ON fills(position_id)`,

		`CREATE TABLE IF NOT EXISTS tasks (
			task_id     TEXT PRIMARY KEY,
			entity_id   TEXT NOT NULL,
			task_type   TEXT NOT NULL,
			status      TEXT NOT NULL DEFAULT 'PENDING',
			attempts    INTEGER NOT NULL DEFAULT 0,
			next_run_at TEXT NOT NULL,
			last_error  TEXT NOT NULL DEFAULT '',
			result_json TEXT,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_claimable ON tasks(status, next_run_at)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_entity_type ON tasks(entity_id, task_type)`,

		`CREATE TABLE IF NOT EXISTS bandit_strategy_stats (
			strategy_id TEXT NOT NULL,
			regime_tag  TEXT NOT NULL,
			alpha       REAL NOT NULL DEFAULT 1,
			beta        REAL NOT NULL DEFAULT 1,
			n           INTEGER NOT NULL DEFAULT 0,
			updated_at  TEXT NOT NULL,
			PRIMARY KEY (strategy_id, regime_tag)
		)`,

		`CREATE TABLE IF NOT EXISTS source_ucb_stats (
			source_id  TEXT PRIMARY KEY,
			n          INTEGER NOT NULL DEFAULT 0,
			reward_sum REAL NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS portfolio (
			id                   INTEGER PRIMARY KEY CHECK (id = 1),
			balance_usd          REAL NOT NULL DEFAULT 0,
			starting_balance_usd REAL NOT NULL DEFAULT 0,
			mode                 TEXT NOT NULL DEFAULT 'paper',
			open_positions       INTEGER NOT NULL DEFAULT 0,
			daily_pnl_usd        REAL NOT NULL DEFAULT 0,
			daily_pnl_pct        REAL,
			drawdown_pct         REAL NOT NULL DEFAULT 0,
			updated_at           TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS policy_configs (
			policy_version TEXT PRIMARY KEY,
			config_json    TEXT NOT NULL DEFAULT '{}',
			is_active      INTEGER NOT NULL DEFAULT 0,
			created_at     TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS eval_runs (
			run_id            TEXT PRIMARY KEY,
			candidate_version TEXT NOT NULL,
			baseline_version  TEXT NOT NULL,
			folds             INTEGER NOT NULL,
			pass_rate         REAL NOT NULL,
			median_delta      REAL NOT NULL,
			decision          TEXT NOT NULL,
			reason            TEXT NOT NULL,
			created_at        TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS eval_folds (
			run_id         TEXT NOT NULL,
			fold_index     INTEGER NOT NULL,
			test_start     TEXT NOT NULL,
			test_end       TEXT NOT NULL,
			candidate_json TEXT NOT NULL,
			baseline_json  TEXT NOT NULL,
			passed         INTEGER NOT NULL,
			PRIMARY KEY (run_id, fold_index)
		)`,

		`CREATE TABLE IF NOT EXISTS system_flags (
			name       TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS circuit_states (
			name       TEXT PRIMARY KEY,
			state      TEXT NOT NULL DEFAULT 'closed',
			updated_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS api_spend (
			period    TEXT PRIMARY KEY,
			spend_usd REAL NOT NULL DEFAULT 0
		)`,
	}

	for _, migration := range migrations {
		if _, err := db.conn.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
