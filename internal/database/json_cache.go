package database

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// SyncJSONCache mirrors current portfolio, open-position, and recent-decision
// state into flat JSON files under stateDir for external dashboards. The
// cache is a one-way, best-effort projection: individual file failures are
// logged and skipped, and nothing ever reads these files back as input.
func (r *Repository) SyncJSONCache(ctx context.Context, stateDir string, now time.Time, log zerolog.Logger) error {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("create state dir %s: %w", stateDir, err)
	}

	portfolio, err := r.GetPortfolio(ctx)
	if err != nil {
		return err
	}
	open, err := r.GetOpenPositions(ctx)
	if err != nil {
		return err
	}
	decisions, err := r.GetRecentDecisions(ctx, 50)
	if err != nil {
		return err
	}
	taskCounts, err := r.CountTasksByStatus(ctx)
	if err != nil {
		return err
	}

	files := map[string]any{
		"portfolio.json":        portfolio,
		"open_positions.json":   open,
		"recent_decisions.json": decisions,
		"task_backlog.json": map[string]any{
			"counts":     taskCounts,
			"updated_at": now.UTC(),
		},
	}

	for name, payload := range files {
		if err := writeJSONFile(filepath.Join(stateDir, name), payload); err != nil {
			log.Warn().Err(err).Str("file", name).Msg("json cache sync skipped file")
		}
	}
	return nil
}

// writeJSONFile writes atomically via a temp file rename so dashboard readers
// never observe a torn write.
func writeJSONFile(path string, payload any) error {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
