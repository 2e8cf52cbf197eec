// learnloop folds closed-position outcomes into the bandit and source
// statistics, exactly once per position. Safe to run from cron on overlap
// with itself; the guarded learning_status update arbitrates.
package main

import (
	"context"
	"os"
	"time"

	"github.com/joho/godotenv"

	"sanad-trader/config"
	"sanad-trader/internal/database"
	"sanad-trader/internal/learning"
	"sanad-trader/internal/logging"
)

func main() {
	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := logging.New(&logging.Config{
		Level:      cfg.LoggingConfig.Level,
		JSONFormat: cfg.LoggingConfig.JSONFormat,
		Component:  "learnloop",
	})

	ctx := context.Background()

	db, err := database.NewDB(database.Config{
		Path:        cfg.DatabaseConfig.Path,
		BusyTimeout: time.Duration(cfg.DatabaseConfig.BusyTimeoutMs) * time.Millisecond,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("open database")
	}
	defer db.Close()

	if err := db.RunMigrations(ctx); err != nil {
		logger.Fatal().Err(err).Msg("migrate")
	}

	loop := learning.NewLoop(database.NewRepository(db), logger)

	summary, err := loop.RunOnce(ctx, time.Now().UTC())
	if err != nil {
		logger.Fatal().Err(err).Msg("learning run failed")
	}
	logger.Info().
		Int("scanned", summary.Scanned).
		Int("applied", summary.Applied).
		Int("skipped", summary.Skipped).
		Msg("learning run complete")
}
