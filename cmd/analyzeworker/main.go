// analyzeworker drains the async analysis queue once: it claims PENDING
// tasks, runs the four-stage LLM review on each executed position, and
// records the verdict. Cron invokes it every few minutes; a second instance
// running concurrently is safe because claims are guarded updates.
package main

import (
	"context"
	"os"
	"time"

	"github.com/joho/godotenv"

	"sanad-trader/config"
	"sanad-trader/internal/ai/llm"
	"sanad-trader/internal/analysis"
	"sanad-trader/internal/database"
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
		Component:  "analyzeworker",
	})

	if !cfg.AIConfig.Enabled {
		logger.Info().Msg("analysis disabled, nothing to do")
		return
	}

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

	repo := database.NewRepository(db)
	reviewer := llm.NewChainReviewer(llm.NewClient(cfg.AIConfig.ToClientConfig()))
	worker := analysis.NewWorker(repo, reviewer, cfg.WorkerConfig, logger)

	processed, err := worker.RunOnce(ctx, time.Now().UTC())
	if err != nil {
		logger.Fatal().Err(err).Msg("worker run failed")
	}
	logger.Info().Int("processed", processed).Msg("worker run complete")
}
