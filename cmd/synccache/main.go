// synccache mirrors portfolio, open positions, recent decisions, and task
// backlog into JSON files so dashboards can read state without touching the
// database. Files are written atomically; a stale file beats a torn one.
package main

import (
	"context"
	"os"
	"time"

	"github.com/joho/godotenv"

	"sanad-trader/config"
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
		Component:  "synccache",
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

	repo := database.NewRepository(db)
	if err := repo.SyncJSONCache(ctx, cfg.CacheConfig.Dir, time.Now().UTC(), logger); err != nil {
		logger.Fatal().Err(err).Msg("cache sync failed")
	}
	logger.Info().Str("dir", cfg.CacheConfig.Dir).Msg("cache synced")
}
