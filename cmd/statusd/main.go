// statusd is the only long-running process: a read-only HTTP surface over
// the shared store, plus the Prometheus metrics endpoint.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"sanad-trader/config"
	"sanad-trader/internal/api"
	"sanad-trader/internal/database"
	"sanad-trader/internal/health"
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
		Component:  "statusd",
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
	checker := health.NewChecker(repo, cfg.HealthConfig, logger)
	server := api.NewServer(repo, checker, logger, cfg.ServerConfig.Debug)

	addr := fmt.Sprintf("%s:%d", cfg.ServerConfig.Host, cfg.ServerConfig.Port)
	if err := server.Run(addr); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
}
