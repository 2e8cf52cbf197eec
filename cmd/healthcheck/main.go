// healthcheck runs the read-only probe set and exits non-zero when any
// check is critical, so cron or a supervisor can alert on the exit code.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"sanad-trader/config"
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
		Component:  "healthcheck",
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

	checker := health.NewChecker(database.NewRepository(db), cfg.HealthConfig, logger)
	report, err := checker.Run(ctx, time.Now().UTC())
	if err != nil {
		logger.Fatal().Err(err).Msg("health checks failed to run")
	}

	out, _ := json.MarshalIndent(report, "", "  ")
	fmt.Println(string(out))

	if !report.Healthy {
		os.Exit(2)
	}
}
