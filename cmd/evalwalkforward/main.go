// evalwalkforward compares a candidate policy version against the active
// baseline over rolling test windows and records a PROMOTE or HOLD decision.
// The active policy only changes when -promote-if-pass is set and every
// promotion criterion holds.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"sanad-trader/config"
	"sanad-trader/internal/database"
	"sanad-trader/internal/eval"
	"sanad-trader/internal/logging"
)

func main() {
	candidate := flag.String("candidate", "", "candidate policy version (required)")
	baseline := flag.String("baseline", "", "baseline policy version (default: active)")
	promoteIfPass := flag.Bool("promote-if-pass", false, "flip the active policy when all criteria pass")
	trainDays := flag.Int("train-days", 0, "override training window days")
	testDays := flag.Int("test-days", 0, "override test window days")
	stepDays := flag.Int("step-days", 0, "override fold step days")
	horizonDays := flag.Int("horizon-days", 0, "override evaluation horizon days")
	nowISO := flag.String("now", "", "override clock, RFC3339 (pins fold boundaries for replay)")
	dbPath := flag.String("db", "", "override database path")
	flag.Parse()

	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := logging.New(&logging.Config{
		Level:      cfg.LoggingConfig.Level,
		JSONFormat: cfg.LoggingConfig.JSONFormat,
		Component:  "evalwalkforward",
	})

	if *candidate == "" {
		logger.Fatal().Msg("-candidate is required")
	}

	now := time.Now().UTC()
	if *nowISO != "" {
		if now, err = time.Parse(time.RFC3339, *nowISO); err != nil {
			logger.Fatal().Err(err).Msg("invalid -now value")
		}
	}
	if *dbPath != "" {
		cfg.DatabaseConfig.Path = *dbPath
	}

	evalCfg := cfg.EvalConfig
	evalCfg.PromoteIfPass = *promoteIfPass
	if *trainDays > 0 {
		evalCfg.TrainDays = *trainDays
	}
	if *testDays > 0 {
		evalCfg.TestDays = *testDays
	}
	if *stepDays > 0 {
		evalCfg.StepDays = *stepDays
	}
	if *horizonDays > 0 {
		evalCfg.HorizonDays = *horizonDays
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

	base := *baseline
	if base == "" {
		if base, err = repo.GetActivePolicyVersion(ctx); err != nil {
			logger.Fatal().Err(err).Msg("resolve active policy")
		}
		if base == "" {
			logger.Fatal().Msg("no active policy to use as baseline; pass -baseline")
		}
	}
	if base == *candidate {
		logger.Fatal().Msg("candidate and baseline must differ")
	}

	evaluator := eval.NewEvaluator(repo, evalCfg, logger)
	result, err := evaluator.Run(ctx, *candidate, base, now)
	if err != nil {
		logger.Fatal().Err(err).Msg("evaluation failed")
	}

	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))
}
