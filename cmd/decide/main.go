// decide runs the fast decision path once: read a raw signal, evaluate the
// policy gates, size an entry, and open the position atomically. It is meant
// to be invoked by cron or a feed dispatcher, one process per signal.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"

	"sanad-trader/config"
	"sanad-trader/internal/database"
	"sanad-trader/internal/decision"
	"sanad-trader/internal/logging"
	"sanad-trader/internal/policy"
	"sanad-trader/internal/pricing"
)

func main() {
	signalPath := flag.String("signal", "-", "raw signal JSON file, or - for stdin")
	extPath := flag.String("ext", "", "external inputs JSON file (verification, exchange health)")
	nowISO := flag.String("now", "", "override clock, RFC3339 (for replay)")
	policyVersion := flag.String("policy", "", "override policy version (default: active)")
	flag.Parse()

	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(&logging.Config{
		Level:      cfg.LoggingConfig.Level,
		JSONFormat: cfg.LoggingConfig.JSONFormat,
		Component:  "decide",
	})

	now := time.Now().UTC()
	if *nowISO != "" {
		if now, err = time.Parse(time.RFC3339, *nowISO); err != nil {
			logger.Fatal().Err(err).Msg("invalid -now value")
		}
	}

	raw, err := readJSONMap(*signalPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("read signal")
	}

	var ext decision.ExternalInputs
	if *extPath != "" {
		data, err := os.ReadFile(*extPath)
		if err != nil {
			logger.Fatal().Err(err).Msg("read external inputs")
		}
		if err := json.Unmarshal(data, &ext); err != nil {
			logger.Fatal().Err(err).Msg("parse external inputs")
		}
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

	version := *policyVersion
	if version == "" {
		if version, err = repo.GetActivePolicyVersion(ctx); err != nil {
			logger.Fatal().Err(err).Msg("resolve active policy")
		}
	}
	if version == "" {
		// First run on a fresh store. Register the built-in limits as v1.
		version = "v1"
		limitsJSON, _ := json.Marshal(cfg.PolicyLimits)
		if err := repo.RegisterPolicyVersion(ctx, version, string(limitsJSON), now); err != nil {
			logger.Fatal().Err(err).Msg("register initial policy")
		}
	}

	engine := decision.NewEngine(
		repo,
		policy.NewEngine(cfg.PolicyLimits),
		pricing.NewHTTPProvider(cfg.PricingConfig.BaseURL, cfg.PricingConfig.Timeout),
		cfg.DecisionConfig,
		version,
		logger,
	)

	outcome, err := engine.ProcessSignal(ctx, raw, ext, now)
	if err != nil {
		logger.Fatal().Err(err).Msg("process signal")
	}

	out, _ := json.MarshalIndent(outcome, "", "  ")
	fmt.Println(string(out))
}

func readJSONMap(path string) (map[string]any, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("signal is not a JSON object: %w", err)
	}
	return raw, nil
}
