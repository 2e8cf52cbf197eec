package decision

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"sanad-trader/internal/database"
	"sanad-trader/internal/policy"
	"sanad-trader/internal/pricing"
)

func fptr(v float64) *float64 { return &v }
func bptr(v bool) *bool       { return &v }
func tptr(v time.Time) *time.Time {
	return &v
}

func newEngineFixture(t *testing.T, quotes pricing.QuoteProvider) (*Engine, *database.Repository) {
	t.Helper()
	db, err := database.NewDB(database.DefaultConfig(filepath.Join(t.TempDir(), "engine_test.db")))
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.RunMigrations(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	repo := database.NewRepository(db)
	engine := NewEngine(repo, policy.NewEngine(policy.DefaultLimits()), quotes, DefaultConfig(), "v1", zerolog.Nop())
	return engine, repo
}

func strongSignal(now time.Time) map[string]any {
	return map[string]any{
		"token_address":       "0xstrong",
		"chain":               "solana",
		"source":              "whalewatch",
		"signal_type":         "whale_buy",
		"rugcheck_score":      90.0,
		"corroboration_count": 3.0,
		"volume_24h_usd":      2_000_000.0,
		"regime_tag":          "trending",
		"deployed_at":         now.Add(-2 * time.Hour).Format(time.RFC3339),
	}
}

func healthyExt(now time.Time) ExternalInputs {
	return ExternalInputs{
		OnChainAsOf:       tptr(now.Add(-20 * time.Second)),
		PreflightSimOK:    bptr(true),
		ExchangeErrorRate: fptr(0.01),
		FeedConnected:     bptr(true),
		ReconcileAsOf:     tptr(now.Add(-5 * time.Minute)),
		TrustScore:        fptr(0.80),
		AuditVerdict:      policy.VerdictApprove,
		VenueType:         policy.VenueDEX,
	}
}

func goodQuote(now time.Time) *pricing.StaticProvider {
	return &pricing.StaticProvider{Price: pricing.Quote{
		PriceUSD:       1.50,
		LiquidityUSD:   2_000_000,
		EstSlippageBps: 10,
		AsOf:           now.Add(-5 * time.Second),
	}}
}

func TestProcessSignal(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 18, 15, 0, 0, 0, time.UTC)

	t.Run("strong signal executes and opens a position", func(t *testing.T) {
		engine, repo := newEngineFixture(t, goodQuote(now))
		if err := repo.InitPortfolio(ctx, 1000, database.ModePaper, now); err != nil {
			t.Fatalf("init portfolio: %v", err)
		}

		outcome, err := engine.ProcessSignal(ctx, strongSignal(now), healthyExt(now), now)
		if err != nil {
			t.Fatalf("process: %v", err)
		}
		if outcome.Decision.Result != database.DecisionExecute {
			t.Fatalf("result %s (%s): %s", outcome.Decision.Result, outcome.Decision.ReasonCode, outcome.Decision.EvidenceJSON)
		}
		if outcome.Position == nil {
			t.Fatal("EXECUTE outcome must carry a position")
		}
		// Cold-start sizing: 7.5% of $1000 cash.
		if outcome.Position.SizeUSD != 75 {
			t.Errorf("size = %v, want 75 on a fresh strategy arm", outcome.Position.SizeUSD)
		}
		if outcome.Position.StrategyID != "whale_follow" {
			t.Errorf("strategy = %s, want whale_follow for whale_buy", outcome.Position.StrategyID)
		}
	})

	t.Run("re-emitted signal is recognized, not re-executed", func(t *testing.T) {
		engine, repo := newEngineFixture(t, goodQuote(now))
		if err := repo.InitPortfolio(ctx, 1000, database.ModePaper, now); err != nil {
			t.Fatalf("init portfolio: %v", err)
		}

		first, err := engine.ProcessSignal(ctx, strongSignal(now), healthyExt(now), now)
		if err != nil {
			t.Fatalf("first process: %v", err)
		}
		second, err := engine.ProcessSignal(ctx, strongSignal(now), healthyExt(now), now.Add(time.Minute))
		if err != nil {
			t.Fatalf("replay process: %v", err)
		}
		if !second.AlreadyExisted {
			t.Error("replay must be recognized as a duplicate")
		}
		if second.Decision.DecisionID != first.Decision.DecisionID {
			t.Errorf("replay decided %s, want %s", second.Decision.DecisionID, first.Decision.DecisionID)
		}

		portfolio, _ := repo.GetPortfolio(ctx)
		if portfolio.OpenPositions != 1 {
			t.Errorf("replay opened another position: %d open", portfolio.OpenPositions)
		}
	})

	t.Run("weak signal is skipped below the score floor", func(t *testing.T) {
		engine, repo := newEngineFixture(t, goodQuote(now))
		if err := repo.InitPortfolio(ctx, 1000, database.ModePaper, now); err != nil {
			t.Fatalf("init portfolio: %v", err)
		}

		weak := map[string]any{
			"token_address": "0xweak",
			"chain":         "solana",
		}
		outcome, err := engine.ProcessSignal(ctx, weak, healthyExt(now), now)
		if err != nil {
			t.Fatalf("process: %v", err)
		}
		if outcome.Decision.Result != database.DecisionSkip || outcome.Decision.ReasonCode != ReasonScoreBelowFloor {
			t.Errorf("result %s/%s, want SKIP/%s", outcome.Decision.Result, outcome.Decision.ReasonCode, ReasonScoreBelowFloor)
		}
		if outcome.Position != nil {
			t.Error("skip must not open a position")
		}
	})

	t.Run("quote failure records a SKIP decision", func(t *testing.T) {
		provider := &pricing.StaticProvider{Err: errors.New("aggregator timeout")}
		engine, repo := newEngineFixture(t, provider)
		if err := repo.InitPortfolio(ctx, 1000, database.ModePaper, now); err != nil {
			t.Fatalf("init portfolio: %v", err)
		}

		outcome, err := engine.ProcessSignal(ctx, strongSignal(now), healthyExt(now), now)
		if err != nil {
			t.Fatalf("process: %v", err)
		}
		if outcome.Decision.Result != database.DecisionSkip || outcome.Decision.ReasonCode != ReasonQuoteFailed {
			t.Errorf("result %s/%s, want SKIP/%s", outcome.Decision.Result, outcome.Decision.ReasonCode, ReasonQuoteFailed)
		}
	})

	t.Run("gate failure records a BLOCK with the gate index", func(t *testing.T) {
		engine, repo := newEngineFixture(t, goodQuote(now))
		if err := repo.InitPortfolio(ctx, 1000, database.ModePaper, now); err != nil {
			t.Fatalf("init portfolio: %v", err)
		}
		if err := repo.SetFlag(ctx, database.KillSwitchFlag, "1", now); err != nil {
			t.Fatalf("set kill switch: %v", err)
		}

		outcome, err := engine.ProcessSignal(ctx, strongSignal(now), healthyExt(now), now)
		if err != nil {
			t.Fatalf("process: %v", err)
		}
		if outcome.Decision.Result != database.DecisionBlock || outcome.Decision.ReasonCode != ReasonGateBlocked {
			t.Fatalf("result %s/%s, want BLOCK/%s", outcome.Decision.Result, outcome.Decision.ReasonCode, ReasonGateBlocked)
		}
		if outcome.Decision.GateFailed == nil || *outcome.Decision.GateFailed != 1 {
			t.Error("kill switch block must report gate 1")
		}
		if outcome.Position != nil {
			t.Error("block must not open a position")
		}
	})

	t.Run("malformed signal is rejected before any write", func(t *testing.T) {
		engine, repo := newEngineFixture(t, goodQuote(now))
		if _, err := engine.ProcessSignal(ctx, map[string]any{"chain": "solana"}, healthyExt(now), now); err == nil {
			t.Fatal("expected error for missing token_address")
		}
		decisions, _ := repo.GetRecentDecisions(ctx, 10)
		if len(decisions) != 0 {
			t.Errorf("rejected signal recorded %d decisions", len(decisions))
		}
	})
}
