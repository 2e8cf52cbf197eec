package policy

import (
	"strings"
	"testing"
	"time"
)

func ptrF(v float64) *float64 { return &v }
func ptrB(v bool) *bool       { return &v }
func ptrT(v time.Time) *time.Time {
	return &v
}

// healthySnapshot returns a snapshot that passes every gate at defaults.
func healthySnapshot(now time.Time) Snapshot {
	return Snapshot{
		Now: now,
		Portfolio: PortfolioView{
			BalanceUSD:         900,
			StartingBalanceUSD: 1000,
			OpenPositions:      1,
		},
		PriceAsOf:         ptrT(now.Add(-10 * time.Second)),
		OnChainAsOf:       ptrT(now.Add(-20 * time.Second)),
		TokenDeployedAt:   ptrT(now.Add(-2 * time.Hour)),
		EstSlippageBps:    ptrF(40),
		SpreadBps:         ptrF(30),
		PreflightSimOK:    ptrB(true),
		PriceMove5mPct:    ptrF(3.0),
		ExchangeErrorRate: ptrF(0.01),
		FeedConnected:     ptrB(true),
		ReconcileAsOf:     ptrT(now.Add(-5 * time.Minute)),
		TrustScore:        ptrF(0.80),
		ConfidenceScore:   ptrF(0.70),
		AuditVerdict:      VerdictApprove,
	}
}

func dexProposal() Proposal {
	return Proposal{
		TokenAddress: "0xabc",
		Chain:        "solana",
		Category:     "meme",
		StrategyID:   "momentum_default",
		VenueType:    VenueDEX,
		SizeUSD:      100,
	}
}

func TestEvaluatePassesHealthySnapshot(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	engine := NewEngine(DefaultLimits())

	result := engine.Evaluate(dexProposal(), healthySnapshot(now))
	if !result.Pass {
		t.Fatalf("expected pass, blocked by gate %d (%s): %s",
			result.GateFailed, result.GateName, result.Evidence)
	}
}

func TestEvaluateShortCircuitsOnFirstFailure(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	engine := NewEngine(DefaultLimits())

	// Violate gate 2 (daily loss) and gate 15 (trust score) at once; the
	// reported gate must be the earlier one.
	snap := healthySnapshot(now)
	snap.Portfolio.DailyPnLPct = ptrF(-6.0)
	snap.TrustScore = ptrF(0.10)

	result := engine.Evaluate(dexProposal(), snap)
	if result.Pass {
		t.Fatal("expected block")
	}
	if result.GateFailed != 2 || result.GateName != "capital_preservation" {
		t.Errorf("reported gate %d (%s), want 2 (capital_preservation)", result.GateFailed, result.GateName)
	}
	if !strings.Contains(result.Evidence, "Daily loss limit hit") {
		t.Errorf("evidence %q does not name the daily loss limit", result.Evidence)
	}
}

func TestCircuitBreakerValve(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	engine := NewEngine(DefaultLimits())

	snap := healthySnapshot(now)
	snap.OpenCircuits = []string{"dexscreener", "rugcheck", "helius"}

	result := engine.Evaluate(dexProposal(), snap)
	if result.Pass {
		t.Fatal("expected block with 3 open circuits")
	}
	if result.GateFailed != 0 || result.GateName != "circuit_breaker" {
		t.Errorf("valve must report index 0, got %d (%s)", result.GateFailed, result.GateName)
	}

	// Two open circuits stay under the limit.
	snap.OpenCircuits = snap.OpenCircuits[:2]
	if result := engine.Evaluate(dexProposal(), snap); !result.Pass {
		t.Errorf("2 open circuits must not trip the valve: %s", result.Evidence)
	}
}

func TestIndividualGates(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	engine := NewEngine(DefaultLimits())

	tests := []struct {
		name     string
		proposal func() Proposal
		mutate   func(*Snapshot)
		wantGate int
	}{
		{
			name:     "kill switch blocks everything",
			mutate:   func(s *Snapshot) { s.KillSwitch = true },
			wantGate: 1,
		},
		{
			name:     "drawdown limit",
			mutate:   func(s *Snapshot) { s.Portfolio.DrawdownPct = 20 },
			wantGate: 2,
		},
		{
			name:     "missing price timestamp fails closed",
			mutate:   func(s *Snapshot) { s.PriceAsOf = nil },
			wantGate: 3,
		},
		{
			name:     "stale on-chain data",
			mutate:   func(s *Snapshot) { s.OnChainAsOf = ptrT(now.Add(-5 * time.Minute)) },
			wantGate: 3,
		},
		{
			name:     "young token",
			mutate:   func(s *Snapshot) { s.TokenDeployedAt = ptrT(now.Add(-10 * time.Minute)) },
			wantGate: 4,
		},
		{
			name: "early launch strategy is exempt from token age",
			proposal: func() Proposal {
				p := dexProposal()
				p.EarlyLaunch = true
				return p
			},
			mutate:   func(s *Snapshot) { s.TokenDeployedAt = ptrT(now.Add(-10 * time.Minute)) },
			wantGate: 0, // pass
		},
		{
			name:     "rug flags",
			mutate:   func(s *Snapshot) { s.RugFlags = []string{"mint_authority_live"} },
			wantGate: 5,
		},
		{
			name:     "slippage over limit",
			mutate:   func(s *Snapshot) { s.EstSlippageBps = ptrF(200) },
			wantGate: 6,
		},
		{
			name: "spread gate applies to CEX",
			proposal: func() Proposal {
				p := dexProposal()
				p.VenueType = VenueCEX
				return p
			},
			mutate:   func(s *Snapshot) { s.SpreadBps = ptrF(120) },
			wantGate: 7,
		},
		{
			name:     "wide spread ignored on DEX",
			mutate:   func(s *Snapshot) { s.SpreadBps = ptrF(120) },
			wantGate: 0, // pass
		},
		{
			name:     "preflight sim failed",
			mutate:   func(s *Snapshot) { s.PreflightSimOK = ptrB(false) },
			wantGate: 8,
		},
		{
			name: "preflight sim not required on CEX",
			proposal: func() Proposal {
				p := dexProposal()
				p.VenueType = VenueCEX
				return p
			},
			mutate:   func(s *Snapshot) { s.PreflightSimOK = nil },
			wantGate: 0, // pass
		},
		{
			name:     "extreme move without catalyst",
			mutate:   func(s *Snapshot) { s.PriceMove5mPct = ptrF(-30) },
			wantGate: 9,
		},
		{
			name: "extreme move with verified catalyst passes",
			mutate: func(s *Snapshot) {
				s.PriceMove5mPct = ptrF(-30)
				s.CatalystVerified = true
			},
			wantGate: 0, // pass
		},
		{
			name:     "no recorded move passes",
			mutate:   func(s *Snapshot) { s.PriceMove5mPct = nil },
			wantGate: 0, // pass
		},
		{
			name:     "exchange error rate",
			mutate:   func(s *Snapshot) { s.ExchangeErrorRate = ptrF(0.10) },
			wantGate: 10,
		},
		{
			name:     "feed disconnected",
			mutate:   func(s *Snapshot) { s.FeedConnected = ptrB(false) },
			wantGate: 10,
		},
		{
			name:     "reconciliation mismatch",
			mutate:   func(s *Snapshot) { s.ReconcileMismatch = true },
			wantGate: 11,
		},
		{
			name:     "max open positions",
			mutate:   func(s *Snapshot) { s.Portfolio.OpenPositions = 5 },
			wantGate: 12,
		},
		{
			name: "category allocation",
			mutate: func(s *Snapshot) {
				s.CategoryExposurePct = map[string]float64{"meme": 35}
			},
			wantGate: 12,
		},
		{
			name:     "token in cooldown",
			mutate:   func(s *Snapshot) { s.LastTradeOnToken = ptrT(now.Add(-10 * time.Minute)) },
			wantGate: 13,
		},
		{
			name:     "cooldown expired passes",
			mutate:   func(s *Snapshot) { s.LastTradeOnToken = ptrT(now.Add(-2 * time.Hour)) },
			wantGate: 0, // pass
		},
		{
			name:     "daily budget spent",
			mutate:   func(s *Snapshot) { s.APISpendDayUSD = 25 },
			wantGate: 14,
		},
		{
			name:     "monthly budget spent",
			mutate:   func(s *Snapshot) { s.APISpendMonthUSD = 300 },
			wantGate: 14,
		},
		{
			name:     "audit verdict REJECT",
			mutate:   func(s *Snapshot) { s.AuditVerdict = VerdictReject },
			wantGate: 15,
		},
		{
			name:     "trust score missing fails closed",
			mutate:   func(s *Snapshot) { s.TrustScore = nil },
			wantGate: 15,
		},
		{
			name:     "confidence below floor",
			mutate:   func(s *Snapshot) { s.ConfidenceScore = ptrF(0.40) },
			wantGate: 15,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := healthySnapshot(now)
			tt.mutate(&snap)

			proposal := dexProposal()
			if tt.proposal != nil {
				proposal = tt.proposal()
			}

			result := engine.Evaluate(proposal, snap)
			if tt.wantGate == 0 {
				if !result.Pass {
					t.Errorf("expected pass, blocked by gate %d (%s): %s",
						result.GateFailed, result.GateName, result.Evidence)
				}
				return
			}
			if result.Pass {
				t.Fatalf("expected block by gate %d", tt.wantGate)
			}
			if result.GateFailed != tt.wantGate {
				t.Errorf("blocked by gate %d (%s), want %d", result.GateFailed, result.GateName, tt.wantGate)
			}
			if result.Evidence == "" {
				t.Error("blocked result must carry evidence")
			}
		})
	}
}

func TestGateCount(t *testing.T) {
	if n := GateCount(); n != 15 {
		t.Errorf("gate sequence has %d entries, want 15", n)
	}
}

func TestDailyLossPctResolution(t *testing.T) {
	t.Run("precomputed percentage wins", func(t *testing.T) {
		p := PortfolioView{DailyPnLPct: ptrF(-3.5), DailyPnLUSD: -100, StartingBalanceUSD: 1000}
		if got := p.DailyLossPct(); got != -3.5 {
			t.Errorf("got %v, want -3.5", got)
		}
	})
	t.Run("derived from USD and starting balance", func(t *testing.T) {
		p := PortfolioView{DailyPnLUSD: -50, StartingBalanceUSD: 1000}
		if got := p.DailyLossPct(); got != -5.0 {
			t.Errorf("got %v, want -5.0", got)
		}
	})
	t.Run("absent data is zero loss", func(t *testing.T) {
		if got := (PortfolioView{}).DailyLossPct(); got != 0 {
			t.Errorf("got %v, want 0", got)
		}
	})
}
