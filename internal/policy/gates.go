package policy

import (
	"fmt"
	"strings"
)

// A gate is one predicate in the veto sequence. It returns ok=true to pass,
// or ok=false with a human-readable evidence string naming the limit and the
// observed value.
type gateFunc func(p Proposal, s Snapshot, l Limits) (ok bool, evidence string)

type gate struct {
	index int
	name  string
	check gateFunc
}

// gateKillSwitch blocks unconditionally while the process-wide kill switch
// flag is set.
func gateKillSwitch(_ Proposal, s Snapshot, _ Limits) (bool, string) {
	if s.KillSwitch {
		return false, "Kill switch engaged"
	}
	return true, ""
}

// gateCapitalPreservation blocks once daily loss or running drawdown breaches
// its limit. Wholly absent portfolio data resolves to 0% loss, not a block.
func gateCapitalPreservation(_ Proposal, s Snapshot, l Limits) (bool, string) {
	lossPct := s.Portfolio.DailyLossPct()
	if lossPct <= -l.MaxDailyLossPct {
		return false, fmt.Sprintf("Daily loss limit hit: %.2f%% <= -%.2f%%", lossPct, l.MaxDailyLossPct)
	}
	if s.Portfolio.DrawdownPct >= l.MaxDrawdownPct {
		return false, fmt.Sprintf("Drawdown limit hit: %.2f%% >= %.2f%%", s.Portfolio.DrawdownPct, l.MaxDrawdownPct)
	}
	return true, ""
}

// gateDataFreshness blocks stale or missing price/on-chain timestamps.
func gateDataFreshness(_ Proposal, s Snapshot, l Limits) (bool, string) {
	if s.PriceAsOf == nil {
		return false, "Price timestamp missing"
	}
	if age := s.Now.Sub(*s.PriceAsOf); age > l.MaxDataAge {
		return false, fmt.Sprintf("Price data stale: %s > %s", age.Round(1e9), l.MaxDataAge)
	}
	if s.OnChainAsOf == nil {
		return false, "On-chain timestamp missing"
	}
	if age := s.Now.Sub(*s.OnChainAsOf); age > l.MaxDataAge {
		return false, fmt.Sprintf("On-chain data stale: %s > %s", age.Round(1e9), l.MaxDataAge)
	}
	return true, ""
}

// gateTokenAge blocks very young tokens unless the strategy is explicitly
// scoped to early launches.
func gateTokenAge(p Proposal, s Snapshot, l Limits) (bool, string) {
	if p.EarlyLaunch {
		return true, ""
	}
	if s.TokenDeployedAt == nil {
		return false, "Token deploy time unknown"
	}
	if age := s.Now.Sub(*s.TokenDeployedAt); age < l.MinTokenAge {
		return false, fmt.Sprintf("Token too young: %s < %s", age.Round(1e9), l.MinTokenAge)
	}
	return true, ""
}

// gateRugpullSafety blocks on any rugpull/Sybil risk flag in the
// verification evidence.
func gateRugpullSafety(_ Proposal, s Snapshot, _ Limits) (bool, string) {
	if len(s.RugFlags) > 0 {
		return false, "Rug risk flags: " + strings.Join(s.RugFlags, ", ")
	}
	return true, ""
}

// gateLiquidity blocks excessive estimated slippage.
func gateLiquidity(_ Proposal, s Snapshot, l Limits) (bool, string) {
	if s.EstSlippageBps == nil {
		return false, "Slippage estimate missing"
	}
	if *s.EstSlippageBps > l.MaxSlippageBps {
		return false, fmt.Sprintf("Estimated slippage too high: %.0fbps > %.0fbps", *s.EstSlippageBps, l.MaxSlippageBps)
	}
	return true, ""
}

// gateSpread blocks excessive bid/ask spread on centralized venues only; DEX
// cost is covered by the pre-flight simulation instead.
func gateSpread(p Proposal, s Snapshot, l Limits) (bool, string) {
	if p.VenueType != VenueCEX {
		return true, ""
	}
	if s.SpreadBps == nil {
		return false, "Spread unknown for CEX venue"
	}
	if *s.SpreadBps > l.MaxSpreadBps {
		return false, fmt.Sprintf("Spread too wide: %.0fbps > %.0fbps", *s.SpreadBps, l.MaxSpreadBps)
	}
	return true, ""
}

// gatePreflightSim requires a successful dry-run sell simulation for DEX
// venues. This is the honeypot defense.
func gatePreflightSim(p Proposal, s Snapshot, _ Limits) (bool, string) {
	if p.VenueType != VenueDEX {
		return true, ""
	}
	if s.PreflightSimOK == nil {
		return false, "Pre-flight sell simulation not run"
	}
	if !*s.PreflightSimOK {
		return false, "Pre-flight sell simulation failed"
	}
	return true, ""
}

// gateVolatilityHalt blocks extreme short-window moves without a verified
// catalyst. No recorded move means nothing extreme was observed; staleness is
// the freshness gate's job.
func gateVolatilityHalt(_ Proposal, s Snapshot, l Limits) (bool, string) {
	if s.PriceMove5mPct == nil {
		return true, ""
	}
	move := *s.PriceMove5mPct
	if move < 0 {
		move = -move
	}
	if move > l.MaxAbsMove5mPct && !s.CatalystVerified {
		return false, fmt.Sprintf("Volatility halt: 5m move %.1f%% > %.1f%% with no verified catalyst", *s.PriceMove5mPct, l.MaxAbsMove5mPct)
	}
	return true, ""
}

// gateExchangeHealth blocks on elevated error rates or a disconnected feed.
func gateExchangeHealth(_ Proposal, s Snapshot, l Limits) (bool, string) {
	if s.ExchangeErrorRate == nil || s.FeedConnected == nil {
		return false, "Exchange health unknown"
	}
	if *s.ExchangeErrorRate > l.MaxExchangeErrorRate {
		return false, fmt.Sprintf("Exchange error rate elevated: %.1f%% > %.1f%%", *s.ExchangeErrorRate*100, l.MaxExchangeErrorRate*100)
	}
	if !*s.FeedConnected {
		return false, "Realtime feed disconnected"
	}
	return true, ""
}

// gateReconciliation blocks on stale reconciliation or any mismatch.
// Mismatches are surfaced, never auto-resolved.
func gateReconciliation(_ Proposal, s Snapshot, l Limits) (bool, string) {
	if s.ReconcileAsOf == nil {
		return false, "No reconciliation on record"
	}
	if age := s.Now.Sub(*s.ReconcileAsOf); age > l.MaxReconcileAge {
		return false, fmt.Sprintf("Reconciliation stale: %s > %s", age.Round(1e9), l.MaxReconcileAge)
	}
	if s.ReconcileMismatch {
		return false, "Reconciliation mismatch outstanding"
	}
	return true, ""
}

// gateExposureLimits blocks on max concurrent positions or category
// allocation.
func gateExposureLimits(p Proposal, s Snapshot, l Limits) (bool, string) {
	if s.Portfolio.OpenPositions >= l.MaxOpenPositions {
		return false, fmt.Sprintf("Max open positions reached: %d/%d", s.Portfolio.OpenPositions, l.MaxOpenPositions)
	}
	if p.Category != "" {
		if pct, ok := s.CategoryExposurePct[p.Category]; ok && pct >= l.MaxCategoryPct {
			return false, fmt.Sprintf("Category %q allocation %.1f%% >= %.1f%%", p.Category, pct, l.MaxCategoryPct)
		}
	}
	return true, ""
}

// gateCooldown blocks re-entering a token inside the cooldown window.
func gateCooldown(_ Proposal, s Snapshot, l Limits) (bool, string) {
	if s.LastTradeOnToken == nil {
		return true, ""
	}
	if since := s.Now.Sub(*s.LastTradeOnToken); since < l.Cooldown {
		return false, fmt.Sprintf("Token in cooldown: last trade %s ago < %s", since.Round(1e9), l.Cooldown)
	}
	return true, ""
}

// gateBudget blocks once daily or monthly paid-analysis spend is exhausted.
func gateBudget(_ Proposal, s Snapshot, l Limits) (bool, string) {
	if s.APISpendDayUSD >= l.DailyAPIBudgetUSD {
		return false, fmt.Sprintf("Daily analysis budget spent: $%.2f >= $%.2f", s.APISpendDayUSD, l.DailyAPIBudgetUSD)
	}
	if s.APISpendMonthUSD >= l.MonthlyAPIBudgetUSD {
		return false, fmt.Sprintf("Monthly analysis budget spent: $%.2f >= $%.2f", s.APISpendMonthUSD, l.MonthlyAPIBudgetUSD)
	}
	return true, ""
}

// gateVerification blocks on insufficient trust or confidence scores, or an
// explicit REJECT from the audit stage.
func gateVerification(_ Proposal, s Snapshot, l Limits) (bool, string) {
	if s.AuditVerdict == VerdictReject {
		return false, "Audit verdict REJECT"
	}
	if s.TrustScore == nil {
		return false, "Trust score missing"
	}
	if *s.TrustScore < l.MinTrustScore {
		return false, fmt.Sprintf("Trust score too low: %.2f < %.2f", *s.TrustScore, l.MinTrustScore)
	}
	if s.ConfidenceScore == nil {
		return false, "Confidence score missing"
	}
	if *s.ConfidenceScore < l.MinConfidenceScore {
		return false, fmt.Sprintf("Confidence too low: %.2f < %.2f", *s.ConfidenceScore, l.MinConfidenceScore)
	}
	return true, ""
}

// gateSequence is the ordered veto pipeline. Ordering is part of the
// contract: cheap, fundamental checks run before expensive verification so a
// reported gate index is a stable, prioritized operator signal.
var gateSequence = []gate{
	{1, "kill_switch", gateKillSwitch},
	{2, "capital_preservation", gateCapitalPreservation},
	{3, "data_freshness", gateDataFreshness},
	{4, "token_age", gateTokenAge},
	{5, "rugpull_safety", gateRugpullSafety},
	{6, "liquidity", gateLiquidity},
	{7, "spread", gateSpread},
	{8, "preflight_sim", gatePreflightSim},
	{9, "volatility_halt", gateVolatilityHalt},
	{10, "exchange_health", gateExchangeHealth},
	{11, "reconciliation", gateReconciliation},
	{12, "exposure_limits", gateExposureLimits},
	{13, "cooldown", gateCooldown},
	{14, "budget", gateBudget},
	{15, "verification", gateVerification},
}
