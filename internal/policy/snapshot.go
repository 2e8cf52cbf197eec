// Package policy implements the fifteen-gate sequential veto pipeline that
// decides PASS/BLOCK for one trade proposal. The engine performs no I/O:
// callers assemble every portfolio, health, and verification input into an
// immutable Snapshot before evaluation, so a single decision can never race
// against state changes.
package policy

import "time"

// Venue types for cost-model selection (spread gate vs pre-flight sim).
const (
	VenueCEX = "CEX"
	VenueDEX = "DEX"
)

// Audit verdicts carried in the snapshot.
const (
	VerdictApprove = "APPROVE"
	VerdictReject  = "REJECT"
)

// Proposal is one trade the fast decision path wants to execute.
type Proposal struct {
	TokenAddress string
	Chain        string
	Category     string
	StrategyID   string
	// EarlyLaunch marks strategies explicitly scoped to very young tokens,
	// which exempts them from the token-age gate.
	EarlyLaunch bool
	VenueType   string
	SizeUSD     float64
}

// PortfolioView is the capital-preservation slice of the snapshot. Loss may
// arrive either as a precomputed percentage or as raw USD plus a starting
// balance; the gate treats wholly absent data as 0% loss, never as a block.
type PortfolioView struct {
	BalanceUSD         float64
	StartingBalanceUSD float64
	Mode               string
	OpenPositions      int
	DailyPnLUSD        float64
	DailyPnLPct        *float64
	DrawdownPct        float64
}

// Snapshot is the immutable world-state one evaluation runs against.
type Snapshot struct {
	Now time.Time

	KillSwitch bool
	Portfolio  PortfolioView

	// Data freshness.
	PriceAsOf   *time.Time
	OnChainAsOf *time.Time

	// Token verification evidence.
	TokenDeployedAt *time.Time
	RugFlags        []string

	// Execution cost model.
	EstSlippageBps *float64
	SpreadBps      *float64
	PreflightSimOK *bool

	// Market conditions.
	PriceMove5mPct   *float64
	CatalystVerified bool

	// Exchange health.
	ExchangeErrorRate *float64
	FeedConnected     *bool

	// Reconciliation.
	ReconcileAsOf     *time.Time
	ReconcileMismatch bool

	// Exposure.
	CategoryExposurePct map[string]float64

	// Cooldown.
	LastTradeOnToken *time.Time

	// Paid-analysis budget.
	APISpendDayUSD   float64
	APISpendMonthUSD float64

	// Verification + audit stage outputs.
	TrustScore      *float64
	ConfidenceScore *float64
	AuditVerdict    string

	// Named external dependencies whose breaker is currently open.
	OpenCircuits []string
}

// Limits holds every gate threshold. Thresholds are configuration, not
// contract; the gate sequence and its ordering are the contract.
type Limits struct {
	MaxDailyLossPct      float64 `json:"max_daily_loss_pct"`
	MaxDrawdownPct       float64 `json:"max_drawdown_pct"`
	MaxDataAge           time.Duration
	MinTokenAge          time.Duration
	MaxSlippageBps       float64 `json:"max_slippage_bps"`
	MaxSpreadBps         float64 `json:"max_spread_bps"`
	MaxAbsMove5mPct      float64 `json:"max_abs_move_5m_pct"`
	MaxExchangeErrorRate float64 `json:"max_exchange_error_rate"`
	MaxReconcileAge      time.Duration
	MaxOpenPositions     int     `json:"max_open_positions"`
	MaxCategoryPct       float64 `json:"max_category_pct"`
	Cooldown             time.Duration
	DailyAPIBudgetUSD    float64 `json:"daily_api_budget_usd"`
	MonthlyAPIBudgetUSD  float64 `json:"monthly_api_budget_usd"`
	MinTrustScore        float64 `json:"min_trust_score"`
	MinConfidenceScore   float64 `json:"min_confidence_score"`
	// OpenCircuitLimit is the systemic-failure valve: this many simultaneous
	// open breakers blocks everything regardless of gate outcomes.
	OpenCircuitLimit int `json:"open_circuit_limit"`
}

// DefaultLimits returns conservative reference thresholds
func DefaultLimits() Limits {
	return Limits{
		MaxDailyLossPct:      5.0,
		MaxDrawdownPct:       15.0,
		MaxDataAge:           90 * time.Second,
		MinTokenAge:          30 * time.Minute,
		MaxSlippageBps:       150,
		MaxSpreadBps:         80,
		MaxAbsMove5mPct:      25.0,
		MaxExchangeErrorRate: 0.05,
		MaxReconcileAge:      15 * time.Minute,
		MaxOpenPositions:     5,
		MaxCategoryPct:       30.0,
		Cooldown:             60 * time.Minute,
		DailyAPIBudgetUSD:    25.0,
		MonthlyAPIBudgetUSD:  300.0,
		MinTrustScore:        0.60,
		MinConfidenceScore:   0.55,
		OpenCircuitLimit:     3,
	}
}

// DailyLossPct resolves the portfolio's daily loss percentage. Preference
// order: precomputed percentage, then USD over starting balance, then 0.
func (p PortfolioView) DailyLossPct() float64 {
	if p.DailyPnLPct != nil {
		return *p.DailyPnLPct
	}
	if p.StartingBalanceUSD > 0 {
		return p.DailyPnLUSD / p.StartingBalanceUSD * 100.0
	}
	return 0
}
