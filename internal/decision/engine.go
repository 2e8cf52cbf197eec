// Package decision implements the synchronous fast decision path:
// normalize, score, quote, gate, size, execute. The path makes exactly one
// blocking network call (the live price quote) and never calls an LLM; all
// slow secondary review is deferred to the async analysis queue.
package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"sanad-trader/internal/database"
	"sanad-trader/internal/metrics"
	"sanad-trader/internal/policy"
	"sanad-trader/internal/pricing"
	"sanad-trader/internal/signal"
	"sanad-trader/internal/strategy"
)

// Pipeline stages, recorded on every decision for observability.
const (
	StageNormalize = "normalize"
	StageScore     = "score"
	StageQuote     = "quote"
	StageGates     = "gates"
	StageSize      = "size"
	StageExecute   = "execute"
)

// Reason codes persisted with decisions.
const (
	ReasonScoreBelowFloor = "SCORE_BELOW_FLOOR"
	ReasonGateBlocked     = "GATE_BLOCKED"
	ReasonQuoteFailed     = "QUOTE_FAILED"
	ReasonExecuted        = "EXECUTED"
	ReasonDuplicate       = "DUPLICATE_SIGNAL"
)

// Config holds fast-path tuning.
type Config struct {
	ScoreFloor  float64      `json:"score_floor"`
	EntryFeeBps float64      `json:"entry_fee_bps"`
	Sizing      SizingConfig `json:"sizing"`
}

// DefaultConfig returns reference fast-path settings
func DefaultConfig() Config {
	return Config{
		ScoreFloor:  0.55,
		EntryFeeBps: 10,
		Sizing:      DefaultSizingConfig(),
	}
}

// ExternalInputs carries verification and health state assembled by upstream
// collaborators (verification stage, exchange monitors, reconciler). The
// engine copies them into the policy snapshot unchanged; absent values stay
// nil so the gates fail closed.
type ExternalInputs struct {
	OnChainAsOf       *time.Time `json:"onchain_as_of,omitempty"`
	RugFlags          []string   `json:"rug_flags,omitempty"`
	SpreadBps         *float64   `json:"spread_bps,omitempty"`
	PreflightSimOK    *bool      `json:"preflight_sim_ok,omitempty"`
	PriceMove5mPct    *float64   `json:"price_move_5m_pct,omitempty"`
	CatalystVerified  bool       `json:"catalyst_verified,omitempty"`
	ExchangeErrorRate *float64   `json:"exchange_error_rate,omitempty"`
	FeedConnected     *bool      `json:"feed_connected,omitempty"`
	ReconcileAsOf     *time.Time `json:"reconcile_as_of,omitempty"`
	ReconcileMismatch bool       `json:"reconcile_mismatch,omitempty"`
	TrustScore        *float64   `json:"trust_score,omitempty"`
	AuditVerdict      string     `json:"audit_verdict,omitempty"`
	VenueType         string     `json:"venue_type,omitempty"`
}

// Outcome is the result of processing one signal.
type Outcome struct {
	Decision       *database.Decision `json:"decision"`
	Position       *database.Position `json:"position,omitempty"`
	AlreadyExisted bool               `json:"already_existed"`
	Score          float64            `json:"score"`
}

// Engine is the fast decision path.
type Engine struct {
	repo          *database.Repository
	policy        *policy.Engine
	quotes        pricing.QuoteProvider
	cfg           Config
	policyVersion string
	log           zerolog.Logger
}

// NewEngine assembles a fast decision path
func NewEngine(repo *database.Repository, pol *policy.Engine, quotes pricing.QuoteProvider, cfg Config, policyVersion string, log zerolog.Logger) *Engine {
	return &Engine{
		repo:          repo,
		policy:        pol,
		quotes:        quotes,
		cfg:           cfg,
		policyVersion: policyVersion,
		log:           log.With().Str("component", "decision").Logger(),
	}
}

// ProcessSignal runs one signal through the full pipeline and records
// exactly one decision. Re-emitted signals that already produced an EXECUTE
// are recognized idempotently.
func (e *Engine) ProcessSignal(ctx context.Context, raw map[string]any, ext ExternalInputs, now time.Time) (*Outcome, error) {
	started := time.Now()
	timings := map[string]int64{}
	defer func() {
		metrics.DecisionDuration.Observe(time.Since(started).Seconds())
	}()

	// Stage 1: normalize.
	t0 := time.Now()
	sig, err := signal.Normalize(raw)
	timings[StageNormalize] = time.Since(t0).Milliseconds()
	if err != nil {
		return nil, fmt.Errorf("signal rejected: %w", err)
	}
	signalID := sig.ID()
	decisionID := signal.DecisionID(signalID, e.policyVersion)

	// Replay shortcut: an EXECUTE already recorded for this (signal, policy)
	// is returned as-is rather than re-decided.
	if prior, err := e.repo.FindExecuteDecision(ctx, signalID, e.policyVersion); err != nil {
		return nil, err
	} else if prior != nil {
		pos, _, err := e.reopenPrior(ctx, prior, sig, ext, now)
		if err != nil {
			return nil, err
		}
		e.log.Info().Str("signal_id", signalID).Msg("duplicate signal recognized")
		return &Outcome{Decision: prior, Position: pos, AlreadyExisted: true}, nil
	}

	// Stage 2: deterministic score.
	t0 = time.Now()
	sourceStat, err := e.repo.GetSourceUcbStats(ctx, sig.SourcePrimary)
	if err != nil {
		return nil, err
	}
	score := Score(sig, sourceStat.Grade())
	timings[StageScore] = time.Since(t0).Milliseconds()

	if score < e.cfg.ScoreFloor {
		evidence := fmt.Sprintf(`{"score": %.4f, "floor": %.4f, "source_grade": %q}`, score, e.cfg.ScoreFloor, sourceStat.Grade())
		d, err := e.recordDecision(ctx, decisionID, signalID, database.DecisionSkip, StageScore, ReasonScoreBelowFloor, nil, nil, evidence, timings, now)
		return &Outcome{Decision: d, Score: score}, err
	}

	// Stage 3: the path's single blocking network call.
	t0 = time.Now()
	quote, err := e.quotes.Quote(ctx, sig.TokenAddress, sig.Chain)
	timings[StageQuote] = time.Since(t0).Milliseconds()
	if err != nil {
		e.log.Warn().Err(err).Str("signal_id", signalID).Msg("quote failed")
		evidence := fmt.Sprintf(`{"error": %q}`, err.Error())
		d, rerr := e.recordDecision(ctx, decisionID, signalID, database.DecisionSkip, StageQuote, ReasonQuoteFailed, nil, nil, evidence, timings, now)
		if rerr != nil {
			return nil, rerr
		}
		return &Outcome{Decision: d, Score: score}, nil
	}

	// Stage 4: assemble the snapshot and run the gate sequence.
	t0 = time.Now()
	st := strategy.Match(sig)
	proposal := policy.Proposal{
		TokenAddress: sig.TokenAddress,
		Chain:        sig.Chain,
		Category:     st.Category,
		StrategyID:   st.ID,
		EarlyLaunch:  st.EarlyLaunch,
		VenueType:    venueOrDefault(ext.VenueType),
	}
	snap, err := e.buildSnapshot(ctx, sig, quote, ext, score, now)
	if err != nil {
		return nil, err
	}
	verdict := e.policy.Evaluate(proposal, *snap)
	timings[StageGates] = time.Since(t0).Milliseconds()

	if !verdict.Pass {
		metrics.GateBlocksTotal.WithLabelValues(verdict.GateName).Inc()
		evidenceJSON, _ := json.Marshal(map[string]any{
			"gate":     verdict.GateName,
			"evidence": verdict.Evidence,
			"score":    score,
		})
		var gateIdx *int
		if verdict.GateFailed > 0 {
			gateIdx = &verdict.GateFailed
		}
		name := verdict.GateName
		d, err := e.recordDecision(ctx, decisionID, signalID, database.DecisionBlock, StageGates, ReasonGateBlocked, gateIdx, &name, string(evidenceJSON), timings, now)
		return &Outcome{Decision: d, Score: score}, err
	}

	// Stage 5: dynamic Kelly sizing.
	t0 = time.Now()
	banditStat, err := e.repo.GetBanditStats(ctx, st.ID, sig.RegimeTag)
	if err != nil {
		return nil, err
	}
	sizeUSD := PositionSizeUSD(banditStat, snap.Portfolio.BalanceUSD, e.cfg.Sizing)
	timings[StageSize] = time.Since(t0).Milliseconds()

	// Stage 6: record the EXECUTE decision, then atomically open + enqueue.
	t0 = time.Now()
	evidenceJSON, _ := json.Marshal(map[string]any{
		"score":       score,
		"price_usd":   quote.PriceUSD,
		"size_usd":    sizeUSD,
		"strategy_id": st.ID,
		"kelly_n":     banditStat.N,
	})
	d, err := e.recordDecision(ctx, decisionID, signalID, database.DecisionExecute, StageExecute, ReasonExecuted, nil, nil, string(evidenceJSON), timings, now)
	if err != nil {
		return nil, err
	}

	pos, alreadyExisted, err := e.repo.TryOpenPositionAtomic(ctx, database.OpenPositionParams{
		DecisionID:    decisionID,
		TokenAddress:  sig.TokenAddress,
		Chain:         sig.Chain,
		StrategyID:    st.ID,
		RegimeTag:     sig.RegimeTag,
		SourcePrimary: sig.SourcePrimary,
		Category:      st.Category,
		EntryPrice:    quote.PriceUSD,
		SizeUSD:       sizeUSD,
		Venue:         proposal.VenueType,
		FeeBps:        e.cfg.EntryFeeBps,
		SlippageBps:   quote.EstSlippageBps,
		Now:           now,
	})
	timings[StageExecute] = time.Since(t0).Milliseconds()
	if err != nil {
		return nil, fmt.Errorf("atomic open for %s: %w", decisionID, err)
	}

	e.log.Info().
		Str("decision_id", decisionID).
		Str("position_id", pos.PositionID).
		Float64("size_usd", sizeUSD).
		Bool("already_existed", alreadyExisted).
		Msg("position opened")

	return &Outcome{Decision: d, Position: pos, AlreadyExisted: alreadyExisted, Score: score}, nil
}

// reopenPrior re-applies the atomic open for an already-decided signal; the
// store's idempotency returns the existing position without new writes.
func (e *Engine) reopenPrior(ctx context.Context, prior *database.Decision, sig *signal.Signal, ext ExternalInputs, now time.Time) (*database.Position, bool, error) {
	pos, existed, err := e.repo.TryOpenPositionAtomic(ctx, database.OpenPositionParams{
		DecisionID:   prior.DecisionID,
		TokenAddress: sig.TokenAddress,
		Chain:        sig.Chain,
		EntryPrice:   sig.PriceUSD,
		SizeUSD:      0,
		Venue:        venueOrDefault(ext.VenueType),
		Now:          now,
	})
	if err != nil {
		// The position normally exists already; a synthesis failure on a
		// malformed replay is not fatal to recognizing the duplicate.
		e.log.Warn().Err(err).Str("decision_id", prior.DecisionID).Msg("replay reopen failed")
		return nil, false, nil
	}
	return pos, existed, nil
}

// buildSnapshot assembles the immutable world-state for one evaluation from
// the store and the supplied external inputs.
func (e *Engine) buildSnapshot(ctx context.Context, sig *signal.Signal, quote *pricing.Quote, ext ExternalInputs, score float64, now time.Time) (*policy.Snapshot, error) {
	portfolio, err := e.repo.GetPortfolio(ctx)
	if err != nil {
		return nil, err
	}
	killSwitch, err := e.repo.GetFlag(ctx, database.KillSwitchFlag)
	if err != nil {
		return nil, err
	}
	openCircuits, err := e.repo.GetOpenCircuits(ctx)
	if err != nil {
		return nil, err
	}
	spendDay, spendMonth, err := e.repo.GetAPISpend(ctx, now)
	if err != nil {
		return nil, err
	}
	open, err := e.repo.GetOpenPositions(ctx)
	if err != nil {
		return nil, err
	}

	exposure := map[string]float64{}
	if portfolio.StartingBalanceUSD > 0 {
		for _, p := range open {
			exposure[p.Category] += p.SizeUSD / portfolio.StartingBalanceUSD * 100.0
		}
	}

	var lastTrade *time.Time
	if last, err := e.repo.GetLastTradeOnToken(ctx, sig.TokenAddress, sig.Chain); err != nil {
		return nil, err
	} else if last != nil {
		t := last.OpenedAt
		lastTrade = &t
	}

	asOf := quote.AsOf
	slippage := quote.EstSlippageBps
	confidence := score

	return &policy.Snapshot{
		Now:        now,
		KillSwitch: killSwitch == "1" || killSwitch == "true",
		Portfolio: policy.PortfolioView{
			BalanceUSD:         portfolio.BalanceUSD,
			StartingBalanceUSD: portfolio.StartingBalanceUSD,
			Mode:               portfolio.Mode,
			OpenPositions:      portfolio.OpenPositions,
			DailyPnLUSD:        portfolio.DailyPnLUSD,
			DailyPnLPct:        portfolio.DailyPnLPct,
			DrawdownPct:        portfolio.DrawdownPct,
		},
		PriceAsOf:           &asOf,
		OnChainAsOf:         ext.OnChainAsOf,
		TokenDeployedAt:     sig.DeployedAt,
		RugFlags:            ext.RugFlags,
		EstSlippageBps:      &slippage,
		SpreadBps:           ext.SpreadBps,
		PreflightSimOK:      ext.PreflightSimOK,
		PriceMove5mPct:      ext.PriceMove5mPct,
		CatalystVerified:    ext.CatalystVerified,
		ExchangeErrorRate:   ext.ExchangeErrorRate,
		FeedConnected:       ext.FeedConnected,
		ReconcileAsOf:       ext.ReconcileAsOf,
		ReconcileMismatch:   ext.ReconcileMismatch,
		CategoryExposurePct: exposure,
		LastTradeOnToken:    lastTrade,
		APISpendDayUSD:      spendDay,
		APISpendMonthUSD:    spendMonth,
		TrustScore:          ext.TrustScore,
		ConfidenceScore:     &confidence,
		AuditVerdict:        ext.AuditVerdict,
		OpenCircuits:        openCircuits,
	}, nil
}

func (e *Engine) recordDecision(ctx context.Context, decisionID, signalID, result, stage, reason string, gateFailed *int, gateName *string, evidenceJSON string, timings map[string]int64, now time.Time) (*database.Decision, error) {
	timingsJSON, _ := json.Marshal(timings)
	d := &database.Decision{
		DecisionID:    decisionID,
		SignalID:      signalID,
		PolicyVersion: e.policyVersion,
		Result:        result,
		Stage:         stage,
		ReasonCode:    reason,
		GateFailed:    gateFailed,
		GateName:      gateName,
		EvidenceJSON:  evidenceJSON,
		TimingsJSON:   string(timingsJSON),
		CreatedAt:     now,
	}
	if err := e.repo.RecordDecision(ctx, d); err != nil {
		return nil, err
	}
	metrics.DecisionsTotal.WithLabelValues(result).Inc()
	return d, nil
}

func venueOrDefault(venue string) string {
	if venue == "" {
		return policy.VenueDEX
	}
	return venue
}
