package database

import (
	"errors"
	"time"
)

// Position status
const (
	PositionStatusOpen   = "OPEN"
	PositionStatusClosed = "CLOSED"
)

// Learning status on a closed position
const (
	LearningStatusPending = "PENDING"
	LearningStatusDone    = "DONE"
)

// Decision results
const (
	DecisionExecute = "EXECUTE"
	DecisionSkip    = "SKIP"
	DecisionBlock   = "BLOCK"
)

// Task status
const (
	TaskStatusPending = "PENDING"
	TaskStatusRunning = "RUNNING"
	TaskStatusDone    = "DONE"
	TaskStatusFailed  = "FAILED"
)

// TaskTypeAnalyzeExecuted is the only defined task type: deferred secondary
// review of an executed position.
const TaskTypeAnalyzeExecuted = "ANALYZE_EXECUTED"

// Fill sides
const (
	FillSideBuy  = "BUY"
	FillSideSell = "SELL"
)

// Portfolio modes
const (
	ModePaper = "paper"
	ModeLive  = "live"
)

// Business-rule violations. These propagate to the calling script, which logs
// and aborts the invocation; they are never silently corrected.
var (
	ErrInvalidPrice        = errors.New("entry price must be positive")
	ErrInvalidSize         = errors.New("position size must be non-negative")
	ErrPositionNotFound    = errors.New("position not found")
	ErrAlreadyClosed       = errors.New("position already closed")
	ErrDecisionCollision   = errors.New("decision_id already bound to an unrelated position")
	ErrTaskNotClaimed      = errors.New("task was not claimable")
	ErrLearningNotClaimed  = errors.New("position learning outcome already claimed")
	ErrPolicyVersionExists = errors.New("policy version already registered")
)

// Decision is the permanent record of one evaluation of one signal against
// one policy version.
type Decision struct {
	DecisionID    string  `json:"decision_id"`
	SignalID      string  `json:"signal_id"`
	PolicyVersion string  `json:"policy_version"`
	Result        string  `json:"result"`
	Stage         string  `json:"stage"`
	ReasonCode    string  `json:"reason_code"`
	GateFailed    *int    `json:"gate_failed,omitempty"`
	GateName      *string `json:"gate_name,omitempty"`
	EvidenceJSON  string  `json:"evidence_json"`
	TimingsJSON   string  `json:"timings_json"`
	CreatedAt     time.Time `json:"created_at"`
}

// Position is the core mutable entity, created only from an EXECUTE decision
// and closed exactly once.
type Position struct {
	PositionID            string     `json:"position_id"`
	DecisionID            string     `json:"decision_id"`
	Status                string     `json:"status"`
	TokenAddress          string     `json:"token_address"`
	Chain                 string     `json:"chain"`
	StrategyID            string     `json:"strategy_id"`
	RegimeTag             string     `json:"regime_tag"`
	SourcePrimary         string     `json:"source_primary"`
	Category              string     `json:"category"`
	EntryPrice            float64    `json:"entry_price"`
	ExitPrice             *float64   `json:"exit_price,omitempty"`
	Qty                   float64    `json:"qty"`
	SizeUSD               float64    `json:"size_usd"`
	EntryFillID           *string    `json:"entry_fill_id,omitempty"`
	ExitFillID            *string    `json:"exit_fill_id,omitempty"`
	GrossPnLUSD           *float64   `json:"gross_pnl_usd,omitempty"`
	NetPnLUSD             *float64   `json:"net_pnl_usd,omitempty"`
	PnLPct                *float64   `json:"pnl_pct,omitempty"`
	FeesUSD               *float64   `json:"fees_usd,omitempty"`
	RewardReal            *float64   `json:"reward_real,omitempty"`
	LearningStatus        string     `json:"learning_status"`
	AsyncAnalysisJSON     *string    `json:"async_analysis_json,omitempty"`
	AsyncAnalysisComplete bool       `json:"async_analysis_complete"`
	OpenedAt              time.Time  `json:"opened_at"`
	ClosedAt              *time.Time `json:"closed_at,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// Fill is an immutable record of one side of a position's execution.
type Fill struct {
	FillID        string    `json:"fill_id"`
	PositionID    string    `json:"position_id"`
	Side          string    `json:"side"`
	Venue         string    `json:"venue"`
	ExpectedPrice *float64  `json:"expected_price,omitempty"`
	ExecPrice     float64   `json:"exec_price"`
	Qty           float64   `json:"qty"`
	FeeBps        float64   `json:"fee_bps"`
	FeeUSD        float64   `json:"fee_usd"`
	SlippageBps   float64   `json:"slippage_bps"`
	NotionalUSD   float64   `json:"notional_usd"`
	CreatedAt     time.Time `json:"created_at"`
}

// AsyncTask is a durable unit of deferred work.
type AsyncTask struct {
	TaskID     string    `json:"task_id"`
	EntityID   string    `json:"entity_id"`
	TaskType   string    `json:"task_type"`
	Status     string    `json:"status"`
	Attempts   int       `json:"attempts"`
	NextRunAt  time.Time `json:"next_run_at"`
	LastError  string    `json:"last_error"`
	ResultJSON *string   `json:"result_json,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// BanditStrategyStat holds Thompson-sampling Beta parameters for one
// (strategy, regime) arm. Prior is Beta(1, 1).
type BanditStrategyStat struct {
	StrategyID string    `json:"strategy_id"`
	RegimeTag  string    `json:"regime_tag"`
	Alpha      float64   `json:"alpha"`
	Beta       float64   `json:"beta"`
	N          int       `json:"n"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SourceUcbStat accumulates win counts per canonicalized signal source.
type SourceUcbStat struct {
	SourceID  string    `json:"source_id"`
	N         int       `json:"n"`
	RewardSum float64   `json:"reward_sum"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WinRate returns reward_sum/n, or 0 with no observations.
func (s SourceUcbStat) WinRate() float64 {
	if s.N == 0 {
		return 0
	}
	return s.RewardSum / float64(s.N)
}

// Grade maps the source win rate onto an A-D grade. Sources with fewer than
// five observations grade C until proven.
func (s SourceUcbStat) Grade() string {
	if s.N < 5 {
		return "C"
	}
	wr := s.WinRate()
	switch {
	case wr >= 0.60:
		return "A"
	case wr >= 0.50:
		return "B"
	case wr >= 0.40:
		return "C"
	default:
		return "D"
	}
}

// Portfolio is the singleton account row.
type Portfolio struct {
	BalanceUSD         float64   `json:"balance_usd"`
	StartingBalanceUSD float64   `json:"starting_balance_usd"`
	Mode               string    `json:"mode"`
	OpenPositions      int       `json:"open_positions"`
	DailyPnLUSD        float64   `json:"daily_pnl_usd"`
	DailyPnLPct        *float64  `json:"daily_pnl_pct,omitempty"`
	DrawdownPct        float64   `json:"drawdown_pct"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// PolicyConfig is one registered policy version; exactly one row is active.
type PolicyConfig struct {
	PolicyVersion string    `json:"policy_version"`
	ConfigJSON    string    `json:"config_json"`
	IsActive      bool      `json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
}

// EvalRun is the audit record of one walk-forward comparison.
type EvalRun struct {
	RunID            string    `json:"run_id"`
	CandidateVersion string    `json:"candidate_version"`
	BaselineVersion  string    `json:"baseline_version"`
	Folds            int       `json:"folds"`
	PassRate         float64   `json:"pass_rate"`
	MedianDelta      float64   `json:"median_delta"`
	Decision         string    `json:"decision"`
	Reason           string    `json:"reason"`
	CreatedAt        time.Time `json:"created_at"`
}

// EvalFold is the per-fold detail of an eval run.
type EvalFold struct {
	RunID         string    `json:"run_id"`
	FoldIndex     int       `json:"fold_index"`
	TestStart     time.Time `json:"test_start"`
	TestEnd       time.Time `json:"test_end"`
	CandidateJSON string    `json:"candidate_json"`
	BaselineJSON  string    `json:"baseline_json"`
	Passed        bool      `json:"passed"`
}

// CircuitState is the persisted state of one named external dependency
// breaker ("closed", "open", "half_open").
type CircuitState struct {
	Name      string    `json:"name"`
	State     string    `json:"state"`
	UpdatedAt time.Time `json:"updated_at"`
}

// timeFormat is the canonical timestamp encoding in SQLite text columns.
const timeFormat = time.RFC3339Nano

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func decodeTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeFormat, s)
}

func decodeTimePtr(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := decodeTime(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
