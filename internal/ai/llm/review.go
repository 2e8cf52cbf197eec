package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"sanad-trader/internal/database"
)

// Judge verdicts.
const (
	VerdictApprove = "APPROVE"
	VerdictHold    = "HOLD"
	VerdictReject  = "REJECT"
)

// SanadAssessment is the signal-chain trust stage output.
type SanadAssessment struct {
	TrustScore   float64  `json:"trust_score"`
	ChainQuality string   `json:"chain_quality"`
	RedFlags     []string `json:"red_flags"`
	Reasoning    string   `json:"reasoning"`
}

// BullCase is the bull-side debate output.
type BullCase struct {
	Thesis     string   `json:"thesis"`
	KeyPoints  []string `json:"key_points"`
	Conviction float64  `json:"conviction"`
}

// BearCase is the bear-side debate output.
type BearCase struct {
	AttackPoints []string `json:"attack_points"`
	WorstCase    string   `json:"worst_case"`
	Severity     float64  `json:"severity"`
}

// JudgeVerdict is the final review stage output.
type JudgeVerdict struct {
	Verdict    string  `json:"verdict"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// ReviewResult is the persisted secondary-review document, stored on the
// position as async_analysis_json.
type ReviewResult struct {
	Sanad SanadAssessment `json:"sanad"`
	Bull  BullCase        `json:"bull"`
	Bear  BearCase        `json:"bear"`
	Judge JudgeVerdict    `json:"judge"`
	Meta  struct {
		Model      string `json:"model"`
		JudgeModel string `json:"judge_model"`
	} `json:"meta"`
	// TradeConfidenceScore is the judge confidence after the REJECT
	// override: a REJECT verdict forces it to zero unconditionally.
	TradeConfidenceScore float64 `json:"trade_confidence_score"`
}

// Reviewer runs the full secondary review for one position.
type Reviewer interface {
	Review(ctx context.Context, pos *database.Position) (*ReviewResult, error)
	// CostUSD is the paid-API spend one full review accrues.
	CostUSD() float64
}

// ChainReviewer runs the four-stage review against a chat client.
type ChainReviewer struct {
	client *Client
}

// NewChainReviewer creates a reviewer over the given client
func NewChainReviewer(client *Client) *ChainReviewer {
	return &ChainReviewer{client: client}
}

// CostUSD returns the spend for one review: four model calls.
func (r *ChainReviewer) CostUSD() float64 {
	return 4 * r.client.Config().CostPerCallUSD
}

// Review runs trust scoring, the bull/bear debate, and the judge verdict in
// sequence. Any stage failure aborts the review; the async queue handles the
// retry.
func (r *ChainReviewer) Review(ctx context.Context, pos *database.Position) (*ReviewResult, error) {
	evidence := positionEvidence(pos)
	result := &ReviewResult{}
	result.Meta.Model = r.client.Config().Model
	result.Meta.JudgeModel = r.client.Config().JudgeModel

	raw, err := r.client.Complete(ctx, SystemPromptSanadTrust, evidence)
	if err != nil {
		return nil, fmt.Errorf("sanad stage: %w", err)
	}
	if err := decodeModelJSON(raw, &result.Sanad); err != nil {
		return nil, fmt.Errorf("sanad stage: %w", err)
	}

	raw, err = r.client.Complete(ctx, SystemPromptBull, evidence)
	if err != nil {
		return nil, fmt.Errorf("bull stage: %w", err)
	}
	if err := decodeModelJSON(raw, &result.Bull); err != nil {
		return nil, fmt.Errorf("bull stage: %w", err)
	}

	raw, err = r.client.Complete(ctx, SystemPromptBear, evidence)
	if err != nil {
		return nil, fmt.Errorf("bear stage: %w", err)
	}
	if err := decodeModelJSON(raw, &result.Bear); err != nil {
		return nil, fmt.Errorf("bear stage: %w", err)
	}

	judgeInput, _ := json.Marshal(map[string]any{
		"position": evidence,
		"sanad":    result.Sanad,
		"bull":     result.Bull,
		"bear":     result.Bear,
	})
	raw, err = r.client.CompleteJudge(ctx, SystemPromptJudge, string(judgeInput))
	if err != nil {
		return nil, fmt.Errorf("judge stage: %w", err)
	}
	if err := decodeModelJSON(raw, &result.Judge); err != nil {
		return nil, fmt.Errorf("judge stage: %w", err)
	}

	ApplyVerdictOverride(result)
	return result, nil
}

// ApplyVerdictOverride enforces the REJECT hard override: whatever raw
// confidence the judge reported, a REJECT verdict zeroes the trade
// confidence in the stored analysis. Never averaged, never softened.
func ApplyVerdictOverride(result *ReviewResult) {
	result.Judge.Verdict = strings.ToUpper(strings.TrimSpace(result.Judge.Verdict))
	if result.Judge.Verdict == VerdictReject {
		result.TradeConfidenceScore = 0
		return
	}
	result.TradeConfidenceScore = result.Judge.Confidence
}

// positionEvidence renders the position for the prompts.
func positionEvidence(pos *database.Position) string {
	doc, _ := json.Marshal(map[string]any{
		"position_id":    pos.PositionID,
		"token_address":  pos.TokenAddress,
		"chain":          pos.Chain,
		"strategy_id":    pos.StrategyID,
		"regime_tag":     pos.RegimeTag,
		"source_primary": pos.SourcePrimary,
		"entry_price":    pos.EntryPrice,
		"size_usd":       pos.SizeUSD,
		"opened_at":      pos.OpenedAt,
	})
	return string(doc)
}

var codeBlockRe = regexp.MustCompile("(?s)^```(?:json)?\\s*\\n?(.*?)\\n?```$")

// decodeModelJSON strips markdown fencing, repairs malformed JSON, and
// decodes into out. Models routinely emit trailing commas or fenced blocks;
// repair-then-decode is cheaper than a retry round trip.
func decodeModelJSON(response string, out any) error {
	response = strings.TrimSpace(response)
	if m := codeBlockRe.FindStringSubmatch(response); len(m) > 1 {
		response = strings.TrimSpace(m[1])
	}

	if err := json.Unmarshal([]byte(response), out); err == nil {
		return nil
	}

	repaired, err := jsonrepair.JSONRepair(response)
	if err != nil {
		return fmt.Errorf("unparseable model output: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), out); err != nil {
		return fmt.Errorf("model output invalid after repair: %w", err)
	}
	return nil
}
