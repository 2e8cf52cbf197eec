// Package signal normalizes raw upstream signal maps into a typed record and
// derives the deterministic ids the decision layer keys on. Upstream
// collectors emit loosely-shaped dictionaries; the only required fields are
// token address and chain. Every optional field resolves to its most
// conservative default here, in one place, so gate logic never reads a raw
// map.
package signal

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Signal is the normalized form of one upstream signal.
type Signal struct {
	TokenAddress       string
	Chain              string
	SourcePrimary      string
	SignalType         string
	RugcheckScore      float64 // 0..100, 0 when missing
	CorroborationCount int
	Volume24hUSD       float64
	PriceUSD           float64
	RegimeTag          string
	DeployedAt         *time.Time
}

// Normalize validates the required fields and applies conservative defaults
// to everything else. Missing volume is zero, missing scores are zero,
// missing regime tags become "unknown" -- a missing value must never read as
// a pass.
func Normalize(raw map[string]any) (*Signal, error) {
	token := strings.TrimSpace(stringField(raw, "token_address"))
	chain := strings.ToLower(strings.TrimSpace(stringField(raw, "chain")))
	if token == "" {
		return nil, fmt.Errorf("signal missing token_address")
	}
	if chain == "" {
		return nil, fmt.Errorf("signal missing chain")
	}

	sig := &Signal{
		TokenAddress:       token,
		Chain:              chain,
		SourcePrimary:      strings.ToLower(strings.TrimSpace(stringField(raw, "source"))),
		SignalType:         stringField(raw, "signal_type"),
		RugcheckScore:      floatField(raw, "rugcheck_score"),
		CorroborationCount: int(floatField(raw, "corroboration_count")),
		Volume24hUSD:       floatField(raw, "volume_24h_usd"),
		PriceUSD:           floatField(raw, "price_usd"),
		RegimeTag:          stringField(raw, "regime_tag"),
	}
	if sig.SourcePrimary == "" {
		sig.SourcePrimary = "unknown"
	}
	if sig.RegimeTag == "" {
		sig.RegimeTag = "unknown"
	}
	if ts := stringField(raw, "deployed_at"); ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			utc := t.UTC()
			sig.DeployedAt = &utc
		}
	}
	return sig, nil
}

// ID derives the deterministic signal id: a hash of the normalized identity
// fields, so a re-emitted signal hashes to the same id and is recognized
// instead of re-decided.
func (s *Signal) ID() string {
	deployed := ""
	if s.DeployedAt != nil {
		deployed = s.DeployedAt.UTC().Format(time.RFC3339)
	}
	key := strings.Join([]string{
		s.TokenAddress, s.Chain, s.SourcePrimary, s.SignalType, deployed,
	}, "|")
	sum := sha256.Sum256([]byte(key))
	return "sig_" + hex.EncodeToString(sum[:16])
}

// DecisionID derives the deterministic decision id for a signal under a
// policy version, making decision recording idempotent across replays.
func DecisionID(signalID, policyVersion string) string {
	sum := sha256.Sum256([]byte(signalID + "|" + policyVersion))
	return "dec_" + hex.EncodeToString(sum[:16])
}

func stringField(raw map[string]any, key string) string {
	if v, ok := raw[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func floatField(raw map[string]any, key string) float64 {
	switch v := raw[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}
