package signal

import (
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	t.Run("requires token address and chain", func(t *testing.T) {
		if _, err := Normalize(map[string]any{"chain": "solana"}); err == nil {
			t.Error("expected error for missing token_address")
		}
		if _, err := Normalize(map[string]any{"token_address": "0xabc"}); err == nil {
			t.Error("expected error for missing chain")
		}
	})

	t.Run("applies conservative defaults", func(t *testing.T) {
		sig, err := Normalize(map[string]any{
			"token_address": " 0xAbC ",
			"chain":         "Solana",
		})
		if err != nil {
			t.Fatalf("normalize: %v", err)
		}
		if sig.TokenAddress != "0xAbC" {
			t.Errorf("token = %q, want trimmed 0xAbC", sig.TokenAddress)
		}
		if sig.Chain != "solana" {
			t.Errorf("chain = %q, want lowercase solana", sig.Chain)
		}
		if sig.SourcePrimary != "unknown" || sig.RegimeTag != "unknown" {
			t.Errorf("missing source/regime must default to unknown, got %q/%q",
				sig.SourcePrimary, sig.RegimeTag)
		}
		if sig.RugcheckScore != 0 || sig.Volume24hUSD != 0 {
			t.Error("missing evidence fields must default to zero")
		}
	})

	t.Run("parses deployed_at", func(t *testing.T) {
		sig, err := Normalize(map[string]any{
			"token_address": "0xabc",
			"chain":         "base",
			"deployed_at":   "2026-03-01T10:00:00Z",
		})
		if err != nil {
			t.Fatalf("normalize: %v", err)
		}
		if sig.DeployedAt == nil {
			t.Fatal("deployed_at not parsed")
		}
	})

	t.Run("garbage deployed_at is dropped, not fatal", func(t *testing.T) {
		sig, err := Normalize(map[string]any{
			"token_address": "0xabc",
			"chain":         "base",
			"deployed_at":   "yesterday",
		})
		if err != nil {
			t.Fatalf("normalize: %v", err)
		}
		if sig.DeployedAt != nil {
			t.Error("unparseable deployed_at must resolve to nil")
		}
	})

	t.Run("accepts integer counts from JSON", func(t *testing.T) {
		sig, err := Normalize(map[string]any{
			"token_address":       "0xabc",
			"chain":               "base",
			"corroboration_count": float64(2), // encoding/json decodes numbers as float64
		})
		if err != nil {
			t.Fatalf("normalize: %v", err)
		}
		if sig.CorroborationCount != 2 {
			t.Errorf("corroboration = %d, want 2", sig.CorroborationCount)
		}
	})
}

func TestSignalID(t *testing.T) {
	base := map[string]any{
		"token_address": "0xabc",
		"chain":         "solana",
		"source":        "WhaleWatch",
		"signal_type":   "new_pair",
	}

	a, _ := Normalize(base)
	b, _ := Normalize(base)

	t.Run("deterministic across re-emission", func(t *testing.T) {
		if a.ID() != b.ID() {
			t.Errorf("same signal hashed to %s and %s", a.ID(), b.ID())
		}
	})

	t.Run("prefixed and stable length", func(t *testing.T) {
		id := a.ID()
		if !strings.HasPrefix(id, "sig_") || len(id) != 4+32 {
			t.Errorf("unexpected id shape: %s", id)
		}
	})

	t.Run("identity fields change the id", func(t *testing.T) {
		other := map[string]any{
			"token_address": "0xabc",
			"chain":         "solana",
			"source":        "WhaleWatch",
			"signal_type":   "launch",
		}
		c, _ := Normalize(other)
		if a.ID() == c.ID() {
			t.Error("different signal_type must produce a different id")
		}
	})

	t.Run("non-identity fields do not change the id", func(t *testing.T) {
		noisy := map[string]any{
			"token_address":  "0xabc",
			"chain":          "solana",
			"source":         "WhaleWatch",
			"signal_type":    "new_pair",
			"volume_24h_usd": 999999.0,
			"rugcheck_score": 88.0,
		}
		c, _ := Normalize(noisy)
		if a.ID() != c.ID() {
			t.Error("volume and score must not affect the id")
		}
	})
}

func TestDecisionID(t *testing.T) {
	sigID := "sig_0123456789abcdef0123456789abcdef"

	if DecisionID(sigID, "v1") == DecisionID(sigID, "v2") {
		t.Error("different policy versions must produce different decision ids")
	}
	if DecisionID(sigID, "v1") != DecisionID(sigID, "v1") {
		t.Error("decision id must be deterministic")
	}
	if !strings.HasPrefix(DecisionID(sigID, "v1"), "dec_") {
		t.Error("decision id must carry the dec_ prefix")
	}
}
