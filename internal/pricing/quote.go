// Package pricing provides the live price quote used by the fast decision
// path. This is the only blocking network call the hot path is allowed.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Quote is one live price observation.
type Quote struct {
	PriceUSD       float64
	LiquidityUSD   float64
	EstSlippageBps float64
	AsOf           time.Time
}

// QuoteProvider fetches a live quote for a token.
type QuoteProvider interface {
	Quote(ctx context.Context, tokenAddress, chain string) (*Quote, error)
}

// HTTPProvider queries a DexScreener-compatible pairs endpoint.
type HTTPProvider struct {
	BaseURL string
	client  *http.Client
}

// NewHTTPProvider creates a provider against the given base URL
func NewHTTPProvider(baseURL string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProvider{
		BaseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type pairResponse struct {
	Pairs []struct {
		PriceUSD  string `json:"priceUsd"`
		Liquidity struct {
			USD float64 `json:"usd"`
		} `json:"liquidity"`
	} `json:"pairs"`
}

// Quote fetches the best pair's price for the token. The caller's snapshot
// records AsOf so the freshness gate sees exactly when this price was taken.
func (p *HTTPProvider) Quote(ctx context.Context, tokenAddress, chain string) (*Quote, error) {
	url := fmt.Sprintf("%s/latest/dex/tokens/%s", p.BaseURL, tokenAddress)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("quote fetch for %s/%s: %w", chain, tokenAddress, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("quote fetch for %s/%s: status %d", chain, tokenAddress, resp.StatusCode)
	}

	var body pairResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("quote decode for %s/%s: %w", chain, tokenAddress, err)
	}
	if len(body.Pairs) == 0 {
		return nil, fmt.Errorf("no pairs for %s/%s", chain, tokenAddress)
	}

	var price float64
	if _, err := fmt.Sscanf(body.Pairs[0].PriceUSD, "%f", &price); err != nil || price <= 0 {
		return nil, fmt.Errorf("bad price %q for %s/%s", body.Pairs[0].PriceUSD, chain, tokenAddress)
	}

	liquidity := body.Pairs[0].Liquidity.USD
	return &Quote{
		PriceUSD:       price,
		LiquidityUSD:   liquidity,
		EstSlippageBps: estimateSlippageBps(liquidity),
		AsOf:           time.Now().UTC(),
	}, nil
}

// estimateSlippageBps maps pool liquidity onto a coarse slippage estimate for
// the liquidity gate. Thin pools read as expensive.
func estimateSlippageBps(liquidityUSD float64) float64 {
	switch {
	case liquidityUSD >= 1_000_000:
		return 10
	case liquidityUSD >= 250_000:
		return 40
	case liquidityUSD >= 50_000:
		return 120
	case liquidityUSD > 0:
		return 400
	default:
		return 10_000
	}
}

// StaticProvider returns a fixed quote; used in tests and paper replays.
type StaticProvider struct {
	Price Quote
	Err   error
}

// Quote returns the fixed quote
func (s *StaticProvider) Quote(_ context.Context, _, _ string) (*Quote, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	q := s.Price
	return &q, nil
}
