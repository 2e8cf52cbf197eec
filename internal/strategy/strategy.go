// Package strategy exposes the interface-level view of the strategy table:
// a matching predicate that assigns an incoming signal to a strategy, and
// the per-strategy attributes the decision core reads (category, the
// early-launch exemption). Strategy internals -- entry/exit logic, signal
// generation -- live with the upstream collectors and are not modeled here.
package strategy

import (
	"strings"

	"sanad-trader/internal/signal"
)

// Strategy is one row of the strategy table as the decision core sees it.
type Strategy struct {
	ID          string
	Category    string
	EarlyLaunch bool
	// SignalTypes this strategy claims; empty claims everything.
	SignalTypes []string
}

// Matches reports whether the strategy claims the signal
func (st Strategy) Matches(sig *signal.Signal) bool {
	if len(st.SignalTypes) == 0 {
		return true
	}
	for _, t := range st.SignalTypes {
		if strings.EqualFold(t, sig.SignalType) {
			return true
		}
	}
	return false
}

// table is ordered: the first match wins, with the catch-all momentum
// strategy last.
var table = []Strategy{
	{ID: "sniper_launch", Category: "meme", EarlyLaunch: true, SignalTypes: []string{"new_pair", "launch"}},
	{ID: "whale_follow", Category: "meme", SignalTypes: []string{"whale_buy", "smart_money"}},
	{ID: "sentiment_surge", Category: "meme", SignalTypes: []string{"social_spike", "sentiment"}},
	{ID: "momentum_default", Category: "general"},
}

// Match assigns a signal to the first claiming strategy. The catch-all means
// there is always a match.
func Match(sig *signal.Signal) Strategy {
	for _, st := range table {
		if st.Matches(sig) {
			return st
		}
	}
	return table[len(table)-1]
}

// ByID looks up a strategy by id, falling back to the catch-all
func ByID(id string) Strategy {
	for _, st := range table {
		if st.ID == id {
			return st
		}
	}
	return table[len(table)-1]
}
