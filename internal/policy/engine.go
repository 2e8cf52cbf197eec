package policy

import (
	"fmt"
	"strings"
)

// Result is the outcome of one gate-sequence evaluation. When blocked,
// GateFailed carries the 1-based index of the first failing gate; index 0 is
// reserved for the systemic circuit-breaker valve, which sits outside the
// numbered sequence.
type Result struct {
	Pass       bool   `json:"pass"`
	GateFailed int    `json:"gate_failed,omitempty"`
	GateName   string `json:"gate_name,omitempty"`
	Evidence   string `json:"evidence,omitempty"`
}

// Engine evaluates proposals against a fixed limit set.
type Engine struct {
	limits Limits
}

// NewEngine creates a policy engine with the given limits
func NewEngine(limits Limits) *Engine {
	return &Engine{limits: limits}
}

// Limits returns the engine's configured thresholds
func (e *Engine) Limits() Limits {
	return e.limits
}

// Evaluate runs the circuit-breaker valve and then the fifteen-gate sequence
// in order, short-circuiting on the first failure. Pure: no I/O, same inputs
// always produce the same result.
func (e *Engine) Evaluate(p Proposal, s Snapshot) Result {
	if len(s.OpenCircuits) >= e.limits.OpenCircuitLimit {
		return Result{
			Pass:     false,
			GateName: "circuit_breaker",
			Evidence: fmt.Sprintf("Systemic failure: %d circuits open (%s)",
				len(s.OpenCircuits), strings.Join(s.OpenCircuits, ", ")),
		}
	}

	for _, g := range gateSequence {
		ok, evidence := g.check(p, s, e.limits)
		if !ok {
			return Result{
				Pass:       false,
				GateFailed: g.index,
				GateName:   g.name,
				Evidence:   evidence,
			}
		}
	}
	return Result{Pass: true}
}

// GateCount returns the number of gates in the sequence
func GateCount() int {
	return len(gateSequence)
}
