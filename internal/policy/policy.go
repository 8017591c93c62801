// Package policy evaluates how an agent responds to proposed negotiation
// terms. The coordinator treats a Provider as an opaque function returning
// one of accept, reject, or counter; a failing or slow provider causes the
// round to be abandoned, never an indefinite hang.
package policy

import (
	"context"
	"encoding/json"
	"fmt"

	"agentnet/internal/domain"
)

type Outcome string

const (
	Accept  Outcome = "accept"
	Reject  Outcome = "reject"
	Counter Outcome = "counter"
)

// Decision is the tagged result of one policy evaluation. CounterTermsJSON
// is set only when Outcome is Counter.
type Decision struct {
	Outcome          Outcome
	CounterTermsJSON string
}

// Provider decides an agent's response to the current terms of a negotiation.
type Provider interface {
	Decide(ctx context.Context, agent domain.Agent, n domain.Negotiation) (Decision, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, agent domain.Agent, n domain.Negotiation) (Decision, error)

func (f ProviderFunc) Decide(ctx context.Context, agent domain.Agent, n domain.Negotiation) (Decision, error) {
	return f(ctx, agent, n)
}

// Stances understood by the rule provider.
const (
	StanceAgreeable = "agreeable"
	StanceFirm      = "firm"
	StanceHaggler   = "haggler"
)

// strategyBlob is the negotiation-relevant slice of an agent's free-form
// strategy configuration.
type strategyBlob struct {
	Negotiation struct {
		Stance   string   `json:"stance"`
		MinValue *float64 `json:"min_value"`
	} `json:"negotiation"`
}

type termsBlob struct {
	Value *float64 `json:"value"`
}

// RuleProvider is the built-in deterministic policy: the agent's strategy
// blob wins, then the per-type stance table, then agreeable.
type RuleProvider struct {
	// Stances maps agent type to a default stance.
	Stances map[string]string
}

func (p RuleProvider) Decide(ctx context.Context, agent domain.Agent, n domain.Negotiation) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	stance, minValue := p.resolve(agent)
	value, hasValue := termsValue(n.TermsJSON)

	switch stance {
	case StanceAgreeable:
		return Decision{Outcome: Accept}, nil
	case StanceFirm:
		if !hasValue || minValue == nil || value >= *minValue {
			return Decision{Outcome: Accept}, nil
		}
		return Decision{Outcome: Reject}, nil
	case StanceHaggler:
		if !hasValue || minValue == nil || value >= *minValue {
			return Decision{Outcome: Accept}, nil
		}
		counter, err := counterTerms(n.TermsJSON, *minValue)
		if err != nil {
			return Decision{}, err
		}
		return Decision{Outcome: Counter, CounterTermsJSON: counter}, nil
	default:
		return Decision{}, fmt.Errorf("unknown stance %q for agent %s", stance, agent.ID)
	}
}

func (p RuleProvider) resolve(agent domain.Agent) (string, *float64) {
	var blob strategyBlob
	if agent.StrategyJSON != "" {
		_ = json.Unmarshal([]byte(agent.StrategyJSON), &blob)
	}
	stance := blob.Negotiation.Stance
	if stance == "" {
		stance = p.Stances[agent.Type]
	}
	if stance == "" {
		stance = StanceAgreeable
	}
	return stance, blob.Negotiation.MinValue
}

func termsValue(termsJSON string) (float64, bool) {
	var t termsBlob
	if err := json.Unmarshal([]byte(termsJSON), &t); err != nil || t.Value == nil {
		return 0, false
	}
	return *t.Value, true
}

// counterTerms rewrites the terms with value raised to the agent's floor,
// preserving every other field.
func counterTerms(termsJSON string, floor float64) (string, error) {
	terms := map[string]any{}
	if err := json.Unmarshal([]byte(termsJSON), &terms); err != nil {
		return "", fmt.Errorf("parse terms: %w", err)
	}
	terms["value"] = floor
	out, err := json.Marshal(terms)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
