// Package pricing computes the two numbers the Chat Worker attaches to
// every LLM and tool-call ConsumeRecord: a credit amount (the unit the
// wallet deducts) and, for LLM usage, a USD cost resolved from a model
// rate card. Credits are computed locally from a fixed per-tier rate
// table; USD cost goes through an Oracle so the rate card itself can be
// resolved from an external pricing source without this package knowing
// how.
package pricing

import (
	"context"
)

// ModelTier classifies a model's credit-consumption weight. Unknown or
// empty tiers fall back to TierStandard's 1.0 multiplier rather than
// rejecting the event — a turn is never blocked on an unrecognized tier.
type ModelTier string

const (
	TierFree     ModelTier = "free"
	TierStandard ModelTier = "standard"
	TierPremium  ModelTier = "premium"
)

// tierConsumptionRate multiplies the base per-token credit rate. Kept as
// the single place these coefficients are edited, mirroring how the
// original pricing module centralizes them.
var tierConsumptionRate = map[ModelTier]float64{
	TierFree:     0.5,
	TierStandard: 1.0,
	TierPremium:  2.5,
}

// TierRate looks up tier's consumption multiplier, defaulting to 1.0 for
// an empty or unrecognized tier.
func TierRate(tier ModelTier) float64 {
	if tier == "" {
		return 1.0
	}
	if rate, ok := tierConsumptionRate[tier]; ok {
		return rate
	}
	return 1.0
}

const (
	// baseInputCreditsPerToken and baseOutputCreditsPerToken are the
	// tier-1.0 per-token credit rates. Output tokens cost more than
	// input tokens to generate, so they carry a higher base rate.
	baseInputCreditsPerToken  = 0.2
	baseOutputCreditsPerToken = 0.6

	// cacheReadDiscount is the fraction of the input rate a cache-read
	// token still costs; a cache hit is cheaper to serve than a fresh
	// input token but not free.
	cacheReadDiscount = 0.25
)

// LLMCredits computes the credit amount for one LLM call: tiered rate ×
// token count, with cache-read input tokens billed at a discount instead
// of the full input rate. cacheReadInputTokens is assumed to be a subset
// of inputTokens already counted once there, so it is split out rather
// than added on top.
func LLMCredits(inputTokens, outputTokens int, tierRate float64, cacheReadInputTokens int) float64 {
	if cacheReadInputTokens > inputTokens {
		cacheReadInputTokens = inputTokens
	}
	billableInput := inputTokens - cacheReadInputTokens

	raw := float64(billableInput)*baseInputCreditsPerToken +
		float64(cacheReadInputTokens)*baseInputCreditsPerToken*cacheReadDiscount +
		float64(outputTokens)*baseOutputCreditsPerToken
	return raw * tierRate
}

// toolCreditRate is the flat per-call credit cost of a successful tool
// invocation. Tools not listed here default to 0 — informational or
// free tools (e.g. a plain text response formatter) never bill.
var toolCreditRate = map[string]float64{
	"web_search":        1,
	"code_interpreter":  2,
	"image_generation":  5,
	"file_generation":   1,
	"subagent_delegate": 3,
}

// ToolCost returns the flat credit cost of one successful call to
// toolName, or 0 if the tool is unlisted or the call failed. Failed
// calls are never charged: the caller passes amount 0 directly rather
// than calling ToolCost for a failed tool_call_response.
func ToolCost(toolName string) float64 {
	return toolCreditRate[toolName]
}

// ModelRate is the USD cost, per million tokens, of one model's input,
// output, and cache-read token classes.
type ModelRate struct {
	InputPerMillion     float64
	OutputPerMillion    float64
	CacheReadPerMillion float64
}

// Oracle resolves the USD rate card for a named model. A real
// implementation is expected to call out to an external pricing source
// (e.g. models.dev); Resolve must return an error only when that lookup
// itself fails, never for a model it simply does not recognize — an
// unrecognized model resolves to the zero ModelRate so cost_usd degrades
// to 0 instead of blocking the turn.
type Oracle interface {
	Resolve(ctx context.Context, modelName, provider string) (ModelRate, error)
}

const million = 1_000_000.0

// CostUSD computes the dollar cost of one LLM call from a resolved rate
// card and token counts, applying the cache-read discount already baked
// into rate.CacheReadPerMillion.
func CostUSD(rate ModelRate, inputTokens, outputTokens, cacheReadInputTokens int) float64 {
	if cacheReadInputTokens > inputTokens {
		cacheReadInputTokens = inputTokens
	}
	billableInput := inputTokens - cacheReadInputTokens

	return float64(billableInput)/million*rate.InputPerMillion +
		float64(cacheReadInputTokens)/million*rate.CacheReadPerMillion +
		float64(outputTokens)/million*rate.OutputPerMillion
}

// StaticOracle resolves rates from a fixed, in-process table. It is the
// base Oracle every CachingOracle eventually falls through to in a
// deployment with no live models.dev client wired in, and the Oracle
// pricing_test.go resolves against.
type StaticOracle struct {
	rates map[string]ModelRate
}

// NewStaticOracle wraps a fixed model-name-to-rate table.
func NewStaticOracle(rates map[string]ModelRate) *StaticOracle {
	return &StaticOracle{rates: rates}
}

// Resolve never errors: an unknown model resolves to the zero ModelRate.
func (o *StaticOracle) Resolve(ctx context.Context, modelName, provider string) (ModelRate, error) {
	if rate, ok := o.rates[modelName]; ok {
		return rate, nil
	}
	return ModelRate{}, nil
}
