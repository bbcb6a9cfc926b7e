package pricing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTierRateDefaultsToStandardForUnknownOrEmpty(t *testing.T) {
	require.Equal(t, 1.0, TierRate(""))
	require.Equal(t, 1.0, TierRate(ModelTier("nonexistent")))
	require.Equal(t, 0.5, TierRate(TierFree))
	require.Equal(t, 2.5, TierRate(TierPremium))
}

func TestLLMCreditsScalesWithTierAndTokens(t *testing.T) {
	standard := LLMCredits(100, 50, TierRate(TierStandard), 0)
	premium := LLMCredits(100, 50, TierRate(TierPremium), 0)
	require.Greater(t, premium, standard)
	require.InDelta(t, standard*2.5, premium, 1e-9)
}

func TestLLMCreditsCacheReadTokensAreDiscountedNotAdded(t *testing.T) {
	noCacheRead := LLMCredits(100, 0, 1.0, 0)
	allCacheRead := LLMCredits(100, 0, 1.0, 100)
	require.Less(t, allCacheRead, noCacheRead)
	require.Greater(t, allCacheRead, 0.0)
}

func TestLLMCreditsClampsCacheReadToInputTokens(t *testing.T) {
	// An over-reported cache_read_input_tokens must not make the call
	// cheaper than billing 100% of input at the discount rate.
	exact := LLMCredits(100, 0, 1.0, 100)
	over := LLMCredits(100, 0, 1.0, 500)
	require.Equal(t, exact, over)
}

func TestToolCostKnownAndUnknownTools(t *testing.T) {
	require.Equal(t, 1.0, ToolCost("web_search"))
	require.Equal(t, 0.0, ToolCost("unlisted_tool"))
}

func TestCostUSDZeroForUnresolvedModel(t *testing.T) {
	oracle := NewStaticOracle(nil)
	rate, err := oracle.Resolve(context.Background(), "some-unknown-model", "anthropic")
	require.NoError(t, err)
	require.Equal(t, ModelRate{}, rate)
	require.Equal(t, 0.0, CostUSD(rate, 1000, 1000, 0))
}

func TestCostUSDComputesFromRateCard(t *testing.T) {
	rate := ModelRate{InputPerMillion: 3, OutputPerMillion: 15, CacheReadPerMillion: 0.3}
	cost := CostUSD(rate, 1_000_000, 1_000_000, 0)
	require.InDelta(t, 18.0, cost, 1e-9)
}

func TestCostUSDCacheReadBilledAtCacheRate(t *testing.T) {
	rate := ModelRate{InputPerMillion: 3, OutputPerMillion: 15, CacheReadPerMillion: 0.3}
	full := CostUSD(rate, 1_000_000, 0, 0)
	cached := CostUSD(rate, 1_000_000, 0, 1_000_000)
	require.InDelta(t, 3.0, full, 1e-9)
	require.InDelta(t, 0.3, cached, 1e-9)
}

func TestStaticOracleResolvesKnownModel(t *testing.T) {
	oracle := NewStaticOracle(map[string]ModelRate{
		"claude-sonnet": {InputPerMillion: 3, OutputPerMillion: 15},
	})
	rate, err := oracle.Resolve(context.Background(), "claude-sonnet", "anthropic")
	require.NoError(t, err)
	require.Equal(t, 3.0, rate.InputPerMillion)
}
