package orchestrator

import "github.com/agentcore-dev/core/pkg/types"

// defaultRateTable is a representative set of per-model USD/token rates
// used only when a provider does not itself report a turn's cost
// (spec.md §4.2: "if the provider reports cost, use it; otherwise
// compute via per-model rate tables").
var defaultRateTable = map[string]ModelRates{
	"claude-opus-4": {
		InputPerToken: 15.0 / 1_000_000, OutputPerToken: 75.0 / 1_000_000,
		CacheReadPerToken: 1.5 / 1_000_000, CacheCreationPerToken: 18.75 / 1_000_000,
		CacheCreation5mPerToken: 18.75 / 1_000_000, CacheCreation1hPerToken: 30.0 / 1_000_000,
	},
	"claude-sonnet-4": {
		InputPerToken: 3.0 / 1_000_000, OutputPerToken: 15.0 / 1_000_000,
		CacheReadPerToken: 0.3 / 1_000_000, CacheCreationPerToken: 3.75 / 1_000_000,
		CacheCreation5mPerToken: 3.75 / 1_000_000, CacheCreation1hPerToken: 6.0 / 1_000_000,
	},
	"claude-haiku-4": {
		InputPerToken: 0.8 / 1_000_000, OutputPerToken: 4.0 / 1_000_000,
		CacheReadPerToken: 0.08 / 1_000_000, CacheCreationPerToken: 1.0 / 1_000_000,
		CacheCreation5mPerToken: 1.0 / 1_000_000, CacheCreation1hPerToken: 1.6 / 1_000_000,
	},
}

// computeCost returns reported when the provider supplied a non-nil
// cost, otherwise derives one from the rate table, falling back to the
// sonnet rates for an unrecognized model rather than silently pricing
// at zero.
func computeCost(model string, reported *float64, usage types.RawTokenUsage) float64 {
	if reported != nil {
		return *reported
	}
	rates, ok := defaultRateTable[model]
	if !ok {
		rates = defaultRateTable["claude-sonnet-4"]
	}
	return float64(usage.InputTokens)*rates.InputPerToken +
		float64(usage.OutputTokens)*rates.OutputPerToken +
		float64(usage.CacheReadTokens)*rates.CacheReadPerToken +
		float64(usage.CacheCreation5mTokens)*rates.CacheCreation5mPerToken +
		float64(usage.CacheCreation1hTokens)*rates.CacheCreation1hPerToken +
		float64(usage.CacheCreationTokens)*rates.CacheCreationPerToken
}
