package types

import "time"

// RawTokenUsage is exactly what a provider reported for one call.
type RawTokenUsage struct {
	InputTokens          int64     `json:"inputTokens"`
	OutputTokens         int64     `json:"outputTokens"`
	CacheReadTokens      int64     `json:"cacheReadTokens"`
	CacheCreationTokens  int64     `json:"cacheCreationTokens"`
	CacheCreation5mTokens int64    `json:"cacheCreation5mTokens,omitempty"`
	CacheCreation1hTokens int64    `json:"cacheCreation1hTokens,omitempty"`
	Provider             string    `json:"provider"`
	Timestamp            time.Time `json:"timestamp"`
}

// TokenRecord is the per-turn derived structure recorded in stream.turn_end
// and message.assistant payloads (spec.md §3).
type TokenRecord struct {
	Raw RawTokenUsage `json:"raw"`

	ContextWindowTokens int64  `json:"contextWindowTokens"`
	NewInputTokens      int64  `json:"newInputTokens"`
	CalculationMethod   string `json:"calculationMethod"`

	Turn                int       `json:"turn"`
	SessionID           string    `json:"sessionId"`
	ExtractedAt         time.Time `json:"extractedAt"`
	NormalizedAt        time.Time `json:"normalizedAt"`
}

// ComputeTokenRecord derives the computed fields from a raw provider
// report, clamping newInputTokens to zero (spec.md invariant #7: "soft
// token monotonicity").
func ComputeTokenRecord(raw RawTokenUsage, previousContextBaseline int64, turn int, sessionID string, now time.Time) TokenRecord {
	contextWindow := raw.InputTokens
	newInput := contextWindow - previousContextBaseline
	if newInput < 0 {
		newInput = 0
	}
	return TokenRecord{
		Raw:                 raw,
		ContextWindowTokens: contextWindow,
		NewInputTokens:      newInput,
		CalculationMethod:   "cumulative-context-delta",
		Turn:                turn,
		SessionID:           sessionID,
		ExtractedAt:         raw.Timestamp,
		NormalizedAt:        now,
	}
}
