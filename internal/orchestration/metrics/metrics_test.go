package metrics

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func resultMetadata(cost float64, in, out, cacheRead int) map[string]any {
	return map[string]any{
		"total_cost_usd": cost,
		"usage": map[string]any{
			"input_tokens":            float64(in),
			"output_tokens":           float64(out),
			"cache_read_input_tokens": float64(cacheRead),
			"context_window":          float64(200000),
		},
	}
}

func TestTracker_AccumulatesAcrossTurns(t *testing.T) {
	tr := NewTracker()

	tr.RecordResult("s1", resultMetadata(0.01, 100, 50, 0))
	tr.RecordResult("s1", resultMetadata(0.02, 200, 80, 1000))

	m := tr.Get("s1")
	require.Equal(t, 2, m.Turns)
	require.Equal(t, 300, m.InputTokens)
	require.Equal(t, 130, m.OutputTokens)
	require.Equal(t, 1000, m.CacheReadInputTokens)
	require.InDelta(t, 0.03, m.TotalCostUSD, 1e-9)
	require.InDelta(t, 0.02, m.TurnCostUSD, 1e-9)
	require.False(t, m.LastUpdatedAt.IsZero())
}

func TestTracker_ContextTracksLastTurn(t *testing.T) {
	tr := NewTracker()
	tr.RecordResult("s1", resultMetadata(0, 100, 50, 1000))

	m := tr.Get("s1")
	require.Equal(t, 1150, m.ContextTokens)
	require.Equal(t, 200000, m.ContextWindow)
	require.InDelta(t, 0.575, m.ContextUsage(), 0.001)
}

func TestTracker_SessionsAreIndependent(t *testing.T) {
	tr := NewTracker()
	tr.RecordResult("a", resultMetadata(0.5, 10, 10, 0))

	require.Equal(t, 1, tr.Get("a").Turns)
	require.Equal(t, 0, tr.Get("b").Turns)
}

func TestTracker_MissingUsageContributesZero(t *testing.T) {
	tr := NewTracker()
	tr.RecordResult("s1", map[string]any{"total_cost_usd": 0.05})

	m := tr.Get("s1")
	require.Equal(t, 1, m.Turns)
	require.Equal(t, 0, m.InputTokens)
	require.InDelta(t, 0.05, m.TotalCostUSD, 1e-9)
}

func TestTracker_Reset(t *testing.T) {
	tr := NewTracker()
	tr.RecordResult("s1", resultMetadata(0.1, 100, 50, 0))
	tr.Reset("s1")

	require.Equal(t, TokenMetrics{}, tr.Get("s1"))
}

func TestTokenMetrics_Formatting(t *testing.T) {
	m := TokenMetrics{ContextTokens: 27000, ContextWindow: 200000, TotalCostUSD: 0.0892}
	require.Equal(t, "27k/200k", m.FormatContextDisplay())
	require.Equal(t, "$0.0892", m.FormatCostDisplay())

	require.Equal(t, "-", TokenMetrics{}.FormatContextDisplay())
	require.Equal(t, float64(0), TokenMetrics{}.ContextUsage())
}
