// Package metrics tracks per-session token usage and cost, fed from the
// result events the upstream emits after each turn.
package metrics

import (
	"fmt"
	"sync"
	"time"
)

// TokenMetrics holds cumulative token usage and cost data for one session.
type TokenMetrics struct {
	// Per-turn input metrics
	InputTokens              int `json:"input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`

	// Per-turn output metrics
	OutputTokens int `json:"output_tokens"`

	// Context tracking
	ContextTokens int `json:"context_tokens"` // Total tokens in context window
	ContextWindow int `json:"context_window"` // Maximum context size

	// Cost tracking
	TurnCostUSD  float64 `json:"turn_cost_usd"`
	TotalCostUSD float64 `json:"total_cost_usd"`

	// Turn counting
	Turns int `json:"turns"`

	// Metadata
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// ContextUsage returns the percentage of context window used (0-100).
func (m TokenMetrics) ContextUsage() float64 {
	if m.ContextWindow == 0 {
		return 0
	}
	return float64(m.ContextTokens) / float64(m.ContextWindow) * 100
}

// FormatContextDisplay returns a human-readable context usage string (e.g., "27k/200k").
func (m TokenMetrics) FormatContextDisplay() string {
	if m.ContextWindow == 0 {
		return "-"
	}
	return fmt.Sprintf("%dk/%dk", m.ContextTokens/1000, m.ContextWindow/1000)
}

// FormatCostDisplay returns a human-readable cost string (e.g., "$0.0892").
func (m TokenMetrics) FormatCostDisplay() string {
	return fmt.Sprintf("$%.4f", m.TotalCostUSD)
}

// Tracker accumulates TokenMetrics per session. Safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]TokenMetrics
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{sessions: make(map[string]TokenMetrics)}
}

// RecordResult folds one result event's metadata into the session's
// running totals. Metadata keys follow the parsed message shape:
// "total_cost_usd" and a "usage" map with token counts. Unknown or
// missing fields contribute zero.
func (t *Tracker) RecordResult(sessionID string, metadata map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m := t.sessions[sessionID]

	turnCost := floatField(metadata, "total_cost_usd")
	m.TurnCostUSD = turnCost
	m.TotalCostUSD += turnCost
	m.Turns++

	if usage, ok := metadata["usage"].(map[string]any); ok {
		in := intField(usage, "input_tokens")
		out := intField(usage, "output_tokens")
		cacheRead := intField(usage, "cache_read_input_tokens")
		cacheCreate := intField(usage, "cache_creation_input_tokens")

		m.InputTokens += in
		m.OutputTokens += out
		m.CacheReadInputTokens += cacheRead
		m.CacheCreationInputTokens += cacheCreate

		// The context after this turn holds everything that went in plus
		// what came out.
		m.ContextTokens = in + cacheRead + cacheCreate + out
		if window := intField(usage, "context_window"); window > 0 {
			m.ContextWindow = window
		}
	}

	m.LastUpdatedAt = time.Now()
	t.sessions[sessionID] = m
}

// Get returns the session's metrics snapshot. The zero value means no
// result has been recorded yet.
func (t *Tracker) Get(sessionID string) TokenMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[sessionID]
}

// Reset clears a session's totals, e.g. after a session reset discards the
// upstream conversation.
func (t *Tracker) Reset(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, sessionID)
}

// floatField tolerates the numeric types JSON decoding produces.
func floatField(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
