// Package parser normalizes heterogeneous upstream assistant events into a
// uniform ParsedMessage record. Inbound payloads arrive in three encodings:
// a structured block-bearing object under "sdk_message", a legacy
// string-encoded blob under "raw_sdk_response", or a flat "type"-tagged
// map. A handler chain picks the first handler that recognizes the payload;
// the terminal fallback accepts anything.
package parser

import "time"

// MessageType tags a parsed message variant.
type MessageType string

const (
	TypeSystem             MessageType = "SYSTEM"
	TypeAssistant          MessageType = "ASSISTANT"
	TypeUser               MessageType = "USER"
	TypeResult             MessageType = "RESULT"
	TypeToolUse            MessageType = "TOOL_USE"
	TypeToolResult         MessageType = "TOOL_RESULT"
	TypeThinking           MessageType = "THINKING"
	TypePermissionRequest  MessageType = "PERMISSION_REQUEST"
	TypePermissionResponse MessageType = "PERMISSION_RESPONSE"
	TypeError              MessageType = "ERROR"
	TypeWarning            MessageType = "WARNING"
	TypeUnknown            MessageType = "UNKNOWN"
)

// knownTypes is the closed set of parse results. Parse never yields a type
// outside this set.
var knownTypes = map[MessageType]bool{
	TypeSystem:             true,
	TypeAssistant:          true,
	TypeUser:               true,
	TypeResult:             true,
	TypeToolUse:            true,
	TypeToolResult:         true,
	TypeThinking:           true,
	TypePermissionRequest:  true,
	TypePermissionResponse: true,
	TypeError:              true,
	TypeWarning:            true,
	TypeUnknown:            true,
}

// IsValid returns true for a recognized MessageType.
func (t MessageType) IsValid() bool {
	return knownTypes[t]
}

// ParsedMessage is the uniform internal record for one upstream event.
// The raw inbound payload is preserved verbatim for audit and replay.
type ParsedMessage struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	SessionID string      `json:"session_id,omitempty"`
	Content   string      `json:"content,omitempty"`

	// Metadata carries the per-variant fields (tool name, duration, usage,
	// permission decision, ...) keyed per the variant's contract.
	Metadata map[string]any `json:"metadata,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`

	// Raw is the original inbound payload, untouched.
	Raw map[string]any `json:"raw,omitempty"`
}

// Handler recognizes and parses one family of upstream payloads.
type Handler interface {
	// CanHandle reports whether this handler owns the payload.
	CanHandle(payload map[string]any) bool
	// Parse produces a ParsedMessage from an owned payload.
	Parse(payload map[string]any) (ParsedMessage, error)
}

// Stats is a snapshot of parser counters.
type Stats struct {
	TotalParsed int64
	ByType      map[MessageType]int64
	// UnknownTypes lists distinct upstream type tags that fell through to
	// the fallback handler. The set grows monotonically.
	UnknownTypes []string
}

// helpers shared by handlers

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func boolField(m map[string]any, key string) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return false
}

func mapField(m map[string]any, key string) map[string]any {
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return nil
}

func sliceField(m map[string]any, key string) []any {
	if v, ok := m[key].([]any); ok {
		return v
	}
	return nil
}
