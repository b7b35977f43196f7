package parser

import (
	"fmt"
	"strings"
	"time"
)

// sdkMessageHandler owns payloads carrying a structured message object
// under "sdk_message". The object is tagged by its own "type" field
// (system, assistant, user, result) and carries content blocks either
// directly under "content" or nested under "message.content".
type sdkMessageHandler struct{}

func (sdkMessageHandler) CanHandle(payload map[string]any) bool {
	return mapField(payload, "sdk_message") != nil
}

func (sdkMessageHandler) Parse(payload map[string]any) (ParsedMessage, error) {
	sdk := mapField(payload, "sdk_message")
	msg := baseMessage(payload)

	switch stringField(sdk, "type") {
	case "system":
		msg.Type = TypeSystem
		msg.Metadata = map[string]any{
			"subtype":         stringField(sdk, "subtype"),
			"cwd":             stringField(sdk, "cwd"),
			"tools":           sdk["tools"],
			"model":           stringField(sdk, "model"),
			"permission_mode": stringField(sdk, "permission_mode"),
		}
		msg.Content = stringField(sdk, "subtype")

	case "assistant":
		msg.Type = TypeAssistant
		blocks := contentBlocks(sdk)
		var texts []string
		var thinking []any
		var toolUses []any
		for _, b := range blocks {
			switch stringField(b, "type") {
			case "text":
				texts = append(texts, stringField(b, "text"))
			case "thinking":
				thinking = append(thinking, stringField(b, "thinking"))
			case "tool_use":
				toolUses = append(toolUses, map[string]any{
					"tool_id":    stringField(b, "id"),
					"tool_name":  stringField(b, "name"),
					"tool_input": b["input"],
				})
			}
		}
		msg.Content = strings.Join(texts, "\n")
		msg.Metadata = map[string]any{
			"model":           stringField(sdk, "model"),
			"thinking_blocks": thinking,
			"tool_uses":       toolUses,
			"has_thinking":    len(thinking) > 0,
			"has_tool_uses":   len(toolUses) > 0,
		}

	case "user":
		msg.Type = TypeUser
		blocks := contentBlocks(sdk)
		var texts []string
		var toolResults []any
		var toolUses []any
		for _, b := range blocks {
			switch stringField(b, "type") {
			case "text":
				texts = append(texts, stringField(b, "text"))
			case "tool_result":
				toolResults = append(toolResults, b)
			case "tool_use":
				toolUses = append(toolUses, b)
			}
		}
		msg.Content = strings.Join(texts, "\n")
		msg.Metadata = map[string]any{
			"tool_results": toolResults,
			"tool_uses":    toolUses,
		}

	case "result":
		msg.Type = TypeResult
		msg.Content = stringField(sdk, "result")
		msg.Metadata = map[string]any{
			"subtype":            stringField(sdk, "subtype"),
			"is_error":           boolField(sdk, "is_error"),
			"duration_ms":        sdk["duration_ms"],
			"duration_api_ms":    sdk["duration_api_ms"],
			"num_turns":          sdk["num_turns"],
			"total_cost_usd":     sdk["total_cost_usd"],
			"usage":              sdk["usage"],
			"permission_denials": sdk["permission_denials"],
		}
		if boolField(sdk, "is_error") {
			msg.ErrorMessage = msg.Content
		}

	default:
		return ParsedMessage{}, fmt.Errorf("unrecognized sdk_message type %q", stringField(sdk, "type"))
	}

	return msg, nil
}

// contentBlocks returns the structured block list from an sdk message,
// looking under "content" first and then "message.content". Blocks encoded
// as a legacy repr string are decoded into the structured shape.
func contentBlocks(sdk map[string]any) []map[string]any {
	raw := sdk["content"]
	if raw == nil {
		if inner := mapField(sdk, "message"); inner != nil {
			raw = inner["content"]
		}
	}

	switch v := raw.(type) {
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, b := range v {
			if bm, ok := b.(map[string]any); ok {
				out = append(out, bm)
			}
		}
		return out
	case string:
		if looksLikeLegacyBlob(v) {
			return legacyToStructured(decodeLegacyBlob(v))
		}
		if v != "" {
			return []map[string]any{{"type": "text", "text": v}}
		}
	}
	return nil
}

// legacyToStructured re-expresses decoded legacy blocks in the structured
// block shape so the per-type handlers only deal with one form.
func legacyToStructured(blocks legacyBlocks) []map[string]any {
	var out []map[string]any
	for _, th := range blocks.thinking {
		out = append(out, map[string]any{"type": "thinking", "thinking": th})
	}
	for _, txt := range blocks.texts {
		out = append(out, map[string]any{"type": "text", "text": txt})
	}
	for _, tu := range blocks.toolUses {
		out = append(out, map[string]any{
			"type":  "tool_use",
			"id":    tu["tool_id"],
			"name":  tu["tool_name"],
			"input": tu["tool_input"],
		})
	}
	for _, id := range blocks.toolIDs {
		out = append(out, map[string]any{"type": "tool_result", "tool_use_id": id})
	}
	return out
}

// legacyResponseHandler owns payloads carrying a repr-style string blob
// under "raw_sdk_response", produced by historical logs.
type legacyResponseHandler struct{}

func (legacyResponseHandler) CanHandle(payload map[string]any) bool {
	_, ok := payload["raw_sdk_response"].(string)
	return ok
}

func (legacyResponseHandler) Parse(payload map[string]any) (ParsedMessage, error) {
	blob := stringField(payload, "raw_sdk_response")
	msg := baseMessage(payload)
	blocks := decodeLegacyBlob(blob)

	// A blob that is purely thinking becomes a THINKING record; anything
	// with visible text is an assistant turn carrying the thinking as
	// metadata.
	switch {
	case len(blocks.thinking) > 0 && len(blocks.texts) == 0 && len(blocks.toolUses) == 0:
		msg.Type = TypeThinking
		msg.Content = strings.Join(blocks.thinking, "\n")
		msg.Metadata = map[string]any{"thinking_content": msg.Content}

	case len(blocks.toolUses) > 0 && len(blocks.texts) == 0 && len(blocks.thinking) == 0:
		msg.Type = TypeToolUse
		tu := blocks.toolUses[0]
		msg.Metadata = map[string]any{
			"tool_name":  tu["tool_name"],
			"tool_id":    tu["tool_id"],
			"tool_input": tu["tool_input"],
		}

	case blocks.hasBlocks:
		msg.Type = TypeAssistant
		msg.Content = strings.Join(blocks.texts, "\n")
		thinking := make([]any, 0, len(blocks.thinking))
		for _, th := range blocks.thinking {
			thinking = append(thinking, th)
		}
		toolUses := make([]any, 0, len(blocks.toolUses))
		for _, tu := range blocks.toolUses {
			toolUses = append(toolUses, tu)
		}
		msg.Metadata = map[string]any{
			"thinking_blocks": thinking,
			"tool_uses":       toolUses,
			"has_thinking":    len(thinking) > 0,
			"has_tool_uses":   len(toolUses) > 0,
		}

	default:
		// Nothing decoded; keep the raw blob as assistant text.
		msg.Type = TypeAssistant
		msg.Content = blob
		msg.Metadata = map[string]any{
			"thinking_blocks": []any{},
			"tool_uses":       []any{},
			"has_thinking":    false,
			"has_tool_uses":   false,
		}
	}

	return msg, nil
}

// eventHandler owns flat payloads tagged by a top-level "type" field, the
// shape adapters emit for tool activity, permissions, and diagnostics.
type eventHandler struct{}

var flatEventTypes = map[string]MessageType{
	"system":              TypeSystem,
	"assistant":           TypeAssistant,
	"user":                TypeUser,
	"result":              TypeResult,
	"tool_use":            TypeToolUse,
	"tool_result":         TypeToolResult,
	"thinking":            TypeThinking,
	"permission_request":  TypePermissionRequest,
	"permission_response": TypePermissionResponse,
	"error":               TypeError,
	"warning":             TypeWarning,
}

func (eventHandler) CanHandle(payload map[string]any) bool {
	_, ok := flatEventTypes[stringField(payload, "type")]
	return ok
}

func (eventHandler) Parse(payload map[string]any) (ParsedMessage, error) {
	msg := baseMessage(payload)
	msg.Type = flatEventTypes[stringField(payload, "type")]
	msg.Content = stringField(payload, "content")

	switch msg.Type {
	case TypeToolUse:
		msg.Metadata = map[string]any{
			"tool_name":  stringField(payload, "tool_name"),
			"tool_id":    stringField(payload, "tool_id"),
			"tool_input": payload["tool_input"],
		}

	case TypeToolResult:
		isErr := boolField(payload, "is_error")
		msg.Metadata = map[string]any{
			"tool_use_id": stringField(payload, "tool_use_id"),
			"is_error":    isErr,
		}
		if isErr {
			msg.ErrorMessage = msg.Content
		}

	case TypeThinking:
		if msg.Content == "" {
			msg.Content = stringField(payload, "thinking")
		}
		msg.Metadata = map[string]any{"thinking_content": msg.Content}

	case TypeError, TypeWarning:
		msg.ErrorMessage = firstNonEmpty(
			stringField(payload, "error"),
			stringField(payload, "message"),
			msg.Content,
		)
		if msg.Content == "" {
			msg.Content = msg.ErrorMessage
		}
		msg.Metadata = map[string]any{
			"error_type":  stringField(payload, "error_type"),
			"error_code":  stringField(payload, "error_code"),
			"stack_trace": stringField(payload, "stack_trace"),
		}

	case TypePermissionRequest, TypePermissionResponse:
		msg.Metadata = map[string]any{
			"tool_name":  stringField(payload, "tool_name"),
			"request_id": stringField(payload, "request_id"),
			"decision":   stringField(payload, "decision"),
			"reasoning":  stringField(payload, "reasoning"),
		}

	case TypeSystem:
		msg.Metadata = map[string]any{
			"subtype":         stringField(payload, "subtype"),
			"cwd":             stringField(payload, "cwd"),
			"tools":           payload["tools"],
			"model":           stringField(payload, "model"),
			"permission_mode": stringField(payload, "permission_mode"),
		}

	case TypeResult:
		msg.Metadata = map[string]any{
			"subtype":            stringField(payload, "subtype"),
			"is_error":           boolField(payload, "is_error"),
			"duration_ms":        payload["duration_ms"],
			"duration_api_ms":    payload["duration_api_ms"],
			"num_turns":          payload["num_turns"],
			"total_cost_usd":     payload["total_cost_usd"],
			"usage":              payload["usage"],
			"permission_denials": payload["permission_denials"],
		}
		if boolField(payload, "is_error") {
			msg.ErrorMessage = msg.Content
		}
	}

	return msg, nil
}

// fallbackHandler terminates the chain; it accepts everything and tags the
// result UNKNOWN so nothing upstream can make the parser fail.
type fallbackHandler struct{}

func (fallbackHandler) CanHandle(map[string]any) bool { return true }

func (fallbackHandler) Parse(payload map[string]any) (ParsedMessage, error) {
	msg := baseMessage(payload)
	msg.Type = TypeUnknown
	msg.Content = stringField(payload, "content")
	msg.Metadata = map[string]any{
		"original_type":  stringField(payload, "type"),
		"unknown_format": true,
	}
	return msg, nil
}

// baseMessage fills the header fields every variant shares.
func baseMessage(payload map[string]any) ParsedMessage {
	msg := ParsedMessage{
		Timestamp: time.Now(),
		SessionID: stringField(payload, "session_id"),
		Raw:       payload,
	}
	if ts := stringField(payload, "timestamp"); ts != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			msg.Timestamp = parsed
		}
	}
	return msg
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
