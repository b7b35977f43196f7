package parser

import (
	"regexp"
	"strings"
)

// Historical logs carry content blocks as a repr-style string like
// "[ThinkingBlock(thinking='...', signature='...')]" instead of structured
// objects. The patterns are non-greedy so that thinking='...' stops before
// the ", signature=" field that follows it.
var (
	legacyThinkingRe   = regexp.MustCompile(`(?s)ThinkingBlock\(thinking='(.*?)', signature='(.*?)'\)`)
	legacyTextRe       = regexp.MustCompile(`(?s)TextBlock\(text='(.*?)'\)`)
	legacyToolUseRe    = regexp.MustCompile(`(?s)ToolUseBlock\(id='(.*?)', name='(.*?)', input=(\{.*?\})\)`)
	legacyToolResultRe = regexp.MustCompile(`(?s)ToolResultBlock\(tool_use_id='(.*?)'`)
)

// unescapeLegacy undoes the escape sequences the historical encoder
// produced. Order matters: the lone backslash pair is handled last so that
// already-rewritten sequences are not processed twice. Unicode passes
// through verbatim.
func unescapeLegacy(s string) string {
	s = strings.ReplaceAll(s, `\\n`, "\n")
	s = strings.ReplaceAll(s, `\n`, "\n")
	s = strings.ReplaceAll(s, `\\t`, "\t")
	s = strings.ReplaceAll(s, `\t`, "\t")
	s = strings.ReplaceAll(s, `\\r`, "\r")
	s = strings.ReplaceAll(s, `\r`, "\r")
	s = strings.ReplaceAll(s, `\'`, "'")
	s = strings.ReplaceAll(s, `\"`, `"`)
	s = strings.ReplaceAll(s, `\\`, `\`)
	return s
}

// legacyBlocks is the decoded form of one legacy blob.
type legacyBlocks struct {
	texts     []string
	thinking  []string
	toolUses  []map[string]any
	toolIDs   []string // tool_use_ids referenced by result blocks
	hasBlocks bool
}

// looksLikeLegacyBlob reports whether s appears to be a repr-style block
// list. Cheap check used by CanHandle.
func looksLikeLegacyBlob(s string) bool {
	return strings.Contains(s, "Block(")
}

// decodeLegacyBlob extracts every recognized block kind from a repr-style
// string. Unrecognized content is ignored; callers fall back to the raw
// string when nothing decodes.
func decodeLegacyBlob(s string) legacyBlocks {
	var out legacyBlocks

	for _, m := range legacyThinkingRe.FindAllStringSubmatch(s, -1) {
		// m[2] is the signature; it has no downstream consumer.
		out.thinking = append(out.thinking, unescapeLegacy(m[1]))
		out.hasBlocks = true
	}
	for _, m := range legacyTextRe.FindAllStringSubmatch(s, -1) {
		out.texts = append(out.texts, unescapeLegacy(m[1]))
		out.hasBlocks = true
	}
	for _, m := range legacyToolUseRe.FindAllStringSubmatch(s, -1) {
		out.toolUses = append(out.toolUses, map[string]any{
			"tool_id":    m[1],
			"tool_name":  m[2],
			"tool_input": m[3],
		})
		out.hasBlocks = true
	}
	for _, m := range legacyToolResultRe.FindAllStringSubmatch(s, -1) {
		out.toolIDs = append(out.toolIDs, m[1])
		out.hasBlocks = true
	}

	return out
}
