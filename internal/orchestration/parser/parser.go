package parser

import (
	"fmt"
	"sort"
	"sync"

	"github.com/zjrosen/legion/internal/log"
)

// Parser runs payloads through an ordered handler chain. The terminal
// fallback accepts any payload, so Parse always yields a record and never
// panics out to the caller.
type Parser struct {
	mu           sync.Mutex
	handlers     []Handler // fallback is always the last element
	totalParsed  int64
	byType       map[MessageType]int64
	unknownTypes map[string]struct{}
}

// New creates a parser with the default handler chain: structured sdk
// messages, legacy string blobs, flat type-tagged events, then the
// fallback.
func New() *Parser {
	return &Parser{
		handlers: []Handler{
			sdkMessageHandler{},
			legacyResponseHandler{},
			eventHandler{},
			fallbackHandler{},
		},
		byType:       make(map[MessageType]int64),
		unknownTypes: make(map[string]struct{}),
	}
}

// Register inserts a handler immediately before the terminal fallback, so
// custom handlers always win over the catch-all.
func (p *Parser) Register(h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()

	last := len(p.handlers) - 1
	p.handlers = append(p.handlers[:last], h, p.handlers[last])
}

// Parse normalizes one upstream payload. The first handler whose CanHandle
// returns true owns the payload; a handler error or panic produces a
// synthetic ERROR record carrying the original payload, never a propagated
// failure.
func (p *Parser) Parse(payload map[string]any) (msg ParsedMessage) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatParser, "Handler panicked", "panic", fmt.Sprint(r))
			msg = p.errorRecord(payload, fmt.Sprintf("handler panic: %v", r))
		}
	}()

	p.mu.Lock()
	handlers := p.handlers
	p.mu.Unlock()

	for _, h := range handlers {
		if !h.CanHandle(payload) {
			continue
		}
		parsed, err := h.Parse(payload)
		if err != nil {
			log.ErrorErr(log.CatParser, "Handler failed", err)
			return p.errorRecord(payload, err.Error())
		}
		p.record(parsed)
		return parsed
	}

	// Unreachable while the fallback is in place; kept so a misconfigured
	// chain still degrades to an ERROR record.
	return p.errorRecord(payload, "no handler accepted payload")
}

// errorRecord builds the synthetic ERROR result and counts it.
func (p *Parser) errorRecord(payload map[string]any, errText string) ParsedMessage {
	msg := baseMessage(payload)
	msg.Type = TypeError
	msg.ErrorMessage = errText
	msg.Metadata = map[string]any{
		"error_type": "parse_error",
	}
	p.record(msg)
	return msg
}

// record updates the counters for one parse result.
func (p *Parser) record(msg ParsedMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.totalParsed++
	p.byType[msg.Type]++
	if msg.Type == TypeUnknown {
		if orig, ok := msg.Metadata["original_type"].(string); ok && orig != "" {
			p.unknownTypes[orig] = struct{}{}
		}
	}
}

// Stats returns a snapshot of the counters. UnknownTypes is sorted for
// stable output.
func (p *Parser) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	byType := make(map[MessageType]int64, len(p.byType))
	for k, v := range p.byType {
		byType[k] = v
	}
	unknown := make([]string, 0, len(p.unknownTypes))
	for k := range p.unknownTypes {
		unknown = append(unknown, k)
	}
	sort.Strings(unknown)

	return Stats{
		TotalParsed:  p.totalParsed,
		ByType:       byType,
		UnknownTypes: unknown,
	}
}

var (
	_ Handler = sdkMessageHandler{}
	_ Handler = legacyResponseHandler{}
	_ Handler = eventHandler{}
	_ Handler = fallbackHandler{}
)
