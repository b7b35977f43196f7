// Package mock provides a scriptable assistant adapter for tests and the
// playground. It emits canned payloads through the normal callback path,
// so everything downstream (parser, storage, queue processor) runs exactly
// as it would against a real upstream.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/zjrosen/legion/internal/orchestration/client"
)

func init() {
	client.RegisterAdapter(client.AdapterMock, func(cfg client.AdapterConfig) client.Adapter {
		return New(cfg)
	})
}

// Responder maps one inbound message to the payloads the mock emits back.
type Responder func(content string) []map[string]any

// EchoResponder is the default script: an assistant echo followed by a
// result event, the minimal shape a full delivery cycle needs.
func EchoResponder(content string) []map[string]any {
	return []map[string]any{
		{
			"sdk_message": map[string]any{
				"type":  "assistant",
				"model": "mock",
				"content": []any{
					map[string]any{"type": "text", "text": "echo: " + content},
				},
			},
		},
		{
			"sdk_message": map[string]any{
				"type":     "result",
				"subtype":  "success",
				"is_error": false,
				"result":   "echo: " + content,
			},
		},
	}
}

// Adapter is the scriptable mock. Zero value is not usable; construct with
// New.
type Adapter struct {
	cfg       client.AdapterConfig
	responder Responder

	startFails bool
	sendFails  bool

	mu         sync.Mutex
	started    bool
	terminated bool
	sent       []string
}

// New creates a mock adapter with the echo responder.
func New(cfg client.AdapterConfig) *Adapter {
	return &Adapter{cfg: cfg, responder: EchoResponder}
}

// WithResponder replaces the response script.
func (a *Adapter) WithResponder(r Responder) *Adapter {
	a.responder = r
	return a
}

// WithStartFailure makes Start return false.
func (a *Adapter) WithStartFailure() *Adapter {
	a.startFails = true
	return a
}

// WithSendFailure makes SendMessage return false.
func (a *Adapter) WithSendFailure() *Adapter {
	a.sendFails = true
	return a
}

// Start marks the adapter active immediately. The real upstream takes
// seconds to bind; the mock signals readiness synchronously.
func (a *Adapter) Start(context.Context) bool {
	if a.startFails {
		return false
	}

	a.mu.Lock()
	if a.started || a.terminated {
		a.mu.Unlock()
		return false
	}
	a.started = true
	a.mu.Unlock()

	if a.cfg.OnUpstreamID != nil {
		a.cfg.OnUpstreamID("mock-" + a.cfg.SessionID)
	}
	if a.cfg.OnActive != nil {
		a.cfg.OnActive()
	}
	return true
}

// SendMessage records the message and plays the responder's payloads
// through the message callback.
func (a *Adapter) SendMessage(_ context.Context, content string) bool {
	a.mu.Lock()
	if !a.started || a.terminated {
		a.mu.Unlock()
		return false
	}
	if a.sendFails {
		a.mu.Unlock()
		if a.cfg.OnError != nil {
			a.cfg.OnError(fmt.Errorf("mock send failure"), false)
		}
		return false
	}
	a.sent = append(a.sent, content)
	a.mu.Unlock()

	if a.cfg.OnMessage != nil {
		for _, payload := range a.responder(content) {
			a.cfg.OnMessage(payload)
		}
	}
	return true
}

// Terminate is idempotent.
func (a *Adapter) Terminate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.terminated = true
	a.started = false
}

// Sent returns every message delivered so far.
func (a *Adapter) Sent() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.sent))
	copy(out, a.sent)
	return out
}

// Terminated reports whether Terminate was called.
func (a *Adapter) Terminated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.terminated
}

var _ client.Adapter = (*Adapter)(nil)
