// Package client defines the assistant adapter contract the coordinator
// binds to each session, plus the container-mode plumbing (environment
// publication and platform probe). The concrete upstream process lives
// behind this boundary; the core only sees the callback stream.
package client

import (
	"context"
	"fmt"
)

// AdapterType identifies an assistant adapter provider.
type AdapterType string

const (
	// AdapterClaude is the Claude Code CLI adapter.
	AdapterClaude AdapterType = "claude"
	// AdapterMock is the scriptable mock adapter for tests and the playground.
	AdapterMock AdapterType = "mock"
)

// MessageCallback delivers one upstream event payload. Payloads carry a
// structured object under "sdk_message", a legacy blob under
// "raw_sdk_response", or a flat "type"-tagged map; the parser accepts all
// three.
type MessageCallback func(payload map[string]any)

// ErrorCallback reports an adapter failure. Fatal errors move the session
// to ERROR; non-fatal ones are logged and surfaced to observers.
type ErrorCallback func(err error, fatal bool)

// Adapter is the per-session assistant integration.
type Adapter interface {
	// Start launches the upstream process. On success the adapter must
	// eventually invoke the configured OnActive hook and begin delivering
	// events through OnMessage.
	Start(ctx context.Context) bool

	// SendMessage forwards one message to the upstream.
	SendMessage(ctx context.Context, content string) bool

	// Terminate releases all adapter resources. Idempotent; safe to call
	// on an adapter that never started or already terminated.
	Terminate()
}

// AdapterConfig carries everything an adapter needs to bind one session.
type AdapterConfig struct {
	SessionID      string
	WorkingDir     string
	Model          string
	SystemPrompt   string
	Tools          []string
	PermissionMode string

	// UpstreamSessionID resumes a previous upstream conversation when set.
	UpstreamSessionID string

	// UseContainer wraps the upstream in the container wrapper; Container
	// supplies the published environment.
	UseContainer bool
	Container    ContainerConfig

	OnMessage MessageCallback
	OnError   ErrorCallback

	// OnActive is the adapter-readiness signal; the coordinator maps it to
	// the STARTING -> ACTIVE transition.
	OnActive func()

	// OnUpstreamID reports the session identifier the upstream assigned
	// after binding.
	OnUpstreamID func(upstreamID string)
}

// Factory builds an adapter bound to one session.
type Factory func(cfg AdapterConfig) Adapter

// ErrUnknownAdapterType is returned when an unregistered type is requested.
var ErrUnknownAdapterType = fmt.Errorf("unknown adapter type")

var adapterRegistry = make(map[AdapterType]Factory)

// RegisterAdapter registers a factory for the given type. Called from
// init() in provider packages.
func RegisterAdapter(adapterType AdapterType, factory Factory) {
	adapterRegistry[adapterType] = factory
}

// NewAdapter builds an adapter of the given type.
func NewAdapter(adapterType AdapterType, cfg AdapterConfig) (Adapter, error) {
	factory, ok := adapterRegistry[adapterType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAdapterType, adapterType)
	}
	return factory(cfg), nil
}

// RegisteredAdapters returns all registered adapter types.
func RegisteredAdapters() []AdapterType {
	types := make([]AdapterType, 0, len(adapterRegistry))
	for t := range adapterRegistry {
		types = append(types, t)
	}
	return types
}

// NestedSessionEnvVar marks that we are already running inside an upstream
// assistant session. Adapters may refuse to start when it is set; the core
// itself never reads it for control flow.
const NestedSessionEnvVar = "CLAUDECODE"
