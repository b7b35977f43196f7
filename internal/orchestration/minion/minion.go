// Package minion provides the foundational types for multi-minion
// orchestration. It defines the core domain entities including MinionID,
// SessionState, SessionConfig, and Record that enable running multiple
// concurrent long-lived assistant sessions.
package minion

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MinionID uniquely identifies a minion session.
// It is a string-based type using UUID format for global uniqueness.
type MinionID string

// NewMinionID generates a new unique MinionID using UUID v4.
func NewMinionID() MinionID {
	return MinionID(uuid.New().String())
}

// String returns the string representation of the MinionID.
func (id MinionID) String() string {
	return string(id)
}

// IsValid returns true if the MinionID is a valid UUID format.
func (id MinionID) IsValid() bool {
	if id == "" {
		return false
	}
	_, err := uuid.Parse(string(id))
	return err == nil
}

// SessionState represents the lifecycle state of a minion session.
// Valid transitions:
//
//	Created     -> Starting, Terminating
//	Starting    -> Active, Terminating
//	Active      -> Paused, Terminating
//	Paused      -> Starting, Terminating
//	Terminating -> Terminated
//	Terminated  -> Starting
//	Error       -> Terminating
//
// Additionally, every state may transition to Error (unrecoverable failure).
type SessionState string

const (
	// StateCreated indicates the session record exists but no adapter is bound.
	StateCreated SessionState = "CREATED"
	// StateStarting indicates the assistant adapter is launching.
	StateStarting SessionState = "STARTING"
	// StateActive indicates the adapter is ready and accepting messages.
	StateActive SessionState = "ACTIVE"
	// StatePaused indicates the session is temporarily suspended.
	StatePaused SessionState = "PAUSED"
	// StateTerminating indicates adapter teardown is in progress.
	StateTerminating SessionState = "TERMINATING"
	// StateTerminated indicates the session is logically destroyed.
	// The on-disk directory persists; the session can be started again.
	StateTerminated SessionState = "TERMINATED"
	// StateError indicates an unrecoverable failure; error_message is set.
	StateError SessionState = "ERROR"
)

// validTransitions defines the allowed state transitions for sessions.
// The key is the current state, the value is a set of valid target states.
// The Error target is handled as a blanket rule in CanTransitionTo.
var validTransitions = map[SessionState]map[SessionState]bool{
	StateCreated: {
		StateStarting:    true,
		StateTerminating: true,
	},
	StateStarting: {
		StateActive:      true,
		StateTerminating: true,
	},
	StateActive: {
		StatePaused:      true,
		StateTerminating: true,
	},
	StatePaused: {
		StateStarting:    true,
		StateTerminating: true,
	},
	StateTerminating: {
		StateTerminated: true,
	},
	StateTerminated: {
		StateStarting: true,
	},
	StateError: {
		StateTerminating: true,
	},
}

// String returns the string representation of the SessionState.
func (s SessionState) String() string {
	return string(s)
}

// IsValid returns true if this is a recognized SessionState value.
func (s SessionState) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// CanTransitionTo returns true if transitioning from the current state
// to the target state is valid according to the session state machine.
// Any state may transition to Error.
func (s SessionState) CanTransitionTo(target SessionState) bool {
	if !s.IsValid() || !target.IsValid() {
		return false
	}
	if target == StateError && s != StateError {
		return true
	}
	return validTransitions[s][target]
}

// ValidTargets returns all states that can be transitioned to from the
// current state, including the blanket Error target.
func (s SessionState) ValidTargets() []SessionState {
	allowed, ok := validTransitions[s]
	if !ok {
		return nil
	}
	targets := make([]SessionState, 0, len(allowed)+1)
	for target := range allowed {
		targets = append(targets, target)
	}
	if s != StateError {
		targets = append(targets, StateError)
	}
	return targets
}

// QueueConfig holds per-session queue processor pacing parameters.
type QueueConfig struct {
	// MinWaitSeconds is the pacing delay before each delivery.
	MinWaitSeconds int `json:"min_wait_seconds"`
	// MinIdleSeconds is the continuous idle time after a delivery that
	// marks the work item complete.
	MinIdleSeconds int `json:"min_idle_seconds"`
}

// DefaultQueueConfig returns the default pacing parameters.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		MinWaitSeconds: 10,
		MinIdleSeconds: 10,
	}
}

// SessionConfig defines parameters for creating a new minion session.
type SessionConfig struct {
	// Name is the display name for the minion. Optional.
	Name string

	// WorkingDir is the working directory for the assistant. Required.
	WorkingDir string

	// PermissionMode controls how tool permission prompts are handled.
	PermissionMode string

	// SystemPrompt is appended to the assistant's system prompt.
	SystemPrompt string

	// Tools declares the tool set available to the assistant.
	Tools []string

	// Model is the upstream model identifier.
	Model string

	// LegionID is the legion (project) this minion belongs to. Optional.
	LegionID string

	// Capabilities are free-form capability tags.
	Capabilities []string

	// Expertise is a scalar expertise score in [0,1].
	Expertise float64

	// Queue holds pacing parameters. Nil means DefaultQueueConfig; a
	// non-nil config is taken as-is, so explicit zeros disable pacing.
	Queue *QueueConfig

	// UseContainer requests sandboxed execution through the container wrapper.
	UseContainer bool
}

// Validate checks that the SessionConfig has all required fields.
func (c *SessionConfig) Validate() error {
	if c.WorkingDir == "" {
		return fmt.Errorf("working_dir is required")
	}
	if c.Expertise < 0 || c.Expertise > 1 {
		return fmt.Errorf("expertise must be in [0,1], got %v", c.Expertise)
	}
	return nil
}

// Record is the authoritative per-session state, serialized to state.json.
// All fields except SessionID and CreatedAt are mutable by the session
// manager only.
type Record struct {
	SessionID MinionID     `json:"session_id"`
	State     SessionState `json:"state"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	WorkingDir     string   `json:"working_dir"`
	PermissionMode string   `json:"permission_mode,omitempty"`
	SystemPrompt   string   `json:"system_prompt,omitempty"`
	Tools          []string `json:"tools,omitempty"`
	Model          string   `json:"model,omitempty"`

	Name string `json:"name,omitempty"`
	Slug string `json:"slug,omitempty"`

	LegionID     string   `json:"legion_id,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Expertise    float64  `json:"expertise,omitempty"`

	Queue        QueueConfig `json:"queue"`
	QueuePaused  bool        `json:"queue_paused"`
	IsProcessing bool        `json:"is_processing"`

	ErrorMessage string `json:"error_message,omitempty"`

	// UpstreamSessionID is assigned by the assistant adapter after it binds.
	UpstreamSessionID string `json:"upstream_session_id,omitempty"`

	// UseContainer requests sandboxed execution through the container wrapper.
	UseContainer bool `json:"use_container,omitempty"`
}

// NewRecord creates a session record from a SessionConfig.
// The record is created in Created state with a fresh MinionID.
func NewRecord(cfg SessionConfig) (*Record, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session config: %w", err)
	}

	queue := DefaultQueueConfig()
	if cfg.Queue != nil {
		queue = *cfg.Queue
	}

	now := time.Now()
	return &Record{
		SessionID:      NewMinionID(),
		State:          StateCreated,
		CreatedAt:      now,
		UpdatedAt:      now,
		WorkingDir:     cfg.WorkingDir,
		PermissionMode: cfg.PermissionMode,
		SystemPrompt:   cfg.SystemPrompt,
		Tools:          append([]string(nil), cfg.Tools...),
		Model:          cfg.Model,
		Name:           cfg.Name,
		Slug:           Slugify(cfg.Name),
		LegionID:       cfg.LegionID,
		Capabilities:   append([]string(nil), cfg.Capabilities...),
		Expertise:      cfg.Expertise,
		Queue:          queue,
		UseContainer:   cfg.UseContainer,
	}, nil
}

// Clone returns a deep copy of the record. Read accessors hand out clones
// so readers never observe concurrent mutation.
func (r *Record) Clone() *Record {
	cp := *r
	cp.Tools = append([]string(nil), r.Tools...)
	cp.Capabilities = append([]string(nil), r.Capabilities...)
	return &cp
}

// IsTerminal reports whether the session is logically destroyed.
func (r *Record) IsTerminal() bool {
	return r.State == StateTerminated
}
