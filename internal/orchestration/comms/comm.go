// Package comms defines the Comm envelope and the router that validates,
// persists, and delivers communications between the user and minions.
package comms

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CommType classifies the intent of a communication.
type CommType string

const (
	TypeTask      CommType = "TASK"
	TypeReport    CommType = "REPORT"
	TypeQuestion  CommType = "QUESTION"
	TypeAnswer    CommType = "ANSWER"
	TypeBroadcast CommType = "BROADCAST"
	TypeInfo      CommType = "INFO"
)

// Priority is an optional urgency tag on a Comm.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ErrInvalidComm wraps every envelope validation failure.
var ErrInvalidComm = errors.New("invalid comm")

// Comm is one communication envelope. Exactly one source marker and
// exactly one destination marker must be set; any other shape fails
// validation and is never persisted.
type Comm struct {
	CommID  string   `json:"comm_id"`
	Type    CommType `json:"comm_type"`
	Content string   `json:"content"`

	FromUser     bool   `json:"from_user,omitempty"`
	FromMinionID string `json:"from_minion_id,omitempty"`

	ToUser      bool   `json:"to_user,omitempty"`
	ToMinionID  string `json:"to_minion_id,omitempty"`
	ToChannelID string `json:"to_channel_id,omitempty"`

	Timestamp time.Time `json:"timestamp"`
	Priority  Priority  `json:"priority,omitempty"`
	ReplyTo   string    `json:"reply_to,omitempty"`

	// TraceID correlates the comm with the operation that produced it.
	// Stamped by the router if the caller left it empty.
	TraceID string `json:"trace_id,omitempty"`
}

// New builds a Comm with a fresh ID and timestamp. Source and destination
// are set by the caller before routing.
func New(commType CommType, content string) Comm {
	return Comm{
		CommID:    uuid.New().String(),
		Type:      commType,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// Validate enforces the envelope invariant: exactly one source and exactly
// one destination.
func (c *Comm) Validate() error {
	sources := 0
	if c.FromUser {
		sources++
	}
	if c.FromMinionID != "" {
		sources++
	}
	if sources != 1 {
		return fmt.Errorf("%w: exactly one source required, got %d", ErrInvalidComm, sources)
	}

	dests := 0
	if c.ToUser {
		dests++
	}
	if c.ToMinionID != "" {
		dests++
	}
	if c.ToChannelID != "" {
		dests++
	}
	if dests != 1 {
		return fmt.Errorf("%w: exactly one destination required, got %d", ErrInvalidComm, dests)
	}

	return nil
}
