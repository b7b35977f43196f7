package coordinator

import (
	"context"
	"fmt"

	"github.com/zjrosen/legion/internal/log"
	"github.com/zjrosen/legion/internal/orchestration/client"
	"github.com/zjrosen/legion/internal/orchestration/minion"
	"github.com/zjrosen/legion/internal/orchestration/parser"
	"github.com/zjrosen/legion/internal/orchestration/processor"
	"github.com/zjrosen/legion/internal/orchestration/session"
	"github.com/zjrosen/legion/internal/orchestration/storage"
	"github.com/zjrosen/legion/internal/tracing"
)

// CreateSession persists a new session record. The adapter is constructed
// lazily on first start, not here.
func (c *Coordinator) CreateSession(ctx context.Context, cfg minion.SessionConfig) (*minion.Record, error) {
	_, span := c.span(ctx, "create_session", "")
	defer span.End()

	rec, err := c.sessions.Create(cfg)
	if err != nil {
		return nil, err
	}
	span.AddEvent(tracing.EventSessionCreated)

	if rec.LegionID != "" {
		if err := c.legions.AddMinion(rec.LegionID, rec.SessionID.String()); err != nil {
			log.Warn(log.CatCoord, "Could not register legion membership",
				"sessionID", rec.SessionID.String(), "legionID", rec.LegionID, "error", err.Error())
		}
	}
	return rec, nil
}

// StartSession transitions the session to STARTING and launches its
// adapter. The adapter signals readiness through the active hook, which
// completes the STARTING -> ACTIVE transition. A second concurrent start
// observes the rejected transition and returns an error.
func (c *Coordinator) StartSession(ctx context.Context, sessionID string, permissionCb processor.PermissionCallback) error {
	ctx, span := c.span(ctx, "start_session", sessionID)
	defer span.End()

	rec, ok := c.sessions.Get(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", session.ErrSessionNotFound, sessionID)
	}

	if !c.sessions.TransitionTo(sessionID, minion.StateStarting) {
		return fmt.Errorf("cannot start session %s from state %s", sessionID, rec.State)
	}

	if permissionCb != nil {
		c.pool.SetPermissionCallback(sessionID, permissionCb)
	}

	adapter := c.factory(c.adapterConfig(rec))
	c.mu.Lock()
	c.adapters[sessionID] = adapter
	c.mu.Unlock()

	if !adapter.Start(ctx) {
		c.mu.Lock()
		delete(c.adapters, sessionID)
		c.mu.Unlock()
		adapter.Terminate()
		c.sessions.SetError(sessionID, "adapter failed to start")
		return fmt.Errorf("adapter failed to start for session %s", sessionID)
	}

	span.AddEvent(tracing.EventSessionActive)
	return nil
}

// PauseSession moves an active session to PAUSED. Soft: returns false on
// an invalid transition.
func (c *Coordinator) PauseSession(ctx context.Context, sessionID string) bool {
	_, span := c.span(ctx, "pause_session", sessionID)
	defer span.End()
	return c.sessions.TransitionTo(sessionID, minion.StatePaused)
}

// TerminateSession tears down the session's adapter and moves the record
// to TERMINATED. The directory and logs persist; only the state changes.
func (c *Coordinator) TerminateSession(ctx context.Context, sessionID string) error {
	_, span := c.span(ctx, "terminate_session", sessionID)
	defer span.End()

	if _, ok := c.sessions.Get(sessionID); !ok {
		return fmt.Errorf("%w: %s", session.ErrSessionNotFound, sessionID)
	}

	if !c.sessions.TransitionTo(sessionID, minion.StateTerminating) {
		return fmt.Errorf("cannot terminate session %s", sessionID)
	}

	c.teardownAdapter(sessionID)
	c.sessions.TransitionTo(sessionID, minion.StateTerminated)

	log.Info(log.CatCoord, "Terminated session", "sessionID", sessionID)
	return nil
}

// ResetSession terminates the session's adapter and starts a fresh one,
// reusing the session record. The upstream conversation binding is
// cleared so the new adapter starts clean.
func (c *Coordinator) ResetSession(ctx context.Context, sessionID string) error {
	ctx, span := c.span(ctx, "reset_session", sessionID)
	defer span.End()

	if err := c.TerminateSession(ctx, sessionID); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	if err := c.sessions.SetUpstreamID(sessionID, ""); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	c.usage.Reset(sessionID)
	return c.StartSession(ctx, sessionID, nil)
}

// Cleanup stops every processor task, terminates every adapter, and
// persists final states. Called once at shutdown.
func (c *Coordinator) Cleanup(ctx context.Context) {
	_, span := c.span(ctx, "cleanup", "")
	defer span.End()

	c.pool.StopAll()

	for _, rec := range c.sessions.List() {
		sessionID := rec.SessionID.String()

		c.mu.Lock()
		_, hasAdapter := c.adapters[sessionID]
		c.mu.Unlock()
		if !hasAdapter {
			continue
		}

		if c.sessions.TransitionTo(sessionID, minion.StateTerminating) {
			c.teardownAdapter(sessionID)
			c.sessions.TransitionTo(sessionID, minion.StateTerminated)
		} else {
			c.teardownAdapter(sessionID)
		}
	}

	log.Info(log.CatCoord, "Coordinator cleanup complete")
}

// teardownAdapter terminates and forgets the session's adapter and closes
// its message log writer.
func (c *Coordinator) teardownAdapter(sessionID string) {
	c.mu.Lock()
	adapter := c.adapters[sessionID]
	writer := c.writers[sessionID]
	delete(c.adapters, sessionID)
	delete(c.writers, sessionID)
	c.mu.Unlock()

	if adapter != nil {
		adapter.Terminate()
	}
	if writer != nil {
		if err := writer.Close(); err != nil {
			log.ErrorErr(log.CatCoord, "Failed to close message log", err, "sessionID", sessionID)
		}
	}
}

// adapterConfig assembles the adapter binding for one session, wiring the
// callback chain: parse, persist, flip is_processing, fan out.
func (c *Coordinator) adapterConfig(rec *minion.Record) client.AdapterConfig {
	sessionID := rec.SessionID.String()

	cfg := client.AdapterConfig{
		SessionID:         sessionID,
		WorkingDir:        rec.WorkingDir,
		Model:             rec.Model,
		SystemPrompt:      rec.SystemPrompt,
		Tools:             rec.Tools,
		PermissionMode:    rec.PermissionMode,
		UpstreamSessionID: rec.UpstreamSessionID,
		UseContainer:      rec.UseContainer,

		OnMessage: func(payload map[string]any) {
			c.handleMessage(sessionID, payload)
		},
		OnError: func(err error, fatal bool) {
			c.handleError(sessionID, err, fatal)
		},
		OnActive: func() {
			c.sessions.MarkActive(sessionID)
		},
		OnUpstreamID: func(upstreamID string) {
			if err := c.sessions.SetUpstreamID(sessionID, upstreamID); err != nil {
				log.ErrorErr(log.CatCoord, "Failed to record upstream session ID", err,
					"sessionID", sessionID)
			}
		},
	}
	if rec.UseContainer {
		cfg.Container = c.container
	}
	return cfg
}

// handleMessage is the per-session message callback: parse the payload,
// append it to messages.jsonl, update is_processing, and fan out. The
// append happens before observers fire so a reader reacting to the
// notification sees the persisted entry.
func (c *Coordinator) handleMessage(sessionID string, payload map[string]any) {
	msg := c.parser.Parse(payload)
	if msg.SessionID == "" {
		msg.SessionID = sessionID
	}

	writer, err := c.writerFor(sessionID)
	if err != nil {
		log.ErrorErr(log.CatCoord, "Failed to open message log", err, "sessionID", sessionID)
	} else if err := writer.Append(msg); err != nil {
		log.ErrorErr(log.CatCoord, "Failed to append message", err, "sessionID", sessionID)
	}
	c.invalidateMessagePages(sessionID)

	switch msg.Type {
	case parser.TypeAssistant, parser.TypeToolUse, parser.TypeThinking:
		c.setProcessing(sessionID, true)
	case parser.TypeResult, parser.TypeError:
		if msg.Type == parser.TypeResult {
			c.usage.RecordResult(sessionID, msg.Metadata)
		}
		c.setProcessing(sessionID, false)
	}

	c.notifyMessage(sessionID, msg)
}

// handleError records an adapter failure. Fatal errors move the session
// to ERROR before observers hear about them.
func (c *Coordinator) handleError(sessionID string, err error, fatal bool) {
	if fatal {
		c.sessions.SetError(sessionID, err.Error())
		log.ErrorErr(log.CatCoord, "Fatal adapter error", err, "sessionID", sessionID)
	} else {
		log.Warn(log.CatCoord, "Adapter error", "sessionID", sessionID, "error", err.Error())
	}
	c.notifyError(sessionID, err, fatal)
}

func (c *Coordinator) setProcessing(sessionID string, processing bool) {
	rec, ok := c.sessions.Get(sessionID)
	if !ok || rec.IsProcessing == processing {
		return
	}
	if err := c.sessions.SetProcessing(sessionID, processing); err != nil {
		log.ErrorErr(log.CatCoord, "Failed to update processing flag", err, "sessionID", sessionID)
	}
}

// writerFor returns the session's open message log writer, creating it on
// first use.
func (c *Coordinator) writerFor(sessionID string) (*storage.LineWriter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if w, ok := c.writers[sessionID]; ok {
		return w, nil
	}
	w, err := storage.NewLineWriter(c.layout.MessagesPath(sessionID))
	if err != nil {
		return nil, err
	}
	c.writers[sessionID] = w
	return w, nil
}
