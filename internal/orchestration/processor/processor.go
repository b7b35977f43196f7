// Package processor runs one background task per session that drains the
// session's queue: auto-starting the session, pacing deliveries, waiting
// for the assistant to go idle, and recording sent/failed outcomes. Tasks
// are spawned on demand and die when their queue is empty.
package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zjrosen/legion/internal/log"
	"github.com/zjrosen/legion/internal/orchestration/minion"
	"github.com/zjrosen/legion/internal/orchestration/queue"
	"github.com/zjrosen/legion/internal/orchestration/session"
)

// Failure reasons recorded on queue items.
const (
	reasonAutoStartFailed = "Failed to auto-start session"
	reasonNotActive       = "Session did not become active"
	reasonSendFailed      = "Failed to send message"
	reasonErrorState      = "Session entered error state during processing"
)

// PermissionCallback answers a tool permission prompt for a session.
type PermissionCallback func(request map[string]any) (allowed bool, reasoning string)

// Driver is the coordinator surface the processor drives.
type Driver interface {
	// StartSession brings a CREATED or TERMINATED session up, wiring the
	// permission callback if one is given.
	StartSession(ctx context.Context, sessionID string, permissionCb PermissionCallback) error

	// ResetSession tears down and restarts the session's adapter, reusing
	// the session record.
	ResetSession(ctx context.Context, sessionID string) error

	// SendMessage forwards content to the session's adapter.
	SendMessage(ctx context.Context, sessionID, content string) bool
}

// BroadcastHook observes terminal per-item events ("sent" / "failed").
type BroadcastHook func(sessionID, action string, item queue.Item)

// Config wires a Pool. Sessions, Queue, and Driver are required.
type Config struct {
	Sessions *session.Manager
	Queue    *queue.Manager
	Driver   Driver

	// Clock provides time operations. Defaults to RealClock if nil.
	Clock Clock

	// PollInterval is the cadence for pause sleeps and state/idle polling.
	// Defaults to 1s.
	PollInterval time.Duration

	// ActiveTimeout bounds the wait for a session to reach ACTIVE.
	// Defaults to 120s.
	ActiveTimeout time.Duration
}

// Pool manages one processor task per session. EnsureRunning while a task
// is already running is a no-op; the spawn check is guarded so two tasks
// can never exist for one session.
type Pool struct {
	sessions *session.Manager
	queue    *queue.Manager
	driver   Driver
	clock    Clock

	pollInterval  time.Duration
	activeTimeout time.Duration

	mu          sync.Mutex
	running     map[string]context.CancelFunc
	permissions map[string]PermissionCallback
	broadcast   BroadcastHook

	wg sync.WaitGroup
}

// NewPool creates a processor pool.
func NewPool(cfg Config) *Pool {
	clock := cfg.Clock
	if clock == nil {
		clock = RealClock{}
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	activeTimeout := cfg.ActiveTimeout
	if activeTimeout <= 0 {
		activeTimeout = 120 * time.Second
	}

	return &Pool{
		sessions:      cfg.Sessions,
		queue:         cfg.Queue,
		driver:        cfg.Driver,
		clock:         clock,
		pollInterval:  pollInterval,
		activeTimeout: activeTimeout,
		running:       make(map[string]context.CancelFunc),
		permissions:   make(map[string]PermissionCallback),
	}
}

// SetBroadcastHook registers the per-item event observer.
func (p *Pool) SetBroadcastHook(hook BroadcastHook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.broadcast = hook
}

// SetPermissionCallback registers the permission callback used when this
// session is auto-started.
func (p *Pool) SetPermissionCallback(sessionID string, cb PermissionCallback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.permissions[sessionID] = cb
}

// EnsureRunning spawns the session's processor task if it is not already
// running.
func (p *Pool) EnsureRunning(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.running[sessionID]; ok {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.running[sessionID] = cancel
	p.wg.Add(1)

	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.running, sessionID)
			p.mu.Unlock()
		}()
		p.run(ctx, sessionID)
	}()

	log.Debug(log.CatProc, "Spawned queue processor", "sessionID", sessionID)
}

// Stop cancels the session's processor task, if running. A cancelled
// in-flight item stays pending.
func (p *Pool) Stop(sessionID string) {
	p.mu.Lock()
	cancel, ok := p.running[sessionID]
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

// StopAll cancels every task and waits for them to exit.
func (p *Pool) StopAll() {
	p.mu.Lock()
	for _, cancel := range p.running {
		cancel()
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// IsRunning reports whether the session has a live processor task.
func (p *Pool) IsRunning(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.running[sessionID]
	return ok
}

// run is the per-session delivery loop. It exits when the queue has no
// pending item, on halt conditions, or on cancellation.
func (p *Pool) run(ctx context.Context, sessionID string) {
	for {
		item, ok := p.queue.PeekNext(sessionID)
		if !ok {
			log.Debug(log.CatProc, "Queue drained, processor exiting", "sessionID", sessionID)
			return
		}

		rec, ok := p.sessions.Get(sessionID)
		if !ok {
			log.Warn(log.CatProc, "Session vanished, processor exiting", "sessionID", sessionID)
			return
		}

		// A paused queue resumes in place; keep the task alive.
		if rec.QueuePaused {
			if !p.sleep(ctx, p.pollInterval) {
				return
			}
			continue
		}

		// ERROR halts the queue until the user intervenes. The item is
		// deliberately left pending.
		if rec.State == minion.StateError {
			log.Warn(log.CatProc, "Session in error state, halting queue",
				"sessionID", sessionID, "error", rec.ErrorMessage)
			return
		}

		if rec.State == minion.StateCreated || rec.State == minion.StateTerminated {
			p.mu.Lock()
			permCb := p.permissions[sessionID]
			p.mu.Unlock()

			if err := p.driver.StartSession(ctx, sessionID, permCb); err != nil {
				log.ErrorErr(log.CatProc, "Auto-start failed", err, "sessionID", sessionID)
				p.fail(sessionID, item, reasonAutoStartFailed)
				return
			}
		}

		if halt := p.waitForActive(ctx, sessionID, item); halt {
			return
		}

		if item.ResetSession {
			if err := p.driver.ResetSession(ctx, sessionID); err != nil {
				log.ErrorErr(log.CatProc, "Session reset failed", err, "sessionID", sessionID)
				p.fail(sessionID, item, reasonNotActive)
				return
			}
			if halt := p.waitForActive(ctx, sessionID, item); halt {
				return
			}
		}

		// Pacing delay before delivery.
		minWait := time.Duration(rec.Queue.MinWaitSeconds) * time.Second
		if minWait > 0 && !p.sleep(ctx, minWait) {
			return
		}

		// Pause may have been requested during pacing; re-check right
		// before the send.
		if rec, ok = p.sessions.Get(sessionID); !ok {
			return
		}
		if rec.QueuePaused {
			continue
		}

		if !p.driver.SendMessage(ctx, sessionID, item.Content) {
			p.fail(sessionID, item, reasonSendFailed)
			return
		}

		done, reason := p.idleWait(ctx, sessionID, time.Duration(rec.Queue.MinIdleSeconds)*time.Second)
		if !done {
			if reason == "" {
				return // cancelled; item stays pending
			}
			p.fail(sessionID, item, reason)
			return
		}

		if err := p.queue.MarkSent(sessionID, item.QueueID); err != nil {
			log.ErrorErr(log.CatProc, "Failed to mark item sent", err,
				"sessionID", sessionID, "queueID", item.QueueID)
			return
		}
		item.Status = queue.StatusSent
		p.notify(sessionID, "sent", item)

		log.Info(log.CatProc, "Delivered queue item",
			"sessionID", sessionID, "queueID", item.QueueID)
	}
}

// waitForActive polls until the session reaches ACTIVE, bounded by the
// active timeout. Returns true when the caller must exit the loop (the
// item was failed, or the task was cancelled).
func (p *Pool) waitForActive(ctx context.Context, sessionID string, item queue.Item) (halt bool) {
	deadline := p.clock.Now().Add(p.activeTimeout)
	for {
		rec, ok := p.sessions.Get(sessionID)
		if !ok {
			return true
		}
		switch rec.State {
		case minion.StateActive:
			return false
		case minion.StateError:
			p.fail(sessionID, item, reasonErrorState)
			return true
		}

		if p.clock.Now().After(deadline) {
			p.fail(sessionID, item, reasonNotActive)
			return true
		}
		if !p.sleep(ctx, p.pollInterval) {
			return true
		}
	}
}

// idleWait polls is_processing until the session has been continuously
// idle for minIdle. A pause request suspends polling and resets the idle
// timer. There is no overall timeout: users may answer permission prompts
// hours later. Returns done=false with an empty reason on cancellation.
func (p *Pool) idleWait(ctx context.Context, sessionID string, minIdle time.Duration) (done bool, reason string) {
	var idleSince time.Time
	for {
		rec, ok := p.sessions.Get(sessionID)
		if !ok {
			return false, reasonErrorState
		}
		if rec.State == minion.StateError {
			return false, reasonErrorState
		}

		switch {
		case rec.QueuePaused:
			idleSince = time.Time{}
		case rec.IsProcessing:
			idleSince = time.Time{}
		default:
			now := p.clock.Now()
			if idleSince.IsZero() {
				idleSince = now
			}
			if now.Sub(idleSince) >= minIdle {
				return true, ""
			}
		}

		if !p.sleep(ctx, p.pollInterval) {
			return false, ""
		}
	}
}

// fail marks the item failed and broadcasts. Mark failures are logged;
// the broadcast still fires with the intended snapshot.
func (p *Pool) fail(sessionID string, item queue.Item, reason string) {
	if err := p.queue.MarkFailed(sessionID, item.QueueID, reason); err != nil {
		log.ErrorErr(log.CatProc, "Failed to mark item failed", err,
			"sessionID", sessionID, "queueID", item.QueueID)
	}
	item.Status = queue.StatusFailed
	item.FailureReason = reason
	p.notify(sessionID, "failed", item)

	log.Warn(log.CatProc, "Queue item failed",
		"sessionID", sessionID, "queueID", item.QueueID, "reason", reason)
}

// notify invokes the broadcast hook behind a panic barrier.
func (p *Pool) notify(sessionID, action string, item queue.Item) {
	p.mu.Lock()
	hook := p.broadcast
	p.mu.Unlock()
	if hook == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatProc, "Broadcast hook panicked",
				"sessionID", sessionID, "panic", fmt.Sprint(r))
		}
	}()
	hook(sessionID, action, item)
}

// sleep blocks for d or until cancellation; returns false if cancelled.
func (p *Pool) sleep(ctx context.Context, d time.Duration) bool {
	timer := p.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C():
		return true
	}
}
