// Package coordinator is the facade over the orchestration core. It owns
// the session manager, one assistant adapter per session, per-session
// message logs, the observer lists, and the queue processor pool, and it
// exposes the operations front-ends call.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/zjrosen/legion/internal/cachemanager"
	"github.com/zjrosen/legion/internal/log"
	"github.com/zjrosen/legion/internal/orchestration/client"
	"github.com/zjrosen/legion/internal/orchestration/legion"
	"github.com/zjrosen/legion/internal/orchestration/metrics"
	"github.com/zjrosen/legion/internal/orchestration/minion"
	"github.com/zjrosen/legion/internal/orchestration/parser"
	"github.com/zjrosen/legion/internal/orchestration/processor"
	"github.com/zjrosen/legion/internal/orchestration/queue"
	"github.com/zjrosen/legion/internal/orchestration/session"
	"github.com/zjrosen/legion/internal/orchestration/storage"
	"github.com/zjrosen/legion/internal/tracing"
)

// MessageCallback observes every parsed message for one session.
type MessageCallback func(sessionID string, msg parser.ParsedMessage)

// ErrorCallback observes adapter errors. Fatal errors have already moved
// the session to ERROR when the callback fires.
type ErrorCallback func(sessionID string, err error, fatal bool)

// messagePageTTL bounds how long a cached message page is served.
const messagePageTTL = time.Minute

// Config wires a Coordinator. Layout and AdapterFactory are required;
// managers are constructed internally when nil so tests can inject their
// own.
type Config struct {
	Layout         storage.Layout
	AdapterFactory client.Factory

	Sessions *session.Manager
	Queue    *queue.Manager
	Legions  *legion.Manager

	// Container configures sandboxed execution for sessions that request it.
	Container client.ContainerConfig

	// Tracer instruments coordinator operations. Defaults to a no-op.
	Tracer trace.Tracer

	// Processor tuning, passed through to the pool. Zero values use the
	// pool defaults.
	PollInterval  time.Duration
	ActiveTimeout time.Duration
}

// Coordinator wires sessions to adapters, storage, observers, and the
// queue processor pool.
type Coordinator struct {
	layout   storage.Layout
	sessions *session.Manager
	queue    *queue.Manager
	legions  *legion.Manager
	parser   *parser.Parser
	pool     *processor.Pool
	factory  client.Factory
	tracer   trace.Tracer
	usage    *metrics.Tracker

	container client.ContainerConfig
	prober    *client.Prober

	messagePages *cachemanager.ReadThroughCache[string, []parser.ParsedMessage, messagePageQuery]
	pageCache    cachemanager.CacheManager[string, []parser.ParsedMessage]

	mu       sync.Mutex
	adapters map[string]client.Adapter
	writers  map[string]*storage.LineWriter
	pageKeys map[string]map[string]struct{} // session ID -> cached page keys

	cbMu         sync.Mutex
	msgCallbacks []MessageCallback
	errCallbacks []ErrorCallback
}

// New creates a coordinator and its processor pool.
func New(cfg Config) *Coordinator {
	sessions := cfg.Sessions
	if sessions == nil {
		sessions = session.NewManager(cfg.Layout)
	}
	queueMgr := cfg.Queue
	if queueMgr == nil {
		queueMgr = queue.NewManager(cfg.Layout)
	}
	legions := cfg.Legions
	if legions == nil {
		legions = legion.NewManager(cfg.Layout)
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("noop")
	}

	c := &Coordinator{
		layout:    cfg.Layout,
		sessions:  sessions,
		queue:     queueMgr,
		legions:   legions,
		parser:    parser.New(),
		usage:     metrics.NewTracker(),
		factory:   cfg.AdapterFactory,
		tracer:    tracer,
		container: cfg.Container,
		prober:    client.NewProber(cfg.Container),
		adapters:  make(map[string]client.Adapter),
		writers:   make(map[string]*storage.LineWriter),
	}

	pageCache := cachemanager.NewInMemoryCacheManager[string, []parser.ParsedMessage](
		"session-messages", cachemanager.DefaultExpiration, cachemanager.DefaultCleanupInterval)
	c.pageCache = pageCache
	c.messagePages = cachemanager.NewReadThroughCache[string, []parser.ParsedMessage, messagePageQuery](
		pageCache, c.loadMessagePage, false)

	c.pool = processor.NewPool(processor.Config{
		Sessions:      sessions,
		Queue:         queueMgr,
		Driver:        (*poolDriver)(c),
		PollInterval:  cfg.PollInterval,
		ActiveTimeout: cfg.ActiveTimeout,
	})

	return c
}

// Sessions exposes the session manager for read-side consumers.
func (c *Coordinator) Sessions() *session.Manager { return c.sessions }

// Queue exposes the queue manager.
func (c *Coordinator) Queue() *queue.Manager { return c.queue }

// Legions exposes the legion manager.
func (c *Coordinator) Legions() *legion.Manager { return c.legions }

// Pool exposes the queue processor pool.
func (c *Coordinator) Pool() *processor.Pool { return c.pool }

// ParserStats returns the message parser's counters.
func (c *Coordinator) ParserStats() parser.Stats { return c.parser.Stats() }

// SessionMetrics returns the session's cumulative token usage and cost.
func (c *Coordinator) SessionMetrics(sessionID string) metrics.TokenMetrics {
	return c.usage.Get(sessionID)
}

// ProbeContainer reports container-platform readiness for sandboxed
// sessions.
func (c *Coordinator) ProbeContainer(ctx context.Context) client.ProbeResult {
	return c.prober.Probe(ctx)
}

// AddMessageCallback registers an observer for parsed messages.
func (c *Coordinator) AddMessageCallback(cb MessageCallback) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.msgCallbacks = append(c.msgCallbacks, cb)
}

// AddErrorCallback registers an observer for adapter errors.
func (c *Coordinator) AddErrorCallback(cb ErrorCallback) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.errCallbacks = append(c.errCallbacks, cb)
}

// AddStateChangeCallback registers an observer for state transitions.
func (c *Coordinator) AddStateChangeCallback(cb session.StateChangeCallback) {
	c.sessions.AddStateChangeCallback(cb)
}

// GetSessionInfo returns a snapshot of one session.
func (c *Coordinator) GetSessionInfo(sessionID string) (*minion.Record, bool) {
	return c.sessions.Get(sessionID)
}

// ListSessions returns snapshots of every session.
func (c *Coordinator) ListSessions() []*minion.Record {
	return c.sessions.List()
}

// poolDriver adapts the coordinator to the processor's Driver interface
// without exporting the methods on Coordinator itself.
type poolDriver Coordinator

func (d *poolDriver) StartSession(ctx context.Context, sessionID string, permissionCb processor.PermissionCallback) error {
	return (*Coordinator)(d).StartSession(ctx, sessionID, permissionCb)
}

func (d *poolDriver) ResetSession(ctx context.Context, sessionID string) error {
	return (*Coordinator)(d).ResetSession(ctx, sessionID)
}

func (d *poolDriver) SendMessage(ctx context.Context, sessionID, content string) bool {
	return (*Coordinator)(d).SendMessage(ctx, sessionID, content)
}

var _ processor.Driver = (*poolDriver)(nil)

// span starts a coordinator span tagged with the session ID.
func (c *Coordinator) span(ctx context.Context, op, sessionID string) (context.Context, trace.Span) {
	ctx, span := c.tracer.Start(ctx, tracing.SpanPrefixCoordinator+op)
	span.SetAttributes(attribute.String(tracing.AttrSessionID, sessionID))
	return ctx, span
}

// notifyMessage fans a parsed message out to observers behind panic
// barriers.
func (c *Coordinator) notifyMessage(sessionID string, msg parser.ParsedMessage) {
	c.cbMu.Lock()
	callbacks := make([]MessageCallback, len(c.msgCallbacks))
	copy(callbacks, c.msgCallbacks)
	c.cbMu.Unlock()

	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error(log.CatCoord, "Message callback panicked",
						"sessionID", sessionID, "panic", fmt.Sprint(r))
				}
			}()
			cb(sessionID, msg)
		}()
	}
}

// notifyError fans an adapter error out to observers.
func (c *Coordinator) notifyError(sessionID string, err error, fatal bool) {
	c.cbMu.Lock()
	callbacks := make([]ErrorCallback, len(c.errCallbacks))
	copy(callbacks, c.errCallbacks)
	c.cbMu.Unlock()

	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error(log.CatCoord, "Error callback panicked",
						"sessionID", sessionID, "panic", fmt.Sprint(r))
				}
			}()
			cb(sessionID, err, fatal)
		}()
	}
}
