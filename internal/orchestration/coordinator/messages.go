package coordinator

import (
	"context"
	"fmt"
	"strconv"

	"github.com/zjrosen/legion/internal/log"
	"github.com/zjrosen/legion/internal/orchestration/minion"
	"github.com/zjrosen/legion/internal/orchestration/parser"
	"github.com/zjrosen/legion/internal/orchestration/queue"
	"github.com/zjrosen/legion/internal/orchestration/storage"
	"github.com/zjrosen/legion/internal/tracing"
)

// SendMessage forwards content to the session's adapter. Returns false if
// no adapter is bound or the adapter refuses the message.
func (c *Coordinator) SendMessage(ctx context.Context, sessionID, content string) bool {
	ctx, span := c.span(ctx, "send_message", sessionID)
	defer span.End()

	c.mu.Lock()
	adapter := c.adapters[sessionID]
	c.mu.Unlock()

	if adapter == nil {
		log.Warn(log.CatCoord, "Send with no adapter bound", "sessionID", sessionID)
		return false
	}

	ok := adapter.SendMessage(ctx, content)
	if ok {
		span.AddEvent(tracing.EventMessageDelivered)
	}
	return ok
}

// Enqueue appends a work item to the session's queue and makes sure its
// processor task is running.
func (c *Coordinator) Enqueue(ctx context.Context, sessionID, content string, resetSession bool) (queue.Item, error) {
	_, span := c.span(ctx, "enqueue", sessionID)
	defer span.End()

	if _, ok := c.sessions.Get(sessionID); !ok {
		return queue.Item{}, fmt.Errorf("enqueue: unknown session %s", sessionID)
	}

	item, err := c.queue.Enqueue(sessionID, content, resetSession)
	if err != nil {
		return queue.Item{}, err
	}
	span.AddEvent(tracing.EventMessageQueued)

	c.pool.EnsureRunning(sessionID)
	return item, nil
}

// DeliverToMinion is the comm router's send path. An active session gets
// the content directly; otherwise it is queued, and the processor's
// auto-start brings the session up.
func (c *Coordinator) DeliverToMinion(ctx context.Context, sessionID, content string) error {
	rec, ok := c.sessions.Get(sessionID)
	if !ok {
		return fmt.Errorf("deliver: unknown session %s", sessionID)
	}

	if rec.State == minion.StateActive {
		if !c.SendMessage(ctx, sessionID, content) {
			return fmt.Errorf("deliver: send failed for session %s", sessionID)
		}
		return nil
	}

	_, err := c.Enqueue(ctx, sessionID, content, false)
	return err
}

// messagePageQuery identifies one page of a session's message log.
type messagePageQuery struct {
	sessionID string
	limit     int
	offset    int
}

func (q messagePageQuery) key() string {
	return q.sessionID + ":" + strconv.Itoa(q.limit) + ":" + strconv.Itoa(q.offset)
}

// GetSessionMessages returns a page of the session's parsed message log,
// served through the read-through cache. limit <= 0 means the whole log.
func (c *Coordinator) GetSessionMessages(ctx context.Context, sessionID string, limit, offset int) ([]parser.ParsedMessage, error) {
	q := messagePageQuery{sessionID: sessionID, limit: limit, offset: offset}

	c.mu.Lock()
	if c.pageKeys == nil {
		c.pageKeys = make(map[string]map[string]struct{})
	}
	if c.pageKeys[sessionID] == nil {
		c.pageKeys[sessionID] = make(map[string]struct{})
	}
	c.pageKeys[sessionID][q.key()] = struct{}{}
	c.mu.Unlock()

	return c.messagePages.Get(ctx, q.key(), q, messagePageTTL)
}

// loadMessagePage is the cache-miss loader: read the page straight from
// messages.jsonl.
func (c *Coordinator) loadMessagePage(_ context.Context, q messagePageQuery) ([]parser.ParsedMessage, error) {
	entries, skipped, err := storage.ReadJSONLines[parser.ParsedMessage](
		c.layout.MessagesPath(q.sessionID), q.limit, q.offset)
	if err != nil {
		return nil, fmt.Errorf("read messages for %s: %w", q.sessionID, err)
	}
	if skipped > 0 {
		log.Warn(log.CatCoord, "Skipped malformed message log lines",
			"sessionID", q.sessionID, "skipped", skipped)
	}
	return entries, nil
}

// invalidateMessagePages drops every cached page for a session after an
// append.
func (c *Coordinator) invalidateMessagePages(sessionID string) {
	c.mu.Lock()
	keys := make([]string, 0, len(c.pageKeys[sessionID]))
	for k := range c.pageKeys[sessionID] {
		keys = append(keys, k)
	}
	delete(c.pageKeys, sessionID)
	c.mu.Unlock()

	if len(keys) == 0 {
		return
	}
	if err := c.pageCache.Delete(context.Background(), keys...); err != nil {
		log.ErrorErr(log.CatCache, "Failed to invalidate message pages", err,
			"sessionID", sessionID)
	}
}
