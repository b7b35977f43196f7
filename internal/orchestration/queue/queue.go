// Package queue provides the persistent per-session work queue. Items are
// an ordered FIFO of pending messages to deliver to a session; sent and
// failed items remain in the file for audit. Every mutation rewrites the
// session's queue.json atomically.
package queue

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/legion/internal/log"
	"github.com/zjrosen/legion/internal/orchestration/storage"
)

// Status is the delivery status of a queue item.
type Status string

const (
	// StatusPending marks an item waiting to be delivered.
	StatusPending Status = "pending"
	// StatusSent marks an item that was delivered successfully.
	StatusSent Status = "sent"
	// StatusFailed marks an item whose delivery failed; FailureReason is set.
	StatusFailed Status = "failed"
)

// ErrItemNotFound is returned when a queue item ID does not exist.
var ErrItemNotFound = errors.New("queue item not found")

// Item is one unit of queued work for a session.
type Item struct {
	QueueID string `json:"queue_id"`
	Content string `json:"content"`
	Status  Status `json:"status"`

	// ResetSession requests a session reset before this item is delivered.
	ResetSession bool `json:"reset_session,omitempty"`

	FailureReason string `json:"failure_reason,omitempty"`

	EnqueuedAt time.Time  `json:"enqueued_at"`
	SentAt     *time.Time `json:"sent_at,omitempty"`
	FailedAt   *time.Time `json:"failed_at,omitempty"`
}

// Manager owns every session's queue.json. All mutating operations rewrite
// the full file atomically while holding the manager lock, so concurrent
// enqueues and processor updates never interleave partial writes.
type Manager struct {
	layout storage.Layout

	mu     sync.Mutex
	queues map[string][]Item // session ID -> items, lazily loaded
}

// NewManager creates a queue manager rooted at the given layout.
func NewManager(layout storage.Layout) *Manager {
	return &Manager{
		layout: layout,
		queues: make(map[string][]Item),
	}
}

// Enqueue appends a pending item to the session's queue and persists it.
func (m *Manager) Enqueue(sessionID, content string, resetSession bool) (Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	items := m.loadLocked(sessionID)
	item := Item{
		QueueID:      uuid.New().String(),
		Content:      content,
		Status:       StatusPending,
		ResetSession: resetSession,
		EnqueuedAt:   time.Now(),
	}
	items = append(items, item)

	if err := m.persistLocked(sessionID, items); err != nil {
		return Item{}, err
	}
	m.queues[sessionID] = items

	log.Debug(log.CatQueue, "Enqueued item",
		"sessionID", sessionID, "queueID", item.QueueID, "reset", resetSession)
	return item, nil
}

// PeekNext returns the earliest pending item without removing it.
// Returns (zero value, false) if no pending item exists.
func (m *Manager) PeekNext(sessionID string) (Item, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, item := range m.loadLocked(sessionID) {
		if item.Status == StatusPending {
			return item, true
		}
	}
	return Item{}, false
}

// MarkSent transitions an item to sent. The item stays in the queue file
// for audit.
func (m *Manager) MarkSent(sessionID, queueID string) error {
	return m.transition(sessionID, queueID, func(item *Item) {
		now := time.Now()
		item.Status = StatusSent
		item.SentAt = &now
	})
}

// MarkFailed transitions an item to failed with the given reason.
func (m *Manager) MarkFailed(sessionID, queueID, reason string) error {
	return m.transition(sessionID, queueID, func(item *Item) {
		now := time.Now()
		item.Status = StatusFailed
		item.FailureReason = reason
		item.FailedAt = &now
	})
}

// ListItems returns a snapshot of all items for a session in insertion
// order, including sent and failed history.
func (m *Manager) ListItems(sessionID string) []Item {
	m.mu.Lock()
	defer m.mu.Unlock()

	items := m.loadLocked(sessionID)
	out := make([]Item, len(items))
	copy(out, items)
	return out
}

// PendingCount returns the number of pending items for a session.
func (m *Manager) PendingCount(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, item := range m.loadLocked(sessionID) {
		if item.Status == StatusPending {
			count++
		}
	}
	return count
}

// transition applies fn to the item with the given ID and persists.
func (m *Manager) transition(sessionID, queueID string, fn func(*Item)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	items := m.loadLocked(sessionID)
	found := false
	for i := range items {
		if items[i].QueueID == queueID {
			fn(&items[i])
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %s in session %s", ErrItemNotFound, queueID, sessionID)
	}

	if err := m.persistLocked(sessionID, items); err != nil {
		return err
	}
	m.queues[sessionID] = items
	return nil
}

// loadLocked returns the session's items, reading queue.json on first
// access. A missing file is an empty queue; a malformed file is reported
// and treated as empty rather than crashing the core.
func (m *Manager) loadLocked(sessionID string) []Item {
	if items, ok := m.queues[sessionID]; ok {
		return items
	}

	var items []Item
	if err := storage.ReadJSONFile(m.layout.QueuePath(sessionID), &items); err != nil {
		// Missing file is an empty queue; anything else is reported and
		// treated as empty.
		if !errors.Is(err, os.ErrNotExist) {
			log.ErrorErr(log.CatQueue, "Malformed queue file, treating as empty", err,
				"sessionID", sessionID)
		}
		items = nil
	}

	m.queues[sessionID] = items
	return items
}

// persistLocked rewrites the session's queue.json atomically.
func (m *Manager) persistLocked(sessionID string, items []Item) error {
	if err := storage.WriteJSONAtomic(m.layout.QueuePath(sessionID), items); err != nil {
		return fmt.Errorf("persist queue for %s: %w", sessionID, err)
	}
	return nil
}
