// Package legion manages projects ("legions") that group minions. A legion
// is a lightweight record persisted under legions/<id>/state.json; minion
// membership is tracked both here and on the session record.
package legion

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/legion/internal/log"
	"github.com/zjrosen/legion/internal/orchestration/minion"
	"github.com/zjrosen/legion/internal/orchestration/storage"
	"github.com/zjrosen/legion/internal/pubsub"
)

// ErrLegionNotFound is returned when a legion ID does not exist.
var ErrLegionNotFound = errors.New("legion not found")

// Record is the persistent state of one legion.
type Record struct {
	LegionID    string `json:"legion_id"`
	Name        string `json:"name"`
	Slug        string `json:"slug,omitempty"`
	Description string `json:"description,omitempty"`

	// MinionIDs are the member sessions, in join order.
	MinionIDs []string `json:"minion_ids,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	cp := *r
	cp.MinionIDs = append([]string(nil), r.MinionIDs...)
	return &cp
}

// Manager owns legion records, mirroring the session manager's
// snapshot-read, locked-write discipline.
type Manager struct {
	layout storage.Layout
	broker *pubsub.Broker[*Record]

	mu      sync.Mutex
	legions map[string]*Record
}

// NewManager creates a legion manager rooted at the given layout.
func NewManager(layout storage.Layout) *Manager {
	return &Manager{
		layout:  layout,
		broker:  pubsub.NewBroker[*Record](),
		legions: make(map[string]*Record),
	}
}

// Broker exposes the legion event stream.
func (m *Manager) Broker() *pubsub.Broker[*Record] {
	return m.broker
}

// LoadAll rebuilds the in-memory map from disk. Unreadable state files are
// logged and skipped.
func (m *Manager) LoadAll() error {
	entries, err := os.ReadDir(m.layout.LegionsDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read legions dir: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		legionID := entry.Name()

		var rec Record
		if err := storage.ReadJSONFile(m.layout.LegionStatePath(legionID), &rec); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				log.ErrorErr(log.CatLegion, "Skipping unreadable legion state", err,
					"legionID", legionID)
			}
			continue
		}
		if rec.Slug == "" && rec.Name != "" {
			rec.Slug = minion.Slugify(rec.Name)
		}
		m.legions[legionID] = &rec
	}

	log.Info(log.CatLegion, "Loaded legions from disk", "count", len(m.legions))
	return nil
}

// Create persists and registers a new legion.
func (m *Manager) Create(name, description string) (*Record, error) {
	now := time.Now()
	rec := &Record{
		LegionID:    uuid.New().String(),
		Name:        name,
		Slug:        minion.Slugify(name),
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := storage.WriteJSONAtomic(m.layout.LegionStatePath(rec.LegionID), rec); err != nil {
		return nil, fmt.Errorf("persist new legion: %w", err)
	}

	m.mu.Lock()
	m.legions[rec.LegionID] = rec
	m.mu.Unlock()

	log.Info(log.CatLegion, "Created legion", "legionID", rec.LegionID, "name", name)
	m.broker.Publish(pubsub.CreatedEvent, rec.Clone())
	return rec.Clone(), nil
}

// Get returns a snapshot of one legion.
func (m *Manager) Get(legionID string) (*Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.legions[legionID]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// List returns snapshots of every legion ordered by creation time.
func (m *Manager) List() []*Record {
	m.mu.Lock()
	out := make([]*Record, 0, len(m.legions))
	for _, rec := range m.legions {
		out = append(out, rec.Clone())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// AddMinion records a member session. Adding an existing member is a
// no-op.
func (m *Manager) AddMinion(legionID, minionID string) error {
	return m.update(legionID, func(rec *Record) {
		for _, id := range rec.MinionIDs {
			if id == minionID {
				return
			}
		}
		rec.MinionIDs = append(rec.MinionIDs, minionID)
	})
}

// RemoveMinion drops a member session. Removing a non-member is a no-op.
func (m *Manager) RemoveMinion(legionID, minionID string) error {
	return m.update(legionID, func(rec *Record) {
		for i, id := range rec.MinionIDs {
			if id == minionID {
				rec.MinionIDs = append(rec.MinionIDs[:i], rec.MinionIDs[i+1:]...)
				return
			}
		}
	})
}

func (m *Manager) update(legionID string, fn func(*Record)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.legions[legionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrLegionNotFound, legionID)
	}

	fn(rec)
	rec.UpdatedAt = time.Now()

	if err := storage.WriteJSONAtomic(m.layout.LegionStatePath(legionID), rec); err != nil {
		return fmt.Errorf("persist legion %s: %w", legionID, err)
	}

	m.broker.Publish(pubsub.UpdatedEvent, rec.Clone())
	return nil
}
