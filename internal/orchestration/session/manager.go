// Package session holds the authoritative in-memory session map and its
// on-disk mirror. Every mutation happens under a per-session lock and
// rewrites the session's state.json in full before any observer hears
// about it.
package session

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/zjrosen/legion/internal/log"
	"github.com/zjrosen/legion/internal/orchestration/minion"
	"github.com/zjrosen/legion/internal/orchestration/storage"
	"github.com/zjrosen/legion/internal/pubsub"
)

// ErrSessionNotFound is returned when a session ID is not in the manager.
var ErrSessionNotFound = errors.New("session not found")

// StateChangeCallback observes committed state transitions. Invoked after
// state.json has been rewritten, so a callback that reads the file sees
// the state it was notified about.
type StateChangeCallback func(sessionID string, from, to minion.SessionState)

// Manager owns every session record. Reads return snapshots; writes
// serialize on a per-session mutex created lazily and kept for the
// process lifetime.
type Manager struct {
	layout storage.Layout
	broker *pubsub.Broker[*minion.Record]

	mu       sync.Mutex
	sessions map[string]*minion.Record
	locks    map[string]*sync.Mutex

	cbMu      sync.Mutex
	callbacks []StateChangeCallback
}

// NewManager creates a session manager rooted at the given layout.
func NewManager(layout storage.Layout) *Manager {
	return &Manager{
		layout:   layout,
		broker:   pubsub.NewBroker[*minion.Record](),
		sessions: make(map[string]*minion.Record),
		locks:    make(map[string]*sync.Mutex),
	}
}

// Broker exposes the record event stream for UI and watcher consumers.
func (m *Manager) Broker() *pubsub.Broker[*minion.Record] {
	return m.broker
}

// AddStateChangeCallback registers an observer for committed transitions.
func (m *Manager) AddStateChangeCallback(cb StateChangeCallback) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// LoadAll rebuilds the in-memory map from disk. Sessions persisted as
// ACTIVE or STARTING are rewritten to CREATED with is_processing cleared,
// since no adapter survives a restart. Unreadable state files are logged
// and skipped.
//
// LoadAll is for process startup and one-shot commands, before any
// session has an adapter bound. A running daemon refreshes from disk
// with Reload instead.
func (m *Manager) LoadAll() error {
	entries, err := os.ReadDir(m.layout.SessionsDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read sessions dir: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sessionID := entry.Name()

		var rec minion.Record
		if err := storage.ReadJSONFile(m.layout.StatePath(sessionID), &rec); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				log.ErrorErr(log.CatSession, "Skipping unreadable state file", err,
					"sessionID", sessionID)
			}
			continue
		}

		if rec.Slug == "" && rec.Name != "" {
			rec.Slug = minion.Slugify(rec.Name)
		}

		if rec.State == minion.StateActive || rec.State == minion.StateStarting {
			log.Info(log.CatSession, "Resetting orphaned session to CREATED",
				"sessionID", sessionID, "persistedState", string(rec.State))
			rec.State = minion.StateCreated
			rec.IsProcessing = false
			rec.UpdatedAt = time.Now()
			if err := storage.WriteJSONAtomic(m.layout.StatePath(sessionID), &rec); err != nil {
				log.ErrorErr(log.CatSession, "Failed to persist restart reset", err,
					"sessionID", sessionID)
			}
		}

		m.sessions[sessionID] = &rec
	}

	log.Info(log.CatSession, "Loaded sessions from disk", "count", len(m.sessions))
	return nil
}

// Reload refreshes the in-memory map from disk while the process is
// running. Sessions whose in-memory record is adapter-bound (anything
// other than CREATED, TERMINATED, or ERROR) are left untouched: this
// process owns them, and the store watcher fires on the manager's own
// atomic writes as well as on external ones. Everything else is re-read
// under the session lock, so a reload cannot race a transition.
func (m *Manager) Reload() error {
	entries, err := os.ReadDir(m.layout.SessionsDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read sessions dir: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sessionID := entry.Name()

		lock := m.lockFor(sessionID)
		lock.Lock()
		m.reloadOne(sessionID)
		lock.Unlock()
	}
	return nil
}

// reloadOne re-reads one session from disk. Caller holds the session lock.
func (m *Manager) reloadOne(sessionID string) {
	m.mu.Lock()
	existing, known := m.sessions[sessionID]
	m.mu.Unlock()

	if known && existing.State != minion.StateCreated &&
		existing.State != minion.StateTerminated && existing.State != minion.StateError {
		return
	}

	var rec minion.Record
	if err := storage.ReadJSONFile(m.layout.StatePath(sessionID), &rec); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.ErrorErr(log.CatSession, "Skipping unreadable state file", err,
				"sessionID", sessionID)
		}
		return
	}

	if rec.Slug == "" && rec.Name != "" {
		rec.Slug = minion.Slugify(rec.Name)
	}

	// An external writer cannot hand this process a running adapter, so
	// ACTIVE and STARTING found on disk get the same orphan treatment as
	// on restart.
	if rec.State == minion.StateActive || rec.State == minion.StateStarting {
		log.Info(log.CatSession, "Resetting orphaned session to CREATED",
			"sessionID", sessionID, "persistedState", string(rec.State))
		rec.State = minion.StateCreated
		rec.IsProcessing = false
		rec.UpdatedAt = time.Now()
		if err := storage.WriteJSONAtomic(m.layout.StatePath(sessionID), &rec); err != nil {
			log.ErrorErr(log.CatSession, "Failed to persist orphan reset", err,
				"sessionID", sessionID)
		}
	}

	m.mu.Lock()
	if known {
		*existing = rec
	} else {
		m.sessions[sessionID] = &rec
	}
	m.mu.Unlock()
}

// Create builds a new record from config, persists it, and registers it.
func (m *Manager) Create(cfg minion.SessionConfig) (*minion.Record, error) {
	rec, err := minion.NewRecord(cfg)
	if err != nil {
		return nil, err
	}
	sessionID := rec.SessionID.String()

	lock := m.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := storage.WriteJSONAtomic(m.layout.StatePath(sessionID), rec); err != nil {
		return nil, fmt.Errorf("persist new session: %w", err)
	}

	m.mu.Lock()
	m.sessions[sessionID] = rec
	m.mu.Unlock()

	log.Info(log.CatSession, "Created session",
		"sessionID", sessionID, "name", rec.Name, "workingDir", rec.WorkingDir)
	m.broker.Publish(pubsub.CreatedEvent, rec.Clone())
	return rec.Clone(), nil
}

// Get returns a snapshot of one session without taking its lock.
func (m *Manager) Get(sessionID string) (*minion.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// List returns snapshots of every session, ordered by creation time.
func (m *Manager) List() []*minion.Record {
	m.mu.Lock()
	out := make([]*minion.Record, 0, len(m.sessions))
	for _, rec := range m.sessions {
		out = append(out, rec.Clone())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// TransitionTo attempts a state transition. Invalid transitions, unknown
// sessions, and persist failures are soft: the method logs and returns
// false without side effects.
func (m *Manager) TransitionTo(sessionID string, to minion.SessionState) bool {
	return m.transition(sessionID, to, "")
}

// SetError forces the session into ERROR, recording the message. Allowed
// from any state except ERROR itself.
func (m *Manager) SetError(sessionID, errorMessage string) bool {
	return m.transition(sessionID, minion.StateError, errorMessage)
}

// MarkActive is the adapter-readiness signal: STARTING -> ACTIVE.
func (m *Manager) MarkActive(sessionID string) bool {
	return m.transition(sessionID, minion.StateActive, "")
}

func (m *Manager) transition(sessionID string, to minion.SessionState, errorMessage string) bool {
	lock := m.lockFor(sessionID)
	lock.Lock()

	m.mu.Lock()
	rec, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		lock.Unlock()
		log.Warn(log.CatSession, "Transition on unknown session", "sessionID", sessionID)
		return false
	}

	from := rec.State
	if !from.CanTransitionTo(to) {
		lock.Unlock()
		log.Warn(log.CatSession, "Rejected state transition",
			"sessionID", sessionID, "from", string(from), "to", string(to))
		return false
	}

	prev := *rec
	rec.State = to
	rec.UpdatedAt = time.Now()
	if to == minion.StateError {
		rec.ErrorMessage = errorMessage
	} else if from == minion.StateError {
		rec.ErrorMessage = ""
	}
	if to == minion.StateTerminated || to == minion.StateError {
		rec.IsProcessing = false
	}

	snapshot := rec.Clone()
	if err := storage.WriteJSONAtomic(m.layout.StatePath(sessionID), rec); err != nil {
		// Roll back the in-memory change so disk stays the source of truth.
		*rec = prev
		lock.Unlock()
		log.ErrorErr(log.CatSession, "Failed to persist state transition", err,
			"sessionID", sessionID, "to", string(to))
		return false
	}
	lock.Unlock()

	log.Info(log.CatSession, "State transition",
		"sessionID", sessionID, "from", string(from), "to", string(to))
	m.broker.Publish(pubsub.UpdatedEvent, snapshot)
	m.notify(sessionID, from, to)
	return true
}

// Update applies fn to the session record under its lock and persists the
// result. Used for field mutations that are not state transitions.
func (m *Manager) Update(sessionID string, fn func(*minion.Record)) error {
	lock := m.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	rec, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	prev := *rec
	fn(rec)
	rec.UpdatedAt = time.Now()

	if err := storage.WriteJSONAtomic(m.layout.StatePath(sessionID), rec); err != nil {
		// Roll back the in-memory change so disk stays the source of truth.
		*rec = prev
		return fmt.Errorf("persist session %s: %w", sessionID, err)
	}

	m.broker.Publish(pubsub.UpdatedEvent, rec.Clone())
	return nil
}

// SetProcessing flips the is_processing flag.
func (m *Manager) SetProcessing(sessionID string, processing bool) error {
	return m.Update(sessionID, func(rec *minion.Record) {
		rec.IsProcessing = processing
	})
}

// SetQueuePaused flips the queue_paused flag.
func (m *Manager) SetQueuePaused(sessionID string, paused bool) error {
	return m.Update(sessionID, func(rec *minion.Record) {
		rec.QueuePaused = paused
	})
}

// SetUpstreamID records the upstream session identifier the adapter
// reported after binding.
func (m *Manager) SetUpstreamID(sessionID, upstreamID string) error {
	return m.Update(sessionID, func(rec *minion.Record) {
		rec.UpstreamSessionID = upstreamID
	})
}

// lockFor returns the session's mutex, creating it on first reference.
// Locks are never removed; the map is bounded by sessions ever seen.
func (m *Manager) lockFor(sessionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[sessionID] = lock
	}
	return lock
}

// notify fans out to state-change observers. Each call is wrapped in a
// panic barrier so one bad observer cannot corrupt state or starve the
// rest.
func (m *Manager) notify(sessionID string, from, to minion.SessionState) {
	m.cbMu.Lock()
	callbacks := make([]StateChangeCallback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.cbMu.Unlock()

	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error(log.CatSession, "State-change callback panicked",
						"sessionID", sessionID, "panic", fmt.Sprint(r))
				}
			}()
			cb(sessionID, from, to)
		}()
	}
}
