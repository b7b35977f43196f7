// Package memory reads and writes per-minion memory files. Entries are
// typed knowledge persisted in short_term_memory.json and
// long_term_memory.json; distillation between the two tiers happens
// outside the core.
package memory

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/legion/internal/orchestration/storage"
)

// EntryType classifies a memory entry.
type EntryType string

const (
	TypeFact         EntryType = "FACT"
	TypePattern      EntryType = "PATTERN"
	TypeRule         EntryType = "RULE"
	TypeRelationship EntryType = "RELATIONSHIP"
	TypeEvent        EntryType = "EVENT"
)

// Tier selects which memory file an operation targets.
type Tier string

const (
	TierShortTerm Tier = "short_term"
	TierLongTerm  Tier = "long_term"
)

// Entry is one unit of persisted knowledge.
type Entry struct {
	EntryID string    `json:"entry_id"`
	Type    EntryType `json:"type"`
	Content string    `json:"content"`

	// Reinforcements counts how often the entry was re-asserted.
	Reinforcements int `json:"reinforcements"`
	// Quality is a confidence score in [0,1].
	Quality float64 `json:"quality"`

	SourceTaskID string   `json:"source_task_id,omitempty"`
	SourceCommID string   `json:"source_comm_id,omitempty"`
	Tags         []string `json:"tags,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store reads and writes one minion's memory files. Mutations rewrite the
// whole tier file atomically under the store lock.
type Store struct {
	layout    storage.Layout
	sessionID string

	mu sync.Mutex
}

// NewStore creates a memory store for one session.
func NewStore(layout storage.Layout, sessionID string) *Store {
	return &Store{layout: layout, sessionID: sessionID}
}

func (s *Store) path(tier Tier) string {
	if tier == TierLongTerm {
		return s.layout.LongTermMemoryPath(s.sessionID)
	}
	return s.layout.ShortTermMemoryPath(s.sessionID)
}

// List returns all entries in a tier. A missing file is an empty tier.
func (s *Store) List(tier Tier) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(tier)
}

// Add appends a new entry to a tier with a fresh ID and timestamps.
// Quality outside [0,1] is rejected.
func (s *Store) Add(tier Tier, entry Entry) (Entry, error) {
	if entry.Quality < 0 || entry.Quality > 1 {
		return Entry{}, fmt.Errorf("quality must be in [0,1], got %v", entry.Quality)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.loadLocked(tier)
	if err != nil {
		return Entry{}, err
	}

	now := time.Now()
	entry.EntryID = uuid.New().String()
	entry.CreatedAt = now
	entry.UpdatedAt = now
	entries = append(entries, entry)

	if err := s.persistLocked(tier, entries); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Reinforce bumps an entry's reinforcement counter and refreshes its
// update instant.
func (s *Store) Reinforce(tier Tier, entryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.loadLocked(tier)
	if err != nil {
		return err
	}

	for i := range entries {
		if entries[i].EntryID == entryID {
			entries[i].Reinforcements++
			entries[i].UpdatedAt = time.Now()
			return s.persistLocked(tier, entries)
		}
	}
	return fmt.Errorf("memory entry %s not found in %s", entryID, tier)
}

// Replace overwrites a tier wholesale. Used by external distillation when
// it promotes short-term knowledge into the long-term file.
func (s *Store) Replace(tier Tier, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked(tier, entries)
}

func (s *Store) loadLocked(tier Tier) ([]Entry, error) {
	var entries []Entry
	if err := storage.ReadJSONFile(s.path(tier), &entries); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s memory: %w", tier, err)
	}
	return entries, nil
}

func (s *Store) persistLocked(tier Tier, entries []Entry) error {
	if err := storage.WriteJSONAtomic(s.path(tier), entries); err != nil {
		return fmt.Errorf("persist %s memory: %w", tier, err)
	}
	return nil
}
