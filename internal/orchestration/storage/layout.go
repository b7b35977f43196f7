// Package storage provides the on-disk layout and persistence primitives
// for the orchestrator. Every full-file write is atomic (write-temp then
// rename); jsonl logs are append-only with flush-on-write. The file tree is
// the authoritative source of truth after restart:
//
//	data/
//	  sessions/<uuid>/
//	    state.json
//	    messages.jsonl
//	    comms.jsonl
//	    queue.json
//	    short_term_memory.json
//	    long_term_memory.json
//	    capability_evidence.json
//	  legions/<uuid>/
//	    state.json
//	    minions/<minion-uuid>/
//	      comms.jsonl
package storage

import "path/filepath"

// Well-known file names inside a session directory.
const (
	StateFile              = "state.json"
	MessagesFile           = "messages.jsonl"
	CommsFile              = "comms.jsonl"
	QueueFile              = "queue.json"
	ShortTermMemoryFile    = "short_term_memory.json"
	LongTermMemoryFile     = "long_term_memory.json"
	CapabilityEvidenceFile = "capability_evidence.json"
)

// Layout resolves paths under a data directory.
type Layout struct {
	dataDir string
}

// NewLayout creates a Layout rooted at dataDir.
func NewLayout(dataDir string) Layout {
	return Layout{dataDir: dataDir}
}

// DataDir returns the root data directory.
func (l Layout) DataDir() string {
	return l.dataDir
}

// SessionsDir returns the directory holding all session directories.
func (l Layout) SessionsDir() string {
	return filepath.Join(l.dataDir, "sessions")
}

// SessionDir returns the directory for one session.
func (l Layout) SessionDir(sessionID string) string {
	return filepath.Join(l.SessionsDir(), sessionID)
}

// StatePath returns the state.json path for a session.
func (l Layout) StatePath(sessionID string) string {
	return filepath.Join(l.SessionDir(sessionID), StateFile)
}

// MessagesPath returns the messages.jsonl path for a session.
func (l Layout) MessagesPath(sessionID string) string {
	return filepath.Join(l.SessionDir(sessionID), MessagesFile)
}

// CommsPath returns the comms.jsonl path for a session.
func (l Layout) CommsPath(sessionID string) string {
	return filepath.Join(l.SessionDir(sessionID), CommsFile)
}

// QueuePath returns the queue.json path for a session.
func (l Layout) QueuePath(sessionID string) string {
	return filepath.Join(l.SessionDir(sessionID), QueueFile)
}

// ShortTermMemoryPath returns the short-term memory path for a session.
func (l Layout) ShortTermMemoryPath(sessionID string) string {
	return filepath.Join(l.SessionDir(sessionID), ShortTermMemoryFile)
}

// LongTermMemoryPath returns the long-term memory path for a session.
func (l Layout) LongTermMemoryPath(sessionID string) string {
	return filepath.Join(l.SessionDir(sessionID), LongTermMemoryFile)
}

// CapabilityEvidencePath returns the capability evidence path for a session.
func (l Layout) CapabilityEvidencePath(sessionID string) string {
	return filepath.Join(l.SessionDir(sessionID), CapabilityEvidenceFile)
}

// LegionsDir returns the directory holding all legion directories.
func (l Layout) LegionsDir() string {
	return filepath.Join(l.dataDir, "legions")
}

// LegionDir returns the directory for one legion.
func (l Layout) LegionDir(legionID string) string {
	return filepath.Join(l.LegionsDir(), legionID)
}

// LegionStatePath returns the state.json path for a legion.
func (l Layout) LegionStatePath(legionID string) string {
	return filepath.Join(l.LegionDir(legionID), StateFile)
}

// LegionCommsPath returns the legion-scoped comms.jsonl for one member minion.
func (l Layout) LegionCommsPath(legionID, minionID string) string {
	return filepath.Join(l.LegionDir(legionID), "minions", minionID, CommsFile)
}
