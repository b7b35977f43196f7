package session

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/zjrosen/legion/internal/orchestration/minion"
	"github.com/zjrosen/legion/internal/orchestration/storage"
	"github.com/zjrosen/legion/internal/pubsub"
)

func newTestManager(t *testing.T) (*Manager, storage.Layout) {
	t.Helper()
	layout := storage.NewLayout(t.TempDir())
	return NewManager(layout), layout
}

func createSession(t *testing.T, m *Manager) string {
	t.Helper()
	rec, err := m.Create(minion.SessionConfig{Name: "Worker", WorkingDir: "/tmp"})
	require.NoError(t, err)
	return rec.SessionID.String()
}

func TestManager_CreatePersistsState(t *testing.T) {
	m, layout := newTestManager(t)
	id := createSession(t, m)

	var onDisk minion.Record
	require.NoError(t, storage.ReadJSONFile(layout.StatePath(id), &onDisk))
	require.Equal(t, minion.StateCreated, onDisk.State)
	require.Equal(t, "Worker", onDisk.Name)
	require.Equal(t, "worker", onDisk.Slug)
}

func TestManager_GetReturnsSnapshot(t *testing.T) {
	m, _ := newTestManager(t)
	id := createSession(t, m)

	rec, ok := m.Get(id)
	require.True(t, ok)

	// Mutating the snapshot must not leak into the manager.
	rec.Name = "mutated"
	fresh, _ := m.Get(id)
	require.Equal(t, "Worker", fresh.Name)

	_, ok = m.Get("missing")
	require.False(t, ok)
}

func TestManager_TransitionTo(t *testing.T) {
	m, layout := newTestManager(t)
	id := createSession(t, m)

	require.True(t, m.TransitionTo(id, minion.StateStarting))
	require.True(t, m.MarkActive(id))

	rec, _ := m.Get(id)
	require.Equal(t, minion.StateActive, rec.State)

	// Persisted before anyone is told.
	var onDisk minion.Record
	require.NoError(t, storage.ReadJSONFile(layout.StatePath(id), &onDisk))
	require.Equal(t, minion.StateActive, onDisk.State)
}

func TestManager_InvalidTransitionIsSoftFailure(t *testing.T) {
	m, _ := newTestManager(t)
	id := createSession(t, m)

	require.False(t, m.TransitionTo(id, minion.StateActive))
	require.False(t, m.TransitionTo("missing", minion.StateStarting))

	rec, _ := m.Get(id)
	require.Equal(t, minion.StateCreated, rec.State)
}

func TestManager_SetErrorRecordsMessage(t *testing.T) {
	m, _ := newTestManager(t)
	id := createSession(t, m)

	require.True(t, m.SetError(id, "adapter crashed"))

	rec, _ := m.Get(id)
	require.Equal(t, minion.StateError, rec.State)
	require.Equal(t, "adapter crashed", rec.ErrorMessage)
	require.False(t, rec.IsProcessing)

	// ERROR -> ERROR is rejected.
	require.False(t, m.SetError(id, "again"))
}

func TestManager_ErrorMessageClearedOnRecovery(t *testing.T) {
	m, _ := newTestManager(t)
	id := createSession(t, m)

	require.True(t, m.SetError(id, "boom"))
	require.True(t, m.TransitionTo(id, minion.StateTerminating))

	rec, _ := m.Get(id)
	require.Empty(t, rec.ErrorMessage)
}

func TestManager_StateChangeCallbacks(t *testing.T) {
	m, _ := newTestManager(t)
	id := createSession(t, m)

	var mu sync.Mutex
	var got []minion.SessionState
	m.AddStateChangeCallback(func(sessionID string, from, to minion.SessionState) {
		mu.Lock()
		defer mu.Unlock()
		require.Equal(t, id, sessionID)
		got = append(got, to)
	})
	// A panicking observer must not block the rest.
	m.AddStateChangeCallback(func(string, minion.SessionState, minion.SessionState) {
		panic("bad observer")
	})

	require.True(t, m.TransitionTo(id, minion.StateStarting))
	require.True(t, m.MarkActive(id))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []minion.SessionState{minion.StateStarting, minion.StateActive}, got)
}

func TestManager_BrokerPublishesTransitions(t *testing.T) {
	m, _ := newTestManager(t)
	id := createSession(t, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := m.Broker().Subscribe(ctx)

	require.True(t, m.TransitionTo(id, minion.StateStarting))

	select {
	case ev := <-events:
		require.Equal(t, pubsub.UpdatedEvent, ev.Type)
		require.Equal(t, minion.StateStarting, ev.Payload.State)
	case <-time.After(time.Second):
		t.Fatal("no broker event received")
	}
}

func TestManager_UpdateFlags(t *testing.T) {
	m, layout := newTestManager(t)
	id := createSession(t, m)

	require.NoError(t, m.SetProcessing(id, true))
	require.NoError(t, m.SetQueuePaused(id, true))
	require.NoError(t, m.SetUpstreamID(id, "up-123"))

	var onDisk minion.Record
	require.NoError(t, storage.ReadJSONFile(layout.StatePath(id), &onDisk))
	require.True(t, onDisk.IsProcessing)
	require.True(t, onDisk.QueuePaused)
	require.Equal(t, "up-123", onDisk.UpstreamSessionID)

	require.ErrorIs(t, m.SetProcessing("missing", true), ErrSessionNotFound)
}

func TestManager_LoadAllRestartRecovery(t *testing.T) {
	m, layout := newTestManager(t)

	active := createSession(t, m)
	require.True(t, m.TransitionTo(active, minion.StateStarting))
	require.True(t, m.MarkActive(active))
	require.NoError(t, m.SetProcessing(active, true))

	starting := createSession(t, m)
	require.True(t, m.TransitionTo(starting, minion.StateStarting))

	paused := createSession(t, m)
	require.True(t, m.TransitionTo(paused, minion.StateStarting))
	require.True(t, m.MarkActive(paused))
	require.True(t, m.TransitionTo(paused, minion.StatePaused))

	// Fresh manager over the same layout simulates a restart.
	reloaded := NewManager(layout)
	require.NoError(t, reloaded.LoadAll())

	rec, ok := reloaded.Get(active)
	require.True(t, ok)
	require.Equal(t, minion.StateCreated, rec.State)
	require.False(t, rec.IsProcessing)

	rec, _ = reloaded.Get(starting)
	require.Equal(t, minion.StateCreated, rec.State)

	// PAUSED survives untouched; only adapter-bound states are reset.
	rec, _ = reloaded.Get(paused)
	require.Equal(t, minion.StatePaused, rec.State)

	// The reset must also be on disk, not just in memory.
	var onDisk minion.Record
	require.NoError(t, storage.ReadJSONFile(layout.StatePath(active), &onDisk))
	require.Equal(t, minion.StateCreated, onDisk.State)
}

func TestManager_ReloadLeavesRunningSessionsAlone(t *testing.T) {
	m, layout := newTestManager(t)
	id := createSession(t, m)
	require.True(t, m.TransitionTo(id, minion.StateStarting))
	require.True(t, m.MarkActive(id))

	// The store watcher fires on the manager's own writes; a reload right
	// after a session goes ACTIVE must not knock it back to CREATED.
	require.NoError(t, m.Reload())

	rec, ok := m.Get(id)
	require.True(t, ok)
	require.Equal(t, minion.StateActive, rec.State)

	var onDisk minion.Record
	require.NoError(t, storage.ReadJSONFile(layout.StatePath(id), &onDisk))
	require.Equal(t, minion.StateActive, onDisk.State)

	// The session keeps moving through the machine afterwards.
	require.True(t, m.TransitionTo(id, minion.StatePaused))
}

func TestManager_ReloadPicksUpExternalSessions(t *testing.T) {
	m, layout := newTestManager(t)

	// Another process writes a new session into the same store.
	other := NewManager(layout)
	id := createSession(t, other)

	require.NoError(t, m.Reload())

	rec, ok := m.Get(id)
	require.True(t, ok)
	require.Equal(t, minion.StateCreated, rec.State)
	require.Equal(t, "Worker", rec.Name)
}

func TestManager_ReloadRefreshesIdleSessions(t *testing.T) {
	m, layout := newTestManager(t)
	id := createSession(t, m)

	var onDisk minion.Record
	require.NoError(t, storage.ReadJSONFile(layout.StatePath(id), &onDisk))
	onDisk.Name = "renamed"
	require.NoError(t, storage.WriteJSONAtomic(layout.StatePath(id), &onDisk))

	require.NoError(t, m.Reload())

	rec, _ := m.Get(id)
	require.Equal(t, "renamed", rec.Name)
}

func TestManager_ReloadResetsForeignAdapterStates(t *testing.T) {
	m, layout := newTestManager(t)

	// A state file claiming ACTIVE with no adapter in this process is an
	// orphan, same as after a restart.
	rec, err := minion.NewRecord(minion.SessionConfig{Name: "ghost", WorkingDir: "/tmp"})
	require.NoError(t, err)
	rec.State = minion.StateActive
	id := rec.SessionID.String()
	require.NoError(t, storage.WriteJSONAtomic(layout.StatePath(id), rec))

	require.NoError(t, m.Reload())

	got, ok := m.Get(id)
	require.True(t, ok)
	require.Equal(t, minion.StateCreated, got.State)

	var onDisk minion.Record
	require.NoError(t, storage.ReadJSONFile(layout.StatePath(id), &onDisk))
	require.Equal(t, minion.StateCreated, onDisk.State)
}

func TestManager_UpdateRollsBackOnPersistFailure(t *testing.T) {
	m, layout := newTestManager(t)
	id := createSession(t, m)

	// Replace the session directory with a file so the atomic write fails.
	dir := filepath.Dir(layout.StatePath(id))
	require.NoError(t, os.RemoveAll(dir))
	require.NoError(t, os.WriteFile(dir, []byte("not a dir"), 0o644))

	require.Error(t, m.SetProcessing(id, true))

	rec, ok := m.Get(id)
	require.True(t, ok)
	require.False(t, rec.IsProcessing)
}

func TestManager_LoadAllMissingDir(t *testing.T) {
	m := NewManager(storage.NewLayout(t.TempDir() + "/nonexistent"))
	require.NoError(t, m.LoadAll())
	require.Empty(t, m.List())
}

func TestManager_LoadAllDerivesSlug(t *testing.T) {
	layout := storage.NewLayout(t.TempDir())
	rec, err := minion.NewRecord(minion.SessionConfig{Name: "Some Name", WorkingDir: "/tmp"})
	require.NoError(t, err)
	rec.Slug = ""
	id := rec.SessionID.String()
	require.NoError(t, storage.WriteJSONAtomic(layout.StatePath(id), rec))

	m := NewManager(layout)
	require.NoError(t, m.LoadAll())

	loaded, ok := m.Get(id)
	require.True(t, ok)
	require.Equal(t, "some-name", loaded.Slug)
}

func TestManager_ListOrderedByCreation(t *testing.T) {
	m, _ := newTestManager(t)

	first := createSession(t, m)
	second := createSession(t, m)

	list := m.List()
	require.Len(t, list, 2)
	ids := []string{list[0].SessionID.String(), list[1].SessionID.String()}
	require.Contains(t, ids, first)
	require.Contains(t, ids, second)
	require.False(t, list[1].CreatedAt.Before(list[0].CreatedAt))
}

func TestManager_ConcurrentStartSingleWinner(t *testing.T) {
	m, _ := newTestManager(t)
	id := createSession(t, m)

	const workers = 8
	results := make(chan bool, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- m.TransitionTo(id, minion.StateStarting)
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for ok := range results {
		if ok {
			wins++
		}
	}
	require.Equal(t, 1, wins)
}

// Whatever sequence of transitions is attempted, the in-memory state must
// always equal the persisted state and remain a recognized state.
func TestManager_StateAlwaysPersisted(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		layout := storage.NewLayout(t.TempDir())
		m := NewManager(layout)
		rec, err := m.Create(minion.SessionConfig{WorkingDir: "/tmp"})
		require.NoError(t, err)
		id := rec.SessionID.String()

		targets := []minion.SessionState{
			minion.StateStarting, minion.StateActive, minion.StatePaused,
			minion.StateTerminating, minion.StateTerminated, minion.StateError,
		}
		steps := rapid.IntRange(1, 15).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			to := rapid.SampledFrom(targets).Draw(rt, "to")
			m.TransitionTo(id, to)

			inMem, ok := m.Get(id)
			require.True(t, ok)
			require.True(t, inMem.State.IsValid())

			var onDisk minion.Record
			require.NoError(t, storage.ReadJSONFile(layout.StatePath(id), &onDisk))
			require.Equal(t, inMem.State, onDisk.State)
		}
	})
}
