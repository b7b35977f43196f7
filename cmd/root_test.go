package cmd

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/legion/internal/config"
	"github.com/zjrosen/legion/internal/orchestration/memory"
	"github.com/zjrosen/legion/internal/orchestration/queue"
	"github.com/zjrosen/legion/internal/orchestration/storage"
)

// withTempStore points the package-level config at a fresh data directory.
func withTempStore(t *testing.T) storage.Layout {
	t.Helper()
	prev := cfg
	t.Cleanup(func() { cfg = prev })

	cfg = config.Defaults()
	cfg.DataDir = t.TempDir()
	return storage.NewLayout(cfg.DataDir)
}

func TestSetVersion(t *testing.T) {
	prev := version
	t.Cleanup(func() { SetVersion(prev) })

	SetVersion("1.2.3 (commit: abc, built: today)")
	require.Equal(t, "1.2.3 (commit: abc, built: today)", rootCmd.Version)
}

func TestMinionCreateAndList(t *testing.T) {
	withTempStore(t)
	minionName = "Worker"
	minionWorkDir = t.TempDir()
	t.Cleanup(func() { minionName = ""; minionWorkDir = ""; minionLegion = "" })

	require.NoError(t, runMinionCreate(minionCreateCmd, nil))

	sessions, _, err := openSessions()
	require.NoError(t, err)
	recs := sessions.List()
	require.Len(t, recs, 1)
	require.Equal(t, "Worker", recs[0].Name)

	// Created sessions inherit the configured queue pacing.
	require.Equal(t, cfg.Queue.MinWaitSeconds, recs[0].Queue.MinWaitSeconds)

	require.NoError(t, runMinionList(minionListCmd, nil))
}

func TestMinionCreateKeepsZeroPacing(t *testing.T) {
	withTempStore(t)
	minionWorkDir = t.TempDir()
	t.Cleanup(func() { minionWorkDir = "" })

	// min_wait_seconds: 0 / min_idle_seconds: 0 is a legal configuration
	// meaning "no pacing"; it must not be swapped for the defaults.
	cfg.Queue.MinWaitSeconds = 0
	cfg.Queue.MinIdleSeconds = 0
	require.NoError(t, runMinionCreate(minionCreateCmd, nil))

	sessions, _, err := openSessions()
	require.NoError(t, err)
	recs := sessions.List()
	require.Len(t, recs, 1)
	require.Equal(t, 0, recs[0].Queue.MinWaitSeconds)
	require.Equal(t, 0, recs[0].Queue.MinIdleSeconds)
}

func TestMinionEnqueue(t *testing.T) {
	layout := withTempStore(t)
	minionWorkDir = t.TempDir()
	t.Cleanup(func() { minionWorkDir = "" })

	require.NoError(t, runMinionCreate(minionCreateCmd, nil))
	sessions, _, err := openSessions()
	require.NoError(t, err)
	id := sessions.List()[0].SessionID.String()

	require.NoError(t, runMinionEnqueue(minionEnqueueCmd, []string{id, "hello"}))

	items := queue.NewManager(layout).ListItems(id)
	require.Len(t, items, 1)
	require.Equal(t, "hello", items[0].Content)
	require.Equal(t, queue.StatusPending, items[0].Status)
}

func TestMinionEnqueue_UnknownMinion(t *testing.T) {
	withTempStore(t)
	require.Error(t, runMinionEnqueue(minionEnqueueCmd, []string{"missing", "x"}))
}

func TestLegionCreateAndAdd(t *testing.T) {
	withTempStore(t)
	minionWorkDir = t.TempDir()
	t.Cleanup(func() { minionWorkDir = ""; legionDescription = "" })

	legionDescription = "backend team"
	require.NoError(t, runLegionCreate(legionCreateCmd, []string{"Backend"}))

	legions, err := openLegions()
	require.NoError(t, err)
	legs := legions.List()
	require.Len(t, legs, 1)
	require.Equal(t, "Backend", legs[0].Name)

	require.NoError(t, runMinionCreate(minionCreateCmd, nil))
	sessions, _, err := openSessions()
	require.NoError(t, err)
	id := sessions.List()[0].SessionID.String()

	require.NoError(t, runLegionAdd(legionAddCmd, []string{legs[0].LegionID, id}))

	legions, err = openLegions()
	require.NoError(t, err)
	got, ok := legions.Get(legs[0].LegionID)
	require.True(t, ok)
	require.Contains(t, got.MinionIDs, id)
}

func TestSendQueuesForMinion(t *testing.T) {
	layout := withTempStore(t)
	minionWorkDir = t.TempDir()
	t.Cleanup(func() { minionWorkDir = ""; sendType = "TASK" })

	require.NoError(t, runMinionCreate(minionCreateCmd, nil))
	sessions, _, err := openSessions()
	require.NoError(t, err)
	id := sessions.List()[0].SessionID.String()

	require.NoError(t, runSend(sendCmd, []string{id, "review the PR"}))

	items := queue.NewManager(layout).ListItems(id)
	require.Len(t, items, 1)
	require.Equal(t, "review the PR", items[0].Content)
}

func TestSendUnknownDestination(t *testing.T) {
	withTempStore(t)
	require.Error(t, runSend(sendCmd, []string{"nobody", "hello"}))
}

func TestMinionPauseAndResume(t *testing.T) {
	withTempStore(t)
	minionWorkDir = t.TempDir()
	t.Cleanup(func() { minionWorkDir = "" })

	require.NoError(t, runMinionCreate(minionCreateCmd, nil))
	sessions, _, err := openSessions()
	require.NoError(t, err)
	id := sessions.List()[0].SessionID.String()

	require.NoError(t, runMinionPause(minionPauseCmd, []string{id}))
	sessions, _, err = openSessions()
	require.NoError(t, err)
	rec, _ := sessions.Get(id)
	require.True(t, rec.QueuePaused)

	require.NoError(t, runMinionResume(minionResumeCmd, []string{id}))
	sessions, _, err = openSessions()
	require.NoError(t, err)
	rec, _ = sessions.Get(id)
	require.False(t, rec.QueuePaused)

	require.Error(t, runMinionPause(minionPauseCmd, []string{"missing"}))
}

func TestLegionRemoveMinion(t *testing.T) {
	withTempStore(t)
	minionWorkDir = t.TempDir()
	t.Cleanup(func() { minionWorkDir = "" })

	require.NoError(t, runLegionCreate(legionCreateCmd, []string{"Backend"}))
	legions, err := openLegions()
	require.NoError(t, err)
	legionID := legions.List()[0].LegionID

	require.NoError(t, runMinionCreate(minionCreateCmd, nil))
	sessions, _, err := openSessions()
	require.NoError(t, err)
	id := sessions.List()[0].SessionID.String()

	require.NoError(t, runLegionAdd(legionAddCmd, []string{legionID, id}))
	require.NoError(t, runLegionRemove(legionRemoveCmd, []string{legionID, id}))

	legions, err = openLegions()
	require.NoError(t, err)
	got, ok := legions.Get(legionID)
	require.True(t, ok)
	require.NotContains(t, got.MinionIDs, id)
}

func TestMinionMemoryAddAndReinforce(t *testing.T) {
	layout := withTempStore(t)
	minionWorkDir = t.TempDir()
	t.Cleanup(func() {
		minionWorkDir = ""
		memoryTier = string(memory.TierShortTerm)
		memoryQuality = 0.5
	})

	require.NoError(t, runMinionCreate(minionCreateCmd, nil))
	sessions, _, err := openSessions()
	require.NoError(t, err)
	id := sessions.List()[0].SessionID.String()

	memoryQuality = 0.8
	require.NoError(t, runMemoryAdd(memoryAddCmd, []string{id, "prefers table-driven tests"}))

	entries, err := memory.NewStore(layout, id).List(memory.TierShortTerm)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, memory.TypeFact, entries[0].Type)
	require.InDelta(t, 0.8, entries[0].Quality, 1e-9)

	require.NoError(t, runMemoryReinforce(memoryReinforceCmd, []string{id, entries[0].EntryID}))
	entries, err = memory.NewStore(layout, id).List(memory.TierShortTerm)
	require.NoError(t, err)
	require.Equal(t, 1, entries[0].Reinforcements)

	require.NoError(t, runMemoryList(memoryListCmd, []string{id}))
}

func TestMinionMemoryRejectsBadTier(t *testing.T) {
	withTempStore(t)
	minionWorkDir = t.TempDir()
	t.Cleanup(func() {
		minionWorkDir = ""
		memoryTier = string(memory.TierShortTerm)
	})

	require.NoError(t, runMinionCreate(minionCreateCmd, nil))
	sessions, _, err := openSessions()
	require.NoError(t, err)
	id := sessions.List()[0].SessionID.String()

	memoryTier = "medium_term"
	require.Error(t, runMemoryList(memoryListCmd, []string{id}))
}
