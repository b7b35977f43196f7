package memory

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/legion/internal/orchestration/storage"
)

func TestStore_AddAndList(t *testing.T) {
	s := NewStore(storage.NewLayout(t.TempDir()), "s1")

	entry, err := s.Add(TierShortTerm, Entry{
		Type:    TypeFact,
		Content: "build uses make",
		Quality: 0.8,
		Tags:    []string{"build"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, entry.EntryID)

	entries, err := s.List(TierShortTerm)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, TypeFact, entries[0].Type)

	// Tiers are independent files.
	long, err := s.List(TierLongTerm)
	require.NoError(t, err)
	require.Empty(t, long)
}

func TestStore_QualityBounds(t *testing.T) {
	s := NewStore(storage.NewLayout(t.TempDir()), "s1")

	_, err := s.Add(TierShortTerm, Entry{Type: TypeRule, Quality: 1.5})
	require.Error(t, err)
	_, err = s.Add(TierShortTerm, Entry{Type: TypeRule, Quality: -0.1})
	require.Error(t, err)
}

func TestStore_Reinforce(t *testing.T) {
	s := NewStore(storage.NewLayout(t.TempDir()), "s1")

	entry, err := s.Add(TierLongTerm, Entry{Type: TypePattern, Content: "x", Quality: 0.5})
	require.NoError(t, err)

	require.NoError(t, s.Reinforce(TierLongTerm, entry.EntryID))
	require.NoError(t, s.Reinforce(TierLongTerm, entry.EntryID))
	require.Error(t, s.Reinforce(TierLongTerm, "missing"))

	entries, err := s.List(TierLongTerm)
	require.NoError(t, err)
	require.Equal(t, 2, entries[0].Reinforcements)
}

func TestStore_PersistsAcrossInstances(t *testing.T) {
	layout := storage.NewLayout(t.TempDir())

	s := NewStore(layout, "s1")
	_, err := s.Add(TierShortTerm, Entry{Type: TypeEvent, Content: "deploy", Quality: 0.3})
	require.NoError(t, err)

	reloaded := NewStore(layout, "s1")
	entries, err := reloaded.List(TierShortTerm)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
