package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zjrosen/legion/internal/orchestration/memory"
)

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Inspect and update a minion's memory",
}

var (
	memoryTier    string
	memoryType    string
	memoryQuality float64
	memoryTags    []string
)

var memoryListCmd = &cobra.Command{
	Use:   "list <minion-id>",
	Short: "List a minion's memory entries",
	Args:  cobra.ExactArgs(1),
	RunE:  runMemoryList,
}

var memoryAddCmd = &cobra.Command{
	Use:   "add <minion-id> <content>",
	Short: "Add a memory entry",
	Args:  cobra.ExactArgs(2),
	RunE:  runMemoryAdd,
}

var memoryReinforceCmd = &cobra.Command{
	Use:   "reinforce <minion-id> <entry-id>",
	Short: "Bump an entry's reinforcement counter",
	Args:  cobra.ExactArgs(2),
	RunE:  runMemoryReinforce,
}

func init() {
	minionCmd.AddCommand(memoryCmd)
	memoryCmd.AddCommand(memoryListCmd, memoryAddCmd, memoryReinforceCmd)

	memoryCmd.PersistentFlags().StringVar(&memoryTier, "tier", string(memory.TierShortTerm), "memory tier (short_term or long_term)")
	memoryAddCmd.Flags().StringVar(&memoryType, "type", string(memory.TypeFact), "entry type (FACT, PATTERN, RULE, RELATIONSHIP, EVENT)")
	memoryAddCmd.Flags().Float64Var(&memoryQuality, "quality", 0.5, "confidence score in [0,1]")
	memoryAddCmd.Flags().StringSliceVar(&memoryTags, "tags", nil, "entry tags")
}

func openMemory(minionID string) (*memory.Store, memory.Tier, error) {
	sessions, layout, err := openSessions()
	if err != nil {
		return nil, "", err
	}
	if _, ok := sessions.Get(minionID); !ok {
		return nil, "", fmt.Errorf("unknown minion %s", minionID)
	}

	tier := memory.Tier(memoryTier)
	if tier != memory.TierShortTerm && tier != memory.TierLongTerm {
		return nil, "", fmt.Errorf("unknown memory tier %q", memoryTier)
	}
	return memory.NewStore(layout, minionID), tier, nil
}

func runMemoryList(_ *cobra.Command, args []string) error {
	store, tier, err := openMemory(args[0])
	if err != nil {
		return err
	}
	entries, err := store.List(tier)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tQUALITY\tREINF\tCONTENT")
	for _, e := range entries {
		content := e.Content
		if len(content) > 60 {
			content = content[:57] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%.2f\t%d\t%s\n",
			e.EntryID, e.Type, e.Quality, e.Reinforcements, content)
	}
	return w.Flush()
}

func runMemoryAdd(_ *cobra.Command, args []string) error {
	store, tier, err := openMemory(args[0])
	if err != nil {
		return err
	}

	entry, err := store.Add(tier, memory.Entry{
		Type:    memory.EntryType(strings.ToUpper(memoryType)),
		Content: args[1],
		Quality: memoryQuality,
		Tags:    memoryTags,
	})
	if err != nil {
		return err
	}
	fmt.Println(entry.EntryID)
	return nil
}

func runMemoryReinforce(_ *cobra.Command, args []string) error {
	store, tier, err := openMemory(args[0])
	if err != nil {
		return err
	}
	return store.Reinforce(tier, args[1])
}
