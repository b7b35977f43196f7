package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zjrosen/legion/internal/orchestration/minion"
	"github.com/zjrosen/legion/internal/orchestration/queue"
	"github.com/zjrosen/legion/internal/orchestration/session"
	"github.com/zjrosen/legion/internal/orchestration/storage"
)

var minionCmd = &cobra.Command{
	Use:   "minion",
	Short: "Manage minion sessions",
}

var (
	minionName      string
	minionWorkDir   string
	minionLegion    string
	minionModel     string
	minionContainer bool
)

var minionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new minion session",
	RunE:  runMinionCreate,
}

var minionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List minion sessions",
	RunE:  runMinionList,
}

var minionInfoCmd = &cobra.Command{
	Use:   "info <minion-id>",
	Short: "Show one minion's full state",
	Args:  cobra.ExactArgs(1),
	RunE:  runMinionInfo,
}

var minionEnqueueCmd = &cobra.Command{
	Use:   "enqueue <minion-id> <content>",
	Short: "Queue a message for delivery to a minion",
	Long: `Queue a message for delivery. A running daemon delivers queued work in
order, auto-starting the session if needed; otherwise delivery happens when
the daemon next starts.`,
	Args: cobra.ExactArgs(2),
	RunE: runMinionEnqueue,
}

var minionQueueCmd = &cobra.Command{
	Use:   "queue <minion-id>",
	Short: "Show a minion's message queue",
	Args:  cobra.ExactArgs(1),
	RunE:  runMinionQueue,
}

var minionPauseCmd = &cobra.Command{
	Use:   "pause <minion-id>",
	Short: "Pause a minion's queue processing",
	Long: `Pause queue processing for a minion. Pending items stay queued; a
running daemon stops draining until the queue is resumed.`,
	Args: cobra.ExactArgs(1),
	RunE: runMinionPause,
}

var minionResumeCmd = &cobra.Command{
	Use:   "resume <minion-id>",
	Short: "Resume a minion's queue processing",
	Args:  cobra.ExactArgs(1),
	RunE:  runMinionResume,
}

func init() {
	rootCmd.AddCommand(minionCmd)
	minionCmd.AddCommand(minionCreateCmd, minionListCmd, minionInfoCmd,
		minionEnqueueCmd, minionQueueCmd, minionPauseCmd, minionResumeCmd)

	minionCreateCmd.Flags().StringVar(&minionName, "name", "", "display name")
	minionCreateCmd.Flags().StringVar(&minionWorkDir, "workdir", "", "working directory (default: current directory)")
	minionCreateCmd.Flags().StringVar(&minionLegion, "legion", "", "legion ID to join")
	minionCreateCmd.Flags().StringVar(&minionModel, "model", "", "upstream model (default: adapter.model from config)")
	minionCreateCmd.Flags().BoolVar(&minionContainer, "container", false, "run sandboxed in a container")
}

func openSessions() (*session.Manager, storage.Layout, error) {
	layout := storage.NewLayout(cfg.DataDir)
	mgr := session.NewManager(layout)
	if err := mgr.LoadAll(); err != nil {
		return nil, layout, fmt.Errorf("loading sessions: %w", err)
	}
	return mgr, layout, nil
}

func runMinionCreate(_ *cobra.Command, _ []string) error {
	sessions, _, err := openSessions()
	if err != nil {
		return err
	}

	workDir := minionWorkDir
	if workDir == "" {
		workDir, err = os.Getwd()
		if err != nil {
			return fmt.Errorf("getting current directory: %w", err)
		}
	}
	model := minionModel
	if model == "" {
		model = cfg.Adapter.Model
	}

	rec, err := sessions.Create(minion.SessionConfig{
		Name:           minionName,
		WorkingDir:     workDir,
		Model:          model,
		PermissionMode: cfg.Adapter.PermissionMode,
		LegionID:       minionLegion,
		UseContainer:   minionContainer,
		Queue: &minion.QueueConfig{
			MinWaitSeconds: cfg.Queue.MinWaitSeconds,
			MinIdleSeconds: cfg.Queue.MinIdleSeconds,
		},
	})
	if err != nil {
		return err
	}

	if minionLegion != "" {
		legions, lerr := openLegions()
		if lerr != nil {
			return lerr
		}
		if err := legions.AddMinion(minionLegion, rec.SessionID.String()); err != nil {
			fmt.Fprintf(os.Stderr, "warning: could not join legion: %v\n", err)
		}
	}

	fmt.Println(rec.SessionID.String())
	return nil
}

func runMinionList(_ *cobra.Command, _ []string) error {
	sessions, layout, err := openSessions()
	if err != nil {
		return err
	}
	queues := queue.NewManager(layout)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATE\tLEGION\tPENDING")
	for _, rec := range sessions.List() {
		id := rec.SessionID.String()
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n",
			id, rec.Name, rec.State, rec.LegionID, queues.PendingCount(id))
	}
	return w.Flush()
}

func runMinionInfo(_ *cobra.Command, args []string) error {
	sessions, _, err := openSessions()
	if err != nil {
		return err
	}
	rec, ok := sessions.Get(args[0])
	if !ok {
		return fmt.Errorf("unknown minion %s", args[0])
	}

	out, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runMinionEnqueue(_ *cobra.Command, args []string) error {
	sessions, layout, err := openSessions()
	if err != nil {
		return err
	}
	if _, ok := sessions.Get(args[0]); !ok {
		return fmt.Errorf("unknown minion %s", args[0])
	}

	item, err := queue.NewManager(layout).Enqueue(args[0], args[1], false)
	if err != nil {
		return err
	}
	fmt.Println(item.QueueID)
	return nil
}

func setQueuePaused(minionID string, paused bool) error {
	sessions, _, err := openSessions()
	if err != nil {
		return err
	}
	if _, ok := sessions.Get(minionID); !ok {
		return fmt.Errorf("unknown minion %s", minionID)
	}
	return sessions.SetQueuePaused(minionID, paused)
}

func runMinionPause(_ *cobra.Command, args []string) error {
	return setQueuePaused(args[0], true)
}

func runMinionResume(_ *cobra.Command, args []string) error {
	return setQueuePaused(args[0], false)
}

func runMinionQueue(_ *cobra.Command, args []string) error {
	_, layout, err := openSessions()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tQUEUED\tCONTENT")
	for _, item := range queue.NewManager(layout).ListItems(args[0]) {
		content := item.Content
		if len(content) > 60 {
			content = content[:57] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			item.QueueID, item.Status, item.EnqueuedAt.Format("2006-01-02 15:04:05"), content)
	}
	return w.Flush()
}
