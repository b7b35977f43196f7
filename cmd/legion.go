package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zjrosen/legion/internal/orchestration/comms"
	"github.com/zjrosen/legion/internal/orchestration/legion"
	"github.com/zjrosen/legion/internal/orchestration/queue"
	"github.com/zjrosen/legion/internal/orchestration/storage"
)

var legionCmd = &cobra.Command{
	Use:   "legion",
	Short: "Manage legions (projects)",
}

var legionDescription string

var legionCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a new legion",
	Args:  cobra.ExactArgs(1),
	RunE:  runLegionCreate,
}

var legionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List legions",
	RunE:  runLegionList,
}

var legionAddCmd = &cobra.Command{
	Use:   "add <legion-id> <minion-id>",
	Short: "Add a minion to a legion",
	Args:  cobra.ExactArgs(2),
	RunE:  runLegionAdd,
}

var legionRemoveCmd = &cobra.Command{
	Use:   "remove <legion-id> <minion-id>",
	Short: "Remove a minion from a legion",
	Args:  cobra.ExactArgs(2),
	RunE:  runLegionRemove,
}

var sendType string

var sendCmd = &cobra.Command{
	Use:   "send <destination> <content>",
	Short: "Send a comm to a minion or channel",
	Long: `Route a comm from the user to a minion or to a legion channel.

The destination is a minion ID, or "channel:<legion-id>" to fan out to
every member. Minion-bound comms are queued for delivery; the daemon's
processor delivers them in order.`,
	Args: cobra.ExactArgs(2),
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(legionCmd, sendCmd)
	legionCmd.AddCommand(legionCreateCmd, legionListCmd, legionAddCmd, legionRemoveCmd)

	legionCreateCmd.Flags().StringVar(&legionDescription, "description", "", "legion description")
	sendCmd.Flags().StringVar(&sendType, "type", "TASK", "comm type: TASK, QUESTION, INFO, or BROADCAST")
}

func openLegions() (*legion.Manager, error) {
	mgr := legion.NewManager(storage.NewLayout(cfg.DataDir))
	if err := mgr.LoadAll(); err != nil {
		return nil, fmt.Errorf("loading legions: %w", err)
	}
	return mgr, nil
}

func runLegionCreate(_ *cobra.Command, args []string) error {
	legions, err := openLegions()
	if err != nil {
		return err
	}
	rec, err := legions.Create(args[0], legionDescription)
	if err != nil {
		return err
	}
	fmt.Println(rec.LegionID)
	return nil
}

func runLegionList(_ *cobra.Command, _ []string) error {
	legions, err := openLegions()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tMINIONS")
	for _, rec := range legions.List() {
		fmt.Fprintf(w, "%s\t%s\t%d\n", rec.LegionID, rec.Name, len(rec.MinionIDs))
	}
	return w.Flush()
}

func runLegionAdd(_ *cobra.Command, args []string) error {
	legions, err := openLegions()
	if err != nil {
		return err
	}
	return legions.AddMinion(args[0], args[1])
}

func runLegionRemove(_ *cobra.Command, args []string) error {
	legions, err := openLegions()
	if err != nil {
		return err
	}
	return legions.RemoveMinion(args[0], args[1])
}

// queueDeliverer is the comm router's send path for one-shot commands: no
// adapters live in this process, so everything goes through the queue.
type queueDeliverer struct {
	queue *queue.Manager
}

func (d *queueDeliverer) DeliverToMinion(_ context.Context, sessionID, content string) error {
	_, err := d.queue.Enqueue(sessionID, content, false)
	return err
}

func runSend(_ *cobra.Command, args []string) error {
	sessions, layout, err := openSessions()
	if err != nil {
		return err
	}

	commType := comms.CommType(strings.ToUpper(sendType))
	comm := comms.New(commType, args[1])
	comm.FromUser = true
	if rest, ok := strings.CutPrefix(args[0], "channel:"); ok {
		comm.ToChannelID = rest
	} else {
		comm.ToMinionID = args[0]
	}

	router := comms.NewRouter(layout, sessions, &queueDeliverer{queue: queue.NewManager(layout)})
	if err := router.Route(context.Background(), comm); err != nil {
		return err
	}
	fmt.Println(comm.CommID)
	return nil
}
