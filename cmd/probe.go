package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zjrosen/legion/internal/orchestration/client"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Check container-platform readiness for sandboxed sessions",
	RunE:  runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)
}

func runProbe(cmd *cobra.Command, _ []string) error {
	prober := client.NewProber(client.ContainerConfig{
		Image:       cfg.Container.Image,
		ExtraMounts: cfg.Container.ExtraMounts,
		Workspace:   cfg.Container.Workspace,
	})
	result := prober.Probe(cmd.Context())

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
