package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(syncCmd)
}

var syncCmd = &cobra.Command{
	Use:   "sync [AGENT_ID]",
	Short: "Reconcile agent profiles with the external registries",
	Long: `Merge local reward and quality figures with every configured registry and
push the result back. Without an agent ID every known agent is synced.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSync,
}

func runSync(cmd *cobra.Command, args []string) error {
	d, err := openDaemon()
	if err != nil {
		return err
	}
	defer d.Close()

	ctx := cmd.Context()
	if err := d.Connect(ctx); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(args) == 0 {
		if err := d.Sync.SyncAll(ctx); err != nil {
			return err
		}
		fmt.Fprintln(out, "Synced all agents.")
		return nil
	}

	p, err := d.Sync.SyncAgent(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Agent:        %s\n", p.AgentID)
	fmt.Fprintf(out, "Capabilities: %v\n", p.Capabilities)
	fmt.Fprintf(out, "Reward:       %s (v%d)\n", p.CumulativeReward.Value, p.CumulativeReward.Version)
	fmt.Fprintf(out, "Quality:      %d scores (v%d)\n", len(p.QualityHistory.Values), p.QualityHistory.Version)
	for reg, at := range p.LastSyncedAt {
		fmt.Fprintf(out, "Synced:       %s at %s\n", reg, at.Format("2006-01-02 15:04:05"))
	}
	return nil
}
