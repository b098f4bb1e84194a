package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func init() {
	reverifyCmd.Flags().StringVar(&reverifyTask, "task", "", "Re-run the latest verification of this task")
	rootCmd.AddCommand(reverifyCmd)
}

var reverifyTask string

var reverifyCmd = &cobra.Command{
	Use:   "reverify [FINGERPRINT]",
	Short: "Re-run an inconclusive verification against networks that did not answer",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runReverify,
}

func runReverify(cmd *cobra.Command, args []string) error {
	d, err := openDaemon()
	if err != nil {
		return err
	}
	defer d.Close()

	ctx := cmd.Context()
	var fingerprint string
	switch {
	case len(args) == 1:
		fingerprint = args[0]
	case reverifyTask != "":
		fps, err := d.DB.VerificationsForTask(ctx, reverifyTask)
		if err != nil {
			return err
		}
		if len(fps) == 0 {
			return fmt.Errorf("task %s has no verification", reverifyTask)
		}
		fingerprint = fps[0]
	default:
		return fmt.Errorf("give a fingerprint or --task")
	}

	rec, err := d.Verifier.Retrigger(ctx, fingerprint)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Round %d: consensus %v\n", rec.Round, rec.ConsensusAchieved)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NETWORK\tROUND\tAGREE\tERROR")
	for _, a := range rec.Attestations {
		fmt.Fprintf(w, "%s\t%d\t%v\t%s\n", a.NetworkID, a.Round, a.Agree, a.Error)
	}
	return w.Flush()
}
