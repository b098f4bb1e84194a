package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tutu-network/ziggurat/internal/app/credit"
)

func init() {
	ledgerCmd.Flags().BoolVar(&ledgerRepair, "repair", false, "Post missing entries for settled payments")
	rootCmd.AddCommand(ledgerCmd)
}

var ledgerRepair bool

var ledgerCmd = &cobra.Command{
	Use:   "ledger [AGENT_ID]",
	Short: "Audit the reward ledger, or show an agent's statement",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLedger,
}

func runLedger(cmd *cobra.Command, args []string) error {
	d, err := openDaemon()
	if err != nil {
		return err
	}
	defer d.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	if len(args) == 1 {
		st, err := d.Credit.AgentStatement(ctx, args[0], 20)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "CURRENCY\tBALANCE")
		for cur, bal := range st.Balances {
			fmt.Fprintf(w, "%s\t%s\n", cur, bal)
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, "TIME\tTYPE\tAMOUNT\tKEY")
		for _, e := range st.Entries {
			fmt.Fprintf(w, "%s\t%s\t%s %s\t%s\n",
				e.Timestamp.Format("2006-01-02 15:04"), e.EntryType, e.Amount, e.Currency, e.IdempotencyKey)
		}
		return w.Flush()
	}

	var report credit.Report
	if ledgerRepair {
		report, err = d.Credit.Repair(ctx)
	} else {
		report, err = d.Credit.Audit(ctx)
	}
	if err != nil {
		return err
	}

	fmt.Fprintln(w, "CURRENCY\tDEBITS\tCREDITS\tBALANCED")
	for _, t := range report.Totals {
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\n", t.Currency, t.Debits, t.Credits, t.Balanced())
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if report.Reposted > 0 {
		fmt.Fprintf(out, "Reposted %d settlements.\n", report.Reposted)
	}
	if len(report.Unposted) > 0 {
		fmt.Fprintf(out, "%d settled payments lack ledger entries (run with --repair).\n", len(report.Unposted))
	}
	if !report.Healthy() {
		return fmt.Errorf("ledger audit failed")
	}
	return nil
}
