package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	resetPaymentCmd.Flags().BoolVar(&resetDispatch, "dispatch", false, "Re-dispatch immediately instead of waiting for the reconciler")
	rootCmd.AddCommand(resetPaymentCmd)
}

var resetDispatch bool

var resetPaymentCmd = &cobra.Command{
	Use:   "reset-payment KEY",
	Short: "Move a FAILED payment back to PENDING",
	Args:  cobra.ExactArgs(1),
	RunE:  runResetPayment,
}

func runResetPayment(cmd *cobra.Command, args []string) error {
	key := args[0]

	d, err := openDaemon()
	if err != nil {
		return err
	}
	defer d.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if err := d.Settlement.Reset(ctx, key); err != nil {
		return err
	}
	fmt.Fprintf(out, "Payment %s reset to PENDING\n", key)

	if !resetDispatch {
		return nil
	}
	p, err := d.Settlement.Redispatch(ctx, key)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Payment %s is %s after %d attempts\n", key, p.Status, p.Attempts)
	return nil
}
