package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tutu-network/ziggurat/internal/domain"
)

func init() {
	paymentsCmd.Flags().StringVar(&paymentsStatus, "status", "", "Only PENDING, SETTLED or FAILED payments")
	paymentsCmd.Flags().IntVar(&paymentsLimit, "limit", 50, "Maximum rows")
	rootCmd.AddCommand(paymentsCmd)
}

var (
	paymentsStatus string
	paymentsLimit  int
)

var paymentsCmd = &cobra.Command{
	Use:   "payments",
	Short: "List payment records",
	RunE:  runPayments,
}

func runPayments(cmd *cobra.Command, args []string) error {
	status := domain.PaymentStatus(strings.ToUpper(paymentsStatus))
	switch status {
	case "", domain.PaymentPending, domain.PaymentSettled, domain.PaymentFailed:
	default:
		return fmt.Errorf("unknown payment status %q", paymentsStatus)
	}

	d, err := openDaemon()
	if err != nil {
		return err
	}
	defer d.Close()

	payments, err := d.DB.ListPayments(cmd.Context(), status, paymentsLimit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(payments) == 0 {
		fmt.Fprintln(out, "No payments.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tTASK\tSTATUS\tRAIL\tQUOTED\tSETTLED\tATTEMPTS\tUPDATED")
	for _, p := range payments {
		settled := "-"
		if p.Status == domain.PaymentSettled {
			settled = p.SettledAmount.String() + " " + p.SettledCurrency
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s %s\t%s\t%d\t%s\n",
			p.IdempotencyKey,
			p.TaskID,
			p.Status,
			p.Rail,
			p.QuoteAmount, p.QuoteCurrency,
			settled,
			p.Attempts,
			p.UpdatedAt.Format("2006-01-02 15:04"),
		)
	}
	return w.Flush()
}
