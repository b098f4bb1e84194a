package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tutu-network/ziggurat/internal/domain"
)

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the record as JSON")
	rootCmd.AddCommand(statusCmd)
}

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status TASK_ID",
	Short: "Show the outcome of a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	taskID := args[0]

	d, err := openDaemon()
	if err != nil {
		return err
	}
	defer d.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	rec, err := d.DB.GetRecord(ctx, taskID)
	if err != nil {
		return err
	}
	if rec == nil {
		task, err := d.DB.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if task == nil {
			return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, taskID)
		}
		fmt.Fprintf(out, "Task %s is queued (discovered %s)\n", task.ID, task.DiscoveredAt.Format("2006-01-02 15:04:05"))
		return nil
	}

	if statusJSON {
		return printJSON(out, rec)
	}

	fmt.Fprintf(out, "Task:         %s\n", rec.TaskID)
	fmt.Fprintf(out, "Agent:        %s\n", rec.AgentID)
	fmt.Fprintf(out, "Status:       %s\n", rec.Status)
	if rec.Metrics != nil {
		fmt.Fprintf(out, "Quality:      %.3f (clarity %.2f, completeness %.2f, accuracy %.2f)\n",
			rec.Metrics.Overall(), rec.Metrics.Clarity, rec.Metrics.Completeness, rec.Metrics.Accuracy)
	}
	if rec.Quote != nil {
		fmt.Fprintf(out, "Reward:       %s %s (%s, %s x %s)\n",
			rec.Quote.FinalAmount, rec.Quote.Currency, rec.Quote.Tier, rec.Quote.BaseAmount, rec.Quote.TierMultiplier)
	}
	if rec.Fingerprint != "" {
		fmt.Fprintf(out, "Fingerprint:  %s\n", rec.Fingerprint)
		fmt.Fprintf(out, "Verified:     %s\n", yesNo(rec.Consensus))
	}
	if rec.IdempotencyKey != "" {
		fmt.Fprintf(out, "Payment:      %s\n", rec.IdempotencyKey)
	}
	if rec.Error != "" {
		fmt.Fprintf(out, "Error:        %s\n", rec.Error)
	}
	fmt.Fprintf(out, "Completed:    %s (%s)\n", rec.CompletedAt.Format("2006-01-02 15:04:05"), rec.Duration())

	return nil
}
