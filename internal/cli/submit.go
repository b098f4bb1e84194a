package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tutu-network/ziggurat/internal/app/pipeline"
)

func init() {
	submitCmd.Flags().BoolVar(&submitNATS, "nats", false, "Publish to the NATS intake subject instead of the local queue")
	rootCmd.AddCommand(submitCmd)
}

var submitNATS bool

var submitCmd = &cobra.Command{
	Use:   "submit FILE",
	Short: "Queue a task from a JSON file (- for stdin)",
	Args:  cobra.ExactArgs(1),
	RunE:  runSubmit,
}

func runSubmit(cmd *cobra.Command, args []string) error {
	task, err := readTask(args[0], cmd.InOrStdin())
	if err != nil {
		return err
	}

	d, err := openDaemon()
	if err != nil {
		return err
	}
	defer d.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if submitNATS {
		if d.Config.Intake.NATSURL == "" {
			return fmt.Errorf("intake.nats_url is not configured")
		}
		task = pipeline.Normalize(task, time.Now())
		if err := pipeline.ValidateTask(task); err != nil {
			return err
		}
		bus, err := d.Bus(ctx, d.Config.Intake.NATSURL)
		if err != nil {
			return err
		}
		if err := bus.PublishTask(ctx, d.Config.Intake.Subject, task); err != nil {
			return err
		}
		fmt.Fprintf(out, "Published task %s to %s\n", task.ID, d.Config.Intake.Subject)
		return nil
	}

	stored, added, err := d.Intake.Submit(ctx, task)
	if err != nil {
		return err
	}
	if !added {
		fmt.Fprintf(out, "Task %s is already queued\n", stored.ID)
		return nil
	}
	fmt.Fprintf(out, "Queued task %s (%s, %s)\n", stored.ID, stored.ComplexityTier, stored.RequestedCurrency)
	return nil
}
