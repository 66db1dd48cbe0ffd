package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fiftyfive-labs/synthd/internal/daemon"
)

func init() {
	rootCmd.AddCommand(cancelCmd)
}

var cancelCmd = &cobra.Command{
	Use:   "cancel TASK",
	Short: "Cancel a task and refund its unconsumed credits",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

func runCancel(cmd *cobra.Command, args []string) error {
	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	result, err := d.Scheduler.Cancel(context.Background(), args[0], "", true)
	if err != nil {
		return err
	}

	fmt.Printf("Task %s: %s (%d credits refunded)\n", args[0], result.Status, result.CreditsRefunded)
	return nil
}
