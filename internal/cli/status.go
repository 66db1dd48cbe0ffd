package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fiftyfive-labs/synthd/internal/daemon"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status TASK",
	Short: "Show a task's current state",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	st, err := d.Scheduler.GetStatus(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Task:      %s\n", st.TaskID)
	fmt.Printf("Status:    %s\n", st.Status)
	fmt.Printf("Progress:  %d%%\n", st.Progress)
	if st.QueuePosition > 0 {
		fmt.Printf("Queue:     #%d\n", st.QueuePosition)
	}
	fmt.Printf("Estimate:  %d credits\n", st.CostEstimate)
	if st.CostFinal > 0 {
		fmt.Printf("Final:     %d credits\n", st.CostFinal)
	}
	if st.ResultRef != "" {
		fmt.Printf("Result:    %s\n", st.ResultRef)
	}
	if st.Error != "" {
		fmt.Printf("Error:     %s\n", st.Error)
	}
	return nil
}
