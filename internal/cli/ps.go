package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fiftyfive-labs/synthd/internal/daemon"
	"github.com/fiftyfive-labs/synthd/internal/domain"
)

func init() {
	rootCmd.AddCommand(psCmd)
}

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List queued and processing tasks",
	RunE:  runPs,
}

func runPs(cmd *cobra.Command, args []string) error {
	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	var tasks []domain.Task
	processing, err := d.DB.ListProcessing()
	if err != nil {
		return err
	}
	tasks = append(tasks, processing...)
	for _, kind := range []domain.TaskKind{domain.KindVoice, domain.KindImage} {
		queued, err := d.DB.ListQueued(kind)
		if err != nil {
			return err
		}
		tasks = append(tasks, queued...)
	}

	if len(tasks) == 0 {
		fmt.Println("No active tasks.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tOWNER\tKIND\tSTATUS\tPROGRESS\tCOST\tCREATED")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d%%\t%d\t%s\n",
			t.ID,
			t.OwnerID,
			t.Kind,
			t.Status,
			t.Progress,
			t.CostEstimate,
			t.CreatedAt.Format("15:04:05"),
		)
	}
	return w.Flush()
}
