package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/fiftyfive-labs/synthd/internal/daemon"
	"github.com/fiftyfive-labs/synthd/internal/domain"
)

func init() {
	credAddCmd.Flags().StringVar(&credName, "name", "", "Display name")
	credAddCmd.Flags().StringVar(&credClass, "class", "", "Provider class (voice, image)")
	credAddCmd.Flags().StringVar(&credKey, "key", "", "Upstream API key")
	credAddCmd.Flags().IntVar(&credHourly, "hourly", 100, "Hourly request limit")
	credAddCmd.Flags().IntVar(&credConcurrent, "concurrent", 1, "Concurrent request limit")
	credAddCmd.MarkFlagRequired("class")
	credAddCmd.MarkFlagRequired("key")

	credentialsCmd.AddCommand(credAddCmd)
	credentialsCmd.AddCommand(credRemoveCmd)
	rootCmd.AddCommand(credentialsCmd)
}

var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Manage upstream API credentials",
	RunE:  runCredentialsList,
}

func runCredentialsList(cmd *cobra.Command, args []string) error {
	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	creds := d.Pool.Snapshot()
	if len(creds) == 0 {
		fmt.Println("No credentials configured.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCLASS\tACTIVE\tHOURLY\tCONCURRENT\tFAILURES")
	for _, c := range creds {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%d/%d\t%d/%d\t%d\n",
			c.ID,
			c.Name,
			c.ProviderClass,
			c.Active,
			c.RequestsThisHour, c.HourlyLimit,
			c.CurrentConcurrent, c.ConcurrentLimit,
			c.FailedRequests,
		)
	}
	return w.Flush()
}

var (
	credName       string
	credClass      string
	credKey        string
	credHourly     int
	credConcurrent int
)

var credAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a credential to the pool",
	RunE:  runCredentialsAdd,
}

func runCredentialsAdd(cmd *cobra.Command, args []string) error {
	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	now := time.Now().UTC()
	cred := domain.CredentialSlot{
		ID:              "crd_" + uuid.NewString(),
		Name:            credName,
		ProviderClass:   credClass,
		APIKey:          credKey,
		HourlyLimit:     credHourly,
		ConcurrentLimit: credConcurrent,
		HourWindowStart: now.Truncate(time.Hour),
		Active:          true,
		CreatedAt:       now,
	}
	if err := d.DB.InsertCredential(cred); err != nil {
		return err
	}

	fmt.Printf("Added credential %s (%s)\n", cred.ID, cred.ProviderClass)
	return nil
}

var credRemoveCmd = &cobra.Command{
	Use:   "remove ID",
	Short: "Remove a credential from the pool",
	Args:  cobra.ExactArgs(1),
	RunE:  runCredentialsRemove,
}

func runCredentialsRemove(cmd *cobra.Command, args []string) error {
	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.DB.DeleteCredential(args[0]); err != nil {
		return err
	}

	fmt.Printf("Removed credential %s\n", args[0])
	return nil
}
