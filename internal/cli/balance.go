package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fiftyfive-labs/synthd/internal/daemon"
	"github.com/fiftyfive-labs/synthd/internal/domain"
)

func init() {
	topupCmd.Flags().IntVar(&topupDays, "days", 0, "Validity in days (default from config)")
	rootCmd.AddCommand(balanceCmd)
	rootCmd.AddCommand(topupCmd)
}

var balanceCmd = &cobra.Command{
	Use:   "balance USER",
	Short: "Show a user's credit balance and packages",
	Args:  cobra.ExactArgs(1),
	RunE:  runBalance,
}

func runBalance(cmd *cobra.Command, args []string) error {
	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	bal, err := d.Ledger.Balance(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("User %s: %d credits\n", bal.UserID, bal.Total)
	if len(bal.Packages) == 0 {
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PACKAGE\tREMAINING\tINITIAL\tSOURCE\tEXPIRES")
	for _, p := range bal.Packages {
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\n",
			p.ID,
			p.CreditsRemaining,
			p.CreditsInitial,
			p.Source,
			p.ExpiresAt.Format("2006-01-02 15:04"),
		)
	}
	return w.Flush()
}

var topupDays int

var topupCmd = &cobra.Command{
	Use:   "topup USER CREDITS",
	Short: "Grant a user an expiring credit package",
	Args:  cobra.ExactArgs(2),
	RunE:  runTopup,
}

func runTopup(cmd *cobra.Command, args []string) error {
	var credits int64
	if _, err := fmt.Sscanf(args[1], "%d", &credits); err != nil || credits <= 0 {
		return fmt.Errorf("invalid credit amount %q", args[1])
	}

	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	days := topupDays
	if days <= 0 {
		days = d.Config.Credits.DefaultValidityDays
	}

	pkg, err := d.Ledger.AddPackage(args[0], credits,
		time.Duration(days)*24*time.Hour, domain.SourceAdmin)
	if err != nil {
		return err
	}

	fmt.Printf("Granted %d credits to %s (package %s, expires %s)\n",
		credits, args[0], pkg.ID, pkg.ExpiresAt.Format("2006-01-02"))
	return nil
}
