package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newTailCommand(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "List the newest ledger entries",
		RunE: a.withLedger(func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be greater than zero")
			}
			entries, err := a.ledger.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "ledger is empty")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "Seq\tID\tTime (UTC)\tType\tAmount\tReceiver\tScore\tStatus\tHash")
			for _, e := range entries {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s %s\t%s\t%d\t%s\t%s\n",
					e.Sequence, e.ID, e.CreatedAt.UTC().Format(time.RFC3339),
					e.Snapshot.Type, e.Snapshot.Amount, e.Snapshot.Currency, e.Snapshot.Receiver,
					e.RiskScore, e.Status, e.Hash[:min(12, len(e.Hash))])
			}
			return w.Flush()
		}),
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of entries to display")
	return cmd
}
