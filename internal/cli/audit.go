package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newAuditCommand(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "audit <entry-id>",
		Short: "Show one entry with its recomputed hash and predecessor link",
		Args:  cobra.ExactArgs(1),
		RunE: a.withLedger(func(cmd *cobra.Command, args []string) error {
			trail, err := a.ledger.GetAuditTrail(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(trail)
			}

			e := trail.Entry
			fmt.Fprintf(out, "entry:     %s (sequence %d)\n", e.ID, e.Sequence)
			fmt.Fprintf(out, "tx:        %s %s %s -> %s\n", e.Snapshot.Type, e.Snapshot.Amount, e.Snapshot.Currency, e.Snapshot.Receiver)
			fmt.Fprintf(out, "risk:      %d (%s)\n", e.RiskScore, e.Status)
			fmt.Fprintf(out, "created:   %s\n", e.CreatedAt.UTC().Format("2006-01-02T15:04:05.000000Z"))
			fmt.Fprintf(out, "hash:      %s\n", e.Hash)
			fmt.Fprintf(out, "computed:  %s %s\n", trail.ComputedHash, verdict(trail.HashValid))
			prev := trail.PreviousHash
			if trail.PredecessorID != "" {
				prev += " (" + trail.PredecessorID + ")"
			}
			fmt.Fprintf(out, "previous:  %s %s\n", prev, verdict(trail.LinkValid))
			return nil
		}),
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the audit trail as JSON")
	return cmd
}

func verdict(ok bool) string {
	if ok {
		return "[ok]"
	}
	return "[MISMATCH]"
}
