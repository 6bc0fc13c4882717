package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

const exportPageSize = 500

func newExportCommand(a *app) *cobra.Command {
	var (
		outPath string
		from    int64
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the chain as JSON lines, oldest first",
		RunE: a.withLedger(func(cmd *cobra.Command, args []string) error {
			var out io.Writer = cmd.OutOrStdout()
			if outPath != "" && outPath != "-" {
				f, err := os.Create(outPath)
				if err != nil {
					return fmt.Errorf("create export file: %w", err)
				}
				defer func() { _ = f.Close() }()
				out = f
			}

			enc := json.NewEncoder(out)
			store := a.ledger.Store()
			next, written := max(from, 1), 0
			for {
				page, err := store.Range(cmd.Context(), next, exportPageSize)
				if err != nil {
					return err
				}
				for _, e := range page {
					if err := enc.Encode(e); err != nil {
						return fmt.Errorf("write entry %d: %w", e.Sequence, err)
					}
					written++
				}
				if len(page) < exportPageSize {
					break
				}
				next = page[len(page)-1].Sequence + 1
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "exported %d entries\n", written)
			return nil
		}),
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "-", "Output file, or - for stdout")
	cmd.Flags().Int64Var(&from, "from", 1, "First sequence number to export")
	return cmd
}
