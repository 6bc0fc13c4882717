// Package cli implements ledgerctl, an offline inspector for the
// transaction ledger. It reads the same SQLite file or Postgres database
// the server writes and never appends.
package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mbd888/qff/internal/ledger"
	"github.com/mbd888/qff/internal/logging"
)

// ErrNoLedger is returned when neither a database URL nor a SQLite path is configured.
var ErrNoLedger = errors.New("no ledger configured: set --database-url or --sqlite")

// Build info, set by cmd/ledgerctl.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

type app struct {
	v      *viper.Viper
	ledger *ledger.Ledger
}

// NewRootCommand builds the ledgerctl command tree.
func NewRootCommand() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Inspect and verify the firewall's hash-chained ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.String("database-url", "", "Postgres DSN (env DATABASE_URL)")
	flags.String("sqlite", "", "Path to the SQLite ledger file (env LEDGER_SQLITE_PATH)")
	flags.String("log-level", "warn", "Log level")
	_ = a.v.BindPFlags(flags)
	_ = a.v.BindEnv("database-url", "DATABASE_URL")
	_ = a.v.BindEnv("sqlite", "LEDGER_SQLITE_PATH")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.SetEnvPrefix("LEDGERCTL")
	a.v.AutomaticEnv()

	root.AddCommand(
		newVerifyCommand(a),
		newAuditCommand(a),
		newTailCommand(a),
		newExportCommand(a),
		newVersionCommand(),
	)
	return root
}

// Execute runs ledgerctl with the process arguments.
func Execute(ctx context.Context, stderr io.Writer) int {
	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	return 0
}

// withLedger opens the configured ledger for the duration of run.
func (a *app) withLedger(run func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		closeFn, err := a.open(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = closeFn() }()
		return run(cmd, args)
	}
}

func (a *app) open(ctx context.Context) (func() error, error) {
	logger := logging.Component(logging.New(a.v.GetString("log-level"), "text"), "ledgerctl")

	if dsn := a.v.GetString("database-url"); dsn != "" {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.ledger = ledger.New(ledger.NewPostgresStore(db), logger)
		return db.Close, nil
	}

	if path := a.v.GetString("sqlite"); path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("ledger file: %w", err)
		}
		store, err := ledger.OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		a.ledger = ledger.New(store, logger)
		return store.Close, nil
	}
	return nil, ErrNoLedger
}
