// ledgerctl inspects and verifies the firewall ledger offline.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/mbd888/qff/internal/cli"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	_ = godotenv.Load()
	cli.Version, cli.Commit, cli.BuildTime = Version, Commit, BuildTime

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Execute(ctx, os.Stderr)
	stop()
	os.Exit(code)
}
