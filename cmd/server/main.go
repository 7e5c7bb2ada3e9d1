// Command server runs the trustcore identity and credential API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trustcore",
		Short: "Fingerprint identities, role hierarchy and API credentials",
		Long: `trustcore registers anonymous fingerprint identities, tracks the addresses
they are seen from, gates role changes through a ranked hierarchy and issues
one active API credential per identity.

Configuration is read from the environment (TRUSTCORE_STORE, DATABASE_URL,
REDIS_URL, KAFKA_BROKERS, SUSPICIOUS_THRESHOLD, ...).`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newMigrateCmd())
	return cmd
}
