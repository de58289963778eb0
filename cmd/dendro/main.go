// Command dendro runs demonstration workloads of the distributed
// spatial hierarchy and serves debug introspection over HTTP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "dendro",
		Short:        "Distributed adaptive spatial trees",
		SilenceUsage: true,
	}
	cmd.AddCommand(demoCmd())
	return cmd
}
