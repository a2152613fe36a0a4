// Command engine is the operator-facing entrypoint: serve (the admin
// HTTP API plus the manager/dispatcher/cleanup loops), worker (the
// background task server), and dead-letter/manifest/monitor convenience
// subcommands, all sharing the same config.Config/store.Factory wiring.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "engine",
		Short:         "Workflow orchestration engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newWorkerCommand())
	cmd.AddCommand(newDeadLetterCommand())
	cmd.AddCommand(newManifestCommand())
	cmd.AddCommand(newMonitorCommand())

	return cmd
}
