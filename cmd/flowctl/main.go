// Command flowctl loads a serialized task graph (the JSON shape produced by
// task.Graph.ToJSON) and either validates its wiring or runs it to
// completion, optionally checkpointing through the memory or sqlite
// backend. It exists as a config + wiring demo: every task kind
// it loads runs as a passthrough, so it exercises the graph/scheduler/
// checkpoint machinery end to end without depending on a caller's own task
// implementations.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "flowctl",
		Short: "Inspect and run serialized flowcore task graphs",
	}
	root.AddCommand(newValidateCmd())
	root.AddCommand(newRunCmd())
	return root
}
