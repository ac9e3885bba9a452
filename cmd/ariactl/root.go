package main

import (
	"io"

	"github.com/spf13/cobra"
)

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{out: out}

	root := &cobra.Command{
		Use:   "ariactl",
		Short: "Control an aria2 download engine",
		Long: `ariactl talks to an aria2 engine over its websocket JSON-RPC interface.

The engine is addressed by --url, or discovered through etcd with --etcd.
Settings are read from the config file, then ARIACTL_* environment
variables, then flags.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	root.SetOut(out)
	a.flags.register(root.PersistentFlags())

	root.AddCommand(
		newListCmd(a),
		newStatCmd(a),
		newAddCmd(a),
		newAddTorrentCmd(a),
		newAddMetalinkCmd(a),
		newInspectCmd(a),
		newPauseCmd(a),
		newResumeCmd(a),
		newRemoveCmd(a),
		newPurgeCmd(a),
		newMoveCmd(a),
		newOptionCmd(a),
		newVersionCmd(a),
		newWatchCmd(a),
		newExportCmd(a),
		newEnginesCmd(a),
	)
	return root
}
