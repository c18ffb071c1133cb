package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "sync <package>",
		Short: "Reconcile a package with its working copy and remote",
		Long:  "Pull remote changes into the store, then commit and push local edits.",
		Args:  cobra.ExactArgs(1),
		Run:   runSync,
	}

	RootCmd.AddCommand(cmd)
}

func runSync(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	a := mustOpenApp()
	defer a.Close()

	pkg := a.mustPackage(ctx, args[0])
	cs, err := a.sync.Reconcile(ctx, pkg.SourceLocation, pkg.GUID)
	if err != nil {
		a.fail("sync", err)
	}
	printJSON(cs)
}
