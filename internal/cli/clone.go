package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "clone <package>",
		Short: "Clone a package into a new version or a new package id",
		Long: "Copy a package's rows, files and branch under a new version. Revision histories are " +
			"copied in background batches; the command waits for them to settle.",
		Args: cobra.ExactArgs(1),
		Run:  runClone,
	}

	cmd.Flags().String("id", "", "New package id (default: keep the source id)")
	cmd.Flags().String("version", "", "New version (required)")
	cmd.MarkFlagRequired("version")

	RootCmd.AddCommand(cmd)
}

func runClone(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	id, _ := cmd.Flags().GetString("id")
	version, _ := cmd.Flags().GetString("version")

	a := mustOpenApp()
	defer a.Close()

	src := a.mustPackage(ctx, args[0])
	dst, err := a.clone.CloneVersion(ctx, src.GUID, id, version)
	if err != nil {
		a.fail("clone", err)
	}
	if settled, ok := a.clone.Settled(dst.GUID); ok {
		<-settled
	}
	// The build status is recorded before the tracker settles.
	progress, _ := a.clone.Progress(dst.GUID)

	pkg, err := a.store.GetPackage(ctx, dst.GUID)
	if err != nil {
		a.fail("get package", err)
	}
	printJSON(map[string]any{"package": pkg, "progress": progress})
}
