package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "validate <package>",
		Short: "Resolve the dependency graph of a package",
		Long:  "Re-resolve every edge of a package, or with --incremental only edges not validated yet.",
		Args:  cobra.ExactArgs(1),
		Run:   runValidate,
	}

	cmd.Flags().Bool("incremental", false, "Only resolve NOT_VALIDATED edges")

	RootCmd.AddCommand(cmd)
}

func runValidate(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	incremental, _ := cmd.Flags().GetBool("incremental")

	a := mustOpenApp()
	defer a.Close()

	pkg := a.mustPackage(ctx, args[0])
	validate := a.graph.ValidateAll
	if incremental {
		validate = a.graph.ValidateIncremental
	}
	if err := validate(ctx, pkg.GUID); err != nil {
		a.fail("validate", err)
	}
	stats, err := a.store.PackageStats(ctx, pkg.GUID)
	if err != nil {
		a.fail("stats", err)
	}
	printJSON(stats)
}
