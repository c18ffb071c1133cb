package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "export <package>",
		Short: "Export a package as JSON",
		Long:  "Export every resource with its head body, edge, index entry and web asset of a package.",
		Args:  cobra.ExactArgs(1),
		Run:   runExport,
	}

	cmd.Flags().Bool("deleted", false, "Include deleted resources")

	packageCmd.AddCommand(cmd)
}

func runExport(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	deleted, _ := cmd.Flags().GetBool("deleted")

	a := mustOpenApp()
	defer a.Close()

	pkg := a.mustPackage(ctx, args[0])
	export, err := a.store.ExportPackage(ctx, pkg.GUID, deleted)
	if err != nil {
		a.fail("export", err)
	}
	printJSON(export)
}
