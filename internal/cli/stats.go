package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "stats [package]",
		Short: "Show database or package statistics",
		Args:  cobra.MaximumNArgs(1),
		Run:   runStats,
	}

	RootCmd.AddCommand(cmd)
}

func runStats(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	a := mustOpenApp()
	defer a.Close()

	if len(args) == 1 {
		pkg := a.mustPackage(ctx, args[0])
		stats, err := a.store.PackageStats(ctx, pkg.GUID)
		if err != nil {
			a.fail("stats", err)
		}
		printJSON(stats)
		return
	}

	stats, err := a.store.Stats(ctx, a.cfg.DBPath)
	if err != nil {
		a.fail("stats", err)
	}
	printJSON(stats)
}
