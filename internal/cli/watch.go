package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rcliao/content-engine/internal/logging"
	"github.com/rcliao/content-engine/internal/reconcile"
)

func init() {
	cmd := &cobra.Command{
		Use:   "watch <package>",
		Short: "Reconcile a package whenever its working copy changes",
		Args:  cobra.ExactArgs(1),
		Run:   runWatch,
	}

	cmd.Flags().StringSlice("exclude", nil, "Extra glob patterns to ignore")

	RootCmd.AddCommand(cmd)
}

func runWatch(cmd *cobra.Command, args []string) {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	extra, _ := cmd.Flags().GetStringSlice("exclude")

	a := mustOpenApp()
	defer a.Close()

	pkg := a.mustPackage(ctx, args[0])
	a.locks.Start(ctx, a.cfg.LockTTL/2)

	excludes := append(append([]string{}, reconcile.DefaultExcludes...), extra...)
	w, err := reconcile.NewWatcher(a.sync, pkg.SourceLocation, pkg.GUID, a.cfg.WatchDebounce, excludes,
		logging.Component(a.log, "watch"))
	if err != nil {
		a.fail("watch", err)
	}
	a.sync.Request(pkg.SourceLocation, pkg.GUID)
	if err := w.Run(ctx); err != nil {
		a.fail("watch", err)
	}
}
