package cli

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rcliao/content-engine/internal/model"
	"github.com/rcliao/content-engine/internal/reconcile"
	"github.com/rcliao/content-engine/internal/vcs"
)

var packageCmd = &cobra.Command{
	Use:   "package",
	Short: "Create, import and inspect content packages",
}

func init() {
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an empty package bound to a git branch",
		Long: "Create a package and check out its working copy. Without --remote a bare repository " +
			"is created under <data>/remotes and the package tracks its <id>/trunk branch.",
		Run: runPackageCreate,
	}
	addPackageFlags(create)

	imp := &cobra.Command{
		Use:   "import",
		Short: "Create a package from an existing branch and ingest every file",
		Run:   runPackageImport,
	}
	addPackageFlags(imp)
	imp.MarkFlagRequired("remote")

	list := &cobra.Command{
		Use:   "list",
		Short: "List packages",
		Run:   runPackageList,
	}

	show := &cobra.Command{
		Use:   "show <package>",
		Short: "Show a package (guid or id:version)",
		Args:  cobra.ExactArgs(1),
		Run:   runPackageShow,
	}

	status := &cobra.Command{
		Use:   "status <package> <DEVELOPING|REQUESTING_QA|QA|DEPLOYED>",
		Short: "Change a package's lifecycle status",
		Args:  cobra.ExactArgs(2),
		Run:   runPackageStatus,
	}

	packageCmd.AddCommand(create, imp, list, show, status)
	RootCmd.AddCommand(packageCmd)
}

func addPackageFlags(cmd *cobra.Command) {
	cmd.Flags().String("id", "", "Package id (required)")
	cmd.Flags().String("version", "", "Package version (required)")
	cmd.Flags().String("title", "", "Title")
	cmd.Flags().String("description", "", "Description")
	cmd.Flags().String("remote", "", "Repository url <remote>#<branch>")
	cmd.MarkFlagRequired("id")
	cmd.MarkFlagRequired("version")
}

// newPackage allocates locations for a package and checks out its working
// copy. The row is not written.
func (a *app) newPackage(ctx context.Context, cmd *cobra.Command) (*model.ContentPackage, error) {
	id, _ := cmd.Flags().GetString("id")
	version, _ := cmd.Flags().GetString("version")
	title, _ := cmd.Flags().GetString("title")
	description, _ := cmd.Flags().GetString("description")
	remote, _ := cmd.Flags().GetString("remote")

	guid := uuid.NewString()
	pkg := &model.ContentPackage{
		GUID:             guid,
		ID:               id,
		Version:          version,
		Title:            title,
		Description:      description,
		SourceLocation:   filepath.Join(a.cfg.ReposDir(), guid),
		VolumeLocation:   filepath.Join(a.cfg.VolumesDir(), guid, "content"),
		WebContentVolume: filepath.Join(a.cfg.VolumesDir(), guid, "webcontent"),
	}
	if remote == "" {
		bare := filepath.Join(a.cfg.DataDir, "remotes", id+".git")
		if err := vcs.InitRemote(bare); err != nil {
			return nil, fmt.Errorf("creating remote: %w", err)
		}
		remote = vcs.URL{Remote: bare, Branch: vcs.ForkBranch(id)}.String()
	}
	if err := a.git.Checkout(ctx, remote, pkg.SourceLocation); err != nil {
		return nil, fmt.Errorf("checkout %s: %w", remote, err)
	}
	return pkg, nil
}

func runPackageCreate(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	a := mustOpenApp()
	defer a.Close()

	pkg, err := a.newPackage(ctx, cmd)
	if err != nil {
		a.fail("create package", err)
	}
	if err := a.store.CreatePackage(ctx, pkg); err != nil {
		a.fail("create package", err)
	}
	printJSON(pkg)
}

// runPackageImport starts ingestion before the row exists; the ingest
// waits for the package commit.
func runPackageImport(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	a := mustOpenApp()
	defer a.Close()

	pkg, err := a.newPackage(ctx, cmd)
	if err != nil {
		a.fail("import package", err)
	}

	type result struct {
		cs  *reconcile.Changeset
		err error
	}
	done := make(chan result, 1)
	go func() {
		cs, err := a.sync.Ingest(ctx, pkg.GUID)
		done <- result{cs, err}
	}()

	if err := a.store.CreatePackage(ctx, pkg); err != nil {
		cancel()
		<-done
		a.fail("import package", err)
	}
	res := <-done
	if res.err != nil {
		a.fail("ingest", res.err)
	}
	a.graph.Wait()
	if err := a.graph.ValidateAll(ctx, pkg.GUID); err != nil {
		a.fail("validate", err)
	}
	printJSON(map[string]any{"package": pkg, "changeset": res.cs})
}

func runPackageList(cmd *cobra.Command, args []string) {
	a := mustOpenApp()
	defer a.Close()

	pkgs, err := a.store.ListPackages(cmd.Context())
	if err != nil {
		a.fail("list packages", err)
	}
	printJSON(pkgs)
}

func runPackageShow(cmd *cobra.Command, args []string) {
	a := mustOpenApp()
	defer a.Close()

	printJSON(a.mustPackage(cmd.Context(), args[0]))
}

func runPackageStatus(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	a := mustOpenApp()
	defer a.Close()

	pkg := a.mustPackage(ctx, args[0])
	if err := a.store.SetPackageStatus(ctx, pkg.GUID, args[1]); err != nil {
		a.fail("set status", err)
	}
	pkg, err := a.store.GetPackage(ctx, pkg.GUID)
	if err != nil {
		a.fail("get package", err)
	}
	printJSON(pkg)
}
