package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/content-engine/internal/model"
	"github.com/rcliao/content-engine/internal/revision"
)

var resourceCmd = &cobra.Command{
	Use:   "resource",
	Short: "Create, edit and inspect resources of a package",
}

func init() {
	create := &cobra.Command{
		Use:   "create <package>",
		Short: "Create a resource",
		Long:  "Create a resource. The body is read from --file or piped via stdin.",
		Args:  cobra.ExactArgs(1),
		Run:   runResourceCreate,
	}
	create.Flags().StringP("type", "t", "", "Resource type (required)")
	create.Flags().String("id", "", "Resource id when the body does not carry one")
	create.Flags().Bool("suppress", false, "Store invalid bodies with warnings")
	addBodyFlags(create)
	create.MarkFlagRequired("type")

	update := &cobra.Command{
		Use:   "update <package> <resource>",
		Short: "Write a new body for a resource",
		Long: "Write a new body under an edit lock held by --user. With --base the revision is only " +
			"appended when --base is the current head.",
		Args: cobra.ExactArgs(2),
		Run:  runResourceUpdate,
	}
	update.Flags().StringP("type", "t", "", "Change the resource type")
	update.Flags().String("base", "", "Expected head revision (conflict check)")
	update.Flags().String("next", "", "Guid for the new revision")
	addBodyFlags(update)

	rm := &cobra.Command{
		Use:   "rm <package> <resource>",
		Short: "Soft-delete a resource",
		Args:  cobra.ExactArgs(2),
		Run:   runResourceRm,
	}
	rm.Flags().StringP("user", "u", defaultUser(), "Editing user")

	get := &cobra.Command{
		Use:   "get <package> <resource>",
		Short: "Show a resource with its head body",
		Args:  cobra.ExactArgs(2),
		Run:   runResourceGet,
	}

	history := &cobra.Command{
		Use:   "history <package> <resource>",
		Short: "List revisions from head to root",
		Args:  cobra.ExactArgs(2),
		Run:   runResourceHistory,
	}

	edges := &cobra.Command{
		Use:   "edges <package> <resource>",
		Short: "List edges sourced by and targeting a resource",
		Args:  cobra.ExactArgs(2),
		Run:   runResourceEdges,
	}

	resourceCmd.AddCommand(create, update, rm, get, history, edges)
	RootCmd.AddCommand(resourceCmd)
}

func addBodyFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("file", "f", "", "Read the body from a file")
	cmd.Flags().StringP("user", "u", defaultUser(), "Editing user")
	cmd.Flags().String("session", "", "Edit session; repeated writes in one session replace the head")
}

func defaultUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}

// readBody reads --file, falling back to piped stdin.
func readBody(cmd *cobra.Command) (string, error) {
	if path, _ := cmd.Flags().GetString("file"); path != "" {
		b, err := os.ReadFile(path)
		return string(b), err
	}
	stat, _ := os.Stdin.Stat()
	if (stat.Mode() & os.ModeCharDevice) == 0 {
		b, err := io.ReadAll(os.Stdin)
		return string(b), err
	}
	return "", nil
}

func mustBody(cmd *cobra.Command) string {
	body, err := readBody(cmd)
	if err != nil {
		exitErr("read body", err)
	}
	if strings.TrimSpace(body) == "" {
		exitErr("body", fmt.Errorf("content is required (--file or stdin)"))
	}
	return body
}

// withLock holds user's edit lock on a resource for the duration of fn.
func (a *app) withLock(ctx context.Context, pkg *model.ContentPackage, resourceID, user string, fn func() (*model.Resource, error)) (*model.Resource, error) {
	r, err := a.store.View().GetResource(ctx, pkg.GUID, resourceID)
	if err != nil {
		return nil, err
	}
	if l := a.locks.Acquire(user, r.GUID); l.LockedBy != user {
		return nil, fmt.Errorf("resource %s is locked by %s", resourceID, l.LockedBy)
	}
	defer a.locks.Release(user, r.GUID)
	return fn()
}

func runResourceCreate(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	body := mustBody(cmd)
	typ, _ := cmd.Flags().GetString("type")
	id, _ := cmd.Flags().GetString("id")
	suppress, _ := cmd.Flags().GetBool("suppress")
	user, _ := cmd.Flags().GetString("user")
	session, _ := cmd.Flags().GetString("session")

	a := mustOpenApp()
	defer a.Close()

	pkg := a.mustPackage(ctx, args[0])
	r, err := a.revisions.Create(ctx, revision.CreateParams{
		PackageGUID:        pkg.GUID,
		Type:               typ,
		Content:            body,
		Author:             user,
		SessionID:          session,
		ID:                 id,
		SuppressValidation: suppress,
	})
	if err != nil {
		a.fail("create resource", err)
	}
	printJSON(r)
}

func runResourceUpdate(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	body := mustBody(cmd)
	typ, _ := cmd.Flags().GetString("type")
	base, _ := cmd.Flags().GetString("base")
	next, _ := cmd.Flags().GetString("next")
	user, _ := cmd.Flags().GetString("user")
	session, _ := cmd.Flags().GetString("session")

	a := mustOpenApp()
	defer a.Close()

	pkg := a.mustPackage(ctx, args[0])
	var (
		r   *model.Resource
		err error
	)
	if base != "" {
		r, err = a.revisions.UpdateWithConflictCheck(ctx, pkg.GUID, args[1], base, next, body)
	} else {
		r, err = a.withLock(ctx, pkg, args[1], user, func() (*model.Resource, error) {
			return a.revisions.Update(ctx, revision.UpdateParams{
				PackageGUID:    pkg.GUID,
				ResourceID:     args[1],
				Type:           typ,
				Content:        body,
				Author:         user,
				SessionID:      session,
				NextRevisionID: next,
			})
		})
	}
	if err != nil {
		a.fail("update resource", err)
	}
	printJSON(r)
}

func runResourceRm(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	user, _ := cmd.Flags().GetString("user")

	a := mustOpenApp()
	defer a.Close()

	pkg := a.mustPackage(ctx, args[0])
	r, err := a.withLock(ctx, pkg, args[1], user, func() (*model.Resource, error) {
		return a.revisions.SoftDelete(ctx, revision.DeleteParams{
			PackageGUID: pkg.GUID,
			ResourceID:  args[1],
			User:        user,
		})
	})
	if err != nil {
		a.fail("delete resource", err)
	}
	printJSON(map[string]any{"deleted": true, "resource": r.ID, "guid": r.GUID})
}

func runResourceGet(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	a := mustOpenApp()
	defer a.Close()

	pkg := a.mustPackage(ctx, args[0])
	r, err := a.revisions.Get(ctx, pkg.GUID, args[1])
	if err != nil {
		a.fail("get resource", err)
	}
	printJSON(r)
}

func runResourceHistory(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	a := mustOpenApp()
	defer a.Close()

	pkg := a.mustPackage(ctx, args[0])
	revs, err := a.revisions.History(ctx, pkg.GUID, args[1])
	if err != nil {
		a.fail("history", err)
	}
	printJSON(revs)
}

func runResourceEdges(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	a := mustOpenApp()
	defer a.Close()

	pkg := a.mustPackage(ctx, args[0])
	sourced, targeting, err := a.graph.FetchResourceEdges(ctx, pkg.GUID, args[1])
	if err != nil {
		a.fail("edges", err)
	}
	printJSON(map[string]any{"sourced": sourced, "targeting": targeting})
}
