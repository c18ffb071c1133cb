// Package vcs is the version-control collaborator behind package working
// copies. The engine only depends on the VCS interface; Git implements it
// on top of go-git.
package vcs

import (
	"context"
	"slices"
	"strings"

	"github.com/rcliao/content-engine/internal/apperr"
)

// ChangeType classifies a path reported by Update.
type ChangeType string

const (
	Added      ChangeType = "A"
	Updated    ChangeType = "U"
	Merged     ChangeType = "G"
	Deleted    ChangeType = "D"
	Conflicted ChangeType = "C"
)

// Changes groups working-copy relative paths (slash separated) by change type.
type Changes map[ChangeType][]string

// Add records path under ct.
func (c Changes) Add(ct ChangeType, path string) {
	c[ct] = append(c[ct], path)
}

// Len is the number of paths across all change types.
func (c Changes) Len() int {
	n := 0
	for _, paths := range c {
		n += len(paths)
	}
	return n
}

// Sort orders each bucket so results are deterministic.
func (c Changes) Sort() {
	for _, paths := range c {
		slices.Sort(paths)
	}
}

// VCS is the contract the sync and clone engines need from version control.
type VCS interface {
	// Checkout materializes url into dir. An empty remote yields an empty
	// working copy bound to the branch.
	Checkout(ctx context.Context, url, dir string) error
	// Update brings dir up to date with its remote and reports what changed.
	Update(ctx context.Context, dir string) (Changes, error)
	// Commit records every working-copy change and publishes it.
	Commit(ctx context.Context, dir, message string) error
	// Switch rebinds dir to url.
	Switch(ctx context.Context, dir, url string) error
	// Copy creates toURL as a server-side copy of fromURL.
	Copy(ctx context.Context, fromURL, toURL, message string) error
	// Delete removes path (relative to dir) from the working copy.
	Delete(dir, path string) error
	// RepositoryURL reports the url dir is bound to.
	RepositoryURL(dir string) (string, error)
	// Cleanup clears stale working-copy locks left by an interrupted run.
	Cleanup(dir string) error
	// Add schedules unversioned files for the next commit.
	Add(dir string) error
}

// URL is a parsed "<remote>#<branch>" repository url.
type URL struct {
	Remote string
	Branch string
}

// DefaultBranch is used when a url carries no fragment.
const DefaultBranch = "trunk"

// ParseURL splits raw into remote and branch.
func ParseURL(raw string) (URL, error) {
	remote, branch, _ := strings.Cut(raw, "#")
	if remote == "" {
		return URL{}, apperr.BadRequest("repository url is empty")
	}
	if branch == "" {
		branch = DefaultBranch
	}
	return URL{Remote: remote, Branch: branch}, nil
}

func (u URL) String() string {
	return u.Remote + "#" + u.Branch
}

// WithBranch returns u pointed at another branch of the same remote.
func (u URL) WithBranch(branch string) URL {
	u.Branch = branch
	return u
}

// ForkBranch names the branch of a package forked under a new id.
func ForkBranch(newID string) string {
	return newID + "/" + DefaultBranch
}

// VersionBranch names the branch holding a new version of a package.
func VersionBranch(id, version string) string {
	return id + "/v" + version
}
