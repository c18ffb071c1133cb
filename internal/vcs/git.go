package vcs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	gogit "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/go-git/go-git/v5/utils/merkletrie"
	"github.com/rs/zerolog"
)

const remoteName = "origin"

// Git implements VCS with go-git. Branches stand in for repository paths:
// a url names a remote and the branch holding one package.
type Git struct {
	author string
	email  string
	log    zerolog.Logger
	now    func() time.Time
}

var _ VCS = (*Git)(nil)

// NewGit creates a Git client that signs commits as author <email>.
func NewGit(author, email string, log zerolog.Logger) *Git {
	return &Git{author: author, email: email, log: log, now: time.Now}
}

// InitRemote creates a bare repository at path if none exists there.
func InitRemote(path string) error {
	if _, err := gogit.PlainOpen(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return err
	}
	_, err := gogit.PlainInit(path, true)
	return err
}

// Checkout clones url into dir.
func (g *Git) Checkout(ctx context.Context, url, dir string) error {
	u, err := ParseURL(url)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return err
	}
	_, err = gogit.PlainCloneContext(ctx, dir, false, &gogit.CloneOptions{
		URL:           u.Remote,
		RemoteName:    remoteName,
		ReferenceName: plumbing.NewBranchReferenceName(u.Branch),
	})
	if err == nil {
		g.log.Debug().Str("url", url).Str("dir", dir).Msg("checked out")
		return nil
	}
	if !missingBranch(err) {
		return fmt.Errorf("checkout %s: %w", url, err)
	}

	// Nothing to clone yet: bind a fresh repository to the remote branch.
	if err := os.RemoveAll(filepath.Join(dir, ".git")); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	repo, err := gogit.PlainInit(dir, false)
	if err != nil {
		return fmt.Errorf("init %s: %w", dir, err)
	}
	if _, err := repo.CreateRemote(&gitconfig.RemoteConfig{Name: remoteName, URLs: []string{u.Remote}}); err != nil {
		return err
	}
	head := plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(u.Branch))
	if err := repo.Storer.SetReference(head); err != nil {
		return err
	}
	g.log.Debug().Str("url", url).Str("dir", dir).Msg("checked out empty branch")
	return nil
}

// localEdit is a path changed in the working copy but not on the remote.
type localEdit struct {
	content []byte
	deleted bool
}

// Update fetches the remote branch and moves the working copy onto it.
// Uncommitted and unpushed local edits are carried over on top; a path
// changed on both sides is reported as Merged when both sides agree and
// Conflicted otherwise, keeping the local content.
func (g *Git) Update(ctx context.Context, dir string) (Changes, error) {
	changes := Changes{}
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dir, err)
	}
	branch, err := headBranch(repo)
	if err != nil {
		return nil, err
	}

	err = repo.FetchContext(ctx, &gogit.FetchOptions{RemoteName: remoteName})
	if err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) && !errors.Is(err, transport.ErrEmptyRemoteRepository) {
		return nil, fmt.Errorf("fetch: %w", err)
	}

	remoteRef, err := repo.Reference(plumbing.NewRemoteReferenceName(remoteName, branch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return changes, nil
	}
	if err != nil {
		return nil, err
	}
	remote, err := repo.CommitObject(remoteRef.Hash())
	if err != nil {
		return nil, err
	}

	var head, base *object.Commit
	if ref, err := repo.Head(); err == nil {
		if head, err = repo.CommitObject(ref.Hash()); err != nil {
			return nil, err
		}
		if head.Hash == remote.Hash {
			return changes, nil
		}
		bases, err := head.MergeBase(remote)
		if err != nil {
			return nil, err
		}
		if len(bases) > 0 {
			base = bases[0]
		}
		if base != nil && base.Hash == remote.Hash {
			// Only local commits; nothing incoming.
			return changes, nil
		}
	} else if !errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, err
	}

	wt, err := repo.Worktree()
	if err != nil {
		return nil, err
	}
	local, err := localEdits(wt, dir, head, base)
	if err != nil {
		return nil, err
	}

	baseTree, err := treeOf(base)
	if err != nil {
		return nil, err
	}
	remoteTree, err := remote.Tree()
	if err != nil {
		return nil, err
	}
	diff, err := object.DiffTreeWithOptions(ctx, baseTree, remoteTree, nil)
	if err != nil {
		return nil, err
	}
	incoming := make(map[string]ChangeType, len(diff))
	for _, ch := range diff {
		action, err := ch.Action()
		if err != nil {
			return nil, err
		}
		switch action {
		case merkletrie.Insert:
			incoming[ch.To.Name] = Added
		case merkletrie.Modify:
			incoming[ch.To.Name] = Updated
		case merkletrie.Delete:
			incoming[ch.From.Name] = Deleted
		}
	}

	branchRef := plumbing.NewBranchReferenceName(branch)
	if err := repo.Storer.SetReference(plumbing.NewHashReference(branchRef, remote.Hash)); err != nil {
		return nil, err
	}
	if err := wt.Reset(&gogit.ResetOptions{Commit: remote.Hash, Mode: gogit.HardReset}); err != nil {
		return nil, fmt.Errorf("reset: %w", err)
	}

	for path, ct := range incoming {
		edit, ok := local[path]
		if !ok {
			changes.Add(ct, path)
			continue
		}
		if agreesWithRemote(remoteTree, path, edit) {
			changes.Add(Merged, path)
		} else {
			changes.Add(Conflicted, path)
		}
	}
	for path, edit := range local {
		if err := restore(dir, path, edit); err != nil {
			return nil, err
		}
	}
	changes.Sort()
	g.log.Debug().Str("dir", dir).Int("changes", changes.Len()).Msg("updated")
	return changes, nil
}

// Commit stages every change, commits when there is anything to record, and
// pushes the branch.
func (g *Git) Commit(ctx context.Context, dir, message string) error {
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		return fmt.Errorf("open %s: %w", dir, err)
	}
	branch, err := headBranch(repo)
	if err != nil {
		return err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return err
	}
	if err := wt.AddWithOptions(&gogit.AddOptions{All: true}); err != nil {
		return fmt.Errorf("stage: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return err
	}
	if !status.IsClean() {
		sig := &object.Signature{Name: g.author, Email: g.email, When: g.now()}
		if _, err := wt.Commit(message, &gogit.CommitOptions{Author: sig, Committer: sig}); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
	}
	if _, err := repo.Head(); errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil
	}

	spec := gitconfig.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch))
	err = repo.PushContext(ctx, &gogit.PushOptions{RemoteName: remoteName, RefSpecs: []gitconfig.RefSpec{spec}})
	if err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return fmt.Errorf("push: %w", err)
	}
	return nil
}

// Switch points dir at url, creating the local branch from the remote one
// when needed.
func (g *Git) Switch(ctx context.Context, dir, url string) error {
	u, err := ParseURL(url)
	if err != nil {
		return err
	}
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		return fmt.Errorf("open %s: %w", dir, err)
	}
	if err := setRemoteURL(repo, u.Remote); err != nil {
		return err
	}
	err = repo.FetchContext(ctx, &gogit.FetchOptions{RemoteName: remoteName})
	if err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return fmt.Errorf("fetch: %w", err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return err
	}
	branchRef := plumbing.NewBranchReferenceName(u.Branch)
	if _, err := repo.Reference(branchRef, false); err == nil {
		return wt.Checkout(&gogit.CheckoutOptions{Branch: branchRef, Force: true})
	}
	remoteRef, err := repo.Reference(plumbing.NewRemoteReferenceName(remoteName, u.Branch), true)
	if err != nil {
		return fmt.Errorf("switch to %s: %w", url, err)
	}
	if err := wt.Checkout(&gogit.CheckoutOptions{Branch: branchRef, Hash: remoteRef.Hash(), Create: true, Force: true}); err != nil {
		return fmt.Errorf("switch to %s: %w", url, err)
	}
	g.log.Debug().Str("dir", dir).Str("url", url).Msg("switched")
	return nil
}

// Copy publishes the head of fromURL as the branch named by toURL. No
// working copy is involved.
func (g *Git) Copy(ctx context.Context, fromURL, toURL, message string) error {
	from, err := ParseURL(fromURL)
	if err != nil {
		return err
	}
	to, err := ParseURL(toURL)
	if err != nil {
		return err
	}
	repo, err := gogit.CloneContext(ctx, memory.NewStorage(), nil, &gogit.CloneOptions{
		URL:           from.Remote,
		RemoteName:    remoteName,
		ReferenceName: plumbing.NewBranchReferenceName(from.Branch),
		SingleBranch:  true,
		NoCheckout:    true,
	})
	if err != nil {
		return fmt.Errorf("copy %s: %w", fromURL, err)
	}
	spec := gitconfig.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", from.Branch, to.Branch))
	err = repo.PushContext(ctx, &gogit.PushOptions{
		RemoteName: remoteName,
		RemoteURL:  to.Remote,
		RefSpecs:   []gitconfig.RefSpec{spec},
	})
	if err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return fmt.Errorf("copy to %s: %w", toURL, err)
	}
	g.log.Info().Str("from", fromURL).Str("to", toURL).Str("message", message).Msg("copied")
	return nil
}

// Delete removes path from the working copy; the next Commit records it.
func (g *Git) Delete(dir, path string) error {
	return os.RemoveAll(filepath.Join(dir, filepath.FromSlash(path)))
}

// RepositoryURL reports "<remote>#<branch>" for dir.
func (g *Git) RepositoryURL(dir string) (string, error) {
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", dir, err)
	}
	remote, err := repo.Remote(remoteName)
	if err != nil {
		return "", err
	}
	urls := remote.Config().URLs
	if len(urls) == 0 {
		return "", fmt.Errorf("remote %s has no url", remoteName)
	}
	branch, err := headBranch(repo)
	if err != nil {
		return "", err
	}
	return URL{Remote: urls[0], Branch: branch}.String(), nil
}

// Cleanup removes a stale index lock.
func (g *Git) Cleanup(dir string) error {
	err := os.Remove(filepath.Join(dir, ".git", "index.lock"))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Add stages new and changed files.
func (g *Git) Add(dir string) error {
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		return fmt.Errorf("open %s: %w", dir, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return err
	}
	return wt.AddWithOptions(&gogit.AddOptions{All: true})
}

// headBranch returns the branch HEAD points at, even before its first commit.
func headBranch(repo *gogit.Repository) (string, error) {
	head, err := repo.Reference(plumbing.HEAD, false)
	if err != nil {
		return "", err
	}
	if head.Type() != plumbing.SymbolicReference || !head.Target().IsBranch() {
		return "", errors.New("working copy is not on a branch")
	}
	return head.Target().Short(), nil
}

func missingBranch(err error) bool {
	return errors.Is(err, transport.ErrEmptyRemoteRepository) ||
		errors.Is(err, gogit.NoMatchingRefSpecError{}) ||
		errors.Is(err, plumbing.ErrReferenceNotFound)
}

func setRemoteURL(repo *gogit.Repository, url string) error {
	cfg, err := repo.Config()
	if err != nil {
		return err
	}
	rc, ok := cfg.Remotes[remoteName]
	if !ok {
		_, err := repo.CreateRemote(&gitconfig.RemoteConfig{Name: remoteName, URLs: []string{url}})
		return err
	}
	if len(rc.URLs) > 0 && rc.URLs[0] == url {
		return nil
	}
	rc.URLs = []string{url}
	return repo.SetConfig(cfg)
}

func treeOf(c *object.Commit) (*object.Tree, error) {
	if c == nil {
		return nil, nil
	}
	return c.Tree()
}

// localEdits collects worktree changes plus everything committed locally
// since base, with the bytes currently on disk.
func localEdits(wt *gogit.Worktree, dir string, head, base *object.Commit) (map[string]localEdit, error) {
	paths := map[string]bool{}
	status, err := wt.Status()
	if err != nil {
		return nil, err
	}
	for path, st := range status {
		if st.Staging == gogit.Unmodified && st.Worktree == gogit.Unmodified {
			continue
		}
		paths[path] = true
	}

	if head != nil {
		headTree, err := head.Tree()
		if err != nil {
			return nil, err
		}
		baseTree, err := treeOf(base)
		if err != nil {
			return nil, err
		}
		diff, err := object.DiffTree(baseTree, headTree)
		if err != nil {
			return nil, err
		}
		for _, ch := range diff {
			if ch.To.Name != "" {
				paths[ch.To.Name] = true
			}
			if ch.From.Name != "" {
				paths[ch.From.Name] = true
			}
		}
	}

	out := make(map[string]localEdit, len(paths))
	for path := range paths {
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(path)))
		switch {
		case errors.Is(err, fs.ErrNotExist):
			out[path] = localEdit{deleted: true}
		case err != nil:
			return nil, err
		default:
			out[path] = localEdit{content: data}
		}
	}
	return out, nil
}

func agreesWithRemote(tree *object.Tree, path string, edit localEdit) bool {
	f, err := tree.File(path)
	if errors.Is(err, object.ErrFileNotFound) {
		return edit.deleted
	}
	if err != nil || edit.deleted {
		return false
	}
	contents, err := f.Contents()
	return err == nil && contents == string(edit.content)
}

func restore(dir, path string, edit localEdit) error {
	full := filepath.Join(dir, filepath.FromSlash(path))
	if edit.deleted {
		err := os.Remove(full)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, edit.content, 0o644)
}
