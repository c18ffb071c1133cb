package vcs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type repoFixture struct {
	g   *Git
	url string
	ctx context.Context
}

func newRepoFixture(t *testing.T) *repoFixture {
	t.Helper()
	remote := filepath.Join(t.TempDir(), "remote.git")
	require.NoError(t, InitRemote(remote))
	return &repoFixture{
		g:   NewGit("tester", "tester@example.com", zerolog.Nop()),
		url: remote + "#intro/trunk",
		ctx: context.Background(),
	}
}

func (f *repoFixture) checkout(t *testing.T, url string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "wc")
	require.NoError(t, f.g.Checkout(f.ctx, url, dir))
	return dir
}

func write(t *testing.T, dir, path, body string) {
	t.Helper()
	full := filepath.Join(dir, filepath.FromSlash(path))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(body), 0o644))
}

func read(t *testing.T, dir, path string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(path)))
	require.NoError(t, err)
	return string(data)
}

// seeded returns two working copies sharing a branch holding x.xml and y.xml.
func (f *repoFixture) seeded(t *testing.T) (string, string) {
	t.Helper()
	a := f.checkout(t, f.url)
	write(t, a, "content/x.xml", "<x/>")
	write(t, a, "content/y.xml", "<y/>")
	require.NoError(t, f.g.Commit(f.ctx, a, "seed"))
	b := f.checkout(t, f.url)
	assert.Equal(t, "<x/>", read(t, b, "content/x.xml"))
	return a, b
}

func TestParseURL(t *testing.T) {
	u, err := ParseURL("/srv/git/course.git#intro/v1.1")
	require.NoError(t, err)
	assert.Equal(t, "/srv/git/course.git", u.Remote)
	assert.Equal(t, "intro/v1.1", u.Branch)
	assert.Equal(t, "/srv/git/course.git#intro/v1.1", u.String())

	u, err = ParseURL("/srv/git/course.git")
	require.NoError(t, err)
	assert.Equal(t, DefaultBranch, u.Branch)

	_, err = ParseURL("#trunk")
	assert.Error(t, err)

	assert.Equal(t, "intro2/trunk", ForkBranch("intro2"))
	assert.Equal(t, "intro/v1.1", VersionBranch("intro", "1.1"))
}

func TestCheckoutEmptyRemote(t *testing.T) {
	f := newRepoFixture(t)
	dir := f.checkout(t, f.url)

	got, err := f.g.RepositoryURL(dir)
	require.NoError(t, err)
	assert.Equal(t, f.url, got)

	changes, err := f.g.Update(f.ctx, dir)
	require.NoError(t, err)
	assert.Zero(t, changes.Len())

	// Nothing to commit on an empty working copy.
	require.NoError(t, f.g.Commit(f.ctx, dir, "noop"))
}

func TestUpdateReportsIncomingChanges(t *testing.T) {
	f := newRepoFixture(t)
	a, b := f.seeded(t)

	write(t, b, "content/x.xml", "<x v='2'/>")
	require.NoError(t, f.g.Delete(b, "content/y.xml"))
	write(t, b, "content/z.xml", "<z/>")
	require.NoError(t, f.g.Commit(f.ctx, b, "edit"))

	write(t, a, "content/local.xml", "<local/>")
	changes, err := f.g.Update(f.ctx, a)
	require.NoError(t, err)

	assert.Equal(t, []string{"content/z.xml"}, changes[Added])
	assert.Equal(t, []string{"content/x.xml"}, changes[Updated])
	assert.Equal(t, []string{"content/y.xml"}, changes[Deleted])
	assert.Empty(t, changes[Conflicted])

	assert.Equal(t, "<x v='2'/>", read(t, a, "content/x.xml"))
	assert.NoFileExists(t, filepath.Join(a, "content", "y.xml"))
	assert.Equal(t, "<local/>", read(t, a, "content/local.xml"), "local edits survive")

	changes, err = f.g.Update(f.ctx, a)
	require.NoError(t, err)
	assert.Zero(t, changes.Len(), "second update is a no-op")
}

func TestUpdateConflictKeepsLocalContent(t *testing.T) {
	f := newRepoFixture(t)
	a, b := f.seeded(t)

	write(t, b, "content/x.xml", "<theirs/>")
	write(t, b, "content/y.xml", "<same/>")
	require.NoError(t, f.g.Commit(f.ctx, b, "edit"))

	write(t, a, "content/x.xml", "<mine/>")
	write(t, a, "content/y.xml", "<same/>")
	changes, err := f.g.Update(f.ctx, a)
	require.NoError(t, err)

	assert.Equal(t, []string{"content/x.xml"}, changes[Conflicted])
	assert.Equal(t, []string{"content/y.xml"}, changes[Merged])
	assert.Equal(t, "<mine/>", read(t, a, "content/x.xml"))

	// Local content wins on the next commit.
	require.NoError(t, f.g.Commit(f.ctx, a, "resolve"))
	changes, err = f.g.Update(f.ctx, b)
	require.NoError(t, err)
	assert.Equal(t, []string{"content/x.xml"}, changes[Updated])
	assert.Equal(t, "<mine/>", read(t, b, "content/x.xml"))
}

func TestCopyAndSwitch(t *testing.T) {
	f := newRepoFixture(t)
	a, _ := f.seeded(t)

	from, err := ParseURL(f.url)
	require.NoError(t, err)
	to := from.WithBranch(VersionBranch("intro", "2.0")).String()
	require.NoError(t, f.g.Copy(f.ctx, f.url, to, "new version"))

	c := f.checkout(t, to)
	assert.Equal(t, "<y/>", read(t, c, "content/y.xml"))

	require.NoError(t, f.g.Switch(f.ctx, a, to))
	got, err := f.g.RepositoryURL(a)
	require.NoError(t, err)
	assert.Equal(t, to, got)

	// Commits on the new branch leave the old one alone.
	write(t, a, "content/x.xml", "<x v='2.0'/>")
	require.NoError(t, f.g.Commit(f.ctx, a, "v2 edit"))
	old := f.checkout(t, f.url)
	assert.Equal(t, "<x/>", read(t, old, "content/x.xml"))
}

func TestCleanupRemovesIndexLock(t *testing.T) {
	f := newRepoFixture(t)
	dir := f.checkout(t, f.url)

	lock := filepath.Join(dir, ".git", "index.lock")
	require.NoError(t, os.WriteFile(lock, nil, 0o644))
	require.NoError(t, f.g.Cleanup(dir))
	assert.NoFileExists(t, lock)
	assert.NoError(t, f.g.Cleanup(dir))
}
