package clone

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/content-engine/internal/apperr"
	"github.com/rcliao/content-engine/internal/coalesce"
	"github.com/rcliao/content-engine/internal/config"
	"github.com/rcliao/content-engine/internal/content"
	"github.com/rcliao/content-engine/internal/graph"
	"github.com/rcliao/content-engine/internal/jobs"
	"github.com/rcliao/content-engine/internal/lock"
	"github.com/rcliao/content-engine/internal/model"
	"github.com/rcliao/content-engine/internal/revision"
	"github.com/rcliao/content-engine/internal/store"
	"github.com/rcliao/content-engine/internal/vcs"
)

type fakeVCS struct {
	mu       sync.Mutex
	url      string
	copies   [][2]string
	switches [][2]string
	copyErr  error
}

func (f *fakeVCS) Checkout(context.Context, string, string) error      { return nil }
func (f *fakeVCS) Update(context.Context, string) (vcs.Changes, error) { return vcs.Changes{}, nil }
func (f *fakeVCS) Commit(context.Context, string, string) error        { return nil }
func (f *fakeVCS) Delete(string, string) error                         { return nil }
func (f *fakeVCS) Cleanup(string) error                                { return nil }
func (f *fakeVCS) Add(string) error                                    { return nil }

func (f *fakeVCS) Switch(_ context.Context, dir, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.switches = append(f.switches, [2]string{dir, url})
	return nil
}

func (f *fakeVCS) Copy(_ context.Context, from, to, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.copyErr != nil {
		return f.copyErr
	}
	f.copies = append(f.copies, [2]string{from, to})
	return nil
}

func (f *fakeVCS) RepositoryURL(string) (string, error) {
	if f.url == "" {
		return "", errors.New("not a working copy")
	}
	return f.url, nil
}

// inlineExecutor runs jobs on the submitting goroutine. Jobs whose index is
// in drop are accepted and never run; those in refuse are not accepted.
type inlineExecutor struct {
	mu     sync.Mutex
	n      int
	drop   map[int]bool
	refuse map[int]bool
}

func (x *inlineExecutor) Submit(job jobs.Job) bool {
	x.mu.Lock()
	i := x.n
	x.n++
	x.mu.Unlock()
	if x.refuse[i] {
		return false
	}
	if x.drop[i] {
		return true
	}
	err := job.Run(context.Background())
	if job.Done != nil {
		job.Done(err)
	}
	return true
}

type fixture struct {
	ctx   context.Context
	s     *store.SQLiteStore
	svc   *revision.Service
	reg   *content.Registry
	g     *graph.Graph
	vcs   *fakeVCS
	src   *model.ContentPackage
	repos string
	vols  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	tc, err := config.LoadTypes("")
	require.NoError(t, err)
	reg, err := content.NewRegistry(tc)
	require.NoError(t, err)

	log := zerolog.Nop()
	pool := jobs.NewPool(jobs.Config{Name: "graph", Workers: 1}, log)
	g := graph.New(s, pool, coalesce.NewRegistry(), log)
	t.Cleanup(func() {
		g.Wait()
		pool.Close()
	})

	ctx := context.Background()
	src := &model.ContentPackage{
		ID:               "intro",
		Version:          "1.0",
		Title:            "Intro",
		SourceLocation:   t.TempDir(),
		VolumeLocation:   t.TempDir(),
		WebContentVolume: t.TempDir(),
	}
	require.NoError(t, s.CreatePackage(ctx, src))

	return &fixture{
		ctx:   ctx,
		s:     s,
		svc:   revision.New(s, reg, lock.NewManager(time.Minute), g, log),
		reg:   reg,
		g:     g,
		vcs:   &fakeVCS{url: "/srv/remote.git#intro/trunk"},
		src:   src,
		repos: t.TempDir(),
		vols:  t.TempDir(),
	}
}

func (f *fixture) engine(x jobs.Executor, opts ...Option) *Engine {
	opts = append([]Option{WithDelay(0)}, opts...)
	return New(f.s, f.g, f.vcs, x, f.repos, f.vols, zerolog.Nop(), opts...)
}

// seed creates pages p00.. and one organization, for n resources in total.
func (f *fixture) seed(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n-1; i++ {
		_, err := f.svc.Create(f.ctx, revision.CreateParams{
			PackageGUID: f.src.GUID,
			Type:        "x-oli-workbook_page",
			Content:     fmt.Sprintf(`<workbook_page id="p%02d"/>`, i),
			Author:      "alice",
		})
		require.NoError(t, err)
	}
	_, err := f.svc.Update(f.ctx, revision.UpdateParams{
		PackageGUID: f.src.GUID,
		ResourceID:  "p01",
		Content:     `<workbook_page id="p01"><img src="../webcontent/a.png"/></workbook_page>`,
		Author:      "alice",
		System:      true,
	})
	require.NoError(t, err)
	_, err = f.svc.Create(f.ctx, revision.CreateParams{
		PackageGUID: f.src.GUID,
		Type:        "x-oli-organization",
		Content:     `<organization id="default"><item idref="p00"/></organization>`,
		Author:      "alice",
	})
	require.NoError(t, err)
	require.NoError(t, f.s.WithTx(f.ctx, func(tx *store.Tx) error {
		return tx.UpsertWebContent(f.ctx, &model.WebContent{
			PackageGUID: f.src.GUID,
			FileNode: model.FileNode{
				VolumeLocation: f.src.WebContentVolume,
				PathFrom:       "content/webcontent/a.png",
				PathTo:         "webcontent/a.png",
				MimeType:       "image/png",
			},
		})
	}))
	f.g.Wait()
}

func waitSettled(t *testing.T, e *Engine, guid string) {
	t.Helper()
	ch, ok := e.Settled(guid)
	require.True(t, ok)
	select {
	case <-ch:
	case <-time.After(10 * time.Second):
		t.Fatal("clone did not settle")
	}
}

func buildStatus(t *testing.T, f *fixture, guid string) string {
	t.Helper()
	p, err := f.s.GetPackage(f.ctx, guid)
	require.NoError(t, err)
	return p.BuildStatus
}

func TestBatches(t *testing.T) {
	pairs := make([]pair, 25)
	var sizes []int
	for _, b := range batches(pairs, 10) {
		sizes = append(sizes, len(b))
	}
	assert.Equal(t, []int{10, 10, 5}, sizes)
	assert.Empty(t, batches(nil, 10))
}

func TestCloneVersionCopiesPackage(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 25)
	require.NoError(t, os.MkdirAll(filepath.Join(f.src.SourceLocation, "content"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(f.src.SourceLocation, "content", "package.xml"), []byte("<package/>"), 0o644))

	pool := jobs.NewPool(jobs.Config{Name: "batch", Workers: 2}, zerolog.Nop())
	defer pool.Close()
	e := f.engine(pool)

	dst, err := e.CloneVersion(f.ctx, f.src.GUID, "", "2.0")
	require.NoError(t, err)
	assert.Equal(t, "intro", dst.ID)
	assert.Equal(t, "2.0", dst.Version)
	assert.Equal(t, model.BuildProcessing, dst.BuildStatus)

	waitSettled(t, e, dst.GUID)
	assert.Equal(t, model.BuildReady, buildStatus(t, f, dst.GUID))
	p, ok := e.Progress(dst.GUID)
	require.True(t, ok)
	assert.Equal(t, Progress{Total: 3, Completed: 3, Status: model.BuildReady}, p)

	history, err := f.svc.History(f.ctx, dst.GUID, "p01")
	require.NoError(t, err)
	require.Len(t, history, 2)
	r, err := f.svc.Get(f.ctx, dst.GUID, "p01")
	require.NoError(t, err)
	assert.Contains(t, r.Body.Payload(), "a.png")
	assert.Equal(t, dst.VolumeLocation, r.FileNode.VolumeLocation)

	org, err := f.svc.Get(f.ctx, dst.GUID, "intro-2.0_default")
	require.NoError(t, err)
	assert.Equal(t, "organizations/intro-1.0_default/organization.xml", org.FileNode.PathFrom, "copied file stays where the source had it")

	edges, err := f.s.View().ListEdges(f.ctx, dst.GUID, "")
	require.NoError(t, err)
	byKey := map[string]model.Edge{}
	for _, ed := range edges {
		byKey[ed.SourceID+"->"+ed.DestinationID] = ed
	}
	assert.Equal(t, model.EdgeDestinationPresent, byKey["intro:2.0:intro-2.0_default->intro:2.0:p00"].Status)
	assert.Equal(t, model.EdgeDestinationPresent, byKey["intro:2.0:p01->intro:2.0:webcontent/a.png"].Status)

	w, err := f.s.View().GetWebContent(f.ctx, dst.GUID, "content/webcontent/a.png")
	require.NoError(t, err)
	assert.Equal(t, dst.WebContentVolume, w.FileNode.VolumeLocation)

	assert.FileExists(t, filepath.Join(dst.SourceLocation, "content", "package.xml"))
	assert.Equal(t, [][2]string{{"/srv/remote.git#intro/trunk", "/srv/remote.git#intro/v2.0"}}, f.vcs.copies)
	assert.Equal(t, [][2]string{{dst.SourceLocation, "/srv/remote.git#intro/v2.0"}}, f.vcs.switches)

	// the source is untouched
	src, err := f.svc.Get(f.ctx, f.src.GUID, "intro-1.0_default")
	require.NoError(t, err)
	assert.Equal(t, model.StateActive, src.State)
}

func TestCloneForkUsesSiblingBranch(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 3)
	e := f.engine(&inlineExecutor{})

	dst, err := e.CloneVersion(f.ctx, f.src.GUID, "intro-honors", "1.0")
	require.NoError(t, err)
	e.Wait()
	waitSettled(t, e, dst.GUID)

	assert.Equal(t, "/srv/remote.git#intro-honors/trunk", f.vcs.copies[0][1])
	_, err = f.svc.Get(f.ctx, dst.GUID, "intro-honors-1.0_default")
	assert.NoError(t, err)
}

func TestCloneRejectsBadTargets(t *testing.T) {
	f := newFixture(t)
	e := f.engine(&inlineExecutor{})

	_, err := e.CloneVersion(f.ctx, f.src.GUID, "", "2")
	assert.ErrorIs(t, err, apperr.ErrBadRequest)
	_, err = e.CloneVersion(f.ctx, f.src.GUID, "", "v2.0")
	assert.ErrorIs(t, err, apperr.ErrBadRequest)
	_, err = e.CloneVersion(f.ctx, f.src.GUID, "", "1.0")
	assert.ErrorIs(t, err, apperr.ErrConflict)
	_, err = e.CloneVersion(f.ctx, "missing", "", "2.0")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCloneStaysProcessingWhenBatchNeverReports(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 25)
	e := f.engine(&inlineExecutor{drop: map[int]bool{1: true}})

	dst, err := e.CloneVersion(f.ctx, f.src.GUID, "", "2.0")
	require.NoError(t, err)
	e.Wait()

	p, ok := e.Progress(dst.GUID)
	require.True(t, ok)
	assert.Equal(t, Progress{Total: 3, Completed: 2, Status: model.BuildProcessing}, p)
	assert.Equal(t, model.BuildProcessing, buildStatus(t, f, dst.GUID))
}

func TestCloneFailsWhenBatchIsRefused(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 25)
	e := f.engine(&inlineExecutor{refuse: map[int]bool{2: true}})

	dst, err := e.CloneVersion(f.ctx, f.src.GUID, "", "2.0")
	require.NoError(t, err)
	e.Wait()
	waitSettled(t, e, dst.GUID)

	p, _ := e.Progress(dst.GUID)
	assert.Equal(t, 1, p.Failed)
	assert.Equal(t, model.BuildFailed, buildStatus(t, f, dst.GUID))
}

func TestCloneEmptyPackageIsReady(t *testing.T) {
	f := newFixture(t)
	e := f.engine(&inlineExecutor{})

	dst, err := e.CloneVersion(f.ctx, f.src.GUID, "", "1.1")
	require.NoError(t, err)
	e.Wait()
	waitSettled(t, e, dst.GUID)
	assert.Equal(t, model.BuildReady, buildStatus(t, f, dst.GUID))
}

func TestCloneRollsBackWhenBranchFails(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 3)
	f.vcs.copyErr = errors.New("remote unreachable")
	e := f.engine(&inlineExecutor{})

	_, err := e.CloneVersion(f.ctx, f.src.GUID, "", "2.0")
	require.Error(t, err)

	_, err = f.s.FindPackage(f.ctx, "intro", "2.0")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	entries, err := os.ReadDir(f.repos)
	require.NoError(t, err)
	assert.Empty(t, entries)
	entries, err = os.ReadDir(f.vols)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCloneWithoutRepositoryCopiesFiles(t *testing.T) {
	f := newFixture(t)
	f.vcs.url = ""
	require.NoError(t, os.WriteFile(filepath.Join(f.src.SourceLocation, "notes.txt"), []byte("x"), 0o644))
	e := f.engine(&inlineExecutor{})

	dst, err := e.CloneVersion(f.ctx, f.src.GUID, "", "2.0.1")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dst.SourceLocation, "notes.txt"))
	assert.Empty(t, f.vcs.copies)
}
