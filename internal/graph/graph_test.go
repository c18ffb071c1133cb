package graph

import (
	"context"
	"sync/atomic"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/content-engine/internal/coalesce"
	"github.com/rcliao/content-engine/internal/config"
	"github.com/rcliao/content-engine/internal/content"
	"github.com/rcliao/content-engine/internal/jobs"
	"github.com/rcliao/content-engine/internal/model"
	"github.com/rcliao/content-engine/internal/store"
)

// inlineExecutor runs jobs on the submitting goroutine.
type inlineExecutor struct{ runs int }

func (e *inlineExecutor) Submit(job jobs.Job) bool {
	e.runs++
	err := job.Run(context.Background())
	if job.Done != nil {
		job.Done(err)
	}
	return true
}

type fixture struct {
	s    *store.SQLiteStore
	g    *Graph
	exec *inlineExecutor
	reg  *content.Registry
	pkg  *model.ContentPackage
	ctx  context.Context
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

	ctx := context.Background()
	pkg := &model.ContentPackage{ID: "intro", Version: "1.0"}
	require.NoError(t, s.CreatePackage(ctx, pkg))

	exec := &inlineExecutor{}
	return &fixture{
		s:    s,
		g:    New(s, exec, coalesce.NewRegistry(), zerolog.Nop()),
		exec: exec,
		reg:  reg,
		pkg:  pkg,
		ctx:  ctx,
	}
}

// put inserts or rewrites a resource body and applies its edges the way
// the revision service does.
func (f *fixture) put(t *testing.T, typeID, body string) *model.Resource {
	t.Helper()
	rt, v, err := f.reg.Lookup(typeID)
	require.NoError(t, err)
	res, err := v.Validate([]byte(body))
	require.NoError(t, err)

	var r *model.Resource
	require.NoError(t, f.s.WithTx(f.ctx, func(tx *store.Tx) error {
		existing, err := tx.GetResource(f.ctx, f.pkg.GUID, res.ID)
		if err == nil {
			r = existing
			r.State = model.StateActive
			if err := tx.UpdateResource(f.ctx, r); err != nil {
				return err
			}
		} else {
			r = &model.Resource{
				PackageGUID: f.pkg.GUID,
				ID:          res.ID,
				Type:        typeID,
				FileNode:    model.FileNode{PathFrom: f.reg.PathFrom(rt, res.ID), PathTo: f.reg.PathTo(rt, res.ID)},
			}
			if err := tx.InsertResource(f.ctx, r); err != nil {
				return err
			}
		}
		return ApplyResourceChanged(f.ctx, tx, f.pkg, r, res)
	}))
	return r
}

func (f *fixture) edges(t *testing.T) map[string]model.Edge {
	t.Helper()
	all, err := f.s.View().ListEdges(f.ctx, f.pkg.GUID, "")
	require.NoError(t, err)
	out := make(map[string]model.Edge, len(all))
	for _, e := range all {
		out[e.SourceID+"->"+e.DestinationID] = e
	}
	return out
}

func TestObjectiveDefinedLaterBecomesPresent(t *testing.T) {
	f := newFixture(t)
	f.put(t, "x-oli-workbook_page", `<workbook_page id="A"><objref idref="obj1"/></workbook_page>`)

	key := "intro:1.0:A->intro:1.0:obj1"
	e := f.edges(t)[key]
	assert.Equal(t, model.EdgeNotValidated, e.Status)

	los := f.put(t, "x-oli-learning_objectives", `<objectives id="los"><objective id="obj1">Recursion</objective></objectives>`)
	require.NoError(t, f.g.ValidateIncremental(f.ctx, f.pkg.GUID))

	e = f.edges(t)[key]
	assert.Equal(t, model.EdgeDestinationPresent, e.Status)
	assert.Equal(t, los.GUID, e.Metadata.DestinationGUID)
	assert.Equal(t, DestObjective, e.DestinationType)
	assert.NotEmpty(t, e.Metadata.SourceGUID)
}

func TestMissingEdgeReopensWhenTargetAppears(t *testing.T) {
	f := newFixture(t)
	f.put(t, "x-oli-workbook_page", `<workbook_page id="A"><xref idref="B"/></workbook_page>`)
	require.NoError(t, f.g.ValidateIncremental(f.ctx, f.pkg.GUID))
	assert.Equal(t, model.EdgeDestinationMissing, f.edges(t)["intro:1.0:A->intro:1.0:B"].Status)

	b := f.put(t, "x-oli-workbook_page", `<workbook_page id="B"/>`)
	assert.Equal(t, model.EdgeNotValidated, f.edges(t)["intro:1.0:A->intro:1.0:B"].Status)

	require.NoError(t, f.g.ValidateIncremental(f.ctx, f.pkg.GUID))
	e := f.edges(t)["intro:1.0:A->intro:1.0:B"]
	assert.Equal(t, model.EdgeDestinationPresent, e.Status)
	assert.Equal(t, b.GUID, e.Metadata.DestinationGUID)
}

func TestValidateIncrementalIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.put(t, "x-oli-workbook_page", `<workbook_page id="A"><xref idref="B"/><objref idref="obj9"/><img src="../webcontent/a.png"/></workbook_page>`)
	f.put(t, "x-oli-workbook_page", `<workbook_page id="B"><xref idref="A"/></workbook_page>`)

	require.NoError(t, f.g.ValidateIncremental(f.ctx, f.pkg.GUID))
	first := f.edges(t)
	require.NoError(t, f.g.ValidateIncremental(f.ctx, f.pkg.GUID))
	assert.Equal(t, first, f.edges(t))

	require.NoError(t, f.g.ValidateAll(f.ctx, f.pkg.GUID))
	assert.Equal(t, first, f.edges(t), "full pass agrees with incremental")
}

func TestResolutionPriority(t *testing.T) {
	f := newFixture(t)
	// "dup" is both a resource id and an objective id; the resource wins.
	f.put(t, "x-oli-workbook_page", `<workbook_page id="A"><xref idref="dup"/><img src="webcontent/a.png"/></workbook_page>`)
	dup := f.put(t, "x-oli-workbook_page", `<workbook_page id="dup"/>`)
	f.put(t, "x-oli-learning_objectives", `<objectives id="los"><objective id="dup"/></objectives>`)
	require.NoError(t, f.s.WithTx(f.ctx, func(tx *store.Tx) error {
		return tx.UpsertWebContent(f.ctx, &model.WebContent{PackageGUID: f.pkg.GUID, FileNode: model.FileNode{
			PathFrom: "content/webcontent/a.png", PathTo: "webcontent/a.png",
		}})
	}))

	require.NoError(t, f.g.ValidateAll(f.ctx, f.pkg.GUID))
	edges := f.edges(t)
	assert.Equal(t, dup.GUID, edges["intro:1.0:A->intro:1.0:dup"].Metadata.DestinationGUID)
	assert.Equal(t, DestResource, edges["intro:1.0:A->intro:1.0:dup"].DestinationType)
	assert.Equal(t, DestWebContent, edges["intro:1.0:A->intro:1.0:webcontent/a.png"].DestinationType)
}

func TestOnResourceDeletedIsAsymmetric(t *testing.T) {
	f := newFixture(t)
	f.put(t, "x-oli-workbook_page", `<workbook_page id="B"><xref idref="A"/><objref idref="obj1"/></workbook_page>`)
	a := f.put(t, "x-oli-learning_objectives", `<objectives id="A"><objective id="obj1"><skillref idref="s1"/></objective></objectives>`)
	f.put(t, "x-oli-workbook_page", `<workbook_page id="C"/>`)
	f.put(t, "x-oli-workbook_page", `<workbook_page id="D"><xref idref="C"/></workbook_page>`)
	require.NoError(t, f.g.ValidateAll(f.ctx, f.pkg.GUID))

	before := f.edges(t)
	require.Contains(t, before, "intro:1.0:obj1->intro:1.0:s1")

	a.State = model.StateDeleted
	require.NoError(t, f.s.WithTx(f.ctx, func(tx *store.Tx) error { return tx.UpdateResource(f.ctx, a) }))
	require.NoError(t, f.g.OnResourceDeleted(f.ctx, f.pkg.GUID, a))

	after := f.edges(t)
	assert.NotContains(t, after, "intro:1.0:obj1->intro:1.0:s1", "edges sourced at defined objectives are removed")
	assert.Equal(t, model.EdgeDestinationMissing, after["intro:1.0:B->intro:1.0:A"].Status)
	assert.Equal(t, model.EdgeDestinationMissing, after["intro:1.0:B->intro:1.0:obj1"].Status)
	assert.Empty(t, after["intro:1.0:B->intro:1.0:obj1"].Metadata.DestinationGUID)
	assert.Equal(t, before["intro:1.0:D->intro:1.0:C"], after["intro:1.0:D->intro:1.0:C"], "unrelated edges untouched")
	assert.Len(t, after, len(before)-1)
}

func TestOnWebContentDeleted(t *testing.T) {
	f := newFixture(t)
	f.put(t, "x-oli-workbook_page", `<workbook_page id="A"><img src="../webcontent/a.png"/></workbook_page>`)
	fn := model.FileNode{PathFrom: "content/webcontent/a.png", PathTo: "webcontent/a.png"}
	require.NoError(t, f.s.WithTx(f.ctx, func(tx *store.Tx) error {
		return tx.UpsertWebContent(f.ctx, &model.WebContent{PackageGUID: f.pkg.GUID, FileNode: fn})
	}))
	require.NoError(t, f.g.ValidateIncremental(f.ctx, f.pkg.GUID))
	assert.Equal(t, model.EdgeDestinationPresent, f.edges(t)["intro:1.0:A->intro:1.0:webcontent/a.png"].Status)

	require.NoError(t, f.g.OnWebContentDeleted(f.ctx, f.pkg.GUID, fn))
	assert.Equal(t, model.EdgeDestinationMissing, f.edges(t)["intro:1.0:A->intro:1.0:webcontent/a.png"].Status)
}

func TestFetchResourceEdges(t *testing.T) {
	f := newFixture(t)
	f.put(t, "x-oli-workbook_page", `<workbook_page id="A"><xref idref="B"/></workbook_page>`)
	f.put(t, "x-oli-workbook_page", `<workbook_page id="B"><xref idref="A"/></workbook_page>`)

	sourced, targeting, err := f.g.FetchResourceEdges(f.ctx, f.pkg.GUID, "A")
	require.NoError(t, err)
	require.Len(t, sourced, 1)
	require.Len(t, targeting, 1)
	assert.Equal(t, "intro:1.0:B", sourced[0].DestinationID)
	assert.Equal(t, "intro:1.0:B", targeting[0].SourceID)
}

func TestMissingPackageIsNoop(t *testing.T) {
	f := newFixture(t)
	assert.NoError(t, f.g.ValidateAll(f.ctx, "no-such-package"))
	assert.NoError(t, f.g.ValidateIncremental(f.ctx, "no-such-package"))
	assert.NoError(t, f.g.OnResourceDeleted(f.ctx, "no-such-package", &model.Resource{ID: "x"}))
}

func TestRequestValidationRunsOnPool(t *testing.T) {
	f := newFixture(t)
	f.put(t, "x-oli-workbook_page", `<workbook_page id="A"><xref idref="A"/></workbook_page>`)

	f.g.RequestValidation(f.pkg.GUID)
	f.g.Wait()

	assert.Equal(t, 1, f.exec.runs)
	assert.Equal(t, model.EdgeDestinationPresent, f.edges(t)["intro:1.0:A->intro:1.0:A"].Status)
}

// flakyStore panics on its first package lookup.
type flakyStore struct {
	store.Store
	lookups atomic.Int32
}

func (s *flakyStore) GetPackage(ctx context.Context, guid string) (*model.ContentPackage, error) {
	if s.lookups.Add(1) == 1 {
		panic("lookup exploded")
	}
	return s.Store.GetPackage(ctx, guid)
}

func TestRequestValidationRecoversFromPanickedPass(t *testing.T) {
	f := newFixture(t)
	f.put(t, "x-oli-workbook_page", `<workbook_page id="A"><xref idref="A"/></workbook_page>`)

	fs := &flakyStore{Store: f.s}
	pool := jobs.NewPool(jobs.Config{Name: "graph", Workers: 1}, zerolog.Nop())
	t.Cleanup(pool.Close)
	g := New(fs, pool, coalesce.NewRegistry(), zerolog.Nop())

	g.RequestValidation(f.pkg.GUID)
	g.Wait()
	assert.Equal(t, model.EdgeNotValidated, f.edges(t)["intro:1.0:A->intro:1.0:A"].Status)

	g.RequestValidation(f.pkg.GUID)
	g.Wait()
	assert.EqualValues(t, 2, fs.lookups.Load(), "the key is free again after the panic")
	assert.Equal(t, model.EdgeDestinationPresent, f.edges(t)["intro:1.0:A->intro:1.0:A"].Status)
}
