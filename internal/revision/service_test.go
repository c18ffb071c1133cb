package revision

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/content-engine/internal/apperr"
	"github.com/rcliao/content-engine/internal/config"
	"github.com/rcliao/content-engine/internal/content"
	"github.com/rcliao/content-engine/internal/lock"
	"github.com/rcliao/content-engine/internal/model"
	"github.com/rcliao/content-engine/internal/store"
)

type recordingScheduler struct {
	mu       sync.Mutex
	requests []string
}

func (r *recordingScheduler) RequestValidation(packageGUID string) {
	r.mu.Lock()
	r.requests = append(r.requests, packageGUID)
	r.mu.Unlock()
}

type recordingWorkingCopy struct {
	published map[string]string
	removed   []string
}

func (w *recordingWorkingCopy) Publish(_ context.Context, _ *model.ContentPackage, r *model.Resource, body string) error {
	w.published[r.FileNode.PathFrom] = body
	return nil
}

func (w *recordingWorkingCopy) Remove(_ context.Context, _ *model.ContentPackage, r *model.Resource) error {
	w.removed = append(w.removed, r.FileNode.PathFrom)
	return nil
}

type fixture struct {
	ctx   context.Context
	s     *store.SQLiteStore
	svc   *Service
	locks *lock.Manager
	sched *recordingScheduler
	wc    *recordingWorkingCopy
	pkg   *model.ContentPackage
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

	f := &fixture{
		ctx:   ctx,
		s:     s,
		locks: lock.NewManager(time.Minute),
		sched: &recordingScheduler{},
		wc:    &recordingWorkingCopy{published: map[string]string{}},
		pkg:   pkg,
	}
	f.svc = New(s, reg, f.locks, f.sched, zerolog.Nop())
	f.svc.SetWorkingCopy(f.wc)
	return f
}

func (f *fixture) create(t *testing.T, body string) *model.Resource {
	t.Helper()
	r, err := f.svc.Create(f.ctx, CreateParams{
		PackageGUID: f.pkg.GUID,
		Type:        "x-oli-workbook_page",
		Content:     body,
		Author:      "alice",
		SessionID:   "s0",
	})
	require.NoError(t, err)
	return r
}

func (f *fixture) update(author, session, body string) (*model.Resource, error) {
	return f.svc.Update(f.ctx, UpdateParams{
		PackageGUID: f.pkg.GUID,
		ResourceID:  "p1",
		Content:     body,
		Author:      author,
		SessionID:   session,
	})
}

func (f *fixture) history(t *testing.T) []model.Revision {
	t.Helper()
	chain, err := f.svc.History(f.ctx, f.pkg.GUID, "p1")
	require.NoError(t, err)
	require.NotEmpty(t, chain)
	assert.Empty(t, chain[len(chain)-1].Parent, "chain ends at a root")
	return chain
}

func TestCreate(t *testing.T) {
	f := newFixture(t)
	body := `<workbook_page id="p1"><objref idref="obj1"/></workbook_page>`
	r := f.create(t, body)

	assert.Equal(t, "p1", r.ID)
	assert.Equal(t, model.StateActive, r.State)
	assert.Equal(t, "content/x-oli-workbook_page/p1.xml", r.FileNode.PathFrom)
	assert.Equal(t, "s0", r.LastSession)

	chain := f.history(t)
	require.Len(t, chain, 1)
	assert.Equal(t, model.RevisionSystem, chain[0].Type)

	edges, err := f.s.View().ListEdges(f.ctx, f.pkg.GUID, "")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, model.EdgeNotValidated, edges[0].Status)

	assert.Equal(t, body, f.wc.published["content/x-oli-workbook_page/p1.xml"])
	assert.Equal(t, []string{f.pkg.GUID}, f.sched.requests)
}

func TestCreateRejections(t *testing.T) {
	f := newFixture(t)
	f.create(t, `<workbook_page id="p1"/>`)

	_, err := f.svc.Create(f.ctx, CreateParams{PackageGUID: f.pkg.GUID, Type: "x-oli-workbook_page", Content: `<workbook_page id="p1"/>`})
	assert.True(t, errors.Is(err, apperr.ErrPreconditionFailed), "duplicate id: %v", err)

	_, err = f.svc.Create(f.ctx, CreateParams{PackageGUID: f.pkg.GUID, Type: "x-nope", Content: `<x/>`})
	assert.True(t, errors.Is(err, apperr.ErrBadRequest), "unknown type: %v", err)

	_, err = f.svc.Create(f.ctx, CreateParams{PackageGUID: f.pkg.GUID, Type: "x-oli-workbook_page", Content: `<workbook_page id="p2">`})
	assert.True(t, errors.Is(err, apperr.ErrBadRequest), "malformed: %v", err)

	_, err = f.svc.Create(f.ctx, CreateParams{PackageGUID: "missing", Type: "x-oli-workbook_page", Content: `<workbook_page id="p3"/>`})
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestCreateSuppressedValidationKeepsWarnings(t *testing.T) {
	f := newFixture(t)
	r, err := f.svc.Create(f.ctx, CreateParams{
		PackageGUID:        f.pkg.GUID,
		Type:               "x-oli-workbook_page",
		Content:            `<workbook_page id="p9">`,
		ID:                 "p9",
		System:             true,
		SuppressValidation: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "p9", r.ID)
	require.Len(t, r.Errors, 1)
	assert.Contains(t, r.Errors[0], "malformed xml")
	assert.Empty(t, f.wc.published, "system writes are not published")
}

func TestCreateStructuralGetsPackageScopedID(t *testing.T) {
	f := newFixture(t)
	r, err := f.svc.Create(f.ctx, CreateParams{
		PackageGUID: f.pkg.GUID,
		Type:        "x-oli-organization",
		Content:     `<organization><item idref="p1"/></organization>`,
		ID:          "default",
	})
	require.NoError(t, err)
	assert.Equal(t, "intro-1.0_default", r.ID)
	assert.Equal(t, "organizations/intro-1.0_default/organization.xml", r.FileNode.PathFrom)
}

func TestUpdateRequiresLock(t *testing.T) {
	f := newFixture(t)
	r := f.create(t, `<workbook_page id="p1"/>`)

	_, err := f.update("bob", "s1", `<workbook_page id="p1">v2</workbook_page>`)
	assert.True(t, errors.Is(err, apperr.ErrForbidden))

	f.locks.Acquire("alice", r.GUID)
	_, err = f.update("bob", "s1", `<workbook_page id="p1">v2</workbook_page>`)
	assert.True(t, errors.Is(err, apperr.ErrForbidden), "lock held by someone else")
	assert.Len(t, f.history(t), 1)
}

func TestUpdateCoalescesSameSession(t *testing.T) {
	f := newFixture(t)
	r := f.create(t, `<workbook_page id="p1"/>`)
	f.locks.Acquire("alice", r.GUID)

	_, err := f.update("alice", "s1", `<workbook_page id="p1">v2</workbook_page>`)
	require.NoError(t, err)
	require.Len(t, f.history(t), 2)

	_, err = f.update("alice", "s1", `<workbook_page id="p1">v3</workbook_page>`)
	require.NoError(t, err)
	chain := f.history(t)
	require.Len(t, chain, 2, "same session rewrites the head in place")

	got, err := f.svc.Get(f.ctx, f.pkg.GUID, "p1")
	require.NoError(t, err)
	assert.Equal(t, `<workbook_page id="p1">v3</workbook_page>`, got.Body.XML)

	_, err = f.update("alice", "s2", `<workbook_page id="p1">v4</workbook_page>`)
	require.NoError(t, err)
	chain = f.history(t)
	require.Len(t, chain, 3)
	assert.Equal(t, model.RevisionUser, chain[0].Type)
	assert.Equal(t, chain[1].GUID, chain[0].Parent)
}

func TestUpdateUnchangedContentIsNoop(t *testing.T) {
	f := newFixture(t)
	r := f.create(t, `<workbook_page id="p1"/>`)
	f.locks.Acquire("alice", r.GUID)

	got, err := f.update("alice", "s1", `<workbook_page id="p1"/>`)
	require.NoError(t, err)
	assert.Equal(t, r.LastRevision, got.LastRevision)
	assert.Len(t, f.history(t), 1)
}

func TestUpdateWithConflictCheck(t *testing.T) {
	f := newFixture(t)
	r := f.create(t, `<workbook_page id="p1"/>`)
	base := r.LastRevision

	next, err := f.svc.UpdateWithConflictCheck(f.ctx, f.pkg.GUID, "p1", base, "rev-2", `<workbook_page id="p1">v2</workbook_page>`)
	require.NoError(t, err)
	assert.Equal(t, "rev-2", next.LastRevision)

	before, err := f.svc.Get(f.ctx, f.pkg.GUID, "p1")
	require.NoError(t, err)

	_, err = f.svc.UpdateWithConflictCheck(f.ctx, f.pkg.GUID, "p1", base, "rev-3", `<workbook_page id="p1">v3</workbook_page>`)
	assert.True(t, errors.Is(err, apperr.ErrConflict), "stale base: %v", err)

	after, err := f.svc.Get(f.ctx, f.pkg.GUID, "p1")
	require.NoError(t, err)
	assert.Equal(t, before.LastRevision, after.LastRevision)
	assert.Equal(t, before.Body, after.Body, "head left byte-identical")

	_, err = f.svc.UpdateWithConflictCheck(f.ctx, f.pkg.GUID, "p1", "rev-2", "rev-2", `<workbook_page id="p1">v4</workbook_page>`)
	assert.True(t, errors.Is(err, apperr.ErrConflict), "revision id already taken")
}

func TestUpdateTypeChangeMovesFile(t *testing.T) {
	f := newFixture(t)
	r := f.create(t, `<workbook_page id="p1"/>`)
	f.locks.Acquire("alice", r.GUID)

	got, err := f.svc.Update(f.ctx, UpdateParams{
		PackageGUID: f.pkg.GUID,
		ResourceID:  "p1",
		Type:        "x-oli-inline-assessment",
		Content:     `<assessment id="p1"/>`,
		Author:      "alice",
		SessionID:   "s1",
	})
	require.NoError(t, err)
	assert.Equal(t, "x-oli-inline-assessment", got.Type)
	assert.Equal(t, "content/x-oli-inline-assessment/p1.xml", got.FileNode.PathFrom)
	assert.Equal(t, []string{"content/x-oli-workbook_page/p1.xml"}, f.wc.removed)
	assert.Contains(t, f.wc.published, "content/x-oli-inline-assessment/p1.xml")
}

func TestSoftDelete(t *testing.T) {
	f := newFixture(t)
	target := f.create(t, `<workbook_page id="p1"/>`)
	_, err := f.svc.Create(f.ctx, CreateParams{
		PackageGUID: f.pkg.GUID, Type: "x-oli-workbook_page", Author: "alice",
		Content: `<workbook_page id="p2"><xref idref="p1"/></workbook_page>`,
	})
	require.NoError(t, err)

	_, err = f.svc.SoftDelete(f.ctx, DeleteParams{PackageGUID: f.pkg.GUID, ResourceID: "p1", User: "alice"})
	assert.True(t, errors.Is(err, apperr.ErrForbidden))

	f.locks.Acquire("alice", target.GUID)
	r, err := f.svc.SoftDelete(f.ctx, DeleteParams{PackageGUID: f.pkg.GUID, ResourceID: "p1", User: "alice"})
	require.NoError(t, err)
	assert.Equal(t, model.StateDeleted, r.State)
	assert.Equal(t, []string{"content/x-oli-workbook_page/p1.xml"}, f.wc.removed)

	missing, err := f.s.View().ListEdges(f.ctx, f.pkg.GUID, model.EdgeDestinationMissing)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, "intro:1.0:p1", missing[0].DestinationID)

	_, err = f.update("alice", "s1", `<workbook_page id="p1">x</workbook_page>`)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestCreateRevivesDeletedResource(t *testing.T) {
	f := newFixture(t)
	first := f.create(t, `<workbook_page id="p1"/>`)
	_, err := f.svc.SoftDelete(f.ctx, DeleteParams{PackageGUID: f.pkg.GUID, ResourceID: "p1", System: true})
	require.NoError(t, err)

	again := f.create(t, `<workbook_page id="p1">back</workbook_page>`)
	assert.Equal(t, first.GUID, again.GUID)
	assert.Equal(t, model.StateActive, again.State)

	chain := f.history(t)
	require.Len(t, chain, 2)
	assert.Equal(t, first.LastRevision, chain[1].GUID)
}

func TestObservedPathIsKept(t *testing.T) {
	f := newFixture(t)
	const observed = "content/x-oli-workbook_page/intro.xml"
	r, err := f.svc.Create(f.ctx, CreateParams{
		PackageGUID: f.pkg.GUID,
		Type:        "x-oli-workbook_page",
		Content:     `<workbook_page id="p1"/>`,
		Author:      "vcs",
		PathFrom:    observed,
		System:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, observed, r.FileNode.PathFrom)
	assert.Equal(t, "x-oli-workbook_page/p1.xml", r.FileNode.PathTo)

	f.locks.Acquire("alice", r.GUID)
	got, err := f.update("alice", "s1", `<workbook_page id="p1"><xref idref="p2"/></workbook_page>`)
	require.NoError(t, err)
	assert.Equal(t, observed, got.FileNode.PathFrom)
	assert.Empty(t, f.wc.removed)
	assert.Contains(t, f.wc.published, observed)

	// Same body reported at a new path moves the resource without a revision.
	moved, err := f.svc.Update(f.ctx, UpdateParams{
		PackageGUID: f.pkg.GUID,
		ResourceID:  "p1",
		Content:     `<workbook_page id="p1"><xref idref="p2"/></workbook_page>`,
		Author:      "vcs",
		PathFrom:    "content/x-oli-workbook_page/renamed.xml",
		System:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, "content/x-oli-workbook_page/renamed.xml", moved.FileNode.PathFrom)
	assert.Len(t, f.history(t), 2)

	stored, err := f.s.View().GetResource(f.ctx, f.pkg.GUID, "p1")
	require.NoError(t, err)
	assert.Equal(t, "content/x-oli-workbook_page/renamed.xml", stored.FileNode.PathFrom)
}
