// Package reconcile keeps package working copies and the store in step. A
// reconciliation pulls remote changes, routes every changed path to the
// resource, web-content, manifest or learning-model handlers, and commits
// local edits back. Runs are serialized per working copy.
package reconcile

import (
	"cmp"
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rcliao/content-engine/internal/coalesce"
	"github.com/rcliao/content-engine/internal/content"
	"github.com/rcliao/content-engine/internal/jobs"
	"github.com/rcliao/content-engine/internal/model"
	"github.com/rcliao/content-engine/internal/revision"
	"github.com/rcliao/content-engine/internal/store"
	"github.com/rcliao/content-engine/internal/vcs"
)

// Author is recorded on revisions created from the working copy.
const Author = "vcs"

// Resources is the part of the revision service the engine drives.
type Resources interface {
	Create(ctx context.Context, p revision.CreateParams) (*model.Resource, error)
	Update(ctx context.Context, p revision.UpdateParams) (*model.Resource, error)
	SoftDelete(ctx context.Context, p revision.DeleteParams) (*model.Resource, error)
	Types() *content.Registry
}

// ValidationScheduler queues an incremental graph pass.
type ValidationScheduler interface {
	RequestValidation(packageGUID string)
}

// Changeset reports one reconciliation.
type Changeset struct {
	PackageGUID string      `json:"package_guid"`
	Changes     vcs.Changes `json:"changes"`
	// Applied lists paths that changed the store.
	Applied   []string          `json:"applied,omitempty"`
	Conflicts []string          `json:"conflicts,omitempty"`
	Failed    map[string]string `json:"failed,omitempty"`
	// CommitError is set when publishing local edits failed. The store is
	// not rolled back; the next run retries the commit.
	CommitError string `json:"commit_error,omitempty"`
}

// Engine is the sync engine.
type Engine struct {
	store       store.Store
	resources   Resources
	graph       ValidationScheduler
	vcs         vcs.VCS
	cls         classifier
	pool        jobs.Executor
	inflight    *coalesce.Registry
	log         zerolog.Logger
	packageWait time.Duration

	mu      sync.Mutex
	paths   map[string]*sync.Mutex
	pending sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithPackageWait bounds how long Ingest waits for its package row.
func WithPackageWait(d time.Duration) Option {
	return func(e *Engine) { e.packageWait = d }
}

// New creates a sync engine. Requests run on pool and are coalesced in
// inflight under the key "sync:<working copy>".
func New(s store.Store, res Resources, g ValidationScheduler, v vcs.VCS, pool jobs.Executor, inflight *coalesce.Registry, log zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:       s,
		resources:   res,
		graph:       g,
		vcs:         v,
		cls:         newClassifier(res.Types()),
		pool:        pool,
		inflight:    inflight,
		log:         log,
		packageWait: 30 * time.Second,
		paths:       make(map[string]*sync.Mutex),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// lockPath serializes everything that touches one working copy.
func (e *Engine) lockPath(base string) func() {
	base = filepath.Clean(base)
	e.mu.Lock()
	m, ok := e.paths[base]
	if !ok {
		m = &sync.Mutex{}
		e.paths[base] = m
	}
	e.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// Reconcile runs the five steps against the working copy at base: clear
// stale VCS locks, schedule new files, pull, apply each changed path, and
// commit local edits. A failed pull aborts the run; a failed commit is
// logged and reported in the changeset.
func (e *Engine) Reconcile(ctx context.Context, base, packageGUID string) (*Changeset, error) {
	unlock := e.lockPath(base)
	defer unlock()

	pkg, err := e.store.GetPackage(ctx, packageGUID)
	if err != nil {
		return nil, err
	}
	log := e.log.With().Str("package", pkg.GUID).Str("wc", base).Logger()

	if err := e.vcs.Cleanup(base); err != nil {
		log.Warn().Err(err).Msg("vcs cleanup failed")
	}
	if err := e.vcs.Add(base); err != nil {
		log.Warn().Err(err).Msg("vcs add failed")
	}
	changes, err := e.vcs.Update(ctx, base)
	if err != nil {
		log.Error().Err(err).Msg("vcs update failed")
		return nil, fmt.Errorf("update %s: %w", base, err)
	}

	cs := e.apply(ctx, pkg, base, changes)
	e.commit(ctx, pkg, base, cs, log)
	log.Info().Int("changes", changes.Len()).Int("applied", len(cs.Applied)).
		Int("conflicts", len(cs.Conflicts)).Int("failed", len(cs.Failed)).Msg("reconciled")
	return cs, nil
}

// Ingest routes every file of a package's working copy as added. It is the
// bulk import right after a package is created, so it first waits for the
// package row to be committed.
func (e *Engine) Ingest(ctx context.Context, packageGUID string) (*Changeset, error) {
	waitCtx, cancel := context.WithTimeout(ctx, e.packageWait)
	pkg, err := e.store.WaitForPackage(waitCtx, packageGUID)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("waiting for package %s: %w", packageGUID, err)
	}
	base := pkg.SourceLocation
	unlock := e.lockPath(base)
	defer unlock()

	changes := vcs.Changes{}
	err = filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		changes.Add(vcs.Added, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", base, err)
	}
	changes.Sort()

	log := e.log.With().Str("package", pkg.GUID).Str("wc", base).Logger()
	cs := e.apply(ctx, pkg, base, changes)
	if err := e.vcs.Add(base); err != nil {
		log.Warn().Err(err).Msg("vcs add failed")
	}
	e.commit(ctx, pkg, base, cs, log)
	log.Info().Int("files", changes.Len()).Int("applied", len(cs.Applied)).Int("failed", len(cs.Failed)).Msg("ingested")
	return cs, nil
}

// Request schedules a reconciliation on the sync pool. A request for a
// working copy that is already being reconciled is folded into exactly one
// extra run after the current one.
func (e *Engine) Request(base, packageGUID string) {
	key := "sync:" + filepath.Clean(base)
	if !e.inflight.TryBegin(key) {
		e.log.Debug().Str("wc", base).Msg("sync already running, marked pending")
		return
	}
	e.pending.Add(1)
	ok := e.pool.Submit(jobs.Job{
		Name: "sync " + base,
		Run: func(ctx context.Context) error {
			return e.inflight.Hold(key, func() error {
				_, err := e.Reconcile(ctx, base, packageGUID)
				if err != nil {
					e.log.Error().Err(err).Str("wc", base).Msg("sync failed")
				}
				return err
			})
		},
		Done: func(error) { e.pending.Done() },
	})
	if !ok {
		e.inflight.Abandon(key)
		e.pending.Done()
	}
}

// Wait blocks until every requested reconciliation has finished.
func (e *Engine) Wait() {
	e.pending.Wait()
}

type routed struct {
	path string
	ct   vcs.ChangeType
	kind Kind
}

// dispatchRank orders a pass: package metadata and assets first, then
// resources, organizations and finally learning-model staging.
var dispatchRank = map[Kind]int{
	KindManifest:     0,
	KindWebContent:   1,
	KindResource:     2,
	KindOrganization: 3,
	KindLDModel:      4,
	KindIgnored:      5,
}

func (e *Engine) apply(ctx context.Context, pkg *model.ContentPackage, base string, changes vcs.Changes) *Changeset {
	cs := &Changeset{PackageGUID: pkg.GUID, Changes: changes, Failed: map[string]string{}}

	var work []routed
	for ct, paths := range changes {
		for _, p := range paths {
			kind, _ := e.cls.classify(p)
			work = append(work, routed{path: p, ct: ct, kind: kind})
		}
	}
	slices.SortFunc(work, func(a, b routed) int {
		return cmp.Or(cmp.Compare(dispatchRank[a.kind], dispatchRank[b.kind]), cmp.Compare(a.path, b.path))
	})

	for _, w := range work {
		if w.ct == vcs.Conflicted {
			cs.Conflicts = append(cs.Conflicts, w.path)
			if err := e.markConflict(ctx, pkg, w.path); err != nil {
				cs.Failed[w.path] = err.Error()
			}
			continue
		}
		changed, err := e.dispatch(ctx, pkg, base, w.path, w.ct)
		if err != nil {
			e.log.Warn().Err(err).Str("package", pkg.GUID).Str("path", w.path).Str("change", string(w.ct)).Msg("path not applied")
			cs.Failed[w.path] = err.Error()
			continue
		}
		if changed {
			cs.Applied = append(cs.Applied, w.path)
		}
	}

	if len(cs.Applied) > 0 {
		e.graph.RequestValidation(pkg.GUID)
	}
	return cs
}

func (e *Engine) commit(ctx context.Context, pkg *model.ContentPackage, base string, cs *Changeset, log zerolog.Logger) {
	msg := fmt.Sprintf("sync %s %s", pkg.ID, pkg.Version)
	if err := e.vcs.Commit(ctx, base, msg); err != nil {
		log.Error().Err(err).Msg("vcs commit failed")
		cs.CommitError = err.Error()
	}
}
