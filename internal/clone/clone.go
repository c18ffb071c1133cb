// Package clone creates new versions and forks of content packages. The
// package row, filesystem trees and graph are copied synchronously; the
// revision histories follow in batches on a worker pool, and the package
// stays PROCESSING until every batch has reported.
package clone

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rcliao/content-engine/internal/apperr"
	"github.com/rcliao/content-engine/internal/content"
	"github.com/rcliao/content-engine/internal/jobs"
	"github.com/rcliao/content-engine/internal/model"
	"github.com/rcliao/content-engine/internal/store"
	"github.com/rcliao/content-engine/internal/vcs"
)

var versionPattern = regexp.MustCompile(`^\d+(\.\d+){1,2}$`)

var errNotQueued = errors.New("batch pool refused job")

// Validator revalidates the whole graph of a package.
type Validator interface {
	ValidateAll(ctx context.Context, packageGUID string) error
}

// Engine is the version clone engine.
type Engine struct {
	store      store.Store
	graph      Validator
	vcs        vcs.VCS
	pool       jobs.Executor
	log        zerolog.Logger
	reposDir   string
	volumesDir string
	delay      time.Duration
	batchSize  int

	mu       sync.Mutex
	trackers map[string]*Tracker
	pending  sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithDelay sets the settle time before revision batches are submitted.
func WithDelay(d time.Duration) Option {
	return func(e *Engine) { e.delay = d }
}

// WithBatchSize sets the number of resources per revision-copy job.
func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// New creates a clone engine that allocates working copies under reposDir
// and volumes under volumesDir.
func New(s store.Store, g Validator, v vcs.VCS, pool jobs.Executor, reposDir, volumesDir string, log zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:      s,
		graph:      g,
		vcs:        v,
		pool:       pool,
		log:        log,
		reposDir:   reposDir,
		volumesDir: volumesDir,
		delay:      2 * time.Second,
		batchSize:  10,
		trackers:   make(map[string]*Tracker),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// pair maps a source resource to its copy.
type pair struct {
	from, to string
}

// CloneVersion copies the package sourceGUID to (newID, newVersion). An
// empty newID keeps the source id (new version); a new id forks the
// package. The returned package is PROCESSING until its revision histories
// are copied.
func (e *Engine) CloneVersion(ctx context.Context, sourceGUID, newID, newVersion string) (*model.ContentPackage, error) {
	src, err := e.store.GetPackage(ctx, sourceGUID)
	if err != nil {
		return nil, err
	}
	if newID == "" {
		newID = src.ID
	}
	if newVersion == "" {
		newVersion = src.Version
	}
	if !versionPattern.MatchString(newVersion) {
		return nil, apperr.BadRequest("invalid version %q", newVersion)
	}
	if _, err := e.store.FindPackage(ctx, newID, newVersion); err == nil {
		return nil, apperr.Conflict("package %s version %s already exists", newID, newVersion)
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	guid := uuid.NewString()
	dst := &model.ContentPackage{
		GUID:        guid,
		ID:          newID,
		Version:     newVersion,
		Title:       src.Title,
		Description: src.Description,
		Status:      model.StatusDeveloping,
		BuildStatus: model.BuildProcessing,
	}
	if src.SourceLocation != "" {
		dst.SourceLocation = filepath.Join(e.reposDir, guid)
	}
	if src.VolumeLocation != "" {
		dst.VolumeLocation = filepath.Join(e.volumesDir, guid, "content")
	}
	if src.WebContentVolume != "" {
		dst.WebContentVolume = filepath.Join(e.volumesDir, guid, "webcontent")
	}
	if err := e.store.CreatePackage(ctx, dst); err != nil {
		return nil, err
	}
	log := e.log.With().Str("source", src.GUID).Str("package", dst.GUID).Logger()

	fail := func(err error) (*model.ContentPackage, error) {
		e.rollback(context.WithoutCancel(ctx), dst, log)
		return nil, err
	}
	if err := copyLocations(src, dst); err != nil {
		return fail(apperr.Internal(err, "copying package files"))
	}
	if err := e.branch(ctx, src, dst, log); err != nil {
		return fail(err)
	}
	pairs, err := e.copyRows(ctx, src, dst)
	if err != nil {
		return fail(err)
	}

	log.Info().Str("id", dst.ID).Str("version", dst.Version).Int("resources", len(pairs)).Msg("package cloned")
	e.schedule(dst.GUID, pairs)
	return dst, nil
}

// rollback removes a partially created clone.
func (e *Engine) rollback(ctx context.Context, dst *model.ContentPackage, log zerolog.Logger) {
	if err := e.store.DeletePackage(ctx, dst.GUID); err != nil {
		log.Error().Err(err).Msg("rollback: deleting package row failed")
	}
	for _, dir := range []string{dst.SourceLocation, filepath.Join(e.volumesDir, dst.GUID)} {
		if dir == "" {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			log.Error().Err(err).Str("dir", dir).Msg("rollback: removing files failed")
		}
	}
	log.Warn().Msg("clone rolled back")
}

// branch gives the copied working copy its own branch: a fork gets a
// sibling project branch, a new version an editor branch of the same
// project. A source without a repository is copied as plain files.
func (e *Engine) branch(ctx context.Context, src, dst *model.ContentPackage, log zerolog.Logger) error {
	if src.SourceLocation == "" {
		return nil
	}
	raw, err := e.vcs.RepositoryURL(src.SourceLocation)
	if err != nil {
		log.Warn().Err(err).Msg("source has no repository, skipping branch")
		return nil
	}
	from, err := vcs.ParseURL(raw)
	if err != nil {
		return err
	}
	name := vcs.VersionBranch(dst.ID, dst.Version)
	if dst.ID != src.ID {
		name = vcs.ForkBranch(dst.ID)
	}
	to := from.WithBranch(name)

	msg := fmt.Sprintf("clone %s %s to %s %s", src.ID, src.Version, dst.ID, dst.Version)
	if err := e.vcs.Copy(ctx, from.String(), to.String(), msg); err != nil {
		return apperr.Internal(err, "creating branch "+name)
	}
	if err := e.vcs.Switch(ctx, dst.SourceLocation, to.String()); err != nil {
		return apperr.Internal(err, "switching working copy to "+name)
	}
	return nil
}

// copyRows copies resources, web content, index entries and edges in one
// transaction. Resources start without revisions; the batches fill them in.
func (e *Engine) copyRows(ctx context.Context, src, dst *model.ContentPackage) ([]pair, error) {
	var pairs []pair
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		pairs = pairs[:0]
		resources, err := tx.ListResources(ctx, src.GUID, false)
		if err != nil {
			return err
		}
		guids := make(map[string]string, len(resources))
		for _, r := range resources {
			c := model.Resource{
				PackageGUID: dst.GUID,
				ID:          rekey(src, dst, r.ID),
				Type:        r.Type,
				State:       r.State,
				FileNode:    r.FileNode,
				Errors:      r.Errors,
				CreatedAt:   r.CreatedAt,
			}
			// Paths are kept: the copied working copy and volume hold the
			// files where the source had them.
			c.FileNode.VolumeLocation = dst.VolumeLocation
			if err := tx.InsertResource(ctx, &c); err != nil {
				return err
			}
			guids[r.GUID] = c.GUID
			pairs = append(pairs, pair{from: r.GUID, to: c.GUID})
		}

		assets, err := tx.ListWebContent(ctx, src.GUID)
		if err != nil {
			return err
		}
		for _, w := range assets {
			c := model.WebContent{PackageGUID: dst.GUID, FileNode: w.FileNode, Hash: w.Hash}
			c.FileNode.VolumeLocation = dst.WebContentVolume
			if err := tx.UpsertWebContent(ctx, &c); err != nil {
				return err
			}
		}

		entries, err := tx.ListIndex(ctx, src.GUID, "")
		if err != nil {
			return err
		}
		for _, ie := range entries {
			c := model.IndexEntry{
				PackageGUID:  dst.GUID,
				Kind:         ie.Kind,
				DomainID:     ie.DomainID,
				ResourceGUID: guids[ie.ResourceGUID],
				Body:         ie.Body,
			}
			if err := tx.UpsertIndexEntry(ctx, &c); err != nil {
				return err
			}
		}

		edges, err := tx.ListEdges(ctx, src.GUID, "")
		if err != nil {
			return err
		}
		copied := make([]model.Edge, 0, len(edges))
		for _, ed := range edges {
			copied = append(copied, model.Edge{
				PackageGUID:     dst.GUID,
				SourceID:        rekeyEdge(src, dst, ed.SourceID),
				DestinationID:   rekeyEdge(src, dst, ed.DestinationID),
				SourceType:      ed.SourceType,
				DestinationType: ed.DestinationType,
				Relationship:    ed.Relationship,
				Purpose:         ed.Purpose,
				ReferenceType:   ed.ReferenceType,
				Status:          model.EdgeNotValidated,
				Metadata:        model.EdgeMetadata{SourceGUID: guids[ed.Metadata.SourceGUID]},
			})
		}
		return tx.InsertEdges(ctx, copied)
	})
	return pairs, err
}

// rekey moves structural ids to the new package coordinates.
func rekey(src, dst *model.ContentPackage, id string) string {
	if strings.HasPrefix(id, src.ID+"-"+src.Version+"_") {
		return content.RekeyStructuralID(id, src.ID, src.Version, dst.ID, dst.Version)
	}
	return id
}

// rekeyEdge rewrites a "id:version:local" key of the source package. Keys
// of other packages are kept.
func rekeyEdge(src, dst *model.ContentPackage, key string) string {
	local, ok := strings.CutPrefix(key, src.KeyPrefix())
	if !ok {
		return key
	}
	return dst.Key(rekey(src, dst, local))
}

// schedule fans the revision copies out after the settle delay.
func (e *Engine) schedule(packageGUID string, pairs []pair) {
	parts := batches(pairs, e.batchSize)
	t := NewTracker(len(parts), func(status string) {
		e.finish(packageGUID, status)
	})
	e.mu.Lock()
	e.trackers[packageGUID] = t
	e.mu.Unlock()

	e.pending.Add(1)
	time.AfterFunc(e.delay, func() {
		defer e.pending.Done()
		e.fanOut(packageGUID, parts, t)
	})
}

// batches partitions pairs into consecutive runs of at most size.
func batches(pairs []pair, size int) [][]pair {
	var out [][]pair
	for i := 0; i < len(pairs); i += size {
		out = append(out, pairs[i:min(i+size, len(pairs))])
	}
	return out
}

func (e *Engine) fanOut(packageGUID string, parts [][]pair, t *Tracker) {
	t.start()
	for n, batch := range parts {
		ok := e.pool.Submit(jobs.Job{
			Name: fmt.Sprintf("clone %s batch %d", packageGUID, n),
			Run: func(ctx context.Context) error {
				return e.copyRevisions(ctx, batch)
			},
			Done: t.Report,
		})
		if !ok {
			t.Report(errNotQueued)
		}
	}
	e.log.Debug().Str("package", packageGUID).Int("batches", len(parts)).Msg("revision batches submitted")
}

// copyRevisions copies the revision chain and blobs of each resource in
// batch, root first, and points the copy at its new head.
func (e *Engine) copyRevisions(ctx context.Context, batch []pair) error {
	return e.store.WithTx(ctx, func(tx *store.Tx) error {
		for _, p := range batch {
			from, err := tx.GetResourceByGUID(ctx, p.from)
			if err != nil {
				return err
			}
			chain, err := tx.Chain(ctx, from)
			if err != nil {
				return err
			}
			parent := ""
			for i := len(chain) - 1; i >= 0; i-- {
				rev := chain[i]
				blob, err := tx.GetBlob(ctx, rev.BlobGUID)
				if err != nil {
					return err
				}
				nb := model.RevisionBlob{JSON: blob.JSON, XML: blob.XML}
				if err := tx.InsertBlob(ctx, &nb); err != nil {
					return err
				}
				nr := model.Revision{
					ResourceGUID: p.to,
					Parent:       parent,
					BlobGUID:     nb.GUID,
					Author:       rev.Author,
					Type:         rev.Type,
					CreatedAt:    rev.CreatedAt,
				}
				if err := tx.InsertRevision(ctx, &nr); err != nil {
					return err
				}
				parent = nr.GUID
			}

			to, err := tx.GetResourceByGUID(ctx, p.to)
			if err != nil {
				return err
			}
			to.LastRevision = parent
			if err := tx.UpdateResource(ctx, to); err != nil {
				return err
			}
		}
		return nil
	})
}

// finish records the settled build status. A READY package has its graph
// revalidated first so readers never see READY with stale edges.
func (e *Engine) finish(packageGUID, status string) {
	ctx := context.Background()
	log := e.log.With().Str("package", packageGUID).Logger()
	if status == model.BuildReady {
		if err := e.graph.ValidateAll(ctx, packageGUID); err != nil {
			log.Error().Err(err).Msg("validating cloned package failed")
		}
	}
	if err := e.store.SetBuildStatus(ctx, packageGUID, status); err != nil {
		log.Error().Err(err).Str("status", status).Msg("recording build status failed")
		return
	}
	log.Info().Str("status", status).Msg("clone settled")
}

// Progress reports the batch counts of a clone started by this engine.
func (e *Engine) Progress(packageGUID string) (Progress, bool) {
	e.mu.Lock()
	t, ok := e.trackers[packageGUID]
	e.mu.Unlock()
	if !ok {
		return Progress{}, false
	}
	return t.Progress(), true
}

// Settled returns a channel closed when the clone's outcome is decided.
func (e *Engine) Settled(packageGUID string) (<-chan struct{}, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.trackers[packageGUID]
	if !ok {
		return nil, false
	}
	return t.Settled(), true
}

// Wait blocks until every scheduled fan-out has submitted its batches.
func (e *Engine) Wait() {
	e.pending.Wait()
}
