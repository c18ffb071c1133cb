// Package graph maintains the reference graph between resources,
// objectives, skills and web assets of a package, and recomputes the
// validity of every edge from the current state of the store.
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/rcliao/content-engine/internal/apperr"
	"github.com/rcliao/content-engine/internal/coalesce"
	"github.com/rcliao/content-engine/internal/content"
	"github.com/rcliao/content-engine/internal/jobs"
	"github.com/rcliao/content-engine/internal/model"
	"github.com/rcliao/content-engine/internal/store"
)

// Destination kinds recorded in edge destination_type.
const (
	DestResource   = "resource"
	DestObjective  = "objective"
	DestSkill      = "skill"
	DestWebContent = "webcontent"
)

// Graph owns edges. Validation passes are the only writers of edge status.
type Graph struct {
	store    store.Store
	pool     jobs.Executor
	inflight *coalesce.Registry
	log      zerolog.Logger

	pending sync.WaitGroup
}

// New creates a graph whose asynchronous validations run on pool and are
// coalesced per package through inflight.
func New(s store.Store, pool jobs.Executor, inflight *coalesce.Registry, log zerolog.Logger) *Graph {
	return &Graph{store: s, pool: pool, inflight: inflight, log: log}
}

// ValidateAll recomputes the status of every edge of a package.
func (g *Graph) ValidateAll(ctx context.Context, packageGUID string) error {
	return g.validate(ctx, packageGUID, "")
}

// ValidateIncremental resolves only edges that are NOT_VALIDATED. Running it
// twice with no change in between leaves the second run with nothing to do.
func (g *Graph) ValidateIncremental(ctx context.Context, packageGUID string) error {
	return g.validate(ctx, packageGUID, model.EdgeNotValidated)
}

func (g *Graph) validate(ctx context.Context, packageGUID, status string) error {
	pkg, ok, err := g.lookupPackage(ctx, packageGUID)
	if !ok {
		return err
	}
	var present, missing int
	err = g.store.WithTx(ctx, func(tx *store.Tx) error {
		edges, err := tx.ListEdges(ctx, packageGUID, status)
		if err != nil {
			return err
		}
		if len(edges) == 0 {
			return nil
		}
		res, err := newResolver(ctx, tx, pkg, edges)
		if err != nil {
			return err
		}
		for _, e := range edges {
			meta := e.Metadata
			if guid, _, ok := res.resolve(e.SourceID); ok {
				meta.SourceGUID = guid
			}
			newStatus, destType := model.EdgeDestinationMissing, e.DestinationType
			if guid, kind, ok := res.resolve(e.DestinationID); ok {
				newStatus, destType = model.EdgeDestinationPresent, kind
				meta.DestinationGUID = guid
				present++
			} else {
				meta.DestinationGUID = ""
				missing++
			}
			if newStatus == e.Status && meta == e.Metadata && destType == e.DestinationType {
				continue
			}
			if err := tx.SetEdgeStatus(ctx, e.GUID, newStatus, destType, meta); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	g.log.Debug().Str("package", packageGUID).Bool("incremental", status != "").
		Int("present", present).Int("missing", missing).Msg("validated edges")
	return nil
}

// lookupPackage reports ok=false for a missing package, which makes
// validation a logged no-op.
func (g *Graph) lookupPackage(ctx context.Context, packageGUID string) (*model.ContentPackage, bool, error) {
	pkg, err := g.store.GetPackage(ctx, packageGUID)
	if errors.Is(err, apperr.ErrNotFound) {
		g.log.Warn().Str("package", packageGUID).Msg("validation skipped: package not found")
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return pkg, true, nil
}

// resolver answers key lookups for one pass with four set-based queries.
type resolver struct {
	prefix     string
	resources  map[string]string
	objectives map[string]string
	skills     map[string]string
	web        map[string]string
}

func newResolver(ctx context.Context, tx *store.Tx, pkg *model.ContentPackage, edges []model.Edge) (*resolver, error) {
	r := &resolver{prefix: pkg.KeyPrefix()}
	seen := make(map[string]bool)
	var ids, web []string
	for _, e := range edges {
		for _, key := range []string{e.SourceID, e.DestinationID} {
			local, ok := strings.CutPrefix(key, r.prefix)
			if !ok || seen[local] {
				continue
			}
			seen[local] = true
			if strings.HasPrefix(local, "webcontent/") {
				web = append(web, local)
			} else {
				ids = append(ids, local)
			}
		}
	}
	var err error
	if r.resources, err = tx.ActiveResourceGUIDs(ctx, pkg.GUID, ids); err != nil {
		return nil, err
	}
	if r.objectives, err = tx.LookupIndex(ctx, pkg.GUID, model.IndexObjective, ids); err != nil {
		return nil, err
	}
	if r.skills, err = tx.LookupIndex(ctx, pkg.GUID, model.IndexSkill, ids); err != nil {
		return nil, err
	}
	if r.web, err = tx.WebContentGUIDs(ctx, pkg.GUID, web); err != nil {
		return nil, err
	}
	return r, nil
}

// resolve looks a key up in resource, objective, skill, web-content order.
func (r *resolver) resolve(key string) (guid, kind string, ok bool) {
	local, ok := strings.CutPrefix(key, r.prefix)
	if !ok {
		return "", "", false
	}
	if guid, ok := r.resources[local]; ok {
		return guid, DestResource, true
	}
	if guid, ok := r.objectives[local]; ok {
		return guid, DestObjective, true
	}
	if guid, ok := r.skills[local]; ok {
		return guid, DestSkill, true
	}
	if guid, ok := r.web[local]; ok {
		return guid, DestWebContent, true
	}
	return "", "", false
}

// ApplyResourceChanged replaces the edges and index entries sourced at r
// with what the validator extracted from its new body. Edges that target r
// or anything it defines and were missing become NOT_VALIDATED again.
func ApplyResourceChanged(ctx context.Context, tx *store.Tx, pkg *model.ContentPackage, r *model.Resource, res *content.Result) error {
	old, err := tx.ResourceIndex(ctx, pkg.GUID, r.GUID)
	if err != nil {
		return err
	}
	self := pkg.Key(r.ID)
	sources := []string{self}
	defined := make(map[string]bool, len(res.Definitions))
	entries := make([]model.IndexEntry, 0, len(res.Definitions))
	for _, d := range res.Definitions {
		defined[d.ID] = true
		sources = append(sources, pkg.Key(d.ID))
		body, _ := json.Marshal(map[string]string{"title": d.Title})
		entries = append(entries, model.IndexEntry{Kind: d.Kind, DomainID: d.ID, Body: string(body)})
	}
	var dropped []string
	for _, e := range old {
		if !defined[e.DomainID] {
			dropped = append(dropped, pkg.Key(e.DomainID))
		}
	}
	sources = append(sources, dropped...)

	edges := make([]model.Edge, 0, len(res.References))
	for _, ref := range res.References {
		src := self
		if ref.Source != "" {
			src = pkg.Key(ref.Source)
		}
		edges = append(edges, model.Edge{
			PackageGUID:   pkg.GUID,
			SourceID:      src,
			DestinationID: pkg.Key(ref.Destination),
			SourceType:    r.Type,
			Relationship:  ref.Relationship,
			Purpose:       ref.Purpose,
			ReferenceType: ref.ReferenceType,
			Metadata:      model.EdgeMetadata{SourceGUID: r.GUID},
		})
	}
	if err := tx.ReplaceSourcedEdges(ctx, pkg.GUID, sources, edges); err != nil {
		return err
	}
	if err := tx.ReplaceResourceIndex(ctx, pkg.GUID, r.GUID, entries); err != nil {
		return err
	}
	if _, err := tx.ResetDestinations(ctx, pkg.GUID, sources[:1+len(res.Definitions)], model.EdgeDestinationMissing); err != nil {
		return err
	}
	if _, err := tx.ResetDestinations(ctx, pkg.GUID, dropped, ""); err != nil {
		return err
	}
	return nil
}

// ApplyResourceDeleted removes the edges sourced at r and at the
// objectives/skills it defines, then marks edges targeting those keys
// DESTINATION_MISSING. Sourced edges are gone before the status flip, so no
// edge is both removed and flipped.
func ApplyResourceDeleted(ctx context.Context, tx *store.Tx, pkg *model.ContentPackage, r *model.Resource) error {
	entries, err := tx.DeleteResourceIndex(ctx, pkg.GUID, r.GUID)
	if err != nil {
		return err
	}
	keys := []string{pkg.Key(r.ID)}
	for _, e := range entries {
		keys = append(keys, pkg.Key(e.DomainID))
	}
	if _, err := tx.DeleteEdgesBySource(ctx, pkg.GUID, keys); err != nil {
		return err
	}
	_, err = tx.MarkDestinationsMissing(ctx, pkg.GUID, keys)
	return err
}

// ApplyWebContentAdded re-opens missing edges that target a web asset.
func ApplyWebContentAdded(ctx context.Context, tx *store.Tx, pkg *model.ContentPackage, fn model.FileNode) error {
	_, err := tx.ResetDestinations(ctx, pkg.GUID, []string{pkg.Key(fn.PathTo)}, model.EdgeDestinationMissing)
	return err
}

// ApplyWebContentDeleted marks edges targeting a web asset DESTINATION_MISSING.
func ApplyWebContentDeleted(ctx context.Context, tx *store.Tx, pkg *model.ContentPackage, fn model.FileNode) error {
	_, err := tx.MarkDestinationsMissing(ctx, pkg.GUID, []string{pkg.Key(fn.PathTo)})
	return err
}

// OnResourceDeleted runs ApplyResourceDeleted in its own transaction.
func (g *Graph) OnResourceDeleted(ctx context.Context, packageGUID string, r *model.Resource) error {
	pkg, ok, err := g.lookupPackage(ctx, packageGUID)
	if !ok {
		return err
	}
	return g.store.WithTx(ctx, func(tx *store.Tx) error {
		return ApplyResourceDeleted(ctx, tx, pkg, r)
	})
}

// OnWebContentDeleted runs ApplyWebContentDeleted in its own transaction.
func (g *Graph) OnWebContentDeleted(ctx context.Context, packageGUID string, fn model.FileNode) error {
	pkg, ok, err := g.lookupPackage(ctx, packageGUID)
	if !ok {
		return err
	}
	return g.store.WithTx(ctx, func(tx *store.Tx) error {
		return ApplyWebContentDeleted(ctx, tx, pkg, fn)
	})
}

// FetchResourceEdges returns the edges a resource sources and the edges
// that target it, including those of the objectives/skills it defines.
func (g *Graph) FetchResourceEdges(ctx context.Context, packageGUID, resourceID string) (sourced, targeting []model.Edge, err error) {
	pkg, err := g.store.GetPackage(ctx, packageGUID)
	if err != nil {
		return nil, nil, err
	}
	v := g.store.View()
	r, err := v.GetResource(ctx, packageGUID, resourceID)
	if err != nil {
		return nil, nil, err
	}
	entries, err := v.ResourceIndex(ctx, packageGUID, r.GUID)
	if err != nil {
		return nil, nil, err
	}
	keys := []string{pkg.Key(r.ID)}
	for _, e := range entries {
		keys = append(keys, pkg.Key(e.DomainID))
	}
	if sourced, err = v.EdgesBySource(ctx, packageGUID, keys); err != nil {
		return nil, nil, err
	}
	if targeting, err = v.EdgesByDestination(ctx, packageGUID, keys); err != nil {
		return nil, nil, err
	}
	return sourced, targeting, nil
}

// RequestValidation schedules an incremental pass on the graph pool. It
// must be called after the triggering transaction committed. Requests for
// a package already being validated collapse into one extra pass.
func (g *Graph) RequestValidation(packageGUID string) {
	key := "graph:" + packageGUID
	if !g.inflight.TryBegin(key) {
		return
	}
	g.pending.Add(1)
	ok := g.pool.Submit(jobs.Job{
		Name: "validate " + packageGUID,
		Run: func(ctx context.Context) error {
			return g.inflight.Hold(key, func() error {
				err := g.ValidateIncremental(ctx, packageGUID)
				if err != nil {
					g.log.Error().Err(err).Str("package", packageGUID).Msg("incremental validation failed")
				}
				return err
			})
		},
		Done: func(error) { g.pending.Done() },
	})
	if !ok {
		g.inflight.Abandon(key)
		g.pending.Done()
	}
}

// Wait blocks until every requested validation has finished.
func (g *Graph) Wait() {
	g.pending.Wait()
}
