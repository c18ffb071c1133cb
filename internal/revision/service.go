// Package revision owns the resource lifecycle: creation, append-only
// revision chains with same-session coalescing, optimistic conflict checks
// and soft deletion.
package revision

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/rcliao/content-engine/internal/apperr"
	"github.com/rcliao/content-engine/internal/config"
	"github.com/rcliao/content-engine/internal/content"
	"github.com/rcliao/content-engine/internal/graph"
	"github.com/rcliao/content-engine/internal/model"
	"github.com/rcliao/content-engine/internal/store"
)

// WorkingCopy mirrors interactive edits into the package working copy.
type WorkingCopy interface {
	Publish(ctx context.Context, pkg *model.ContentPackage, r *model.Resource, body string) error
	Remove(ctx context.Context, pkg *model.ContentPackage, r *model.Resource) error
}

// Permissions checks edit-lock ownership. Locks are keyed by resource guid.
type Permissions interface {
	CheckPermission(user, resourceID string, touch bool) error
}

// ValidationScheduler queues an incremental graph pass for a package.
type ValidationScheduler interface {
	RequestValidation(packageGUID string)
}

// Service implements the resource operations.
type Service struct {
	store store.Store
	types *content.Registry
	locks Permissions
	graph ValidationScheduler
	wc    WorkingCopy
	log   zerolog.Logger
}

// New creates a revision service. The working copy is attached later with
// SetWorkingCopy because the sync engine itself depends on the service.
func New(s store.Store, types *content.Registry, locks Permissions, g ValidationScheduler, log zerolog.Logger) *Service {
	return &Service{store: s, types: types, locks: locks, graph: g, log: log}
}

// SetWorkingCopy attaches the working-copy publisher.
func (s *Service) SetWorkingCopy(wc WorkingCopy) { s.wc = wc }

// Types exposes the resource-type registry.
func (s *Service) Types() *content.Registry { return s.types }

// CreateParams are the inputs of Create.
type CreateParams struct {
	PackageGUID string
	Type        string
	Content     string
	Author      string
	SessionID   string
	// ID is used when the body does not yield one (suppressed validation).
	ID string
	// PathFrom is the working-copy path the body was read from. Empty means
	// the conventional path for the type and id.
	PathFrom string
	// System marks ingestion from the working copy: nothing is published back.
	System             bool
	SuppressValidation bool
}

// UpdateParams are the inputs of Update.
type UpdateParams struct {
	PackageGUID string
	ResourceID  string
	// Type, when set and different, changes the resource type.
	Type      string
	Content   string
	Author    string
	SessionID string
	// NextRevisionID is an optional client-chosen guid for the new revision.
	NextRevisionID string
	// PathFrom is the working-copy path the body was read from. Empty keeps
	// the current path unless the type changes.
	PathFrom           string
	System             bool
	SuppressValidation bool
}

// DeleteParams are the inputs of SoftDelete.
type DeleteParams struct {
	PackageGUID string
	ResourceID  string
	User        string
	System      bool
}

// validate runs the type's validator. With suppression a failing body
// yields an empty result and the failure as a warning.
func (s *Service) validate(v content.Validator, body string, suppress bool) (*content.Result, []string, error) {
	res, err := v.Validate([]byte(body))
	if err != nil {
		if !suppress {
			return nil, nil, err
		}
		return &content.Result{}, []string{err.Error()}, nil
	}
	if suppress {
		return res, res.Warnings, nil
	}
	return res, nil, nil
}

// Create adds a resource with its root revision. A live resource with the
// same id fails with PreconditionFailed; a deleted one is revived and the
// new body is chained onto its history.
func (s *Service) Create(ctx context.Context, p CreateParams) (*model.Resource, error) {
	rt, v, err := s.types.Lookup(p.Type)
	if err != nil {
		return nil, err
	}
	pkg, err := s.store.GetPackage(ctx, p.PackageGUID)
	if err != nil {
		return nil, err
	}
	res, warnings, err := s.validate(v, p.Content, p.SuppressValidation)
	if err != nil {
		return nil, err
	}

	id := res.ID
	if id == "" {
		id = p.ID
	}
	if rt.Structural {
		id = content.StructuralID(pkg.ID, pkg.Version, id)
	}
	if id == "" {
		return nil, apperr.BadRequest("cannot derive a resource id for type %s", p.Type)
	}

	var r *model.Resource
	err = s.store.WithTx(ctx, func(tx *store.Tx) error {
		existing, err := tx.GetResource(ctx, pkg.GUID, id)
		switch {
		case err == nil && existing.State == model.StateActive:
			return apperr.PreconditionFailed("resource %s already exists in package %s", id, pkg.ID)
		case err == nil:
			r = existing
		case errors.Is(err, apperr.ErrNotFound):
			r = &model.Resource{PackageGUID: pkg.GUID, ID: id}
		default:
			return err
		}

		r.Type = rt.ID
		r.State = model.StateActive
		r.FileNode = s.fileNode(pkg, rt, id, p.Content, p.PathFrom)
		r.LastSession = p.SessionID
		r.Errors = warnings

		blob := model.NewBlob(p.Content, rt.JSON)
		if err := tx.InsertBlob(ctx, &blob); err != nil {
			return err
		}
		if r.GUID == "" {
			if err := tx.InsertResource(ctx, r); err != nil {
				return err
			}
		}
		rev := model.Revision{
			ResourceGUID: r.GUID,
			Parent:       r.LastRevision,
			BlobGUID:     blob.GUID,
			Author:       p.Author,
			Type:         model.RevisionSystem,
		}
		if err := tx.InsertRevision(ctx, &rev); err != nil {
			return err
		}
		r.LastRevision = rev.GUID
		r.Body = &blob
		if err := tx.UpdateResource(ctx, r); err != nil {
			return err
		}
		return graph.ApplyResourceChanged(ctx, tx, pkg, r, res)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("package", pkg.GUID).Str("resource", r.ID).Str("type", r.Type).Msg("resource created")
	if !p.System {
		s.publish(ctx, pkg, r, p.Content)
	}
	s.graph.RequestValidation(pkg.GUID)
	return r, nil
}

// Update writes a new body. When the resource's last session equals
// p.SessionID the head blob is replaced in place; otherwise a revision is
// appended. Interactive updates require the caller to hold the edit lock.
func (s *Service) Update(ctx context.Context, p UpdateParams) (*model.Resource, error) {
	return s.update(ctx, p, nil)
}

// UpdateWithConflictCheck appends a revision only if baseRevisionID is the
// current head. A stale base fails with Conflict and changes nothing.
func (s *Service) UpdateWithConflictCheck(ctx context.Context, packageGUID, resourceID, baseRevisionID, nextRevisionID, body string) (*model.Resource, error) {
	return s.update(ctx, UpdateParams{
		PackageGUID:    packageGUID,
		ResourceID:     resourceID,
		Content:        body,
		Author:         "external",
		NextRevisionID: nextRevisionID,
		System:         true,
	}, &baseRevisionID)
}

func (s *Service) update(ctx context.Context, p UpdateParams, base *string) (*model.Resource, error) {
	pkg, err := s.store.GetPackage(ctx, p.PackageGUID)
	if err != nil {
		return nil, err
	}
	cur, err := s.store.View().GetResource(ctx, pkg.GUID, p.ResourceID)
	if err != nil {
		return nil, err
	}
	if cur.State != model.StateActive {
		return nil, apperr.NotFound("resource %s is deleted", p.ResourceID)
	}
	if !p.System {
		if err := s.locks.CheckPermission(p.Author, cur.GUID, true); err != nil {
			return nil, err
		}
	}

	typeID := cur.Type
	if p.Type != "" {
		typeID = p.Type
	}
	rt, v, err := s.types.Lookup(typeID)
	if err != nil {
		return nil, err
	}
	res, warnings, err := s.validate(v, p.Content, p.SuppressValidation)
	if err != nil {
		return nil, err
	}
	if res.ID != "" && res.ID != cur.ID && !rt.Structural {
		if !p.SuppressValidation {
			return nil, apperr.BadRequest("body id %s does not match resource %s", res.ID, cur.ID)
		}
		warnings = append(warnings, "body id "+res.ID+" does not match resource id")
	}

	var (
		r       *model.Resource
		old     model.Resource
		changed bool
	)
	err = s.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		if r, err = tx.GetResourceByGUID(ctx, cur.GUID); err != nil {
			return err
		}
		old = *r
		if base != nil && r.LastRevision != *base {
			return apperr.Conflict("resource %s: base revision %s is not the head %s", r.ID, *base, r.LastRevision)
		}
		if p.NextRevisionID != "" {
			taken, err := tx.RevisionExists(ctx, p.NextRevisionID)
			if err != nil {
				return err
			}
			if taken {
				return apperr.Conflict("revision %s already exists", p.NextRevisionID)
			}
		}

		head, err := tx.GetRevision(ctx, r.LastRevision)
		if err != nil {
			return err
		}
		blob, err := tx.GetBlob(ctx, head.BlobGUID)
		if err != nil {
			return err
		}
		if typeID == r.Type && blob.IsJSON() == rt.JSON && blob.Hash == store.HashPayload([]byte(p.Content)) && p.NextRevisionID == "" {
			r.Body = blob
			if p.PathFrom == "" || p.PathFrom == r.FileNode.PathFrom {
				return nil
			}
			// Moved without edits.
			r.FileNode.PathFrom = p.PathFrom
			return tx.UpdateResource(ctx, r)
		}
		changed = true

		next := model.NewBlob(p.Content, rt.JSON)
		if base == nil && p.NextRevisionID == "" && r.LastSession != "" && r.LastSession == p.SessionID {
			next.GUID = blob.GUID
			if err := tx.ReplaceBlob(ctx, &next); err != nil {
				return err
			}
		} else {
			if err := tx.InsertBlob(ctx, &next); err != nil {
				return err
			}
			revType := model.RevisionUser
			if p.System {
				revType = model.RevisionSystem
			}
			rev := model.Revision{
				GUID:         p.NextRevisionID,
				ResourceGUID: r.GUID,
				Parent:       r.LastRevision,
				BlobGUID:     next.GUID,
				Author:       p.Author,
				Type:         revType,
			}
			if err := tx.InsertRevision(ctx, &rev); err != nil {
				return err
			}
			r.LastRevision = rev.GUID
			r.LastSession = p.SessionID
		}

		pathFrom := p.PathFrom
		if pathFrom == "" && typeID == r.Type {
			pathFrom = r.FileNode.PathFrom
		}
		r.Type = typeID
		r.FileNode = s.fileNode(pkg, rt, r.ID, p.Content, pathFrom)
		r.Errors = warnings
		r.Body = &next
		if err := tx.UpdateResource(ctx, r); err != nil {
			return err
		}
		return graph.ApplyResourceChanged(ctx, tx, pkg, r, res)
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return r, nil
	}

	s.log.Info().Str("package", pkg.GUID).Str("resource", r.ID).Str("revision", r.LastRevision).Msg("resource updated")
	if !p.System {
		if old.FileNode.PathFrom != r.FileNode.PathFrom {
			s.remove(ctx, pkg, &old)
		}
		s.publish(ctx, pkg, r, p.Content)
	}
	s.graph.RequestValidation(pkg.GUID)
	return r, nil
}

// SoftDelete marks a resource DELETED and cascades through the graph in the
// same transaction. Interactive deletes require the edit lock.
func (s *Service) SoftDelete(ctx context.Context, p DeleteParams) (*model.Resource, error) {
	pkg, err := s.store.GetPackage(ctx, p.PackageGUID)
	if err != nil {
		return nil, err
	}
	var r *model.Resource
	err = s.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		if r, err = tx.GetResource(ctx, pkg.GUID, p.ResourceID); err != nil {
			return err
		}
		if r.State != model.StateActive {
			return apperr.NotFound("resource %s is already deleted", p.ResourceID)
		}
		if !p.System {
			if err := s.locks.CheckPermission(p.User, r.GUID, false); err != nil {
				return err
			}
		}
		r.State = model.StateDeleted
		if err := tx.UpdateResource(ctx, r); err != nil {
			return err
		}
		return graph.ApplyResourceDeleted(ctx, tx, pkg, r)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("package", pkg.GUID).Str("resource", r.ID).Msg("resource deleted")
	if !p.System {
		s.remove(ctx, pkg, r)
	}
	return r, nil
}

// History returns the revision chain from head to root.
func (s *Service) History(ctx context.Context, packageGUID, resourceID string) ([]model.Revision, error) {
	v := s.store.View()
	r, err := v.GetResource(ctx, packageGUID, resourceID)
	if err != nil {
		return nil, err
	}
	return v.Chain(ctx, r)
}

// Get returns a resource with its head body.
func (s *Service) Get(ctx context.Context, packageGUID, resourceID string) (*model.Resource, error) {
	v := s.store.View()
	r, err := v.GetResource(ctx, packageGUID, resourceID)
	if err != nil {
		return nil, err
	}
	if r.LastRevision == "" {
		return r, nil
	}
	head, err := v.GetRevision(ctx, r.LastRevision)
	if err != nil {
		return nil, err
	}
	if r.Body, err = v.GetBlob(ctx, head.BlobGUID); err != nil {
		return nil, err
	}
	return r, nil
}

// fileNode places a body. pathFrom, when known, is where the working copy
// actually holds the file; it need not follow the id.
func (s *Service) fileNode(pkg *model.ContentPackage, rt config.ResourceType, id, body, pathFrom string) model.FileNode {
	mime := "application/xml"
	if rt.JSON {
		mime = "application/json"
	}
	if pathFrom == "" {
		pathFrom = s.types.PathFrom(rt, id)
	}
	return model.FileNode{
		VolumeLocation: pkg.VolumeLocation,
		PathFrom:       pathFrom,
		PathTo:         s.types.PathTo(rt, id),
		MimeType:       mime,
		FileSize:       int64(len(body)),
	}
}

// publish and remove never fail the write path; the working copy catches
// up on the next reconciliation.
func (s *Service) publish(ctx context.Context, pkg *model.ContentPackage, r *model.Resource, body string) {
	if s.wc == nil {
		return
	}
	if err := s.wc.Publish(ctx, pkg, r, body); err != nil {
		s.log.Error().Err(err).Str("resource", r.ID).Msg("publish to working copy failed")
	}
}

func (s *Service) remove(ctx context.Context, pkg *model.ContentPackage, r *model.Resource) {
	if s.wc == nil {
		return
	}
	if err := s.wc.Remove(ctx, pkg, r); err != nil {
		s.log.Error().Err(err).Str("resource", r.ID).Msg("remove from working copy failed")
	}
}
