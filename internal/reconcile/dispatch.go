package reconcile

import (
	"context"
	"errors"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"slices"

	"github.com/rcliao/content-engine/internal/apperr"
	"github.com/rcliao/content-engine/internal/config"
	"github.com/rcliao/content-engine/internal/content"
	"github.com/rcliao/content-engine/internal/graph"
	"github.com/rcliao/content-engine/internal/model"
	"github.com/rcliao/content-engine/internal/revision"
	"github.com/rcliao/content-engine/internal/store"
	"github.com/rcliao/content-engine/internal/vcs"
)

// dispatch applies one changed path and reports whether the store changed.
func (e *Engine) dispatch(ctx context.Context, pkg *model.ContentPackage, base, p string, ct vcs.ChangeType) (bool, error) {
	kind, rt := e.cls.classify(p)
	if ct == vcs.Deleted {
		return e.deletePath(ctx, pkg, p, kind)
	}
	if kind == KindIgnored {
		return false, nil
	}

	data, err := os.ReadFile(filepath.Join(base, filepath.FromSlash(p)))
	if errors.Is(err, fs.ErrNotExist) {
		return e.deletePath(ctx, pkg, p, kind)
	}
	if err != nil {
		return false, apperr.Internal(err, "reading "+p)
	}

	switch kind {
	case KindManifest:
		return e.applyManifest(ctx, pkg, data)
	case KindWebContent:
		return e.applyWebContent(ctx, pkg, p, data)
	case KindOrganization, KindResource:
		return e.applyResource(ctx, pkg, p, kind, rt, data)
	case KindLDModel:
		return e.applyLDModel(ctx, pkg, p, data)
	}
	return false, nil
}

// applyResource creates or updates the resource stored at p, recording p as
// its working-copy path. Validation failures become warnings on the resource so one malformed file cannot
// block a pass.
func (e *Engine) applyResource(ctx context.Context, pkg *model.ContentPackage, p string, kind Kind, rt config.ResourceType, data []byte) (bool, error) {
	id := e.resourceID(pkg, kind, rt, p, data)
	existing, err := e.findResource(ctx, pkg, p, id)
	if err != nil {
		return false, err
	}
	if existing != nil {
		before := existing.LastRevision
		r, err := e.resources.Update(ctx, revision.UpdateParams{
			PackageGUID:        pkg.GUID,
			ResourceID:         existing.ID,
			Type:               rt.ID,
			Content:            string(data),
			Author:             Author,
			PathFrom:           p,
			System:             true,
			SuppressValidation: true,
		})
		if err != nil {
			return false, err
		}
		return r.LastRevision != before, nil
	}
	_, err = e.resources.Create(ctx, revision.CreateParams{
		PackageGUID:        pkg.GUID,
		Type:               rt.ID,
		Content:            string(data),
		Author:             Author,
		ID:                 id,
		PathFrom:           p,
		System:             true,
		SuppressValidation: true,
	})
	return err == nil, err
}

// resourceID is the id the body declares, or one derived from the path.
func (e *Engine) resourceID(pkg *model.ContentPackage, kind Kind, rt config.ResourceType, p string, data []byte) string {
	id := ""
	if _, v, err := e.resources.Types().Lookup(rt.ID); err == nil {
		if res, err := v.Validate(data); err == nil {
			id = res.ID
		}
	}
	if id == "" {
		id = fallbackID(kind, p)
	}
	if rt.Structural {
		id = content.StructuralID(pkg.ID, pkg.Version, id)
	}
	return id
}

// findResource returns the active resource living at p or carrying id.
func (e *Engine) findResource(ctx context.Context, pkg *model.ContentPackage, p, id string) (*model.Resource, error) {
	v := e.store.View()
	r, err := v.GetResourceByPath(ctx, pkg.GUID, p)
	if err == nil && r.State == model.StateActive {
		return r, nil
	}
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}
	r, err = v.GetResource(ctx, pkg.GUID, id)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, err
	case r.State != model.StateActive:
		return nil, nil
	}
	return r, nil
}

// deletePath removes whatever the store knows at p. A path that matches no
// single resource or asset is treated as a deleted directory and every
// known entry below it is removed individually.
func (e *Engine) deletePath(ctx context.Context, pkg *model.ContentPackage, p string, kind Kind) (bool, error) {
	v := e.store.View()
	switch kind {
	case KindManifest, KindLDModel:
		e.log.Debug().Str("path", p).Msg("deletion ignored")
		return false, nil
	case KindWebContent:
		w, err := v.GetWebContent(ctx, pkg.GUID, p)
		if err == nil {
			return true, e.deleteWebContent(ctx, pkg, w)
		}
		if !errors.Is(err, apperr.ErrNotFound) {
			return false, err
		}
	default:
		r, err := v.GetResourceByPath(ctx, pkg.GUID, p)
		if err == nil && r.State == model.StateActive {
			return true, e.deleteResource(ctx, pkg, r)
		}
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return false, err
		}
	}
	return e.deleteTree(ctx, pkg, p)
}

func (e *Engine) deleteTree(ctx context.Context, pkg *model.ContentPackage, dir string) (bool, error) {
	v := e.store.View()
	resources, err := v.ListResourcesUnderPath(ctx, pkg.GUID, dir)
	if err != nil {
		return false, err
	}
	assets, err := v.ListWebContentUnderPath(ctx, pkg.GUID, dir)
	if err != nil {
		return false, err
	}
	for i := range resources {
		if err := e.deleteResource(ctx, pkg, &resources[i]); err != nil {
			return false, err
		}
	}
	for i := range assets {
		if err := e.deleteWebContent(ctx, pkg, &assets[i]); err != nil {
			return false, err
		}
	}
	if n := len(resources) + len(assets); n > 0 {
		e.log.Debug().Str("dir", dir).Int("entries", n).Msg("expanded directory deletion")
		return true, nil
	}
	return false, nil
}

func (e *Engine) deleteResource(ctx context.Context, pkg *model.ContentPackage, r *model.Resource) error {
	_, err := e.resources.SoftDelete(ctx, revision.DeleteParams{
		PackageGUID: pkg.GUID,
		ResourceID:  r.ID,
		User:        Author,
		System:      true,
	})
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	return err
}

// markConflict annotates the resource at p; the local content stays in the
// working copy and wins on the next commit.
func (e *Engine) markConflict(ctx context.Context, pkg *model.ContentPackage, p string) error {
	e.log.Warn().Str("package", pkg.GUID).Str("path", p).Msg("working copy conflict")
	return e.store.WithTx(ctx, func(tx *store.Tx) error {
		r, err := tx.GetResourceByPath(ctx, pkg.GUID, p)
		if errors.Is(err, apperr.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if slices.Contains(r.Errors, model.ConflictMarker) {
			return nil
		}
		r.Errors = append(r.Errors, model.ConflictMarker)
		return tx.UpdateResource(ctx, r)
	})
}

func (e *Engine) applyManifest(ctx context.Context, pkg *model.ContentPackage, data []byte) (bool, error) {
	m, err := content.ParseManifest(data)
	if err != nil {
		return false, err
	}
	if m.Title == pkg.Title && m.Description == pkg.Description {
		return false, nil
	}
	err = e.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.UpdatePackageMeta(ctx, pkg.GUID, m.Title, m.Description)
	})
	return err == nil, err
}

// applyWebContent records an asset, copies it into the package's
// web-content volume and reopens edges that were missing it.
func (e *Engine) applyWebContent(ctx context.Context, pkg *model.ContentPackage, p string, data []byte) (bool, error) {
	hash := store.HashPayload(data)
	existing, err := e.store.View().GetWebContent(ctx, pkg.GUID, p)
	if err == nil && existing.Hash == hash {
		return false, nil
	}
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return false, err
	}

	fn := model.FileNode{
		VolumeLocation: pkg.WebContentVolume,
		PathFrom:       p,
		PathTo:         e.cls.webContentPathTo(p),
		MimeType:       mimeType(p),
		FileSize:       int64(len(data)),
	}
	if pkg.WebContentVolume != "" {
		if err := writeFile(filepath.Join(pkg.WebContentVolume, filepath.FromSlash(fn.PathTo)), data); err != nil {
			return false, apperr.Internal(err, "copying web content")
		}
	}
	err = e.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.UpsertWebContent(ctx, &model.WebContent{PackageGUID: pkg.GUID, FileNode: fn, Hash: hash}); err != nil {
			return err
		}
		return graph.ApplyWebContentAdded(ctx, tx, pkg, fn)
	})
	return err == nil, err
}

func (e *Engine) deleteWebContent(ctx context.Context, pkg *model.ContentPackage, w *model.WebContent) error {
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.DeleteWebContent(ctx, w.GUID); err != nil {
			return err
		}
		return graph.ApplyWebContentDeleted(ctx, tx, pkg, w.FileNode)
	})
	if err != nil {
		return err
	}
	if w.FileNode.VolumeLocation == "" {
		return nil
	}
	if err := removeFile(filepath.Join(w.FileNode.VolumeLocation, filepath.FromSlash(w.FileNode.PathTo))); err != nil {
		e.log.Warn().Err(err).Str("path", w.FileNode.PathTo).Msg("removing web content from volume failed")
	}
	return nil
}

func mimeType(p string) string {
	if t := mime.TypeByExtension(path.Ext(p)); t != "" {
		return t
	}
	return "application/octet-stream"
}

func writeFile(full string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, data, 0o644)
}

func removeFile(full string) error {
	err := os.RemoveAll(full)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
