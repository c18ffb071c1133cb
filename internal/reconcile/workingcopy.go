package reconcile

import (
	"context"
	"path"
	"path/filepath"

	"github.com/rcliao/content-engine/internal/model"
	"github.com/rcliao/content-engine/internal/revision"
)

var _ revision.WorkingCopy = (*Engine)(nil)

// Publish writes an interactive edit into the package working copy and its
// rendered blob into the volume, then requests a reconciliation so the
// edit is committed.
func (e *Engine) Publish(ctx context.Context, pkg *model.ContentPackage, r *model.Resource, body string) error {
	if pkg.SourceLocation == "" {
		return nil
	}
	if err := e.write(pkg, r, body); err != nil {
		return err
	}
	e.Request(pkg.SourceLocation, pkg.GUID)
	return nil
}

func (e *Engine) write(pkg *model.ContentPackage, r *model.Resource, body string) error {
	unlock := e.lockPath(pkg.SourceLocation)
	defer unlock()

	if err := writeFile(filepath.Join(pkg.SourceLocation, filepath.FromSlash(r.FileNode.PathFrom)), []byte(body)); err != nil {
		return err
	}
	if pkg.VolumeLocation != "" {
		if err := writeFile(filepath.Join(pkg.VolumeLocation, filepath.FromSlash(r.FileNode.PathTo)), []byte(body)); err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes a resource from the working copy and volume. An
// organization owns its directory, which goes with it.
func (e *Engine) Remove(ctx context.Context, pkg *model.ContentPackage, r *model.Resource) error {
	if pkg.SourceLocation == "" {
		return nil
	}
	if err := e.remove(pkg, r); err != nil {
		return err
	}
	e.Request(pkg.SourceLocation, pkg.GUID)
	return nil
}

func (e *Engine) remove(pkg *model.ContentPackage, r *model.Resource) error {
	unlock := e.lockPath(pkg.SourceLocation)
	defer unlock()

	from, to := r.FileNode.PathFrom, r.FileNode.PathTo
	if rt, _, err := e.resources.Types().Lookup(r.Type); err == nil && rt.Structural {
		from, to = path.Dir(from), path.Dir(to)
	}
	if err := e.vcs.Delete(pkg.SourceLocation, from); err != nil {
		return err
	}
	if pkg.VolumeLocation != "" {
		return removeFile(filepath.Join(pkg.VolumeLocation, filepath.FromSlash(to)))
	}
	return nil
}
