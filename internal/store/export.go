package store

import (
	"context"

	"github.com/rcliao/content-engine/internal/model"
)

// PackageExport is a full snapshot of a package's relational state.
type PackageExport struct {
	Package    model.ContentPackage `json:"package"`
	Resources  []model.Resource     `json:"resources"`
	Edges      []model.Edge         `json:"edges"`
	Index      []model.IndexEntry   `json:"index,omitempty"`
	WebContent []model.WebContent   `json:"web_content,omitempty"`
}

// ExportPackage returns every resource (with its head body), edge, index
// entry and web asset of a package.
func (s *SQLiteStore) ExportPackage(ctx context.Context, guid string, includeDeleted bool) (*PackageExport, error) {
	p, err := s.GetPackage(ctx, guid)
	if err != nil {
		return nil, err
	}
	v := s.View()
	out := &PackageExport{Package: *p}

	if out.Resources, err = v.ListResources(ctx, guid, !includeDeleted); err != nil {
		return nil, err
	}
	for i := range out.Resources {
		r := &out.Resources[i]
		if r.LastRevision == "" {
			continue
		}
		rev, err := v.GetRevision(ctx, r.LastRevision)
		if err != nil {
			return nil, err
		}
		if r.Body, err = v.GetBlob(ctx, rev.BlobGUID); err != nil {
			return nil, err
		}
	}
	if out.Edges, err = v.ListEdges(ctx, guid, ""); err != nil {
		return nil, err
	}
	if out.Index, err = v.ListIndex(ctx, guid, ""); err != nil {
		return nil, err
	}
	if out.WebContent, err = v.ListWebContent(ctx, guid); err != nil {
		return nil, err
	}
	return out, nil
}
