package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rcliao/content-engine/internal/apperr"
	"github.com/rcliao/content-engine/internal/model"
)

const resourceColumns = `guid, package_guid, id, type, state, path_from, path_to, volume_location,
	mime_type, file_size, last_revision, last_session, errors, created_at, updated_at`

// InsertResource inserts a resource row. A missing guid is generated.
func (tx *Tx) InsertResource(ctx context.Context, r *model.Resource) error {
	now := time.Now().UTC()
	if r.GUID == "" {
		r.GUID = tx.s.NewID()
	}
	if r.State == "" {
		r.State = model.StateActive
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	_, err := tx.q.ExecContext(ctx,
		`INSERT INTO resources (`+resourceColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.GUID, r.PackageGUID, r.ID, r.Type, r.State,
		r.FileNode.PathFrom, r.FileNode.PathTo, r.FileNode.VolumeLocation, r.FileNode.MimeType, r.FileNode.FileSize,
		nullable(r.LastRevision), nullable(r.LastSession), errorsJSON(r.Errors),
		r.CreatedAt.Format(timeFormat), now.Format(timeFormat))
	if err != nil {
		return fmt.Errorf("insert resource: %w", err)
	}
	return nil
}

// UpdateResource rewrites every mutable column of a resource row.
func (tx *Tx) UpdateResource(ctx context.Context, r *model.Resource) error {
	r.UpdatedAt = time.Now().UTC()
	_, err := tx.q.ExecContext(ctx,
		`UPDATE resources SET id = ?, type = ?, state = ?, path_from = ?, path_to = ?, volume_location = ?,
			mime_type = ?, file_size = ?, last_revision = ?, last_session = ?, errors = ?, updated_at = ?
		 WHERE guid = ?`,
		r.ID, r.Type, r.State, r.FileNode.PathFrom, r.FileNode.PathTo, r.FileNode.VolumeLocation,
		r.FileNode.MimeType, r.FileNode.FileSize, nullable(r.LastRevision), nullable(r.LastSession),
		errorsJSON(r.Errors), r.UpdatedAt.Format(timeFormat), r.GUID)
	if err != nil {
		return fmt.Errorf("update resource: %w", err)
	}
	return nil
}

// GetResource returns a resource by package and author-facing id, in any state.
func (tx *Tx) GetResource(ctx context.Context, packageGUID, id string) (*model.Resource, error) {
	r, err := scanResource(tx.q.QueryRowContext(ctx,
		`SELECT `+resourceColumns+` FROM resources WHERE package_guid = ? AND id = ?`, packageGUID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("resource not found: %s", id)
	}
	return r, err
}

// GetResourceByGUID returns a resource by its system key.
func (tx *Tx) GetResourceByGUID(ctx context.Context, guid string) (*model.Resource, error) {
	r, err := scanResource(tx.q.QueryRowContext(ctx,
		`SELECT `+resourceColumns+` FROM resources WHERE guid = ?`, guid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("resource not found: %s", guid)
	}
	return r, err
}

// GetResourceByPath returns the resource mapped to a working-copy path.
func (tx *Tx) GetResourceByPath(ctx context.Context, packageGUID, pathFrom string) (*model.Resource, error) {
	r, err := scanResource(tx.q.QueryRowContext(ctx,
		`SELECT `+resourceColumns+` FROM resources WHERE package_guid = ? AND path_from = ?
		 ORDER BY CASE state WHEN 'ACTIVE' THEN 0 ELSE 1 END LIMIT 1`, packageGUID, pathFrom))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("no resource at path %s", pathFrom)
	}
	return r, err
}

// ListResources lists resources of a package ordered by id.
func (tx *Tx) ListResources(ctx context.Context, packageGUID string, activeOnly bool) ([]model.Resource, error) {
	query := `SELECT ` + resourceColumns + ` FROM resources WHERE package_guid = ?`
	if activeOnly {
		query += ` AND state = 'ACTIVE'`
	}
	return tx.queryResources(ctx, query+` ORDER BY id`, packageGUID)
}

// ListResourcesUnderPath lists active resources whose working-copy path lies below dir.
func (tx *Tx) ListResourcesUnderPath(ctx context.Context, packageGUID, dir string) ([]model.Resource, error) {
	return tx.queryResources(ctx,
		`SELECT `+resourceColumns+` FROM resources
		 WHERE package_guid = ? AND state = 'ACTIVE' AND substr(path_from, 1, ?) = ?
		 ORDER BY path_from`,
		packageGUID, len(dir)+1, dir+"/")
}

func (tx *Tx) queryResources(ctx context.Context, query string, args ...any) ([]model.Resource, error) {
	rows, err := tx.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Resource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// ActiveResourceGUIDs resolves author-facing ids to guids in one query.
// Ids that are absent or deleted are missing from the result.
func (tx *Tx) ActiveResourceGUIDs(ctx context.Context, packageGUID string, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	for _, chunk := range chunkStrings(ids, 500) {
		args := append([]any{packageGUID}, stringArgs(chunk)...)
		rows, err := tx.q.QueryContext(ctx,
			`SELECT id, guid FROM resources WHERE package_guid = ? AND state = 'ACTIVE'
			 AND id IN (`+placeholders(len(chunk))+`)`, args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var id, guid string
			if err := rows.Scan(&id, &guid); err != nil {
				rows.Close()
				return nil, err
			}
			out[id] = guid
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func chunkStrings(vals []string, size int) [][]string {
	var out [][]string
	for len(vals) > size {
		out = append(out, vals[:size])
		vals = vals[size:]
	}
	if len(vals) > 0 {
		out = append(out, vals)
	}
	return out
}

func errorsJSON(errs []string) *string {
	if len(errs) == 0 {
		return nil
	}
	b, _ := json.Marshal(errs)
	s := string(b)
	return &s
}

func scanResource(row scanner) (*model.Resource, error) {
	var r model.Resource
	var lastRev, lastSession, errs sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&r.GUID, &r.PackageGUID, &r.ID, &r.Type, &r.State,
		&r.FileNode.PathFrom, &r.FileNode.PathTo, &r.FileNode.VolumeLocation, &r.FileNode.MimeType, &r.FileNode.FileSize,
		&lastRev, &lastSession, &errs, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	r.LastRevision = lastRev.String
	r.LastSession = lastSession.String
	if errs.Valid {
		json.Unmarshal([]byte(errs.String), &r.Errors)
	}
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return &r, nil
}
