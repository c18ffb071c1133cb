package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rcliao/content-engine/internal/apperr"
	"github.com/rcliao/content-engine/internal/model"
)

const webContentColumns = `guid, package_guid, path_from, path_to, volume_location, mime_type, file_size, hash`

// UpsertWebContent inserts or updates the asset at w.FileNode.PathFrom.
func (tx *Tx) UpsertWebContent(ctx context.Context, w *model.WebContent) error {
	if w.GUID == "" {
		w.GUID = tx.s.NewID()
	}
	fn := w.FileNode
	_, err := tx.q.ExecContext(ctx,
		`INSERT INTO web_contents (`+webContentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (package_guid, path_from) DO UPDATE SET
			path_to = excluded.path_to, volume_location = excluded.volume_location,
			mime_type = excluded.mime_type, file_size = excluded.file_size, hash = excluded.hash`,
		w.GUID, w.PackageGUID, fn.PathFrom, fn.PathTo, fn.VolumeLocation, fn.MimeType, fn.FileSize, w.Hash)
	if err != nil {
		return fmt.Errorf("upsert web content: %w", err)
	}
	return nil
}

// GetWebContent returns the asset at a working-copy path.
func (tx *Tx) GetWebContent(ctx context.Context, packageGUID, pathFrom string) (*model.WebContent, error) {
	w, err := scanWebContent(tx.q.QueryRowContext(ctx,
		`SELECT `+webContentColumns+` FROM web_contents WHERE package_guid = ? AND path_from = ?`,
		packageGUID, pathFrom))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("web content not found: %s", pathFrom)
	}
	return w, err
}

// DeleteWebContent removes an asset row.
func (tx *Tx) DeleteWebContent(ctx context.Context, guid string) error {
	_, err := tx.q.ExecContext(ctx, `DELETE FROM web_contents WHERE guid = ?`, guid)
	return err
}

// ListWebContent lists a package's assets.
func (tx *Tx) ListWebContent(ctx context.Context, packageGUID string) ([]model.WebContent, error) {
	return tx.queryWebContent(ctx,
		`SELECT `+webContentColumns+` FROM web_contents WHERE package_guid = ? ORDER BY path_from`, packageGUID)
}

// ListWebContentUnderPath lists assets whose working-copy path lies below dir.
func (tx *Tx) ListWebContentUnderPath(ctx context.Context, packageGUID, dir string) ([]model.WebContent, error) {
	return tx.queryWebContent(ctx,
		`SELECT `+webContentColumns+` FROM web_contents
		 WHERE package_guid = ? AND substr(path_from, 1, ?) = ? ORDER BY path_from`,
		packageGUID, len(dir)+1, dir+"/")
}

// WebContentGUIDs resolves rendered paths to asset guids in one query.
func (tx *Tx) WebContentGUIDs(ctx context.Context, packageGUID string, pathsTo []string) (map[string]string, error) {
	out := make(map[string]string, len(pathsTo))
	for _, chunk := range chunkStrings(pathsTo, 500) {
		args := append([]any{packageGUID}, stringArgs(chunk)...)
		rows, err := tx.q.QueryContext(ctx,
			`SELECT path_to, guid FROM web_contents WHERE package_guid = ? AND path_to IN (`+placeholders(len(chunk))+`)`,
			args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var path, guid string
			if err := rows.Scan(&path, &guid); err != nil {
				rows.Close()
				return nil, err
			}
			out[path] = guid
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (tx *Tx) queryWebContent(ctx context.Context, query string, args ...any) ([]model.WebContent, error) {
	rows, err := tx.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.WebContent
	for rows.Next() {
		w, err := scanWebContent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

func scanWebContent(row scanner) (*model.WebContent, error) {
	var w model.WebContent
	fn := &w.FileNode
	err := row.Scan(&w.GUID, &w.PackageGUID, &fn.PathFrom, &fn.PathTo, &fn.VolumeLocation, &fn.MimeType, &fn.FileSize, &w.Hash)
	if err != nil {
		return nil, err
	}
	return &w, nil
}
