package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rcliao/content-engine/internal/model"
)

// ReplaceResourceIndex swaps the objective/skill entries defined by a
// resource. Entries owned by another resource with the same domain id are
// taken over.
func (tx *Tx) ReplaceResourceIndex(ctx context.Context, packageGUID, resourceGUID string, entries []model.IndexEntry) error {
	if _, err := tx.q.ExecContext(ctx,
		`DELETE FROM package_index WHERE package_guid = ? AND resource_guid = ?`, packageGUID, resourceGUID); err != nil {
		return err
	}
	for i := range entries {
		entries[i].PackageGUID = packageGUID
		entries[i].ResourceGUID = resourceGUID
		if err := tx.UpsertIndexEntry(ctx, &entries[i]); err != nil {
			return err
		}
	}
	return nil
}

// UpsertIndexEntry inserts or replaces an entry keyed by (package, kind, domain id).
func (tx *Tx) UpsertIndexEntry(ctx context.Context, e *model.IndexEntry) error {
	if e.GUID == "" {
		e.GUID = tx.s.NewID()
	}
	_, err := tx.q.ExecContext(ctx,
		`INSERT INTO package_index (guid, package_guid, kind, domain_id, resource_guid, body)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (package_guid, kind, domain_id) DO UPDATE SET
			resource_guid = excluded.resource_guid, body = excluded.body`,
		e.GUID, e.PackageGUID, e.Kind, e.DomainID, e.ResourceGUID, nullable(e.Body))
	if err != nil {
		return fmt.Errorf("upsert index entry: %w", err)
	}
	return nil
}

// DeleteResourceIndex removes the entries a resource defines and returns their domain ids.
func (tx *Tx) DeleteResourceIndex(ctx context.Context, packageGUID, resourceGUID string) ([]model.IndexEntry, error) {
	entries, err := tx.ResourceIndex(ctx, packageGUID, resourceGUID)
	if err != nil {
		return nil, err
	}
	_, err = tx.q.ExecContext(ctx,
		`DELETE FROM package_index WHERE package_guid = ? AND resource_guid = ?`, packageGUID, resourceGUID)
	return entries, err
}

// ResourceIndex lists the entries a resource defines.
func (tx *Tx) ResourceIndex(ctx context.Context, packageGUID, resourceGUID string) ([]model.IndexEntry, error) {
	return tx.queryIndex(ctx,
		`SELECT guid, package_guid, kind, domain_id, resource_guid, body FROM package_index
		 WHERE package_guid = ? AND resource_guid = ? ORDER BY kind, domain_id`, packageGUID, resourceGUID)
}

// ListIndex lists all entries of a package, optionally of one kind.
func (tx *Tx) ListIndex(ctx context.Context, packageGUID, kind string) ([]model.IndexEntry, error) {
	if kind == "" {
		return tx.queryIndex(ctx,
			`SELECT guid, package_guid, kind, domain_id, resource_guid, body FROM package_index
			 WHERE package_guid = ? ORDER BY kind, domain_id`, packageGUID)
	}
	return tx.queryIndex(ctx,
		`SELECT guid, package_guid, kind, domain_id, resource_guid, body FROM package_index
		 WHERE package_guid = ? AND kind = ? ORDER BY domain_id`, packageGUID, kind)
}

// LookupIndex resolves domain ids of one kind in a single query. The value
// is the defining resource guid, or the entry guid for entries with no
// defining resource (learning-model imports).
func (tx *Tx) LookupIndex(ctx context.Context, packageGUID, kind string, domainIDs []string) (map[string]string, error) {
	out := make(map[string]string, len(domainIDs))
	for _, chunk := range chunkStrings(domainIDs, 500) {
		args := append([]any{packageGUID, kind}, stringArgs(chunk)...)
		rows, err := tx.q.QueryContext(ctx,
			`SELECT domain_id, guid, resource_guid FROM package_index
			 WHERE package_guid = ? AND kind = ? AND domain_id IN (`+placeholders(len(chunk))+`)`, args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var domainID, guid, resourceGUID string
			if err := rows.Scan(&domainID, &guid, &resourceGUID); err != nil {
				rows.Close()
				return nil, err
			}
			if resourceGUID != "" {
				out[domainID] = resourceGUID
			} else {
				out[domainID] = guid
			}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (tx *Tx) queryIndex(ctx context.Context, query string, args ...any) ([]model.IndexEntry, error) {
	rows, err := tx.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.IndexEntry
	for rows.Next() {
		var e model.IndexEntry
		var body sql.NullString
		if err := rows.Scan(&e.GUID, &e.PackageGUID, &e.Kind, &e.DomainID, &e.ResourceGUID, &body); err != nil {
			return nil, err
		}
		e.Body = body.String
		out = append(out, e)
	}
	return out, rows.Err()
}
