package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rcliao/content-engine/internal/model"
)

const edgeColumns = `guid, package_guid, source_id, destination_id, source_type, destination_type,
	relationship, purpose, reference_type, status, metadata`

// InsertEdges inserts edges, ignoring exact duplicates of an existing edge.
func (tx *Tx) InsertEdges(ctx context.Context, edges []model.Edge) error {
	for i := range edges {
		e := &edges[i]
		if e.GUID == "" {
			e.GUID = tx.s.NewID()
		}
		if e.Status == "" {
			e.Status = model.EdgeNotValidated
		}
		meta, _ := json.Marshal(e.Metadata)
		_, err := tx.q.ExecContext(ctx,
			`INSERT OR IGNORE INTO edges (`+edgeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.GUID, e.PackageGUID, e.SourceID, e.DestinationID, e.SourceType, e.DestinationType,
			e.Relationship, e.Purpose, e.ReferenceType, e.Status, string(meta))
		if err != nil {
			return fmt.Errorf("insert edge: %w", err)
		}
	}
	return nil
}

// DeleteEdgesBySource removes every edge sourced at one of the given keys.
func (tx *Tx) DeleteEdgesBySource(ctx context.Context, packageGUID string, sourceIDs []string) (int64, error) {
	var total int64
	for _, chunk := range chunkStrings(sourceIDs, 500) {
		args := append([]any{packageGUID}, stringArgs(chunk)...)
		res, err := tx.q.ExecContext(ctx,
			`DELETE FROM edges WHERE package_guid = ? AND source_id IN (`+placeholders(len(chunk))+`)`, args...)
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// DeleteEdgesByReferenceType removes every edge of one reference type.
func (tx *Tx) DeleteEdgesByReferenceType(ctx context.Context, packageGUID, referenceType string) (int64, error) {
	res, err := tx.q.ExecContext(ctx,
		`DELETE FROM edges WHERE package_guid = ? AND reference_type = ?`, packageGUID, referenceType)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ReplaceSourcedEdges swaps the edges sourced at sourceIDs for a fresh set.
func (tx *Tx) ReplaceSourcedEdges(ctx context.Context, packageGUID string, sourceIDs []string, edges []model.Edge) error {
	if _, err := tx.DeleteEdgesBySource(ctx, packageGUID, sourceIDs); err != nil {
		return err
	}
	return tx.InsertEdges(ctx, edges)
}

// MarkDestinationsMissing flips edges targeting any of destIDs to
// DESTINATION_MISSING and returns how many changed.
func (tx *Tx) MarkDestinationsMissing(ctx context.Context, packageGUID string, destIDs []string) (int64, error) {
	var total int64
	for _, chunk := range chunkStrings(destIDs, 500) {
		args := append([]any{model.EdgeDestinationMissing, packageGUID}, stringArgs(chunk)...)
		res, err := tx.q.ExecContext(ctx,
			`UPDATE edges SET status = ?, metadata = json_remove(coalesce(metadata, '{}'), '$.destinationGuid')
			 WHERE package_guid = ? AND destination_id IN (`+placeholders(len(chunk))+`)`, args...)
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// ResetDestinations returns edges targeting destIDs to NOT_VALIDATED so the
// next incremental pass re-resolves them. A non-empty fromStatus limits the
// reset to edges currently in that status.
func (tx *Tx) ResetDestinations(ctx context.Context, packageGUID string, destIDs []string, fromStatus string) (int64, error) {
	var total int64
	for _, chunk := range chunkStrings(destIDs, 500) {
		query := `UPDATE edges SET status = ? WHERE package_guid = ? AND destination_id IN (` + placeholders(len(chunk)) + `)`
		args := append([]any{model.EdgeNotValidated, packageGUID}, stringArgs(chunk)...)
		if fromStatus != "" {
			query += ` AND status = ?`
			args = append(args, fromStatus)
		}
		res, err := tx.q.ExecContext(ctx, query, args...)
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// SetEdgeStatus records the outcome of validating one edge.
func (tx *Tx) SetEdgeStatus(ctx context.Context, guid, status, destType string, meta model.EdgeMetadata) error {
	b, _ := json.Marshal(meta)
	_, err := tx.q.ExecContext(ctx,
		`UPDATE edges SET status = ?, destination_type = ?, metadata = ? WHERE guid = ?`,
		status, destType, string(b), guid)
	return err
}

// ListEdges lists a package's edges, optionally filtered by status.
func (tx *Tx) ListEdges(ctx context.Context, packageGUID, status string) ([]model.Edge, error) {
	if status == "" {
		return tx.queryEdges(ctx,
			`SELECT `+edgeColumns+` FROM edges WHERE package_guid = ? ORDER BY source_id, destination_id`, packageGUID)
	}
	return tx.queryEdges(ctx,
		`SELECT `+edgeColumns+` FROM edges WHERE package_guid = ? AND status = ?
		 ORDER BY source_id, destination_id`, packageGUID, status)
}

// EdgesBySource lists edges sourced at any of the given keys.
func (tx *Tx) EdgesBySource(ctx context.Context, packageGUID string, sourceIDs []string) ([]model.Edge, error) {
	return tx.edgesByColumn(ctx, "source_id", packageGUID, sourceIDs)
}

// EdgesByDestination lists edges targeting any of the given keys.
func (tx *Tx) EdgesByDestination(ctx context.Context, packageGUID string, destIDs []string) ([]model.Edge, error) {
	return tx.edgesByColumn(ctx, "destination_id", packageGUID, destIDs)
}

func (tx *Tx) edgesByColumn(ctx context.Context, column, packageGUID string, keys []string) ([]model.Edge, error) {
	var out []model.Edge
	for _, chunk := range chunkStrings(keys, 500) {
		args := append([]any{packageGUID}, stringArgs(chunk)...)
		edges, err := tx.queryEdges(ctx,
			`SELECT `+edgeColumns+` FROM edges WHERE package_guid = ? AND `+column+` IN (`+placeholders(len(chunk))+`)
			 ORDER BY source_id, destination_id`, args...)
		if err != nil {
			return nil, err
		}
		out = append(out, edges...)
	}
	return out, nil
}

func (tx *Tx) queryEdges(ctx context.Context, query string, args ...any) ([]model.Edge, error) {
	rows, err := tx.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []model.Edge
	for rows.Next() {
		var e model.Edge
		var meta sql.NullString
		if err := rows.Scan(&e.GUID, &e.PackageGUID, &e.SourceID, &e.DestinationID, &e.SourceType,
			&e.DestinationType, &e.Relationship, &e.Purpose, &e.ReferenceType, &e.Status, &meta); err != nil {
			return nil, err
		}
		if meta.Valid {
			json.Unmarshal([]byte(meta.String), &e.Metadata)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}
