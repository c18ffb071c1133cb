package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"lukechampine.com/blake3"

	"github.com/rcliao/content-engine/internal/apperr"
	"github.com/rcliao/content-engine/internal/model"
)

// HashPayload returns the BLAKE3 hex digest used to detect unchanged content.
func HashPayload(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// InsertBlob stores a blob. Payloads are zstd-compressed at rest.
func (tx *Tx) InsertBlob(ctx context.Context, b *model.RevisionBlob) error {
	if b.GUID == "" {
		b.GUID = tx.s.NewID()
	}
	b.Hash = HashPayload([]byte(b.Payload()))
	jsonCol, xmlCol := tx.s.compressBlob(b)
	_, err := tx.q.ExecContext(ctx,
		`INSERT INTO revision_blobs (guid, json_payload, xml_payload, hash) VALUES (?, ?, ?, ?)`,
		b.GUID, jsonCol, xmlCol, b.Hash)
	if err != nil {
		return fmt.Errorf("insert blob: %w", err)
	}
	return nil
}

// ReplaceBlob overwrites a blob in place. Only the head revision of a
// resource still bound to its creating session may be rewritten this way.
func (tx *Tx) ReplaceBlob(ctx context.Context, b *model.RevisionBlob) error {
	b.Hash = HashPayload([]byte(b.Payload()))
	jsonCol, xmlCol := tx.s.compressBlob(b)
	res, err := tx.q.ExecContext(ctx,
		`UPDATE revision_blobs SET json_payload = ?, xml_payload = ?, hash = ? WHERE guid = ?`,
		jsonCol, xmlCol, b.Hash, b.GUID)
	if err != nil {
		return fmt.Errorf("replace blob: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("blob not found: %s", b.GUID)
	}
	return nil
}

// GetBlob returns a decompressed blob.
func (tx *Tx) GetBlob(ctx context.Context, guid string) (*model.RevisionBlob, error) {
	var jsonCol, xmlCol []byte
	b := model.RevisionBlob{GUID: guid}
	err := tx.q.QueryRowContext(ctx,
		`SELECT json_payload, xml_payload, hash FROM revision_blobs WHERE guid = ?`, guid).
		Scan(&jsonCol, &xmlCol, &b.Hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("blob not found: %s", guid)
	}
	if err != nil {
		return nil, err
	}
	if jsonCol != nil {
		data, err := tx.s.dec.DecodeAll(jsonCol, nil)
		if err != nil {
			return nil, apperr.Internal(err, "decompress blob")
		}
		b.JSON = string(data)
	}
	if xmlCol != nil {
		data, err := tx.s.dec.DecodeAll(xmlCol, nil)
		if err != nil {
			return nil, apperr.Internal(err, "decompress blob")
		}
		b.XML = string(data)
	}
	return &b, nil
}

func (s *SQLiteStore) compressBlob(b *model.RevisionBlob) (jsonCol, xmlCol []byte) {
	if b.IsJSON() {
		return s.enc.EncodeAll([]byte(b.JSON), nil), nil
	}
	return nil, s.enc.EncodeAll([]byte(b.XML), nil)
}

// InsertRevision appends a revision. A missing guid is generated.
func (tx *Tx) InsertRevision(ctx context.Context, r *model.Revision) error {
	if r.GUID == "" {
		r.GUID = tx.s.NewID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := tx.q.ExecContext(ctx,
		`INSERT INTO revisions (guid, resource_guid, parent, blob_guid, author, type, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.GUID, r.ResourceGUID, nullable(r.Parent), r.BlobGUID, r.Author, r.Type, r.CreatedAt.Format(timeFormat))
	if err != nil {
		return fmt.Errorf("insert revision: %w", err)
	}
	return nil
}

// GetRevision returns a revision by guid.
func (tx *Tx) GetRevision(ctx context.Context, guid string) (*model.Revision, error) {
	r, err := scanRevision(tx.q.QueryRowContext(ctx,
		`SELECT guid, resource_guid, parent, blob_guid, author, type, created_at FROM revisions WHERE guid = ?`, guid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("revision not found: %s", guid)
	}
	return r, err
}

// RevisionExists reports whether a revision guid is taken.
func (tx *Tx) RevisionExists(ctx context.Context, guid string) (bool, error) {
	var n int
	err := tx.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM revisions WHERE guid = ?`, guid).Scan(&n)
	return n > 0, err
}

// ListRevisions returns every revision of a resource keyed by guid.
func (tx *Tx) ListRevisions(ctx context.Context, resourceGUID string) (map[string]model.Revision, error) {
	rows, err := tx.q.QueryContext(ctx,
		`SELECT guid, resource_guid, parent, blob_guid, author, type, created_at
		 FROM revisions WHERE resource_guid = ?`, resourceGUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]model.Revision)
	for rows.Next() {
		r, err := scanRevision(rows)
		if err != nil {
			return nil, err
		}
		out[r.GUID] = *r
	}
	return out, rows.Err()
}

// Chain walks a resource's revisions from head to root. A cycle or a
// dangling parent is reported as an internal error.
func (tx *Tx) Chain(ctx context.Context, r *model.Resource) ([]model.Revision, error) {
	if r.LastRevision == "" {
		return nil, nil
	}
	all, err := tx.ListRevisions(ctx, r.GUID)
	if err != nil {
		return nil, err
	}
	var chain []model.Revision
	seen := make(map[string]bool)
	for cur := r.LastRevision; cur != ""; {
		if seen[cur] {
			return nil, apperr.New(apperr.KindInternal, "revision cycle at %s", cur)
		}
		seen[cur] = true
		rev, ok := all[cur]
		if !ok {
			return nil, apperr.New(apperr.KindInternal, "dangling revision %s", cur)
		}
		chain = append(chain, rev)
		cur = rev.Parent
	}
	return chain, nil
}

func scanRevision(row scanner) (*model.Revision, error) {
	var r model.Revision
	var parent sql.NullString
	var createdAt string
	if err := row.Scan(&r.GUID, &r.ResourceGUID, &parent, &r.BlobGUID, &r.Author, &r.Type, &createdAt); err != nil {
		return nil, err
	}
	r.Parent = parent.String
	r.CreatedAt = parseTime(createdAt)
	return &r, nil
}
