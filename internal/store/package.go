package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rcliao/content-engine/internal/apperr"
	"github.com/rcliao/content-engine/internal/model"
)

const packageColumns = `guid, id, version, title, description, status, build_status,
	source_location, volume_location, web_content_volume, created_at, updated_at`

// CreatePackage inserts a package row. A missing guid is generated. Waiters
// blocked in WaitForPackage are released once the row is committed.
func (s *SQLiteStore) CreatePackage(ctx context.Context, p *model.ContentPackage) error {
	if err := s.WithTx(ctx, func(tx *Tx) error {
		return tx.InsertPackage(ctx, p)
	}); err != nil {
		return err
	}
	s.signalPackage(p.GUID)
	return nil
}

// InsertPackage inserts a package row inside the transaction.
func (tx *Tx) InsertPackage(ctx context.Context, p *model.ContentPackage) error {
	now := time.Now().UTC()
	if p.GUID == "" {
		p.GUID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = model.StatusDeveloping
	}
	if p.BuildStatus == "" {
		p.BuildStatus = model.BuildReady
	}
	p.CreatedAt, p.UpdatedAt = now, now

	var exists int
	err := tx.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM packages WHERE id = ? AND version = ?`, p.ID, p.Version).Scan(&exists)
	if err != nil {
		return err
	}
	if exists > 0 {
		return apperr.Conflict("package %s version %s already exists", p.ID, p.Version)
	}

	_, err = tx.q.ExecContext(ctx,
		`INSERT INTO packages (`+packageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.GUID, p.ID, p.Version, p.Title, p.Description, p.Status, p.BuildStatus,
		p.SourceLocation, p.VolumeLocation, p.WebContentVolume,
		now.Format(timeFormat), now.Format(timeFormat))
	if err != nil {
		return fmt.Errorf("insert package: %w", err)
	}
	return nil
}

// GetPackage returns a package by guid. Rows are served from an LRU cache
// that every package write invalidates.
func (s *SQLiteStore) GetPackage(ctx context.Context, guid string) (*model.ContentPackage, error) {
	if p, ok := s.packages.Get(guid); ok {
		return &p, nil
	}
	gen := s.pkgGen.Load()
	p, err := scanPackage(s.db.QueryRowContext(ctx,
		`SELECT `+packageColumns+` FROM packages WHERE guid = ?`, guid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("package not found: %s", guid)
	}
	if err != nil {
		return nil, err
	}
	s.cachePackage(gen, p)
	return p, nil
}

// cachePackage stores p unless a package write happened since gen was loaded.
func (s *SQLiteStore) cachePackage(gen uint64, p *model.ContentPackage) {
	if s.pkgGen.Load() == gen {
		s.packages.Add(p.GUID, *p)
	}
}

// forgetPackage drops a cached row after its write is visible. Bumping the
// generation first keeps a concurrent GetPackage from re-adding the row it
// read before the write.
func (s *SQLiteStore) forgetPackage(guid string) {
	s.pkgGen.Add(1)
	s.packages.Remove(guid)
}

// FindPackage returns a package by its author-facing id and version.
func (s *SQLiteStore) FindPackage(ctx context.Context, id, version string) (*model.ContentPackage, error) {
	p, err := scanPackage(s.db.QueryRowContext(ctx,
		`SELECT `+packageColumns+` FROM packages WHERE id = ? AND version = ?`, id, version))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("package not found: %s-%s", id, version)
	}
	return p, err
}

// ListPackages lists all packages ordered by id and version.
func (s *SQLiteStore) ListPackages(ctx context.Context) ([]model.ContentPackage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+packageColumns+` FROM packages ORDER BY id, version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pkgs []model.ContentPackage
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, err
		}
		pkgs = append(pkgs, *p)
	}
	return pkgs, rows.Err()
}

// UpdatePackageMeta sets title and description, leaving empty values untouched.
func (tx *Tx) UpdatePackageMeta(ctx context.Context, guid, title, description string) error {
	_, err := tx.q.ExecContext(ctx,
		`UPDATE packages SET
			title = CASE WHEN ? = '' THEN title ELSE ? END,
			description = CASE WHEN ? = '' THEN description ELSE ? END,
			updated_at = ?
		 WHERE guid = ?`,
		title, title, description, description, time.Now().UTC().Format(timeFormat), guid)
	tx.invalidate = append(tx.invalidate, guid)
	return err
}

// SetPackageStatus changes the lifecycle status.
func (s *SQLiteStore) SetPackageStatus(ctx context.Context, guid, status string) error {
	if !model.ValidPackageStatuses[status] {
		return apperr.BadRequest("invalid package status %q", status)
	}
	return s.setPackageColumn(ctx, guid, "status", status)
}

// SetBuildStatus changes the build status.
func (s *SQLiteStore) SetBuildStatus(ctx context.Context, guid, status string) error {
	return s.setPackageColumn(ctx, guid, "build_status", status)
}

func (s *SQLiteStore) setPackageColumn(ctx context.Context, guid, column, value string) error {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE packages SET %s = ?, updated_at = ? WHERE guid = ?`, column),
		value, time.Now().UTC().Format(timeFormat), guid)
	s.forgetPackage(guid)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("package not found: %s", guid)
	}
	return nil
}

// DeletePackage removes a package and, through cascading keys, everything it owns.
func (s *SQLiteStore) DeletePackage(ctx context.Context, guid string) error {
	err := s.WithTx(ctx, func(tx *Tx) error {
		// revisions cascade from resources; blobs are owned by exactly one
		// revision and must go after the revisions that reference them
		_, err := tx.q.ExecContext(ctx,
			`CREATE TEMP TABLE IF NOT EXISTS doomed_blobs (guid TEXT PRIMARY KEY)`)
		if err != nil {
			return err
		}
		_, err = tx.q.ExecContext(ctx,
			`INSERT OR IGNORE INTO doomed_blobs SELECT r.blob_guid FROM revisions r
			 JOIN resources res ON res.guid = r.resource_guid
			 WHERE res.package_guid = ?`, guid)
		if err != nil {
			return err
		}
		if _, err = tx.q.ExecContext(ctx, `DELETE FROM packages WHERE guid = ?`, guid); err != nil {
			return err
		}
		if _, err = tx.q.ExecContext(ctx,
			`DELETE FROM revision_blobs WHERE guid IN (SELECT guid FROM doomed_blobs)`); err != nil {
			return err
		}
		_, err = tx.q.ExecContext(ctx, `DELETE FROM doomed_blobs`)
		return err
	})
	s.forgetPackage(guid)
	return err
}

// WaitForPackage blocks until the package is committed or ctx ends. It is
// released by CreatePackage rather than by polling.
func (s *SQLiteStore) WaitForPackage(ctx context.Context, guid string) (*model.ContentPackage, error) {
	ch := s.packageSignal(guid)
	p, err := s.GetPackage(ctx, guid)
	if err == nil {
		s.signalPackage(guid)
		return p, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for package %s: %w", guid, ctx.Err())
	case <-ch:
		return s.GetPackage(ctx, guid)
	}
}

func (s *SQLiteStore) packageSignal(guid string) chan struct{} {
	s.sigMu.Lock()
	defer s.sigMu.Unlock()
	ch, ok := s.signals[guid]
	if !ok {
		ch = make(chan struct{})
		s.signals[guid] = ch
	}
	return ch
}

func (s *SQLiteStore) signalPackage(guid string) {
	s.sigMu.Lock()
	defer s.sigMu.Unlock()
	if ch, ok := s.signals[guid]; ok {
		close(ch)
		delete(s.signals, guid)
	}
}

func scanPackage(row scanner) (*model.ContentPackage, error) {
	var p model.ContentPackage
	var createdAt, updatedAt string
	err := row.Scan(&p.GUID, &p.ID, &p.Version, &p.Title, &p.Description, &p.Status, &p.BuildStatus,
		&p.SourceLocation, &p.VolumeLocation, &p.WebContentVolume, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}
