package store

import (
	"context"
	"os"
)

// Stats holds database statistics.
type Stats struct {
	DBPath      string         `json:"db_path"`
	DBSizeBytes int64          `json:"db_size_bytes"`
	Packages    int            `json:"packages"`
	Resources   int            `json:"resources"`
	Revisions   int            `json:"revisions"`
	Edges       int            `json:"edges"`
	PerPackage  []PackageStats `json:"per_package"`
}

// PackageStats holds per-package counts.
type PackageStats struct {
	GUID        string         `json:"guid"`
	ID          string         `json:"id"`
	Version     string         `json:"version"`
	BuildStatus string         `json:"build_status"`
	Active      int            `json:"active_resources"`
	Deleted     int            `json:"deleted_resources"`
	WebContent  int            `json:"web_content"`
	EdgeStatus  map[string]int `json:"edge_status"`
}

// Stats returns database statistics.
func (s *SQLiteStore) Stats(ctx context.Context, dbPath string) (*Stats, error) {
	st := &Stats{DBPath: dbPath}

	if info, err := os.Stat(dbPath); err == nil {
		st.DBSizeBytes = info.Size()
	}

	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM packages`).Scan(&st.Packages)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM resources`).Scan(&st.Resources)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM revisions`).Scan(&st.Revisions)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM edges`).Scan(&st.Edges)

	pkgs, err := s.ListPackages(ctx)
	if err != nil {
		return st, err
	}
	for _, p := range pkgs {
		ps, err := s.PackageStats(ctx, p.GUID)
		if err != nil {
			return st, err
		}
		st.PerPackage = append(st.PerPackage, *ps)
	}
	return st, nil
}

// PackageStats returns counts for one package.
func (s *SQLiteStore) PackageStats(ctx context.Context, guid string) (*PackageStats, error) {
	p, err := s.GetPackage(ctx, guid)
	if err != nil {
		return nil, err
	}
	ps := &PackageStats{
		GUID:        p.GUID,
		ID:          p.ID,
		Version:     p.Version,
		BuildStatus: p.BuildStatus,
		EdgeStatus:  map[string]int{},
	}
	s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM resources WHERE package_guid = ? AND state = 'ACTIVE'`, guid).Scan(&ps.Active)
	s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM resources WHERE package_guid = ? AND state = 'DELETED'`, guid).Scan(&ps.Deleted)
	s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM web_contents WHERE package_guid = ?`, guid).Scan(&ps.WebContent)

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM edges WHERE package_guid = ? GROUP BY status`, guid)
	if err != nil {
		return ps, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		rows.Scan(&status, &n)
		ps.EdgeStatus[status] = n
	}
	return ps, rows.Err()
}
