// Package store provides the relational system of record for content
// packages and its SQLite implementation.
package store

import (
	"context"

	"github.com/rcliao/content-engine/internal/model"
)

// Store is what engine components need from the system of record. Row-level
// operations live on *Tx so callers can compose them into one unit of work.
type Store interface {
	// WithTx runs fn in a transaction, retrying lock contention.
	WithTx(ctx context.Context, fn func(tx *Tx) error) error

	// View returns a non-transactional handle.
	View() *Tx

	// NewID returns a fresh row guid.
	NewID() string

	CreatePackage(ctx context.Context, p *model.ContentPackage) error
	GetPackage(ctx context.Context, guid string) (*model.ContentPackage, error)
	FindPackage(ctx context.Context, id, version string) (*model.ContentPackage, error)
	DeletePackage(ctx context.Context, guid string) error
	SetBuildStatus(ctx context.Context, guid, status string) error

	// WaitForPackage blocks until a package row is committed.
	WaitForPackage(ctx context.Context, guid string) (*model.ContentPackage, error)

	Close() error
}

var _ Store = (*SQLiteStore)(nil)
