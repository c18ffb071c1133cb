package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/rcliao/content-engine/internal/model"
)

const timeFormat = time.RFC3339Nano

// SQLiteStore is the relational system of record.
type SQLiteStore struct {
	db  *sql.DB
	log zerolog.Logger

	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy

	enc *zstd.Encoder
	dec *zstd.Decoder

	packages *lru.Cache[string, model.ContentPackage]
	// pkgGen counts package invalidations; a read that overlaps one is
	// not cached.
	pkgGen atomic.Uint64

	txRetries int
	txBackoff time.Duration

	sigMu   sync.Mutex
	signals map[string]chan struct{}
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithLogger sets the store logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *SQLiteStore) { s.log = log }
}

// WithTxRetries caps transparent retries of lock-contended transactions.
func WithTxRetries(n int, backoff time.Duration) Option {
	return func(s *SQLiteStore) {
		s.txRetries = n
		s.txBackoff = backoff
	}
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	cache, _ := lru.New[string, model.ContentPackage](256)

	s := &SQLiteStore{
		db:        db,
		log:       zerolog.Nop(),
		entropy:   ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
		enc:       enc,
		dec:       dec,
		packages:  cache,
		txRetries: 5,
		txBackoff: 20 * time.Millisecond,
		signals:   make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// NewID returns a fresh ULID string.
func (s *SQLiteStore) NewID() string {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS packages (
		guid               TEXT PRIMARY KEY,
		id                 TEXT NOT NULL,
		version            TEXT NOT NULL,
		title              TEXT NOT NULL DEFAULT '',
		description        TEXT NOT NULL DEFAULT '',
		status             TEXT NOT NULL DEFAULT 'DEVELOPING',
		build_status       TEXT NOT NULL DEFAULT 'READY',
		source_location    TEXT NOT NULL DEFAULT '',
		volume_location    TEXT NOT NULL DEFAULT '',
		web_content_volume TEXT NOT NULL DEFAULT '',
		created_at         TEXT NOT NULL,
		updated_at         TEXT NOT NULL,
		UNIQUE (id, version)
	);

	CREATE TABLE IF NOT EXISTS resources (
		guid            TEXT PRIMARY KEY,
		package_guid    TEXT NOT NULL REFERENCES packages(guid) ON DELETE CASCADE,
		id              TEXT NOT NULL,
		type            TEXT NOT NULL,
		state           TEXT NOT NULL DEFAULT 'ACTIVE',
		path_from       TEXT NOT NULL,
		path_to         TEXT NOT NULL,
		volume_location TEXT NOT NULL DEFAULT '',
		mime_type       TEXT NOT NULL DEFAULT '',
		file_size       INTEGER NOT NULL DEFAULT 0,
		last_revision   TEXT,
		last_session    TEXT,
		errors          TEXT,
		created_at      TEXT NOT NULL,
		updated_at      TEXT NOT NULL,
		UNIQUE (package_guid, id)
	);
	CREATE INDEX IF NOT EXISTS idx_resources_path ON resources(package_guid, path_from);

	CREATE TABLE IF NOT EXISTS revision_blobs (
		guid         TEXT PRIMARY KEY,
		json_payload BLOB,
		xml_payload  BLOB,
		hash         TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS revisions (
		guid          TEXT PRIMARY KEY,
		resource_guid TEXT NOT NULL REFERENCES resources(guid) ON DELETE CASCADE,
		parent        TEXT,
		blob_guid     TEXT NOT NULL REFERENCES revision_blobs(guid),
		author        TEXT NOT NULL,
		type          TEXT NOT NULL,
		created_at    TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_revisions_resource ON revisions(resource_guid);

	CREATE TABLE IF NOT EXISTS edges (
		guid             TEXT PRIMARY KEY,
		package_guid     TEXT NOT NULL REFERENCES packages(guid) ON DELETE CASCADE,
		source_id        TEXT NOT NULL,
		destination_id   TEXT NOT NULL,
		source_type      TEXT NOT NULL DEFAULT '',
		destination_type TEXT NOT NULL DEFAULT '',
		relationship     TEXT NOT NULL,
		purpose          TEXT NOT NULL DEFAULT '',
		reference_type   TEXT NOT NULL,
		status           TEXT NOT NULL DEFAULT 'NOT_VALIDATED',
		metadata         TEXT,
		UNIQUE (package_guid, source_id, destination_id, reference_type, purpose)
	);
	CREATE INDEX IF NOT EXISTS idx_edges_source ON edges(package_guid, source_id);
	CREATE INDEX IF NOT EXISTS idx_edges_dest ON edges(package_guid, destination_id);
	CREATE INDEX IF NOT EXISTS idx_edges_status ON edges(package_guid, status);

	CREATE TABLE IF NOT EXISTS package_index (
		guid          TEXT PRIMARY KEY,
		package_guid  TEXT NOT NULL REFERENCES packages(guid) ON DELETE CASCADE,
		kind          TEXT NOT NULL,
		domain_id     TEXT NOT NULL,
		resource_guid TEXT NOT NULL DEFAULT '',
		body          TEXT,
		UNIQUE (package_guid, kind, domain_id)
	);
	CREATE INDEX IF NOT EXISTS idx_index_resource ON package_index(resource_guid);

	CREATE TABLE IF NOT EXISTS web_contents (
		guid            TEXT PRIMARY KEY,
		package_guid    TEXT NOT NULL REFERENCES packages(guid) ON DELETE CASCADE,
		path_from       TEXT NOT NULL,
		path_to         TEXT NOT NULL,
		volume_location TEXT NOT NULL DEFAULT '',
		mime_type       TEXT NOT NULL DEFAULT '',
		file_size       INTEGER NOT NULL DEFAULT 0,
		hash            TEXT NOT NULL DEFAULT '',
		UNIQUE (package_guid, path_from)
	);
	CREATE INDEX IF NOT EXISTS idx_webcontent_to ON web_contents(package_guid, path_to);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the store.
func (s *SQLiteStore) Close() error {
	s.enc.Close()
	s.dec.Close()
	return s.db.Close()
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx exposes store operations bound to one unit of work.
type Tx struct {
	q querier
	s *SQLiteStore

	// invalidate collects package guids whose cached rows must be dropped on commit.
	invalidate []string
}

// View returns a non-transactional handle for reads and single statements.
func (s *SQLiteStore) View() *Tx {
	return &Tx{q: s.db, s: s}
}

// WithTx runs fn inside a transaction. Lock-contention failures roll back and
// retry with exponential backoff up to the configured cap; any other error
// aborts immediately.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = s.runTx(ctx, fn)
		if err == nil || !isBusy(err) || attempt >= s.txRetries {
			return err
		}
		delay := time.Duration(float64(s.txBackoff) * math.Pow(2, float64(attempt)))
		s.log.Debug().Err(err).Int("attempt", attempt+1).Dur("delay", delay).Msg("retrying contended transaction")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (s *SQLiteStore) runTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer sqlTx.Rollback()

	tx := &Tx{q: sqlTx, s: s}
	if err := fn(tx); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return err
	}
	for _, guid := range tx.invalidate {
		s.forgetPackage(guid)
	}
	return nil
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

type scanner interface {
	Scan(dest ...any) error
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeFormat, s)
	return t
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

func stringArgs(vals []string) []any {
	args := make([]any, len(vals))
	for i, v := range vals {
		args[i] = v
	}
	return args
}
