package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/objcat/objcat/internal/metrics"
)

// schema contains the SQL statements to create the catalog index schema.
const schema = `
CREATE TABLE IF NOT EXISTS objects (
    id            TEXT PRIMARY KEY,
    connection_id INTEGER NOT NULL,
    type          INTEGER NOT NULL,
    path          TEXT NOT NULL,
    dirname       TEXT NOT NULL,
    basename      TEXT NOT NULL COLLATE NOCASE,
    last_modified TIMESTAMP NOT NULL,
    size          INTEGER NOT NULL DEFAULT 0,
    storage_class TEXT NOT NULL DEFAULT 'STANDARD',
    updated_at    TIMESTAMP NOT NULL,
    UNIQUE (connection_id, path)
);

CREATE INDEX IF NOT EXISTS idx_objects_connection ON objects(connection_id);
CREATE INDEX IF NOT EXISTS idx_objects_path ON objects(path);
CREATE INDEX IF NOT EXISTS idx_objects_updated_at ON objects(updated_at);
CREATE INDEX IF NOT EXISTS idx_objects_listing ON objects(dirname, type, basename, id);
`

const entryColumns = `id, connection_id, type, path, dirname, basename, last_modified, size, storage_class, updated_at`

// Store is a SQLite-backed catalog index. It is an explicit handle: open
// it once per process, pass it to the engines, close it on shutdown.
type Store struct {
	db *sql.DB
}

// Open opens (and if necessary creates) the catalog index at the given
// storage location. ":memory:" opens a transient in-memory index.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	// SQLite allows a single writer; a pool of one connection keeps the
	// engines serialized at the database boundary and makes ":memory:"
	// behave like a file.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA foreign_keys = ON`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create catalog schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for use by other packages.
func (s *Store) DB() *sql.DB {
	return s.db
}

// EscapeLike escapes LIKE metacharacters in a literal term so it can be
// embedded in a pattern with ESCAPE '\'. The prefix/substring contract of
// the callers must not depend on wildcards smuggled in via user input.
func EscapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

// UpsertBatch inserts or refreshes entries keyed by (connection_id, path)
// inside a single transaction. Existing rows keep their id; type,
// last_modified, size, storage_class and updated_at are refreshed.
// The batch is all-or-nothing: any failure rolls the whole batch back.
func (s *Store) UpsertBatch(ctx context.Context, entries []*Entry) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("upsert_batch", time.Since(start)) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO objects (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (connection_id, path) DO UPDATE SET
			type          = excluded.type,
			last_modified = excluded.last_modified,
			size          = excluded.size,
			storage_class = excluded.storage_class,
			updated_at    = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, e := range entries {
		e.UpdatedAt = now
		if _, err := stmt.ExecContext(ctx,
			e.ID, e.ConnectionID, int(e.Type), e.Path, e.Dirname, e.Basename,
			e.LastModified, e.Size, e.StorageClass, e.UpdatedAt); err != nil {
			return fmt.Errorf("upsert %s: %w", e.Path, err)
		}
	}

	return tx.Commit()
}

// Upsert inserts or refreshes a single entry keyed by (connection_id, path).
func (s *Store) Upsert(ctx context.Context, e *Entry) error {
	return s.UpsertBatch(ctx, []*Entry{e})
}

// Insert creates a new row. It fails if (connection_id, path) already exists.
func (s *Store) Insert(ctx context.Context, e *Entry) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("insert", time.Since(start)) }()

	e.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO objects (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ConnectionID, int(e.Type), e.Path, e.Dirname, e.Basename,
		e.LastModified, e.Size, e.StorageClass, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert %s: %w", e.Path, err)
	}
	return nil
}

// UpdateObjectMeta refreshes size and last_modified for one row, typically
// after an upload completes and the remote object has been re-headed.
func (s *Store) UpdateObjectMeta(ctx context.Context, id string, size int64, lastModified time.Time) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("update_meta", time.Since(start)) }()

	_, err := s.db.ExecContext(ctx, `
		UPDATE objects SET size = ?, last_modified = ?, updated_at = ?
		WHERE id = ?`,
		size, lastModified.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update meta %s: %w", id, err)
	}
	return nil
}

// GetByID returns one entry, or nil if the id is unknown.
func (s *Store) GetByID(ctx context.Context, id string) (*Entry, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_by_id", time.Since(start)) }()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM objects WHERE id = ?`, id)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entry %s: %w", id, err)
	}
	return e, nil
}

// GetByIDs returns the entries for the given ids, in no particular order.
// Ids with no row are simply absent from the result.
func (s *Store) GetByIDs(ctx context.Context, ids []string) ([]*Entry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_by_ids", time.Since(start)) }()

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM objects WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("get entries: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// GetByPath returns the entry for an exact (connection, path) pair, or nil.
func (s *Store) GetByPath(ctx context.Context, connectionID int64, path string) (*Entry, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_by_path", time.Since(start)) }()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM objects WHERE connection_id = ? AND path = ?`,
		connectionID, path)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entry %s: %w", path, err)
	}
	return e, nil
}

// DescendantsOf returns all rows whose path starts with prefix, ordered by
// path ascending. typ filters to one object type; pass 0 for both. The
// contract is plain string-prefix matching: LIKE metacharacters in the
// prefix are escaped first.
func (s *Store) DescendantsOf(ctx context.Context, connectionID int64, prefix string, typ ObjectType) ([]*Entry, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("descendants_of", time.Since(start)) }()

	q := `SELECT ` + entryColumns + ` FROM objects
		WHERE connection_id = ? AND path LIKE ? ESCAPE '\'`
	args := []any{connectionID, EscapeLike(prefix) + "%"}
	if typ != 0 {
		q += ` AND type = ?`
		args = append(args, int(typ))
	}
	q += ` ORDER BY path ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("descendants of %s: %w", prefix, err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// Delete removes rows by id and returns the number removed.
func (s *Store) Delete(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	start := time.Now()
	defer func() { metrics.RecordDBQuery("delete", time.Since(start)) }()

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM objects WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("delete entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteStale evicts rows for one connection whose updated_at predates the
// sync watermark. Returns the number of rows evicted.
func (s *Store) DeleteStale(ctx context.Context, connectionID int64, before time.Time) (int64, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("delete_stale", time.Since(start)) }()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM objects WHERE connection_id = ? AND updated_at < ?`,
		connectionID, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("evict stale entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Count returns the number of entries for one connection.
func (s *Store) Count(ctx context.Context, connectionID int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM objects WHERE connection_id = ?`, connectionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var typ int
	if err := row.Scan(&e.ID, &e.ConnectionID, &typ, &e.Path, &e.Dirname,
		&e.Basename, &e.LastModified, &e.Size, &e.StorageClass, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Type = ObjectType(typ)
	e.LastModified = e.LastModified.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return &e, nil
}

func collectEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
