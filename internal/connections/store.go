// Package connections stores remote store connection profiles and resolves
// them into credentials for the engines. Secret material never appears in
// the public representation.
package connections

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrConnectionNotFound is returned when a connection id cannot be resolved.
// Operations receiving it must abort before any remote or local mutation.
var ErrConnectionNotFound = errors.New("connection not found")

const schema = `
CREATE TABLE IF NOT EXISTS connections (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    name              TEXT NOT NULL,
    endpoint          TEXT NOT NULL DEFAULT '',
    region            TEXT NOT NULL,
    bucket            TEXT NOT NULL,
    access_key_id     TEXT NOT NULL,
    secret_access_key TEXT NOT NULL,
    created_at        TIMESTAMP NOT NULL,
    updated_at        TIMESTAMP NOT NULL
);
`

// Row maps to the connections table.
type Row struct {
	ID              int64
	Name            string
	Endpoint        string // empty for AWS, set for S3-compatible services
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Public is the secret-free representation returned over the API.
type Public struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Endpoint  string    `json:"endpoint,omitempty"`
	Region    string    `json:"region"`
	Bucket    string    `json:"bucket"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Public returns the row without credential material.
func (r *Row) Public() Public {
	return Public{
		ID:        r.ID,
		Name:      r.Name,
		Endpoint:  r.Endpoint,
		Region:    r.Region,
		Bucket:    r.Bucket,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// Store provides CRUD operations for connections.
type Store struct {
	db *sql.DB
}

// NewStore creates the connections store on an existing database handle,
// ensuring its schema.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create connections schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Create inserts a connection and returns it with its assigned id.
func (s *Store) Create(ctx context.Context, r Row) (*Row, error) {
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO connections (name, endpoint, region, bucket, access_key_id, secret_access_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Name, r.Endpoint, r.Region, r.Bucket, r.AccessKeyID, r.SecretAccessKey, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create connection: %w", err)
	}
	r.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create connection: %w", err)
	}
	return &r, nil
}

// Resolve returns the connection for id, or ErrConnectionNotFound.
func (s *Store) Resolve(ctx context.Context, id int64) (*Row, error) {
	var r Row
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, endpoint, region, bucket, access_key_id, secret_access_key, created_at, updated_at
		FROM connections WHERE id = ?`, id).
		Scan(&r.ID, &r.Name, &r.Endpoint, &r.Region, &r.Bucket,
			&r.AccessKeyID, &r.SecretAccessKey, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("connection %d: %w", id, ErrConnectionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve connection %d: %w", id, err)
	}
	return &r, nil
}

// List returns all connections.
func (s *Store) List(ctx context.Context) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, endpoint, region, bucket, access_key_id, secret_access_key, created_at, updated_at
		FROM connections ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.ID, &r.Name, &r.Endpoint, &r.Region, &r.Bucket,
			&r.AccessKeyID, &r.SecretAccessKey, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Update rewrites a connection's mutable fields.
func (s *Store) Update(ctx context.Context, r Row) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE connections
		SET name = ?, endpoint = ?, region = ?, bucket = ?, access_key_id = ?, secret_access_key = ?, updated_at = ?
		WHERE id = ?`,
		r.Name, r.Endpoint, r.Region, r.Bucket, r.AccessKeyID, r.SecretAccessKey, time.Now().UTC(), r.ID)
	if err != nil {
		return fmt.Errorf("update connection %d: %w", r.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("connection %d: %w", r.ID, ErrConnectionNotFound)
	}
	return nil
}

// Delete removes a connection.
func (s *Store) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM connections WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete connection %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("connection %d: %w", id, ErrConnectionNotFound)
	}
	return nil
}
