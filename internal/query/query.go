// Package query serves hierarchy-scoped, keyword-filtered, cursor-paginated
// reads against the catalog index. It never mutates entries.
package query

import (
	"context"
	"fmt"
	"time"

	"github.com/objcat/objcat/internal/catalog"
	"github.com/objcat/objcat/internal/metrics"
)

const defaultLimit = 50

// CursorNotFoundError is returned when the `after` cursor references an
// entry that does not exist.
type CursorNotFoundError struct {
	ID string
}

func (e CursorNotFoundError) Error() string {
	return fmt.Sprintf("cursor %s: not found", e.ID)
}

// Params describes one paginated listing request.
type Params struct {
	ConnectionID int64
	Dirname      string
	Keyword      string
	After        string // id of the last entry of the previous page
	Limit        int
}

// Page is one page of results. HasNextPage is derived by fetching one row
// past the limit, avoiding a separate count query.
type Page struct {
	HasNextPage bool             `json:"hasNextPage"`
	Items       []*catalog.Entry `json:"items"`
}

// Engine answers catalog listing queries.
type Engine struct {
	catalog *catalog.Store
}

// New creates a query engine over a catalog handle.
func New(cat *catalog.Store) *Engine {
	return &Engine{catalog: cat}
}

// GetObjects lists catalog entries under a dirname in traversal order
// (type ASC, basename ASC, id ASC): folders before files, then by name.
//
// Without a keyword the scope is the exact dirname. A keyword widens the
// scope to the whole subtree under dirname (prefix match), since keyword
// search is not folder-depth-limited; with an empty dirname that is the
// whole connection. Plus terms must all appear as path substrings, minus
// terms must not appear; matching is case-insensitive per the index's
// text comparison.
func (e *Engine) GetObjects(ctx context.Context, p Params) (*Page, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_objects", time.Since(start)) }()

	limit := p.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	kw := ParseKeyword(p.Keyword)

	q := `SELECT id, connection_id, type, path, dirname, basename, last_modified, size, storage_class, updated_at
		FROM objects WHERE connection_id = ?`
	args := []any{p.ConnectionID}

	if kw.Empty() {
		q += ` AND dirname = ?`
		args = append(args, p.Dirname)
	} else {
		q += ` AND dirname LIKE ? ESCAPE '\'`
		args = append(args, catalog.EscapeLike(p.Dirname)+"%")
	}

	for _, term := range kw.Plus {
		q += ` AND path LIKE ? ESCAPE '\'`
		args = append(args, "%"+catalog.EscapeLike(term)+"%")
	}
	for _, term := range kw.Minus {
		q += ` AND path NOT LIKE ? ESCAPE '\'`
		args = append(args, "%"+catalog.EscapeLike(term)+"%")
	}

	if p.After != "" {
		cursor, err := e.catalog.GetByID(ctx, p.After)
		if err != nil {
			return nil, err
		}
		if cursor == nil {
			return nil, CursorNotFoundError{ID: p.After}
		}
		q += ` AND (type > ?
			OR (type = ? AND basename > ?)
			OR (type = ? AND basename = ? AND id > ?))`
		args = append(args,
			int(cursor.Type),
			int(cursor.Type), cursor.Basename,
			int(cursor.Type), cursor.Basename, cursor.ID)
	}

	q += ` ORDER BY type ASC, basename ASC, id ASC LIMIT ?`
	args = append(args, limit+1)

	rows, err := e.catalog.DB().QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query objects: %w", err)
	}
	defer rows.Close()

	var items []*catalog.Entry
	for rows.Next() {
		var entry catalog.Entry
		var typ int
		if err := rows.Scan(&entry.ID, &entry.ConnectionID, &typ, &entry.Path,
			&entry.Dirname, &entry.Basename, &entry.LastModified, &entry.Size,
			&entry.StorageClass, &entry.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan object: %w", err)
		}
		entry.Type = catalog.ObjectType(typ)
		entry.LastModified = entry.LastModified.UTC()
		entry.UpdatedAt = entry.UpdatedAt.UTC()
		items = append(items, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query objects: %w", err)
	}

	page := &Page{HasNextPage: len(items) > limit}
	if page.HasNextPage {
		items = items[:limit]
	}
	page.Items = items
	return page, nil
}
