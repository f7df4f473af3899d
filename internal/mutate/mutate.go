// Package mutate creates, copies, moves and deletes catalog objects,
// expanding folder references into leaf-level remote and index operations.
package mutate

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/objcat/objcat/internal/catalog"
	"github.com/objcat/objcat/internal/connections"
	"github.com/objcat/objcat/internal/events"
	"github.com/objcat/objcat/internal/logging"
	"github.com/objcat/objcat/internal/remote"
)

// Engine applies mutations to the remote store and the catalog index,
// keeping them convergent. Operations validate before any side effect;
// partial remote failures are surfaced with enough context to know what
// was already committed. Callers are expected to serialize operations
// touching the same (connection, path) set.
type Engine struct {
	catalog     *catalog.Store
	connections *connections.Store
	dial        remote.DialFunc
	events      *events.Broadcaster

	uploads sync.WaitGroup
}

// New creates a mutation engine.
func New(cat *catalog.Store, conns *connections.Store, dial remote.DialFunc, broadcaster *events.Broadcaster) *Engine {
	return &Engine{
		catalog:     cat,
		connections: conns,
		dial:        dial,
		events:      broadcaster,
	}
}

// Wait blocks until all background uploads have finished. Called on
// shutdown and by tests.
func (e *Engine) Wait() {
	e.uploads.Wait()
}

// dialConnection resolves a connection and builds its remote store. A
// resolution failure aborts the calling operation before any side effect.
func (e *Engine) dialConnection(ctx context.Context, connectionID int64) (remote.Store, error) {
	conn, err := e.connections.Resolve(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	return e.dial(ctx, remote.Config{
		Endpoint:        conn.Endpoint,
		Region:          conn.Region,
		Bucket:          conn.Bucket,
		AccessKeyID:     conn.AccessKeyID,
		SecretAccessKey: conn.SecretAccessKey,
	})
}

// CreateFolder creates a folder entry under dirname and writes the
// zero-length marker object remotely. A non-empty dirname must already
// exist as a folder in the catalog. If the remote write fails the local
// row is rolled back.
func (e *Engine) CreateFolder(ctx context.Context, connectionID int64, dirname, basename string) (*catalog.Entry, error) {
	store, err := e.dialConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}

	path := basename + "/"
	if dirname != "" {
		path = dirname + "/" + basename + "/"
		parent, err := e.catalog.GetByPath(ctx, connectionID, dirname+"/")
		if err != nil {
			return nil, err
		}
		if parent == nil || !parent.IsFolder() {
			return nil, ParentNotFoundError{Dirname: dirname}
		}
	}

	entry, err := catalog.NewEntry(connectionID, catalog.ObjectFolder, path)
	if err != nil {
		return nil, err
	}
	if err := e.catalog.Insert(ctx, entry); err != nil {
		return nil, err
	}

	if _, err := store.Put(ctx, path, bytes.NewReader(nil), 0, remote.PutOptions{}); err != nil {
		if _, rbErr := e.catalog.Delete(ctx, []string{entry.ID}); rbErr != nil {
			return nil, fmt.Errorf("remote write failed and local rollback failed (%v): %w", rbErr, err)
		}
		return nil, err
	}

	logging.Info("folder created",
		zap.Int64("connection", connectionID), zap.String("path", path))
	return entry, nil
}

// CreateFileParams describes an upload of a local file into a catalog
// folder.
type CreateFileParams struct {
	ConnectionID  int64
	Dirname       string
	LocalPath     string
	CorrelationID string // tags progress/completion events
}

// CreateFile creates the catalog row synchronously and returns it; the
// remote upload proceeds in the background, emitting progress events
// tagged with the correlation id. When the upload completes the remote
// object is re-headed and the row's size and lastModified are refreshed;
// a completion event carries the refreshed entry.
func (e *Engine) CreateFile(ctx context.Context, p CreateFileParams) (*catalog.Entry, error) {
	store, err := e.dialConnection(ctx, p.ConnectionID)
	if err != nil {
		return nil, err
	}

	basename := filepath.Base(p.LocalPath)
	path := basename
	if p.Dirname != "" {
		path = p.Dirname + "/" + basename
		parent, err := e.catalog.GetByPath(ctx, p.ConnectionID, p.Dirname+"/")
		if err != nil {
			return nil, err
		}
		if parent == nil || !parent.IsFolder() {
			return nil, ParentNotFoundError{Dirname: p.Dirname}
		}
	}

	f, err := os.Open(p.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", p.LocalPath, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", p.LocalPath, err)
	}
	total := info.Size()

	entry, err := catalog.NewEntry(p.ConnectionID, catalog.ObjectFile, path)
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := e.catalog.Insert(ctx, entry); err != nil {
		f.Close()
		return nil, err
	}

	// The upload outlives the request; cancellation of the originating
	// context must not abort a transfer that was already acknowledged.
	uploadCtx := context.WithoutCancel(ctx)
	e.uploads.Add(1)
	go func() {
		defer e.uploads.Done()
		defer f.Close()
		e.runUpload(uploadCtx, store, entry, f, total, basename, p.CorrelationID)
	}()

	return entry, nil
}

func (e *Engine) runUpload(ctx context.Context, store remote.Store, entry *catalog.Entry, f *os.File, total int64, basename, correlationID string) {
	opts := remote.PutOptions{
		ContentType: mime.TypeByExtension(filepath.Ext(basename)),
		OnProgress: func(loaded, _ int64) {
			e.events.Progress(correlationID, basename, loaded, total)
		},
	}

	if _, err := store.Put(ctx, entry.Path, f, total, opts); err != nil {
		logging.Error("background upload failed",
			zap.String("path", entry.Path), zap.Error(err))
		e.events.Failed(correlationID, basename, err)
		return
	}

	meta, err := store.Head(ctx, entry.Path)
	if err != nil {
		logging.Warn("head after upload failed",
			zap.String("path", entry.Path), zap.Error(err))
	} else if err := e.catalog.UpdateObjectMeta(ctx, entry.ID, meta.Size, meta.LastModified); err != nil {
		logging.Warn("refresh after upload failed",
			zap.String("path", entry.Path), zap.Error(err))
	}

	refreshed, err := e.catalog.GetByID(ctx, entry.ID)
	if err != nil || refreshed == nil {
		refreshed = entry
	}
	e.events.Complete(correlationID, refreshed)
}

// resolveEntries maps ids to catalog entries for one connection. Any
// unknown or out-of-scope id fails the whole operation.
func (e *Engine) resolveEntries(ctx context.Context, connectionID int64, ids []string) ([]*catalog.Entry, error) {
	found, err := e.catalog.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*catalog.Entry, len(found))
	for _, entry := range found {
		if entry.ConnectionID == connectionID {
			byID[entry.ID] = entry
		}
	}

	entries := make([]*catalog.Entry, 0, len(ids))
	for _, id := range ids {
		entry, ok := byID[id]
		if !ok {
			return nil, ObjectNotFoundError{ID: id}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
