package mutate

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/objcat/objcat/internal/catalog"
	"github.com/objcat/objcat/internal/logging"
	"github.com/objcat/objcat/internal/remote"
)

// expandSelection resolves ids and expands every folder into its full
// descendant set, the folder's own row included. The result is deduped by
// id; order is resolution order then descendant path order.
func (e *Engine) expandSelection(ctx context.Context, connectionID int64, ids []string) ([]*catalog.Entry, error) {
	selected, err := e.resolveEntries(ctx, connectionID, ids)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(selected))
	var expanded []*catalog.Entry
	add := func(entry *catalog.Entry) {
		if _, dup := seen[entry.ID]; dup {
			return
		}
		seen[entry.ID] = struct{}{}
		expanded = append(expanded, entry)
	}

	for _, entry := range selected {
		if !entry.IsFolder() {
			add(entry)
			continue
		}
		descendants, err := e.catalog.DescendantsOf(ctx, connectionID, entry.Path, 0)
		if err != nil {
			return nil, err
		}
		for _, d := range descendants {
			add(d)
		}
	}
	return expanded, nil
}

// DeleteObjects removes the selected entries remotely and from the
// catalog. Folders expand to their whole subtree. Files are deleted
// before folder markers, and deeper folders before their ancestors, so a
// partial failure never orphans children under a vanished parent. Rows
// are only removed locally for keys the remote confirmed deleted; the
// first per-key failure is returned alongside the count of rows removed.
func (e *Engine) DeleteObjects(ctx context.Context, connectionID int64, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	store, err := e.dialConnection(ctx, connectionID)
	if err != nil {
		return 0, err
	}
	targets, err := e.expandSelection(ctx, connectionID, ids)
	if err != nil {
		return 0, err
	}

	var files, folders []*catalog.Entry
	for _, entry := range targets {
		if entry.IsFolder() {
			folders = append(folders, entry)
		} else {
			files = append(files, entry)
		}
	}
	sort.Slice(folders, func(i, j int) bool {
		if folders[i].Depth() != folders[j].Depth() {
			return folders[i].Depth() > folders[j].Depth()
		}
		return folders[i].Path > folders[j].Path
	})

	var removed int64
	for _, batch := range [][]*catalog.Entry{files, folders} {
		n, err := e.deleteBatch(ctx, store, batch)
		removed += n
		if err != nil {
			return removed, err
		}
	}

	logging.Info("objects deleted",
		zap.Int64("connection", connectionID),
		zap.Int("selected", len(ids)),
		zap.Int64("removed", removed))
	return removed, nil
}

// deleteBatch deletes one group of entries remotely and drops the local
// rows for the keys that succeeded. Returns the rows removed and the
// first per-key failure, if any.
func (e *Engine) deleteBatch(ctx context.Context, store remote.Store, entries []*catalog.Entry) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	byKey := make(map[string]*catalog.Entry, len(entries))
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		byKey[entry.Path] = entry
		keys = append(keys, entry.Path)
	}

	results, err := store.DeleteMany(ctx, keys)
	if err != nil {
		return 0, err
	}

	var succeeded []string
	var firstErr error
	for _, r := range results {
		if r.Err != nil {
			if firstErr == nil {
				firstErr = r.Err
			}
			continue
		}
		if entry, ok := byKey[r.Key]; ok {
			succeeded = append(succeeded, entry.ID)
		}
	}

	removed, delErr := e.catalog.Delete(ctx, succeeded)
	if firstErr != nil {
		return removed, firstErr
	}
	return removed, delErr
}

// CopyParams describes a batch copy (or move, when Move is set) of
// selected entries into a target folder.
type CopyParams struct {
	ConnectionID  int64
	SourceIDs     []string
	TargetDirname string // "" for the bucket root
	Move          bool
}

// CopyObjects copies the selected entries into the target folder, folders
// recursively. Destination keys join the target prefix with each source's
// basename-relative path. Items are copied serially; on failure the
// entries already created are returned together with a PartialBatchFailure
// naming what was committed. With Move set, a fully successful copy is
// followed by deletion of the sources; a delete failure also returns the
// created entries.
func (e *Engine) CopyObjects(ctx context.Context, p CopyParams) ([]*catalog.Entry, error) {
	if len(p.SourceIDs) == 0 {
		return nil, nil
	}
	store, err := e.dialConnection(ctx, p.ConnectionID)
	if err != nil {
		return nil, err
	}
	sources, err := e.resolveEntries(ctx, p.ConnectionID, p.SourceIDs)
	if err != nil {
		return nil, err
	}

	targetPrefix := ""
	if p.TargetDirname != "" {
		targetPrefix = p.TargetDirname + "/"
	}

	var created []*catalog.Entry
	abort := func(err error) ([]*catalog.Entry, error) {
		completed := make([]string, 0, len(created))
		for _, entry := range created {
			completed = append(completed, entry.Path)
		}
		return created, &PartialBatchFailure{Completed: completed, Err: err}
	}

	for _, src := range sources {
		if !src.IsFolder() {
			entry, err := e.copyOne(ctx, store, src, targetPrefix+src.Basename)
			if err != nil {
				return abort(err)
			}
			created = append(created, entry)
			continue
		}

		descendants, err := e.catalog.DescendantsOf(ctx, p.ConnectionID, src.Path, 0)
		if err != nil {
			return abort(err)
		}
		// Ascending path order creates each folder marker before the
		// entries beneath it. The source folder's own row strips to the
		// target prefix itself; at the bucket root that is no key at all.
		for _, d := range descendants {
			dest := targetPrefix + strings.TrimPrefix(d.Path, src.Path)
			if dest == "" {
				continue
			}
			entry, err := e.copyOne(ctx, store, d, dest)
			if err != nil {
				return abort(err)
			}
			created = append(created, entry)
		}
	}

	if p.Move {
		if _, err := e.DeleteObjects(ctx, p.ConnectionID, dedupe(p.SourceIDs)); err != nil {
			return created, err
		}
	}

	logging.Info("objects copied",
		zap.Int64("connection", p.ConnectionID),
		zap.Int("sources", len(sources)),
		zap.Int("created", len(created)),
		zap.Bool("move", p.Move))
	return created, nil
}

// copyOne copies a single entry remotely and upserts its destination row,
// carrying over metadata refreshed from the remote copy when available.
func (e *Engine) copyOne(ctx context.Context, store remote.Store, src *catalog.Entry, destKey string) (*catalog.Entry, error) {
	if err := store.Copy(ctx, src.Path, destKey); err != nil {
		return nil, err
	}

	entry, err := catalog.NewEntry(src.ConnectionID, src.Type, destKey)
	if err != nil {
		return nil, err
	}
	entry.LastModified = src.LastModified
	entry.Size = src.Size
	entry.StorageClass = src.StorageClass

	if meta, err := store.Head(ctx, destKey); err == nil {
		entry.Size = meta.Size
		if !meta.LastModified.IsZero() {
			entry.LastModified = meta.LastModified.UTC()
		}
		if meta.StorageClass != "" {
			entry.StorageClass = meta.StorageClass
		}
	}

	if err := e.catalog.Upsert(ctx, entry); err != nil {
		return nil, err
	}

	// The destination may have existed already; the upsert then kept the
	// prior id, so re-read the canonical row.
	canonical, err := e.catalog.GetByPath(ctx, src.ConnectionID, destKey)
	if err != nil {
		return nil, err
	}
	if canonical == nil {
		canonical = entry
	}
	return canonical, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
