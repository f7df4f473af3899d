// Package syncer reconciles the catalog index for one connection with the
// remote store's current flat key listing.
package syncer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/objcat/objcat/internal/catalog"
	"github.com/objcat/objcat/internal/connections"
	"github.com/objcat/objcat/internal/logging"
	"github.com/objcat/objcat/internal/metrics"
	"github.com/objcat/objcat/internal/remote"
)

// Engine runs full catalog syncs.
type Engine struct {
	catalog     *catalog.Store
	connections *connections.Store
	dial        remote.DialFunc
}

// New creates a sync engine.
func New(cat *catalog.Store, conns *connections.Store, dial remote.DialFunc) *Engine {
	return &Engine{catalog: cat, connections: conns, dial: dial}
}

// Sync brings the catalog for one connection into agreement with the
// remote listing: accumulate all pages, synthesize folder entries from key
// prefixes, upsert the surviving set in one batch, then evict rows whose
// watermark predates the sync start. A listing or upsert failure aborts
// before any eviction; the next sync self-heals.
func (e *Engine) Sync(ctx context.Context, connectionID int64) error {
	syncStart := time.Now().UTC()

	conn, err := e.connections.Resolve(ctx, connectionID)
	if err != nil {
		return err
	}
	store, err := e.dial(ctx, remote.Config{
		Endpoint:        conn.Endpoint,
		Region:          conn.Region,
		Bucket:          conn.Bucket,
		AccessKeyID:     conn.AccessKeyID,
		SecretAccessKey: conn.SecretAccessKey,
	})
	if err != nil {
		return err
	}

	var descriptors []remote.ObjectDescriptor
	token := ""
	for {
		page, err := store.List(ctx, token)
		if err != nil {
			return fmt.Errorf("sync connection %d: %w", connectionID, err)
		}
		descriptors = append(descriptors, page.Entries...)
		if page.NextToken == "" {
			break
		}
		token = page.NextToken
	}

	entries := buildEntries(connectionID, descriptors)

	if err := e.catalog.UpsertBatch(ctx, entries); err != nil {
		return fmt.Errorf("sync connection %d: %w", connectionID, err)
	}

	evicted, err := e.catalog.DeleteStale(ctx, connectionID, syncStart)
	if err != nil {
		return fmt.Errorf("sync connection %d: %w", connectionID, err)
	}

	if count, err := e.catalog.Count(ctx, connectionID); err == nil {
		metrics.SetCatalogSize(connectionID, count)
	}
	metrics.RecordSync(time.Since(syncStart), int64(len(entries)), evicted)

	logging.Info("catalog sync completed",
		zap.Int64("connection", connectionID),
		zap.Int("listed", len(descriptors)),
		zap.Int("upserted", len(entries)),
		zap.Int64("evicted", evicted),
		zap.Duration("duration", time.Since(syncStart)))

	return nil
}

// buildEntries converts remote descriptors into catalog entries,
// synthesizing folder entries for every proper path prefix and dropping
// duplicate folders. First occurrence wins: an explicit folder marker or
// an earlier synthesized ancestor takes precedence over later duplicates.
func buildEntries(connectionID int64, descriptors []remote.ObjectDescriptor) []*catalog.Entry {
	seen := make(map[string]struct{}, len(descriptors))
	var entries []*catalog.Entry

	accept := func(typ catalog.ObjectType, d remote.ObjectDescriptor) {
		entry, err := catalog.NewEntry(connectionID, typ, d.Key)
		if err != nil {
			logging.Warn("skipping unrepresentable remote key",
				zap.String("key", d.Key), zap.Error(err))
			return
		}
		if !d.LastModified.IsZero() {
			entry.LastModified = d.LastModified.UTC()
		}
		if typ == catalog.ObjectFile {
			entry.Size = d.Size
		}
		if d.StorageClass != "" {
			entry.StorageClass = d.StorageClass
		}
		seen[d.Key] = struct{}{}
		entries = append(entries, entry)
	}

	for _, d := range descriptors {
		if strings.HasSuffix(d.Key, "/") {
			if _, dup := seen[d.Key]; !dup {
				accept(catalog.ObjectFolder, d)
			}
		} else {
			accept(catalog.ObjectFile, d)
		}

		for _, prefix := range ancestorFolders(d.Key) {
			if _, dup := seen[prefix]; dup {
				continue
			}
			accept(catalog.ObjectFolder, remote.ObjectDescriptor{Key: prefix})
		}
	}

	return entries
}

// ancestorFolders returns the folder keys implied by every proper path
// prefix of key, shallowest first: "a/b/c.txt" -> ["a/", "a/b/"].
func ancestorFolders(key string) []string {
	trimmed := strings.TrimSuffix(key, "/")
	pieces := strings.Split(trimmed, "/")
	if len(pieces) < 2 {
		return nil
	}
	prefixes := make([]string, 0, len(pieces)-1)
	for i := 1; i < len(pieces); i++ {
		prefixes = append(prefixes, strings.Join(pieces[:i], "/")+"/")
	}
	return prefixes
}
