package mutate

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/objcat/objcat/internal/catalog"
	"github.com/objcat/objcat/internal/logging"
	"github.com/objcat/objcat/internal/metrics"
	"github.com/objcat/objcat/internal/remote"
)

// downloadChunk is the copy buffer size for downloads; each full buffer
// drives one progress event.
const downloadChunk = 1 << 20

// DownloadParams describes a batch download of selected entries into a
// local directory.
type DownloadParams struct {
	ConnectionID  int64
	IDs           []string
	LocalDir      string
	CorrelationID string
}

// DownloadObjects streams the selected entries to the local directory,
// folders recursively. Each selection lands under LocalDir named by its
// basename, descendants keeping their relative layout. Files transfer
// serially with progress events per chunk; the first failure aborts the
// remaining files, leaving completed ones on disk.
func (e *Engine) DownloadObjects(ctx context.Context, p DownloadParams) error {
	if len(p.IDs) == 0 {
		return nil
	}
	store, err := e.dialConnection(ctx, p.ConnectionID)
	if err != nil {
		return err
	}
	selected, err := e.resolveEntries(ctx, p.ConnectionID, p.IDs)
	if err != nil {
		return err
	}

	type target struct {
		entry *catalog.Entry
		local string
	}
	var targets []target
	seen := make(map[string]struct{})

	for _, sel := range selected {
		// Paths become local-relative by stripping the selection's parent
		// dirname, so a selected folder keeps its name on disk.
		strip := ""
		if sel.Dirname != "" {
			strip = sel.Dirname + "/"
		}

		if !sel.IsFolder() {
			if _, dup := seen[sel.ID]; dup {
				continue
			}
			seen[sel.ID] = struct{}{}
			targets = append(targets, target{sel, relToLocal(p.LocalDir, strings.TrimPrefix(sel.Path, strip))})
			continue
		}

		files, err := e.catalog.DescendantsOf(ctx, p.ConnectionID, sel.Path, catalog.ObjectFile)
		if err != nil {
			return err
		}
		for _, f := range files {
			if _, dup := seen[f.ID]; dup {
				continue
			}
			seen[f.ID] = struct{}{}
			targets = append(targets, target{f, relToLocal(p.LocalDir, strings.TrimPrefix(f.Path, strip))})
		}
	}

	for _, t := range targets {
		if err := e.downloadOne(ctx, store, t.entry, t.local, p.CorrelationID); err != nil {
			e.events.Failed(p.CorrelationID, t.entry.Basename, err)
			return err
		}
	}

	e.events.Complete(p.CorrelationID, nil)
	logging.Info("objects downloaded",
		zap.Int64("connection", p.ConnectionID),
		zap.Int("files", len(targets)),
		zap.String("dir", p.LocalDir))
	return nil
}

func relToLocal(dir, rel string) string {
	return filepath.Join(dir, filepath.FromSlash(rel))
}

func (e *Engine) downloadOne(ctx context.Context, store remote.Store, entry *catalog.Entry, local, correlationID string) error {
	body, meta, err := store.Get(ctx, entry.Path)
	if err != nil {
		return err
	}
	defer body.Close()

	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", local, err)
	}
	out, err := os.Create(local)
	if err != nil {
		return fmt.Errorf("create %s: %w", local, err)
	}
	defer out.Close()

	total := meta.Size
	var loaded int64
	buf := make([]byte, downloadChunk)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				return fmt.Errorf("write %s: %w", local, err)
			}
			loaded += int64(n)
			metrics.RecordBytesDownloaded(int64(n))
			e.events.Progress(correlationID, entry.Basename, loaded, total)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return &remote.TransferError{Op: "get", Key: entry.Path, Err: readErr}
		}
	}

	return out.Close()
}
