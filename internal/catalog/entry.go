// Package catalog provides the local relational index of a remote object
// store's key space, augmented with synthesized folder rows.
package catalog

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ObjectType classifies a catalog entry. Folders sort before files under
// the traversal ordering key (type ASC, basename ASC, id ASC).
type ObjectType int

const (
	ObjectFolder ObjectType = 1
	ObjectFile   ObjectType = 2
)

func (t ObjectType) String() string {
	switch t {
	case ObjectFolder:
		return "folder"
	case ObjectFile:
		return "file"
	default:
		return fmt.Sprintf("ObjectType(%d)", int(t))
	}
}

// StorageClassStandard is the default storage tier reported when the
// remote store omits one.
const StorageClassStandard = "STANDARD"

// Epoch is the lastModified default for entries whose remote descriptor
// carries no modification time (synthesized folders in particular).
var Epoch = time.Unix(0, 0).UTC()

// Entry is one catalog-visible object: either a mirror of a remote key or
// a synthesized folder implied by the key space.
//
// Invariants:
//   - (ConnectionID, Path) is unique among live entries.
//   - Folder paths end in "/", file paths do not; no path has a leading "/".
//   - Dirname and Basename are derived from Path by SplitPath and never
//     set independently.
type Entry struct {
	ID           string     `json:"id"`
	ConnectionID int64      `json:"connectionId"`
	Type         ObjectType `json:"type"`
	Path         string     `json:"path"`
	Dirname      string     `json:"dirname"`
	Basename     string     `json:"basename"`
	LastModified time.Time  `json:"lastModified"`
	Size         int64      `json:"size"`
	StorageClass string     `json:"storageClass"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// SplitPath decomposes a canonical key into its dirname and basename.
//
//	"test.txt"     -> ("", "test.txt")
//	"a/b/"         -> ("a", "b")
//	"a/b/test.txt" -> ("a/b", "test.txt")
func SplitPath(path string) (dirname, basename string) {
	trimmed := strings.TrimSuffix(path, "/")
	if idx := strings.LastIndex(trimmed, "/"); idx >= 0 {
		return trimmed[:idx], trimmed[idx+1:]
	}
	return "", trimmed
}

// NewEntry constructs a normalized entry for the given key. It is the
// single place dirname/basename derivation happens; callers never fill
// those fields by hand.
func NewEntry(connectionID int64, typ ObjectType, path string) (*Entry, error) {
	if path == "" {
		return nil, fmt.Errorf("empty path")
	}
	if strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("path %q must not have a leading slash", path)
	}
	switch typ {
	case ObjectFolder:
		if !strings.HasSuffix(path, "/") {
			return nil, fmt.Errorf("folder path %q must end in a slash", path)
		}
	case ObjectFile:
		if strings.HasSuffix(path, "/") {
			return nil, fmt.Errorf("file path %q must not end in a slash", path)
		}
	default:
		return nil, fmt.Errorf("invalid object type %d", int(typ))
	}

	dirname, basename := SplitPath(path)
	if basename == "" {
		return nil, fmt.Errorf("path %q has no basename", path)
	}

	return &Entry{
		ID:           uuid.NewString(),
		ConnectionID: connectionID,
		Type:         typ,
		Path:         path,
		Dirname:      dirname,
		Basename:     basename,
		LastModified: Epoch,
		StorageClass: StorageClassStandard,
	}, nil
}

// IsFolder reports whether the entry is a folder.
func (e *Entry) IsFolder() bool { return e.Type == ObjectFolder }

// Depth returns the number of path segments, used to order folder
// deletions deepest-first.
func (e *Entry) Depth() int {
	return len(strings.Split(strings.TrimSuffix(e.Path, "/"), "/"))
}
