// Package remote abstracts the remote flat key-value object store consumed
// by the sync and mutation engines.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ObjectDescriptor is the remote store's view of one key. It is sync input
// only and is never persisted directly.
type ObjectDescriptor struct {
	Key          string
	Size         int64
	LastModified time.Time
	StorageClass string
}

// ListPage is one page of the flat key space. Callers drive full
// enumeration by following NextToken until it is empty.
type ListPage struct {
	Entries   []ObjectDescriptor
	NextToken string
}

// ObjectMeta is per-object metadata from head/get/put calls.
type ObjectMeta struct {
	Size         int64
	LastModified time.Time
	ContentType  string
	StorageClass string
}

// DeleteResult is the per-key outcome of a batch delete.
type DeleteResult struct {
	Key string
	Err error
}

// ProgressFunc observes transfer progress. total may be 0 when the size is
// unknown up front.
type ProgressFunc func(loaded, total int64)

// PutOptions carries optional upload parameters.
type PutOptions struct {
	ContentType string
	OnProgress  ProgressFunc
}

// Store is the capability interface over the remote object store. All
// methods operate within one connection's bucket scope.
type Store interface {
	// List returns one page of the flat key space.
	List(ctx context.Context, continuationToken string) (*ListPage, error)
	// Head returns metadata for a single key, or a NotFoundError.
	Head(ctx context.Context, key string) (*ObjectMeta, error)
	// Get streams the content of a single key.
	Get(ctx context.Context, key string) (io.ReadCloser, *ObjectMeta, error)
	// Put uploads content to a key. size may be 0 for empty marker objects.
	Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) (*ObjectMeta, error)
	// Copy duplicates srcKey to dstKey within the bucket.
	Copy(ctx context.Context, srcKey, dstKey string) error
	// DeleteMany removes keys in batch, reporting a per-key outcome.
	DeleteMany(ctx context.Context, keys []string) ([]DeleteResult, error)
}

// Config holds the connection-derived credential and bucket context a
// Store is built from.
type Config struct {
	Endpoint        string // empty for AWS, set for S3-compatible services
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
}

// DialFunc builds a Store for one connection. Engines hold a DialFunc so
// tests can substitute fakes.
type DialFunc func(ctx context.Context, cfg Config) (Store, error)

// ErrNotFound is the sentinel under NotFoundError.
var ErrNotFound = errors.New("object not found")

// NotFoundError conveys that a specific object key was not found remotely.
type NotFoundError struct {
	Key string
}

func (e NotFoundError) Error() string {
	if e.Key == "" {
		return "object not found"
	}
	return fmt.Sprintf("%s: not found", e.Key)
}

func (e NotFoundError) Unwrap() error {
	return ErrNotFound
}

// IsNotFound reports whether err represents a missing remote object.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// TransferError wraps a failed remote operation with its context.
type TransferError struct {
	Op  string
	Key string
	Err error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("remote %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}
