// Package content stores the bytes of local file versions. Metadata lives
// in the database; a Backend only ever sees opaque object keys.
package content

import (
	"context"
	"fmt"
	"io"
	"io/fs"
)

// ErrObjectNotFound is wrapped by every backend when a key has no object.
var ErrObjectNotFound = fs.ErrNotExist

// Backend is the interface for content storage backends.
type Backend interface {
	// GetObject retrieves an object by key with optional range support.
	// If offset=0 and length=0, the entire object is returned.
	GetObject(ctx context.Context, key string, offset, length int64) (io.ReadCloser, int64, error)

	// PutObject uploads content to the given key. size may be -1 when unknown.
	PutObject(ctx context.Context, key string, body io.Reader, size int64) error

	// DeleteObject removes an object by key. Missing objects are not an error.
	DeleteObject(ctx context.Context, key string) error

	// CopyObject copies an object from srcKey to dstKey.
	CopyObject(ctx context.Context, srcKey, dstKey string) error

	// ObjectExists checks if an object exists at the given key.
	ObjectExists(ctx context.Context, key string) (bool, error)

	// Type returns the backend type identifier ("s3", "local").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}

// VersionKey is the object key of one version of a local file.
func VersionKey(fileID, version int) string {
	return fmt.Sprintf("files/%d/v%d", fileID, version)
}
