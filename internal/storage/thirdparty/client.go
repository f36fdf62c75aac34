// Package thirdparty exposes external storage providers mounted into the
// local hierarchy as storage adapters with string ids.
//
// A mount registration (provider_accounts row) names a provider key, the
// local folder the mount appears under and the backend that serves it. The
// Router owns one Adapter per mount and dispatches on the mount id embedded
// in every third-party entry id.
package thirdparty

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

// Object is one file or directory as reported by a provider client. Path is
// relative to the mount root; the root itself has an empty path.
type Object struct {
	Path    string
	IsDir   bool
	Size    int64
	ModTime time.Time
}

// Name returns the last element of the object path.
func (o Object) Name() string {
	if o.Path == "" {
		return ""
	}
	return path.Base(o.Path)
}

// Client is the path-based protocol a provider backend speaks. Missing
// objects are reported with errors wrapping fs.ErrNotExist. Transient
// failures are marked with retry.Retryable.
type Client interface {
	Stat(ctx context.Context, p string) (*Object, error)
	// List returns the direct children of directory p.
	List(ctx context.Context, p string) ([]Object, error)
	Mkdir(ctx context.Context, p string) error
	Open(ctx context.Context, p string) (io.ReadCloser, error)
	Put(ctx context.Context, p string, body io.Reader, size int64) error
	// Move and Copy work on files and whole directories.
	Move(ctx context.Context, from, to string) error
	Copy(ctx context.Context, from, to string) error
	// Remove deletes a file or a directory with everything below it.
	Remove(ctx context.Context, p string) error
	// MaxUploadSize is the largest object the provider accepts.
	MaxUploadSize() int64
	Close() error
}

// ClientFactory builds a client from a mount's stored backend config.
type ClientFactory func(ctx context.Context, config json.RawMessage) (Client, error)

// Factories maps backend types to their client factories.
type Factories map[string]ClientFactory

// New builds a client for backendType.
func (f Factories) New(ctx context.Context, backendType string, config json.RawMessage) (Client, error) {
	factory, ok := f[backendType]
	if !ok {
		return nil, fmt.Errorf("unknown provider backend type: %s", backendType)
	}
	return factory(ctx, config)
}

// CleanPath normalizes a provider path: slash separated, no leading or
// trailing slash, root is "".
func CleanPath(p string) string {
	p = path.Clean("/" + strings.ReplaceAll(p, "\\", "/"))
	return strings.TrimPrefix(p, "/")
}

// JoinPath joins a directory path and a child name.
func JoinPath(dir, name string) string {
	return CleanPath(dir + "/" + name)
}

// ParentPath returns the directory containing p.
func ParentPath(p string) string {
	p = CleanPath(p)
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[:i]
	}
	return ""
}
