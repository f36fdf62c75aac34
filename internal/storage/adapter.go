// Package storage defines the capability interface every storage backend
// implements, together with the listing helpers adapters share.
package storage

import (
	"context"
	"errors"
	"io"

	"github.com/fruitsalade/docspace/internal/entry"
)

// ErrCrossAdapter is returned by same-adapter operations asked to move or
// copy between two different backends. Such requests go through the
// transfer coordinator.
var ErrCrossAdapter = errors.New("source and destination belong to different storage adapters")

// ErrTrashUnsupported is returned by adapters that have no trash.
var ErrTrashUnsupported = errors.New("storage adapter has no trash")

// Query narrows a child listing.
type Query struct {
	Filter entry.FilterType
	// Subject restricts results to entries created by this actor when Filter
	// is FilterByUser.
	Subject string
	// Search is matched against titles. For FilterByExtension it holds the
	// wanted extension instead.
	Search          string
	SearchInContent bool
	WithSubfolders  bool
	OrderBy         entry.OrderBy
}

// FolderStore covers the folder half of an adapter.
type FolderStore[T entry.ID] interface {
	GetFolder(ctx context.Context, id T) (*entry.Folder[T], error)
	// GetFolders returns the folders that exist among ids, skipping the rest.
	GetFolders(ctx context.Context, ids []T) ([]*entry.Folder[T], error)
	ListFolders(ctx context.Context, parentID T, q Query) ([]*entry.Folder[T], error)
	// Parents returns the chain from the top of the hierarchy down to id,
	// inclusive.
	Parents(ctx context.Context, id T) ([]*entry.Folder[T], error)
	CreateFolder(ctx context.Context, parentID T, title, actor string) (T, error)
	RenameFolder(ctx context.Context, id T, title, actor string) (T, error)
	MoveFolder(ctx context.Context, id, destParentID T) (T, error)
	CopyFolder(ctx context.Context, id, destParentID T) (*entry.Folder[T], error)
	DeleteFolder(ctx context.Context, id T) error
	MoveFolderToTrash(ctx context.Context, id T, actor string) error
	IsEmpty(ctx context.Context, id T) (bool, error)
}

// FileStore covers the file half of an adapter.
type FileStore[T entry.ID] interface {
	GetFile(ctx context.Context, id T) (*entry.File[T], error)
	// GetFileVersion returns a historical version. Adapters without version
	// history only know the current one.
	GetFileVersion(ctx context.Context, id T, version int) (*entry.File[T], error)
	GetFiles(ctx context.Context, ids []T) ([]*entry.File[T], error)
	ListFiles(ctx context.Context, parentID T, q Query) ([]*entry.File[T], error)
	RenameFile(ctx context.Context, id T, title, actor string) (T, error)
	MoveFile(ctx context.Context, id, destFolderID T) (T, error)
	CopyFile(ctx context.Context, id, destFolderID T) (*entry.File[T], error)
	DeleteFile(ctx context.Context, id T) error
	MoveFileToTrash(ctx context.Context, id T, actor string) error

	// OpenFile streams the content of f at f.Version.
	OpenFile(ctx context.Context, f *entry.File[T]) (io.ReadCloser, error)
	// SaveFile stores content. A zero f.ID creates a new file in f.FolderID;
	// otherwise a new version is written with the Version and VersionGroup
	// set on f. The stored file is returned.
	SaveFile(ctx context.Context, f *entry.File[T], content io.Reader) (*entry.File[T], error)
	// ReplaceFileContent overwrites the content of the current version.
	ReplaceFileContent(ctx context.Context, f *entry.File[T], content io.Reader) (*entry.File[T], error)
}

// Adapter is the uniform capability interface of one storage backend.
type Adapter[T entry.ID] interface {
	FolderStore[T]
	FileStore[T]

	// MaxUploadSize returns the largest upload accepted into folderID.
	MaxUploadSize(ctx context.Context, folderID T, chunked bool) (int64, error)
	// UseTrashForRemove reports whether removing e moves it to a trash.
	UseTrashForRemove(e entry.Entry) bool
	// SameAdapter reports whether a and b are handled by one backend, so
	// that moves and copies between them need no transfer.
	SameAdapter(a, b T) bool
}
