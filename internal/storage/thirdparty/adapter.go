package thirdparty

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"go.uber.org/zap"

	"github.com/fruitsalade/docspace/internal/entry"
	"github.com/fruitsalade/docspace/internal/logging"
	"github.com/fruitsalade/docspace/internal/metrics"
	"github.com/fruitsalade/docspace/internal/retry"
	"github.com/fruitsalade/docspace/internal/storage"
)

// Options tunes every mount adapter.
type Options struct {
	// Timeout bounds each provider call.
	Timeout time.Duration
	// CacheTTL is how long stat and listing results are reused. Zero
	// disables caching.
	CacheTTL time.Duration
	// Retries is the number of extra attempts for transient failures.
	Retries int
	// MaxUploadSize is the configured single-request upload ceiling.
	MaxUploadSize int64
}

// Adapter serves the entries of one mount.
type Adapter struct {
	mount  *Mount
	client Client
	opts   Options
	retry  retry.Config

	stats *ristretto.Cache[string, Object]
	lists *ristretto.Cache[string, []Object]
}

var _ storage.Adapter[string] = (*Adapter)(nil)

// NewAdapter wraps client as the adapter of mount m.
func NewAdapter(m *Mount, client Client, opts Options) (*Adapter, error) {
	a := &Adapter{mount: m, client: client, opts: opts, retry: retry.DefaultConfig()}
	a.retry.MaxAttempts = opts.Retries + 1

	if opts.CacheTTL > 0 {
		var err error
		a.stats, err = ristretto.NewCache(&ristretto.Config[string, Object]{
			NumCounters: 1e4,
			MaxCost:     1 << 12,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("stat cache: %w", err)
		}
		a.lists, err = ristretto.NewCache(&ristretto.Config[string, []Object]{
			NumCounters: 1e4,
			MaxCost:     1 << 16,
			BufferItems: 64,
		})
		if err != nil {
			a.stats.Close()
			return nil, fmt.Errorf("listing cache: %w", err)
		}
	}
	return a, nil
}

// Mount returns the registration the adapter serves.
func (a *Adapter) Mount() *Mount { return a.mount }

// Close releases the client and the caches.
func (a *Adapter) Close() error {
	if a.stats != nil {
		a.stats.Close()
		a.lists.Close()
	}
	return a.client.Close()
}

// call runs fn with the per-call timeout and retry policy, recording metrics
// and translating the outcome into the entry error taxonomy.
func (a *Adapter) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := retry.Do(ctx, a.retry, func() error {
		cctx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
		defer cancel()
		err := fn(cctx)
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return retry.Retryable(err)
		}
		return err
	})
	metrics.RecordProviderRequest(a.mount.ProviderKey, op, time.Since(start), err == nil)
	if err == nil {
		return nil
	}
	err = retry.Unwrap(err)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s %s: %w", a.mount.ProviderKey, op, entry.ErrNotFound)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	logging.Warn("provider call failed",
		zap.String("provider", a.mount.ProviderKey),
		zap.Int("mount", a.mount.ID),
		zap.String("op", op),
		zap.Error(err))
	return entry.NewProviderError(a.mount.ProviderKey, op, err)
}

func (a *Adapter) stat(ctx context.Context, p string) (Object, error) {
	if a.stats != nil {
		if obj, ok := a.stats.Get(p); ok {
			metrics.RecordProviderCache(true)
			return obj, nil
		}
		metrics.RecordProviderCache(false)
	}
	var obj *Object
	err := a.call(ctx, "stat", func(ctx context.Context) error {
		var err error
		obj, err = a.client.Stat(ctx, p)
		return err
	})
	if err != nil {
		return Object{}, err
	}
	if a.stats != nil {
		a.stats.SetWithTTL(p, *obj, 1, a.opts.CacheTTL)
		a.stats.Wait()
	}
	return *obj, nil
}

func (a *Adapter) list(ctx context.Context, p string) ([]Object, error) {
	if a.lists != nil {
		if objs, ok := a.lists.Get(p); ok {
			metrics.RecordProviderCache(true)
			return objs, nil
		}
		metrics.RecordProviderCache(false)
	}
	var objs []Object
	err := a.call(ctx, "list", func(ctx context.Context) error {
		var err error
		objs, err = a.client.List(ctx, p)
		return err
	})
	if err != nil {
		return nil, err
	}
	if a.lists != nil {
		a.lists.SetWithTTL(p, objs, int64(len(objs)+1), a.opts.CacheTTL)
		a.lists.Wait()
	}
	return objs, nil
}

// invalidate drops cached state for p and its parent directory. Cached
// paths below a directory cannot be enumerated, so any change to a
// directory, or to a path not in the cache, clears the mount's caches.
func (a *Adapter) invalidate(p string) {
	if a.stats == nil {
		return
	}
	p = CleanPath(p)
	if obj, ok := a.stats.Get(p); ok && !obj.IsDir {
		parent := ParentPath(p)
		a.stats.Del(p)
		a.stats.Del(parent)
		a.lists.Del(parent)
		return
	}
	a.stats.Clear()
	a.lists.Clear()
}

func (a *Adapter) path(id string) (string, error) {
	pid, err := ParseID(id)
	if err != nil {
		return "", err
	}
	if pid.ProviderID != a.mount.ID {
		return "", fmt.Errorf("id %q does not belong to mount %d: %w", id, a.mount.ID, storage.ErrCrossAdapter)
	}
	return pid.Path, nil
}

func (a *Adapter) id(p string) string { return MakeID(a.mount.ProviderKey, a.mount.ID, p) }

func (a *Adapter) info(title string, modified time.Time) entry.EntryInfo {
	created := modified
	if created.IsZero() {
		created = a.mount.CreatedAt
	}
	return entry.EntryInfo{
		Title:          title,
		CreatedBy:      a.mount.OwnerID,
		CreatedOn:      created,
		ModifiedBy:     a.mount.OwnerID,
		ModifiedOn:     created,
		RootFolderType: a.mount.RootFolderType,
		RootCreatedBy:  a.mount.OwnerID,
		ProviderKey:    a.mount.ProviderKey,
	}
}

func (a *Adapter) toFolder(obj Object) *entry.Folder[string] {
	f := &entry.Folder[string]{
		EntryInfo:  a.info(obj.Name(), obj.ModTime),
		ID:         a.id(obj.Path),
		ParentID:   a.id(ParentPath(obj.Path)),
		FolderType: entry.FolderDefault,
		ProviderID: a.mount.ID,
	}
	if obj.Path == "" {
		f.Title = a.mount.Title
		f.ParentID = entry.FormatID(a.mount.FolderID)
		f.CreatedOn = a.mount.CreatedAt
	}
	return f
}

func (a *Adapter) toFile(obj Object) *entry.File[string] {
	return &entry.File[string]{
		EntryInfo:     a.info(obj.Name(), obj.ModTime),
		ID:            a.id(obj.Path),
		FolderID:      a.id(ParentPath(obj.Path)),
		Version:       1,
		VersionGroup:  1,
		ContentLength: obj.Size,
	}
}

// RootFolder returns the mount root as a folder.
func (a *Adapter) RootFolder(ctx context.Context) (*entry.Folder[string], error) {
	return a.GetFolder(ctx, a.mount.RootID())
}

// GetFolder returns one folder with its child counts.
func (a *Adapter) GetFolder(ctx context.Context, id string) (*entry.Folder[string], error) {
	p, err := a.path(id)
	if err != nil {
		return nil, err
	}
	obj, err := a.stat(ctx, p)
	if err != nil {
		return nil, err
	}
	if !obj.IsDir {
		return nil, fmt.Errorf("%s is not a folder: %w", id, entry.ErrNotFound)
	}
	children, err := a.list(ctx, p)
	if err != nil {
		return nil, err
	}
	f := a.toFolder(obj)
	for _, c := range children {
		if c.IsDir {
			f.TotalSubFolders++
		} else {
			f.TotalFiles++
		}
	}
	return f, nil
}

// GetFolders returns the existing folders among ids.
func (a *Adapter) GetFolders(ctx context.Context, ids []string) ([]*entry.Folder[string], error) {
	var out []*entry.Folder[string]
	for _, id := range ids {
		f, err := a.GetFolder(ctx, id)
		if errors.Is(err, entry.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// walk collects the objects below p, depth first.
func (a *Adapter) walk(ctx context.Context, p string, deep bool, visit func(Object)) error {
	children, err := a.list(ctx, p)
	if err != nil {
		return err
	}
	for _, c := range children {
		visit(c)
		if deep && c.IsDir {
			if err := a.walk(ctx, c.Path, deep, visit); err != nil {
				return err
			}
		}
	}
	return nil
}

// ListFolders lists the subfolders of parentID.
func (a *Adapter) ListFolders(ctx context.Context, parentID string, q storage.Query) ([]*entry.Folder[string], error) {
	if q.Filter.ExcludesFolders() {
		return nil, nil
	}
	p, err := a.path(parentID)
	if err != nil {
		return nil, err
	}
	var folders []*entry.Folder[string]
	err = a.walk(ctx, p, q.WithSubfolders, func(o Object) {
		if o.IsDir {
			folders = append(folders, a.toFolder(o))
		}
	})
	if err != nil {
		return nil, err
	}
	return storage.FilterFolders(folders, q), nil
}

// Parents returns the chain from the mount root down to id.
func (a *Adapter) Parents(ctx context.Context, id string) ([]*entry.Folder[string], error) {
	p, err := a.path(id)
	if err != nil {
		return nil, err
	}
	var chain []*entry.Folder[string]
	for cur := p; ; cur = ParentPath(cur) {
		obj, err := a.stat(ctx, cur)
		if err != nil {
			return nil, err
		}
		chain = append([]*entry.Folder[string]{a.toFolder(obj)}, chain...)
		if cur == "" {
			break
		}
	}
	return chain, nil
}

// CreateFolder creates a directory below parentID.
func (a *Adapter) CreateFolder(ctx context.Context, parentID, title, _ string) (string, error) {
	parent, err := a.path(parentID)
	if err != nil {
		return "", err
	}
	p := JoinPath(parent, title)
	err = a.call(ctx, "mkdir", func(ctx context.Context) error { return a.client.Mkdir(ctx, p) })
	a.invalidate(p)
	if err != nil {
		return "", err
	}
	return a.id(p), nil
}

func (a *Adapter) rename(ctx context.Context, id, title string) (string, error) {
	p, err := a.path(id)
	if err != nil {
		return "", err
	}
	if p == "" {
		return "", fmt.Errorf("mount root is renamed through the mount registry: %w", entry.ErrSecurityDenied)
	}
	to := JoinPath(ParentPath(p), title)
	if to == p {
		return id, nil
	}
	err = a.call(ctx, "move", func(ctx context.Context) error { return a.client.Move(ctx, p, to) })
	a.invalidate(p)
	a.invalidate(to)
	if err != nil {
		return "", err
	}
	return a.id(to), nil
}

// RenameFolder renames a directory. The id changes with the path.
func (a *Adapter) RenameFolder(ctx context.Context, id, title, _ string) (string, error) {
	return a.rename(ctx, id, title)
}

func (a *Adapter) move(ctx context.Context, id, destParentID string) (string, error) {
	p, err := a.path(id)
	if err != nil {
		return "", err
	}
	dest, err := a.path(destParentID)
	if err != nil {
		return "", err
	}
	if p == "" {
		return "", fmt.Errorf("mount root cannot be moved: %w", entry.ErrSecurityDenied)
	}
	to := JoinPath(dest, baseName(p))
	if to == p {
		return id, nil
	}
	if isBelow(dest, p) {
		return "", fmt.Errorf("cannot move %s into itself", id)
	}
	err = a.call(ctx, "move", func(ctx context.Context) error { return a.client.Move(ctx, p, to) })
	a.invalidate(p)
	a.invalidate(to)
	if err != nil {
		return "", err
	}
	return a.id(to), nil
}

func (a *Adapter) copy(ctx context.Context, id, destParentID string) (Object, error) {
	p, err := a.path(id)
	if err != nil {
		return Object{}, err
	}
	dest, err := a.path(destParentID)
	if err != nil {
		return Object{}, err
	}
	if isBelow(dest, p) {
		return Object{}, fmt.Errorf("cannot copy %s into itself", id)
	}
	to := JoinPath(dest, baseName(p))
	err = a.call(ctx, "copy", func(ctx context.Context) error { return a.client.Copy(ctx, p, to) })
	a.invalidate(to)
	if err != nil {
		return Object{}, err
	}
	return a.stat(ctx, to)
}

// MoveFolder moves a directory within the mount.
func (a *Adapter) MoveFolder(ctx context.Context, id, destParentID string) (string, error) {
	return a.move(ctx, id, destParentID)
}

// CopyFolder copies a directory within the mount.
func (a *Adapter) CopyFolder(ctx context.Context, id, destParentID string) (*entry.Folder[string], error) {
	obj, err := a.copy(ctx, id, destParentID)
	if err != nil {
		return nil, err
	}
	return a.toFolder(obj), nil
}

func (a *Adapter) remove(ctx context.Context, id string) error {
	p, err := a.path(id)
	if err != nil {
		return err
	}
	if p == "" {
		return fmt.Errorf("mount root is removed by disconnecting the mount: %w", entry.ErrSecurityDenied)
	}
	err = a.call(ctx, "remove", func(ctx context.Context) error { return a.client.Remove(ctx, p) })
	a.invalidate(p)
	return err
}

// DeleteFolder removes a directory and everything below it.
func (a *Adapter) DeleteFolder(ctx context.Context, id string) error { return a.remove(ctx, id) }

// MoveFolderToTrash is unsupported: providers have no trash.
func (a *Adapter) MoveFolderToTrash(context.Context, string, string) error {
	return storage.ErrTrashUnsupported
}

// IsEmpty reports whether a directory has no children.
func (a *Adapter) IsEmpty(ctx context.Context, id string) (bool, error) {
	p, err := a.path(id)
	if err != nil {
		return false, err
	}
	children, err := a.list(ctx, p)
	if err != nil {
		return false, err
	}
	return len(children) == 0, nil
}

// GetFile returns one file.
func (a *Adapter) GetFile(ctx context.Context, id string) (*entry.File[string], error) {
	p, err := a.path(id)
	if err != nil {
		return nil, err
	}
	obj, err := a.stat(ctx, p)
	if err != nil {
		return nil, err
	}
	if obj.IsDir {
		return nil, fmt.Errorf("%s is not a file: %w", id, entry.ErrNotFound)
	}
	return a.toFile(obj), nil
}

// GetFileVersion only knows version 1: providers keep no history here.
func (a *Adapter) GetFileVersion(ctx context.Context, id string, version int) (*entry.File[string], error) {
	f, err := a.GetFile(ctx, id)
	if err != nil {
		return nil, err
	}
	if version != f.Version {
		return nil, fmt.Errorf("%s version %d: %w", id, version, entry.ErrNotFound)
	}
	return f, nil
}

// GetFiles returns the existing files among ids.
func (a *Adapter) GetFiles(ctx context.Context, ids []string) ([]*entry.File[string], error) {
	var out []*entry.File[string]
	for _, id := range ids {
		f, err := a.GetFile(ctx, id)
		if errors.Is(err, entry.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// ListFiles lists the files in parentID.
func (a *Adapter) ListFiles(ctx context.Context, parentID string, q storage.Query) ([]*entry.File[string], error) {
	if q.Filter.ExcludesFiles() {
		return nil, nil
	}
	p, err := a.path(parentID)
	if err != nil {
		return nil, err
	}
	var files []*entry.File[string]
	err = a.walk(ctx, p, q.WithSubfolders, func(o Object) {
		if !o.IsDir {
			files = append(files, a.toFile(o))
		}
	})
	if err != nil {
		return nil, err
	}
	return storage.FilterFiles(files, q), nil
}

// RenameFile renames a file. The id changes with the path.
func (a *Adapter) RenameFile(ctx context.Context, id, title, _ string) (string, error) {
	return a.rename(ctx, id, title)
}

// MoveFile moves a file within the mount.
func (a *Adapter) MoveFile(ctx context.Context, id, destFolderID string) (string, error) {
	return a.move(ctx, id, destFolderID)
}

// CopyFile copies a file within the mount.
func (a *Adapter) CopyFile(ctx context.Context, id, destFolderID string) (*entry.File[string], error) {
	obj, err := a.copy(ctx, id, destFolderID)
	if err != nil {
		return nil, err
	}
	return a.toFile(obj), nil
}

// DeleteFile removes a file.
func (a *Adapter) DeleteFile(ctx context.Context, id string) error { return a.remove(ctx, id) }

// MoveFileToTrash is unsupported: providers have no trash.
func (a *Adapter) MoveFileToTrash(context.Context, string, string) error {
	return storage.ErrTrashUnsupported
}

// OpenFile streams a file's content.
func (a *Adapter) OpenFile(ctx context.Context, f *entry.File[string]) (io.ReadCloser, error) {
	p, err := a.path(f.ID)
	if err != nil {
		return nil, err
	}
	var rc io.ReadCloser
	// The stream outlives the call, so only the caller's context bounds it.
	err = a.call(ctx, "open", func(context.Context) error {
		var err error
		rc, err = a.client.Open(ctx, p)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rc, nil
}

// SaveFile uploads content. A zero id creates f.Title in f.FolderID;
// otherwise the existing file is overwritten.
func (a *Adapter) SaveFile(ctx context.Context, f *entry.File[string], body io.Reader) (*entry.File[string], error) {
	var p string
	if f.ID == "" {
		dir, err := a.path(f.FolderID)
		if err != nil {
			return nil, err
		}
		if f.Title == "" {
			return nil, fmt.Errorf("file title is required")
		}
		p = JoinPath(dir, f.Title)
	} else {
		var err error
		if p, err = a.path(f.ID); err != nil {
			return nil, err
		}
	}
	return a.put(ctx, p, body, f.ContentLength)
}

// ReplaceFileContent overwrites the content of an existing file.
func (a *Adapter) ReplaceFileContent(ctx context.Context, f *entry.File[string], body io.Reader) (*entry.File[string], error) {
	p, err := a.path(f.ID)
	if err != nil {
		return nil, err
	}
	return a.put(ctx, p, body, f.ContentLength)
}

func (a *Adapter) put(ctx context.Context, p string, body io.Reader, size int64) (*entry.File[string], error) {
	if size <= 0 {
		size = -1
	}
	// Uploads consume body, so they are attempted once.
	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
	err := a.client.Put(cctx, p, body, size)
	cancel()
	metrics.RecordProviderRequest(a.mount.ProviderKey, "put", time.Since(start), err == nil)
	a.invalidate(p)
	if err != nil {
		err = retry.Unwrap(err)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s put: %w", a.mount.ProviderKey, entry.ErrNotFound)
		}
		return nil, entry.NewProviderError(a.mount.ProviderKey, "put", err)
	}
	obj, err := a.stat(ctx, p)
	if err != nil {
		return nil, err
	}
	return a.toFile(obj), nil
}

// MaxUploadSize is the provider ceiling for chunked uploads and the smaller
// of that and the configured ceiling otherwise.
func (a *Adapter) MaxUploadSize(_ context.Context, _ string, chunked bool) (int64, error) {
	storageMax := a.client.MaxUploadSize()
	if chunked || a.opts.MaxUploadSize <= 0 {
		return storageMax, nil
	}
	return min(storageMax, a.opts.MaxUploadSize), nil
}

// UseTrashForRemove is always false: provider entries are deleted.
func (a *Adapter) UseTrashForRemove(entry.Entry) bool { return false }

// SameAdapter reports whether both ids belong to this mount.
func (a *Adapter) SameAdapter(x, y string) bool {
	px, errX := ParseID(x)
	py, errY := ParseID(y)
	return errX == nil && errY == nil && px.ProviderID == a.mount.ID && py.ProviderID == a.mount.ID
}

func baseName(p string) string { return Object{Path: p}.Name() }

// isBelow reports whether p is dir or lies inside it.
func isBelow(p, dir string) bool {
	if dir == "" {
		return true
	}
	return p == dir || (len(p) > len(dir) && p[:len(dir)] == dir && p[len(dir)] == '/')
}
