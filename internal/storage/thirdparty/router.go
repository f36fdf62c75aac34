package thirdparty

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fruitsalade/docspace/internal/entry"
	"github.com/fruitsalade/docspace/internal/logging"
	"github.com/fruitsalade/docspace/internal/storage"
)

// mountState pairs a registration with its adapter. adapter is nil when the
// client could not be built; err then holds the reason.
type mountState struct {
	mount   *Mount
	adapter *Adapter
	err     error
}

// Router dispatches third-party ids to the adapter of their mount.
type Router struct {
	mu        sync.RWMutex
	states    map[int]*mountState
	mounts    *MountStore
	factories Factories
	opts      Options
}

var _ storage.Adapter[string] = (*Router)(nil)

// NewRouter creates a Router and loads all registered mounts.
func NewRouter(ctx context.Context, mounts *MountStore, factories Factories, opts Options) (*Router, error) {
	r := &Router{
		states:    make(map[int]*mountState),
		mounts:    mounts,
		factories: factories,
		opts:      opts,
	}
	if err := r.Reload(ctx); err != nil {
		return nil, fmt.Errorf("initial load: %w", err)
	}
	return r, nil
}

// Reload re-reads the mount registry. Clients whose backend config did not
// change are reused.
func (r *Router) Reload(ctx context.Context) error {
	rows, err := r.mounts.List(ctx)
	if err != nil {
		return err
	}

	r.mu.RLock()
	old := r.states
	r.mu.RUnlock()

	next := make(map[int]*mountState, len(rows))
	var retired []*Adapter
	for _, m := range rows {
		st := &mountState{mount: m}
		existing := old[m.ID]

		var client Client
		if existing != nil && existing.adapter != nil &&
			existing.mount.BackendType == m.BackendType && string(existing.mount.Config) == string(m.Config) {
			client = existing.adapter.client
			retired = append(retired, existing.adapter)
		} else {
			client, err = r.factories.New(ctx, m.BackendType, m.Config)
			if err != nil {
				logging.Error("failed to initialize provider client",
					zap.Int("mount", m.ID),
					zap.String("provider", m.ProviderKey),
					zap.Error(err))
				st.err = entry.NewProviderError(m.ProviderKey, "connect", err)
				next[m.ID] = st
				continue
			}
			if existing != nil && existing.adapter != nil {
				retired = append(retired, existing.adapter)
				existing.adapter.client.Close()
			}
		}

		st.adapter, err = NewAdapter(m, client, r.opts)
		if err != nil {
			st.err = err
		}
		next[m.ID] = st
	}
	for id, st := range old {
		if _, ok := next[id]; !ok && st.adapter != nil {
			st.adapter.Close()
		}
	}

	r.mu.Lock()
	r.states = next
	r.mu.Unlock()

	for _, a := range retired {
		a.closeCaches()
	}
	logging.Info("provider router reloaded", zap.Int("mounts", len(next)))
	return nil
}

func (a *Adapter) closeCaches() {
	if a.stats != nil {
		a.stats.Close()
		a.lists.Close()
	}
}

// AdapterFor returns the adapter of a mount.
func (r *Router) AdapterFor(providerID int) (*Adapter, error) {
	r.mu.RLock()
	st, ok := r.states[providerID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("mount %d: %w", providerID, entry.ErrNotFound)
	}
	if st.adapter == nil {
		return nil, st.err
	}
	return st.adapter, nil
}

func (r *Router) adapter(id string) (*Adapter, ParsedID, error) {
	pid, err := ParseID(id)
	if err != nil {
		return nil, pid, err
	}
	a, err := r.AdapterFor(pid.ProviderID)
	if err != nil {
		return nil, pid, err
	}
	if a.mount.ProviderKey != pid.ProviderKey {
		return nil, pid, fmt.Errorf("id %q: %w", id, entry.ErrNotFound)
	}
	return a, pid, nil
}

// Register stores a new mount and loads its adapter.
func (r *Router) Register(ctx context.Context, m *Mount) (*Mount, error) {
	m, err := r.mounts.Create(ctx, m)
	if err != nil {
		return nil, err
	}
	if err := r.Reload(ctx); err != nil {
		return nil, err
	}
	logging.Info("mount registered", zap.Int("mount", m.ID), zap.String("provider", m.ProviderKey))
	return m, nil
}

// Mounts returns every registration.
func (r *Router) Mounts(ctx context.Context) ([]*Mount, error) { return r.mounts.List(ctx) }

// Disconnect removes a mount registration. Provider content is untouched.
func (r *Router) Disconnect(ctx context.Context, providerID int) error {
	if err := r.mounts.Delete(ctx, providerID); err != nil {
		return err
	}
	r.mu.Lock()
	st := r.states[providerID]
	delete(r.states, providerID)
	r.mu.Unlock()
	if st != nil && st.adapter != nil {
		st.adapter.Close()
	}
	logging.Info("mount disconnected", zap.Int("mount", providerID))
	return nil
}

// IsMountRoot reports whether id addresses a mount root.
func IsMountRoot(id string) bool {
	pid, err := ParseID(id)
	return err == nil && pid.IsRoot()
}

// fakeRoot describes a mount root from its registration alone.
func fakeRoot(m *Mount) *entry.Folder[string] {
	return &entry.Folder[string]{
		EntryInfo: entry.EntryInfo{
			Title:          m.Title,
			CreatedBy:      m.OwnerID,
			CreatedOn:      m.CreatedAt,
			ModifiedBy:     m.OwnerID,
			ModifiedOn:     m.CreatedAt,
			RootFolderType: m.RootFolderType,
			RootCreatedBy:  m.OwnerID,
			ProviderKey:    m.ProviderKey,
		},
		ID:         m.RootID(),
		ParentID:   entry.FormatID(m.FolderID),
		FolderType: entry.FolderDefault,
		ProviderID: m.ID,
	}
}

// MountRoots returns the roots of the mounts listed under a local folder.
// A mount whose provider is unreachable is still listed, described by its
// registration.
func (r *Router) MountRoots(ctx context.Context, folderID int) ([]*entry.Folder[string], error) {
	mounts, err := r.mounts.ListByFolder(ctx, folderID)
	if err != nil {
		return nil, err
	}
	roots := make([]*entry.Folder[string], len(mounts))

	var g errgroup.Group
	g.SetLimit(4)
	for i, m := range mounts {
		g.Go(func() error {
			roots[i] = r.mountRoot(ctx, m)
			return nil
		})
	}
	_ = g.Wait()
	return roots, nil
}

func (r *Router) mountRoot(ctx context.Context, m *Mount) *entry.Folder[string] {
	a, err := r.AdapterFor(m.ID)
	if err == nil {
		var root *entry.Folder[string]
		if root, err = a.RootFolder(ctx); err == nil {
			root.Title = m.Title
			return root
		}
	}
	logging.Warn("provider unreachable, listing mount from its registration",
		zap.Int("mount", m.ID),
		zap.String("provider", m.ProviderKey),
		zap.Error(err))
	return fakeRoot(m)
}

func (r *Router) GetFolder(ctx context.Context, id string) (*entry.Folder[string], error) {
	a, _, err := r.adapter(id)
	if err != nil {
		return nil, err
	}
	return a.GetFolder(ctx, id)
}

func (r *Router) GetFolders(ctx context.Context, ids []string) ([]*entry.Folder[string], error) {
	var out []*entry.Folder[string]
	for _, id := range ids {
		f, err := r.GetFolder(ctx, id)
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

func (r *Router) ListFolders(ctx context.Context, parentID string, q storage.Query) ([]*entry.Folder[string], error) {
	a, _, err := r.adapter(parentID)
	if err != nil {
		return nil, err
	}
	return a.ListFolders(ctx, parentID, q)
}

func (r *Router) Parents(ctx context.Context, id string) ([]*entry.Folder[string], error) {
	a, _, err := r.adapter(id)
	if err != nil {
		return nil, err
	}
	return a.Parents(ctx, id)
}

func (r *Router) CreateFolder(ctx context.Context, parentID, title, actor string) (string, error) {
	a, _, err := r.adapter(parentID)
	if err != nil {
		return "", err
	}
	return a.CreateFolder(ctx, parentID, title, actor)
}

// RenameFolder renames a folder. Renaming a mount root renames the mount.
func (r *Router) RenameFolder(ctx context.Context, id, title, actor string) (string, error) {
	a, pid, err := r.adapter(id)
	if err != nil {
		return "", err
	}
	if pid.IsRoot() {
		if err := r.mounts.Rename(ctx, pid.ProviderID, title); err != nil {
			return "", err
		}
		return id, r.Reload(ctx)
	}
	return a.RenameFolder(ctx, id, title, actor)
}

func (r *Router) MoveFolder(ctx context.Context, id, destParentID string) (string, error) {
	a, err := r.same(id, destParentID)
	if err != nil {
		return "", err
	}
	return a.MoveFolder(ctx, id, destParentID)
}

func (r *Router) CopyFolder(ctx context.Context, id, destParentID string) (*entry.Folder[string], error) {
	a, err := r.same(id, destParentID)
	if err != nil {
		return nil, err
	}
	return a.CopyFolder(ctx, id, destParentID)
}

// DeleteFolder deletes a folder. Deleting a mount root disconnects the mount.
func (r *Router) DeleteFolder(ctx context.Context, id string) error {
	pid, err := ParseID(id)
	if err != nil {
		return err
	}
	if pid.IsRoot() {
		return r.Disconnect(ctx, pid.ProviderID)
	}
	a, _, err := r.adapter(id)
	if err != nil {
		return err
	}
	return a.DeleteFolder(ctx, id)
}

func (r *Router) MoveFolderToTrash(context.Context, string, string) error {
	return storage.ErrTrashUnsupported
}

func (r *Router) IsEmpty(ctx context.Context, id string) (bool, error) {
	a, _, err := r.adapter(id)
	if err != nil {
		return false, err
	}
	return a.IsEmpty(ctx, id)
}

func (r *Router) GetFile(ctx context.Context, id string) (*entry.File[string], error) {
	a, _, err := r.adapter(id)
	if err != nil {
		return nil, err
	}
	return a.GetFile(ctx, id)
}

func (r *Router) GetFileVersion(ctx context.Context, id string, version int) (*entry.File[string], error) {
	a, _, err := r.adapter(id)
	if err != nil {
		return nil, err
	}
	return a.GetFileVersion(ctx, id, version)
}

func (r *Router) GetFiles(ctx context.Context, ids []string) ([]*entry.File[string], error) {
	var out []*entry.File[string]
	for _, id := range ids {
		f, err := r.GetFile(ctx, id)
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

func (r *Router) ListFiles(ctx context.Context, parentID string, q storage.Query) ([]*entry.File[string], error) {
	a, _, err := r.adapter(parentID)
	if err != nil {
		return nil, err
	}
	return a.ListFiles(ctx, parentID, q)
}

func (r *Router) RenameFile(ctx context.Context, id, title, actor string) (string, error) {
	a, _, err := r.adapter(id)
	if err != nil {
		return "", err
	}
	return a.RenameFile(ctx, id, title, actor)
}

func (r *Router) MoveFile(ctx context.Context, id, destFolderID string) (string, error) {
	a, err := r.same(id, destFolderID)
	if err != nil {
		return "", err
	}
	return a.MoveFile(ctx, id, destFolderID)
}

func (r *Router) CopyFile(ctx context.Context, id, destFolderID string) (*entry.File[string], error) {
	a, err := r.same(id, destFolderID)
	if err != nil {
		return nil, err
	}
	return a.CopyFile(ctx, id, destFolderID)
}

func (r *Router) DeleteFile(ctx context.Context, id string) error {
	a, _, err := r.adapter(id)
	if err != nil {
		return err
	}
	return a.DeleteFile(ctx, id)
}

func (r *Router) MoveFileToTrash(context.Context, string, string) error {
	return storage.ErrTrashUnsupported
}

func (r *Router) OpenFile(ctx context.Context, f *entry.File[string]) (io.ReadCloser, error) {
	a, _, err := r.adapter(f.ID)
	if err != nil {
		return nil, err
	}
	return a.OpenFile(ctx, f)
}

func (r *Router) SaveFile(ctx context.Context, f *entry.File[string], body io.Reader) (*entry.File[string], error) {
	target := f.ID
	if target == "" {
		target = f.FolderID
	}
	a, _, err := r.adapter(target)
	if err != nil {
		return nil, err
	}
	return a.SaveFile(ctx, f, body)
}

func (r *Router) ReplaceFileContent(ctx context.Context, f *entry.File[string], body io.Reader) (*entry.File[string], error) {
	a, _, err := r.adapter(f.ID)
	if err != nil {
		return nil, err
	}
	return a.ReplaceFileContent(ctx, f, body)
}

func (r *Router) MaxUploadSize(ctx context.Context, folderID string, chunked bool) (int64, error) {
	a, _, err := r.adapter(folderID)
	if err != nil {
		return 0, err
	}
	return a.MaxUploadSize(ctx, folderID, chunked)
}

func (r *Router) UseTrashForRemove(entry.Entry) bool { return false }

// SameAdapter reports whether both ids belong to one mount.
func (r *Router) SameAdapter(x, y string) bool {
	px, errX := ParseID(x)
	py, errY := ParseID(y)
	return errX == nil && errY == nil && px.ProviderID == py.ProviderID
}

func (r *Router) same(x, y string) (*Adapter, error) {
	if !r.SameAdapter(x, y) {
		return nil, storage.ErrCrossAdapter
	}
	a, _, err := r.adapter(x)
	return a, err
}

// Close closes every adapter.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.states {
		if st.adapter != nil {
			st.adapter.Close()
		}
	}
	r.states = map[int]*mountState{}
	return nil
}
