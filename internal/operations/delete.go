package operations

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fruitsalade/docspace/internal/entry"
	"github.com/fruitsalade/docspace/internal/security"
	"github.com/fruitsalade/docspace/internal/storage"
	"github.com/fruitsalade/docspace/internal/storage/thirdparty"
	"github.com/fruitsalade/docspace/internal/tags"
)

// ErrFolderNotEmpty is reported for a folder left behind because some of
// its contents could not be deleted.
var ErrFolderNotEmpty = errors.New("folder still holds entries that could not be deleted")

// DeleteOptions tunes a delete.
type DeleteOptions struct {
	// Immediately skips the trash.
	Immediately bool
	// FailFast stops at the first failed item.
	FailFast bool
}

// Delete removes entries in the background. Entries go to the actor's
// trash unless Immediately is set or the backend has no trash. Deleting an
// entry that is already in trash without Immediately does nothing.
func (m *Manager) Delete(actor security.Actor, keys []entry.Key, opts DeleteOptions) (Status, error) {
	keys = append([]entry.Key(nil), keys...)
	return m.start(actor, KindDelete, keys, opts.FailFast, func(ctx context.Context, r *run) error {
		return m.deleteTargets(ctx, r, splitTargets(keys), opts.Immediately)
	})
}

// EmptyTrash deletes everything in the actor's trash for good.
func (m *Manager) EmptyTrash(ctx context.Context, actor security.Actor) (Status, error) {
	trash, err := m.deps.Local.EnsureRoot(ctx, entry.FolderTrash, actor.ID)
	if err != nil {
		return Status{}, fmt.Errorf("trash root: %w", err)
	}
	folders, err := m.deps.Local.ListFolders(ctx, trash, storage.Query{})
	if err != nil {
		return Status{}, fmt.Errorf("list trash: %w", err)
	}
	files, err := m.deps.Local.ListFiles(ctx, trash, storage.Query{})
	if err != nil {
		return Status{}, fmt.Errorf("list trash: %w", err)
	}
	keys := make([]entry.Key, 0, len(folders)+len(files))
	for _, f := range folders {
		keys = append(keys, f.Key())
	}
	for _, f := range files {
		keys = append(keys, f.Key())
	}
	return m.start(actor, KindEmptyTrash, keys, false, func(ctx context.Context, r *run) error {
		return m.deleteTargets(ctx, r, splitTargets(keys), true)
	})
}

func (m *Manager) deleteTargets(ctx context.Context, r *run, t targets, immediately bool) error {
	for _, k := range t.invalid {
		if err := r.done(k, entry.Key{}, fmt.Errorf("%s: %w", k, entry.ErrNotFound)); err != nil {
			return err
		}
		r.step()
	}

	ld := &deleter[int]{m: m, r: r, a: m.deps.Local, immediately: immediately}
	if err := ld.files(ctx, t.localFiles, true); err != nil {
		return err
	}
	if err := ld.folders(ctx, t.localFolders, true); err != nil {
		return err
	}

	if m.deps.Remote == nil {
		return m.unreachable(r, t.remoteFiles, t.remoteFolders)
	}
	rd := &deleter[string]{m: m, r: r, a: m.deps.Remote, immediately: immediately, mountRoot: isMountRoot}
	if err := rd.files(ctx, t.remoteFiles, true); err != nil {
		return err
	}
	return rd.folders(ctx, t.remoteFolders, true)
}

// unreachable fails third-party targets when no provider is configured.
func (m *Manager) unreachable(r *run, files, folders []string) error {
	for _, id := range files {
		if err := r.done(entry.FileKey(id), entry.Key{}, fmt.Errorf("file %s: %w", id, entry.ErrNotFound)); err != nil {
			return err
		}
		r.step()
	}
	for _, id := range folders {
		if err := r.done(entry.FolderKey(id), entry.Key{}, fmt.Errorf("folder %s: %w", id, entry.ErrNotFound)); err != nil {
			return err
		}
		r.step()
	}
	return nil
}

// deleter deletes entries of one backend. Errors returned by its methods
// stop the whole operation; per-item failures are recorded on the run.
// Only top-level targets are a cancellation point.
type deleter[T entry.ID] struct {
	m           *Manager
	r           *run
	a           storage.Adapter[T]
	immediately bool
	// mountRoot is set for third-party backends.
	mountRoot func(id T) bool
}

func (d *deleter[T]) files(ctx context.Context, ids []T, top bool) error {
	for _, id := range ids {
		if top {
			if err := d.r.stopped(); err != nil {
				return err
			}
		}
		if err := d.r.done(entry.FileKey(id), entry.Key{}, d.file(ctx, id)); err != nil {
			return err
		}
		if top {
			d.r.step()
		}
	}
	return nil
}

func (d *deleter[T]) file(ctx context.Context, id T) error {
	f, err := d.a.GetFile(ctx, id)
	if err != nil {
		return err
	}
	if err := d.check(ctx, f); err != nil {
		return err
	}
	if f.RootFolderType == entry.RootTrash && !d.immediately {
		return nil
	}
	d.untag(ctx, f.Key(), tags.TypeNew)

	if !d.immediately && d.a.UseTrashForRemove(f) {
		return d.a.MoveFileToTrash(ctx, id, d.r.actor.ID)
	}
	if err := d.a.DeleteFile(ctx, id); err != nil {
		return err
	}
	d.forget(ctx, f.Key())
	return nil
}

func (d *deleter[T]) check(ctx context.Context, f *entry.File[T]) error {
	return removable(ctx, d.m, d.r.actor, f)
}

// removable reports why actor may not take f away from where it is.
func removable[T entry.ID](ctx context.Context, m *Manager, actor security.Actor, f *entry.File[T]) error {
	ok, err := m.deps.Security.CanDelete(ctx, actor, f)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("remove %s: %w", f.Title, entry.ErrSecurityDenied)
	}
	holder, err := m.deps.Tags.LockHolder(ctx, f.Key())
	if err != nil {
		return err
	}
	if holder != "" && holder != actor.ID {
		return fmt.Errorf("remove %s: %w", f.Title, entry.ErrLockedByOther)
	}
	if m.deps.Editing != nil && m.deps.Editing.IsEditing(f.Key()) {
		return fmt.Errorf("remove %s: %w", f.Title, entry.ErrAlreadyEditing)
	}
	return nil
}

func (d *deleter[T]) folders(ctx context.Context, ids []T, top bool) error {
	for _, id := range ids {
		if top {
			if err := d.r.stopped(); err != nil {
				return err
			}
		}
		itemErr, stop := d.folder(ctx, id)
		if stop != nil {
			return stop
		}
		if err := d.r.done(entry.FolderKey(id), entry.Key{}, itemErr); err != nil {
			return err
		}
		if top {
			d.r.step()
		}
	}
	return nil
}

// folder removes one folder. The first result is the outcome of the folder
// itself; the second stops the operation.
func (d *deleter[T]) folder(ctx context.Context, id T) (itemErr, stop error) {
	f, err := d.a.GetFolder(ctx, id)
	if err != nil {
		return err, nil
	}
	if f.FolderType != entry.FolderDefault && f.FolderType != entry.FolderBunch {
		return fmt.Errorf("delete %s: %w", f.Title, entry.ErrSecurityDenied), nil
	}
	ok, err := d.m.deps.Security.CanDelete(ctx, d.r.actor, f)
	if err != nil {
		return err, nil
	}
	if !ok {
		return fmt.Errorf("delete %s: %w", f.Title, entry.ErrSecurityDenied), nil
	}
	if f.RootFolderType == entry.RootTrash && !d.immediately {
		return nil, nil
	}
	d.untag(ctx, f.Key(), tags.TypeNew)

	if d.mountRoot != nil && d.mountRoot(id) {
		// Removing a mount root only disconnects the mount.
		return d.a.DeleteFolder(ctx, id), nil
	}

	if !d.immediately && d.a.UseTrashForRemove(f) {
		inside, err := d.a.ListFiles(ctx, id, storage.Query{WithSubfolders: true})
		if err != nil {
			return err, nil
		}
		for _, file := range inside {
			if err := d.check(ctx, file); err != nil {
				return err, nil
			}
		}
		return d.a.MoveFolderToTrash(ctx, id, d.r.actor.ID), nil
	}

	// Bottom-up: contents first, then the folder once it is empty.
	files, err := d.a.ListFiles(ctx, id, storage.Query{})
	if err != nil {
		return err, nil
	}
	if stop := d.files(ctx, fileIDs(files), false); stop != nil {
		return nil, stop
	}
	subs, err := d.a.ListFolders(ctx, id, storage.Query{})
	if err != nil {
		return err, nil
	}
	if stop := d.folders(ctx, folderIDs(subs), false); stop != nil {
		return nil, stop
	}

	empty, err := d.a.IsEmpty(ctx, id)
	if err != nil {
		return err, nil
	}
	if !empty {
		return fmt.Errorf("delete %s: %w", f.Title, ErrFolderNotEmpty), nil
	}
	if err := d.a.DeleteFolder(ctx, id); err != nil {
		return err, nil
	}
	d.forget(ctx, f.Key())
	return nil, nil
}

func (d *deleter[T]) untag(ctx context.Context, key entry.Key, types ...tags.Type) {
	for _, t := range types {
		if err := d.m.deps.Tags.RemoveAll(ctx, t, key); err != nil {
			d.r.log.Warn("failed to remove tags", zap.String("entry", key.String()), zap.Stringer("type", t), zap.Error(err))
		}
	}
}

// forget drops the state kept against an entry that no longer exists.
func (d *deleter[T]) forget(ctx context.Context, key entry.Key) {
	d.untag(ctx, key, tags.TypeFavorite, tags.TypeRecent, tags.TypeTemplate)
	if err := d.m.deps.Tags.ReleaseLock(ctx, key, "", true); err != nil {
		d.r.log.Warn("failed to release lock", zap.String("entry", key.String()), zap.Error(err))
	}
	if d.m.deps.Grants != nil {
		if err := d.m.deps.Grants.RemoveEntries(ctx, key); err != nil {
			d.r.log.Warn("failed to remove grants", zap.String("entry", key.String()), zap.Error(err))
		}
	}
}

func isMountRoot(id string) bool {
	pid, err := thirdparty.ParseID(id)
	return err == nil && pid.IsRoot()
}

func fileIDs[T entry.ID](files []*entry.File[T]) []T {
	out := make([]T, len(files))
	for i, f := range files {
		out[i] = f.ID
	}
	return out
}

func folderIDs[T entry.ID](folders []*entry.Folder[T]) []T {
	out := make([]T, len(folders))
	for i, f := range folders {
		out[i] = f.ID
	}
	return out
}
